package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/xaenox/imob-leadbot/internal/bot"
	"github.com/xaenox/imob-leadbot/internal/models"
	"go.uber.org/zap"
)

var (
	senderFields  = []string{"From", "from", "phone", "sender"}
	textFields    = []string{"Body", "body", "text", "message"}
	messageFields = []string{"id", "MessageSid", "messageId"}
)

// verifyWebhook answers the subscription handshake of the WhatsApp Cloud API.
func (s *Server) verifyWebhook(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	if mode == "" && token == "" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if mode != "subscribe" || s.opts.VerifyToken == "" || token != s.opts.VerifyToken {
		s.logger.Warn("Rejected webhook verification", zap.String("mode", mode))
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "forbidden"})
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, q.Get("hub.challenge"))
}

type webhookResponse struct {
	Success  bool           `json:"success"`
	Ignored  bool           `json:"ignored,omitempty"`
	Outcomes []*bot.Outcome `json:"outcomes,omitempty"`
}

func (s *Server) receiveWebhook(w http.ResponseWriter, r *http.Request) {
	msgs, err := parseWebhook(r, maxBodyBytes)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(msgs) == 0 {
		// Delivery receipts and other non-message events.
		writeJSON(w, http.StatusOK, webhookResponse{Success: true, Ignored: true})
		return
	}

	resp := webhookResponse{Success: true}
	for _, in := range msgs {
		out, err := s.deps.Inbound.HandleInbound(r.Context(), in)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		resp.Outcomes = append(resp.Outcomes, out)
	}
	writeJSON(w, http.StatusOK, resp)
}

// parseWebhook extracts inbound messages from JSON, form-encoded and Meta
// Cloud API payloads. A nil slice with no error means the payload carried
// no message.
func parseWebhook(r *http.Request, limit int64) ([]bot.Inbound, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("error reading webhook body: %w", models.ErrValidation)
	}

	var fields map[string]string
	trimmed := bytes.TrimSpace(body)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") || bytes.HasPrefix(trimmed, []byte("{")) {
		var raw map[string]any
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, fmt.Errorf("invalid webhook json: %w", models.ErrValidation)
		}
		if _, ok := raw["entry"]; ok {
			return parseMetaPayload(trimmed)
		}
		fields = flatten(raw)
	} else {
		form, err := url.ParseQuery(string(trimmed))
		if err != nil {
			return nil, fmt.Errorf("invalid webhook form: %w", models.ErrValidation)
		}
		fields = make(map[string]string, len(form))
		for k := range form {
			fields[k] = form.Get(k)
		}
	}

	in := bot.Inbound{
		Channel:   models.ChannelWhatsApp,
		Address:   stripWhatsAppPrefix(firstOf(fields, senderFields)),
		Text:      firstOf(fields, textFields),
		MessageID: firstOf(fields, messageFields),
	}
	if in.Address == "" || strings.TrimSpace(in.Text) == "" {
		return nil, fmt.Errorf("sender and message are required: %w", models.ErrValidation)
	}
	return []bot.Inbound{in}, nil
}

type metaPayload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Messages []struct {
					From string `json:"from"`
					ID   string `json:"id"`
					Type string `json:"type"`
					Text struct {
						Body string `json:"body"`
					} `json:"text"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

func parseMetaPayload(body []byte) ([]bot.Inbound, error) {
	var p metaPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("invalid cloud api payload: %w", models.ErrValidation)
	}
	var out []bot.Inbound
	for _, e := range p.Entry {
		for _, c := range e.Changes {
			for _, m := range c.Value.Messages {
				if (m.Type != "" && m.Type != "text") || m.Text.Body == "" {
					continue
				}
				out = append(out, bot.Inbound{
					Channel:   models.ChannelWhatsApp,
					Address:   m.From,
					Text:      m.Text.Body,
					MessageID: m.ID,
				})
			}
		}
	}
	return out, nil
}

func flatten(raw map[string]any) map[string]string {
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch t := v.(type) {
		case string:
			out[k] = t
		case float64:
			out[k] = strconv.FormatFloat(t, 'f', -1, 64)
		}
	}
	return out
}

func firstOf(fields map[string]string, keys []string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(fields[k]); v != "" {
			return v
		}
	}
	return ""
}

func stripWhatsAppPrefix(addr string) string {
	return strings.TrimSpace(strings.TrimPrefix(addr, "whatsapp:"))
}
