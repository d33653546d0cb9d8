package messaging

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

const (
	metaDefaultBaseURL = "https://graph.facebook.com"
	metaDefaultVersion = "v18.0"
)

type MetaConfig struct {
	BaseURL       string
	Version       string
	AccessToken   string
	PhoneNumberID string
}

// MetaSender talks to the WhatsApp Cloud API.
type MetaSender struct {
	cfg    MetaConfig
	client *http.Client
}

func NewMetaSender(cfg MetaConfig, client *http.Client) *MetaSender {
	if cfg.BaseURL == "" {
		cfg.BaseURL = metaDefaultBaseURL
	}
	if cfg.Version == "" {
		cfg.Version = metaDefaultVersion
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &MetaSender{cfg: cfg, client: newHTTPClient(client)}
}

func (m *MetaSender) Name() string { return "meta" }

type metaText struct {
	Body string `json:"body"`
}

type metaRequest struct {
	MessagingProduct string   `json:"messaging_product"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Text             metaText `json:"text"`
}

type metaResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

func (m *MetaSender) Send(ctx context.Context, to, text string) (*SendResult, error) {
	if m.cfg.AccessToken == "" || m.cfg.PhoneNumberID == "" {
		return nil, errors.New("meta sender is not configured")
	}
	url := fmt.Sprintf("%s/%s/%s/messages", m.cfg.BaseURL, m.cfg.Version, m.cfg.PhoneNumberID)
	var out metaResponse
	err := postJSON(ctx, m.client, url,
		map[string]string{"Authorization": "Bearer " + m.cfg.AccessToken},
		metaRequest{MessagingProduct: "whatsapp", To: to, Type: "text", Text: metaText{Body: text}},
		&out)
	if err != nil {
		return nil, fmt.Errorf("meta: %w", err)
	}
	res := &SendResult{Provider: m.Name()}
	if len(out.Messages) > 0 {
		res.MessageID = out.Messages[0].ID
	}
	return res, nil
}
