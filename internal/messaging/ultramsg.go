package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

const ultraMsgDefaultBaseURL = "https://api.ultramsg.com"

type UltraMsgConfig struct {
	BaseURL    string
	InstanceID string
	Token      string
}

type UltraMsgSender struct {
	cfg    UltraMsgConfig
	client *http.Client
}

func NewUltraMsgSender(cfg UltraMsgConfig, client *http.Client) *UltraMsgSender {
	if cfg.BaseURL == "" {
		cfg.BaseURL = ultraMsgDefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &UltraMsgSender{cfg: cfg, client: newHTTPClient(client)}
}

func (u *UltraMsgSender) Name() string { return "ultramsg" }

type ultraMsgRequest struct {
	Token    string `json:"token"`
	To       string `json:"to"`
	Body     string `json:"body"`
	Priority string `json:"priority"`
}

// UltraMsg reports sent as "true" or true and the id as a string or number.
type ultraMsgResponse struct {
	Sent  json.RawMessage `json:"sent"`
	ID    json.RawMessage `json:"id"`
	Error json.RawMessage `json:"error"`
}

func (u *UltraMsgSender) Send(ctx context.Context, to, text string) (*SendResult, error) {
	if u.cfg.InstanceID == "" || u.cfg.Token == "" {
		return nil, errors.New("ultramsg sender is not configured")
	}
	var out ultraMsgResponse
	url := fmt.Sprintf("%s/%s/messages/chat", u.cfg.BaseURL, u.cfg.InstanceID)
	payload := ultraMsgRequest{Token: u.cfg.Token, To: to, Body: text, Priority: "high"}
	if err := postJSON(ctx, u.client, url, nil, payload, &out); err != nil {
		return nil, fmt.Errorf("ultramsg: %w", err)
	}
	if unquote(out.Sent) != "true" {
		return nil, fmt.Errorf("ultramsg: message not sent: %s", out.Error)
	}
	return &SendResult{Provider: u.Name(), MessageID: unquote(out.ID)}, nil
}

func unquote(raw json.RawMessage) string {
	return strings.Trim(strings.TrimSpace(string(raw)), `"`)
}
