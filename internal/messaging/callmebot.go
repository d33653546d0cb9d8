package messaging

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const callMeBotDefaultBaseURL = "https://api.callmebot.com"

type CallMeBotConfig struct {
	BaseURL string
	APIKey  string
}

// CallMeBotSender uses the free CallMeBot relay. It only delivers to the
// number the API key was issued for, so it suits admin notifications.
type CallMeBotSender struct {
	cfg    CallMeBotConfig
	client *http.Client
}

func NewCallMeBotSender(cfg CallMeBotConfig, client *http.Client) *CallMeBotSender {
	if cfg.BaseURL == "" {
		cfg.BaseURL = callMeBotDefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &CallMeBotSender{cfg: cfg, client: newHTTPClient(client)}
}

func (c *CallMeBotSender) Name() string { return "callmebot" }

func (c *CallMeBotSender) Send(ctx context.Context, to, text string) (*SendResult, error) {
	if c.cfg.APIKey == "" {
		return nil, errors.New("callmebot sender is not configured")
	}
	q := url.Values{}
	q.Set("phone", to)
	q.Set("text", text)
	q.Set("apikey", c.cfg.APIKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/whatsapp.php?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("callmebot: failed to create request: %w", err)
	}
	if err := do(c.client, req, nil); err != nil {
		return nil, fmt.Errorf("callmebot: %w", err)
	}
	return &SendResult{Provider: c.Name()}, nil
}
