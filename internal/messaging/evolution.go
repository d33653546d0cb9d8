package messaging

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type EvolutionConfig struct {
	APIURL   string
	APIKey   string
	Instance string
}

// EvolutionSender talks to a self-hosted Evolution API instance.
type EvolutionSender struct {
	cfg    EvolutionConfig
	client *http.Client
}

func NewEvolutionSender(cfg EvolutionConfig, client *http.Client) *EvolutionSender {
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	return &EvolutionSender{cfg: cfg, client: newHTTPClient(client)}
}

func (e *EvolutionSender) Name() string { return "evolution" }

type evolutionRequest struct {
	Number      string `json:"number"`
	TextMessage struct {
		Text string `json:"text"`
	} `json:"textMessage"`
}

type evolutionResponse struct {
	Key *struct {
		ID string `json:"id"`
	} `json:"key"`
	Message string `json:"message"`
}

func (e *EvolutionSender) Send(ctx context.Context, to, text string) (*SendResult, error) {
	if e.cfg.APIURL == "" || e.cfg.APIKey == "" {
		return nil, errors.New("evolution sender is not configured")
	}
	payload := evolutionRequest{Number: to}
	payload.TextMessage.Text = text

	var out evolutionResponse
	url := fmt.Sprintf("%s/message/sendText/%s", e.cfg.APIURL, e.cfg.Instance)
	if err := postJSON(ctx, e.client, url, map[string]string{"apikey": e.cfg.APIKey}, payload, &out); err != nil {
		return nil, fmt.Errorf("evolution: %w", err)
	}
	if out.Key == nil {
		return nil, fmt.Errorf("evolution: message not accepted: %s", out.Message)
	}
	return &SendResult{Provider: e.Name(), MessageID: out.Key.ID}, nil
}
