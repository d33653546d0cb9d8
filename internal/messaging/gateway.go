package messaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/xaenox/imob-leadbot/internal/metrics"
	"go.uber.org/zap"
)

var ErrAllProvidersFailed = errors.New("all messaging providers failed")

// Gateway delivers WhatsApp messages through an ordered provider chain.
// The first provider that accepts the message wins.
type Gateway struct {
	senders []Sender
	logger  *zap.Logger
}

func NewGateway(senders []Sender, logger *zap.Logger) *Gateway {
	return &Gateway{senders: senders, logger: logger}
}

// Providers returns the provider names in the order they are tried.
func (g *Gateway) Providers() []string {
	names := make([]string, 0, len(g.senders))
	for _, s := range g.senders {
		names = append(names, s.Name())
	}
	return names
}

func (g *Gateway) Send(ctx context.Context, to, text string) (*SendResult, error) {
	phone, err := NormalizePhone(to)
	if err != nil {
		return nil, err
	}
	if len(g.senders) == 0 {
		return nil, fmt.Errorf("%w: no provider configured", ErrAllProvidersFailed)
	}

	var errs []error
	for _, s := range g.senders {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		res, err := s.Send(ctx, phone, text)
		if err != nil {
			metrics.IncGatewaySend(s.Name(), "error")
			g.logger.Warn("Failed to send message through provider",
				zap.String("provider", s.Name()),
				zap.Error(err))
			errs = append(errs, err)
			continue
		}
		metrics.IncGatewaySend(s.Name(), "ok")
		return res, nil
	}
	return nil, fmt.Errorf("%w: %w", ErrAllProvidersFailed, errors.Join(errs...))
}
