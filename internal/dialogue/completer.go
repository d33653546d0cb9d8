package dialogue

import (
	"context"
	"errors"
	"strings"

	"github.com/xaenox/imob-leadbot/internal/models"
)

var (
	ErrRateLimited = errors.New("completion rate limited")
	ErrInvalidKey  = errors.New("completion key rejected")
	ErrTimeout     = errors.New("completion timed out")
	ErrCompletion  = errors.New("completion failed")
)

// Request is one completion call: a system instruction plus alternating
// user and assistant turns, the last of which is the new user message.
type Request struct {
	Model        string
	SystemPrompt string
	Messages     []models.Message
	MaxTokens    int
	Temperature  float32
}

// Response holds the first text block of the reply, empty when there was none.
type Response struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

type Completer interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Registry selects a completer by provider name.
type Registry struct {
	backends map[string]Completer
	fallback string
}

func NewRegistry(fallback string) *Registry {
	return &Registry{backends: make(map[string]Completer), fallback: strings.ToLower(fallback)}
}

func (r *Registry) Register(provider string, c Completer) {
	r.backends[strings.ToLower(provider)] = c
}

// For returns the completer for provider, or the fallback when the provider
// has none. The returned name is the provider actually used.
func (r *Registry) For(provider string) (Completer, string, bool) {
	name := strings.ToLower(provider)
	if c, ok := r.backends[name]; ok {
		return c, name, true
	}
	c, ok := r.backends[r.fallback]
	return c, r.fallback, ok
}
