package dialogue

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"github.com/xaenox/imob-leadbot/internal/models"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

type GeminiCompleter struct {
	client    *genai.Client
	modelName string
	logger    *zap.Logger
}

func NewGeminiCompleter(ctx context.Context, apiKey, modelName string, logger *zap.Logger) (*GeminiCompleter, error) {
	cl, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("error creating gemini client: %w", err)
	}
	if modelName == "" {
		modelName = "gemini-1.5-flash"
	}
	return &GeminiCompleter{client: cl, modelName: modelName, logger: logger}, nil
}

func (g *GeminiCompleter) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

func (g *GeminiCompleter) Complete(ctx context.Context, req Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("%w: no messages", ErrCompletion)
	}
	name := req.Model
	if name == "" {
		name = g.modelName
	}

	m := g.client.GenerativeModel(name)
	if req.SystemPrompt != "" {
		m.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(req.SystemPrompt)},
		}
	}
	if req.MaxTokens > 0 {
		m.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	if req.Temperature > 0 {
		m.SetTemperature(req.Temperature)
	}

	cs := m.StartChat()
	last := req.Messages[len(req.Messages)-1]
	for _, msg := range req.Messages[:len(req.Messages)-1] {
		role := "user"
		if msg.Role == models.RoleAssistant {
			role = "model"
		}
		cs.History = append(cs.History, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(msg.Content)},
		})
	}

	resp, err := cs.SendMessage(ctx, genai.Text(last.Content))
	if err != nil {
		g.logger.Error("Failed to get completion", zap.String("model", name), zap.Error(err))
		return nil, classifyGeminiError(ctx, err)
	}

	out := &Response{}
	if resp.UsageMetadata != nil {
		out.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return out, nil
	}
	for _, p := range resp.Candidates[0].Content.Parts {
		if t, ok := p.(genai.Text); ok {
			out.Text = string(t)
			break
		}
	}
	return out, nil
}

func classifyGeminiError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return fmt.Errorf("%w: %w", statusError(gerr.Code), err)
	}
	return fmt.Errorf("%w: %w", ErrCompletion, err)
}
