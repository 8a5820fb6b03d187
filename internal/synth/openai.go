package synth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MattRib/physionote-ai-sub000/internal/config"
	"github.com/MattRib/physionote-ai-sub000/internal/domain"
)

// OpenAISynthesizer implements Synthesizer using OpenAI chat completions.
type OpenAISynthesizer struct {
	client       openai.Client
	noteModel    string
	summaryModel string
}

// NewOpenAISynthesizer creates an OpenAI-backed note synthesizer.
func NewOpenAISynthesizer(cfg *config.Config) (*OpenAISynthesizer, error) {
	if cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("openai API key is required")
	}
	return &OpenAISynthesizer{
		client:       openai.NewClient(option.WithAPIKey(cfg.OpenAIAPIKey)),
		noteModel:    cfg.NoteModel,
		summaryModel: cfg.SummaryModel,
	}, nil
}

// ModelTag identifies the provider/model pair.
func (s *OpenAISynthesizer) ModelTag() string {
	return "openai/" + s.summaryModel
}

// SynthesizeStructuredNote produces a shape-validated clinical note.
func (s *OpenAISynthesizer) SynthesizeStructuredNote(ctx context.Context, transcript string, patient domain.PatientContext) (*domain.Note, error) {
	raw, err := s.complete(ctx, s.noteModel, noteSystemPrompt, noteUserPrompt(transcript, patient))
	if err != nil {
		return nil, fmt.Errorf("synthesize note: %w", err)
	}

	note, err := domain.ParseNote([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("synthesize note: %w", err)
	}
	return note, nil
}

// SynthesizeFreeSummary condenses session excerpts into one narrative.
func (s *OpenAISynthesizer) SynthesizeFreeSummary(ctx context.Context, excerpts []domain.SessionExcerpt) (string, error) {
	text, err := s.complete(ctx, s.summaryModel, summarySystemPrompt, summaryUserPrompt(excerpts))
	if err != nil {
		return "", fmt.Errorf("synthesize summary: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("synthesize summary: empty model output")
	}
	return strings.TrimSpace(text), nil
}

func (s *OpenAISynthesizer) complete(ctx context.Context, model, system, user string) (string, error) {
	operation := func() (string, error) {
		resp, err := s.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
			Model: openai.ChatModel(model),
			Messages: []openai.ChatCompletionMessageParamUnion{
				openai.SystemMessage(system),
				openai.UserMessage(user),
			},
			Temperature: openai.Float(0.2),
		})
		if err != nil {
			if isTransient(err) {
				slog.Warn("completion request failed, retrying", "model", model, "error", err)
				return "", err
			}
			return "", backoff.Permanent(err)
		}
		if len(resp.Choices) == 0 {
			return "", backoff.Permanent(fmt.Errorf("no choices in model response"))
		}
		return resp.Choices[0].Message.Content, nil
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(3),
		backoff.WithMaxElapsedTime(5*time.Minute),
	)
}

func isTransient(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}
