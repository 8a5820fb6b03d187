package synth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v5"

	"github.com/MattRib/physionote-ai-sub000/internal/config"
	"github.com/MattRib/physionote-ai-sub000/internal/domain"
)

const anthropicMaxTokens = 4096

// AnthropicSynthesizer implements Synthesizer using the Anthropic messages API.
type AnthropicSynthesizer struct {
	client       anthropic.Client
	noteModel    string
	summaryModel string
}

// NewAnthropicSynthesizer creates an Anthropic-backed note synthesizer.
func NewAnthropicSynthesizer(cfg *config.Config) (*AnthropicSynthesizer, error) {
	if cfg.AnthropicAPIKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}
	return &AnthropicSynthesizer{
		client:       anthropic.NewClient(option.WithAPIKey(cfg.AnthropicAPIKey)),
		noteModel:    cfg.NoteModel,
		summaryModel: cfg.SummaryModel,
	}, nil
}

// ModelTag identifies the provider/model pair.
func (s *AnthropicSynthesizer) ModelTag() string {
	return "anthropic/" + s.summaryModel
}

// SynthesizeStructuredNote produces a shape-validated clinical note.
func (s *AnthropicSynthesizer) SynthesizeStructuredNote(ctx context.Context, transcript string, patient domain.PatientContext) (*domain.Note, error) {
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
func (s *AnthropicSynthesizer) SynthesizeFreeSummary(ctx context.Context, excerpts []domain.SessionExcerpt) (string, error) {
	text, err := s.complete(ctx, s.summaryModel, summarySystemPrompt, summaryUserPrompt(excerpts))
	if err != nil {
		return "", fmt.Errorf("synthesize summary: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("synthesize summary: empty model output")
	}
	return strings.TrimSpace(text), nil
}

func (s *AnthropicSynthesizer) complete(ctx context.Context, model, system, user string) (string, error) {
	operation := func() (string, error) {
		resp, err := s.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(model),
			MaxTokens: anthropicMaxTokens,
			System: []anthropic.TextBlockParam{
				{Text: system},
			},
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
			},
		})
		if err != nil {
			if isAnthropicTransient(err) {
				slog.Warn("message request failed, retrying", "model", model, "error", err)
				return "", err
			}
			return "", backoff.Permanent(err)
		}

		var b strings.Builder
		for _, block := range resp.Content {
			if block.Type == "text" {
				b.WriteString(block.Text)
			}
		}
		if b.Len() == 0 {
			return "", backoff.Permanent(fmt.Errorf("no text content in model response"))
		}
		return b.String(), nil
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(3),
		backoff.WithMaxElapsedTime(5*time.Minute),
	)
}

func isAnthropicTransient(err error) bool {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}
