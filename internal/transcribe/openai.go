package transcribe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MattRib/physionote-ai-sub000/internal/config"
)

// OpenAITranscriber implements Transcriber using the OpenAI audio API.
type OpenAITranscriber struct {
	client   openai.Client
	model    string
	language string
}

// NewOpenAITranscriber creates a Whisper-backed transcriber.
func NewOpenAITranscriber(cfg *config.Config) (*OpenAITranscriber, error) {
	if cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("openai API key is required")
	}
	return &OpenAITranscriber{
		client:   openai.NewClient(option.WithAPIKey(cfg.OpenAIAPIKey)),
		model:    cfg.TranscribeModel,
		language: cfg.TranscribeLanguage,
	}, nil
}

// Transcribe sends the audio payload to the transcription model. Rate-limit
// and server-side failures are retried with exponential backoff within the
// caller's deadline; everything else fails immediately.
func (t *OpenAITranscriber) Transcribe(ctx context.Context, audio io.Reader, contentType, languageHint string) (string, error) {
	language := languageHint
	if language == "" {
		language = t.language
	}

	filename := "session" + extensionFor(contentType)

	// Buffer the payload so a retried attempt re-sends the full body.
	payload, err := io.ReadAll(audio)
	if err != nil {
		return "", fmt.Errorf("read audio payload: %w", err)
	}

	operation := func() (string, error) {
		resp, err := t.client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
			File:     openai.File(bytes.NewReader(payload), filename, contentType),
			Model:    openai.AudioModel(t.model),
			Language: openai.String(language),
		})
		if err != nil {
			if isTransient(err) {
				slog.Warn("transcription request failed, retrying", "error", err)
				return "", err
			}
			return "", backoff.Permanent(err)
		}
		return resp.Text, nil
	}

	text, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(3),
		backoff.WithMaxElapsedTime(5*time.Minute),
	)
	if err != nil {
		return "", fmt.Errorf("transcribe audio: %w", err)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("transcription returned empty text")
	}
	return text, nil
}

// isTransient reports whether an API error is worth re-sending: rate limits
// and server-side failures.
func isTransient(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}

func extensionFor(contentType string) string {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "webm"):
		return ".webm"
	case strings.Contains(ct, "wav"):
		return ".wav"
	case strings.Contains(ct, "mp4"), strings.Contains(ct, "m4a"):
		return ".m4a"
	case strings.Contains(ct, "ogg"):
		return ".ogg"
	default:
		return ".mp3"
	}
}
