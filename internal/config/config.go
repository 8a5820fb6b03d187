// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Providers selectable for note synthesis.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	AudioDir    string

	// MaxUploadBytes caps individual audio payload size.
	MaxUploadBytes int64

	OpenAIAPIKey    string
	AnthropicAPIKey string

	// SynthProvider selects the note synthesis backend: openai or anthropic.
	SynthProvider string

	TranscribeModel    string
	TranscribeLanguage string
	NoteModel          string
	SummaryModel       string

	// Per-stage adapter timeouts. Exceeding one is treated identically to an
	// adapter-reported failure.
	TranscribeTimeout time.Duration
	SynthTimeout      time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/physionote.db"),
		AudioDir:    getEnv("AUDIO_DIR", "./data/audio"),

		MaxUploadBytes: getEnvInt64("MAX_UPLOAD_BYTES", 25*1024*1024),

		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),

		SynthProvider: strings.ToLower(getEnv("SYNTH_PROVIDER", ProviderOpenAI)),

		TranscribeModel:    getEnv("TRANSCRIBE_MODEL", "whisper-1"),
		TranscribeLanguage: getEnv("TRANSCRIBE_LANGUAGE", "pt"),
		NoteModel:          getEnv("NOTE_MODEL", "gpt-4o"),
		SummaryModel:       getEnv("SUMMARY_MODEL", "gpt-4o-mini"),

		TranscribeTimeout: getEnvDuration("TRANSCRIBE_TIMEOUT", 3*time.Minute),
		SynthTimeout:      getEnvDuration("SYNTH_TIMEOUT", 2*time.Minute),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.AudioDir == "" {
		return fmt.Errorf("AUDIO_DIR cannot be empty")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be > 0")
	}
	if c.OpenAIAPIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY cannot be empty")
	}
	switch c.SynthProvider {
	case ProviderOpenAI:
	case ProviderAnthropic:
		if c.AnthropicAPIKey == "" {
			return fmt.Errorf("ANTHROPIC_API_KEY cannot be empty when SYNTH_PROVIDER=anthropic")
		}
	default:
		return fmt.Errorf("SYNTH_PROVIDER must be %q or %q", ProviderOpenAI, ProviderAnthropic)
	}
	if c.TranscribeTimeout <= 0 || c.SynthTimeout <= 0 {
		return fmt.Errorf("adapter timeouts must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
