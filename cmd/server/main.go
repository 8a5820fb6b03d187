// PhysioNote - Clinical session documentation server
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/MattRib/physionote-ai-sub000/internal/api"
	"github.com/MattRib/physionote-ai-sub000/internal/blob"
	"github.com/MattRib/physionote-ai-sub000/internal/config"
	"github.com/MattRib/physionote-ai-sub000/internal/history"
	"github.com/MattRib/physionote-ai-sub000/internal/middleware"
	"github.com/MattRib/physionote-ai-sub000/internal/pipeline"
	"github.com/MattRib/physionote-ai-sub000/internal/store"
	"github.com/MattRib/physionote-ai-sub000/internal/synth"
	"github.com/MattRib/physionote-ai-sub000/internal/transcribe"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "synth_provider", cfg.SynthProvider, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	blobs, err := blob.NewLocalStore(cfg.AudioDir, cfg.MaxUploadBytes)
	if err != nil {
		slog.Error("Failed to initialize blob store", "error", err)
		os.Exit(1)
	}

	transcriber, err := transcribe.NewOpenAITranscriber(cfg)
	if err != nil {
		slog.Error("Failed to initialize transcriber", "error", err)
		os.Exit(1)
	}

	synthesizer, err := newSynthesizer(cfg)
	if err != nil {
		slog.Error("Failed to initialize synthesizer", "error", err)
		os.Exit(1)
	}
	slog.Info("Adapters initialized", "transcribe_model", cfg.TranscribeModel, "note_model", cfg.NoteModel)

	// Initialize core services.
	pipe := pipeline.New(repo, blobs, transcriber, synthesizer, cfg.TranscribeTimeout, cfg.SynthTimeout)
	aggregator := history.New(repo, synthesizer, cfg.SynthTimeout)

	// Initialize handlers.
	baseHandler := api.NewHandler(repo, pipe, aggregator, cfg)
	healthHandler := api.NewHealthHandler(baseHandler)
	patientHandler := api.NewPatientHandler(baseHandler)
	sessionHandler := api.NewSessionHandler(baseHandler)
	summaryHandler := api.NewSummaryHandler(baseHandler)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(corsOrigins(cfg)))

	healthHandler.RegisterRoutes(r)
	patientHandler.RegisterRoutes(r)
	sessionHandler.RegisterRoutes(r)
	summaryHandler.RegisterRoutes(r)

	// Create server.
	// Note: the commit-immediately pipeline holds the request open across two
	// external adapter calls, so the write timeout must cover both stages.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: cfg.TranscribeTimeout + cfg.SynthTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

func newSynthesizer(cfg *config.Config) (synth.Synthesizer, error) {
	switch cfg.SynthProvider {
	case config.ProviderOpenAI:
		return synth.NewOpenAISynthesizer(cfg)
	case config.ProviderAnthropic:
		return synth.NewAnthropicSynthesizer(cfg)
	default:
		return nil, fmt.Errorf("unknown synth provider %q", cfg.SynthProvider)
	}
}

func corsOrigins(cfg *config.Config) []string {
	if cfg.FrontendURL != "" {
		return []string{cfg.FrontendURL}
	}
	return []string{"*"}
}
