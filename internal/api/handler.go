// Package api provides HTTP handlers for the PhysioNote API.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/MattRib/physionote-ai-sub000/internal/blob"
	"github.com/MattRib/physionote-ai-sub000/internal/config"
	"github.com/MattRib/physionote-ai-sub000/internal/domain"
	"github.com/MattRib/physionote-ai-sub000/internal/history"
	"github.com/MattRib/physionote-ai-sub000/internal/pipeline"
	"github.com/MattRib/physionote-ai-sub000/internal/store"
)

// Handler provides common handler dependencies.
type Handler struct {
	repo       store.Repository
	pipe       *pipeline.Orchestrator
	aggregator *history.Aggregator
	cfg        *config.Config
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, pipe *pipeline.Orchestrator, aggregator *history.Aggregator, cfg *config.Config) *Handler {
	return &Handler{
		repo:       repo,
		pipe:       pipe,
		aggregator: aggregator,
		cfg:        cfg,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// domainStatus maps the error taxonomy onto HTTP status codes: validation
// 400, not-found 404, conflict 409, nothing-to-summarize 422, stage failure
// 502, everything else 500.
func domainStatus(err error) int {
	var stageErr *pipeline.StageError
	switch {
	case errors.Is(err, pipeline.ErrInvalidInput), errors.Is(err, blob.ErrTooLarge):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNothingToSummarize):
		return http.StatusUnprocessableEntity
	case errors.As(err, &stageErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
