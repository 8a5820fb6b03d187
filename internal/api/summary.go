package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// SummaryHandler handles history summary endpoints.
type SummaryHandler struct {
	*Handler
}

// NewSummaryHandler creates a new summary handler.
func NewSummaryHandler(base *Handler) *SummaryHandler {
	return &SummaryHandler{Handler: base}
}

// RegisterRoutes registers summary routes.
func (h *SummaryHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/patients/{patientID}/summary", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Post("/", h.Generate)
		r.Put("/", h.Edit)
		r.Put("/pin", h.SetPinned)
		r.Delete("/", h.Delete)
	})
}

// Get returns the patient's current summary.
func (h *SummaryHandler) Get(w http.ResponseWriter, r *http.Request) {
	summary, err := h.aggregator.Get(r.Context(), chi.URLParam(r, "patientID"))
	if err != nil {
		Error(w, domainStatus(err), err.Error())
		return
	}
	JSON(w, http.StatusOK, summary)
}

// Generate builds or rebuilds the summary from completed sessions.
// Regeneration discards the previous content entirely; warning the user is
// the frontend's concern.
func (h *SummaryHandler) Generate(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "patientID")
	summary, err := h.aggregator.Generate(r.Context(), patientID)
	if err != nil {
		status := domainStatus(err)
		if status >= http.StatusInternalServerError {
			slog.Error("failed to generate summary", "patient_id", patientID, "error", err)
		}
		Error(w, status, err.Error())
		return
	}
	JSON(w, http.StatusOK, summary)
}

type editSummaryRequest struct {
	Content string `json:"content"`
}

// Edit replaces the summary text with a manual revision.
func (h *SummaryHandler) Edit(w http.ResponseWriter, r *http.Request) {
	var req editSummaryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Content == "" {
		Error(w, http.StatusBadRequest, "content is required")
		return
	}

	summary, err := h.aggregator.Edit(r.Context(), chi.URLParam(r, "patientID"), req.Content)
	if err != nil {
		Error(w, domainStatus(err), err.Error())
		return
	}
	JSON(w, http.StatusOK, summary)
}

type pinSummaryRequest struct {
	Pinned bool `json:"pinned"`
}

// SetPinned flips the summary's display pin.
func (h *SummaryHandler) SetPinned(w http.ResponseWriter, r *http.Request) {
	var req pinSummaryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	summary, err := h.aggregator.SetPinned(r.Context(), chi.URLParam(r, "patientID"), req.Pinned)
	if err != nil {
		Error(w, domainStatus(err), err.Error())
		return
	}
	JSON(w, http.StatusOK, summary)
}

// Delete removes the summary. Sessions are unaffected.
func (h *SummaryHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.aggregator.Delete(r.Context(), chi.URLParam(r, "patientID")); err != nil {
		Error(w, domainStatus(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
