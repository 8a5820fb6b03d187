package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/MattRib/physionote-ai-sub000/internal/domain"
)

// PatientHandler handles patient endpoints.
type PatientHandler struct {
	*Handler
}

// NewPatientHandler creates a new patient handler.
func NewPatientHandler(base *Handler) *PatientHandler {
	return &PatientHandler{Handler: base}
}

// RegisterRoutes registers patient routes.
func (h *PatientHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/patients", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Get("/", h.List)
		r.Get("/{patientID}", h.Get)
		r.Get("/{patientID}/sessions", h.ListSessions)
	})
}

type createPatientRequest struct {
	Name      string `json:"name"`
	BirthDate string `json:"birth_date"` // YYYY-MM-DD
	Gender    string `json:"gender"`
}

// Create registers a new patient.
func (h *PatientHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createPatientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		Error(w, http.StatusBadRequest, "name is required")
		return
	}
	birthDate, err := time.Parse("2006-01-02", req.BirthDate)
	if err != nil {
		Error(w, http.StatusBadRequest, "birth_date must be YYYY-MM-DD")
		return
	}

	patient := &domain.Patient{
		ID:        uuid.NewString(),
		Name:      req.Name,
		BirthDate: birthDate,
		Gender:    req.Gender,
		CreatedAt: time.Now(),
	}
	if err := h.repo.CreatePatient(r.Context(), patient); err != nil {
		slog.Error("failed to create patient", "error", err)
		Error(w, http.StatusInternalServerError, "failed to create patient")
		return
	}

	JSON(w, http.StatusCreated, patient)
}

// Get returns one patient.
func (h *PatientHandler) Get(w http.ResponseWriter, r *http.Request) {
	patient, err := h.repo.GetPatient(r.Context(), chi.URLParam(r, "patientID"))
	if err != nil {
		Error(w, domainStatus(err), err.Error())
		return
	}
	JSON(w, http.StatusOK, patient)
}

// List returns all patients.
func (h *PatientHandler) List(w http.ResponseWriter, r *http.Request) {
	patients, err := h.repo.ListPatients(r.Context())
	if err != nil {
		slog.Error("failed to list patients", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list patients")
		return
	}
	if patients == nil {
		patients = []*domain.Patient{}
	}
	JSON(w, http.StatusOK, patients)
}

// ListSessions returns a patient's sessions, newest first.
func (h *PatientHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "patientID")
	if _, err := h.repo.GetPatient(r.Context(), patientID); err != nil {
		Error(w, domainStatus(err), err.Error())
		return
	}

	sessions, err := h.repo.ListSessions(r.Context(), patientID)
	if err != nil {
		slog.Error("failed to list sessions", "patient_id", patientID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []*domain.Session{}
	}
	JSON(w, http.StatusOK, sessions)
}
