package api

import (
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MattRib/physionote-ai-sub000/internal/domain"
	"github.com/MattRib/physionote-ai-sub000/internal/pipeline"
)

// multipartOverhead leaves headroom for non-file form fields when capping
// the request body at the audio upload limit.
const multipartOverhead = 1 << 20

// SessionHandler handles session pipeline endpoints.
type SessionHandler struct {
	*Handler
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(base *Handler) *SessionHandler {
	return &SessionHandler{Handler: base}
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Post("/preview", h.Preview)
		r.Post("/commit", h.Commit)
		r.Get("/{sessionID}", h.Get)
		r.Post("/{sessionID}/retry", h.Retry)
	})
}

// Create runs the commit-immediately pipeline: the audio is ingested and
// transcription plus note synthesis are chained synchronously in this
// request. A stage failure still responds with the session so the caller
// sees the surviving audio/transcript.
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	input, file, ok := h.parseSessionForm(w, r)
	if !ok {
		return
	}
	defer closeFile(file)

	session, err := h.pipe.ProcessAndCommit(r.Context(), input)
	if err != nil {
		h.writePipelineError(w, session, err)
		return
	}
	JSON(w, http.StatusCreated, session)
}

// Preview runs the process-then-commit mode: transcription and synthesis
// only, nothing persisted. Acceptance goes through Commit.
func (h *SessionHandler) Preview(w http.ResponseWriter, r *http.Request) {
	input, file, ok := h.parseSessionForm(w, r)
	if !ok {
		return
	}
	defer closeFile(file)

	result, err := h.pipe.Preview(r.Context(), input)
	if err != nil {
		h.writePipelineError(w, nil, err)
		return
	}
	JSON(w, http.StatusOK, result)
}

// Commit persists an accepted preview. The transcript and note computed
// during preview ride along in the form; the adapters are not called again.
func (h *SessionHandler) Commit(w http.ResponseWriter, r *http.Request) {
	input, file, ok := h.parseSessionForm(w, r)
	if !ok {
		return
	}
	defer closeFile(file)

	transcript := r.FormValue("transcript")
	noteJSON := r.FormValue("note")
	if noteJSON == "" {
		Error(w, http.StatusBadRequest, "note is required")
		return
	}
	note, err := domain.ParseNote([]byte(noteJSON))
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	session, err := h.pipe.CommitPreview(r.Context(), input, transcript, note)
	if err != nil {
		h.writePipelineError(w, nil, err)
		return
	}
	JSON(w, http.StatusCreated, session)
}

// Get returns one session with its note, if present. Sessions in the error
// status still expose whatever transcript and audio they captured.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	session, err := h.repo.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		Error(w, domainStatus(err), err.Error())
		return
	}
	JSON(w, http.StatusOK, session)
}

// Retry re-enters a failed session at the stage that failed. Retrying a
// completed session returns it unchanged.
func (h *SessionHandler) Retry(w http.ResponseWriter, r *http.Request) {
	session, err := h.pipe.Retry(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writePipelineError(w, session, err)
		return
	}
	JSON(w, http.StatusOK, session)
}

// parseSessionForm extracts the pipeline input from a multipart request.
// On failure it writes the error response and returns ok=false.
func (h *SessionHandler) parseSessionForm(w http.ResponseWriter, r *http.Request) (pipeline.Input, multipart.File, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes+multipartOverhead)

	if err := r.ParseMultipartForm(h.cfg.MaxUploadBytes + multipartOverhead); err != nil {
		Error(w, http.StatusBadRequest, fmt.Sprintf("parse form: %v", err))
		return pipeline.Input{}, nil, false
	}

	file, header, err := r.FormFile("audio")
	if err != nil {
		Error(w, http.StatusBadRequest, "audio file is required")
		return pipeline.Input{}, nil, false
	}

	duration, err := strconv.Atoi(r.FormValue("duration_seconds"))
	if err != nil || duration <= 0 {
		closeFile(file)
		Error(w, http.StatusBadRequest, "duration_seconds must be a positive integer")
		return pipeline.Input{}, nil, false
	}

	sessionDate := time.Now()
	if raw := r.FormValue("session_date"); raw != "" {
		sessionDate, err = time.Parse("2006-01-02", raw)
		if err != nil {
			closeFile(file)
			Error(w, http.StatusBadRequest, "session_date must be YYYY-MM-DD")
			return pipeline.Input{}, nil, false
		}
	}

	source := domain.Source(r.FormValue("source"))
	if source == "" {
		source = domain.SourceUpload
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	return pipeline.Input{
		PatientID:       r.FormValue("patient_id"),
		Source:          source,
		Audio:           file,
		ContentType:     contentType,
		DurationSeconds: duration,
		SessionDate:     sessionDate,
	}, file, true
}

// writePipelineError maps pipeline failures onto the error taxonomy. Stage
// failures include the session's error state in the body when available.
func (h *SessionHandler) writePipelineError(w http.ResponseWriter, session *domain.Session, err error) {
	status := domainStatus(err)
	if status >= http.StatusInternalServerError {
		slog.Error("pipeline request failed", "error", err)
	}

	var stageErr *pipeline.StageError
	if errors.As(err, &stageErr) && session != nil {
		JSON(w, status, map[string]interface{}{
			"error":   stageErr.Error(),
			"stage":   stageErr.Stage,
			"session": session,
		})
		return
	}
	Error(w, status, err.Error())
}

func closeFile(file multipart.File) {
	if file == nil {
		return
	}
	if err := file.Close(); err != nil {
		slog.Debug("failed to close uploaded file", "error", err)
	}
}
