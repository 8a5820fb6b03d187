package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MattRib/physionote-ai-sub000/internal/blob"
	"github.com/MattRib/physionote-ai-sub000/internal/config"
	"github.com/MattRib/physionote-ai-sub000/internal/domain"
	"github.com/MattRib/physionote-ai-sub000/internal/history"
	"github.com/MattRib/physionote-ai-sub000/internal/pipeline"
	"github.com/MattRib/physionote-ai-sub000/internal/store"
)

type stubTranscriber struct {
	mu   sync.Mutex
	err  error
	text string
}

func (s *stubTranscriber) Transcribe(ctx context.Context, audio io.Reader, contentType, languageHint string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := io.ReadAll(audio); err != nil {
		return "", err
	}
	if s.err != nil {
		return "", s.err
	}
	return s.text, nil
}

func (s *stubTranscriber) setError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

type stubSynthesizer struct{}

func (stubSynthesizer) SynthesizeStructuredNote(ctx context.Context, transcript string, patient domain.PatientContext) (*domain.Note, error) {
	return &domain.Note{
		ChiefComplaint:   "Neck stiffness",
		PainLevel:        "2/10",
		History:          "Desk posture",
		Diagnosis:        "Cervical strain",
		Interventions:    []string{"Soft tissue work"},
		HomeCare:         []string{"Chin tucks"},
		TreatmentPlan:    "Biweekly",
		NextSessionFocus: "Posture drills",
	}, nil
}

func (stubSynthesizer) SynthesizeFreeSummary(ctx context.Context, excerpts []domain.SessionExcerpt) (string, error) {
	return "Condensed patient history.", nil
}

func (stubSynthesizer) ModelTag() string { return "stub/model" }

type apiFixture struct {
	router      *chi.Mux
	repo        store.Repository
	transcriber *stubTranscriber
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() {
		if err := repo.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})

	blobs, err := blob.NewLocalStore(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}

	transcriber := &stubTranscriber{text: "session audio transcript"}
	synthesizer := stubSynthesizer{}

	cfg := &config.Config{MaxUploadBytes: 1 << 20}
	pipe := pipeline.New(repo, blobs, transcriber, synthesizer, time.Minute, time.Minute)
	aggregator := history.New(repo, synthesizer, time.Minute)

	base := NewHandler(repo, pipe, aggregator, cfg)
	router := chi.NewRouter()
	NewHealthHandler(base).RegisterRoutes(router)
	NewPatientHandler(base).RegisterRoutes(router)
	NewSessionHandler(base).RegisterRoutes(router)
	NewSummaryHandler(base).RegisterRoutes(router)

	return &apiFixture{router: router, repo: repo, transcriber: transcriber}
}

func (f *apiFixture) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *apiFixture) createPatient(t *testing.T) *domain.Patient {
	t.Helper()
	body := `{"name": "Joana Prado", "birth_date": "1992-04-18", "gender": "female"}`
	req := httptest.NewRequest(http.MethodPost, "/api/patients", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	w := f.do(t, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("create patient: status %d, body %s", w.Code, w.Body.String())
	}
	var patient domain.Patient
	if err := json.NewDecoder(w.Body).Decode(&patient); err != nil {
		t.Fatalf("decode patient: %v", err)
	}
	return &patient
}

func sessionForm(t *testing.T, patientID string, extra map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	part, err := mw.CreateFormFile("audio", "session.mp3")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write([]byte("fake audio payload")); err != nil {
		t.Fatal(err)
	}

	fields := map[string]string{
		"patient_id":       patientID,
		"duration_seconds": "1500",
		"session_date":     "2026-08-20",
	}
	for k, v := range extra {
		fields[k] = v
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

func TestHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", w.Code, w.Body.String())
	}
}

func TestPatientEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	patient := f.createPatient(t)

	w := f.do(t, httptest.NewRequest(http.MethodGet, "/api/patients/"+patient.ID, nil))
	if w.Code != http.StatusOK {
		t.Errorf("get patient: status %d", w.Code)
	}

	w = f.do(t, httptest.NewRequest(http.MethodGet, "/api/patients/unknown", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown patient: status %d, want 404", w.Code)
	}

	w = f.do(t, httptest.NewRequest(http.MethodGet, "/api/patients", nil))
	if w.Code != http.StatusOK {
		t.Errorf("list patients: status %d", w.Code)
	}
	var patients []*domain.Patient
	if err := json.NewDecoder(w.Body).Decode(&patients); err != nil {
		t.Fatalf("decode patients: %v", err)
	}
	if len(patients) != 1 {
		t.Errorf("patient count = %d, want 1", len(patients))
	}

	body := `{"name": "", "birth_date": "1990-01-01"}`
	req := httptest.NewRequest(http.MethodPost, "/api/patients", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if w := f.do(t, req); w.Code != http.StatusBadRequest {
		t.Errorf("blank name: status %d, want 400", w.Code)
	}
}

func TestSessionCreateAndGet(t *testing.T) {
	f := newAPIFixture(t)
	patient := f.createPatient(t)

	form, contentType := sessionForm(t, patient.ID, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/sessions", form)
	req.Header.Set("Content-Type", contentType)

	w := f.do(t, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("create session: status %d, body %s", w.Code, w.Body.String())
	}
	var session domain.Session
	if err := json.NewDecoder(w.Body).Decode(&session); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if session.Status != domain.StatusCompleted {
		t.Errorf("status = %s, want completed", session.Status)
	}
	if session.Note == nil {
		t.Error("response should embed the note")
	}

	w = f.do(t, httptest.NewRequest(http.MethodGet, "/api/sessions/"+session.ID, nil))
	if w.Code != http.StatusOK {
		t.Errorf("get session: status %d", w.Code)
	}

	w = f.do(t, httptest.NewRequest(http.MethodGet, "/api/sessions/unknown", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown session: status %d, want 404", w.Code)
	}

	w = f.do(t, httptest.NewRequest(http.MethodGet, "/api/patients/"+patient.ID+"/sessions", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("list sessions: status %d", w.Code)
	}
	var sessions []*domain.Session
	if err := json.NewDecoder(w.Body).Decode(&sessions); err != nil {
		t.Fatalf("decode sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Errorf("session count = %d, want 1", len(sessions))
	}
}

func TestSessionCreateRejectsBadForm(t *testing.T) {
	f := newAPIFixture(t)
	patient := f.createPatient(t)

	form, contentType := sessionForm(t, patient.ID, map[string]string{"duration_seconds": "-5"})
	req := httptest.NewRequest(http.MethodPost, "/api/sessions", form)
	req.Header.Set("Content-Type", contentType)
	if w := f.do(t, req); w.Code != http.StatusBadRequest {
		t.Errorf("negative duration: status %d, want 400", w.Code)
	}

	form, contentType = sessionForm(t, patient.ID, map[string]string{"session_date": "20/08/2026"})
	req = httptest.NewRequest(http.MethodPost, "/api/sessions", form)
	req.Header.Set("Content-Type", contentType)
	if w := f.do(t, req); w.Code != http.StatusBadRequest {
		t.Errorf("bad date: status %d, want 400", w.Code)
	}

	form, contentType = sessionForm(t, "missing-patient", nil)
	req = httptest.NewRequest(http.MethodPost, "/api/sessions", form)
	req.Header.Set("Content-Type", contentType)
	if w := f.do(t, req); w.Code != http.StatusNotFound {
		t.Errorf("unknown patient: status %d, want 404", w.Code)
	}
}

func TestSessionStageFailureAndRetry(t *testing.T) {
	f := newAPIFixture(t)
	patient := f.createPatient(t)
	f.transcriber.setError(errors.New("upstream unavailable"))

	form, contentType := sessionForm(t, patient.ID, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/sessions", form)
	req.Header.Set("Content-Type", contentType)

	w := f.do(t, req)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("stage failure: status %d, want 502, body %s", w.Code, w.Body.String())
	}
	var failure struct {
		Error   string          `json:"error"`
		Stage   domain.Status   `json:"stage"`
		Session *domain.Session `json:"session"`
	}
	if err := json.NewDecoder(w.Body).Decode(&failure); err != nil {
		t.Fatalf("decode failure body: %v", err)
	}
	if failure.Stage != domain.StatusTranscribing {
		t.Errorf("stage = %s, want transcribing", failure.Stage)
	}
	if failure.Session == nil || failure.Session.Status != domain.StatusError {
		t.Fatal("failure body should carry the errored session")
	}

	f.transcriber.setError(nil)
	w = f.do(t, httptest.NewRequest(http.MethodPost, "/api/sessions/"+failure.Session.ID+"/retry", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("retry: status %d, body %s", w.Code, w.Body.String())
	}
	var retried domain.Session
	if err := json.NewDecoder(w.Body).Decode(&retried); err != nil {
		t.Fatalf("decode retried session: %v", err)
	}
	if retried.Status != domain.StatusCompleted {
		t.Errorf("status after retry = %s, want completed", retried.Status)
	}
}

func TestPreviewAndCommitEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	patient := f.createPatient(t)

	form, contentType := sessionForm(t, patient.ID, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/preview", form)
	req.Header.Set("Content-Type", contentType)

	w := f.do(t, req)
	if w.Code != http.StatusOK {
		t.Fatalf("preview: status %d, body %s", w.Code, w.Body.String())
	}
	var preview pipeline.PreviewResult
	if err := json.NewDecoder(w.Body).Decode(&preview); err != nil {
		t.Fatalf("decode preview: %v", err)
	}
	if preview.Transcript == "" || preview.Note == nil {
		t.Fatal("preview should carry transcript and note")
	}

	// Nothing persisted yet.
	w = f.do(t, httptest.NewRequest(http.MethodGet, "/api/patients/"+patient.ID+"/sessions", nil))
	var sessions []*domain.Session
	if err := json.NewDecoder(w.Body).Decode(&sessions); err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 0 {
		t.Fatalf("sessions after preview = %d, want 0", len(sessions))
	}

	noteJSON, err := json.Marshal(preview.Note)
	if err != nil {
		t.Fatal(err)
	}
	form, contentType = sessionForm(t, patient.ID, map[string]string{
		"transcript": preview.Transcript,
		"note":       string(noteJSON),
	})
	req = httptest.NewRequest(http.MethodPost, "/api/sessions/commit", form)
	req.Header.Set("Content-Type", contentType)

	w = f.do(t, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("commit: status %d, body %s", w.Code, w.Body.String())
	}
	var session domain.Session
	if err := json.NewDecoder(w.Body).Decode(&session); err != nil {
		t.Fatalf("decode committed session: %v", err)
	}
	if session.Status != domain.StatusCompleted || session.Note == nil {
		t.Errorf("committed session: status=%s note=%v", session.Status, session.Note)
	}

	w = f.do(t, httptest.NewRequest(http.MethodGet, "/api/patients/"+patient.ID+"/sessions", nil))
	if err := json.NewDecoder(w.Body).Decode(&sessions); err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 {
		t.Errorf("sessions after commit = %d, want exactly 1", len(sessions))
	}
}

func TestCommitRejectsMalformedNote(t *testing.T) {
	f := newAPIFixture(t)
	patient := f.createPatient(t)

	form, contentType := sessionForm(t, patient.ID, map[string]string{
		"transcript": "something",
		"note":       `{"chief_complaint": "only one section"}`,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/commit", form)
	req.Header.Set("Content-Type", contentType)

	if w := f.do(t, req); w.Code != http.StatusBadRequest {
		t.Errorf("malformed note: status %d, want 400", w.Code)
	}
}

func TestSummaryEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	patient := f.createPatient(t)
	summaryPath := "/api/patients/" + patient.ID + "/summary"

	// No completed sessions yet.
	w := f.do(t, httptest.NewRequest(http.MethodPost, summaryPath, nil))
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("generate without sessions: status %d, want 422", w.Code)
	}

	form, contentType := sessionForm(t, patient.ID, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/sessions", form)
	req.Header.Set("Content-Type", contentType)
	if w := f.do(t, req); w.Code != http.StatusCreated {
		t.Fatalf("create session: status %d, body %s", w.Code, w.Body.String())
	}

	w = f.do(t, httptest.NewRequest(http.MethodPost, summaryPath, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("generate: status %d, body %s", w.Code, w.Body.String())
	}
	var summary domain.HistorySummary
	if err := json.NewDecoder(w.Body).Decode(&summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.Content != "Condensed patient history." {
		t.Errorf("content = %q", summary.Content)
	}
	if len(summary.SourceSessionIDs) != 1 {
		t.Errorf("source ids = %d, want 1", len(summary.SourceSessionIDs))
	}

	req = httptest.NewRequest(http.MethodPut, summaryPath, strings.NewReader(`{"content": "Manual revision."}`))
	req.Header.Set("Content-Type", "application/json")
	w = f.do(t, req)
	if w.Code != http.StatusOK {
		t.Fatalf("edit: status %d, body %s", w.Code, w.Body.String())
	}
	if err := json.NewDecoder(w.Body).Decode(&summary); err != nil {
		t.Fatal(err)
	}
	if summary.Content != "Manual revision." {
		t.Errorf("edited content = %q", summary.Content)
	}

	req = httptest.NewRequest(http.MethodPut, summaryPath+"/pin", strings.NewReader(`{"pinned": true}`))
	req.Header.Set("Content-Type", "application/json")
	w = f.do(t, req)
	if w.Code != http.StatusOK {
		t.Fatalf("pin: status %d", w.Code)
	}
	if err := json.NewDecoder(w.Body).Decode(&summary); err != nil {
		t.Fatal(err)
	}
	if !summary.IsPinned {
		t.Error("expected pinned summary")
	}

	w = f.do(t, httptest.NewRequest(http.MethodDelete, summaryPath, nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete: status %d", w.Code)
	}
	w = f.do(t, httptest.NewRequest(http.MethodGet, summaryPath, nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("get after delete: status %d, want 404", w.Code)
	}
}
