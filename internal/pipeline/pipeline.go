// Package pipeline drives a session through ingestion, transcription and
// note synthesis, persisting the outcome of every stage boundary.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MattRib/physionote-ai-sub000/internal/blob"
	"github.com/MattRib/physionote-ai-sub000/internal/domain"
	"github.com/MattRib/physionote-ai-sub000/internal/store"
	"github.com/MattRib/physionote-ai-sub000/internal/synth"
	"github.com/MattRib/physionote-ai-sub000/internal/transcribe"
)

// ErrInvalidInput indicates the request was rejected before any durable
// write: missing audio, unknown patient, nonsensical metadata.
var ErrInvalidInput = errors.New("invalid input")

// StageError reports which pipeline stage failed and why. The session, if
// one exists, has already been transitioned to the error status with the
// same detail.
type StageError struct {
	Stage domain.Status
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Input is the caller-supplied material for one pipeline run.
type Input struct {
	PatientID       string
	Source          domain.Source
	Audio           io.Reader
	ContentType     string
	DurationSeconds int
	SessionDate     time.Time
}

// PreviewResult is the outcome of a process-then-commit preview run. Nothing
// durable backs it: no session row, no note row, no retained blob.
type PreviewResult struct {
	Transcript string       `json:"transcript"`
	Note       *domain.Note `json:"note"`
}

// Orchestrator coordinates the session pipeline. Each run executes its
// stages sequentially within the caller's request; session rows are the only
// shared mutable state, guarded by the store's optimistic transitions.
type Orchestrator struct {
	repo        store.Repository
	blobs       blob.Store
	transcriber transcribe.Transcriber
	synthesizer synth.Synthesizer

	transcribeTimeout time.Duration
	synthTimeout      time.Duration
}

// New creates a pipeline orchestrator.
func New(repo store.Repository, blobs blob.Store, transcriber transcribe.Transcriber, synthesizer synth.Synthesizer, transcribeTimeout, synthTimeout time.Duration) *Orchestrator {
	return &Orchestrator{
		repo:              repo,
		blobs:             blobs,
		transcriber:       transcriber,
		synthesizer:       synthesizer,
		transcribeTimeout: transcribeTimeout,
		synthTimeout:      synthTimeout,
	}
}

// ProcessAndCommit runs the commit-immediately mode: ingest the audio,
// create the session, then chain transcription and synthesis synchronously.
// The session row is created exactly once, only after the audio payload has
// been durably stored; an ingestion failure leaves no row behind. Stage
// failures after creation mark the session errored and return it alongside a
// StageError so the caller sees the surviving state.
func (o *Orchestrator) ProcessAndCommit(ctx context.Context, input Input) (*domain.Session, error) {
	patient, err := o.validate(ctx, input)
	if err != nil {
		return nil, err
	}

	audioRef, err := o.blobs.Put(ctx, input.Audio, input.ContentType)
	if err != nil {
		// Pre-creation failure: nothing was written to the session store.
		return nil, &StageError{Stage: domain.StatusPending, Err: fmt.Errorf("store audio: %w", err)}
	}

	now := time.Now()
	session := &domain.Session{
		ID:              uuid.NewString(),
		PatientID:       input.PatientID,
		Status:          domain.StatusPending,
		Source:          input.Source,
		AudioRef:        audioRef,
		DurationSeconds: input.DurationSeconds,
		SessionDate:     input.SessionDate,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := o.repo.CreatePending(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	slog.Info("session created", "session_id", session.ID, "patient_id", session.PatientID, "source", session.Source)

	return o.run(ctx, session, patient, domain.StatusPending)
}

// Retry re-enters a failed session at the first stage whose required input
// is missing, never earlier. Retrying a completed session is a no-op that
// returns the stored result without touching the adapters. Concurrent
// retries race on the error-to-stage transition; the loser gets
// domain.ErrConflict and should re-fetch.
func (o *Orchestrator) Retry(ctx context.Context, sessionID string) (*domain.Session, error) {
	session, err := o.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if session.Status == domain.StatusCompleted {
		slog.Info("retry on completed session is a no-op", "session_id", sessionID)
		return session, nil
	}
	if session.Status != domain.StatusError {
		// A run is still in flight; the caller should re-fetch, not race it.
		return session, domain.ErrConflict
	}

	patient, err := o.repo.GetPatient(ctx, session.PatientID)
	if err != nil {
		return nil, err
	}

	resume := session.ResumeStage()
	if err := o.repo.Advance(ctx, session.ID, domain.StatusError, resume, nil); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("re-enter stage %s: %w", resume, err)
	}
	session.Status = resume
	session.ErrorDetail = ""
	slog.Info("session retry accepted", "session_id", sessionID, "stage", resume)

	return o.run(ctx, session, patient, resume)
}

// Preview runs the process-then-commit mode: transcription and synthesis
// against a temporary blob, with no session store writes. Acceptance goes
// through CommitPreview, which re-uses the computed artifacts instead of
// calling the adapters again.
func (o *Orchestrator) Preview(ctx context.Context, input Input) (*PreviewResult, error) {
	patient, err := o.validate(ctx, input)
	if err != nil {
		return nil, err
	}

	tempRef, err := o.blobs.Put(ctx, input.Audio, input.ContentType)
	if err != nil {
		return nil, &StageError{Stage: domain.StatusPending, Err: fmt.Errorf("store preview audio: %w", err)}
	}
	defer func() {
		if err := o.blobs.Delete(context.WithoutCancel(ctx), tempRef); err != nil {
			slog.Warn("failed to delete preview blob", "ref", tempRef, "error", err)
		}
	}()

	transcript, err := o.transcribeBlob(ctx, tempRef)
	if err != nil {
		return nil, &StageError{Stage: domain.StatusTranscribing, Err: err}
	}

	note, err := o.synthesizeNote(ctx, transcript, patient, input.SessionDate)
	if err != nil {
		return nil, &StageError{Stage: domain.StatusGenerating, Err: err}
	}

	return &PreviewResult{Transcript: transcript, Note: note}, nil
}

// CommitPreview persists an accepted preview: the audio is ingested and the
// session plus its note are created completed in one atomic write. The
// transcript and note come from the preview run; no adapter is invoked.
func (o *Orchestrator) CommitPreview(ctx context.Context, input Input, transcript string, note *domain.Note) (*domain.Session, error) {
	if _, err := o.validate(ctx, input); err != nil {
		return nil, err
	}
	if strings.TrimSpace(transcript) == "" {
		return nil, fmt.Errorf("%w: transcript is required", ErrInvalidInput)
	}
	if note == nil {
		return nil, fmt.Errorf("%w: note is required", ErrInvalidInput)
	}

	audioRef, err := o.blobs.Put(ctx, input.Audio, input.ContentType)
	if err != nil {
		return nil, &StageError{Stage: domain.StatusPending, Err: fmt.Errorf("store audio: %w", err)}
	}

	now := time.Now()
	session := &domain.Session{
		ID:              uuid.NewString(),
		PatientID:       input.PatientID,
		Source:          input.Source,
		AudioRef:        audioRef,
		Transcript:      transcript,
		DurationSeconds: input.DurationSeconds,
		SessionDate:     input.SessionDate,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	note.SessionID = session.ID

	if err := o.repo.CreateCompleted(ctx, session, note); err != nil {
		return nil, fmt.Errorf("commit preview: %w", err)
	}
	slog.Info("preview committed", "session_id", session.ID, "patient_id", session.PatientID)

	return o.repo.GetSession(ctx, session.ID)
}

// run executes the remaining stages from the given status. The session is
// already persisted at that status.
func (o *Orchestrator) run(ctx context.Context, session *domain.Session, patient *domain.Patient, from domain.Status) (*domain.Session, error) {
	if from == domain.StatusPending {
		if err := o.repo.Advance(ctx, session.ID, domain.StatusPending, domain.StatusTranscribing, nil); err != nil {
			return nil, fmt.Errorf("enter transcribing: %w", err)
		}
		session.Status = domain.StatusTranscribing
		from = domain.StatusTranscribing
	}

	if from == domain.StatusTranscribing {
		transcript, err := o.transcribeBlob(ctx, session.AudioRef)
		if err != nil {
			return o.fail(ctx, session, domain.StatusTranscribing, err)
		}
		payload := &store.AdvancePayload{Transcript: transcript}
		if err := o.repo.Advance(ctx, session.ID, domain.StatusTranscribing, domain.StatusGenerating, payload); err != nil {
			return nil, fmt.Errorf("enter generating: %w", err)
		}
		session.Transcript = transcript
		session.Status = domain.StatusGenerating
		slog.Info("session transcribed", "session_id", session.ID, "transcript_chars", len(transcript))
	}

	note, err := o.synthesizeNote(ctx, session.Transcript, patient, session.SessionDate)
	if err != nil {
		return o.fail(ctx, session, domain.StatusGenerating, err)
	}
	note.SessionID = session.ID

	payload := &store.AdvancePayload{Note: note}
	if err := o.repo.Advance(ctx, session.ID, domain.StatusGenerating, domain.StatusCompleted, payload); err != nil {
		return nil, fmt.Errorf("enter completed: %w", err)
	}
	slog.Info("session completed", "session_id", session.ID)

	return o.repo.GetSession(ctx, session.ID)
}

// fail marks the session errored with the stage's detail and returns the
// refreshed session alongside a StageError. Whatever the session captured
// before the failing stage stays queryable.
func (o *Orchestrator) fail(ctx context.Context, session *domain.Session, stage domain.Status, cause error) (*domain.Session, error) {
	slog.Error("pipeline stage failed", "session_id", session.ID, "stage", stage, "error", cause)

	markCtx := context.WithoutCancel(ctx)
	if err := o.repo.MarkError(markCtx, session.ID, stage, cause.Error()); err != nil {
		return nil, fmt.Errorf("mark session error after %v: %w", cause, err)
	}

	updated, err := o.repo.GetSession(markCtx, session.ID)
	if err != nil {
		return nil, err
	}
	return updated, &StageError{Stage: stage, Err: cause}
}

func (o *Orchestrator) validate(ctx context.Context, input Input) (*domain.Patient, error) {
	if input.PatientID == "" {
		return nil, fmt.Errorf("%w: patient id is required", ErrInvalidInput)
	}
	if input.Audio == nil {
		return nil, fmt.Errorf("%w: audio payload is required", ErrInvalidInput)
	}
	if input.DurationSeconds <= 0 {
		return nil, fmt.Errorf("%w: duration must be positive", ErrInvalidInput)
	}
	if input.Source != domain.SourceLive && input.Source != domain.SourceUpload {
		return nil, fmt.Errorf("%w: unknown source %q", ErrInvalidInput, input.Source)
	}
	if input.SessionDate.IsZero() {
		return nil, fmt.Errorf("%w: session date is required", ErrInvalidInput)
	}

	patient, err := o.repo.GetPatient(ctx, input.PatientID)
	if err != nil {
		return nil, err
	}
	return patient, nil
}

func (o *Orchestrator) transcribeBlob(ctx context.Context, audioRef string) (string, error) {
	audio, err := o.blobs.Get(ctx, audioRef)
	if err != nil {
		return "", fmt.Errorf("read audio: %w", err)
	}
	defer func() {
		if closeErr := audio.Close(); closeErr != nil {
			slog.Warn("failed to close audio blob", "ref", audioRef, "error", closeErr)
		}
	}()

	stageCtx, cancel := context.WithTimeout(ctx, o.transcribeTimeout)
	defer cancel()

	return o.transcriber.Transcribe(stageCtx, audio, contentTypeFor(audioRef), "")
}

func (o *Orchestrator) synthesizeNote(ctx context.Context, transcript string, patient *domain.Patient, sessionDate time.Time) (*domain.Note, error) {
	stageCtx, cancel := context.WithTimeout(ctx, o.synthTimeout)
	defer cancel()

	return o.synthesizer.SynthesizeStructuredNote(stageCtx, transcript, domain.PatientContext{
		Name:        patient.Name,
		Age:         patient.AgeAt(sessionDate),
		Gender:      patient.Gender,
		SessionDate: sessionDate,
	})
}

func contentTypeFor(audioRef string) string {
	switch strings.ToLower(filepath.Ext(audioRef)) {
	case ".mp3":
		return "audio/mpeg"
	case ".m4a":
		return "audio/mp4"
	case ".wav":
		return "audio/wav"
	case ".webm":
		return "audio/webm"
	case ".ogg":
		return "audio/ogg"
	default:
		return "application/octet-stream"
	}
}
