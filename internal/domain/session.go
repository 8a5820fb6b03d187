// Package domain contains core domain types for the PhysioNote application.
package domain

import (
	"errors"
	"time"
)

// Status is the pipeline state of a session.
type Status string

const (
	// StatusPending marks a session whose audio has been durably stored but
	// no pipeline stage has run yet.
	StatusPending Status = "pending"
	// StatusTranscribing marks a session whose transcription is in flight.
	StatusTranscribing Status = "transcribing"
	// StatusGenerating marks a session whose note synthesis is in flight.
	StatusGenerating Status = "generating"
	// StatusCompleted marks a session with a stored transcript and note.
	StatusCompleted Status = "completed"
	// StatusError marks a session whose last stage failed. The session keeps
	// whatever audio/transcript it captured before the failure.
	StatusError Status = "error"
)

// Source distinguishes the two intake modes. Both converge on the same
// downstream pipeline; nothing branches on this tag.
type Source string

const (
	SourceLive   Source = "live"
	SourceUpload Source = "upload"
)

// Sentinel errors shared across store, pipeline and history layers.
var (
	// ErrNotFound indicates the session, patient or summary does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a status transition lost an optimistic-guard
	// race. Callers should re-fetch current state rather than retry blindly.
	ErrConflict = errors.New("conflict: session state changed concurrently")
	// ErrInvalidTransition indicates a transition outside the state machine.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrNothingToSummarize indicates a patient has no completed sessions
	// with notes to aggregate.
	ErrNothingToSummarize = errors.New("nothing to summarize")
)

// Session is one recorded physiotherapy encounter with a patient.
type Session struct {
	ID              string    `json:"id"`
	PatientID       string    `json:"patient_id"`
	Status          Status    `json:"status"`
	Source          Source    `json:"source"`
	AudioRef        string    `json:"audio_ref,omitempty"`
	Transcript      string    `json:"transcript,omitempty"`
	ErrorDetail     string    `json:"error_detail,omitempty"`
	DurationSeconds int       `json:"duration_seconds"`
	SessionDate     time.Time `json:"session_date"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`

	// Note is attached when the session is completed (1:1 sub-record).
	Note *Note `json:"note,omitempty"`
}

// validTransitions is the session state machine. The happy path is monotonic;
// any active state may fail into error, and error re-enters the stage that
// failed. Completed accepts no pipeline transitions.
var validTransitions = map[Status][]Status{
	StatusPending:      {StatusTranscribing, StatusError},
	StatusTranscribing: {StatusGenerating, StatusError},
	StatusGenerating:   {StatusCompleted, StatusError},
	StatusError:        {StatusTranscribing, StatusGenerating},
	StatusCompleted:    {},
}

// CanTransition reports whether from -> to is a legal pipeline transition.
func CanTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ResumeStage returns the stage an errored session re-enters on retry: the
// first stage whose required input is missing, never earlier. A session that
// still holds its transcript retries only synthesis.
func (s *Session) ResumeStage() Status {
	if s.Transcript == "" {
		return StatusTranscribing
	}
	return StatusGenerating
}

// Validate checks the data-dependency invariant chain:
// note implies transcript implies audio.
func (s *Session) Validate() error {
	if s.Transcript != "" && s.AudioRef == "" {
		return errors.New("session has transcript without audio")
	}
	if s.Note != nil && s.Transcript == "" {
		return errors.New("session has note without transcript")
	}
	if s.Status == StatusCompleted && s.Note == nil {
		return errors.New("completed session without note")
	}
	return nil
}
