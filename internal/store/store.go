// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/MattRib/physionote-ai-sub000/internal/domain"
)

// AdvancePayload carries the stage output persisted alongside a status
// transition. Only the fields the transition produces are set.
type AdvancePayload struct {
	Transcript string
	Note       *domain.Note
}

// Repository defines the interface for persisting patients, sessions, notes
// and history summaries.
type Repository interface {
	// CreatePatient inserts a new patient record.
	CreatePatient(ctx context.Context, patient *domain.Patient) error

	// GetPatient retrieves a patient by id. Returns domain.ErrNotFound if
	// the patient does not exist.
	GetPatient(ctx context.Context, patientID string) (*domain.Patient, error)

	// ListPatients returns all patients ordered by name.
	ListPatients(ctx context.Context) ([]*domain.Patient, error)

	// CreatePending inserts a session at the initial pending status. The
	// session must already carry a durably stored audio ref; no row exists
	// before that point.
	CreatePending(ctx context.Context, session *domain.Session) error

	// CreateCompleted inserts a completed session and its note in a single
	// transaction. No observer can see a completed session without a note.
	CreateCompleted(ctx context.Context, session *domain.Session, note *domain.Note) error

	// Advance transitions a session from one status to the next, persisting
	// the stage payload in the same write. The transition only happens if the
	// current status still matches from (optimistic guard); otherwise
	// domain.ErrConflict is returned. Illegal transitions return
	// domain.ErrInvalidTransition.
	Advance(ctx context.Context, sessionID string, from, to domain.Status, payload *AdvancePayload) error

	// MarkError transitions a session into the error status with a
	// human-readable detail, guarded on the expected prior status.
	MarkError(ctx context.Context, sessionID string, from domain.Status, detail string) error

	// GetSession retrieves a session with its note, if any. Returns
	// domain.ErrNotFound if the session does not exist.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// ListSessions returns all of a patient's sessions, newest first.
	ListSessions(ctx context.Context, patientID string) ([]*domain.Session, error)

	// ListCompletedWithNotes returns a patient's completed sessions with
	// their notes attached, in chronological order.
	ListCompletedWithNotes(ctx context.Context, patientID string) ([]*domain.Session, error)

	// GetSummary retrieves the patient's history summary. Returns
	// domain.ErrNotFound if none exists.
	GetSummary(ctx context.Context, patientID string) (*domain.HistorySummary, error)

	// UpsertSummary atomically replaces the patient's summary content and
	// source session ids together.
	UpsertSummary(ctx context.Context, summary *domain.HistorySummary) error

	// SetSummaryContent updates the summary text only, leaving the source
	// session ids untouched.
	SetSummaryContent(ctx context.Context, patientID, content string) error

	// SetSummaryPinned updates the pin flag only.
	SetSummaryPinned(ctx context.Context, patientID string, pinned bool) error

	// DeleteSummary removes the patient's summary. Sessions are unaffected.
	DeleteSummary(ctx context.Context, patientID string) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
