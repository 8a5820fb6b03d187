package domain

import (
	"time"
)

// HistorySummary is a single aggregated narrative derived from a patient's
// completed sessions. At most one live instance exists per patient.
type HistorySummary struct {
	PatientID string `json:"patient_id"`
	Content   string `json:"content"`
	// SourceSessionIDs is the ordered set of sessions the current content was
	// derived from. A manual edit changes Content only and leaves this set
	// alone, preserving the audit trail of what the text was based on.
	SourceSessionIDs []string  `json:"source_session_ids"`
	IsPinned         bool      `json:"is_pinned"`
	AIModelTag       string    `json:"ai_model_tag"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// SessionExcerpt is one session's contribution to the summary prompt.
type SessionExcerpt struct {
	SessionID   string
	SessionDate time.Time
	Text        string
}
