// Package history maintains the per-patient narrative summary aggregated
// from completed sessions.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MattRib/physionote-ai-sub000/internal/domain"
	"github.com/MattRib/physionote-ai-sub000/internal/store"
	"github.com/MattRib/physionote-ai-sub000/internal/synth"
)

const (
	// maxExcerptChars caps one session's contribution to the prompt.
	maxExcerptChars = 2000
	// maxTotalChars caps the whole prompt context. When exceeded, the oldest
	// sessions are dropped first; the summary still records every source id.
	maxTotalChars = 24000
)

// Aggregator generates and maintains history summaries. Its lifecycle is
// independent of individual sessions: regeneration replaces the summary
// wholesale, deletion never touches a session.
type Aggregator struct {
	repo         store.Repository
	synthesizer  synth.Synthesizer
	synthTimeout time.Duration
}

// New creates a history aggregator.
func New(repo store.Repository, synthesizer synth.Synthesizer, synthTimeout time.Duration) *Aggregator {
	return &Aggregator{repo: repo, synthesizer: synthesizer, synthTimeout: synthTimeout}
}

// Generate builds (or rebuilds) the patient's summary from every completed
// session with a note, in chronological order. A patient with zero
// qualifying sessions yields domain.ErrNothingToSummarize and no summary
// row. Regeneration overwrites content and source ids atomically; it is
// destructive and total, no merge — confirming with the user is the
// caller's concern.
func (a *Aggregator) Generate(ctx context.Context, patientID string) (*domain.HistorySummary, error) {
	if _, err := a.repo.GetPatient(ctx, patientID); err != nil {
		return nil, err
	}

	sessions, err := a.repo.ListCompletedWithNotes(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("list completed sessions: %w", err)
	}
	if len(sessions) == 0 {
		return nil, domain.ErrNothingToSummarize
	}

	excerpts := buildExcerpts(sessions)
	sourceIDs := make([]string, len(sessions))
	for i, session := range sessions {
		sourceIDs[i] = session.ID
	}

	synthCtx, cancel := context.WithTimeout(ctx, a.synthTimeout)
	defer cancel()

	content, err := a.synthesizer.SynthesizeFreeSummary(synthCtx, excerpts)
	if err != nil {
		return nil, fmt.Errorf("generate summary: %w", err)
	}

	now := time.Now()
	summary := &domain.HistorySummary{
		PatientID:        patientID,
		Content:          content,
		SourceSessionIDs: sourceIDs,
		AIModelTag:       a.synthesizer.ModelTag(),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := a.repo.UpsertSummary(ctx, summary); err != nil {
		return nil, fmt.Errorf("store summary: %w", err)
	}
	slog.Info("history summary generated", "patient_id", patientID, "source_sessions", len(sourceIDs), "model", summary.AIModelTag)

	return a.repo.GetSummary(ctx, patientID)
}

// Edit replaces the summary text with a manual revision. Source session ids
// are deliberately untouched: edited summaries may drift from the sessions
// they were derived from, and the system does not reconcile.
func (a *Aggregator) Edit(ctx context.Context, patientID, content string) (*domain.HistorySummary, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("summary content cannot be empty")
	}
	if err := a.repo.SetSummaryContent(ctx, patientID, content); err != nil {
		return nil, err
	}
	return a.repo.GetSummary(ctx, patientID)
}

// SetPinned flips the display pin. Pure metadata, no effect on content or
// generation.
func (a *Aggregator) SetPinned(ctx context.Context, patientID string, pinned bool) (*domain.HistorySummary, error) {
	if err := a.repo.SetSummaryPinned(ctx, patientID, pinned); err != nil {
		return nil, err
	}
	return a.repo.GetSummary(ctx, patientID)
}

// Delete removes the summary entirely. Sessions are unaffected.
func (a *Aggregator) Delete(ctx context.Context, patientID string) error {
	return a.repo.DeleteSummary(ctx, patientID)
}

// Get retrieves the current summary.
func (a *Aggregator) Get(ctx context.Context, patientID string) (*domain.HistorySummary, error) {
	return a.repo.GetSummary(ctx, patientID)
}

// buildExcerpts condenses each session's note into a bounded prompt excerpt
// and enforces the total context budget, dropping oldest excerpts first.
func buildExcerpts(sessions []*domain.Session) []domain.SessionExcerpt {
	excerpts := make([]domain.SessionExcerpt, 0, len(sessions))
	for _, session := range sessions {
		text := truncate(noteExcerpt(session.Note), maxExcerptChars)
		excerpts = append(excerpts, domain.SessionExcerpt{
			SessionID:   session.ID,
			SessionDate: session.SessionDate,
			Text:        text,
		})
	}

	total := 0
	for _, e := range excerpts {
		total += len(e.Text)
	}
	for total > maxTotalChars && len(excerpts) > 1 {
		total -= len(excerpts[0].Text)
		excerpts = excerpts[1:]
	}
	return excerpts
}

func noteExcerpt(note *domain.Note) string {
	var b strings.Builder
	writeSection(&b, "Chief complaint", note.ChiefComplaint)
	writeSection(&b, "Pain level", note.PainLevel)
	writeSection(&b, "Diagnosis", note.Diagnosis)
	if len(note.Interventions) > 0 {
		writeSection(&b, "Interventions", strings.Join(note.Interventions, "; "))
	}
	writeSection(&b, "Treatment plan", note.TreatmentPlan)
	writeSection(&b, "Next session focus", note.NextSessionFocus)
	return b.String()
}

func writeSection(b *strings.Builder, label, value string) {
	if strings.TrimSpace(value) == "" {
		return
	}
	b.WriteString(label)
	b.WriteString(": ")
	b.WriteString(value)
	b.WriteString("\n")
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
