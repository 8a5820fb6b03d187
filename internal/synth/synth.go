// Package synth provides clinical note synthesis adapters over language
// model providers. One interface, one concrete adapter per provider, so the
// pipeline stays provider-agnostic and testable against fakes.
package synth

import (
	"context"

	"github.com/MattRib/physionote-ai-sub000/internal/domain"
)

// Synthesizer produces clinical documents from transcripts. It operates in
// two distinct modes: structured note synthesis for a single session, and
// free-text narrative summarization across many sessions.
type Synthesizer interface {
	// SynthesizeStructuredNote turns a session transcript plus patient
	// context into a shape-validated clinical note. Unparsable or
	// structurally empty model output is an error.
	SynthesizeStructuredNote(ctx context.Context, transcript string, patient domain.PatientContext) (*domain.Note, error)

	// SynthesizeFreeSummary condenses session excerpts into one narrative
	// history text.
	SynthesizeFreeSummary(ctx context.Context, excerpts []domain.SessionExcerpt) (string, error)

	// ModelTag identifies the provider/model pair, recorded on generated
	// summaries.
	ModelTag() string
}
