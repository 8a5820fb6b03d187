package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// NoteShapeError reports a synthesized document that failed shape validation.
type NoteShapeError struct {
	Reason string
}

func (e *NoteShapeError) Error() string {
	return "invalid note shape: " + e.Reason
}

// Note is the structured clinical document produced for one session. The
// pipeline treats it as an opaque validated document: valid shape or reject,
// never clinical correctness.
type Note struct {
	SessionID        string    `json:"session_id"`
	ChiefComplaint   string    `json:"chief_complaint"`
	PainLevel        string    `json:"pain_level"`
	History          string    `json:"history"`
	Diagnosis        string    `json:"diagnosis"`
	Interventions    []string  `json:"interventions"`
	HomeCare         []string  `json:"home_care"`
	TreatmentPlan    string    `json:"treatment_plan"`
	NextSessionFocus string    `json:"next_session_focus"`
	CreatedAt        time.Time `json:"created_at"`
}

var noteTextSections = []string{
	"chief_complaint",
	"pain_level",
	"history",
	"diagnosis",
	"treatment_plan",
	"next_session_focus",
}

var noteListSections = []string{
	"interventions",
	"home_care",
}

// ParseNote validates and decodes a synthesized note document. The language
// model's output is semi-structured, so validation is a fixed-shape check:
// required top-level keys present, list-typed fields are lists, and the
// document is not structurally empty. Shape mismatch is rejected outright,
// no partial repair.
func ParseNote(raw []byte) (*Note, error) {
	raw = stripCodeFence(raw)

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &NoteShapeError{Reason: fmt.Sprintf("not a JSON object: %v", err)}
	}

	for _, key := range noteTextSections {
		v, ok := doc[key]
		if !ok {
			return nil, &NoteShapeError{Reason: "missing section " + key}
		}
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return nil, &NoteShapeError{Reason: "section " + key + " is not text"}
		}
	}
	for _, key := range noteListSections {
		v, ok := doc[key]
		if !ok {
			return nil, &NoteShapeError{Reason: "missing section " + key}
		}
		var list []string
		if err := json.Unmarshal(v, &list); err != nil {
			return nil, &NoteShapeError{Reason: "section " + key + " is not a list"}
		}
	}

	var note Note
	if err := json.Unmarshal(raw, &note); err != nil {
		return nil, &NoteShapeError{Reason: fmt.Sprintf("decode: %v", err)}
	}

	if note.isEmpty() {
		return nil, &NoteShapeError{Reason: "structurally empty document"}
	}

	return &note, nil
}

func (n *Note) isEmpty() bool {
	return strings.TrimSpace(n.ChiefComplaint) == "" &&
		strings.TrimSpace(n.History) == "" &&
		strings.TrimSpace(n.Diagnosis) == "" &&
		strings.TrimSpace(n.TreatmentPlan) == "" &&
		len(n.Interventions) == 0
}

// stripCodeFence removes a surrounding markdown code fence, which language
// models commonly wrap JSON output in.
func stripCodeFence(raw []byte) []byte {
	s := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(s, "```") {
		return raw
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return []byte(strings.TrimSpace(s))
}
