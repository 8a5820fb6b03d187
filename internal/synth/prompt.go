package synth

import (
	"fmt"
	"strings"

	"github.com/MattRib/physionote-ai-sub000/internal/domain"
)

const noteSystemPrompt = `You are a clinical documentation assistant for physiotherapists.
Given the transcript of a treatment session, produce a structured clinical note.
Respond with a single JSON object and nothing else, using exactly these keys:
"chief_complaint" (string), "pain_level" (string), "history" (string),
"diagnosis" (string), "interventions" (array of strings),
"home_care" (array of strings), "treatment_plan" (string),
"next_session_focus" (string).
Write in the language of the transcript. If a section is not covered in the
transcript, use an empty string or empty array. Do not invent clinical findings.`

const summarySystemPrompt = `You are a clinical documentation assistant for physiotherapists.
Given excerpts from a patient's completed treatment sessions in chronological
order, write one concise narrative summary of the patient's clinical history:
initial presentation, evolution across sessions, current state and outlook.
Respond with plain markdown text, no JSON, no preamble.`

func noteUserPrompt(transcript string, patient domain.PatientContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Patient: %s\n", patient.Name)
	fmt.Fprintf(&b, "Age: %d\n", patient.Age)
	if patient.Gender != "" {
		fmt.Fprintf(&b, "Gender: %s\n", patient.Gender)
	}
	fmt.Fprintf(&b, "Session date: %s\n\n", patient.SessionDate.Format("2006-01-02"))
	b.WriteString("Session transcript:\n")
	b.WriteString(transcript)
	return b.String()
}

func summaryUserPrompt(excerpts []domain.SessionExcerpt) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The patient has %d completed sessions.\n\n", len(excerpts))
	for i, excerpt := range excerpts {
		fmt.Fprintf(&b, "--- Session %d (%s) ---\n", i+1, excerpt.SessionDate.Format("2006-01-02"))
		b.WriteString(excerpt.Text)
		b.WriteString("\n\n")
	}
	return b.String()
}
