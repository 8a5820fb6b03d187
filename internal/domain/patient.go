package domain

import (
	"time"
)

// Patient identifies who a session belongs to and supplies the demographic
// context handed to note synthesis.
type Patient struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	BirthDate time.Time `json:"birth_date"`
	Gender    string    `json:"gender"`
	CreatedAt time.Time `json:"created_at"`
}

// AgeAt returns the patient's whole-year age on the given date.
func (p *Patient) AgeAt(date time.Time) int {
	years := date.Year() - p.BirthDate.Year()
	anniversary := p.BirthDate.AddDate(years, 0, 0)
	if anniversary.After(date) {
		years--
	}
	if years < 0 {
		return 0
	}
	return years
}

// PatientContext is the slice of patient data the synthesis adapter sees.
type PatientContext struct {
	Name        string
	Age         int
	Gender      string
	SessionDate time.Time
}
