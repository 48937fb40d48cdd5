package policy

import "github.com/nugget/companion-agent/internal/persona"

// Limits are the declarative reply constraints for a mode.
type Limits struct {
	MaxLength       int  `json:"maxLength"` // in characters
	MaxQuestions    int  `json:"maxQuestions"`
	ValidationFirst bool `json:"validationFirst"` // acknowledge feelings before content
}

var limits = map[persona.Mode]Limits{
	persona.ModeAnchor:      {MaxLength: 600, MaxQuestions: 1, ValidationFirst: true},
	persona.ModeTeacher:     {MaxLength: 1500, MaxQuestions: 2},
	persona.ModePhilosopher: {MaxLength: 1200, MaxQuestions: 3},
	persona.ModeFriend:      {MaxLength: 800, MaxQuestions: 2},
}

// ForMode returns the limits for m. Unknown modes get the anchor
// limits.
func ForMode(m persona.Mode) Limits {
	if l, ok := limits[m]; ok {
		return l
	}
	return limits[persona.ModeAnchor]
}
