// Package persona chooses the conversational stance for a turn.
//
// Classification is a pure keyword score over four fixed modes. Only when
// nothing scores and no tone override applies does it consult an
// injectable [LabelClassifier].
package persona

import (
	"context"
	"fmt"
	"strings"
)

// Mode is one of the four conversational stances.
type Mode string

const (
	ModeAnchor      Mode = "anchor"
	ModeTeacher     Mode = "teacher"
	ModePhilosopher Mode = "philosopher"
	ModeFriend      Mode = "friend"
)

// Modes lists every mode in tie-break priority order.
var Modes = []Mode{ModeAnchor, ModeTeacher, ModePhilosopher, ModeFriend}

// ParseMode returns the mode named by s, ignoring case and surrounding
// space.
func ParseMode(s string) (Mode, bool) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	switch m {
	case ModeAnchor, ModeTeacher, ModePhilosopher, ModeFriend:
		return m, true
	}
	return "", false
}

// Escalation is the safety escalation attached to a persona.
type Escalation string

const (
	EscalationNone             Escalation = "none"
	EscalationEncourageSupport Escalation = "encourage_support"
)

// Style is the tone dial for a reply.
type Style struct {
	Warmth           float64 `json:"warmth"`
	Verbosity        float64 `json:"verbosity"`
	Directness       float64 `json:"directness"`
	QuestionCountMax int     `json:"questionCountMax"`
}

// Safety carries the escalation decision.
type Safety struct {
	Escalation Escalation `json:"escalation"`
}

// Persona is the classifier's decision for one turn.
type Persona struct {
	Mode   Mode   `json:"mode"`
	Style  Style  `json:"style"`
	Safety Safety `json:"safety"`

	// Scores holds raw keyword hit counts per mode.
	Scores map[Mode]int `json:"scores,omitempty"`
	// Confidence is each mode's share of the total hits.
	Confidence map[Mode]float64 `json:"confidence,omitempty"`
	// Source records how the mode was chosen: keywords, safety,
	// override or fallback.
	Source string `json:"source,omitempty"`
}

var styles = map[Mode]Style{
	ModeAnchor:      {Warmth: 0.9, Verbosity: 0.3, Directness: 0.6, QuestionCountMax: 1},
	ModeTeacher:     {Warmth: 0.6, Verbosity: 0.7, Directness: 0.8, QuestionCountMax: 2},
	ModePhilosopher: {Warmth: 0.5, Verbosity: 0.8, Directness: 0.4, QuestionCountMax: 3},
	ModeFriend:      {Warmth: 0.8, Verbosity: 0.5, Directness: 0.6, QuestionCountMax: 2},
}

// crisisStyle replaces the anchor style when escalation is forced.
var crisisStyle = Style{Warmth: 1.0, Verbosity: 0.2, Directness: 0.7, QuestionCountMax: 1}

// StyleFor returns the fixed style tuple for m.
func StyleFor(m Mode) Style {
	return styles[m]
}

// Fallback is the persona used on the error path: the most
// conservative tone.
func Fallback() Persona {
	return Persona{
		Mode:   ModeAnchor,
		Style:  styles[ModeAnchor],
		Safety: Safety{Escalation: EscalationNone},
		Source: "fallback",
	}
}

// LabelClassifier picks one of the four mode labels for an utterance
// that matched no keywords. It may return any string; anything that is
// not a mode is treated as friend.
type LabelClassifier interface {
	Label(ctx context.Context, utterance string) (string, error)
}

// Input is what the classifier sees for one turn.
type Input struct {
	Utterance string
	// TonePreference is the user's profile override. Values that are
	// not a mode (including the default "auto") are ignored.
	TonePreference string
}

// Classifier maps utterances to personas.
type Classifier struct {
	labeler LabelClassifier
}

// NewClassifier creates a classifier. labeler may be nil, in which case
// unscored utterances become friend without an external call.
func NewClassifier(labeler LabelClassifier) *Classifier {
	return &Classifier{labeler: labeler}
}

// Classify returns the persona for in. An error is returned only when
// the label fallback fails.
func (c *Classifier) Classify(ctx context.Context, in Input) (Persona, error) {
	text := strings.ToLower(in.Utterance)
	scores := Score(text)
	conf := confidence(scores)

	if scores[ModeAnchor] >= 2 || MatchesSelfHarm(text) {
		return Persona{
			Mode:       ModeAnchor,
			Style:      crisisStyle,
			Safety:     Safety{Escalation: EscalationEncourageSupport},
			Scores:     scores,
			Confidence: conf,
			Source:     "safety",
		}, nil
	}

	out := Persona{
		Safety:     Safety{Escalation: EscalationNone},
		Scores:     scores,
		Confidence: conf,
	}

	override, hasOverride := ParseMode(in.TonePreference)
	switch {
	case hasOverride:
		out.Mode, out.Source = override, "override"
	case best(scores) != "":
		out.Mode, out.Source = best(scores), "keywords"
	default:
		mode, err := c.fallback(ctx, in.Utterance)
		if err != nil {
			return Persona{}, err
		}
		out.Mode, out.Source = mode, "label"
	}
	out.Style = styles[out.Mode]
	return out, nil
}

func (c *Classifier) fallback(ctx context.Context, utterance string) (Mode, error) {
	if c.labeler == nil {
		return ModeFriend, nil
	}
	label, err := c.labeler.Label(ctx, utterance)
	if err != nil {
		return "", fmt.Errorf("persona label fallback: %w", err)
	}
	if m, ok := ParseMode(label); ok {
		return m, nil
	}
	return ModeFriend, nil
}

// Score counts keyword hits per mode in lower-cased text.
func Score(text string) map[Mode]int {
	scores := make(map[Mode]int, len(Modes))
	for _, m := range Modes {
		n := 0
		for _, kw := range keywords[m] {
			if strings.Contains(text, kw) {
				n++
			}
		}
		scores[m] = n
	}
	return scores
}

// best returns the highest-scoring mode, or "" when nothing scored.
// Ties go to the earlier mode in [Modes].
func best(scores map[Mode]int) Mode {
	var top Mode
	topScore := 0
	for _, m := range Modes {
		if scores[m] > topScore {
			top, topScore = m, scores[m]
		}
	}
	return top
}

func confidence(scores map[Mode]int) map[Mode]float64 {
	total := 0
	for _, n := range scores {
		total += n
	}
	out := make(map[Mode]float64, len(scores))
	for m, n := range scores {
		if total > 0 {
			out[m] = float64(n) / float64(total)
		} else {
			out[m] = 0
		}
	}
	return out
}

// MatchesSelfHarm reports whether lower-cased text contains a self-harm
// phrase.
func MatchesSelfHarm(text string) bool {
	for _, p := range selfHarmPhrases {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}
