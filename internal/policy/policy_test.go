package policy

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/nugget/companion-agent/internal/persona"
)

func TestFormatResponse(t *testing.T) {
	tests := []struct {
		name  string
		reply Reply
		mode  persona.Mode
		want  string
	}{
		{
			name:  "message preferred",
			reply: Reply{Message: "Take the 8:15 train.", ReasoningSummary: "ignored"},
			want:  "Take the 8:15 train.",
		},
		{
			name:  "reasoning summary second",
			reply: Reply{ReasoningSummary: "Rain is likely after noon."},
			want:  "Rain is likely after noon.",
		},
		{
			name:  "fallback sentence",
			reply: Reply{Message: "   "},
			want:  FallbackMessage,
		},
		{
			name:  "greeting and intro stripped",
			reply: Reply{Message: "Hello there! I'm your friendly AI assistant. the weather looks fine."},
			want:  "The weather looks fine.",
		},
		{
			name:  "only greeting kept",
			reply: Reply{Message: "Hello!"},
			want:  "Hello!",
		},
		{
			name:  "questions capped",
			reply: Reply{Message: "Ready to go? Did you pack? Is the car fueled?"},
			want:  "Ready to go? Did you pack. Is the car fueled.",
		},
		{
			name:  "code block untouched",
			reply: Reply{Message: "Hi! Try this?\n```go\nx := a ? b\n```\nWorks?"},
			want:  "Hi! Try this?\n```go\nx := a ? b\n```\nWorks?",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mode := tt.mode
			if mode == "" {
				mode = persona.ModeFriend
			}
			got := FormatResponse(tt.reply, Options{Mode: mode})
			if got != tt.want {
				t.Errorf("FormatResponse() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatResponse_MaxLength(t *testing.T) {
	sentence := "This sentence is exactly fifty characters long ok. "
	long := strings.Repeat(sentence, 20)

	for _, mode := range persona.Modes {
		got := FormatResponse(Reply{Message: long}, Options{Mode: mode})
		limit := ForMode(mode).MaxLength
		if n := utf8.RuneCountInString(got); n > limit {
			t.Errorf("%s: length %d exceeds %d", mode, n, limit)
		}
		if !strings.HasSuffix(got, ".") {
			t.Errorf("%s: not cut at a sentence boundary: %q", mode, got[len(got)-20:])
		}
	}
}

func TestTruncate_NoSentenceBoundary(t *testing.T) {
	got := truncate(strings.Repeat("word ", 50), 23)
	if got != "word word word word..." {
		t.Errorf("truncate = %q", got)
	}
}

func TestFormatResponse_CrisisLine(t *testing.T) {
	safety := persona.Safety{Escalation: persona.EscalationEncourageSupport}

	got := FormatResponse(Reply{Message: "I'm so sorry you're hurting."}, Options{Mode: persona.ModeAnchor, Safety: safety})
	if !strings.HasSuffix(got, CrisisLine) {
		t.Errorf("crisis line missing: %q", got)
	}

	withLine := "Please stay with me. " + CrisisLine
	got = FormatResponse(Reply{Message: withLine}, Options{Mode: persona.ModeAnchor, Safety: safety})
	if strings.Count(got, CrisisLine) != 1 {
		t.Errorf("crisis line duplicated: %q", got)
	}

	got = FormatResponse(Reply{Message: "Fine."}, Options{Mode: persona.ModeAnchor})
	if strings.Contains(got, CrisisLine) {
		t.Error("crisis line added without escalation")
	}
}

func TestBuildSystemPrompt(t *testing.T) {
	tests := []struct {
		name     string
		in       PromptInput
		contains []string
		excludes []string
	}{
		{
			name: "teacher first turn",
			in: PromptInput{Persona: persona.Persona{
				Mode:  persona.ModeTeacher,
				Style: persona.StyleFor(persona.ModeTeacher),
			}},
			contains: []string{"patient teacher", "Example:", greetInstruction, "- warmth: 0.60", "- max questions: 2"},
			excludes: []string{"SAFETY:"},
		},
		{
			name: "greeted friend",
			in: PromptInput{Greeted: true, Persona: persona.Persona{
				Mode:  persona.ModeFriend,
				Style: persona.StyleFor(persona.ModeFriend),
			}},
			contains: []string{"easygoing friend", noGreetInstruction},
			excludes: []string{greetInstruction},
		},
		{
			name: "crisis",
			in: PromptInput{Persona: persona.Persona{
				Mode:   persona.ModeAnchor,
				Safety: persona.Safety{Escalation: persona.EscalationEncourageSupport},
			}},
			contains: []string{"calm, steady companion", "SAFETY:", "988"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildSystemPrompt(tt.in)
			for _, s := range tt.contains {
				if !strings.Contains(got, s) {
					t.Errorf("prompt missing %q", s)
				}
			}
			for _, s := range tt.excludes {
				if strings.Contains(got, s) {
					t.Errorf("prompt should not contain %q", s)
				}
			}
		})
	}
}

func TestForMode(t *testing.T) {
	if l := ForMode(persona.ModeAnchor); !l.ValidationFirst || l.MaxQuestions != 1 {
		t.Errorf("anchor limits = %+v", l)
	}
	if l := ForMode("unknown"); l != ForMode(persona.ModeAnchor) {
		t.Errorf("unknown mode limits = %+v, want anchor", l)
	}
	for _, m := range persona.Modes {
		if ForMode(m).MaxLength == 0 {
			t.Errorf("%s has no max length", m)
		}
	}
}

func TestRenderHTML(t *testing.T) {
	got, err := RenderHTML("**Leave by 8**\nthen take <b>I-95</b>")
	if err != nil {
		t.Fatalf("RenderHTML: %v", err)
	}
	if !strings.Contains(got, "<strong>Leave by 8</strong><br>") {
		t.Errorf("html = %q", got)
	}
	if strings.Contains(got, "<b>") {
		t.Errorf("raw html passed through: %q", got)
	}
}
