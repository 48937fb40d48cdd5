package policy

import (
	"bytes"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"

	"github.com/nugget/companion-agent/internal/persona"
)

// FallbackMessage is shown when a reply carries no usable text.
const FallbackMessage = "I'm here with you. Could you tell me a little more about what you need?"

// CrisisLine is appended to every reply under support escalation.
const CrisisLine = "If you're thinking about harming yourself, please call or text 988 (US) " +
	"or your local emergency number. You don't have to go through this alone."

// Reply is raw model output.
type Reply struct {
	Message          string
	ReasoningSummary string
}

// Options select the formatting rules.
type Options struct {
	Mode   persona.Mode
	Safety persona.Safety
}

var (
	greetingRe = regexp.MustCompile(`(?i)^\s*(?:hi|hello|hey|greetings|good (?:morning|afternoon|evening))(?: there)?\s*[!,.]+\s*`)
	introRe    = regexp.MustCompile(`(?i)^\s*(?:i'm|i am|this is)\s+(?:your\s+)?(?:friendly\s+|helpful\s+)?(?:ai\s+)?(?:assistant|companion)\b[^.!?\n]*[.!?]+\s*`)
)

// FormatResponse extracts the displayable text from r and applies the
// reply rules for opts. Text containing a fenced code block is not
// rewritten.
func FormatResponse(r Reply, opts Options) string {
	text := strings.TrimSpace(r.Message)
	if text == "" {
		text = strings.TrimSpace(r.ReasoningSummary)
	}
	if text == "" {
		text = FallbackMessage
	}

	if !strings.Contains(text, "```") {
		text = stripIntro(text)
		text = capQuestions(text)
		text = truncate(text, ForMode(opts.Mode).MaxLength)
	}

	if opts.Safety.Escalation == persona.EscalationEncourageSupport && !strings.Contains(text, CrisisLine) {
		text += "\n\n" + CrisisLine
	}
	return text
}

// stripIntro removes a leading greeting and self-introduction. The
// input is returned unchanged if nothing would remain.
func stripIntro(text string) string {
	out := greetingRe.ReplaceAllString(text, "")
	out = introRe.ReplaceAllString(out, "")
	out = strings.TrimSpace(out)
	if out == "" {
		return text
	}
	r, size := utf8.DecodeRuneInString(out)
	return string(unicode.ToUpper(r)) + out[size:]
}

// capQuestions keeps the first question mark and turns the rest into
// full stops.
func capQuestions(text string) string {
	first := strings.IndexByte(text, '?')
	if first < 0 {
		return text
	}
	return text[:first+1] + strings.ReplaceAll(text[first+1:], "?", ".")
}

// truncate shortens text to at most limit runes, cutting after the last
// complete sentence that fits. Without one it cuts at a word boundary.
func truncate(text string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	head := string(runes[:limit])

	cut := -1
	for i, r := range head {
		if (r == '.' || r == '!' || r == '?') && (i+1 == len(head) || head[i+1] == ' ' || head[i+1] == '\n') {
			cut = i + 1
		}
	}
	if cut > 0 {
		return strings.TrimSpace(head[:cut])
	}
	if sp := strings.LastIndexAny(head, " \n"); sp > 0 {
		head = head[:sp]
	}
	return strings.TrimSpace(head) + "..."
}

var markdown = goldmark.New(
	goldmark.WithExtensions(extension.Linkify, extension.Strikethrough),
	goldmark.WithRendererOptions(html.WithHardWraps()),
)

// RenderHTML converts a Markdown reply to an HTML fragment. Raw HTML in
// the reply is not passed through.
func RenderHTML(text string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(text), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}
