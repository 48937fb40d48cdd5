package persona

import (
	"context"
	"log/slog"
	"strings"

	"github.com/nugget/companion-agent/internal/llm"
)

const labelPrompt = `Classify the conversational stance the user needs.
Answer with exactly one word from this list: anchor, teacher, philosopher, friend.

anchor: the user is distressed and needs calm support.
teacher: the user wants something explained.
philosopher: the user is exploring meaning, values or big questions.
friend: casual conversation or anything else.`

// LLMLabeler implements [LabelClassifier] with a single completion call.
type LLMLabeler struct {
	client llm.Client
	model  string
	logger *slog.Logger
}

// NewLLMLabeler creates a label classifier backed by client.
func NewLLMLabeler(client llm.Client, model string, logger *slog.Logger) *LLMLabeler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMLabeler{client: client, model: model, logger: logger}
}

// Label asks the model for one of the four mode labels. The raw answer
// is returned trimmed; validation happens in the classifier.
func (l *LLMLabeler) Label(ctx context.Context, utterance string) (string, error) {
	req := llm.Prompt(l.model, labelPrompt, utterance)
	req.MaxTokens = 8
	resp, err := l.client.Chat(ctx, req)
	if err != nil {
		return "", err
	}
	label := strings.Trim(strings.ToLower(strings.TrimSpace(resp.Content)), ".\"'")
	if fields := strings.Fields(label); len(fields) > 0 {
		label = fields[0]
	}
	l.logger.Debug("persona label", "model", l.model, "label", label)
	return label, nil
}
