package usage

import (
	"context"
	"log/slog"
	"time"

	"github.com/nugget/companion-agent/internal/llm"
)

// Purposes of completion calls.
const (
	PurposePlanner    = "planner"
	PurposeClassifier = "classifier"
	PurposeSynthesis  = "synthesis"
	PurposeReply      = "reply"
)

// Recorder persists usage records.
type Recorder interface {
	Record(ctx context.Context, rec Record) error
}

// Meter is an llm.Client that records the token usage of every
// successful call made through it.
type Meter struct {
	next    llm.Client
	rec     Recorder
	purpose string
	logger  *slog.Logger
}

// NewMeter wraps next, tagging its records with purpose.
func NewMeter(next llm.Client, rec Recorder, purpose string, logger *slog.Logger) *Meter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Meter{next: next, rec: rec, purpose: purpose, logger: logger}
}

// Chat implements llm.Client. A failure to record is logged and does
// not affect the response.
func (m *Meter) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	start := time.Now()
	resp, err := m.next.Chat(ctx, req)
	if err != nil {
		return nil, err
	}

	model := resp.Model
	if model == "" {
		model = req.Model
	}
	dur := resp.Duration
	if dur == 0 {
		dur = time.Since(start)
	}
	if rerr := m.rec.Record(ctx, Record{
		Timestamp:    start,
		Model:        model,
		Purpose:      m.purpose,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		Duration:     dur,
	}); rerr != nil {
		m.logger.Warn("failed to record usage", "purpose", m.purpose, "model", model, "error", rerr)
	}
	return resp, nil
}
