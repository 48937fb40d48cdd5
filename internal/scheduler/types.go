// Package scheduler runs the service's periodic jobs: session sweeps,
// action-log retention and the daily proactive check.
package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RunFunc is the body of a job.
type RunFunc func(ctx context.Context) error

// Job is a named function run on a fixed interval.
type Job struct {
	Name    string        `json:"name"`
	Every   Duration      `json:"every"`
	Timeout time.Duration `json:"-"` // zero selects DefaultTimeout
	Run     RunFunc       `json:"-"`
}

// DefaultTimeout bounds a single job run.
const DefaultTimeout = 5 * time.Minute

// NextRun returns the first interval boundary, counting from base,
// that falls after the given time.
func (j *Job) NextRun(base, after time.Time) time.Time {
	interval := j.Every.Duration
	elapsed := after.Sub(base)
	if elapsed < 0 {
		return base
	}
	intervals := int64(elapsed/interval) + 1
	return base.Add(time.Duration(intervals) * interval)
}

// Duration wraps time.Duration for JSON serialization.
type Duration struct {
	time.Duration
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// Execution records a single run of a job.
type Execution struct {
	ID          string          `json:"id"` // UUIDv7
	Job         string          `json:"job"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Status      ExecutionStatus `json:"status"`
	Result      string          `json:"result,omitempty"` // "success" or the error
}

// ExecutionStatus indicates the state of an execution.
type ExecutionStatus string

const (
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
)

// NewID generates a new UUIDv7.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
