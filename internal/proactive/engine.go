// Package proactive generates unprompted suggestions from learned
// preferences. Volume is bounded by a rolling daily cap, per-kind
// cooldowns and the user's history of dismissing each kind.
package proactive

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/nugget/companion-agent/internal/events"
	"github.com/nugget/companion-agent/internal/preference"
)

// Defaults for Config.
const (
	DefaultDailyCap        = 3
	DefaultDismissalCutoff = 0.5
)

// Action is what the client runs if the user accepts a suggestion.
type Action struct {
	Tool  string         `json:"tool"`
	Input map[string]any `json:"input"`
}

// Evidence explains why a suggestion was made.
type Evidence struct {
	Source     string   `json:"source"`
	Signals    []string `json:"signals"`
	Confidence *float64 `json:"confidence,omitempty"`
	Count      *int     `json:"count,omitempty"`
}

// Suggestion is one proactive suggestion.
type Suggestion struct {
	ID        string   `json:"id,omitempty"`
	Kind      Kind     `json:"type"`
	Title     string   `json:"title"`
	Message   string   `json:"message"`
	Relevance float64  `json:"relevanceScore"`
	Action    Action   `json:"action"`
	Evidence  Evidence `json:"evidence"`
}

// DailyCheck is the result of a daily run for one user.
type DailyCheck struct {
	UserID      string       `json:"userId"`
	Timestamp   time.Time    `json:"timestamp"`
	Suggestions []Suggestion `json:"suggestions"`
	Count       int          `json:"count"`
}

// Preferences is the learned state suggestions are built from.
type Preferences interface {
	InferPreferences(ctx context.Context, userID string) (preference.Inferred, error)
	GetProfile(ctx context.Context, userID string) (preference.Profile, error)
}

// History records and summarizes past suggestions. Now is the clock
// its records are stamped with; the engine measures windows and
// cooldowns against it.
type History interface {
	Now() time.Time
	LogSuggestion(ctx context.Context, userID, kind string, payload any, dismissed bool) (string, error)
	DismissSuggestion(ctx context.Context, id string) error
	CountSuggestionsSince(ctx context.Context, userID string, since time.Time) (int, error)
	LastSuggestion(ctx context.Context, userID, kind string) (time.Time, bool, error)
	DismissalRate(ctx context.Context, userID, kind string) (float64, int, error)
}

// Notifier delivers a daily check to the user out of band.
type Notifier interface {
	NotifySuggestions(ctx context.Context, check DailyCheck) error
}

// Config wires an Engine.
type Config struct {
	Preferences     Preferences
	History         History
	Notifier        Notifier // optional
	Bus             *events.Bus
	Logger          *slog.Logger
	DailyCap        int
	DismissalCutoff float64
}

// Engine generates and records proactive suggestions.
type Engine struct {
	prefs    Preferences
	history  History
	notifier Notifier
	bus      *events.Bus
	logger   *slog.Logger
	cap      int
	cutoff   float64

	locks sync.Map // user id -> *sync.Mutex
}

// New creates an Engine.
func New(cfg Config) *Engine {
	if cfg.DailyCap <= 0 {
		cfg.DailyCap = DefaultDailyCap
	}
	if cfg.DismissalCutoff <= 0 {
		cfg.DismissalCutoff = DefaultDismissalCutoff
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		prefs:    cfg.Preferences,
		history:  cfg.History,
		notifier: cfg.Notifier,
		bus:      cfg.Bus,
		logger:   cfg.Logger,
		cap:      cfg.DailyCap,
		cutoff:   cfg.DismissalCutoff,
	}
}

// userLock returns the mutex serializing daily checks for userID.
func (e *Engine) userLock(userID string) *sync.Mutex {
	mu, _ := e.locks.LoadOrStore(userID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Generate returns the suggestions worth showing the user now, most
// relevant first. It never returns more than the remaining daily
// allowance.
func (e *Engine) Generate(ctx context.Context, userID string) ([]Suggestion, error) {
	now := e.history.Now()
	today, err := e.history.CountSuggestionsSince(ctx, userID, now.Add(-24*time.Hour))
	if err != nil {
		return nil, err
	}
	if today >= e.cap {
		e.logger.Debug("daily suggestion cap reached", "user", userID, "today", today, "cap", e.cap)
		return []Suggestion{}, nil
	}

	inferred, err := e.prefs.InferPreferences(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("infer preferences: %w", err)
	}
	profile, err := e.prefs.GetProfile(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}

	out := []Suggestion{}
	for _, kind := range Kinds {
		s, ok := candidate(kind, inferred, profile)
		if !ok {
			continue
		}

		last, seen, err := e.history.LastSuggestion(ctx, userID, string(kind))
		if err != nil {
			return nil, err
		}
		if seen && now.Sub(last) < kind.Cooldown() {
			e.logger.Debug("suggestion in cooldown", "user", userID, "kind", kind, "last", last)
			continue
		}

		rate, _, err := e.history.DismissalRate(ctx, userID, string(kind))
		if err != nil {
			return nil, err
		}
		if rate >= e.cutoff {
			e.logger.Debug("suggestion suppressed by dismissals", "user", userID, "kind", kind, "rate", rate)
			continue
		}

		s.Relevance = kind.BaseWeight() * (1 - rate)
		if kind == KindRouteReminder {
			s.Relevance *= inferred.FrequentRoutes[0].Confidence
		}
		out = append(out, s)
	}

	slices.SortStableFunc(out, func(a, b Suggestion) int {
		return cmp.Compare(b.Relevance, a.Relevance)
	})
	if remaining := e.cap - today; len(out) > remaining {
		out = out[:remaining]
	}
	return out, nil
}

// candidate builds the suggestion of kind if the user has the signals
// it needs.
func candidate(kind Kind, inf preference.Inferred, profile preference.Profile) (Suggestion, bool) {
	switch kind {
	case KindTrafficAlert:
		if len(inf.FrequentRoutes) == 0 {
			return Suggestion{}, false
		}
		r := inf.FrequentRoutes[0]
		return Suggestion{
			Kind:     kind,
			Title:    "Traffic on " + r.Route,
			Message:  fmt.Sprintf("Want me to check traffic from %s to %s before you head out?", r.Origin, r.Destination),
			Action:   Action{Tool: "route_planner", Input: routeInput(r)},
			Evidence: routeEvidence(r),
		}, true

	case KindPriceDrop:
		b := inf.Budget
		if b == nil {
			return Suggestion{}, false
		}
		conf, count := b.Confidence, b.EvidenceCount
		return Suggestion{
			Kind:    kind,
			Title:   "Deals in your range",
			Message: fmt.Sprintf("I can look for price drops around your usual $%.2f.", b.Average),
			Action: Action{Tool: "deal_finder", Input: map[string]any{
				"max_price": b.Average * 1.2,
			}},
			Evidence: Evidence{
				Source:     "budget_pattern",
				Signals:    []string{fmt.Sprintf("average_spend:%.2f", b.Average)},
				Confidence: &conf,
				Count:      &count,
			},
		}, true

	case KindWeatherUpdate:
		location, ev := profile.HomeLocation, Evidence{Source: "profile"}
		if location != "" {
			ev.Signals = []string{"home_location:" + location}
		} else if len(inf.FrequentRoutes) > 0 {
			r := inf.FrequentRoutes[0]
			location, ev = r.Destination, routeEvidence(r)
		}
		if location == "" {
			return Suggestion{}, false
		}
		return Suggestion{
			Kind:     kind,
			Title:    "Weather for " + location,
			Message:  fmt.Sprintf("Here's a heads-up on today's weather in %s.", location),
			Action:   Action{Tool: "weather", Input: map[string]any{"location": location}},
			Evidence: ev,
		}, true

	case KindRouteReminder:
		if len(inf.FrequentRoutes) == 0 {
			return Suggestion{}, false
		}
		r := inf.FrequentRoutes[0]
		return Suggestion{
			Kind:     kind,
			Title:    "Heading to " + r.Destination + "?",
			Message:  fmt.Sprintf("You often travel %s. Should I plan it for you?", r.Route),
			Action:   Action{Tool: "route_planner", Input: routeInput(r)},
			Evidence: routeEvidence(r),
		}, true
	}
	panic("proactive: unhandled kind " + string(kind))
}

func routeInput(r preference.RouteInsight) map[string]any {
	return map[string]any{"origin": r.Origin, "destination": r.Destination}
}

func routeEvidence(r preference.RouteInsight) Evidence {
	conf, count := r.Confidence, r.EvidenceCount
	return Evidence{
		Source:     "frequent_routes",
		Signals:    []string{"route:" + r.Route},
		Confidence: &conf,
		Count:      &count,
	}
}

// LogSuggestion records a suggestion in the history and returns its id.
func (e *Engine) LogSuggestion(ctx context.Context, userID string, kind Kind, payload any, dismissed bool) (string, error) {
	return e.history.LogSuggestion(ctx, userID, string(kind), payload, dismissed)
}

// Dismiss marks a delivered suggestion as dismissed.
func (e *Engine) Dismiss(ctx context.Context, id string) error {
	if err := e.history.DismissSuggestion(ctx, id); err != nil {
		return err
	}
	e.bus.Emit(events.SourceProactive, events.KindSuggestionDismissed, map[string]any{"suggestion_id": id})
	return nil
}

// CheckDaily generates suggestions for a user, records each one as
// delivered and hands the batch to the notifier. Checks for the same
// user are serialized so concurrent runs cannot exceed the daily cap. A
// notifier failure is logged, not returned.
func (e *Engine) CheckDaily(ctx context.Context, userID string) (DailyCheck, error) {
	check, kinds, err := e.record(ctx, userID)
	if err != nil {
		return DailyCheck{}, err
	}

	if e.notifier != nil && check.Count > 0 {
		if err := e.notifier.NotifySuggestions(ctx, check); err != nil {
			e.logger.Warn("suggestion delivery failed", "user", userID, "error", err)
		}
	}
	e.bus.Emit(events.SourceProactive, events.KindSuggestions, map[string]any{
		"user_id": userID,
		"count":   check.Count,
		"kinds":   kinds,
	})
	e.logger.Info("daily check complete", "user", userID, "count", check.Count)
	return check, nil
}

// record generates and logs a user's suggestions under the user's lock,
// so the count Generate reads and the rows written here are consistent.
func (e *Engine) record(ctx context.Context, userID string) (DailyCheck, []string, error) {
	mu := e.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	suggestions, err := e.Generate(ctx, userID)
	if err != nil {
		return DailyCheck{}, nil, err
	}

	kinds := make([]string, 0, len(suggestions))
	for i := range suggestions {
		id, err := e.LogSuggestion(ctx, userID, suggestions[i].Kind, suggestions[i], false)
		if err != nil {
			return DailyCheck{}, nil, err
		}
		suggestions[i].ID = id
		kinds = append(kinds, string(suggestions[i].Kind))
	}

	return DailyCheck{
		UserID:      userID,
		Timestamp:   e.history.Now(),
		Suggestions: suggestions,
		Count:       len(suggestions),
	}, kinds, nil
}
