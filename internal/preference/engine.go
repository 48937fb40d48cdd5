package preference

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Status is the outcome recorded with an action.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusFallback Status = "fallback"
	StatusFail     Status = "fail"
	StatusCancel   Status = "cancel"
)

// Source is the input channel an action came from.
type Source string

const (
	SourceText  Source = "text"
	SourceVoice Source = "voice"
)

// Preference keys.
const (
	RoutePrefix = "frequent_route:"
	KeyBudget   = "budget_avg"
)

// Event types that carry learnable signals.
var (
	routeEvents    = []string{"route_planner", "route_search", "route_planned"}
	purchaseEvents = []string{"deal_finder", "purchase", "deal_view"}
)

// Config holds the learning thresholds.
type Config struct {
	ConfidenceThreshold float64       // minimum confidence to learn from an action
	InferenceThreshold  float64       // minimum confidence to surface a preference
	PromotionThreshold  float64       // minimum confidence to copy into the profile
	DedupeWindow        time.Duration // identical actions inside this window are dropped
	Retention           time.Duration // actions older than this are purged
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		ConfidenceThreshold: 0.7,
		InferenceThreshold:  0.6,
		PromotionThreshold:  0.7,
		DedupeWindow:        10 * time.Second,
		Retention:           90 * 24 * time.Hour,
	}
}

// ActionData describes one completed user action.
type ActionData struct {
	Intent     string
	Entities   map[string]any
	Status     Status
	Confidence float64
	Source     Source
	Partial    bool // voice transcript not yet final
	Latency    time.Duration
}

// Engine learns preferences from actions and applies them.
type Engine struct {
	store  *Store
	cfg    Config
	logger *slog.Logger
}

// NewEngine creates an Engine over store. Zero config fields take
// their defaults.
func NewEngine(store *Store, cfg Config, logger *slog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = def.ConfidenceThreshold
	}
	if cfg.InferenceThreshold <= 0 {
		cfg.InferenceThreshold = def.InferenceThreshold
	}
	if cfg.PromotionThreshold <= 0 {
		cfg.PromotionThreshold = def.PromotionThreshold
	}
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = def.DedupeWindow
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, cfg: cfg, logger: logger}
}

// Store returns the underlying store.
func (e *Engine) Store() *Store { return e.store }

// LogAction records an action and learns from it. It reports whether
// a row was written; rejected and duplicate actions return false with
// a nil error.
func (e *Engine) LogAction(ctx context.Context, userID, eventType string, data ActionData) (bool, error) {
	switch {
	case data.Source == SourceVoice && data.Partial:
		e.logger.Debug("action rejected: partial voice input", "user", userID, "event", eventType)
		return false, nil
	case data.Status == StatusFail || data.Status == StatusCancel:
		e.logger.Debug("action rejected: status", "user", userID, "event", eventType, "status", data.Status)
		return false, nil
	case data.Status == StatusSuccess && data.Confidence < e.cfg.ConfidenceThreshold:
		e.logger.Debug("action rejected: low confidence",
			"user", userID, "event", eventType, "confidence", data.Confidence)
		return false, nil
	}
	if data.Source == "" {
		data.Source = SourceText
	}

	entities := encodeJSON(data.Entities, "{}")
	written, err := e.store.insertAction(ctx, Action{
		UserID:     userID,
		EventType:  eventType,
		Intent:     data.Intent,
		Status:     data.Status,
		Confidence: data.Confidence,
		Source:     data.Source,
		DedupeHash: DedupeHash(userID, eventType, entities),
		Latency:    data.Latency,
	}, entities, e.cfg.DedupeWindow)
	if err != nil {
		return false, err
	}
	if !written {
		e.logger.Debug("action deduplicated", "user", userID, "event", eventType)
		return false, nil
	}

	if data.Confidence < e.cfg.ConfidenceThreshold {
		return true, nil
	}
	if err := e.learn(ctx, userID, eventType, data.Entities); err != nil {
		return true, err
	}
	if _, err := e.PromotePreferences(ctx, userID); err != nil {
		return true, err
	}
	return true, nil
}

// DedupeHash is the SHA-256 of user, event type and the entities JSON.
// encoding/json writes map keys in sorted order.
func DedupeHash(userID, eventType, entitiesJSON string) string {
	sum := sha256.Sum256([]byte(userID + "|" + eventType + "|" + entitiesJSON))
	return hex.EncodeToString(sum[:])
}

func (e *Engine) learn(ctx context.Context, userID, eventType string, entities map[string]any) error {
	switch {
	case slices.Contains(routeEvents, eventType):
		origin, _ := entities["origin"].(string)
		dest, _ := entities["destination"].(string)
		origin, dest = strings.TrimSpace(origin), strings.TrimSpace(dest)
		if origin == "" || dest == "" {
			return nil
		}
		route := origin + "-" + dest
		p, err := e.store.upsert(ctx, userID, RoutePrefix+route, route,
			map[string]string{"origin": origin, "destination": dest})
		if err != nil {
			return err
		}
		e.logger.Debug("route preference reinforced",
			"user", userID, "route", route, "confidence", p.Confidence, "evidence", p.EvidenceCount)

	case slices.Contains(purchaseEvents, eventType):
		price, ok := number(entities["price"])
		if !ok {
			return nil
		}
		p, err := e.store.AddToMean(ctx, userID, KeyBudget, price)
		if err != nil {
			return err
		}
		e.logger.Debug("budget preference updated",
			"user", userID, "average", p.Value, "confidence", p.Confidence, "evidence", p.EvidenceCount)
	}
	return nil
}

func number(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimPrefix(strings.TrimSpace(x), "$"), 64)
		return f, err == nil
	}
	return 0, false
}

// UpsertPreference reinforces a preference. See [Store.UpsertPreference].
func (e *Engine) UpsertPreference(ctx context.Context, userID, key, value string) (Preference, error) {
	return e.store.UpsertPreference(ctx, userID, key, value)
}

// RouteInsight is a frequently travelled route.
type RouteInsight struct {
	Route         string  `json:"route"`
	Origin        string  `json:"origin"`
	Destination   string  `json:"destination"`
	Confidence    float64 `json:"confidence"`
	EvidenceCount int     `json:"evidence_count"`
}

// BudgetPattern is the learned average spend.
type BudgetPattern struct {
	Average       float64 `json:"average"`
	Confidence    float64 `json:"confidence"`
	EvidenceCount int     `json:"evidence_count"`
}

// Inferred is everything the engine is confident about for a user.
type Inferred struct {
	FrequentRoutes []RouteInsight `json:"frequent_routes"`
	Budget         *BudgetPattern `json:"budget,omitempty"`
	Other          []Preference   `json:"other,omitempty"`
}

// InferPreferences returns the user's preferences at or above the
// inference threshold. Routes are ordered by confidence, then
// evidence count.
func (e *Engine) InferPreferences(ctx context.Context, userID string) (Inferred, error) {
	return e.infer(ctx, userID, e.cfg.InferenceThreshold)
}

func (e *Engine) infer(ctx context.Context, userID string, threshold float64) (Inferred, error) {
	prefs, err := e.store.Preferences(ctx, userID, threshold)
	if err != nil {
		return Inferred{}, err
	}
	out := Inferred{FrequentRoutes: []RouteInsight{}}
	for _, p := range prefs {
		switch {
		case strings.HasPrefix(p.Key, RoutePrefix):
			out.FrequentRoutes = append(out.FrequentRoutes, RouteInsight{
				Route:         p.Value,
				Origin:        p.Meta["origin"],
				Destination:   p.Meta["destination"],
				Confidence:    p.Confidence,
				EvidenceCount: p.EvidenceCount,
			})
		case p.Key == KeyBudget:
			if avg, ok := p.Float(); ok {
				out.Budget = &BudgetPattern{Average: avg, Confidence: p.Confidence, EvidenceCount: p.EvidenceCount}
			}
		default:
			out.Other = append(out.Other, p)
		}
	}
	slices.SortStableFunc(out.FrequentRoutes, func(a, b RouteInsight) int {
		if a.Confidence != b.Confidence {
			if a.Confidence > b.Confidence {
				return -1
			}
			return 1
		}
		return b.EvidenceCount - a.EvidenceCount
	})
	return out, nil
}

// Basis names the preference a personalization relied on.
type Basis struct {
	Preference    string  `json:"preference"`
	Value         string  `json:"value"`
	Confidence    float64 `json:"confidence"`
	EvidenceCount int     `json:"evidence_count"`
}

// Personalization is the outcome of ApplyPersonalization.
type Personalization struct {
	Applied bool   `json:"applied"`
	Message string `json:"message,omitempty"`
	BasedOn *Basis `json:"based_on,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// NotApplied is the reason given when no preference matched.
const NotApplied = "not applied"

// ApplyPersonalization tailors a tool result using learned
// preferences. Only route_planner and deal_finder are personalized.
func (e *Engine) ApplyPersonalization(ctx context.Context, userID, tool string, input, result map[string]any) (Personalization, error) {
	none := Personalization{Reason: NotApplied}

	switch tool {
	case "route_planner":
		inf, err := e.InferPreferences(ctx, userID)
		if err != nil {
			return none, err
		}
		if len(inf.FrequentRoutes) == 0 {
			return none, nil
		}
		route := inf.FrequentRoutes[0]
		origin, _ := input["origin"].(string)
		dest, _ := input["destination"].(string)
		for _, r := range inf.FrequentRoutes {
			if strings.EqualFold(r.Origin, origin) && strings.EqualFold(r.Destination, dest) {
				route = r
				break
			}
		}
		return Personalization{
			Applied: true,
			Message: fmt.Sprintf("Based on your frequent route %s (%.0f%% confidence), I've tailored these directions.",
				route.Route, route.Confidence*100),
			BasedOn: &Basis{
				Preference:    RoutePrefix + route.Route,
				Value:         route.Route,
				Confidence:    route.Confidence,
				EvidenceCount: route.EvidenceCount,
			},
		}, nil

	case "deal_finder":
		inf, err := e.InferPreferences(ctx, userID)
		if err != nil {
			return none, err
		}
		if inf.Budget == nil {
			return none, nil
		}
		b := inf.Budget
		return Personalization{
			Applied: true,
			Message: fmt.Sprintf("Based on your average spend of $%.2f, I've prioritized deals in that range.", b.Average),
			BasedOn: &Basis{
				Preference:    KeyBudget,
				Value:         strconv.FormatFloat(b.Average, 'f', 2, 64),
				Confidence:    b.Confidence,
				EvidenceCount: b.EvidenceCount,
			},
		}, nil
	}
	return none, nil
}

// PromotePreferences copies strong preferences into the profile:
// routes add their cities to FrequentCities and the budget average
// sets BudgetRange to ±20%. It reports whether the profile changed.
func (e *Engine) PromotePreferences(ctx context.Context, userID string) (bool, error) {
	inf, err := e.infer(ctx, userID, e.cfg.PromotionThreshold)
	if err != nil {
		return false, err
	}
	if len(inf.FrequentRoutes) == 0 && inf.Budget == nil {
		return false, nil
	}

	profile, err := e.store.GetProfile(ctx, userID)
	if err != nil {
		return false, err
	}
	changed := false
	for _, r := range inf.FrequentRoutes {
		for _, city := range []string{r.Origin, r.Destination} {
			if city != "" && !slices.Contains(profile.FrequentCities, city) {
				profile.FrequentCities = append(profile.FrequentCities, city)
				changed = true
			}
		}
	}
	if b := inf.Budget; b != nil {
		want := BudgetRange{Min: b.Average * 0.8, Max: b.Average * 1.2}
		if profile.BudgetRange == nil || *profile.BudgetRange != want {
			profile.BudgetRange = &want
			changed = true
		}
	}
	if !changed {
		return false, nil
	}
	if _, err := e.store.UpdateProfile(ctx, profile); err != nil {
		return false, err
	}
	e.logger.Info("preferences promoted to profile",
		"user", userID, "frequent_cities", profile.FrequentCities, "budget", profile.BudgetRange)
	return true, nil
}

// CleanupOldActions deletes actions older than the retention window.
func (e *Engine) CleanupOldActions(ctx context.Context) (int64, error) {
	n, err := e.store.DeleteActionsBefore(ctx, e.store.now().Add(-e.cfg.Retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.logger.Info("old actions purged", "deleted", n, "retention", e.cfg.Retention)
	}
	return n, nil
}

// GetProfile returns the user's profile, creating it on first access.
func (e *Engine) GetProfile(ctx context.Context, userID string) (Profile, error) {
	return e.store.GetProfile(ctx, userID)
}

// UpdateProfile replaces the user's profile.
func (e *Engine) UpdateProfile(ctx context.Context, p Profile) (Profile, error) {
	return e.store.UpdateProfile(ctx, p)
}

// ResetUser deletes everything stored about a user.
func (e *Engine) ResetUser(ctx context.Context, userID string) error {
	return e.store.ResetUser(ctx, userID)
}

// Users lists every known user.
func (e *Engine) Users(ctx context.Context) ([]string, error) {
	return e.store.Users(ctx)
}
