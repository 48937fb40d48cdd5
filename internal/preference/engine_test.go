package preference

import (
	"context"
	"strings"
	"testing"
	"time"
)

func setupTestEngine(t *testing.T) (*Engine, *testClock) {
	t.Helper()
	store, clock := setupTestStore(t)
	return NewEngine(store, Config{}, nil), clock
}

func route(origin, dest string) ActionData {
	return ActionData{
		Intent:     "plan route",
		Entities:   map[string]any{"origin": origin, "destination": dest},
		Status:     StatusSuccess,
		Confidence: 0.9,
		Source:     SourceText,
	}
}

func TestLogAction_Rejections(t *testing.T) {
	tests := []struct {
		name string
		data ActionData
	}{
		{"partial voice", ActionData{Status: StatusSuccess, Confidence: 0.9, Source: SourceVoice, Partial: true}},
		{"failed", ActionData{Status: StatusFail, Confidence: 0.9}},
		{"cancelled", ActionData{Status: StatusCancel, Confidence: 0.9}},
		{"low confidence success", ActionData{Status: StatusSuccess, Confidence: 0.69}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := setupTestEngine(t)
			ctx := context.Background()
			logged, err := e.LogAction(ctx, "u1", "route_planner", tt.data)
			if err != nil || logged {
				t.Errorf("LogAction = %v, %v; want rejected", logged, err)
			}
			if n, _ := e.Store().CountActions(ctx, "u1"); n != 0 {
				t.Errorf("actions stored = %d", n)
			}
		})
	}
}

func TestLogAction_LowConfidenceFallbackLogsWithoutLearning(t *testing.T) {
	e, _ := setupTestEngine(t)
	ctx := context.Background()

	data := route("DC", "NYC")
	data.Status, data.Confidence = StatusFallback, 0.4
	logged, err := e.LogAction(ctx, "u1", "route_planner", data)
	if err != nil || !logged {
		t.Fatalf("LogAction = %v, %v; want logged", logged, err)
	}
	prefs, _ := e.Store().Preferences(ctx, "u1", 0)
	if len(prefs) != 0 {
		t.Errorf("preferences learned from low-confidence action: %+v", prefs)
	}
}

func TestLogAction_Dedupe(t *testing.T) {
	e, clock := setupTestEngine(t)
	ctx := context.Background()

	if ok, err := e.LogAction(ctx, "u1", "route_planner", route("DC", "NYC")); err != nil || !ok {
		t.Fatalf("first LogAction = %v, %v", ok, err)
	}
	clock.Advance(5 * time.Second)
	if ok, _ := e.LogAction(ctx, "u1", "route_planner", route("DC", "NYC")); ok {
		t.Error("identical action inside window was logged")
	}
	if ok, _ := e.LogAction(ctx, "u2", "route_planner", route("DC", "NYC")); !ok {
		t.Error("other user's action was deduplicated")
	}
	clock.Advance(6 * time.Second)
	if ok, _ := e.LogAction(ctx, "u1", "route_planner", route("DC", "NYC")); !ok {
		t.Error("identical action after window was dropped")
	}

	if n, _ := e.Store().CountActions(ctx, "u1"); n != 2 {
		t.Errorf("actions = %d, want 2", n)
	}
	p, _ := e.Store().GetPreference(ctx, "u1", RoutePrefix+"DC-NYC")
	if p.EvidenceCount != 2 {
		t.Errorf("evidence = %d, want 2 (duplicate must not reinforce)", p.EvidenceCount)
	}
}

func TestDedupeHash_KeyOrderIndependent(t *testing.T) {
	a := encodeJSON(map[string]any{"origin": "DC", "destination": "NYC"}, "{}")
	b := encodeJSON(map[string]any{"destination": "NYC", "origin": "DC"}, "{}")
	if DedupeHash("u", "t", a) != DedupeHash("u", "t", b) {
		t.Error("hash depends on map insertion order")
	}
	if DedupeHash("u", "t", a) == DedupeHash("u", "other", a) {
		t.Error("hash ignores event type")
	}
}

func TestInferPreferences_FrequentRoutes(t *testing.T) {
	e, clock := setupTestEngine(t)
	ctx := context.Background()

	for range 4 {
		if _, err := e.LogAction(ctx, "u1", "route_planner", route("DC", "NYC")); err != nil {
			t.Fatalf("LogAction: %v", err)
		}
		clock.Advance(11 * time.Second)
	}
	if _, err := e.LogAction(ctx, "u1", "route_search", route("DC", "Boston")); err != nil {
		t.Fatalf("LogAction: %v", err)
	}

	inf, err := e.InferPreferences(ctx, "u1")
	if err != nil {
		t.Fatalf("InferPreferences: %v", err)
	}
	if len(inf.FrequentRoutes) != 1 {
		t.Fatalf("routes = %+v, want only DC-NYC", inf.FrequentRoutes)
	}
	r := inf.FrequentRoutes[0]
	if r.Route != "DC-NYC" || r.EvidenceCount != 4 || r.Origin != "DC" || r.Destination != "NYC" {
		t.Errorf("route = %+v", r)
	}
	if !near(r.Confidence, 0.65) {
		t.Errorf("confidence = %v, want 0.65", r.Confidence)
	}
}

func TestLogAction_BudgetAndPromotion(t *testing.T) {
	e, clock := setupTestEngine(t)
	ctx := context.Background()

	for _, price := range []float64{90, 110, 100, 95, 105} {
		data := ActionData{Entities: map[string]any{"price": price}, Status: StatusSuccess, Confidence: 0.8}
		if ok, err := e.LogAction(ctx, "u1", "purchase", data); err != nil || !ok {
			t.Fatalf("LogAction(%v) = %v, %v", price, ok, err)
		}
		clock.Advance(time.Second)
	}

	inf, err := e.InferPreferences(ctx, "u1")
	if err != nil {
		t.Fatalf("InferPreferences: %v", err)
	}
	if inf.Budget == nil || !near(inf.Budget.Average, 100) || inf.Budget.EvidenceCount != 5 {
		t.Fatalf("budget = %+v, want average 100 over 5", inf.Budget)
	}

	p, err := e.GetProfile(ctx, "u1")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if p.BudgetRange == nil || !near(p.BudgetRange.Min, 80) || !near(p.BudgetRange.Max, 120) {
		t.Errorf("budget range = %+v, want 80..120", p.BudgetRange)
	}
}

func TestPromotePreferences_Routes(t *testing.T) {
	e, clock := setupTestEngine(t)
	ctx := context.Background()

	for i := range 5 {
		if _, err := e.LogAction(ctx, "u1", "route_planned", route("Austin", "Dallas")); err != nil {
			t.Fatal(err)
		}
		clock.Advance(11 * time.Second)

		p, _ := e.GetProfile(ctx, "u1")
		promoted := len(p.FrequentCities) > 0
		if want := i == 4; promoted != want {
			t.Fatalf("after %d events promoted = %v, want %v", i+1, promoted, want)
		}
	}

	p, _ := e.GetProfile(ctx, "u1")
	if strings.Join(p.FrequentCities, ",") != "Austin,Dallas" {
		t.Errorf("frequent cities = %v", p.FrequentCities)
	}
	if changed, err := e.PromotePreferences(ctx, "u1"); err != nil || changed {
		t.Errorf("second promotion = %v, %v; want no change", changed, err)
	}
}

func TestApplyPersonalization(t *testing.T) {
	e, clock := setupTestEngine(t)
	ctx := context.Background()

	for range 3 {
		e.LogAction(ctx, "u1", "route_planner", route("DC", "NYC"))
		e.LogAction(ctx, "u1", "route_planner", route("NYC", "Boston"))
		clock.Advance(11 * time.Second)
	}
	e.LogAction(ctx, "u1", "route_planner", route("DC", "NYC"))

	tests := []struct {
		name      string
		tool      string
		input     map[string]any
		wantApply bool
		wantRoute string
	}{
		{"top route", "route_planner", map[string]any{}, true, "DC-NYC"},
		{"matching route", "route_planner", map[string]any{"origin": "nyc", "destination": "boston"}, true, "NYC-Boston"},
		{"no budget yet", "deal_finder", map[string]any{}, false, ""},
		{"other tool", "weather", map[string]any{}, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.ApplyPersonalization(ctx, "u1", tt.tool, tt.input, map[string]any{"success": true})
			if err != nil {
				t.Fatalf("ApplyPersonalization: %v", err)
			}
			if got.Applied != tt.wantApply {
				t.Fatalf("applied = %v, want %v (%+v)", got.Applied, tt.wantApply, got)
			}
			if !tt.wantApply {
				if got.Reason != NotApplied {
					t.Errorf("reason = %q", got.Reason)
				}
				return
			}
			if got.BasedOn == nil || got.BasedOn.Value != tt.wantRoute {
				t.Errorf("based on = %+v, want %s", got.BasedOn, tt.wantRoute)
			}
			if !strings.Contains(got.Message, tt.wantRoute) {
				t.Errorf("message = %q", got.Message)
			}
		})
	}
}

func TestApplyPersonalization_Budget(t *testing.T) {
	e, clock := setupTestEngine(t)
	ctx := context.Background()

	for _, price := range []any{40.0, "$60", 50} {
		e.LogAction(ctx, "u1", "deal_view", ActionData{
			Entities: map[string]any{"price": price}, Status: StatusSuccess, Confidence: 0.9,
		})
		clock.Advance(time.Second)
	}

	got, err := e.ApplyPersonalization(ctx, "u1", "deal_finder", nil, nil)
	if err != nil {
		t.Fatalf("ApplyPersonalization: %v", err)
	}
	if !got.Applied || !strings.Contains(got.Message, "$50.00") {
		t.Errorf("personalization = %+v", got)
	}
}

func TestCleanupOldActions(t *testing.T) {
	store, clock := setupTestStore(t)
	e := NewEngine(store, Config{Retention: 48 * time.Hour}, nil)
	ctx := context.Background()

	e.LogAction(ctx, "u1", "weather", ActionData{Status: StatusSuccess, Confidence: 0.9})
	clock.Advance(72 * time.Hour)
	e.LogAction(ctx, "u1", "news", ActionData{Status: StatusSuccess, Confidence: 0.9})

	n, err := e.CleanupOldActions(ctx)
	if err != nil || n != 1 {
		t.Fatalf("CleanupOldActions = %d, %v; want 1", n, err)
	}
	actions, _ := store.Actions(ctx, "u1", 0)
	if len(actions) != 1 || actions[0].EventType != "news" {
		t.Errorf("remaining = %+v", actions)
	}
}
