package proactive

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nugget/companion-agent/internal/events"
	"github.com/nugget/companion-agent/internal/preference"
)

type fakePrefs struct {
	inferred preference.Inferred
	profile  preference.Profile
}

func (f *fakePrefs) InferPreferences(context.Context, string) (preference.Inferred, error) {
	return f.inferred, nil
}

func (f *fakePrefs) GetProfile(context.Context, string) (preference.Profile, error) {
	return f.profile, nil
}

type fakeNotifier struct {
	checks []DailyCheck
	err    error
}

func (f *fakeNotifier) NotifySuggestions(_ context.Context, c DailyCheck) error {
	f.checks = append(f.checks, c)
	return f.err
}

type harness struct {
	engine *Engine
	store  *preference.Store
	prefs  *fakePrefs
	now    time.Time
}

func (h *harness) advance(d time.Duration) { h.now = h.now.Add(d) }

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := preference.NewStore(db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	h := &harness{
		store: store,
		prefs: &fakePrefs{inferred: richPrefs()},
		now:   time.Date(2026, 5, 4, 7, 0, 0, 0, time.UTC),
	}
	store.SetClock(func() time.Time { return h.now })

	cfg.Preferences = h.prefs
	if cfg.History == nil {
		cfg.History = store
	}
	h.engine = New(cfg)
	return h
}

func richPrefs() preference.Inferred {
	return preference.Inferred{
		FrequentRoutes: []preference.RouteInsight{
			{Route: "DC-NYC", Origin: "DC", Destination: "NYC", Confidence: 0.8, EvidenceCount: 7},
		},
		Budget: &preference.BudgetPattern{Average: 120, Confidence: 0.7, EvidenceCount: 5},
	}
}

func kinds(ss []Suggestion) []Kind {
	out := make([]Kind, len(ss))
	for i, s := range ss {
		out[i] = s.Kind
	}
	return out
}

func TestGenerate_RankingAndCap(t *testing.T) {
	h := newHarness(t, Config{})
	got, err := h.engine.Generate(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	// traffic 0.9, price 0.8, route 0.7*0.8=0.56, weather 0.6
	want := []Kind{KindTrafficAlert, KindPriceDrop, KindWeatherUpdate}
	if len(got) != len(want) {
		t.Fatalf("kinds = %v, want %v", kinds(got), want)
	}
	for i := range want {
		if got[i].Kind != want[i] {
			t.Errorf("kinds = %v, want %v", kinds(got), want)
			break
		}
	}
	if got[2].Action.Input["location"] != "NYC" {
		t.Errorf("weather without home location should use route destination: %+v", got[2].Action)
	}
	if got[0].Evidence.Count == nil || *got[0].Evidence.Count != 7 {
		t.Errorf("traffic evidence = %+v", got[0].Evidence)
	}
}

func TestGenerate_NoSignals(t *testing.T) {
	h := newHarness(t, Config{})
	h.prefs.inferred = preference.Inferred{}
	got, err := h.engine.Generate(context.Background(), "u1")
	if err != nil || len(got) != 0 {
		t.Fatalf("Generate = %v, %v; want empty", kinds(got), err)
	}

	h.prefs.profile.HomeLocation = "Austin"
	got, _ = h.engine.Generate(context.Background(), "u1")
	if len(got) != 1 || got[0].Kind != KindWeatherUpdate || got[0].Evidence.Source != "profile" {
		t.Errorf("got %+v, want a profile-based weather update", got)
	}
}

func TestGenerate_DailyCapReached(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	for range 3 {
		if _, err := h.store.LogSuggestion(ctx, "u1", "other", nil, false); err != nil {
			t.Fatal(err)
		}
	}
	got, err := h.engine.Generate(ctx, "u1")
	if err != nil || len(got) != 0 {
		t.Errorf("Generate = %v, %v; want empty at cap", kinds(got), err)
	}

	h.advance(25 * time.Hour)
	got, _ = h.engine.Generate(ctx, "u1")
	if len(got) != 3 {
		t.Errorf("after rolling window got %d suggestions, want 3", len(got))
	}
}

func TestGenerate_RemainingAllowance(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.store.LogSuggestion(ctx, "u1", "other", nil, false)
	h.store.LogSuggestion(ctx, "u1", "other", nil, false)

	got, _ := h.engine.Generate(ctx, "u1")
	if len(got) != 1 || got[0].Kind != KindTrafficAlert {
		t.Errorf("got %v, want only the top suggestion", kinds(got))
	}
}

func TestGenerate_Cooldown(t *testing.T) {
	h := newHarness(t, Config{DailyCap: 10})
	ctx := context.Background()
	h.store.LogSuggestion(ctx, "u1", string(KindTrafficAlert), nil, false)

	h.advance(3 * time.Hour)
	got, _ := h.engine.Generate(ctx, "u1")
	for _, s := range got {
		if s.Kind == KindTrafficAlert {
			t.Fatal("traffic alert offered inside its 4h cooldown")
		}
	}

	h.advance(time.Hour)
	got, _ = h.engine.Generate(ctx, "u1")
	if len(got) == 0 || got[0].Kind != KindTrafficAlert {
		t.Errorf("traffic alert not offered after cooldown: %v", kinds(got))
	}
}

func TestGenerate_DismissalDamping(t *testing.T) {
	h := newHarness(t, Config{DailyCap: 10})
	ctx := context.Background()

	// price_drop: 1 of 4 dismissed, rate 0.25
	h.store.LogSuggestion(ctx, "u1", string(KindPriceDrop), nil, true)
	for range 3 {
		h.store.LogSuggestion(ctx, "u1", string(KindPriceDrop), nil, false)
	}
	// traffic_alert: 1 of 2 dismissed, rate 0.5
	h.store.LogSuggestion(ctx, "u1", string(KindTrafficAlert), nil, true)
	h.store.LogSuggestion(ctx, "u1", string(KindTrafficAlert), nil, false)

	h.advance(48 * time.Hour)
	got, err := h.engine.Generate(ctx, "u1")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	for _, s := range got {
		switch s.Kind {
		case KindTrafficAlert:
			t.Error("traffic alert offered at dismissal rate 0.5")
		case KindPriceDrop:
			if want := 0.8 * 0.75; s.Relevance < want-1e-9 || s.Relevance > want+1e-9 {
				t.Errorf("price drop relevance = %v, want %v", s.Relevance, want)
			}
		}
	}
}

func TestCheckDaily(t *testing.T) {
	notifier := &fakeNotifier{err: errors.New("broker down")}
	bus := events.New()
	ch := bus.Subscribe(4)
	defer bus.Unsubscribe(ch)

	h := newHarness(t, Config{Notifier: notifier, Bus: bus})
	ctx := context.Background()

	check, err := h.engine.CheckDaily(ctx, "u1")
	if err != nil {
		t.Fatalf("CheckDaily: %v", err)
	}
	if check.Count != 3 || len(check.Suggestions) != 3 || !check.Timestamp.Equal(h.now) {
		t.Fatalf("check = %+v", check)
	}
	for _, s := range check.Suggestions {
		if s.ID == "" {
			t.Errorf("suggestion %s has no id", s.Kind)
		}
	}
	if len(notifier.checks) != 1 {
		t.Errorf("notifier called %d times", len(notifier.checks))
	}
	if ev := <-ch; ev.Kind != events.KindSuggestions || ev.Data["count"] != 3 {
		t.Errorf("event = %+v", ev)
	}

	// Delivered suggestions count toward the cap.
	again, err := h.engine.CheckDaily(ctx, "u1")
	if err != nil || again.Count != 0 {
		t.Errorf("second check = %+v, %v; want empty", again, err)
	}

	if err := h.engine.Dismiss(ctx, check.Suggestions[0].ID); err != nil {
		t.Fatalf("Dismiss: %v", err)
	}
	rate, _, _ := h.store.DismissalRate(ctx, "u1", string(check.Suggestions[0].Kind))
	if rate != 1 {
		t.Errorf("dismissal rate = %v, want 1", rate)
	}
}

// gatedHistory holds each CountSuggestionsSince call until a second
// caller arrives or the wait expires, so overlapping checks both count
// before either logs.
type gatedHistory struct {
	*preference.Store
	mu      sync.Mutex
	waiting chan struct{}
}

func (g *gatedHistory) CountSuggestionsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	n, err := g.Store.CountSuggestionsSince(ctx, userID, since)

	g.mu.Lock()
	if g.waiting == nil {
		g.waiting = make(chan struct{})
		ch := g.waiting
		g.mu.Unlock()
		select {
		case <-ch:
		case <-time.After(200 * time.Millisecond):
		}
		return n, err
	}
	close(g.waiting)
	g.waiting = nil
	g.mu.Unlock()
	return n, err
}

func TestCheckDaily_ConcurrentChecksRespectCap(t *testing.T) {
	h := newHarness(t, Config{})
	gated := &gatedHistory{Store: h.store}
	h.engine = New(Config{Preferences: h.prefs, History: gated})
	ctx := context.Background()

	var wg sync.WaitGroup
	counts := make([]int, 2)
	errs := make([]error, 2)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			check, err := h.engine.CheckDaily(ctx, "u1")
			counts[i], errs[i] = check.Count, err
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
	}
	if total := counts[0] + counts[1]; total != 3 {
		t.Errorf("checks delivered %v, want 3 in total", counts)
	}
	logged, err := h.store.CountSuggestionsSince(ctx, "u1", h.now.Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if logged > DefaultDailyCap {
		t.Errorf("logged %d suggestions in 24h, cap is %d", logged, DefaultDailyCap)
	}
}

func TestCheckDaily_UsesHistoryClock(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.store.LogSuggestion(ctx, "u1", "other", nil, false)
	h.store.LogSuggestion(ctx, "u1", "other", nil, false)
	h.store.LogSuggestion(ctx, "u1", "other", nil, false)

	// Only the store clock moves; the engine must see the window expire.
	h.advance(25 * time.Hour)
	check, err := h.engine.CheckDaily(ctx, "u1")
	if err != nil {
		t.Fatalf("CheckDaily: %v", err)
	}
	if check.Count != 3 || !check.Timestamp.Equal(h.now) {
		t.Errorf("check = %d at %v, want 3 at %v", check.Count, check.Timestamp, h.now)
	}
}

func TestKindTables(t *testing.T) {
	for _, k := range Kinds {
		if k.Cooldown() <= 0 || k.BaseWeight() <= 0 {
			t.Errorf("%s has no rule", k)
		}
		if got, err := ParseKind(string(k)); err != nil || got != k {
			t.Errorf("ParseKind(%s) = %v, %v", k, got, err)
		}
	}
	if _, err := ParseKind("spam"); err == nil {
		t.Error("ParseKind accepted unknown kind")
	}
}
