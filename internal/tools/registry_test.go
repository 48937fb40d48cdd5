package tools

import (
	"context"
	"errors"
	"testing"
	"time"
)

func okHandler(out map[string]any) Handler {
	return func(context.Context, map[string]any) (map[string]any, error) {
		return out, nil
	}
}

func TestRegister_Validation(t *testing.T) {
	r := NewRegistry(0, nil)
	if err := r.Register(&Tool{Handler: okHandler(nil)}); err == nil {
		t.Error("expected error for unnamed tool")
	}
	if err := r.Register(&Tool{Name: "weather"}); err == nil {
		t.Error("expected error for missing handler")
	}
	if err := r.Register(&Tool{Name: "weather", Handler: okHandler(nil)}); err != nil {
		t.Errorf("Register: %v", err)
	}
}

func TestNamesSortedAndHas(t *testing.T) {
	r := NewRegistry(0, nil)
	for _, name := range []string{"weather", "deal_finder", "route_planner"} {
		r.Register(&Tool{Name: name, Handler: okHandler(nil)})
	}

	got := r.Names()
	want := []string{"deal_finder", "route_planner", "weather"}
	if len(got) != len(want) {
		t.Fatalf("Names() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Names()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if !r.Has("weather") || r.Has("teleport") {
		t.Error("Has() mismatch")
	}
}

func TestCategoryResolution(t *testing.T) {
	r := NewRegistry(0, nil)
	r.Register(&Tool{Name: "custom_booker", Category: CategoryAction, Handler: okHandler(nil)})
	r.Register(&Tool{Name: "weather", Category: CategoryAnalysis, Handler: okHandler(nil)})
	r.SetCategories(map[string]string{
		"news":        "analysis",
		"deal_finder": "bogus",
	})

	tests := []struct {
		tool string
		want Category
	}{
		{"custom_booker", CategoryAction},      // tool's own category
		{"weather", CategoryAnalysis},          // own category beats static table
		{"news", CategoryAnalysis},             // configured override
		{"deal_finder", CategoryAnalysis},      // bad override ignored, static table
		{"route_planner", CategoryAction},      // static table
		{"never_heard_of_it", CategoryInformation},
	}
	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			if got := r.Category(tt.tool); got != tt.want {
				t.Errorf("Category(%q) = %q, want %q", tt.tool, got, tt.want)
			}
		})
	}
}

func TestInvoke(t *testing.T) {
	r := NewRegistry(0, nil)
	r.Register(&Tool{
		Name: "echo",
		Handler: func(_ context.Context, in map[string]any) (map[string]any, error) {
			return map[string]any{"success": true, "echo": in["text"]}, nil
		},
	})

	out, err := r.Invoke(context.Background(), "echo", map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out["echo"] != "hi" {
		t.Errorf("echo = %v", out["echo"])
	}
}

func TestInvoke_Missing(t *testing.T) {
	r := NewRegistry(0, nil)
	_, err := r.Invoke(context.Background(), "teleport", nil)
	var unavailable *ErrToolUnavailable
	if !errors.As(err, &unavailable) {
		t.Fatalf("err = %v, want *ErrToolUnavailable", err)
	}
	if unavailable.ToolName != "teleport" {
		t.Errorf("ToolName = %q", unavailable.ToolName)
	}
}

func TestInvoke_Timeout(t *testing.T) {
	r := NewRegistry(time.Hour, nil)
	r.Register(&Tool{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Handler: func(ctx context.Context, _ map[string]any) (map[string]any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})

	start := time.Now()
	_, err := r.Invoke(context.Background(), "slow", nil)
	var timeout *ErrToolTimeout
	if !errors.As(err, &timeout) {
		t.Fatalf("err = %v, want *ErrToolTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("invoke took %v, want it bounded by the tool timeout", elapsed)
	}
}

func TestInvoke_CallerCancel(t *testing.T) {
	r := NewRegistry(0, nil)
	r.Register(&Tool{
		Name: "blocker",
		Handler: func(ctx context.Context, _ map[string]any) (map[string]any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Invoke(ctx, "blocker", nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestBuiltinCurrentTime(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 15, 4, 5, 0, time.UTC)
	r := NewRegistry(0, nil)
	RegisterBuiltins(r, func() time.Time { return fixed })

	out, err := r.Invoke(context.Background(), "current_time", nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out["time"] != "2026-03-01T15:04:05Z" || out["weekday"] != "Sunday" {
		t.Errorf("out = %v", out)
	}

	out, _ = r.Invoke(context.Background(), "current_time", map[string]any{"timezone": "Not/AZone"})
	if out["success"] != false {
		t.Errorf("bad timezone should report success=false: %v", out)
	}
}

func TestParseCategory(t *testing.T) {
	if c, ok := ParseCategory(" Action "); !ok || c != CategoryAction {
		t.Errorf("ParseCategory(Action) = %q, %v", c, ok)
	}
	if _, ok := ParseCategory("gossip"); ok {
		t.Error("ParseCategory accepted unknown category")
	}
}
