package tools

import (
	"context"
	"time"
)

// RegisterBuiltins adds the tools that need no external provider.
func RegisterBuiltins(r *Registry, now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	r.Register(&Tool{
		Name:        "current_time",
		Description: "Return the current local date and time. Optional input: timezone (IANA name).",
		Category:    CategoryInformation,
		Timeout:     time.Second,
		Handler: func(_ context.Context, input map[string]any) (map[string]any, error) {
			t := now()
			if tz, ok := input["timezone"].(string); ok && tz != "" {
				loc, err := time.LoadLocation(tz)
				if err != nil {
					return map[string]any{"success": false, "error": "unknown timezone " + tz}, nil
				}
				t = t.In(loc)
			}
			return map[string]any{
				"success":    true,
				"time":       t.Format(time.RFC3339),
				"weekday":    t.Weekday().String(),
				"confidence": 1.0,
			}, nil
		},
	})
}
