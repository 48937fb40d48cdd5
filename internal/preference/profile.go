package preference

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// ToneAuto is the default tone preference. It is not a persona mode,
// so it never overrides classification.
const ToneAuto = "auto"

// BudgetRange is a spending band.
type BudgetRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Profile is a user's explicit and promoted preferences.
type Profile struct {
	UserID            string          `json:"user_id"`
	HomeLocation      string          `json:"home_location"`
	PreferredAirports []string        `json:"preferred_airports"`
	BudgetRange       *BudgetRange    `json:"budget_range,omitempty"`
	FavoriteBrands    []string        `json:"favorite_brands"`
	FrequentCities    []string        `json:"frequent_cities"`
	TonePreference    string          `json:"tone_preference"`
	NotificationPrefs map[string]bool `json:"notification_prefs"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// GetProfile returns the user's profile, creating a default one on
// first access.
func (s *Store) GetProfile(ctx context.Context, userID string) (Profile, error) {
	now := millis(s.now())
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO user_profiles (user_id, tone_preference, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO NOTHING
	`, userID, ToneAuto, now, now); err != nil {
		return Profile{}, fmt.Errorf("create profile: %w", err)
	}

	var (
		p                        Profile
		airports, brands, cities string
		notify                   string
		budgetMin, budgetMax     sql.NullFloat64
		createdMs, updatedMs     int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, home_location, preferred_airports, budget_min, budget_max,
		       favorite_brands, frequent_cities, tone_preference, notification_prefs,
		       created_at, updated_at
		FROM user_profiles WHERE user_id = ?
	`, userID).Scan(&p.UserID, &p.HomeLocation, &airports, &budgetMin, &budgetMax,
		&brands, &cities, &p.TonePreference, &notify, &createdMs, &updatedMs)
	if err != nil {
		return Profile{}, fmt.Errorf("get profile: %w", err)
	}

	p.PreferredAirports = decodeList(airports)
	p.FavoriteBrands = decodeList(brands)
	p.FrequentCities = decodeList(cities)
	p.NotificationPrefs = map[string]bool{}
	_ = json.Unmarshal([]byte(notify), &p.NotificationPrefs)
	if budgetMin.Valid && budgetMax.Valid {
		p.BudgetRange = &BudgetRange{Min: budgetMin.Float64, Max: budgetMax.Float64}
	}
	p.CreatedAt = fromMillis(createdMs)
	p.UpdatedAt = fromMillis(updatedMs)
	return p, nil
}

// UpdateProfile writes every field of p and returns the stored result.
// An empty tone preference is stored as [ToneAuto].
func (s *Store) UpdateProfile(ctx context.Context, p Profile) (Profile, error) {
	if p.TonePreference == "" {
		p.TonePreference = ToneAuto
	}
	var budgetMin, budgetMax sql.NullFloat64
	if p.BudgetRange != nil {
		budgetMin = sql.NullFloat64{Float64: p.BudgetRange.Min, Valid: true}
		budgetMax = sql.NullFloat64{Float64: p.BudgetRange.Max, Valid: true}
	}
	now := millis(s.now())

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_profiles
			(user_id, home_location, preferred_airports, budget_min, budget_max,
			 favorite_brands, frequent_cities, tone_preference, notification_prefs,
			 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			home_location      = excluded.home_location,
			preferred_airports = excluded.preferred_airports,
			budget_min         = excluded.budget_min,
			budget_max         = excluded.budget_max,
			favorite_brands    = excluded.favorite_brands,
			frequent_cities    = excluded.frequent_cities,
			tone_preference    = excluded.tone_preference,
			notification_prefs = excluded.notification_prefs,
			updated_at         = excluded.updated_at
	`, p.UserID, p.HomeLocation, encodeJSON(nonNil(p.PreferredAirports), "[]"), budgetMin, budgetMax,
		encodeJSON(nonNil(p.FavoriteBrands), "[]"), encodeJSON(nonNil(p.FrequentCities), "[]"),
		p.TonePreference, encodeJSON(p.NotificationPrefs, "{}"), now, now)
	if err != nil {
		return Profile{}, fmt.Errorf("update profile: %w", err)
	}
	return s.GetProfile(ctx, p.UserID)
}

func nonNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}

func encodeJSON(v any, empty string) string {
	if v == nil {
		return empty
	}
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return empty
	}
	return string(b)
}

func decodeList(s string) []string {
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil || out == nil {
		return []string{}
	}
	return out
}

func decodeMap(s string) map[string]any {
	out := map[string]any{}
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

func decodeStringMap(s string) map[string]string {
	out := map[string]string{}
	_ = json.Unmarshal([]byte(s), &out)
	return out
}
