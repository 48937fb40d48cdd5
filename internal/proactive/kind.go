package proactive

import (
	"fmt"
	"time"
)

// Kind is a suggestion type.
type Kind string

const (
	KindTrafficAlert  Kind = "traffic_alert"
	KindPriceDrop     Kind = "price_drop"
	KindWeatherUpdate Kind = "weather_update"
	KindRouteReminder Kind = "route_reminder"
)

// Kinds lists every suggestion type in evaluation order.
var Kinds = []Kind{KindTrafficAlert, KindPriceDrop, KindWeatherUpdate, KindRouteReminder}

// ParseKind validates a suggestion type name.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown suggestion kind %q", s)
}

// Cooldown is the minimum time between two suggestions of this kind.
func (k Kind) Cooldown() time.Duration {
	switch k {
	case KindTrafficAlert:
		return 4 * time.Hour
	case KindPriceDrop:
		return 24 * time.Hour
	case KindWeatherUpdate:
		return 12 * time.Hour
	case KindRouteReminder:
		return 24 * time.Hour
	}
	panic("proactive: unhandled kind " + string(k))
}

// BaseWeight is the relevance of this kind before dismissal damping.
func (k Kind) BaseWeight() float64 {
	switch k {
	case KindTrafficAlert:
		return 0.9
	case KindPriceDrop:
		return 0.8
	case KindWeatherUpdate:
		return 0.6
	case KindRouteReminder:
		return 0.7
	}
	panic("proactive: unhandled kind " + string(k))
}
