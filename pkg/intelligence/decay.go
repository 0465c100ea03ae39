// Package intelligence scores memories against the current query context,
// decides which ones to forget, and resolves contradictory facts.
package intelligence

import (
	"math"
	"time"
)

// RecencyBonus returns the retention of a memory last accessed at last,
// evaluated at now, on an exponential forgetting curve:
//
//	R = e^(-decay_rate * days_elapsed)
//
// The result is in (0, 1]. An access stamped after now counts as current.
func RecencyBonus(decayRate float64, last, now time.Time) float64 {
	days := now.Sub(last).Hours() / 24.0
	if days < 0 {
		days = 0
	}

	retention := math.Exp(-decayRate * days)
	if retention > 1.0 {
		return 1.0
	}
	if retention < 0.0 {
		return 0.0
	}
	return retention
}

// HalfLife returns how long it takes the recency bonus to halve at the
// given decay rate. A non-positive rate never decays and returns 0.
func HalfLife(decayRate float64) time.Duration {
	if decayRate <= 0 {
		return 0
	}
	days := math.Ln2 / decayRate
	return time.Duration(days * 24 * float64(time.Hour))
}
