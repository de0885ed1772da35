package domain

import (
	"slices"
	"time"
)

// ExpiresAt returns the expiry for a registration lasting days, anchored at
// 11:59:59 UTC on the day of now.
func ExpiresAt(now time.Time, days int) time.Time {
	now = now.UTC()
	anchor := time.Date(now.Year(), now.Month(), now.Day(), 11, 59, 59, 0, time.UTC)
	return anchor.AddDate(0, 0, days)
}

// AllowedExpirations filters types to those selectable at tier, shortest first
func AllowedExpirations(types []ExpirationType, tier Tier) []ExpirationType {
	var allowed []ExpirationType
	for _, t := range types {
		if tier >= t.MinTier {
			allowed = append(allowed, t)
		}
	}
	slices.SortFunc(allowed, func(a, b ExpirationType) int { return a.Days - b.Days })
	return allowed
}
