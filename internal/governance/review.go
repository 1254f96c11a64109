package governance

import "time"

// ElapsedDays is the number of whole 24h periods between openedAt and now.
func ElapsedDays(openedAt, now time.Time) int {
	if !now.After(openedAt) {
		return 0
	}
	return int(now.Sub(openedAt) / day)
}

func EarliestMerge(openedAt time.Time, requiredDays int) time.Time {
	return openedAt.Add(time.Duration(requiredDays) * day)
}

func RemainingDays(openedAt time.Time, requiredDays int, now time.Time) int {
	return max(0, requiredDays-ElapsedDays(openedAt, now))
}

// ReviewPeriodMet reports whether a PR of the given tier has been open long
// enough. emergency is the scope's active emergency, or nil.
func (r Ruleset) ReviewPeriodMet(openedAt time.Time, t Tier, now time.Time, emergency *Emergency) bool {
	return ElapsedDays(openedAt, now) >= r.RequiredReviewDays(t, emergency)
}
