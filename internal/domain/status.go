package domain

import "time"

// ProjectStatus is a principal's manifest row: its self-reported usage,
// health and version marker. Written only by its owning principal, read by
// the peer and the coordination trigger evaluator.
type ProjectStatus struct {
	Principal       string
	VersionMarker   string
	TokensUsedToday int64
	DailyLimit      int64
	HealthScore     float64
	LastUpdate      time.Time
}

// UsagePct returns TokensUsedToday as a fraction of DailyLimit.
func (p ProjectStatus) UsagePct() float64 {
	if p.DailyLimit <= 0 {
		return 0
	}
	return float64(p.TokensUsedToday) / float64(p.DailyLimit)
}
