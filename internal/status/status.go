// Package status computes and caches entity status: rolling uptime per
// reporting period for monitors, composite status for groups, and the
// transition events that feed the notification dispatcher.
package status

import "time"

// Status is the computed health of a monitor or group.
type Status string

const (
	StatusUp       Status = "up"
	StatusDown     Status = "down"
	StatusDegraded Status = "degraded"
	StatusUnknown  Status = "unknown"
)

// Period is a reporting window for uptime figures.
type Period string

const (
	Period1h   Period = "1h"
	Period24h  Period = "24h"
	Period7d   Period = "7d"
	Period30d  Period = "30d"
	Period90d  Period = "90d"
	Period365d Period = "365d"
)

// Periods lists every reporting window in ascending order.
var Periods = []Period{Period1h, Period24h, Period7d, Period30d, Period90d, Period365d}

// Duration returns the window length. Unknown periods return 0.
func (p Period) Duration() time.Duration {
	switch p {
	case Period1h:
		return time.Hour
	case Period24h:
		return 24 * time.Hour
	case Period7d:
		return 7 * 24 * time.Hour
	case Period30d:
		return 30 * 24 * time.Hour
	case Period90d:
		return 90 * 24 * time.Hour
	case Period365d:
		return 365 * 24 * time.Hour
	}
	return 0
}

// ParsePeriod validates a period string from a query parameter.
func ParsePeriod(s string) (Period, bool) {
	p := Period(s)
	return p, p.Duration() != 0
}

// ChildCounters summarizes the direct children of a group at evaluation
// time.
type ChildCounters struct {
	Up      int `json:"up"`
	Down    int `json:"down"`
	Unknown int `json:"unknown"`
	Total   int `json:"total"`
}

// StatusData is the cached evaluation result for one entity.
type StatusData struct {
	SourceType string             `json:"sourceType"` // "monitor" or "group"
	ID         string             `json:"id"`
	Name       string             `json:"name"`
	Status     Status             `json:"status"`
	Latency    *float64           `json:"latency"`
	LastCheck  time.Time          `json:"lastCheck"`
	Uptime     map[Period]float64 `json:"uptime"`
	Children   *ChildCounters     `json:"children,omitempty"`
	UpdatedAt  time.Time          `json:"updatedAt"`
}
