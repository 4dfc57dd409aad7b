package alerts

import (
	"fmt"
	"sort"
	"time"

	"github.com/dennisdiepolder/docqueue/backend/internal/types"
)

// Severity levels
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Thresholds configures the wait and load alert rules
type Thresholds struct {
	LongWait     time.Duration `validate:"gt=0"`
	CriticalWait time.Duration `validate:"gtfield=LongWait"`
	HighLoad     float64       `validate:"gt=0,lte=1"`
	CriticalLoad float64       `validate:"gtfield=HighLoad,lte=1"`
}

// DefaultThresholds returns 30/60 minute wait and 0.8/0.95 load thresholds
func DefaultThresholds() Thresholds {
	return Thresholds{
		LongWait:     30 * time.Minute,
		CriticalWait: 60 * time.Minute,
		HighLoad:     0.8,
		CriticalLoad: 0.95,
	}
}

// Alert is one triggered rule
type Alert struct {
	Rule     string  `json:"rule"`
	Severity string  `json:"severity"`
	Message  string  `json:"message"`
	Value    float64 `json:"value"`
}

// Check evaluates the alert rules against a snapshot. At most one alert
// is raised per rule, at the highest severity that applies.
func Check(snap types.SystemSnapshot, th Thresholds) []Alert {
	var alerts []Alert

	avg := minutes(snap.AverageWaitMinutes)
	if severity := waitSeverity(avg, th); severity != "" {
		alerts = append(alerts, Alert{
			Rule:     "wait_long",
			Severity: severity,
			Message:  fmt.Sprintf("Average wait %s", formatDuration(avg)),
			Value:    snap.AverageWaitMinutes,
		})
	}

	tiers := make([]string, 0, len(snap.TierAverageWait))
	for tier := range snap.TierAverageWait {
		tiers = append(tiers, tier)
	}
	sort.Strings(tiers)
	for _, tier := range tiers {
		wait := minutes(snap.TierAverageWait[tier])
		if severity := waitSeverity(wait, th); severity != "" {
			alerts = append(alerts, Alert{
				Rule:     "tier_wait_long",
				Severity: severity,
				Message:  fmt.Sprintf("%s tickets waiting %s on average", tier, formatDuration(wait)),
				Value:    snap.TierAverageWait[tier],
			})
		}
	}

	load := snap.Load()
	switch {
	case load >= th.CriticalLoad:
		alerts = append(alerts, Alert{
			Rule:     "load_high",
			Severity: SeverityCritical,
			Message:  fmt.Sprintf("%.0f%% of agents busy", load*100),
			Value:    load,
		})
	case load >= th.HighLoad:
		alerts = append(alerts, Alert{
			Rule:     "load_high",
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("%.0f%% of agents busy", load*100),
			Value:    load,
		})
	}

	if snap.TotalWaiting > 0 && snap.AgentsAvailable+snap.AgentsBusy == 0 {
		alerts = append(alerts, Alert{
			Rule:     "no_agents",
			Severity: SeverityCritical,
			Message:  fmt.Sprintf("%d tickets waiting with no agents logged in", snap.TotalWaiting),
			Value:    float64(snap.TotalWaiting),
		})
	}

	return alerts
}

// Highest returns the most severe level among alerts, or "" when none
func Highest(alerts []Alert) string {
	level := ""
	for _, a := range alerts {
		if a.Severity == SeverityCritical {
			return SeverityCritical
		}
		level = SeverityWarning
	}
	return level
}

func waitSeverity(wait time.Duration, th Thresholds) string {
	switch {
	case wait >= th.CriticalWait:
		return SeverityCritical
	case wait >= th.LongWait:
		return SeverityWarning
	}
	return ""
}

func minutes(m float64) time.Duration {
	return time.Duration(m * float64(time.Minute))
}

func formatDuration(d time.Duration) string {
	mins := int(d.Minutes())
	secs := int(d.Seconds()) % 60
	if mins >= 60 {
		hours := mins / 60
		mins = mins % 60
		return fmt.Sprintf("%dh%dm", hours, mins)
	}
	return fmt.Sprintf("%dm%ds", mins, secs)
}
