package pricing

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/shift-engine/domain"
)

type Urgency string

const (
	UrgencyNormal   Urgency = "normal"
	UrgencyUrgent   Urgency = "urgent"
	UrgencyCritical Urgency = "critical"
)

func (u Urgency) Valid() bool {
	switch u {
	case "", UrgencyNormal, UrgencyUrgent, UrgencyCritical:
		return true
	}
	return false
}

// Conditions are the timing facts that drive the time surge.
type Conditions struct {
	Night   bool    `json:"night"`
	Weekend bool    `json:"weekend"`
	Holiday bool    `json:"holiday"`
	Urgency Urgency `json:"urgency"`
}

// TimeSurge takes the largest applicable calendar surge, then applies the
// urgency uplift on top. Calendar surges do not stack.
func (c Config) TimeSurge(cond Conditions) decimal.Decimal {
	surge := one
	if cond.Night && c.NightSurge.GreaterThan(surge) {
		surge = c.NightSurge
	}
	if cond.Weekend && c.WeekendSurge.GreaterThan(surge) {
		surge = c.WeekendSurge
	}
	if cond.Holiday && c.HolidaySurge.GreaterThan(surge) {
		surge = c.HolidaySurge
	}
	switch cond.Urgency {
	case UrgencyUrgent:
		surge = surge.Mul(c.UrgentSurge)
	case UrgencyCritical:
		surge = surge.Mul(c.CriticalSurge)
	}
	return surge
}

// Classify derives calendar conditions for a shift window evaluated in the
// jurisdiction's local time. holidays holds local dates as "2006-01-02".
func (c Config) Classify(w domain.Window, loc *time.Location, holidays map[string]bool, urgency Urgency) Conditions {
	if loc == nil {
		loc = time.UTC
	}
	start := w.Start.In(loc)
	end := w.End.In(loc)

	cond := Conditions{Urgency: urgency}
	cond.Weekend = isWeekend(start) || isWeekend(end.Add(-time.Minute))
	cond.Holiday = holidays[start.Format("2006-01-02")] || holidays[end.Add(-time.Minute).Format("2006-01-02")]

	// A shift counts as a night shift when any part of it falls in the
	// night band. Walk in 30 minute steps, enough for hour-granular bands.
	for t := start; t.Before(end); t = t.Add(30 * time.Minute) {
		if c.isNight(t.Hour()) {
			cond.Night = true
			break
		}
	}
	return cond
}

func (c Config) isNight(hour int) bool {
	if c.NightStart == c.NightEnd {
		return false
	}
	if c.NightStart > c.NightEnd {
		return hour >= c.NightStart || hour < c.NightEnd
	}
	return hour >= c.NightStart && hour < c.NightEnd
}

func isWeekend(t time.Time) bool {
	return t.Weekday() == time.Saturday || t.Weekday() == time.Sunday
}

// UrgencyFor classifies the posting lead time. Shifts starting within 4
// hours are critical, within 24 hours urgent.
func UrgencyFor(now, start time.Time) Urgency {
	lead := start.Sub(now)
	switch {
	case lead < 4*time.Hour:
		return UrgencyCritical
	case lead < 24*time.Hour:
		return UrgencyUrgent
	default:
		return UrgencyNormal
	}
}
