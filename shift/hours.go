package shift

import (
	"time"

	"github.com/warp/shift-engine/compliance"
)

// computeHours derives the hour breakdown for one clocked span. prior is
// the worker's other bookings; only those already worked count towards
// overtime thresholds.
func computeHours(p Policy, j compliance.Jurisdiction, s Shift, in, out time.Time, prior []Booking) Hours {
	gross := int(out.Sub(in) / time.Minute)
	if gross < 0 {
		gross = 0
	}
	brk := j.BreakFor(gross)
	if s.BreakMinutes != nil {
		brk = *s.BreakMinutes
	}
	if brk > gross {
		brk = gross
	}
	net := gross - brk
	billable := net
	if limit := s.ScheduledMinutes() + int(p.BillableGrace/time.Minute); billable > limit {
		billable = limit
	}

	day := j.DayOf(in)
	week := j.WeekOf(in)
	priorDay, priorWeek := 0, 0
	for _, b := range prior {
		if b.ShiftID == s.ID || !b.Status.Worked() || !b.Worked.Valid() {
			continue
		}
		if !b.Worked.Start.Before(day.Start) && b.Worked.Start.Before(day.End) {
			priorDay += b.Hours.BillableMinutes
		}
		if !b.Worked.Start.Before(week.Start) && b.Worked.Start.Before(week.End) {
			priorWeek += b.Hours.BillableMinutes
		}
	}

	overtime := 0
	if j.OvertimeDailyMinutes > 0 {
		overtime = over(priorDay+billable, j.OvertimeDailyMinutes, billable)
	}
	if j.OvertimeWeeklyMinutes > 0 {
		if w := over(priorWeek+billable, j.OvertimeWeeklyMinutes, billable); w > overtime {
			overtime = w
		}
	}

	return Hours{
		GrossMinutes:    gross,
		BreakMinutes:    brk,
		NetMinutes:      net,
		BillableMinutes: billable,
		OvertimeMinutes: overtime,
	}
}

// over is the part of total above threshold, capped at ceiling.
func over(total, threshold, ceiling int) int {
	n := total - threshold
	if n < 0 {
		return 0
	}
	if n > ceiling {
		return ceiling
	}
	return n
}
