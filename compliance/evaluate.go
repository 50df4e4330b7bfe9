package compliance

import (
	"fmt"
	"time"

	"github.com/warp/shift-engine/domain"
)

// =============================================================================
// REQUEST / DECISION
// =============================================================================

// Work is one of the worker's other shifts, scheduled or completed. Only
// completed work starts the rest clock.
type Work struct {
	ShiftID   string
	Window    domain.Window
	Completed bool
}

type Request struct {
	Jurisdiction Jurisdiction
	Worker       Eligibility
	Role         string
	Window       domain.Window // the work being evaluated
	OfferedRate  domain.Money  // hourly
	Prior        []Work        // excludes the shift being evaluated
	Exemptions   []Exemption
}

type Outcome string

const (
	OutcomeAllow Outcome = "allow"
	OutcomeFlag  Outcome = "flag"
	OutcomeDeny  Outcome = "deny"
)

type Finding struct {
	Rule     Rule     `json:"rule"`
	Severity Severity `json:"severity"`
	Detail   string   `json:"detail"`
}

type Decision struct {
	Outcome Outcome   `json:"outcome"`
	Rule    Rule      `json:"rule,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	Flags   []Finding `json:"flags,omitempty"`
}

func (d Decision) Allowed() bool { return d.Outcome != OutcomeDeny }

// Err returns a *DeniedError for a deny and nil otherwise.
func (d Decision) Err() error {
	if d.Outcome != OutcomeDeny {
		return nil
	}
	return &DeniedError{Rule: d.Rule, Reason: d.Reason}
}

type DeniedError struct {
	Rule   Rule
	Reason string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("compliance denied: %s: %s", e.Rule, e.Reason)
}

func (e *DeniedError) Unwrap() error { return domain.ErrComplianceDenied }

// =============================================================================
// EVALUATE
// =============================================================================

// Evaluate runs every check in order and stops at the first deny.
func Evaluate(req Request) Decision {
	ev := evaluation{req: req}
	checks := []func() bool{
		ev.checkAge,
		ev.checkRightToWork,
		ev.checkVerification,
		ev.checkOverlap,
		ev.checkRest,
		ev.checkCaps,
		ev.checkMinimumWage,
	}
	for _, check := range checks {
		if !check() {
			return ev.decision
		}
	}
	if len(ev.decision.Flags) > 0 {
		ev.decision.Outcome = OutcomeFlag
	} else {
		ev.decision.Outcome = OutcomeAllow
	}
	return ev.decision
}

type evaluation struct {
	req      Request
	decision Decision
}

func (ev *evaluation) deny(rule Rule, format string, args ...any) bool {
	ev.decision.Outcome = OutcomeDeny
	ev.decision.Rule = rule
	ev.decision.Reason = fmt.Sprintf(format, args...)
	return false
}

func (ev *evaluation) flag(rule Rule, sev Severity, format string, args ...any) {
	ev.decision.Flags = append(ev.decision.Flags, Finding{Rule: rule, Severity: sev, Detail: fmt.Sprintf(format, args...)})
}

func (ev *evaluation) exempt(rule Rule) bool {
	for _, x := range ev.req.Exemptions {
		if x.WorkerID == ev.req.Worker.WorkerID && x.Covers(rule, ev.req.Window.Start) {
			return true
		}
	}
	return false
}

func (ev *evaluation) checkAge() bool {
	minAge := ev.req.Jurisdiction.MinimumAge
	if minAge <= 0 {
		return true
	}
	dob := ev.req.Worker.DateOfBirth
	if dob == nil {
		return ev.deny(RuleMinimumAge, "date of birth not verified")
	}
	if dob.AddDate(minAge, 0, 0).After(ev.req.Window.Start) {
		return ev.deny(RuleMinimumAge, "worker is under %d", minAge)
	}
	return true
}

func (ev *evaluation) checkRightToWork() bool {
	if !ev.req.Jurisdiction.RequiresRightToWork {
		return true
	}
	w := ev.req.Worker
	if w.RightToWork != CheckPassed {
		return ev.deny(RuleRightToWork, "right to work not verified")
	}
	if w.RightToWorkFrom != nil && ev.req.Window.Start.Before(*w.RightToWorkFrom) {
		return ev.deny(RuleRightToWork, "right to work starts %s", w.RightToWorkFrom.Format(time.DateOnly))
	}
	if w.RightToWorkUntil != nil && ev.req.Window.End.After(*w.RightToWorkUntil) {
		return ev.deny(RuleRightToWork, "right to work expires %s", w.RightToWorkUntil.Format(time.DateOnly))
	}
	return true
}

func (ev *evaluation) checkVerification() bool {
	if !ev.req.Jurisdiction.RequiresVerification {
		return true
	}
	if ev.req.Worker.Identity != CheckPassed {
		return ev.deny(RuleVerification, "identity not verified")
	}
	if ev.req.Worker.Background == CheckFailed {
		return ev.deny(RuleVerification, "background check failed")
	}
	return true
}

func (ev *evaluation) checkOverlap() bool {
	for _, p := range ev.req.Prior {
		if p.Window.Overlaps(ev.req.Window) {
			return ev.deny(RuleOverlap, "overlaps shift %s", p.ShiftID)
		}
	}
	return true
}

func (ev *evaluation) checkRest() bool {
	minRest := ev.req.Jurisdiction.MinRest
	if minRest <= 0 {
		return true
	}
	// Scheduled work is covered by the overlap and cap checks, and the
	// clock-in gate sees it again once it has been worked.
	var last *Work
	for i := range ev.req.Prior {
		p := &ev.req.Prior[i]
		if !p.Completed || p.Window.End.After(ev.req.Window.Start) {
			continue
		}
		if last == nil || p.Window.End.After(last.Window.End) {
			last = p
		}
	}
	if last == nil {
		return true
	}
	rest := ev.req.Window.Start.Sub(last.Window.End)
	if rest >= minRest || ev.exempt(RuleRestHours) {
		return true
	}
	return ev.deny(RuleRestHours, "%s rest since shift %s, %s required", rest.Round(time.Minute), last.ShiftID, minRest)
}

func (ev *evaluation) checkCaps() bool {
	j := ev.req.Jurisdiction
	minutes := int(ev.req.Window.Duration() / time.Minute)
	day := j.DayOf(ev.req.Window.Start)
	week := j.WeekOf(ev.req.Window.Start)
	dayStart, weekStart := day.Start, week.Start

	daily, weekly := minutes, minutes
	for _, p := range ev.req.Prior {
		daily += int(p.Window.Overlap(day) / time.Minute)
		weekly += int(p.Window.Overlap(week) / time.Minute)
	}

	if daily > j.MaxDailyMinutes {
		if !ev.exempt(RuleDailyHours) {
			return ev.deny(RuleDailyHours, "%d minutes on %s exceeds cap of %d", daily, dayStart.Format(time.DateOnly), j.MaxDailyMinutes)
		}
		ev.flag(RuleDailyHours, SeverityCritical, "%d minutes on %s above cap under exemption", daily, dayStart.Format(time.DateOnly))
	} else if j.OvertimeDailyMinutes > 0 && daily > j.OvertimeDailyMinutes {
		ev.flag(RuleOvertime, SeverityWarning, "%d minutes on %s above daily overtime threshold", daily, dayStart.Format(time.DateOnly))
	}

	if weekly > j.MaxWeeklyMinutes {
		if !ev.exempt(RuleWeeklyHours) {
			return ev.deny(RuleWeeklyHours, "%d minutes in week of %s exceeds cap of %d", weekly, weekStart.Format(time.DateOnly), j.MaxWeeklyMinutes)
		}
		ev.flag(RuleWeeklyHours, SeverityCritical, "%d minutes in week of %s above cap under exemption", weekly, weekStart.Format(time.DateOnly))
	} else if j.OvertimeWeeklyMinutes > 0 && weekly > j.OvertimeWeeklyMinutes {
		ev.flag(RuleOvertime, SeverityWarning, "%d minutes in week of %s above weekly overtime threshold", weekly, weekStart.Format(time.DateOnly))
	}
	return true
}

func (ev *evaluation) checkMinimumWage() bool {
	floor := ev.req.Jurisdiction.MinimumWageFor(ev.req.Role)
	if !floor.IsPositive() {
		return true
	}
	if ev.req.OfferedRate.LessThan(floor) {
		return ev.deny(RuleMinimumWage, "offered %s below minimum %s for %s", ev.req.OfferedRate, floor, ev.req.Role)
	}
	return true
}
