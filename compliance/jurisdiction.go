/*
Package compliance decides whether a worker may take or start a shift.

PURPOSE:
  Labor law differs per jurisdiction: minimum age, right-to-work, rest
  between shifts, daily and weekly caps, minimum wage. Evaluate turns a
  worker, a work window and the jurisdiction's rules into one of three
  outcomes:

    allow  - nothing to report
    flag   - transition proceeds, a Violation is recorded for follow-up
    deny   - transition refused with a DeniedError

KEY CONCEPTS:
  - Jurisdiction: read-mostly rule set, loaded from YAML by the factory
  - Eligibility: per-worker facts fed by the verification provider
  - Exemption: approved, time-boxed opt-out of one rule for one worker
  - Violation: a recorded flag, closed only by an administrator

CHECK ORDER (short-circuits on the first deny):
  1. minimum age, right-to-work window, identity verification
  2. rest since the worker's previous completed shift
  3. projected daily and weekly hours
  4. offered rate against the minimum wage for the role

SEE ALSO:
  - evaluate.go: the pure decision function
  - gate.go: the store-backed entry point used by the shift machine
*/
package compliance

import (
	"fmt"
	"sort"
	"sync"
	"time"
	_ "time/tzdata" // jurisdictions name IANA zones; hosts may lack a zoneinfo db

	"github.com/shopspring/decimal"

	"github.com/warp/shift-engine/domain"
)

// =============================================================================
// RULES
// =============================================================================

type Rule string

const (
	RuleMinimumAge   Rule = "minimum_age"
	RuleRightToWork  Rule = "right_to_work"
	RuleVerification Rule = "verification"
	RuleOverlap      Rule = "overlap"
	RuleRestHours    Rule = "rest_hours"
	RuleDailyHours   Rule = "daily_hours"
	RuleWeeklyHours  Rule = "weekly_hours"
	RuleOvertime     Rule = "overtime"
	RuleMinimumWage  Rule = "minimum_wage"
)

// Exemptible reports whether an approved exemption may cover the rule.
// Identity, age and wage rules never can.
func (r Rule) Exemptible() bool {
	switch r {
	case RuleRestHours, RuleDailyHours, RuleWeeklyHours:
		return true
	}
	return false
}

// =============================================================================
// JURISDICTION
// =============================================================================

type Jurisdiction struct {
	Code     string
	Name     string
	Timezone string
	Currency domain.Currency

	MinimumWage     domain.Money
	// RoleMinimumWage overrides MinimumWage for the named roles.
	RoleMinimumWage map[string]domain.Money
	MinimumAge      int
	MinRest         time.Duration

	MaxDailyMinutes  int
	MaxWeeklyMinutes int

	OvertimeDailyMinutes  int
	OvertimeWeeklyMinutes int
	OvertimeMultiplier    decimal.Decimal

	// Unpaid break of BreakMinutes once a shift exceeds BreakAfterMinutes.
	BreakAfterMinutes int
	BreakMinutes      int

	VATRate       decimal.Decimal
	ReverseCharge bool

	RequiresRightToWork  bool
	RequiresVerification bool

	// Holidays are local dates formatted as 2006-01-02.
	Holidays map[string]bool

	loc *time.Location
}

func (j Jurisdiction) Location() *time.Location {
	if j.loc != nil {
		return j.loc
	}
	return time.UTC
}

func (j Jurisdiction) Validate() error {
	if j.Code == "" {
		return domain.NewValidationError("jurisdiction.code", "required")
	}
	if !j.Currency.Valid() {
		return domain.NewValidationError("jurisdiction.currency", "invalid currency")
	}
	if j.MinimumWage.Currency != j.Currency {
		return domain.NewValidationError("jurisdiction.minimum_wage", "currency must match jurisdiction")
	}
	for role, w := range j.RoleMinimumWage {
		if w.Currency != j.Currency || w.IsNegative() {
			return domain.NewValidationError("jurisdiction.role_minimum_wage", role+": invalid amount")
		}
	}
	if j.MaxDailyMinutes <= 0 || j.MaxWeeklyMinutes <= 0 {
		return domain.NewValidationError("jurisdiction.caps", "daily and weekly caps are required")
	}
	if j.OvertimeDailyMinutes > j.MaxDailyMinutes || j.OvertimeWeeklyMinutes > j.MaxWeeklyMinutes {
		return domain.NewValidationError("jurisdiction.overtime", "overtime threshold above statutory cap")
	}
	if j.MinRest < 0 {
		return domain.NewValidationError("jurisdiction.min_rest", "must not be negative")
	}
	return nil
}

// MinimumWageFor returns the hourly floor for a role.
func (j Jurisdiction) MinimumWageFor(role string) domain.Money {
	if w, ok := j.RoleMinimumWage[role]; ok {
		return w
	}
	return j.MinimumWage
}

// BreakFor returns the unpaid break owed for a stretch of gross minutes.
func (j Jurisdiction) BreakFor(grossMinutes int) int {
	if j.BreakMinutes <= 0 || grossMinutes <= j.BreakAfterMinutes {
		return 0
	}
	return j.BreakMinutes
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry holds the loaded jurisdictions keyed by code.
type Registry struct {
	mu     sync.RWMutex
	byCode map[string]Jurisdiction
}

func NewRegistry() *Registry {
	return &Registry{byCode: make(map[string]Jurisdiction)}
}

func (r *Registry) Register(j Jurisdiction) error {
	if err := j.Validate(); err != nil {
		return err
	}
	tz := j.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return domain.NewValidationError("jurisdiction.timezone", fmt.Sprintf("%s: %v", tz, err))
	}
	j.loc = loc

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byCode[j.Code] = j
	return nil
}

func (r *Registry) Get(code string) (Jurisdiction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.byCode[code]
	if !ok {
		return Jurisdiction{}, domain.NewNotFound("jurisdiction", code)
	}
	return j, nil
}

func (r *Registry) List() []Jurisdiction {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Jurisdiction, 0, len(r.byCode))
	for _, j := range r.byCode {
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Code < out[b].Code })
	return out
}

// DayOf is the local calendar day containing t.
func (j Jurisdiction) DayOf(t time.Time) domain.Window {
	loc := j.Location()
	l := t.In(loc)
	start := time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, loc)
	return domain.Window{Start: start, End: start.AddDate(0, 0, 1)}
}

// WeekOf is the local ISO week (Monday start) containing t.
func (j Jurisdiction) WeekOf(t time.Time) domain.Window {
	day := j.DayOf(t)
	offset := (int(day.Start.Weekday()) + 6) % 7
	start := day.Start.AddDate(0, 0, -offset)
	return domain.Window{Start: start, End: start.AddDate(0, 0, 7)}
}
