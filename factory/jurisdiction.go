/*
Package factory converts jurisdiction definitions into compliance rules.

PURPOSE:
  Labor rules change by law, not by release. Operations keep them in a
  YAML (or JSON) file and the factory turns each entry into a typed
  compliance.Jurisdiction that the registry validates.

SCHEMA:
  jurisdictions:
    - code: GB
      name: United Kingdom
      timezone: Europe/London
      currency: GBP
      minimum_wage_minor: 1144      # per hour, minor units
      minimum_age: 18
      min_rest: 11h
      max_daily_hours: 13
      max_weekly_hours: 48
      overtime:
        daily_hours: 10
        weekly_hours: 40
        multiplier: "1.5"
      break:
        after_hours: 6
        minutes: 30
      vat_rate: "0.20"
      reverse_charge: false
      requires_right_to_work: true
      requires_verification: true
      holidays: ["2026-12-25", "2026-12-26"]

  Rates are strings so they reach decimal.Decimal without passing
  through float64.

USAGE:
  f := factory.NewJurisdictionFactory()
  n, err := f.LoadFile("config/jurisdictions.yaml", registry)

SEE ALSO:
  - compliance/jurisdiction.go: Jurisdiction and Registry
*/
package factory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/warp/shift-engine/compliance"
	"github.com/warp/shift-engine/domain"
)

// =============================================================================
// SCHEMA TYPES
// =============================================================================

// File is the top-level document.
type File struct {
	Jurisdictions []JurisdictionYAML `yaml:"jurisdictions" json:"jurisdictions"`
}

type JurisdictionYAML struct {
	Code                 string           `yaml:"code" json:"code"`
	Name                 string           `yaml:"name" json:"name"`
	Timezone             string           `yaml:"timezone" json:"timezone"`
	Currency             string           `yaml:"currency" json:"currency"`
	MinimumWageMinor     int64            `yaml:"minimum_wage_minor" json:"minimum_wage_minor"`
	RoleMinimumWageMinor map[string]int64 `yaml:"role_minimum_wage_minor,omitempty" json:"role_minimum_wage_minor,omitempty"`
	MinimumAge           int              `yaml:"minimum_age" json:"minimum_age"`
	MinRest              string           `yaml:"min_rest" json:"min_rest"`
	MaxDailyHours        int              `yaml:"max_daily_hours" json:"max_daily_hours"`
	MaxWeeklyHours       int              `yaml:"max_weekly_hours" json:"max_weekly_hours"`
	Overtime             *OvertimeYAML    `yaml:"overtime,omitempty" json:"overtime,omitempty"`
	Break                *BreakYAML       `yaml:"break,omitempty" json:"break,omitempty"`
	VATRate              string           `yaml:"vat_rate" json:"vat_rate"`
	ReverseCharge        bool             `yaml:"reverse_charge,omitempty" json:"reverse_charge,omitempty"`
	RequiresRightToWork  bool             `yaml:"requires_right_to_work,omitempty" json:"requires_right_to_work,omitempty"`
	RequiresVerification bool             `yaml:"requires_verification,omitempty" json:"requires_verification,omitempty"`
	Holidays             []string         `yaml:"holidays,omitempty" json:"holidays,omitempty"`
}

type OvertimeYAML struct {
	DailyHours  int    `yaml:"daily_hours" json:"daily_hours"`
	WeeklyHours int    `yaml:"weekly_hours" json:"weekly_hours"`
	Multiplier  string `yaml:"multiplier" json:"multiplier"`
}

type BreakYAML struct {
	AfterHours int `yaml:"after_hours" json:"after_hours"`
	Minutes    int `yaml:"minutes" json:"minutes"`
}

// =============================================================================
// FACTORY
// =============================================================================

type JurisdictionFactory struct{}

func NewJurisdictionFactory() *JurisdictionFactory {
	return &JurisdictionFactory{}
}

// Parse reads a YAML document. YAML is a superset of JSON, so a JSON
// document parses too.
func (f *JurisdictionFactory) Parse(data []byte) ([]compliance.Jurisdiction, error) {
	var doc File
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse jurisdictions: %w", err)
	}
	return f.FromFile(doc)
}

func (f *JurisdictionFactory) FromFile(doc File) ([]compliance.Jurisdiction, error) {
	out := make([]compliance.Jurisdiction, 0, len(doc.Jurisdictions))
	seen := make(map[string]bool, len(doc.Jurisdictions))
	for i, jy := range doc.Jurisdictions {
		j, err := f.FromYAML(jy)
		if err != nil {
			return nil, fmt.Errorf("jurisdiction %d (%s): %w", i, jy.Code, err)
		}
		if seen[j.Code] {
			return nil, fmt.Errorf("jurisdiction %s defined twice", j.Code)
		}
		seen[j.Code] = true
		out = append(out, j)
	}
	return out, nil
}

// LoadFile parses path and registers every jurisdiction. It returns how
// many were registered.
func (f *JurisdictionFactory) LoadFile(path string, reg *compliance.Registry) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var js []compliance.Jurisdiction
	if strings.EqualFold(filepath.Ext(path), ".json") {
		var doc File
		if err := json.Unmarshal(data, &doc); err != nil {
			return 0, fmt.Errorf("failed to parse jurisdictions: %w", err)
		}
		js, err = f.FromFile(doc)
	} else {
		js, err = f.Parse(data)
	}
	if err != nil {
		return 0, err
	}
	for _, j := range js {
		if err := reg.Register(j); err != nil {
			return 0, fmt.Errorf("jurisdiction %s: %w", j.Code, err)
		}
	}
	return len(js), nil
}

// FromYAML converts one definition. Registry.Register validates the rest.
func (f *JurisdictionFactory) FromYAML(jy JurisdictionYAML) (compliance.Jurisdiction, error) {
	cur, err := domain.ParseCurrency(jy.Currency)
	if err != nil {
		return compliance.Jurisdiction{}, err
	}
	j := compliance.Jurisdiction{
		Code:                 strings.ToUpper(strings.TrimSpace(jy.Code)),
		Name:                 jy.Name,
		Timezone:             jy.Timezone,
		Currency:             cur,
		MinimumWage:          domain.NewMoney(jy.MinimumWageMinor, cur),
		MinimumAge:           jy.MinimumAge,
		MaxDailyMinutes:      jy.MaxDailyHours * 60,
		MaxWeeklyMinutes:     jy.MaxWeeklyHours * 60,
		OvertimeMultiplier:   decimal.NewFromInt(1),
		ReverseCharge:        jy.ReverseCharge,
		RequiresRightToWork:  jy.RequiresRightToWork,
		RequiresVerification: jy.RequiresVerification,
	}
	if len(jy.RoleMinimumWageMinor) > 0 {
		j.RoleMinimumWage = make(map[string]domain.Money, len(jy.RoleMinimumWageMinor))
		for role, minor := range jy.RoleMinimumWageMinor {
			j.RoleMinimumWage[role] = domain.NewMoney(minor, cur)
		}
	}
	if jy.MinRest != "" {
		if j.MinRest, err = time.ParseDuration(jy.MinRest); err != nil {
			return compliance.Jurisdiction{}, fmt.Errorf("invalid min_rest: %w", err)
		}
	}
	if j.VATRate, err = parseRate(jy.VATRate); err != nil {
		return compliance.Jurisdiction{}, fmt.Errorf("invalid vat_rate: %w", err)
	}
	if ot := jy.Overtime; ot != nil {
		j.OvertimeDailyMinutes = ot.DailyHours * 60
		j.OvertimeWeeklyMinutes = ot.WeeklyHours * 60
		if ot.Multiplier != "" {
			if j.OvertimeMultiplier, err = parseRate(ot.Multiplier); err != nil {
				return compliance.Jurisdiction{}, fmt.Errorf("invalid overtime multiplier: %w", err)
			}
		}
	}
	if j.OvertimeDailyMinutes == 0 {
		j.OvertimeDailyMinutes = j.MaxDailyMinutes
	}
	if j.OvertimeWeeklyMinutes == 0 {
		j.OvertimeWeeklyMinutes = j.MaxWeeklyMinutes
	}
	if b := jy.Break; b != nil {
		j.BreakAfterMinutes = b.AfterHours * 60
		j.BreakMinutes = b.Minutes
	}
	if len(jy.Holidays) > 0 {
		j.Holidays = make(map[string]bool, len(jy.Holidays))
		for _, h := range jy.Holidays {
			if _, err := time.Parse(time.DateOnly, h); err != nil {
				return compliance.Jurisdiction{}, fmt.Errorf("invalid holiday %q: %w", h, err)
			}
			j.Holidays[h] = true
		}
	}
	return j, nil
}

// ToYAML converts back for export.
func (f *JurisdictionFactory) ToYAML(j compliance.Jurisdiction) JurisdictionYAML {
	jy := JurisdictionYAML{
		Code:                 j.Code,
		Name:                 j.Name,
		Timezone:             j.Timezone,
		Currency:             string(j.Currency),
		MinimumWageMinor:     j.MinimumWage.Minor,
		MinimumAge:           j.MinimumAge,
		MaxDailyHours:        j.MaxDailyMinutes / 60,
		MaxWeeklyHours:       j.MaxWeeklyMinutes / 60,
		VATRate:              j.VATRate.String(),
		ReverseCharge:        j.ReverseCharge,
		RequiresRightToWork:  j.RequiresRightToWork,
		RequiresVerification: j.RequiresVerification,
		Overtime: &OvertimeYAML{
			DailyHours:  j.OvertimeDailyMinutes / 60,
			WeeklyHours: j.OvertimeWeeklyMinutes / 60,
			Multiplier:  j.OvertimeMultiplier.String(),
		},
	}
	if j.MinRest > 0 {
		jy.MinRest = j.MinRest.String()
	}
	if len(j.RoleMinimumWage) > 0 {
		jy.RoleMinimumWageMinor = make(map[string]int64, len(j.RoleMinimumWage))
		for role, w := range j.RoleMinimumWage {
			jy.RoleMinimumWageMinor[role] = w.Minor
		}
	}
	if j.BreakMinutes > 0 {
		jy.Break = &BreakYAML{AfterHours: j.BreakAfterMinutes / 60, Minutes: j.BreakMinutes}
	}
	for h := range j.Holidays {
		jy.Holidays = append(jy.Holidays, h)
	}
	return jy
}

func parseRate(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%s is negative", s)
	}
	return d, nil
}
