/*
Package pricing computes what a shift costs and what it pays.

PURPOSE:
  A pure function from shift attributes and market conditions to a rate
  breakdown: dynamic hourly rate, worker pay, platform fee, VAT, the total
  business cost and the escrow amount held against it. Nothing here reads
  a clock, a store or the network.

KEY CONCEPTS:
  - Surge multiplier: time_surge × (1 + demand_surge) × (1 + event_surge),
    clamped to Config.SurgeCeiling
  - Dynamic rate: max(base_rate, minimum_wage) × surge_multiplier
  - Contingency: the buffer held in escrow above the total business cost

ROUNDING:
  Every amount is computed in minor units with decimal.Decimal and rounded
  half-up exactly once, when the field is materialised. Downstream fields
  are derived from the unrounded values, never from a rounded sibling.

  The one exception is the contingency buffer, which is taken as
  escrow - total after both are rounded so the escrow identity holds to
  the minor unit.

EXAMPLE:
  base 15.00/h, demand surge 0.25, fee 35%, VAT 18%, 4h, 1 worker
    dynamic_rate   18.75
    worker pay     75.00
    platform fee   26.25
    VAT            18.23   (18.225 rounded once)
    total         119.48

SEE ALSO:
  - conditions.go: time-of-day, weekend, holiday and urgency classification
  - fees.go: settlement-time fee recomputation on billable pay
*/
package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/warp/shift-engine/domain"
)

var (
	one   = decimal.NewFromInt(1)
	sixty = decimal.NewFromInt(60)
)

// =============================================================================
// CONFIG - Platform-wide rates
// =============================================================================

type Config struct {
	PlatformFeeRate decimal.Decimal
	ContingencyRate decimal.Decimal
	SurgeCeiling    decimal.Decimal

	NightSurge   decimal.Decimal
	WeekendSurge decimal.Decimal
	HolidaySurge decimal.Decimal
	NightStart   int // local hour, inclusive
	NightEnd     int // local hour, exclusive

	UrgentSurge   decimal.Decimal
	CriticalSurge decimal.Decimal
}

func DefaultConfig() Config {
	return Config{
		PlatformFeeRate: decimal.RequireFromString("0.35"),
		ContingencyRate: decimal.RequireFromString("0.10"),
		SurgeCeiling:    decimal.RequireFromString("2.5"),
		NightSurge:      decimal.RequireFromString("1.15"),
		WeekendSurge:    decimal.RequireFromString("1.10"),
		HolidaySurge:    decimal.RequireFromString("1.50"),
		NightStart:      22,
		NightEnd:        6,
		UrgentSurge:     decimal.RequireFromString("1.10"),
		CriticalSurge:   decimal.RequireFromString("1.25"),
	}
}

func (c Config) Validate() error {
	if c.PlatformFeeRate.IsNegative() || c.PlatformFeeRate.GreaterThanOrEqual(one) {
		return domain.NewValidationError("platform_fee_rate", "must be in [0, 1)")
	}
	if c.ContingencyRate.IsNegative() {
		return domain.NewValidationError("contingency_rate", "must not be negative")
	}
	if c.SurgeCeiling.LessThan(one) {
		return domain.NewValidationError("surge_ceiling", "must be at least 1")
	}
	return nil
}

// =============================================================================
// INPUT / BREAKDOWN
// =============================================================================

type Input struct {
	BaseRate    domain.Money // per hour
	MinimumWage domain.Money // per hour, jurisdiction floor
	Minutes     int          // scheduled duration per worker
	Workers     int

	Conditions Conditions

	// DemandSurge and EventSurge are fractional uplifts, 0.25 means +25%.
	DemandSurge decimal.Decimal
	EventSurge  decimal.Decimal

	VATRate       decimal.Decimal
	ReverseCharge bool
}

// Breakdown is the pricing snapshot stored on a shift.
type Breakdown struct {
	Currency domain.Currency `json:"currency"`

	BaseRate      domain.Money `json:"base_rate"`
	MinimumWage   domain.Money `json:"minimum_wage"`
	EffectiveBase domain.Money `json:"effective_base"`

	TimeSurge       decimal.Decimal `json:"time_surge"`
	DemandSurge     decimal.Decimal `json:"demand_surge"`
	EventSurge      decimal.Decimal `json:"event_surge"`
	SurgeMultiplier decimal.Decimal `json:"surge_multiplier"`
	SurgeClamped    bool            `json:"surge_clamped"`

	DynamicRate domain.Money `json:"dynamic_rate"`
	FinalRate   domain.Money `json:"final_rate"`

	Minutes int `json:"minutes"`
	Workers int `json:"workers"`

	BaseWorkerPay     domain.Money `json:"base_worker_pay"`
	PlatformFee       domain.Money `json:"platform_fee"`
	VAT               domain.Money `json:"vat"`
	TotalBusinessCost domain.Money `json:"total_business_cost"`
	Contingency       domain.Money `json:"contingency"`
	EscrowAmount      domain.Money `json:"escrow_amount"`

	PlatformFeeRate decimal.Decimal `json:"platform_fee_rate"`
	VATRate         decimal.Decimal `json:"vat_rate"`
	ReverseCharge   bool            `json:"reverse_charge"`
	ContingencyRate decimal.Decimal `json:"contingency_rate"`
}

// PerWorkerPay is the scheduled pay of one slot.
func (b Breakdown) PerWorkerPay() domain.Money {
	if b.Workers <= 0 {
		return domain.Zero(b.Currency)
	}
	return b.BaseWorkerPay.Split(b.Workers)[0]
}

// =============================================================================
// CALCULATE
// =============================================================================

func Calculate(cfg Config, in Input) (Breakdown, error) {
	if err := validateInput(in); err != nil {
		return Breakdown{}, err
	}
	cur := in.BaseRate.Currency

	effective := in.BaseRate.Max(in.MinimumWage)

	timeSurge := cfg.TimeSurge(in.Conditions)
	surge := timeSurge.Mul(one.Add(in.DemandSurge)).Mul(one.Add(in.EventSurge))
	clamped := false
	if cfg.SurgeCeiling.IsPositive() && surge.GreaterThan(cfg.SurgeCeiling) {
		surge = cfg.SurgeCeiling
		clamped = true
	}

	rate := effective.Decimal().Mul(surge)
	hours := decimal.NewFromInt(int64(in.Minutes)).Div(sixty)
	pay := rate.Mul(hours).Mul(decimal.NewFromInt(int64(in.Workers)))
	fee := pay.Mul(cfg.PlatformFeeRate)

	vatRate := in.VATRate
	if in.ReverseCharge {
		vatRate = decimal.Zero
	}
	vat := pay.Add(fee).Mul(vatRate)
	total := pay.Add(fee).Add(vat)
	escrowAmt := total.Mul(one.Add(cfg.ContingencyRate))

	b := Breakdown{
		Currency:          cur,
		BaseRate:          in.BaseRate,
		MinimumWage:       in.MinimumWage,
		EffectiveBase:     effective,
		TimeSurge:         timeSurge,
		DemandSurge:       in.DemandSurge,
		EventSurge:        in.EventSurge,
		SurgeMultiplier:   surge,
		SurgeClamped:      clamped,
		DynamicRate:       domain.FromDecimal(rate, cur),
		Minutes:           in.Minutes,
		Workers:           in.Workers,
		BaseWorkerPay:     domain.FromDecimal(pay, cur),
		PlatformFee:       domain.FromDecimal(fee, cur),
		VAT:               domain.FromDecimal(vat, cur),
		TotalBusinessCost: domain.FromDecimal(total, cur),
		EscrowAmount:      domain.FromDecimal(escrowAmt, cur),
		PlatformFeeRate:   cfg.PlatformFeeRate,
		VATRate:           vatRate,
		ReverseCharge:     in.ReverseCharge,
		ContingencyRate:   cfg.ContingencyRate,
	}
	b.FinalRate = b.DynamicRate
	b.Contingency = b.EscrowAmount.Sub(b.TotalBusinessCost)
	if b.EscrowAmount.LessThan(b.TotalBusinessCost) {
		return Breakdown{}, domain.NewInvariant("pricing", "", "escrow below total business cost")
	}
	return b, nil
}

func validateInput(in Input) error {
	if !in.BaseRate.Currency.Valid() {
		return domain.NewValidationError("base_rate.currency", "invalid currency")
	}
	if !in.BaseRate.IsPositive() {
		return domain.NewValidationError("base_rate", "must be positive")
	}
	if in.MinimumWage.Currency != "" && in.MinimumWage.Currency != in.BaseRate.Currency {
		return domain.NewValidationError("minimum_wage.currency", "must match base rate currency")
	}
	if in.Minutes <= 0 {
		return domain.NewValidationError("minutes", "must be positive")
	}
	if in.Workers <= 0 {
		return domain.NewValidationError("workers", "must be positive")
	}
	if in.DemandSurge.IsNegative() || in.EventSurge.IsNegative() {
		return domain.NewValidationError("surge", "must not be negative")
	}
	if in.VATRate.IsNegative() {
		return domain.NewValidationError("vat_rate", "must not be negative")
	}
	return nil
}

// Changed reports whether a reprice moved the rate the worker would see.
func Changed(prev, next Breakdown) bool {
	return !prev.SurgeMultiplier.Equal(next.SurgeMultiplier) || prev.FinalRate != next.FinalRate
}

// =============================================================================
// DEMAND
// =============================================================================

// DemandSurge maps an open-shifts to available-workers ratio for the
// role and area onto a fractional uplift.
func DemandSurge(ratio decimal.Decimal) decimal.Decimal {
	switch {
	case ratio.GreaterThanOrEqual(decimal.NewFromInt(3)):
		return decimal.RequireFromString("0.50")
	case ratio.GreaterThanOrEqual(decimal.NewFromInt(2)):
		return decimal.RequireFromString("0.25")
	case ratio.GreaterThanOrEqual(decimal.RequireFromString("1.5")):
		return decimal.RequireFromString("0.10")
	default:
		return decimal.Zero
	}
}
