package shift

import (
	"time"

	"github.com/shopspring/decimal"
)

// Policy holds the platform's lifecycle tolerances and deadlines.
type Policy struct {
	AckWindow         time.Duration
	EarlyClockIn      time.Duration
	LateGrace         time.Duration
	LatenessFlagAfter time.Duration
	NoShowAfter       time.Duration
	GeofenceMeters    float64
	BillableGrace     time.Duration
	AutoApproveAfter  time.Duration
	ReleaseDelay      time.Duration
	MinDuration       time.Duration

	FullRefundNotice       time.Duration
	LateCancelNotice       time.Duration
	LateCancelPenaltyRate  decimal.Decimal
	NoShowCompensationRate decimal.Decimal
}

func DefaultPolicy() Policy {
	return Policy{
		AckWindow:              6 * time.Hour,
		EarlyClockIn:           15 * time.Minute,
		LateGrace:              10 * time.Minute,
		LatenessFlagAfter:      30 * time.Minute,
		NoShowAfter:            60 * time.Minute,
		GeofenceMeters:         150,
		BillableGrace:          15 * time.Minute,
		AutoApproveAfter:       72 * time.Hour,
		ReleaseDelay:           60 * time.Minute,
		MinDuration:            time.Hour,
		FullRefundNotice:       72 * time.Hour,
		LateCancelNotice:       24 * time.Hour,
		LateCancelPenaltyRate:  decimal.RequireFromString("0.5"),
		NoShowCompensationRate: decimal.RequireFromString("0.25"),
	}
}
