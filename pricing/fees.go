package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/warp/shift-engine/domain"
)

// FeeSplit is the business-side charge on top of an actual worker payout.
type FeeSplit struct {
	WorkerPay   domain.Money
	PlatformFee domain.Money
	VAT         domain.Money
}

func (f FeeSplit) Total() domain.Money { return f.WorkerPay.Add(f.PlatformFee).Add(f.VAT) }

// Retained is what the platform keeps: its fee plus the VAT it remits.
func (f FeeSplit) Retained() domain.Money { return f.PlatformFee.Add(f.VAT) }

// Fees recomputes fee and VAT for a worker pay amount known only at
// settlement, using the rates frozen in the shift's snapshot.
func (b Breakdown) Fees(pay domain.Money) FeeSplit {
	return Fees(pay, b.PlatformFeeRate, b.VATRate, b.ReverseCharge)
}

func Fees(pay domain.Money, feeRate, vatRate decimal.Decimal, reverseCharge bool) FeeSplit {
	p := pay.Decimal()
	fee := p.Mul(feeRate)
	vat := decimal.Zero
	if !reverseCharge {
		vat = p.Add(fee).Mul(vatRate)
	}
	return FeeSplit{
		WorkerPay:   pay,
		PlatformFee: domain.FromDecimal(fee, pay.Currency),
		VAT:         domain.FromDecimal(vat, pay.Currency),
	}
}

// PayFor prices worked minutes at the snapshot's final rate.
func (b Breakdown) PayFor(minutes int) domain.Money {
	if minutes <= 0 {
		return domain.Zero(b.Currency)
	}
	return domain.FromDecimal(b.FinalRate.Decimal().Mul(decimal.NewFromInt(int64(minutes))).Div(sixty), b.Currency)
}

// OvertimePay prices overtime minutes at the premium part only, the base
// part is already inside PayFor.
func (b Breakdown) OvertimePay(minutes int, multiplier decimal.Decimal) domain.Money {
	if minutes <= 0 || multiplier.LessThanOrEqual(one) {
		return domain.Zero(b.Currency)
	}
	premium := b.FinalRate.Decimal().Mul(multiplier.Sub(one))
	return domain.FromDecimal(premium.Mul(decimal.NewFromInt(int64(minutes))).Div(sixty), b.Currency)
}
