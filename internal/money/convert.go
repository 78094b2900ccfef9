// Package money holds the pure conversion arithmetic between the local
// currency and USDT. No state, no rounding: callers round at render time.
package money

import "github.com/shopspring/decimal"

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// ToUSDT converts a local-currency amount into USDT:
//
//	usdt = local * (1 - feePercent/100) / rate
//
// A zero rate means "unset" in the product and yields zero rather than an
// error; rejecting operations on an unset rate is the caller's job.
func ToUSDT(local, rate, feePercent decimal.Decimal) decimal.Decimal {
	if rate.IsZero() {
		return decimal.Zero
	}
	return local.Mul(one.Sub(feePercent.Div(hundred))).Div(rate)
}

// FromUSDT converts a USDT-denominated amount back into local currency:
//
//	local = usdt * rate / (1 - feePercent/100)
//
// Returns zero when the fee factor is zero (feePercent == 100).
func FromUSDT(usdt, rate, feePercent decimal.Decimal) decimal.Decimal {
	factor := one.Sub(feePercent.Div(hundred))
	if factor.IsZero() {
		return decimal.Zero
	}
	return usdt.Mul(rate).Div(factor)
}
