// Package calc holds the margin, profit/loss and fund-unit arithmetic used by
// the settlement engine. Every function is pure and synchronous.
//
// Intermediate products are computed with shopspring/decimal so that rounding
// happens exactly once, in the documented direction.
package calc

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/estocks/settlement-engine/internal/model"
)

// UnitPlaces is the number of decimal places fund units are truncated to.
const UnitPlaces = 4

// DefaultMarginRate is the share of notional withheld to open a futures position.
var DefaultMarginRate = decimal.RequireFromString("0.15")

var (
	// ErrInvalidNAV is returned when a fund price is not positive.
	ErrInvalidNAV = errors.New("calc: nav must be positive")
	// ErrInvalidRate is returned for a margin rate outside (0, 1].
	ErrInvalidRate = errors.New("calc: margin rate must be in (0, 1]")
	// ErrOverflow is returned when an amount does not fit in int64 minor
	// units. It matches model.ErrInvalidAmount.
	ErrOverflow = fmt.Errorf("%w: amount out of range", model.ErrInvalidAmount)
)

var (
	minAmount = decimal.NewFromInt(math.MinInt64)
	maxAmount = decimal.NewFromInt(math.MaxInt64)
)

func toAmount(d decimal.Decimal) (int64, error) {
	if d.LessThan(minAmount) || d.GreaterThan(maxAmount) {
		return 0, ErrOverflow
	}
	return d.IntPart(), nil
}

// Mul returns a × b, or ErrOverflow.
func Mul(a, b int64) (int64, error) {
	return toAmount(decimal.NewFromInt(a).Mul(decimal.NewFromInt(b)))
}

// Add returns a + b, or ErrOverflow.
func Add(a, b int64) (int64, error) {
	return toAmount(decimal.NewFromInt(a).Add(decimal.NewFromInt(b)))
}

// Sub returns a - b, or ErrOverflow.
func Sub(a, b int64) (int64, error) {
	return toAmount(decimal.NewFromInt(a).Sub(decimal.NewFromInt(b)))
}

// ValidateRate checks a configured margin rate.
func ValidateRate(rate decimal.Decimal) error {
	if !rate.IsPositive() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return ErrInvalidRate
	}
	return nil
}

// Notional is price × quantity, the full economic value of a position.
func Notional(price, quantity int64) (int64, error) {
	return Mul(price, quantity)
}

// RequiredMargin returns ceil(price × quantity × 0.15).
func RequiredMargin(price, quantity int64) (int64, error) {
	return RequiredMarginAt(price, quantity, DefaultMarginRate)
}

// RequiredMarginAt returns ceil(price × quantity × rate). The ceiling keeps a
// position from ever being under-collateralised by a fraction of a unit.
func RequiredMarginAt(price, quantity int64, rate decimal.Decimal) (int64, error) {
	return toAmount(decimal.NewFromInt(price).
		Mul(decimal.NewFromInt(quantity)).
		Mul(rate).
		Ceil())
}

// ProfitLoss is the signed gain of a position closed at exitPrice.
func ProfitLoss(entryPrice, exitPrice, quantity int64, side model.Side) (int64, error) {
	move := decimal.NewFromInt(exitPrice).Sub(decimal.NewFromInt(entryPrice))
	if side == model.Short {
		move = move.Neg()
	}
	return toAmount(move.Mul(decimal.NewFromInt(quantity)))
}

// SettlementAmount is the margin returned plus profit/loss. It is negative
// when the loss exceeds the margin.
func SettlementAmount(entryPrice, quantity, exitPrice int64, side model.Side) (int64, error) {
	return SettlementAmountAt(entryPrice, quantity, exitPrice, side, DefaultMarginRate)
}

// SettlementAmountAt is SettlementAmount for a configured margin rate.
func SettlementAmountAt(entryPrice, quantity, exitPrice int64, side model.Side, rate decimal.Decimal) (int64, error) {
	margin, err := RequiredMarginAt(entryPrice, quantity, rate)
	if err != nil {
		return 0, err
	}
	pnl, err := ProfitLoss(entryPrice, exitPrice, quantity, side)
	if err != nil {
		return 0, err
	}
	return Add(margin, pnl)
}

// FundPurchase is the outcome of converting cash into fund units.
type FundPurchase struct {
	RawUnits decimal.Decimal // amount / nav, untruncated
	Units    decimal.Decimal // floored to UnitPlaces
	Used     int64           // floor(Units × nav), never more than the amount offered
}

// FundUnits converts amount into fund units at nav. Units are
// floored to four places and the cash actually used is recomputed from the
// truncated unit count, so the remainder stays with the investor.
func FundUnits(amount, nav int64) (FundPurchase, error) {
	if amount <= 0 {
		return FundPurchase{}, model.ErrInvalidAmount
	}
	if nav <= 0 {
		return FundPurchase{}, ErrInvalidNAV
	}

	navD := decimal.NewFromInt(nav)
	// Enough guard digits that the 4-place floor below is exact.
	raw := decimal.NewFromInt(amount).DivRound(navD, UnitPlaces+12)
	units := raw.RoundDown(UnitPlaces)
	if !units.IsPositive() {
		return FundPurchase{RawUnits: raw}, model.ErrAmountTooSmall
	}

	used := units.Mul(navD).Floor().IntPart()
	if used <= 0 {
		return FundPurchase{RawUnits: raw, Units: units}, model.ErrAmountTooSmall
	}

	return FundPurchase{RawUnits: raw, Units: units, Used: used}, nil
}
