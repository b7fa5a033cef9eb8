// Package display renders whole-unit ledger amounts for people.
package display

import (
	"strconv"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// Amount formats a whole-unit amount in currency, e.g. "₨1,250.00".
// Unknown currency codes fall back to the bare number and code.
func Amount(amount int64, currency string) string {
	cur := money.GetCurrency(currency)
	if cur == nil {
		return strconv.FormatInt(amount, 10) + " " + currency
	}
	factor, _ := decimal.NewFromInt(10).PowInt32(int32(cur.Fraction))
	minor := decimal.NewFromInt(amount).Mul(factor)
	return money.New(minor.IntPart(), cur.Code).Display()
}

// Signed is Amount with an explicit "+" on positive values.
func Signed(amount int64, currency string) string {
	if amount > 0 {
		return "+" + Amount(amount, currency)
	}
	return Amount(amount, currency)
}
