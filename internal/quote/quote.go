// Package quote supplies market prices to the settlement engine. A Source
// answers with the latest quote or a daily price history; Yahoo fetches them
// over HTTP, WithFallback substitutes deterministic synthetic data when the
// upstream fails, and CachedSource puts Redis in front of either.
package quote

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNoResult is returned when the upstream answered without data for the symbol.
var ErrNoResult = errors.New("quote: no result")

// Quote is a price snapshot for one symbol.
type Quote struct {
	Symbol        string          `json:"symbol"`
	CompanyName   string          `json:"company_name"`
	Price         decimal.Decimal `json:"price"`
	PreviousClose decimal.Decimal `json:"previous_close"`
	Open          decimal.Decimal `json:"open"`
	High          decimal.Decimal `json:"high"`
	Low           decimal.Decimal `json:"low"`
	Volume        int64           `json:"volume"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	Currency      string          `json:"currency"`
	AsOf          time.Time       `json:"as_of"`
	// Fallback marks synthetic data produced because the upstream failed.
	Fallback bool `json:"fallback"`
}

// WholePrice truncates the quote to whole currency units, the precision the
// ledger works in.
func (q *Quote) WholePrice() int64 {
	return q.Price.Truncate(0).IntPart()
}

// fillChange derives Change and ChangePercent from Price and PreviousClose.
func (q *Quote) fillChange() {
	q.Change = q.Price.Sub(q.PreviousClose)
	if q.PreviousClose.IsZero() {
		q.ChangePercent = decimal.Zero
		return
	}
	q.ChangePercent = q.Change.Div(q.PreviousClose).Mul(decimal.NewFromInt(100)).Round(2)
}

// Bar is one day of price history.
type Bar struct {
	Date   time.Time       `json:"date"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume int64           `json:"volume"`
}

// Source is the quote collaborator.
type Source interface {
	GetQuote(ctx context.Context, symbol string) (*Quote, error)
	GetHistory(ctx context.Context, symbol, period string) ([]Bar, error)
}

var periodDays = map[string]int{
	"1d":  1,
	"5d":  5,
	"1mo": 30,
	"3mo": 90,
	"6mo": 180,
	"1y":  365,
}

// DefaultPeriod is used when a history request names no known period.
const DefaultPeriod = "1mo"

// NormalizePeriod maps unknown periods to DefaultPeriod.
func NormalizePeriod(period string) string {
	if _, ok := periodDays[period]; ok {
		return period
	}
	return DefaultPeriod
}

// PeriodDays is the number of days a history period spans.
func PeriodDays(period string) int {
	return periodDays[NormalizePeriod(period)]
}
