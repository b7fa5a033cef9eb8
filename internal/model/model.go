// Package model defines the core domain types shared across the settlement
// engine. All monetary values are int64 whole currency units; fractional
// quantities (fund units, quote prices) use shopspring/decimal, never float64.
package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TxType is the kind of event a LedgerEntry records. Quantities on entries
// are always non-negative; direction is encoded by the type alone.
type TxType string

const (
	TxBuySpot          TxType = "BUY_SPOT"
	TxSellSpot         TxType = "SELL_SPOT"
	TxBuyFutureLong    TxType = "BUY_FUTURE_LONG"
	TxSellFutureShort  TxType = "SELL_FUTURE_SHORT"
	TxCloseFutureLong  TxType = "CLOSE_FUTURE_LONG"
	TxCloseFutureShort TxType = "CLOSE_FUTURE_SHORT"
	TxFundInvest       TxType = "FUND_INVEST"
	TxAddFunds         TxType = "ADD_FUNDS"
	// TxMarginReserve is accepted when reading historical ledgers. New
	// futures entries carry their margin in Amount instead.
	TxMarginReserve TxType = "MARGIN_RESERVE"
	TxDividend      TxType = "DIVIDEND"
)

// Valid reports whether t is a known ledger type.
func (t TxType) Valid() bool {
	switch t {
	case TxBuySpot, TxSellSpot, TxBuyFutureLong, TxSellFutureShort,
		TxCloseFutureLong, TxCloseFutureShort, TxFundInvest, TxAddFunds,
		TxMarginReserve, TxDividend:
		return true
	}
	return false
}

// Side is the direction of a futures contract.
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// ParseSide accepts LONG or SHORT in any case.
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToUpper(strings.TrimSpace(s))) {
	case Long:
		return Long, nil
	case Short:
		return Short, nil
	}
	return "", &ValidationError{Message: "side must be LONG or SHORT"}
}

// OpenType is the ledger type written when a position on this side opens.
func (s Side) OpenType() TxType {
	if s == Short {
		return TxSellFutureShort
	}
	return TxBuyFutureLong
}

// CloseType is the ledger type written when a position on this side settles.
func (s Side) CloseType() TxType {
	if s == Short {
		return TxCloseFutureShort
	}
	return TxCloseFutureLong
}

// Wallet holds a user's cash. Balance never drops below zero in a committed state.
type Wallet struct {
	ID          string    `json:"id" db:"id"`
	UserID      string    `json:"user_id" db:"user_id"`
	Balance     int64     `json:"balance" db:"balance"`
	LastUpdated time.Time `json:"last_updated" db:"last_updated"`
}

// LedgerEntry is an immutable record of a monetary or position event.
// Once created, these are never modified or deleted.
type LedgerEntry struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	WalletID  string    `json:"wallet_id" db:"wallet_id"`
	StockID   string    `json:"stock_id,omitempty" db:"stock_id"` // empty for cash-only events
	Quantity  int64     `json:"quantity" db:"quantity"`
	Type      TxType    `json:"type" db:"type"`
	Amount    int64     `json:"amount" db:"amount"` // signed wallet delta
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Stock is a user's price reference for a symbol. Each user keeps their own
// row so that the last traded price is remembered per user.
type Stock struct {
	ID          string `json:"id" db:"id"`
	UserID      string `json:"user_id" db:"user_id"`
	Symbol      string `json:"symbol" db:"symbol"`
	CompanyName string `json:"company_name" db:"company_name"`
	Price       int64  `json:"price" db:"price"`
}

// FutureContract is unique per (StockID, ExpiryDate, ContractType).
type FutureContract struct {
	ID            string    `json:"id" db:"id"`
	StockID       string    `json:"stock_id" db:"stock_id"`
	ExpiryDate    time.Time `json:"expiry_date" db:"expiry_date"`
	ContractPrice int64     `json:"contract_price" db:"contract_price"`
	ContractType  Side      `json:"contract_type" db:"contract_type"`
}

// FuturePosition is an open leveraged position. The row exists only while
// the position is open.
type FuturePosition struct {
	ID         string    `json:"id" db:"id"`
	ContractID string    `json:"contract_id" db:"contract_id"`
	UserID     string    `json:"user_id" db:"user_id"`
	Quantity   int64     `json:"quantity" db:"quantity"`
	EntryPrice int64     `json:"entry_price" db:"entry_price"`
	OpenedAt   time.Time `json:"opened_at" db:"opened_at"`
}

// PositionView joins an open position with its contract and underlying stock.
type PositionView struct {
	Position FuturePosition `json:"position"`
	Contract FutureContract `json:"contract"`
	Symbol   string         `json:"symbol"`
	Price    int64          `json:"price"` // latest known price of the underlying
}

// Fund is an entry in the fund catalogue.
type Fund struct {
	ID           string `json:"id" db:"id"`
	Name         string `json:"name" db:"name"`
	Type         string `json:"type" db:"type"`
	NAV          int64  `json:"nav" db:"nav"`
	Consolidator string `json:"consolidator" db:"consolidator"`
}

// FundInvestment records one purchase of fund units. The unit count is not
// stored; see Units.
type FundInvestment struct {
	ID           string    `json:"id" db:"id"`
	FundID       string    `json:"fund_id" db:"fund_id"`
	UserID       string    `json:"user_id" db:"user_id"`
	AmountSpent  int64     `json:"amount_spent" db:"amount_spent"`
	UnitPrice    int64     `json:"unit_price" db:"unit_price"`
	PurchaseDate time.Time `json:"purchase_date" db:"purchase_date"`
	MaturityDate time.Time `json:"maturity_date" db:"maturity_date"`
}

// Units derives the unit count held by the investment, floored to 4 places.
func (fi FundInvestment) Units() decimal.Decimal {
	if fi.UnitPrice <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(fi.AmountSpent).
		DivRound(decimal.NewFromInt(fi.UnitPrice), 8).
		RoundDown(4)
}

// Dividend is a cash distribution credited for a held stock.
type Dividend struct {
	ID           string    `json:"id" db:"id"`
	UserID       string    `json:"user_id" db:"user_id"`
	StockID      string    `json:"stock_id" db:"stock_id"`
	Amount       int64     `json:"amount" db:"amount"`
	ReceivedDate time.Time `json:"received_date" db:"received_date"`
}

// Holding is a derived spot position, replayed from the ledger.
type Holding struct {
	StockID  string `json:"stock_id"`
	Symbol   string `json:"symbol"`
	Quantity int64  `json:"quantity"`
	Price    int64  `json:"price"`
	Value    int64  `json:"value"`
}

// Portfolio aggregates a user's cash, spot holdings and open futures.
type Portfolio struct {
	UserID        string           `json:"user_id"`
	Balance       int64            `json:"balance"`
	Holdings      []Holding        `json:"holdings"`
	Positions     []PositionView   `json:"positions"`
	Investments   []FundInvestment `json:"investments"`
	SpotValue     int64            `json:"spot_value"`
	MarginLocked  int64            `json:"margin_locked"`
	UnrealizedPnL int64            `json:"unrealized_pnl"`
}
