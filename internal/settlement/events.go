package settlement

import (
	"time"

	"github.com/google/uuid"
)

// Event types published after a unit commits.
const (
	EventSpotBought     = "spot_bought"
	EventSpotSold       = "spot_sold"
	EventFutureOpened   = "future_opened"
	EventFutureClosed   = "future_closed"
	EventFutureExpired  = "future_expired"
	EventFundInvested   = "fund_invested"
	EventFundsDeposited = "funds_deposited"
	EventDividendPaid   = "dividend_paid"
)

// Event describes one committed settlement operation.
type Event struct {
	Type       string    `json:"type"`
	UserID     string    `json:"user_id"`
	Symbol     string    `json:"symbol,omitempty"`
	PositionID string    `json:"position_id,omitempty"`
	FundID     string    `json:"fund_id,omitempty"`
	Quantity   int64     `json:"quantity,omitempty"`
	Price      int64     `json:"price,omitempty"`
	Amount     int64     `json:"amount"` // signed wallet delta
	Balance    int64     `json:"balance"`
	At         time.Time `json:"at"`
}

// Notifier receives events for committed operations. Notify must not block.
type Notifier interface {
	Notify(Event)
}

func newID() string {
	return uuid.New().String()
}
