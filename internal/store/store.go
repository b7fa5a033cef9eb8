// Package store defines the persistence interface for the settlement engine.
// Implementations include PostgreSQL (source of truth) and in-memory (for
// testing and single-process development).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/estocks/settlement-engine/internal/model"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a write would violate a uniqueness or
	// reference constraint, or when a concurrent writer won.
	ErrConflict = errors.New("store: conflict")
)

// Store is the persistence interface. Every mutation goes through InTx so
// that a wallet change, its ledger entry and any position or investment row
// commit together or not at all.
type Store interface {
	// InTx runs fn as one atomic unit serialised against other units for
	// the same user. If fn returns an error nothing it wrote is kept.
	InTx(ctx context.Context, userID string, fn func(ctx context.Context, tx Tx) error) error

	// --- Reads outside a unit ---

	// GetWallet returns ErrNotFound if the user has never been touched.
	GetWallet(ctx context.Context, userID string) (*model.Wallet, error)

	// LedgerByUser returns the user's entries in commit order.
	LedgerByUser(ctx context.Context, userID string) ([]model.LedgerEntry, error)

	// StocksByUser returns the user's price references.
	StocksByUser(ctx context.Context, userID string) ([]model.Stock, error)

	// PositionsByUser returns the user's open futures positions.
	PositionsByUser(ctx context.Context, userID string) ([]model.PositionView, error)

	// ExpiredPositions returns every open position whose contract expiry is
	// at or before now, oldest expiry first.
	ExpiredPositions(ctx context.Context, now time.Time) ([]model.PositionView, error)

	// FundInvestmentsByUser returns the user's fund purchases.
	FundInvestmentsByUser(ctx context.Context, userID string) ([]model.FundInvestment, error)

	// DividendsByUser returns the dividends credited to the user.
	DividendsByUser(ctx context.Context, userID string) ([]model.Dividend, error)

	// --- Fund catalogue ---

	CreateFund(ctx context.Context, f *model.Fund) error
	GetFund(ctx context.Context, id string) (*model.Fund, error)
	ListFunds(ctx context.Context) ([]model.Fund, error)

	// DeleteContract removes a contract. It returns ErrNotFound if the
	// contract is absent and ErrConflict if positions still reference it.
	DeleteContract(ctx context.Context, id string) error
}

// Tx is the view of the store inside one atomic unit.
type Tx interface {
	// LockWallet returns the unit user's wallet, creating it with a zero
	// balance if needed. The wallet stays locked until the unit ends.
	LockWallet(ctx context.Context, userID string) (*model.Wallet, error)
	SaveWallet(ctx context.Context, w *model.Wallet) error

	// AppendLedger adds an immutable entry.
	AppendLedger(ctx context.Context, e *model.LedgerEntry) error
	// LedgerByStock returns the user's entries for one stock, including
	// entries appended earlier in this unit.
	LedgerByStock(ctx context.Context, userID, stockID string) ([]model.LedgerEntry, error)

	StockBySymbol(ctx context.Context, userID, symbol string) (*model.Stock, error)
	StockByID(ctx context.Context, id string) (*model.Stock, error)
	// SaveStock inserts the stock or updates its price and company name.
	SaveStock(ctx context.Context, s *model.Stock) error

	ContractByKey(ctx context.Context, stockID string, expiry time.Time, side model.Side) (*model.FutureContract, error)
	ContractByID(ctx context.Context, id string) (*model.FutureContract, error)
	InsertContract(ctx context.Context, c *model.FutureContract) error

	PositionByID(ctx context.Context, id string) (*model.FuturePosition, error)
	InsertPosition(ctx context.Context, p *model.FuturePosition) error
	// DeletePosition returns ErrNotFound if the position is already gone,
	// which is how a concurrent settlement of the same position is detected.
	DeletePosition(ctx context.Context, id string) error

	InsertFundInvestment(ctx context.Context, fi *model.FundInvestment) error
	InsertDividend(ctx context.Context, d *model.Dividend) error
}

// ExpiryDate truncates t to its UTC calendar date. Contracts are keyed by it.
func ExpiryDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func newID() string {
	return uuid.New().String()
}
