// Package wallet mutates user cash balances inside a store unit. It never
// writes ledger entries itself; the caller pairs every mutation with exactly
// one entry in the same unit.
package wallet

import (
	"context"
	"fmt"
	"time"

	"github.com/estocks/settlement-engine/internal/calc"
	"github.com/estocks/settlement-engine/internal/model"
)

// Tx is the subset of store.Tx the wallet needs.
type Tx interface {
	LockWallet(ctx context.Context, userID string) (*model.Wallet, error)
	SaveWallet(ctx context.Context, w *model.Wallet) error
}

// GetOrCreate returns the user's wallet, creating one with a zero balance on
// first touch.
func GetOrCreate(ctx context.Context, tx Tx, userID string) (*model.Wallet, error) {
	w, err := tx.LockWallet(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("wallet %s: %w", userID, err)
	}
	return w, nil
}

// Debit removes amount from the balance.
func Debit(ctx context.Context, tx Tx, userID string, amount int64, now time.Time) (*model.Wallet, error) {
	if amount <= 0 {
		return nil, model.ErrInvalidAmount
	}
	w, err := GetOrCreate(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if w.Balance < amount {
		return nil, fmt.Errorf("%w: balance %d, need %d", model.ErrInsufficientFunds, w.Balance, amount)
	}
	return save(ctx, tx, w, w.Balance-amount, now)
}

// Credit adds amount to the balance. A balance that would pass the int64
// range is rejected with calc.ErrOverflow.
func Credit(ctx context.Context, tx Tx, userID string, amount int64, now time.Time) (*model.Wallet, error) {
	if amount <= 0 {
		return nil, model.ErrInvalidAmount
	}
	w, err := GetOrCreate(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	balance, err := calc.Add(w.Balance, amount)
	if err != nil {
		return nil, fmt.Errorf("credit %d to balance %d: %w", amount, w.Balance, err)
	}
	return save(ctx, tx, w, balance, now)
}

// Adjust applies a signed settlement delta. A negative delta larger than the
// balance takes the balance to zero and no further; applied reports the
// delta actually booked, so applied > delta means part of the loss was not
// collected.
func Adjust(ctx context.Context, tx Tx, userID string, delta int64, now time.Time) (w *model.Wallet, applied int64, err error) {
	w, err = GetOrCreate(ctx, tx, userID)
	if err != nil {
		return nil, 0, err
	}
	balance, err := calc.Add(w.Balance, delta)
	if err != nil {
		return nil, 0, fmt.Errorf("adjust balance %d by %d: %w", w.Balance, delta, err)
	}
	applied = delta
	if balance < 0 {
		applied, balance = -w.Balance, 0
	}
	if applied == 0 {
		return w, 0, nil
	}
	w, err = save(ctx, tx, w, balance, now)
	if err != nil {
		return nil, 0, err
	}
	return w, applied, nil
}

func save(ctx context.Context, tx Tx, w *model.Wallet, balance int64, now time.Time) (*model.Wallet, error) {
	w.Balance = balance
	w.LastUpdated = now.UTC()
	if err := tx.SaveWallet(ctx, w); err != nil {
		return nil, fmt.Errorf("save wallet %s: %w", w.UserID, err)
	}
	return w, nil
}
