package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/estocks/settlement-engine/internal/calc"
	"github.com/estocks/settlement-engine/internal/ledger"
	"github.com/estocks/settlement-engine/internal/model"
	"github.com/estocks/settlement-engine/internal/store"
	"github.com/estocks/settlement-engine/internal/wallet"
)

// SpotRequest buys or sells shares at a price already truncated to whole
// currency units.
type SpotRequest struct {
	UserID   string `json:"user_id"`
	Symbol   string `json:"symbol"`
	Quantity int64  `json:"quantity"`
	Price    int64  `json:"price"`
}

// SpotResult is the committed outcome of a spot trade.
type SpotResult struct {
	Entry   model.LedgerEntry `json:"entry"`
	Wallet  model.Wallet      `json:"wallet"`
	StockID string            `json:"stock_id"`
	Holding int64             `json:"holding"` // owned quantity after the trade
}

func (r SpotRequest) validate() (string, error) {
	if err := requireUser(r.UserID); err != nil {
		return "", err
	}
	symbol, err := normalizeSymbol(r.Symbol)
	if err != nil {
		return "", err
	}
	if r.Quantity <= 0 {
		return "", fmt.Errorf("%w: quantity must be positive", model.ErrInvalidAmount)
	}
	if r.Price <= 0 {
		return "", fmt.Errorf("%w: price must be positive", model.ErrInvalidAmount)
	}
	return symbol, nil
}

// BuySpot debits price × quantity, records the user's price reference for
// the symbol and appends a BUY_SPOT entry.
func (e *Engine) BuySpot(ctx context.Context, req SpotRequest) (res *SpotResult, err error) {
	defer e.observe("buy_spot", time.Now(), &err)

	symbol, err := req.validate()
	if err != nil {
		return nil, err
	}
	cost, err := calc.Notional(req.Price, req.Quantity)
	if err != nil {
		return nil, fmt.Errorf("buy %d %s at %d: %w", req.Quantity, symbol, req.Price, err)
	}
	now := e.clock()

	err = e.store.InTx(ctx, req.UserID, func(ctx context.Context, tx store.Tx) error {
		w, err := wallet.Debit(ctx, tx, req.UserID, cost, now)
		if err != nil {
			return err
		}
		st, err := resolveStock(ctx, tx, req.UserID, symbol, req.Price)
		if err != nil {
			return err
		}
		entries, err := tx.LedgerByStock(ctx, req.UserID, st.ID)
		if err != nil {
			return err
		}
		holding, err := calc.Add(ledger.NetSpotQuantity(entries, st.ID), req.Quantity)
		if err != nil {
			return fmt.Errorf("holding of %s: %w", symbol, err)
		}
		entry := ledger.NewEntry(w, st.ID, model.TxBuySpot, req.Quantity, -cost, now)
		if err := tx.AppendLedger(ctx, entry); err != nil {
			return err
		}
		res = &SpotResult{
			Entry:   *entry,
			Wallet:  *w,
			StockID: st.ID,
			Holding: holding,
		}
		return nil
	})
	if err != nil {
		return nil, e.wrap("buy spot", req.UserID, err)
	}

	e.logger.Info("spot bought",
		"user", req.UserID,
		"symbol", symbol,
		"qty", req.Quantity,
		"price", req.Price,
		"cost", cost,
		"balance", res.Wallet.Balance,
	)
	e.notify(Event{
		Type:     EventSpotBought,
		UserID:   req.UserID,
		Symbol:   symbol,
		Quantity: req.Quantity,
		Price:    req.Price,
		Amount:   -cost,
		Balance:  res.Wallet.Balance,
		At:       now,
	})
	return res, nil
}

// SellSpot checks the ledger-derived holding and credits price × quantity.
// The holding check and the SELL_SPOT entry share one unit, so concurrent
// sales can never oversell.
func (e *Engine) SellSpot(ctx context.Context, req SpotRequest) (res *SpotResult, err error) {
	defer e.observe("sell_spot", time.Now(), &err)

	symbol, err := req.validate()
	if err != nil {
		return nil, err
	}
	revenue, err := calc.Notional(req.Price, req.Quantity)
	if err != nil {
		return nil, fmt.Errorf("sell %d %s at %d: %w", req.Quantity, symbol, req.Price, err)
	}
	now := e.clock()

	err = e.store.InTx(ctx, req.UserID, func(ctx context.Context, tx store.Tx) error {
		st, err := tx.StockBySymbol(ctx, req.UserID, symbol)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: no %s held", model.ErrInsufficientShares, symbol)
		}
		if err != nil {
			return err
		}
		entries, err := tx.LedgerByStock(ctx, req.UserID, st.ID)
		if err != nil {
			return err
		}
		owned := ledger.NetSpotQuantity(entries, st.ID)
		if owned < req.Quantity {
			return fmt.Errorf("%w: own %d %s, selling %d", model.ErrInsufficientShares, owned, symbol, req.Quantity)
		}

		w, err := wallet.Credit(ctx, tx, req.UserID, revenue, now)
		if err != nil {
			return err
		}
		st.Price = req.Price
		if err := tx.SaveStock(ctx, st); err != nil {
			return err
		}
		entry := ledger.NewEntry(w, st.ID, model.TxSellSpot, req.Quantity, revenue, now)
		if err := tx.AppendLedger(ctx, entry); err != nil {
			return err
		}
		res = &SpotResult{
			Entry:   *entry,
			Wallet:  *w,
			StockID: st.ID,
			Holding: owned - req.Quantity,
		}
		return nil
	})
	if err != nil {
		return nil, e.wrap("sell spot", req.UserID, err)
	}

	e.logger.Info("spot sold",
		"user", req.UserID,
		"symbol", symbol,
		"qty", req.Quantity,
		"price", req.Price,
		"revenue", revenue,
		"balance", res.Wallet.Balance,
	)
	e.notify(Event{
		Type:     EventSpotSold,
		UserID:   req.UserID,
		Symbol:   symbol,
		Quantity: req.Quantity,
		Price:    req.Price,
		Amount:   revenue,
		Balance:  res.Wallet.Balance,
		At:       now,
	})
	return res, nil
}
