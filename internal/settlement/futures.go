package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/estocks/settlement-engine/internal/calc"
	"github.com/estocks/settlement-engine/internal/contract"
	"github.com/estocks/settlement-engine/internal/ledger"
	"github.com/estocks/settlement-engine/internal/metrics"
	"github.com/estocks/settlement-engine/internal/model"
	"github.com/estocks/settlement-engine/internal/store"
	"github.com/estocks/settlement-engine/internal/wallet"
)

// OpenFutureRequest opens a leveraged position on the user's stock for
// Symbol. Only the margin is debited.
type OpenFutureRequest struct {
	UserID        string     `json:"user_id"`
	Symbol        string     `json:"symbol"`
	Quantity      int64      `json:"quantity"`
	ContractPrice int64      `json:"contract_price"`
	Expiry        time.Time  `json:"expiry"`
	Side          model.Side `json:"side"`
}

// OpenFutureResult is the committed outcome of OpenFuture.
type OpenFutureResult struct {
	Position model.FuturePosition `json:"position"`
	Contract model.FutureContract `json:"contract"`
	Ticker   string               `json:"ticker"`
	Margin   int64                `json:"margin"`
	Notional int64                `json:"notional"`
	Wallet   model.Wallet         `json:"wallet"`
}

// CloseResult is the committed outcome of settling one position.
type CloseResult struct {
	PositionID string       `json:"position_id"`
	Symbol     string       `json:"symbol"`
	Side       model.Side   `json:"side"`
	Quantity   int64        `json:"quantity"`
	EntryPrice int64        `json:"entry_price"`
	ExitPrice  int64        `json:"exit_price"`
	ProfitLoss int64        `json:"profit_loss"`
	Settlement int64        `json:"settlement"` // margin + profit/loss, may be negative
	Applied    int64        `json:"applied"`    // delta actually booked to the wallet
	Shortfall  int64        `json:"shortfall"`  // part of a loss not collected
	Wallet     model.Wallet `json:"wallet"`
}

// errAlreadySettled marks a position that vanished before this unit read it.
// It is raised before any write, so the unit can be abandoned safely.
var errAlreadySettled = fmt.Errorf("%w: already settled", model.ErrPositionNotFound)

// OpenFuture debits the margin, finds or creates the contract keyed by
// (stock, expiry date, side), inserts the position and appends
// BUY_FUTURE_LONG or SELL_FUTURE_SHORT.
func (e *Engine) OpenFuture(ctx context.Context, req OpenFutureRequest) (res *OpenFutureResult, err error) {
	defer e.observe("open_future", time.Now(), &err)

	if err := requireUser(req.UserID); err != nil {
		return nil, err
	}
	symbol, err := normalizeSymbol(req.Symbol)
	if err != nil {
		return nil, err
	}
	if req.Side != model.Long && req.Side != model.Short {
		return nil, &model.ValidationError{Message: "side must be LONG or SHORT"}
	}
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("%w: quantity must be positive", model.ErrInvalidAmount)
	}
	if req.ContractPrice <= 0 {
		return nil, fmt.Errorf("%w: contract price must be positive", model.ErrInvalidAmount)
	}
	now := e.clock()
	if err := contract.ValidateExpiry(req.Expiry, now); err != nil {
		return nil, &model.ValidationError{Message: err.Error()}
	}
	expiry := store.ExpiryDate(req.Expiry)
	notional, err := calc.Notional(req.ContractPrice, req.Quantity)
	if err != nil {
		return nil, fmt.Errorf("open %d %s at %d: %w", req.Quantity, symbol, req.ContractPrice, err)
	}
	margin, err := calc.RequiredMarginAt(req.ContractPrice, req.Quantity, e.marginRate)
	if err != nil {
		return nil, fmt.Errorf("margin for %d %s: %w", req.Quantity, symbol, err)
	}

	err = e.store.InTx(ctx, req.UserID, func(ctx context.Context, tx store.Tx) error {
		w, err := wallet.Debit(ctx, tx, req.UserID, margin, now)
		if err != nil {
			return err
		}
		st, err := resolveStock(ctx, tx, req.UserID, symbol, req.ContractPrice)
		if err != nil {
			return err
		}

		c, err := tx.ContractByKey(ctx, st.ID, expiry, req.Side)
		if errors.Is(err, store.ErrNotFound) {
			c = &model.FutureContract{
				ID:            newID(),
				StockID:       st.ID,
				ExpiryDate:    expiry,
				ContractPrice: req.ContractPrice,
				ContractType:  req.Side,
			}
			err = tx.InsertContract(ctx, c)
		}
		if err != nil {
			return err
		}

		p := &model.FuturePosition{
			ID:         newID(),
			ContractID: c.ID,
			UserID:     req.UserID,
			Quantity:   req.Quantity,
			EntryPrice: req.ContractPrice,
			OpenedAt:   now,
		}
		if err := tx.InsertPosition(ctx, p); err != nil {
			return err
		}
		entry := ledger.NewEntry(w, st.ID, req.Side.OpenType(), req.Quantity, -margin, now)
		if err := tx.AppendLedger(ctx, entry); err != nil {
			return err
		}

		res = &OpenFutureResult{
			Position: *p,
			Contract: *c,
			Ticker:   contract.Ticker(symbol, expiry, req.Side),
			Margin:   margin,
			Notional: notional,
			Wallet:   *w,
		}
		return nil
	})
	if err != nil {
		return nil, e.wrap("open future", req.UserID, err)
	}

	e.logger.Info("future opened",
		"user", req.UserID,
		"position", res.Position.ID,
		"ticker", res.Ticker,
		"qty", req.Quantity,
		"price", req.ContractPrice,
		"margin", margin,
		"balance", res.Wallet.Balance,
	)
	e.notify(Event{
		Type:       EventFutureOpened,
		UserID:     req.UserID,
		Symbol:     symbol,
		PositionID: res.Position.ID,
		Quantity:   req.Quantity,
		Price:      req.ContractPrice,
		Amount:     -margin,
		Balance:    res.Wallet.Balance,
		At:         now,
	})
	return res, nil
}

// CloseFuture settles the user's position at currentPrice: the margin plus
// profit/loss is booked to the wallet, a CLOSE_FUTURE_* entry is appended
// and the position row is deleted, all in one unit.
func (e *Engine) CloseFuture(ctx context.Context, positionID, userID string, currentPrice int64) (res *CloseResult, err error) {
	defer e.observe("close_future", time.Now(), &err)

	if err := requireUser(userID); err != nil {
		return nil, err
	}
	if currentPrice < 0 {
		return nil, fmt.Errorf("%w: price must not be negative", model.ErrInvalidAmount)
	}
	now := e.clock()

	err = e.store.InTx(ctx, userID, func(ctx context.Context, tx store.Tx) error {
		r, err := e.settle(ctx, tx, positionID, userID, currentPrice, now)
		res = r
		return err
	})
	if err != nil {
		return nil, e.wrap("close future", userID, err)
	}

	e.afterSettle(EventFutureClosed, userID, res, now)
	return res, nil
}

// settle closes one position inside tx. The exit price is taken as given.
func (e *Engine) settle(ctx context.Context, tx store.Tx, positionID, userID string, exitPrice int64, now time.Time) (*CloseResult, error) {
	p, err := tx.PositionByID(ctx, positionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errAlreadySettled
	}
	if err != nil {
		return nil, err
	}
	if p.UserID != userID {
		return nil, fmt.Errorf("%w: %s", model.ErrPositionNotFound, positionID)
	}
	c, err := tx.ContractByID(ctx, p.ContractID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", model.ErrContractNotFound, p.ContractID)
	}
	if err != nil {
		return nil, err
	}
	st, err := tx.StockByID(ctx, c.StockID)
	if err != nil {
		return nil, err
	}

	pnl, err := calc.ProfitLoss(p.EntryPrice, exitPrice, p.Quantity, c.ContractType)
	if err != nil {
		return nil, fmt.Errorf("settle %s at %d: %w", p.ID, exitPrice, err)
	}
	amount, err := calc.SettlementAmountAt(p.EntryPrice, p.Quantity, exitPrice, c.ContractType, e.marginRate)
	if err != nil {
		return nil, fmt.Errorf("settle %s at %d: %w", p.ID, exitPrice, err)
	}
	w, applied, err := wallet.Adjust(ctx, tx, userID, amount, now)
	if err != nil {
		return nil, err
	}
	shortfall, err := calc.Sub(applied, amount)
	if err != nil {
		return nil, fmt.Errorf("settle %s at %d: %w", p.ID, exitPrice, err)
	}
	entry := ledger.NewEntry(w, c.StockID, c.ContractType.CloseType(), p.Quantity, applied, now)
	if err := tx.AppendLedger(ctx, entry); err != nil {
		return nil, err
	}
	if err := tx.DeletePosition(ctx, p.ID); err != nil {
		// The row was read above in this unit; losing it now is a race
		// the unit must not commit through.
		return nil, fmt.Errorf("delete position %s: %w", p.ID, store.ErrConflict)
	}

	return &CloseResult{
		PositionID: p.ID,
		Symbol:     st.Symbol,
		Side:       c.ContractType,
		Quantity:   p.Quantity,
		EntryPrice: p.EntryPrice,
		ExitPrice:  exitPrice,
		ProfitLoss: pnl,
		Settlement: amount,
		Applied:    applied,
		Shortfall:  shortfall,
		Wallet:     *w,
	}, nil
}

func (e *Engine) afterSettle(eventType, userID string, res *CloseResult, now time.Time) {
	if res.Shortfall > 0 {
		metrics.ShortfallTotal.Inc()
		metrics.ShortfallAmount.Add(float64(res.Shortfall))
		e.logger.Warn("settlement loss exceeded wallet balance",
			"user", userID,
			"position", res.PositionID,
			"settlement", res.Settlement,
			"applied", res.Applied,
			"shortfall", res.Shortfall,
		)
	}
	e.logger.Info("future settled",
		"user", userID,
		"position", res.PositionID,
		"symbol", res.Symbol,
		"side", res.Side,
		"exit_price", res.ExitPrice,
		"pnl", res.ProfitLoss,
		"settlement", res.Settlement,
		"balance", res.Wallet.Balance,
		"event", eventType,
	)
	e.notify(Event{
		Type:       eventType,
		UserID:     userID,
		Symbol:     res.Symbol,
		PositionID: res.PositionID,
		Quantity:   res.Quantity,
		Price:      res.ExitPrice,
		Amount:     res.Applied,
		Balance:    res.Wallet.Balance,
		At:         now,
	})
}

// AutoExpire settles every position whose contract expired at or before now
// at its stock's latest known price. Each position is re-read inside its own
// unit and deleted in the same unit that credits it, so concurrent or
// repeated passes settle a position at most once. It returns the positions
// this pass settled.
func (e *Engine) AutoExpire(ctx context.Context, now time.Time) (settled []CloseResult, err error) {
	defer e.observe("auto_expire", time.Now(), &err)

	now = now.UTC()
	expired, err := e.store.ExpiredPositions(ctx, now)
	if err != nil {
		return nil, e.wrap("auto expire", "", err)
	}

	var errs []error
	for _, v := range expired {
		var res *CloseResult
		userID := v.Position.UserID
		unitErr := e.store.InTx(ctx, userID, func(ctx context.Context, tx store.Tx) error {
			res = nil
			st, err := tx.StockByID(ctx, v.Contract.StockID)
			if err != nil {
				return err
			}
			r, err := e.settle(ctx, tx, v.Position.ID, userID, st.Price, now)
			if errors.Is(err, errAlreadySettled) {
				return nil
			}
			res = r
			return err
		})
		if unitErr != nil {
			errs = append(errs, e.wrap("auto expire", userID, unitErr))
			continue
		}
		if res == nil {
			continue // another pass got there first
		}
		metrics.AutoExpiredTotal.Inc()
		e.afterSettle(EventFutureExpired, userID, res, now)
		settled = append(settled, *res)
	}
	return settled, errors.Join(errs...)
}

// RemoveContract deletes a contract that no open position references.
func (e *Engine) RemoveContract(ctx context.Context, contractID string) (err error) {
	defer e.observe("remove_contract", time.Now(), &err)

	err = e.store.DeleteContract(ctx, contractID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %s", model.ErrContractNotFound, contractID)
	case errors.Is(err, store.ErrConflict):
		return fmt.Errorf("%w: %s", model.ErrContractInUse, contractID)
	case err != nil:
		return e.wrap("remove contract", "", err)
	}
	e.logger.Info("contract removed", "contract", contractID)
	return nil
}
