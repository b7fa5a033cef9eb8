package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/estocks/settlement-engine/internal/calc"
	"github.com/estocks/settlement-engine/internal/ledger"
	"github.com/estocks/settlement-engine/internal/model"
	"github.com/estocks/settlement-engine/internal/store"
	"github.com/estocks/settlement-engine/internal/wallet"
)

// InvestRequest buys units of a catalogue fund. A zero NAV means the
// catalogue NAV is used.
type InvestRequest struct {
	UserID string `json:"user_id"`
	FundID string `json:"fund_id"`
	Amount int64  `json:"amount"`
	NAV    int64  `json:"nav,omitempty"`
}

// InvestResult is the committed outcome of InvestInFund. Used never exceeds
// the amount offered; the remainder stays in the wallet.
type InvestResult struct {
	Investment model.FundInvestment `json:"investment"`
	Units      decimal.Decimal      `json:"units"`
	Used       int64                `json:"used"`
	Wallet     model.Wallet         `json:"wallet"`
}

// InvestInFund converts cash into fund units truncated to four decimal
// places and debits only the cash those units cost.
func (e *Engine) InvestInFund(ctx context.Context, req InvestRequest) (res *InvestResult, err error) {
	defer e.observe("invest_fund", time.Now(), &err)

	if err := requireUser(req.UserID); err != nil {
		return nil, err
	}
	if req.FundID == "" {
		return nil, &model.ValidationError{Message: "fund_id is required"}
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", model.ErrInvalidAmount)
	}
	if req.NAV < 0 {
		return nil, fmt.Errorf("%w: nav must be positive", model.ErrInvalidAmount)
	}

	fund, err := e.store.GetFund(ctx, req.FundID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", model.ErrFundNotFound, req.FundID)
	}
	if err != nil {
		return nil, e.wrap("invest fund", req.UserID, err)
	}
	nav := req.NAV
	if nav == 0 {
		nav = fund.NAV
	}

	purchase, err := calc.FundUnits(req.Amount, nav)
	switch {
	case errors.Is(err, calc.ErrInvalidNAV):
		return nil, fmt.Errorf("%w: nav must be positive", model.ErrInvalidAmount)
	case err != nil:
		return nil, err
	}
	if purchase.Used > req.Amount {
		return nil, fmt.Errorf("%w: units cost %d, offered %d", model.ErrAmountTooSmall, purchase.Used, req.Amount)
	}
	now := e.clock()

	err = e.store.InTx(ctx, req.UserID, func(ctx context.Context, tx store.Tx) error {
		w, err := wallet.Debit(ctx, tx, req.UserID, purchase.Used, now)
		if err != nil {
			return err
		}
		fi := &model.FundInvestment{
			ID:           newID(),
			FundID:       fund.ID,
			UserID:       req.UserID,
			AmountSpent:  purchase.Used,
			UnitPrice:    nav,
			PurchaseDate: now,
			MaturityDate: now.Add(e.fundTerm),
		}
		if err := tx.InsertFundInvestment(ctx, fi); err != nil {
			return err
		}
		entry := ledger.NewEntry(w, "", model.TxFundInvest, 0, -purchase.Used, now)
		if err := tx.AppendLedger(ctx, entry); err != nil {
			return err
		}
		res = &InvestResult{
			Investment: *fi,
			Units:      purchase.Units,
			Used:       purchase.Used,
			Wallet:     *w,
		}
		return nil
	})
	if err != nil {
		return nil, e.wrap("invest fund", req.UserID, err)
	}

	e.logger.Info("fund invested",
		"user", req.UserID,
		"fund", fund.ID,
		"offered", req.Amount,
		"used", purchase.Used,
		"units", purchase.Units.String(),
		"nav", nav,
		"balance", res.Wallet.Balance,
	)
	e.notify(Event{
		Type:    EventFundInvested,
		UserID:  req.UserID,
		FundID:  fund.ID,
		Price:   nav,
		Amount:  -purchase.Used,
		Balance: res.Wallet.Balance,
		At:      now,
	})
	return res, nil
}

// AddFund inserts a catalogue fund and returns it with its assigned ID.
func (e *Engine) AddFund(ctx context.Context, f model.Fund) (_ *model.Fund, err error) {
	defer e.observe("add_fund", time.Now(), &err)

	f.Name = strings.TrimSpace(f.Name)
	if f.Name == "" {
		return nil, &model.ValidationError{Message: "fund name is required"}
	}
	if f.NAV <= 0 {
		return nil, fmt.Errorf("%w: nav must be positive", model.ErrInvalidAmount)
	}
	if f.ID == "" {
		f.ID = newID()
	}
	if err := e.store.CreateFund(ctx, &f); err != nil {
		return nil, e.wrap("add fund", "", err)
	}
	e.logger.Info("fund added", "fund", f.ID, "name", f.Name, "nav", f.NAV)
	return &f, nil
}

// Funds lists the fund catalogue.
func (e *Engine) Funds(ctx context.Context) ([]model.Fund, error) {
	funds, err := e.store.ListFunds(ctx)
	if err != nil {
		return nil, e.wrap("list funds", "", err)
	}
	return funds, nil
}

// Fund returns one catalogue fund.
func (e *Engine) Fund(ctx context.Context, id string) (*model.Fund, error) {
	f, err := e.store.GetFund(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", model.ErrFundNotFound, id)
	}
	if err != nil {
		return nil, e.wrap("get fund", "", err)
	}
	return f, nil
}

// Deposit credits cash to the user's wallet and appends ADD_FUNDS.
func (e *Engine) Deposit(ctx context.Context, userID string, amount int64) (w *model.Wallet, err error) {
	defer e.observe("deposit", time.Now(), &err)

	if err := requireUser(userID); err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", model.ErrInvalidAmount)
	}
	now := e.clock()

	err = e.store.InTx(ctx, userID, func(ctx context.Context, tx store.Tx) error {
		updated, err := wallet.Credit(ctx, tx, userID, amount, now)
		if err != nil {
			return err
		}
		if err := tx.AppendLedger(ctx, ledger.NewEntry(updated, "", model.TxAddFunds, 0, amount, now)); err != nil {
			return err
		}
		w = updated
		return nil
	})
	if err != nil {
		return nil, e.wrap("deposit", userID, err)
	}

	e.logger.Info("funds deposited", "user", userID, "amount", amount, "balance", w.Balance)
	e.notify(Event{
		Type:    EventFundsDeposited,
		UserID:  userID,
		Amount:  amount,
		Balance: w.Balance,
		At:      now,
	})
	return w, nil
}

// DividendResult is the committed outcome of CreditDividend.
type DividendResult struct {
	Dividend model.Dividend `json:"dividend"`
	Held     int64          `json:"held"`
	Wallet   model.Wallet   `json:"wallet"`
}

// CreditDividend pays amount to a user who currently holds symbol.
func (e *Engine) CreditDividend(ctx context.Context, userID, symbol string, amount int64) (res *DividendResult, err error) {
	defer e.observe("credit_dividend", time.Now(), &err)

	if err := requireUser(userID); err != nil {
		return nil, err
	}
	symbol, err = normalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", model.ErrInvalidAmount)
	}
	now := e.clock()

	err = e.store.InTx(ctx, userID, func(ctx context.Context, tx store.Tx) error {
		st, err := tx.StockBySymbol(ctx, userID, symbol)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: no %s held", model.ErrInsufficientShares, symbol)
		}
		if err != nil {
			return err
		}
		entries, err := tx.LedgerByStock(ctx, userID, st.ID)
		if err != nil {
			return err
		}
		held := ledger.NetSpotQuantity(entries, st.ID)
		if held <= 0 {
			return fmt.Errorf("%w: no %s held", model.ErrInsufficientShares, symbol)
		}

		w, err := wallet.Credit(ctx, tx, userID, amount, now)
		if err != nil {
			return err
		}
		d := &model.Dividend{
			ID:           newID(),
			UserID:       userID,
			StockID:      st.ID,
			Amount:       amount,
			ReceivedDate: now,
		}
		if err := tx.InsertDividend(ctx, d); err != nil {
			return err
		}
		if err := tx.AppendLedger(ctx, ledger.NewEntry(w, st.ID, model.TxDividend, held, amount, now)); err != nil {
			return err
		}
		res = &DividendResult{Dividend: *d, Held: held, Wallet: *w}
		return nil
	})
	if err != nil {
		return nil, e.wrap("credit dividend", userID, err)
	}

	e.logger.Info("dividend paid",
		"user", userID,
		"symbol", symbol,
		"held", res.Held,
		"amount", amount,
		"balance", res.Wallet.Balance,
	)
	e.notify(Event{
		Type:     EventDividendPaid,
		UserID:   userID,
		Symbol:   symbol,
		Quantity: res.Held,
		Amount:   amount,
		Balance:  res.Wallet.Balance,
		At:       now,
	})
	return res, nil
}
