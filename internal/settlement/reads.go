package settlement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/estocks/settlement-engine/internal/calc"
	"github.com/estocks/settlement-engine/internal/ledger"
	"github.com/estocks/settlement-engine/internal/metrics"
	"github.com/estocks/settlement-engine/internal/model"
	"github.com/estocks/settlement-engine/internal/quote"
	"github.com/estocks/settlement-engine/internal/store"
	"github.com/estocks/settlement-engine/internal/wallet"
)

// Wallet returns the user's wallet, creating an empty one on first access.
func (e *Engine) Wallet(ctx context.Context, userID string) (*model.Wallet, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	w, err := e.store.GetWallet(ctx, userID)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, e.wrap("get wallet", userID, err)
	}
	err = e.store.InTx(ctx, userID, func(ctx context.Context, tx store.Tx) error {
		w, err = wallet.GetOrCreate(ctx, tx, userID)
		return err
	})
	if err != nil {
		return nil, e.wrap("get wallet", userID, err)
	}
	return w, nil
}

// Ledger returns the user's entries oldest first, ties in commit order.
func (e *Engine) Ledger(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	entries, err := e.store.LedgerByUser(ctx, userID)
	if err != nil {
		return nil, e.wrap("ledger", userID, err)
	}
	ledger.SortChronological(entries)
	return entries, nil
}

// Holdings derives the user's spot holdings from the ledger. Stocks with a
// zero net quantity are omitted. The result is ordered by symbol.
func (e *Engine) Holdings(ctx context.Context, userID string) ([]model.Holding, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	entries, err := e.store.LedgerByUser(ctx, userID)
	if err != nil {
		return nil, e.wrap("holdings", userID, err)
	}
	stocks, err := e.store.StocksByUser(ctx, userID)
	if err != nil {
		return nil, e.wrap("holdings", userID, err)
	}

	qty := ledger.SpotQuantities(entries)
	holdings := make([]model.Holding, 0, len(qty))
	for _, st := range stocks {
		n, ok := qty[st.ID]
		if !ok {
			continue
		}
		value, err := calc.Mul(n, st.Price)
		if err != nil {
			return nil, fmt.Errorf("value of %d %s at %d: %w", n, st.Symbol, st.Price, err)
		}
		holdings = append(holdings, model.Holding{
			StockID:  st.ID,
			Symbol:   st.Symbol,
			Quantity: n,
			Price:    st.Price,
			Value:    value,
		})
	}
	sort.Slice(holdings, func(i, j int) bool {
		return holdings[i].Symbol < holdings[j].Symbol
	})
	return holdings, nil
}

// OpenPositions settles anything already expired, then lists the user's
// remaining positions.
func (e *Engine) OpenPositions(ctx context.Context, userID string) ([]model.PositionView, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	e.expireBeforeRead(ctx)

	views, err := e.store.PositionsByUser(ctx, userID)
	if err != nil {
		return nil, e.wrap("open positions", userID, err)
	}
	return views, nil
}

// expireBeforeRead runs an expiry pass for a read path. A failed pass is
// logged and the read proceeds; the failing positions stay listed and are
// retried on the next pass.
func (e *Engine) expireBeforeRead(ctx context.Context) {
	if _, err := e.AutoExpire(ctx, e.clock()); err != nil {
		e.logger.Warn("expiry pass failed", "error", err)
	}
}

// FundInvestments returns the user's fund purchases.
func (e *Engine) FundInvestments(ctx context.Context, userID string) ([]model.FundInvestment, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	out, err := e.store.FundInvestmentsByUser(ctx, userID)
	if err != nil {
		return nil, e.wrap("fund investments", userID, err)
	}
	return out, nil
}

// Dividends returns the dividends credited to the user.
func (e *Engine) Dividends(ctx context.Context, userID string) ([]model.Dividend, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	out, err := e.store.DividendsByUser(ctx, userID)
	if err != nil {
		return nil, e.wrap("dividends", userID, err)
	}
	return out, nil
}

// Portfolio aggregates cash, spot holdings, open futures and fund
// investments. Unrealized P&L is valued at each stock's latest known price.
func (e *Engine) Portfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	w, err := e.Wallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	holdings, err := e.Holdings(ctx, userID)
	if err != nil {
		return nil, err
	}
	positions, err := e.OpenPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	investments, err := e.FundInvestments(ctx, userID)
	if err != nil {
		return nil, err
	}

	p := &model.Portfolio{
		UserID:      userID,
		Balance:     w.Balance,
		Holdings:    holdings,
		Positions:   positions,
		Investments: investments,
	}
	for _, h := range holdings {
		if p.SpotValue, err = calc.Add(p.SpotValue, h.Value); err != nil {
			return nil, fmt.Errorf("portfolio %s spot value: %w", userID, err)
		}
	}
	for _, v := range positions {
		margin, err := calc.RequiredMarginAt(v.Position.EntryPrice, v.Position.Quantity, e.marginRate)
		if err != nil {
			return nil, fmt.Errorf("portfolio %s margin: %w", userID, err)
		}
		pnl, err := calc.ProfitLoss(v.Position.EntryPrice, v.Price, v.Position.Quantity, v.Contract.ContractType)
		if err != nil {
			return nil, fmt.Errorf("portfolio %s unrealized p&l: %w", userID, err)
		}
		if p.MarginLocked, err = calc.Add(p.MarginLocked, margin); err != nil {
			return nil, fmt.Errorf("portfolio %s margin: %w", userID, err)
		}
		if p.UnrealizedPnL, err = calc.Add(p.UnrealizedPnL, pnl); err != nil {
			return nil, fmt.Errorf("portfolio %s unrealized p&l: %w", userID, err)
		}
	}
	return p, nil
}

// Quote returns the latest quote for symbol from the quote collaborator.
func (e *Engine) Quote(ctx context.Context, symbol string) (*quote.Quote, error) {
	symbol, err := normalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}
	if e.quotes == nil {
		return nil, fmt.Errorf("%w: no quote source configured", model.ErrQuoteUnavailable)
	}
	q, err := e.quotes.GetQuote(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", model.ErrQuoteUnavailable, symbol, err)
	}
	if q.Fallback {
		metrics.QuoteFallbackTotal.WithLabelValues(symbol).Inc()
		e.logger.Warn("serving synthetic quote", "symbol", symbol, "price", q.Price.String())
	}
	return q, nil
}

// History returns daily bars for symbol over period (1d, 5d, 1mo, 3mo, 6mo, 1y).
func (e *Engine) History(ctx context.Context, symbol, period string) ([]quote.Bar, error) {
	symbol, err := normalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}
	if e.quotes == nil {
		return nil, fmt.Errorf("%w: no quote source configured", model.ErrQuoteUnavailable)
	}
	period = quote.NormalizePeriod(strings.ToLower(period))
	bars, err := e.quotes.GetHistory(ctx, symbol, period)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", model.ErrQuoteUnavailable, symbol, err)
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("%w: %s: empty history", model.ErrQuoteUnavailable, symbol)
	}
	return bars, nil
}
