// Package settlement is the brokerage settlement engine: the only entry
// point that mutates wallets, positions, fund investments and the ledger.
//
// Every operation runs as a single store unit for the acting user. A wallet
// change, the ledger entry explaining it and any position or investment row
// either all commit or none do.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/estocks/settlement-engine/internal/calc"
	"github.com/estocks/settlement-engine/internal/contract"
	"github.com/estocks/settlement-engine/internal/metrics"
	"github.com/estocks/settlement-engine/internal/model"
	"github.com/estocks/settlement-engine/internal/quote"
	"github.com/estocks/settlement-engine/internal/store"
)

// DefaultFundTerm is the maturity of a fund investment.
const DefaultFundTerm = 365 * 24 * time.Hour

// Engine executes settlement operations against a store.
type Engine struct {
	store      store.Store
	quotes     quote.Source
	notifier   Notifier
	logger     *slog.Logger
	marginRate decimal.Decimal
	fundTerm   time.Duration
	now        func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithQuotes sets the quote collaborator used by Quote and History.
func WithQuotes(src quote.Source) Option {
	return func(e *Engine) { e.quotes = src }
}

// WithNotifier sets the receiver of committed settlement events.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithLogger sets the engine logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMarginRate overrides the futures margin rate. Callers validate the
// rate with calc.ValidateRate.
func WithMarginRate(rate decimal.Decimal) Option {
	return func(e *Engine) { e.marginRate = rate }
}

// WithFundTerm sets how long after purchase a fund investment matures.
func WithFundTerm(d time.Duration) Option {
	return func(e *Engine) { e.fundTerm = d }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine over st.
func New(st store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:      st,
		logger:     slog.Default(),
		marginRate: calc.DefaultMarginRate,
		fundTerm:   DefaultFundTerm,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// MarginRate reports the configured futures margin rate.
func (e *Engine) MarginRate() decimal.Decimal {
	return e.marginRate
}

func (e *Engine) clock() time.Time {
	return e.now().UTC()
}

// observe records the outcome of op. err is read after the operation
// returns, so callers pass a pointer to their named result.
func (e *Engine) observe(op string, start time.Time, err *error) {
	outcome := "ok"
	if *err != nil {
		outcome = model.ErrorCode(*err)
	}
	metrics.OperationsTotal.WithLabelValues(op, outcome).Inc()
	metrics.OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// wrap leaves engine errors untouched and turns everything else into
// ErrStorageFailure. The unit has already been rolled back at this point.
func (e *Engine) wrap(op, userID string, err error) error {
	if err == nil {
		return nil
	}
	if model.IsDomainError(err) {
		return err
	}
	e.logger.Error("settlement unit failed", "op", op, "user", userID, "error", err)
	return fmt.Errorf("%s: %w: %w", op, model.ErrStorageFailure, err)
}

func (e *Engine) notify(ev Event) {
	if e.notifier == nil {
		return
	}
	e.notifier.Notify(ev)
}

func normalizeSymbol(symbol string) (string, error) {
	s, err := contract.NormalizeSymbol(symbol)
	if err != nil {
		return "", &model.ValidationError{Message: err.Error()}
	}
	return s, nil
}

func requireUser(userID string) error {
	if userID == "" {
		return &model.ValidationError{Message: "user_id is required"}
	}
	return nil
}

// resolveStock returns the user's price reference for symbol, creating it
// if needed, with its price set to price.
func resolveStock(ctx context.Context, tx store.Tx, userID, symbol string, price int64) (*model.Stock, error) {
	st, err := tx.StockBySymbol(ctx, userID, symbol)
	switch {
	case errors.Is(err, store.ErrNotFound):
		st = &model.Stock{
			ID:          newID(),
			UserID:      userID,
			Symbol:      symbol,
			CompanyName: quote.CompanyName(symbol),
		}
	case err != nil:
		return nil, err
	}
	st.Price = price
	if err := tx.SaveStock(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}
