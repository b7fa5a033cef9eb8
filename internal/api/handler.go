// Package api exposes the settlement engine over HTTP. Handlers decode the
// request, call exactly one engine operation and render its result; all
// money movement happens inside the engine.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/estocks/settlement-engine/internal/contract"
	"github.com/estocks/settlement-engine/internal/display"
	"github.com/estocks/settlement-engine/internal/model"
	"github.com/estocks/settlement-engine/internal/settlement"
)

// Handler serves the /api/v1 routes.
type Handler struct {
	engine   *settlement.Engine
	hub      *WSHub
	currency string
	logger   *slog.Logger
}

// NewHandler creates a handler. hub may be nil when WebSocket broadcasting
// is not needed.
func NewHandler(engine *settlement.Engine, hub *WSHub, currency string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{engine: engine, hub: hub, currency: currency, logger: logger}
}

// Routes mounts the API on r. Callers usually wrap it in r.Route("/api/v1", ...).
func (h *Handler) Routes(r chi.Router) {
	if h.hub != nil {
		r.Get("/ws", h.hub.HandleWS)
	}

	r.Get("/wallets/{userID}", h.GetWallet)
	r.Post("/wallets/{userID}/deposit", h.Deposit)
	r.Get("/ledger/{userID}", h.GetLedger)

	r.Post("/spot/buy", h.BuySpot)
	r.Post("/spot/sell", h.SellSpot)
	r.Get("/holdings/{userID}", h.GetHoldings)

	r.Post("/futures", h.OpenFuture)
	r.Get("/futures/{userID}", h.ListPositions)
	r.Post("/futures/{positionID}/close", h.CloseFuture)
	r.Delete("/contracts/{contractID}", h.RemoveContract)

	r.Get("/funds", h.ListFunds)
	r.Post("/funds", h.AddFund)
	r.Get("/funds/investments/{userID}", h.ListInvestments)
	r.Get("/funds/{fundID}", h.GetFund)
	r.Post("/funds/{fundID}/invest", h.Invest)

	r.Post("/dividends", h.CreditDividend)
	r.Get("/dividends/{userID}", h.ListDividends)

	r.Get("/portfolio/{userID}", h.GetPortfolio)

	r.Get("/quotes/{symbol}", h.GetQuote)
	r.Get("/quotes/{symbol}/history", h.GetHistory)
}

// --- Request/Response types ---

// WalletResponse is a wallet with its balance rendered for display.
type WalletResponse struct {
	model.Wallet
	BalanceDisplay string `json:"balance_display"`
}

// DepositRequest is the JSON body for POST /wallets/{userID}/deposit.
type DepositRequest struct {
	Amount int64 `json:"amount"`
}

// SpotRequest is the JSON body for POST /spot/buy and /spot/sell. When
// Price is omitted the current quote, truncated to whole units, is used.
type SpotRequest struct {
	UserID   string `json:"user_id"`
	Symbol   string `json:"symbol"`
	Quantity int64  `json:"quantity"`
	Price    *int64 `json:"price,omitempty"`
}

// SpotResponse is the result of a spot trade.
type SpotResponse struct {
	settlement.SpotResult
	Price          int64  `json:"price"`
	AmountDisplay  string `json:"amount_display"`
	BalanceDisplay string `json:"balance_display"`
}

// OpenFutureRequest is the JSON body for POST /futures. The contract is
// given either as Ticker (SYMBOL-YYYYMMDD-LONG|SHORT) or as Symbol, Expiry
// (YYYY-MM-DD) and Side. ContractPrice defaults to the current quote.
type OpenFutureRequest struct {
	UserID        string `json:"user_id"`
	Ticker        string `json:"ticker,omitempty"`
	Symbol        string `json:"symbol,omitempty"`
	Expiry        string `json:"expiry,omitempty"`
	Side          string `json:"side,omitempty"`
	Quantity      int64  `json:"quantity"`
	ContractPrice *int64 `json:"contract_price,omitempty"`
}

// OpenFutureResponse is the result of opening a position.
type OpenFutureResponse struct {
	settlement.OpenFutureResult
	MarginDisplay  string `json:"margin_display"`
	BalanceDisplay string `json:"balance_display"`
}

// CloseFutureRequest is the JSON body for POST /futures/{positionID}/close.
type CloseFutureRequest struct {
	UserID       string `json:"user_id"`
	CurrentPrice *int64 `json:"current_price,omitempty"`
}

// CloseFutureResponse is the result of closing a position.
type CloseFutureResponse struct {
	settlement.CloseResult
	SettlementDisplay string `json:"settlement_display"`
	BalanceDisplay    string `json:"balance_display"`
}

// InvestRequest is the JSON body for POST /funds/{fundID}/invest.
type InvestRequest struct {
	UserID string `json:"user_id"`
	Amount int64  `json:"amount"`
	NAV    int64  `json:"nav,omitempty"`
}

// InvestResponse is the result of a fund purchase.
type InvestResponse struct {
	settlement.InvestResult
	UsedDisplay    string `json:"used_display"`
	BalanceDisplay string `json:"balance_display"`
}

// DividendRequest is the JSON body for POST /dividends.
type DividendRequest struct {
	UserID string `json:"user_id"`
	Symbol string `json:"symbol"`
	Amount int64  `json:"amount"`
}

// PortfolioResponse is a portfolio with totals rendered for display.
type PortfolioResponse struct {
	model.Portfolio
	BalanceDisplay       string `json:"balance_display"`
	SpotValueDisplay     string `json:"spot_value_display"`
	UnrealizedPnLDisplay string `json:"unrealized_pnl_display"`
}

// --- Wallet & ledger ---

// GetWallet handles GET /api/v1/wallets/{userID}
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.engine.Wallet(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.walletResponse(wallet))
}

// Deposit handles POST /api/v1/wallets/{userID}/deposit
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if !decode(w, r, &req) {
		return
	}
	wallet, err := h.engine.Deposit(r.Context(), chi.URLParam(r, "userID"), req.Amount)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.walletResponse(wallet))
}

// GetLedger handles GET /api/v1/ledger/{userID}
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	entries, err := h.engine.Ledger(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Spot ---

// BuySpot handles POST /api/v1/spot/buy
func (h *Handler) BuySpot(w http.ResponseWriter, r *http.Request) {
	h.spot(w, r, h.engine.BuySpot)
}

// SellSpot handles POST /api/v1/spot/sell
func (h *Handler) SellSpot(w http.ResponseWriter, r *http.Request) {
	h.spot(w, r, h.engine.SellSpot)
}

func (h *Handler) spot(w http.ResponseWriter, r *http.Request, op func(context.Context, settlement.SpotRequest) (*settlement.SpotResult, error)) {
	var req SpotRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	price, err := h.priceOrQuote(ctx, req.Price, req.Symbol)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	res, err := op(ctx, settlement.SpotRequest{
		UserID:   req.UserID,
		Symbol:   req.Symbol,
		Quantity: req.Quantity,
		Price:    price,
	})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SpotResponse{
		SpotResult:     *res,
		Price:          price,
		AmountDisplay:  display.Signed(res.Entry.Amount, h.currency),
		BalanceDisplay: display.Amount(res.Wallet.Balance, h.currency),
	})
}

// GetHoldings handles GET /api/v1/holdings/{userID}
func (h *Handler) GetHoldings(w http.ResponseWriter, r *http.Request) {
	holdings, err := h.engine.Holdings(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, holdings)
}

// --- Futures ---

// OpenFuture handles POST /api/v1/futures
func (h *Handler) OpenFuture(w http.ResponseWriter, r *http.Request) {
	var req OpenFutureRequest
	if !decode(w, r, &req) {
		return
	}
	symbol, expiry, side, err := req.resolve()
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	price, err := h.priceOrQuote(ctx, req.ContractPrice, symbol)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	res, err := h.engine.OpenFuture(ctx, settlement.OpenFutureRequest{
		UserID:        req.UserID,
		Symbol:        symbol,
		Quantity:      req.Quantity,
		ContractPrice: price,
		Expiry:        expiry,
		Side:          side,
	})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, OpenFutureResponse{
		OpenFutureResult: *res,
		MarginDisplay:    display.Amount(res.Margin, h.currency),
		BalanceDisplay:   display.Amount(res.Wallet.Balance, h.currency),
	})
}

// resolve returns the symbol, expiry and side named by the request.
func (req OpenFutureRequest) resolve() (string, time.Time, model.Side, error) {
	if req.Ticker != "" {
		c, err := contract.ParseTicker(req.Ticker)
		if err != nil {
			return "", time.Time{}, "", err
		}
		return c.Symbol, c.ExpiryDate, c.Side, nil
	}
	side, err := model.ParseSide(req.Side)
	if err != nil {
		return "", time.Time{}, "", err
	}
	expiry, err := time.Parse(time.DateOnly, req.Expiry)
	if err != nil {
		return "", time.Time{}, "", fmt.Errorf("expiry must be YYYY-MM-DD: %q", req.Expiry)
	}
	return req.Symbol, expiry, side, nil
}

// ListPositions handles GET /api/v1/futures/{userID}
func (h *Handler) ListPositions(w http.ResponseWriter, r *http.Request) {
	views, err := h.engine.OpenPositions(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	if views == nil {
		views = []model.PositionView{}
	}
	writeJSON(w, http.StatusOK, views)
}

// CloseFuture handles POST /api/v1/futures/{positionID}/close
// Without current_price the position is closed at the underlying's quote.
func (h *Handler) CloseFuture(w http.ResponseWriter, r *http.Request) {
	var req CloseFutureRequest
	if !decode(w, r, &req) {
		return
	}
	positionID := chi.URLParam(r, "positionID")
	ctx := r.Context()

	var price int64
	if req.CurrentPrice != nil {
		price = *req.CurrentPrice
	} else {
		symbol, err := h.positionSymbol(ctx, req.UserID, positionID)
		if err != nil {
			h.writeEngineError(w, err)
			return
		}
		if price, err = h.priceOrQuote(ctx, nil, symbol); err != nil {
			h.writeEngineError(w, err)
			return
		}
	}

	res, err := h.engine.CloseFuture(ctx, positionID, req.UserID, price)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CloseFutureResponse{
		CloseResult:       *res,
		SettlementDisplay: display.Signed(res.Applied, h.currency),
		BalanceDisplay:    display.Amount(res.Wallet.Balance, h.currency),
	})
}

func (h *Handler) positionSymbol(ctx context.Context, userID, positionID string) (string, error) {
	views, err := h.engine.OpenPositions(ctx, userID)
	if err != nil {
		return "", err
	}
	for _, v := range views {
		if v.Position.ID == positionID {
			return v.Symbol, nil
		}
	}
	return "", fmt.Errorf("%w: %s", model.ErrPositionNotFound, positionID)
}

// RemoveContract handles DELETE /api/v1/contracts/{contractID}
func (h *Handler) RemoveContract(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.RemoveContract(r.Context(), chi.URLParam(r, "contractID")); err != nil {
		h.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Funds ---

// ListFunds handles GET /api/v1/funds
func (h *Handler) ListFunds(w http.ResponseWriter, r *http.Request) {
	funds, err := h.engine.Funds(r.Context())
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	if funds == nil {
		funds = []model.Fund{}
	}
	writeJSON(w, http.StatusOK, funds)
}

// AddFund handles POST /api/v1/funds
func (h *Handler) AddFund(w http.ResponseWriter, r *http.Request) {
	var req model.Fund
	if !decode(w, r, &req) {
		return
	}
	fund, err := h.engine.AddFund(r.Context(), req)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, fund)
}

// GetFund handles GET /api/v1/funds/{fundID}
func (h *Handler) GetFund(w http.ResponseWriter, r *http.Request) {
	fund, err := h.engine.Fund(r.Context(), chi.URLParam(r, "fundID"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fund)
}

// Invest handles POST /api/v1/funds/{fundID}/invest
func (h *Handler) Invest(w http.ResponseWriter, r *http.Request) {
	var req InvestRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.engine.InvestInFund(r.Context(), settlement.InvestRequest{
		UserID: req.UserID,
		FundID: chi.URLParam(r, "fundID"),
		Amount: req.Amount,
		NAV:    req.NAV,
	})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, InvestResponse{
		InvestResult:   *res,
		UsedDisplay:    display.Amount(res.Used, h.currency),
		BalanceDisplay: display.Amount(res.Wallet.Balance, h.currency),
	})
}

// ListInvestments handles GET /api/v1/funds/investments/{userID}
func (h *Handler) ListInvestments(w http.ResponseWriter, r *http.Request) {
	out, err := h.engine.FundInvestments(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	if out == nil {
		out = []model.FundInvestment{}
	}
	writeJSON(w, http.StatusOK, out)
}

// --- Dividends ---

// CreditDividend handles POST /api/v1/dividends
func (h *Handler) CreditDividend(w http.ResponseWriter, r *http.Request) {
	var req DividendRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.engine.CreditDividend(r.Context(), req.UserID, req.Symbol, req.Amount)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListDividends handles GET /api/v1/dividends/{userID}
func (h *Handler) ListDividends(w http.ResponseWriter, r *http.Request) {
	out, err := h.engine.Dividends(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	if out == nil {
		out = []model.Dividend{}
	}
	writeJSON(w, http.StatusOK, out)
}

// --- Portfolio & quotes ---

// GetPortfolio handles GET /api/v1/portfolio/{userID}
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	p, err := h.engine.Portfolio(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	if p.Holdings == nil {
		p.Holdings = []model.Holding{}
	}
	if p.Positions == nil {
		p.Positions = []model.PositionView{}
	}
	if p.Investments == nil {
		p.Investments = []model.FundInvestment{}
	}
	writeJSON(w, http.StatusOK, PortfolioResponse{
		Portfolio:            *p,
		BalanceDisplay:       display.Amount(p.Balance, h.currency),
		SpotValueDisplay:     display.Amount(p.SpotValue, h.currency),
		UnrealizedPnLDisplay: display.Signed(p.UnrealizedPnL, h.currency),
	})
}

// GetQuote handles GET /api/v1/quotes/{symbol}
func (h *Handler) GetQuote(w http.ResponseWriter, r *http.Request) {
	q, err := h.engine.Quote(r.Context(), chi.URLParam(r, "symbol"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// GetHistory handles GET /api/v1/quotes/{symbol}/history?period=1mo
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	bars, err := h.engine.History(r.Context(), chi.URLParam(r, "symbol"), r.URL.Query().Get("period"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bars)
}

// priceOrQuote returns *price when given, otherwise the symbol's current
// quote truncated to whole units.
func (h *Handler) priceOrQuote(ctx context.Context, price *int64, symbol string) (int64, error) {
	if price != nil {
		return *price, nil
	}
	q, err := h.engine.Quote(ctx, symbol)
	if err != nil {
		return 0, err
	}
	whole := q.WholePrice()
	if whole <= 0 {
		return 0, fmt.Errorf("%w: %s quoted below one unit", model.ErrQuoteUnavailable, q.Symbol)
	}
	return whole, nil
}

// --- Encoding ---

func (h *Handler) walletResponse(wallet *model.Wallet) WalletResponse {
	return WalletResponse{Wallet: *wallet, BalanceDisplay: display.Amount(wallet.Balance, h.currency)}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeEngineError maps an engine error to its status code. Storage
// failures are logged and reported without detail.
func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "err", err)
		msg = "internal error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": msg,
		"code":  model.ErrorCode(err),
	})
}

func statusFor(err error) int {
	var ve *model.ValidationError
	switch {
	case errors.As(err, &ve), errors.Is(err, model.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrPositionNotFound),
		errors.Is(err, model.ErrContractNotFound),
		errors.Is(err, model.ErrFundNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInsufficientFunds),
		errors.Is(err, model.ErrInsufficientShares),
		errors.Is(err, model.ErrAmountTooSmall):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrContractInUse):
		return http.StatusConflict
	case errors.Is(err, model.ErrQuoteUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
