package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/estocks/settlement-engine/internal/api"
	"github.com/estocks/settlement-engine/internal/model"
	"github.com/estocks/settlement-engine/internal/quote"
	"github.com/estocks/settlement-engine/internal/settlement"
	"github.com/estocks/settlement-engine/internal/store"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// fixedQuotes quotes every symbol at the same price.
type fixedQuotes struct {
	price string
}

func (f fixedQuotes) GetQuote(_ context.Context, symbol string) (*quote.Quote, error) {
	if f.price == "" {
		return nil, errors.New("upstream down")
	}
	return &quote.Quote{Symbol: symbol, Price: decimal.RequireFromString(f.price), Currency: "USD"}, nil
}

func (f fixedQuotes) GetHistory(_ context.Context, _, _ string) ([]quote.Bar, error) {
	return []quote.Bar{{Date: now, Close: decimal.RequireFromString(f.price)}}, nil
}

// newTestEnv creates an engine over an in-memory store behind a chi router.
func newTestEnv(t *testing.T, quotes quote.Source) chi.Router {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := settlement.New(store.NewMemoryStore(),
		settlement.WithQuotes(quotes),
		settlement.WithLogger(logger),
		settlement.WithClock(func() time.Time { return now }),
	)
	h := api.NewHandler(engine, nil, "USD", logger)

	r := chi.NewRouter()
	r.Route("/api/v1", h.Routes)
	return r
}

func do(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
}

func ptr(v int64) *int64 { return &v }

func deposit(t *testing.T, router chi.Router, userID string, amount int64) {
	t.Helper()
	w := do(t, router, "POST", "/api/v1/wallets/"+userID+"/deposit", api.DepositRequest{Amount: amount})
	if w.Code != http.StatusOK {
		t.Fatalf("deposit: status %d body %s", w.Code, w.Body.String())
	}
}

func TestDepositAndWallet(t *testing.T) {
	router := newTestEnv(t, fixedQuotes{price: "100"})
	deposit(t, router, "u1", 1250)

	w := do(t, router, "GET", "/api/v1/wallets/u1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	var resp api.WalletResponse
	decodeBody(t, w, &resp)
	if resp.Balance != 1250 {
		t.Errorf("balance = %d", resp.Balance)
	}
	if resp.BalanceDisplay != "$1,250.00" {
		t.Errorf("display = %q", resp.BalanceDisplay)
	}
}

func TestDeposit_InvalidAmount(t *testing.T) {
	router := newTestEnv(t, fixedQuotes{price: "100"})
	w := do(t, router, "POST", "/api/v1/wallets/u1/deposit", api.DepositRequest{Amount: -1})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", w.Code)
	}
	var body map[string]string
	decodeBody(t, w, &body)
	if body["code"] != "invalid_amount" {
		t.Errorf("code = %q", body["code"])
	}
}

func TestBadJSON(t *testing.T) {
	router := newTestEnv(t, fixedQuotes{price: "100"})
	req := httptest.NewRequest("POST", "/api/v1/spot/buy", strings.NewReader("{"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status %d, want 400", w.Code)
	}
}

func TestSpot_PriceFromQuoteIsTruncated(t *testing.T) {
	router := newTestEnv(t, fixedQuotes{price: "99.95"})
	deposit(t, router, "u1", 1000)

	w := do(t, router, "POST", "/api/v1/spot/buy", api.SpotRequest{UserID: "u1", Symbol: "OGDC", Quantity: 10})
	if w.Code != http.StatusOK {
		t.Fatalf("status %d body %s", w.Code, w.Body.String())
	}
	var resp api.SpotResponse
	decodeBody(t, w, &resp)
	if resp.Price != 99 {
		t.Errorf("price = %d, want 99", resp.Price)
	}
	if resp.Wallet.Balance != 10 {
		t.Errorf("balance = %d, want 10", resp.Wallet.Balance)
	}

	w = do(t, router, "POST", "/api/v1/spot/sell", api.SpotRequest{UserID: "u1", Symbol: "OGDC", Quantity: 11, Price: ptr(100)})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("oversell status %d, want 422", w.Code)
	}

	w = do(t, router, "GET", "/api/v1/holdings/u1", nil)
	var holdings []model.Holding
	decodeBody(t, w, &holdings)
	if len(holdings) != 1 || holdings[0].Quantity != 10 {
		t.Errorf("holdings = %+v", holdings)
	}
}

func TestSpot_QuoteUnavailable(t *testing.T) {
	router := newTestEnv(t, fixedQuotes{})
	deposit(t, router, "u1", 1000)

	w := do(t, router, "POST", "/api/v1/spot/buy", api.SpotRequest{UserID: "u1", Symbol: "OGDC", Quantity: 1})
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status %d, want 503", w.Code)
	}
	// An explicit price needs no quote.
	w = do(t, router, "POST", "/api/v1/spot/buy", api.SpotRequest{UserID: "u1", Symbol: "OGDC", Quantity: 1, Price: ptr(10)})
	if w.Code != http.StatusOK {
		t.Errorf("status %d, want 200", w.Code)
	}
}

func TestFutures_OpenByTickerAndClose(t *testing.T) {
	router := newTestEnv(t, fixedQuotes{price: "110"})
	deposit(t, router, "u1", 1000)

	w := do(t, router, "POST", "/api/v1/futures", api.OpenFutureRequest{
		UserID:        "u1",
		Ticker:        "ogdc-20250610-long",
		Quantity:      10,
		ContractPrice: ptr(100),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("open status %d body %s", w.Code, w.Body.String())
	}
	var opened api.OpenFutureResponse
	decodeBody(t, w, &opened)
	if opened.Margin != 150 || opened.Wallet.Balance != 850 {
		t.Errorf("margin %d balance %d", opened.Margin, opened.Wallet.Balance)
	}

	w = do(t, router, "GET", "/api/v1/futures/u1", nil)
	var views []model.PositionView
	decodeBody(t, w, &views)
	if len(views) != 1 || views[0].Symbol != "OGDC" {
		t.Fatalf("positions = %+v", views)
	}

	// No price given: closes at the 110 quote.
	w = do(t, router, "POST", "/api/v1/futures/"+opened.Position.ID+"/close", api.CloseFutureRequest{UserID: "u1"})
	if w.Code != http.StatusOK {
		t.Fatalf("close status %d body %s", w.Code, w.Body.String())
	}
	var closed api.CloseFutureResponse
	decodeBody(t, w, &closed)
	if closed.ExitPrice != 110 || closed.Wallet.Balance != 1100 {
		t.Errorf("exit %d balance %d", closed.ExitPrice, closed.Wallet.Balance)
	}

	w = do(t, router, "POST", "/api/v1/futures/"+opened.Position.ID+"/close", api.CloseFutureRequest{UserID: "u1", CurrentPrice: ptr(100)})
	if w.Code != http.StatusNotFound {
		t.Errorf("second close status %d, want 404", w.Code)
	}

	w = do(t, router, "DELETE", "/api/v1/contracts/"+opened.Contract.ID, nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("remove contract status %d, want 204", w.Code)
	}
}

func TestFutures_BadInput(t *testing.T) {
	router := newTestEnv(t, fixedQuotes{price: "100"})
	deposit(t, router, "u1", 1000)

	tests := []struct {
		name string
		req  api.OpenFutureRequest
		want int
	}{
		{"bad ticker", api.OpenFutureRequest{UserID: "u1", Ticker: "OGDC-2025-UP", Quantity: 1}, http.StatusBadRequest},
		{"bad side", api.OpenFutureRequest{UserID: "u1", Symbol: "OGDC", Expiry: "2025-06-10", Side: "UP", Quantity: 1}, http.StatusBadRequest},
		{"bad expiry", api.OpenFutureRequest{UserID: "u1", Symbol: "OGDC", Expiry: "10/06/2025", Side: "LONG", Quantity: 1}, http.StatusBadRequest},
		{"expired", api.OpenFutureRequest{UserID: "u1", Symbol: "OGDC", Expiry: "2025-05-01", Side: "LONG", Quantity: 1}, http.StatusBadRequest},
		{"too large", api.OpenFutureRequest{UserID: "u1", Symbol: "OGDC", Expiry: "2025-06-10", Side: "SHORT", Quantity: 1000}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, "POST", "/api/v1/futures", tt.req)
			if w.Code != tt.want {
				t.Errorf("status %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestFunds(t *testing.T) {
	router := newTestEnv(t, fixedQuotes{price: "100"})
	deposit(t, router, "u1", 1000)

	w := do(t, router, "POST", "/api/v1/funds", model.Fund{Name: "Income Fund", Type: "Income", NAV: 333})
	if w.Code != http.StatusCreated {
		t.Fatalf("add fund status %d", w.Code)
	}
	var fund model.Fund
	decodeBody(t, w, &fund)

	w = do(t, router, "POST", "/api/v1/funds/"+fund.ID+"/invest", api.InvestRequest{UserID: "u1", Amount: 1000})
	if w.Code != http.StatusOK {
		t.Fatalf("invest status %d body %s", w.Code, w.Body.String())
	}
	var inv api.InvestResponse
	decodeBody(t, w, &inv)
	if inv.Used != 999 || inv.Wallet.Balance != 1 || inv.UsedDisplay != "$999.00" {
		t.Errorf("invest = %+v", inv)
	}

	w = do(t, router, "GET", "/api/v1/funds/investments/u1", nil)
	var investments []model.FundInvestment
	decodeBody(t, w, &investments)
	if len(investments) != 1 {
		t.Errorf("investments = %d", len(investments))
	}

	w = do(t, router, "POST", "/api/v1/funds/nope/invest", api.InvestRequest{UserID: "u1", Amount: 1})
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown fund status %d, want 404", w.Code)
	}

	w = do(t, router, "GET", "/api/v1/funds", nil)
	var funds []model.Fund
	decodeBody(t, w, &funds)
	if len(funds) != 1 {
		t.Errorf("funds = %d", len(funds))
	}
}

func TestDividendsAndPortfolio(t *testing.T) {
	router := newTestEnv(t, fixedQuotes{price: "100"})
	deposit(t, router, "u1", 1000)

	w := do(t, router, "POST", "/api/v1/dividends", api.DividendRequest{UserID: "u1", Symbol: "HBL", Amount: 20})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("dividend without holding: status %d, want 422", w.Code)
	}

	do(t, router, "POST", "/api/v1/spot/buy", api.SpotRequest{UserID: "u1", Symbol: "HBL", Quantity: 2, Price: ptr(100)})
	w = do(t, router, "POST", "/api/v1/dividends", api.DividendRequest{UserID: "u1", Symbol: "HBL", Amount: 20})
	if w.Code != http.StatusOK {
		t.Fatalf("dividend status %d body %s", w.Code, w.Body.String())
	}

	w = do(t, router, "GET", "/api/v1/portfolio/u1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("portfolio status %d", w.Code)
	}
	var p api.PortfolioResponse
	decodeBody(t, w, &p)
	if p.Balance != 820 || p.SpotValue != 200 {
		t.Errorf("balance %d spot value %d", p.Balance, p.SpotValue)
	}
	if p.BalanceDisplay != "$820.00" {
		t.Errorf("display = %q", p.BalanceDisplay)
	}

	w = do(t, router, "GET", "/api/v1/ledger/u1", nil)
	var entries []model.LedgerEntry
	decodeBody(t, w, &entries)
	if len(entries) != 3 {
		t.Errorf("ledger entries = %d, want 3", len(entries))
	}
}

func TestQuotes(t *testing.T) {
	router := newTestEnv(t, fixedQuotes{price: "101.5"})

	w := do(t, router, "GET", "/api/v1/quotes/ogdc", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	var q quote.Quote
	decodeBody(t, w, &q)
	if q.Symbol != "OGDC" || !q.Price.Equal(decimal.RequireFromString("101.5")) {
		t.Errorf("quote = %+v", q)
	}

	w = do(t, router, "GET", "/api/v1/quotes/OGDC/history?period=5d", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("history status %d", w.Code)
	}

	w = do(t, router, "GET", "/api/v1/quotes/not-a-symbol!/history", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad symbol status %d, want 400", w.Code)
	}
}
