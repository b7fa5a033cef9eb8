package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/estocks/settlement-engine/internal/model"
	"github.com/estocks/settlement-engine/internal/quote"
)

func TestPortfolio(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, "u1", 5000)

	if _, err := f.engine.BuySpot(ctx, SpotRequest{UserID: "u1", Symbol: "OGDC", Quantity: 10, Price: 100}); err != nil {
		t.Fatalf("buy: %v", err)
	}
	f.open(t, "u1", model.Long, 10, 100) // margin 150
	// Selling one share at 110 moves the latest OGDC price.
	if _, err := f.engine.SellSpot(ctx, SpotRequest{UserID: "u1", Symbol: "OGDC", Quantity: 1, Price: 110}); err != nil {
		t.Fatalf("sell: %v", err)
	}

	p, err := f.engine.Portfolio(ctx, "u1")
	if err != nil {
		t.Fatalf("portfolio: %v", err)
	}
	if p.Balance != 5000-1000-150+110 {
		t.Errorf("balance = %d", p.Balance)
	}
	if p.SpotValue != 9*110 {
		t.Errorf("spot value = %d, want 990", p.SpotValue)
	}
	if p.MarginLocked != 150 {
		t.Errorf("margin locked = %d, want 150", p.MarginLocked)
	}
	if p.UnrealizedPnL != 100 {
		t.Errorf("unrealized = %d, want 100", p.UnrealizedPnL)
	}
	if len(p.Positions) != 1 || len(p.Holdings) != 1 {
		t.Errorf("positions = %d holdings = %d", len(p.Positions), len(p.Holdings))
	}
}

// stubSource answers with a fixed quote or error.
type stubSource struct {
	q   *quote.Quote
	err error
}

func (s stubSource) GetQuote(context.Context, string) (*quote.Quote, error) {
	return s.q, s.err
}

func (s stubSource) GetHistory(context.Context, string, string) ([]quote.Bar, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []quote.Bar{{Date: start, Close: s.q.Price}}, nil
}

func TestQuote(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t)
	if _, err := f.engine.Quote(ctx, "OGDC"); !errors.Is(err, model.ErrQuoteUnavailable) {
		t.Errorf("no source: got %v", err)
	}

	f = newFixture(t, WithQuotes(stubSource{err: errors.New("upstream down")}))
	if _, err := f.engine.Quote(ctx, "OGDC"); !errors.Is(err, model.ErrQuoteUnavailable) {
		t.Errorf("failing source: got %v", err)
	}
	if _, err := f.engine.History(ctx, "OGDC", "1y"); !errors.Is(err, model.ErrQuoteUnavailable) {
		t.Errorf("failing history: got %v", err)
	}

	want := &quote.Quote{Symbol: "OGDC", Price: decimal.RequireFromString("101.75")}
	f = newFixture(t, WithQuotes(stubSource{q: want}))
	q, err := f.engine.Quote(ctx, "ogdc.ka")
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if q.WholePrice() != 101 {
		t.Errorf("whole price = %d, want 101", q.WholePrice())
	}
	bars, err := f.engine.History(ctx, "OGDC", "bogus")
	if err != nil || len(bars) != 1 {
		t.Errorf("history: %d bars, err %v", len(bars), err)
	}
}

func TestQuote_SyntheticFallbackIsMarked(t *testing.T) {
	src := quote.WithFallback(stubSource{err: errors.New("down")}, &quote.Synthetic{Currency: "PKR", Now: func() time.Time { return start }}, nil)
	f := newFixture(t, WithQuotes(src))

	q, err := f.engine.Quote(context.Background(), "HBL")
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if !q.Fallback {
		t.Error("synthetic quote should be marked as fallback")
	}
}
