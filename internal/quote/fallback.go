package quote

import (
	"context"
	"hash/fnv"
	"log/slog"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
)

// Synthetic produces deterministic quotes and histories seeded by the
// symbol, so the same symbol always yields the same prices.
type Synthetic struct {
	Currency string
	Now      func() time.Time
}

// NewSynthetic creates a generator quoting in currency.
func NewSynthetic(currency string) *Synthetic {
	return &Synthetic{Currency: currency, Now: time.Now}
}

func seeded(symbol string) *rand.Rand {
	h := fnv.New64a()
	h.Write([]byte(symbol))
	return rand.New(rand.NewSource(int64(h.Sum64())))
}

func money2(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f).Round(2)
}

func (s *Synthetic) GetQuote(_ context.Context, symbol string) (*Quote, error) {
	r := seeded(symbol)
	base := float64(50 + r.Intn(150))
	change := r.Float64()*10 - 5

	q := &Quote{
		Symbol:        symbol,
		CompanyName:   CompanyName(symbol),
		Price:         money2(base + change),
		PreviousClose: money2(base),
		Open:          money2(base + r.Float64()*2 - 1),
		High:          money2(base + r.Float64()*5),
		Low:           money2(base - r.Float64()*5),
		Volume:        int64(500_000 + r.Intn(4_500_000)),
		Currency:      s.Currency,
		AsOf:          s.Now().UTC(),
		Fallback:      true,
	}
	q.High = decimal.Max(q.High, q.Price, q.Open)
	q.Low = decimal.Min(q.Low, q.Price, q.Open)
	q.fillChange()
	return q, nil
}

func (s *Synthetic) GetHistory(_ context.Context, symbol, period string) ([]Bar, error) {
	r := seeded(symbol)
	base := float64(50 + r.Intn(150))
	days := PeriodDays(period)

	y, m, d := s.Now().UTC().Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)

	bars := make([]Bar, 0, days+1)
	for i := days; i >= 0; i-- {
		price := base + r.Float64()*10 - 5
		if price < 1 {
			price = 1
		}
		bars = append(bars, Bar{
			Date:   today.AddDate(0, 0, -i),
			Open:   money2(price - r.Float64()*2),
			High:   money2(price + r.Float64()*3),
			Low:    money2(price - r.Float64()*3),
			Close:  money2(price),
			Volume: int64(500_000 + r.Intn(4_500_000)),
		})
		base = price
	}
	return bars, nil
}

type fallbackSource struct {
	primary   Source
	synthetic *Synthetic
	logger    *slog.Logger
}

// WithFallback answers from primary and substitutes synthetic data whenever
// primary fails. Substituted quotes carry Fallback = true.
func WithFallback(primary Source, synthetic *Synthetic, logger *slog.Logger) Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &fallbackSource{primary: primary, synthetic: synthetic, logger: logger}
}

func (f *fallbackSource) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	q, err := f.primary.GetQuote(ctx, symbol)
	if err == nil {
		return q, nil
	}
	f.logger.Warn("quote upstream failed, using synthetic quote", "symbol", symbol, "error", err)
	return f.synthetic.GetQuote(ctx, symbol)
}

func (f *fallbackSource) GetHistory(ctx context.Context, symbol, period string) ([]Bar, error) {
	bars, err := f.primary.GetHistory(ctx, symbol, period)
	if err == nil && len(bars) > 0 {
		return bars, nil
	}
	f.logger.Warn("history upstream failed, using synthetic history", "symbol", symbol, "period", period, "error", err)
	return f.synthetic.GetHistory(ctx, symbol, period)
}
