package quote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/shopspring/decimal"
)

const (
	defaultYahooBaseURL = "https://query1.finance.yahoo.com"
	yahooUserAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
)

// Yahoo reads quotes from the Yahoo Finance v7 quote and v8 chart endpoints.
type Yahoo struct {
	client   *http.Client
	baseURL  string
	currency string
}

// YahooOption configures a Yahoo source.
type YahooOption func(*Yahoo)

// WithBaseURL points the client at another host, e.g. a test server.
func WithBaseURL(u string) YahooOption {
	return func(y *Yahoo) { y.baseURL = u }
}

// NewYahoo creates a Yahoo source. currency is reported when the upstream
// omits one.
func NewYahoo(timeout time.Duration, currency string, opts ...YahooOption) *Yahoo {
	y := &Yahoo{
		client:   &http.Client{Timeout: timeout},
		baseURL:  defaultYahooBaseURL,
		currency: currency,
	}
	for _, opt := range opts {
		opt(y)
	}
	return y
}

func (y *Yahoo) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	addr := fmt.Sprintf("%s/v7/finance/quote?symbols=%s", y.baseURL, url.QueryEscape(YahooSymbol(symbol)))
	doc, err := y.get(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("quote %s: %w", symbol, err)
	}

	result, err := lookup("$.quoteResponse.result[0]", doc)
	if err != nil || result == nil {
		return nil, fmt.Errorf("quote %s: %w", symbol, ErrNoResult)
	}

	price, ok := decimalAt("$.regularMarketPrice", result)
	if !ok {
		price, ok = decimalAt("$.ask", result)
	}
	if !ok || !price.IsPositive() {
		return nil, fmt.Errorf("quote %s: %w", symbol, ErrNoResult)
	}

	q := &Quote{
		Symbol:      symbol,
		CompanyName: CompanyName(symbol),
		Price:       price,
		Currency:    y.currency,
		AsOf:        time.Now().UTC(),
	}
	q.PreviousClose, _ = decimalAt("$.regularMarketPreviousClose", result)
	q.Open, _ = decimalAt("$.regularMarketOpen", result)
	q.High, _ = decimalAt("$.regularMarketDayHigh", result)
	q.Low, _ = decimalAt("$.regularMarketDayLow", result)
	if v, ok := decimalAt("$.regularMarketVolume", result); ok {
		q.Volume = v.IntPart()
	}
	if v, ok := decimalAt("$.regularMarketTime", result); ok && v.IsPositive() {
		q.AsOf = time.Unix(v.IntPart(), 0).UTC()
	}
	if c, err := lookup("$.currency", result); err == nil {
		if s, ok := c.(string); ok && s != "" {
			q.Currency = s
		}
	}
	q.fillChange()
	return q, nil
}

func (y *Yahoo) GetHistory(ctx context.Context, symbol, period string) ([]Bar, error) {
	period = NormalizePeriod(period)
	addr := fmt.Sprintf("%s/v8/finance/chart/%s?interval=1d&range=%s",
		y.baseURL, url.PathEscape(YahooSymbol(symbol)), period)
	doc, err := y.get(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", symbol, err)
	}

	result, err := lookup("$.chart.result[0]", doc)
	if err != nil || result == nil {
		return nil, fmt.Errorf("history %s: %w", symbol, ErrNoResult)
	}
	timestamps, _ := listAt("$.timestamp", result)
	closes, _ := listAt("$.indicators.quote[0].close", result)
	if len(timestamps) == 0 || len(closes) == 0 {
		return nil, fmt.Errorf("history %s: %w", symbol, ErrNoResult)
	}
	opens, _ := listAt("$.indicators.quote[0].open", result)
	highs, _ := listAt("$.indicators.quote[0].high", result)
	lows, _ := listAt("$.indicators.quote[0].low", result)
	volumes, _ := listAt("$.indicators.quote[0].volume", result)

	var bars []Bar
	for i, ts := range timestamps {
		closeV, ok := toDecimal(at(closes, i))
		if !ok {
			continue // no trade that day
		}
		sec, ok := toDecimal(ts)
		if !ok {
			continue
		}
		b := Bar{
			Date:  time.Unix(sec.IntPart(), 0).UTC(),
			Close: closeV,
		}
		b.Open, _ = toDecimal(at(opens, i))
		b.High, _ = toDecimal(at(highs, i))
		b.Low, _ = toDecimal(at(lows, i))
		if v, ok := toDecimal(at(volumes, i)); ok {
			b.Volume = v.IntPart()
		}
		bars = append(bars, b)
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("history %s: %w", symbol, ErrNoResult)
	}
	return bars, nil
}

func (y *Yahoo) get(ctx context.Context, addr string) (any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", yahooUserAgent)

	resp, err := y.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("yahoo http %d", resp.StatusCode)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	dec := json.NewDecoder(&buf)
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode yahoo response: %w", err)
	}
	return doc, nil
}

// lookup evaluates a JSONPath expression. jsonpath returns a one-element
// list for some selectors and the bare value for others; a single-element
// list is unwrapped.
func lookup(path string, doc any) (any, error) {
	v, err := jsonpath.Get(path, doc)
	if err != nil {
		return nil, err
	}
	if list, ok := v.([]any); ok && len(list) == 1 {
		if _, nested := list[0].([]any); !nested {
			return list[0], nil
		}
	}
	return v, nil
}

func decimalAt(path string, doc any) (decimal.Decimal, bool) {
	v, err := lookup(path, doc)
	if err != nil {
		return decimal.Zero, false
	}
	return toDecimal(v)
}

func listAt(path string, doc any) ([]any, bool) {
	v, err := jsonpath.Get(path, doc)
	if err != nil {
		return nil, false
	}
	list, ok := v.([]any)
	return list, ok
}

func at(list []any, i int) any {
	if i < len(list) {
		return list[i]
	}
	return nil
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	case float64:
		return decimal.NewFromFloat(n), true
	}
	return decimal.Zero, false
}
