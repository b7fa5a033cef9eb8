// Package contract handles futures contract tickers and the symbol and
// expiry rules shared by every contract.
package contract

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/estocks/settlement-engine/internal/model"
)

// tickerRegex matches: {SYMBOL}-{YYYYMMDD}-{LONG|SHORT}
// Example: OGDC-20250815-LONG
var tickerRegex = regexp.MustCompile(`^([A-Z0-9]{1,12})-(\d{8})-(LONG|SHORT)$`)

var symbolRegex = regexp.MustCompile(`^[A-Z0-9]{1,12}$`)

var (
	ErrInvalidTicker = errors.New("contract: invalid ticker format")
	ErrInvalidSymbol = errors.New("contract: invalid symbol")
	ErrExpired       = errors.New("contract: expiry date is in the past")
)

// Contract represents a parsed futures contract ticker.
type Contract struct {
	Ticker     string     `json:"ticker"`
	Symbol     string     `json:"symbol"`
	ExpiryDate time.Time  `json:"expiry_date"`
	Side       model.Side `json:"side"`
}

// ParseTicker parses and validates a contract ticker string.
// Format: {SYMBOL}-{YYYYMMDD}-{LONG|SHORT}
func ParseTicker(ticker string) (*Contract, error) {
	matches := tickerRegex.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(ticker)))
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected {SYMBOL}-{YYYYMMDD}-{LONG|SHORT})",
			ErrInvalidTicker, ticker)
	}

	expiry, err := time.Parse("20060102", matches[2])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid date %s", ErrInvalidTicker, matches[2])
	}

	return &Contract{
		Ticker:     matches[0],
		Symbol:     matches[1],
		ExpiryDate: expiry,
		Side:       model.Side(matches[3]),
	}, nil
}

// Ticker formats the ticker of a contract on symbol.
func Ticker(symbol string, expiry time.Time, side model.Side) string {
	return fmt.Sprintf("%s-%s-%s", symbol, expiry.UTC().Format("20060102"), side)
}

// NormalizeSymbol upper-cases a symbol and strips an exchange suffix such as
// ".KA", so that OGDC, ogdc and OGDC.KA name the same stock.
func NormalizeSymbol(symbol string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if i := strings.IndexByte(s, '.'); i > 0 {
		s = s[:i]
	}
	if !symbolRegex.MatchString(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	return s, nil
}

// ValidateExpiry rejects expiry dates before today's UTC date. A contract
// expiring today is accepted and settles on the next expiry pass.
func ValidateExpiry(expiry, now time.Time) error {
	y, m, d := now.UTC().Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	if expiry.UTC().Before(today) {
		return fmt.Errorf("%w: %s", ErrExpired, expiry.UTC().Format(time.DateOnly))
	}
	return nil
}
