package calc

import (
	"errors"
	"math"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/estocks/settlement-engine/internal/model"
)

func TestRequiredMargin(t *testing.T) {
	tests := []struct {
		price, qty int64
		want       int64
	}{
		{100, 10, 150},
		{101, 3, 46}, // ceil(45.45)
		{1, 1, 1},    // ceil(0.15)
		{0, 10, 0},
		{200, 0, 0},
		{333, 7, 350}, // ceil(349.65)
		{20, 5, 15},
	}
	for _, tt := range tests {
		if got, err := RequiredMargin(tt.price, tt.qty); err != nil || got != tt.want {
			t.Errorf("RequiredMargin(%d, %d) = %d, %v, want %d", tt.price, tt.qty, got, err, tt.want)
		}
	}
}

func TestRequiredMarginAt_CustomRate(t *testing.T) {
	rate := decimal.RequireFromString("0.1")
	if got, err := RequiredMarginAt(101, 3, rate); err != nil || got != 31 { // ceil(30.3)
		t.Errorf("got %d, %v, want 31", got, err)
	}
}

func TestValidateRate(t *testing.T) {
	for _, s := range []string{"0.15", "1", "0.0001"} {
		if err := ValidateRate(decimal.RequireFromString(s)); err != nil {
			t.Errorf("rate %s: unexpected error %v", s, err)
		}
	}
	for _, s := range []string{"0", "-0.1", "1.5"} {
		if err := ValidateRate(decimal.RequireFromString(s)); !errors.Is(err, ErrInvalidRate) {
			t.Errorf("rate %s: expected ErrInvalidRate, got %v", s, err)
		}
	}
}

func TestProfitLoss(t *testing.T) {
	tests := []struct {
		name             string
		entry, exit, qty int64
		side             model.Side
		want             int64
	}{
		{"long rising", 100, 120, 5, model.Long, 100},
		{"short rising", 100, 120, 5, model.Short, -100},
		{"short falling", 100, 80, 5, model.Short, 100},
	}
	for _, tt := range tests {
		got, err := ProfitLoss(tt.entry, tt.exit, tt.qty, tt.side)
		if err != nil || got != tt.want {
			t.Errorf("%s: got %d, %v, want %d", tt.name, got, err, tt.want)
		}
	}
}

func TestSettlementAmount(t *testing.T) {
	tests := []struct {
		name             string
		entry, qty, exit int64
		side             model.Side
		want             int64
	}{
		{"flat long returns margin", 100, 10, 100, model.Long, 150},
		{"long gain", 100, 10, 110, model.Long, 250},
		{"short gain", 100, 10, 90, model.Short, 250},
		{"loss beyond margin", 100, 10, 70, model.Long, -150},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got, err := SettlementAmount(tt.entry, tt.qty, tt.exit, tt.side); err != nil || got != tt.want {
				t.Errorf("got %d, %v, want %d", got, err, tt.want)
			}
		})
	}
}

func TestCheckedArithmetic_Boundary(t *testing.T) {
	if got, err := Mul(math.MaxInt64, 1); err != nil || got != math.MaxInt64 {
		t.Errorf("Mul(max, 1) = %d, %v", got, err)
	}
	if got, err := Add(math.MaxInt64-1, 1); err != nil || got != math.MaxInt64 {
		t.Errorf("Add(max-1, 1) = %d, %v", got, err)
	}

	overflows := []struct {
		name string
		fn   func() (int64, error)
	}{
		{"mul wraps to small positive", func() (int64, error) { return Mul(1<<62+1, 4) }},
		{"mul past max", func() (int64, error) { return Mul(math.MaxInt64/2+1, 2) }},
		{"add past max", func() (int64, error) { return Add(math.MaxInt64, 1) }},
		{"sub past min", func() (int64, error) { return Sub(math.MinInt64, 1) }},
		{"notional", func() (int64, error) { return Notional(1<<32, 1<<32) }},
		{"margin", func() (int64, error) { return RequiredMarginAt(math.MaxInt64, 2, decimal.NewFromInt(1)) }},
		{"profit loss", func() (int64, error) { return ProfitLoss(1, math.MaxInt64, 2, model.Long) }},
		{"short loss", func() (int64, error) { return ProfitLoss(0, math.MaxInt64, 2, model.Short) }},
		{"settlement", func() (int64, error) { return SettlementAmount(1, math.MaxInt64, math.MaxInt64, model.Long) }},
	}
	for _, tt := range overflows {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.fn()
			if !errors.Is(err, ErrOverflow) || !errors.Is(err, model.ErrInvalidAmount) {
				t.Errorf("got %d, %v, want ErrOverflow", got, err)
			}
		})
	}
}

func TestFundUnits(t *testing.T) {
	p, err := FundUnits(1000, 333)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Units.Equal(decimal.RequireFromString("3.003")) {
		t.Errorf("units = %s, want 3.0030", p.Units)
	}
	if p.Used != 999 {
		t.Errorf("used = %d, want 999", p.Used)
	}
	if p.RawUnits.LessThanOrEqual(p.Units) {
		t.Errorf("raw units %s should exceed truncated %s", p.RawUnits, p.Units)
	}
}

func TestFundUnits_ExactDivision(t *testing.T) {
	p, err := FundUnits(1000, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Units.Equal(decimal.NewFromInt(10)) || p.Used != 1000 {
		t.Errorf("got units=%s used=%d, want 10 and 1000", p.Units, p.Used)
	}
}

func TestFundUnits_Errors(t *testing.T) {
	if _, err := FundUnits(0, 100); !errors.Is(err, model.ErrInvalidAmount) {
		t.Errorf("zero amount: got %v", err)
	}
	if _, err := FundUnits(-5, 100); !errors.Is(err, model.ErrInvalidAmount) {
		t.Errorf("negative amount: got %v", err)
	}
	if _, err := FundUnits(100, 0); !errors.Is(err, ErrInvalidNAV) {
		t.Errorf("zero nav: got %v", err)
	}
	// 1 / 20000 = 0.00005 truncates to 0 units.
	if _, err := FundUnits(1, 20000); !errors.Is(err, model.ErrAmountTooSmall) {
		t.Errorf("tiny amount: got %v", err)
	}
	// 1 / 3 = 0.3333 units, 0.3333 × 3 = 0.9999 floors to 0 cash.
	if _, err := FundUnits(1, 3); !errors.Is(err, model.ErrAmountTooSmall) {
		t.Errorf("zero cash used: got %v", err)
	}
}
