package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/estocks/settlement-engine/internal/model"
)

func TestCommandNamesUnique(t *testing.T) {
	seen := map[string]bool{}
	for _, c := range commands {
		if seen[c.Name()] {
			t.Errorf("duplicate command %q", c.Name())
		}
		seen[c.Name()] = true
	}
	for _, want := range []string{"migrate", "expire", "deposit", "holdings", "quote", "fund-add"} {
		if !seen[want] {
			t.Errorf("missing command %q", want)
		}
	}
}

func TestPrintPortfolio(t *testing.T) {
	p := &model.Portfolio{
		UserID:    "u1",
		Balance:   1250,
		SpotValue: 300,
		Holdings: []model.Holding{
			{Symbol: "OGDC", Quantity: 3, Price: 100, Value: 300},
		},
		Positions: []model.PositionView{{
			Position: model.FuturePosition{ID: "p1", Quantity: 10, EntryPrice: 100},
			Contract: model.FutureContract{ContractType: model.Long, ExpiryDate: time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)},
			Symbol:   "HBL",
			Price:    105,
		}},
		MarginLocked:  150,
		UnrealizedPnL: 50,
	}

	var buf bytes.Buffer
	printPortfolio(&buf, p, "USD")
	out := buf.String()
	for _, want := range []string{"Cash: $1,250.00", "OGDC", "$300.00", "HBL", "2025-06-10", "Margin locked: $150.00", "+$50.00"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
