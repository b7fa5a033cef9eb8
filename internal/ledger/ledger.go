// Package ledger builds immutable ledger entries and derives state from them.
//
// The ledger is the only record of historical activity. Spot holdings are
// never stored; they are replayed from BUY_SPOT and SELL_SPOT entries every
// time they are needed.
package ledger

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/estocks/settlement-engine/internal/model"
)

// NewEntry creates a ledger entry for the given wallet. Quantity must be
// non-negative; the direction of the event is carried by typ.
func NewEntry(w *model.Wallet, stockID string, typ model.TxType, quantity, amount int64, at time.Time) *model.LedgerEntry {
	return &model.LedgerEntry{
		ID:        uuid.New().String(),
		UserID:    w.UserID,
		WalletID:  w.ID,
		StockID:   stockID,
		Quantity:  quantity,
		Type:      typ,
		Amount:    amount,
		CreatedAt: at.UTC(),
	}
}

// NetSpotQuantity replays entries and returns BUY_SPOT minus SELL_SPOT
// quantity for stockID. Entries for other stocks are ignored.
func NetSpotQuantity(entries []model.LedgerEntry, stockID string) int64 {
	own := Filter(entries, func(e model.LedgerEntry) bool { return e.StockID == stockID })
	return QuantityByType(own, model.TxBuySpot) - QuantityByType(own, model.TxSellSpot)
}

// SpotQuantities replays entries into net spot quantity per stock ID. Stocks
// whose net quantity is zero are omitted.
func SpotQuantities(entries []model.LedgerEntry) map[string]int64 {
	out := make(map[string]int64)
	for _, e := range entries {
		switch e.Type {
		case model.TxBuySpot:
			out[e.StockID] += e.Quantity
		case model.TxSellSpot:
			out[e.StockID] -= e.Quantity
		}
	}
	for id, q := range out {
		if q == 0 {
			delete(out, id)
		}
	}
	return out
}

// QuantityByType sums entry quantities of one type.
func QuantityByType(entries []model.LedgerEntry, typ model.TxType) int64 {
	var sum int64
	for _, e := range entries {
		if e.Type == typ {
			sum += e.Quantity
		}
	}
	return sum
}

// CashFlow sums the signed wallet deltas recorded on entries. For a complete
// ledger of one user it equals the wallet balance.
func CashFlow(entries []model.LedgerEntry) int64 {
	var sum int64
	for _, e := range entries {
		sum += e.Amount
	}
	return sum
}

// Filter returns the entries for which keep returns true.
func Filter(entries []model.LedgerEntry, keep func(model.LedgerEntry) bool) []model.LedgerEntry {
	var out []model.LedgerEntry
	for _, e := range entries {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

// SortChronological orders entries by CreatedAt, keeping insertion order for ties.
func SortChronological(entries []model.LedgerEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
}
