package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/estocks/settlement-engine/internal/model"
)

var day = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

// seedPosition commits a stock, contract and position for userID.
func seedPosition(t *testing.T, s Store, userID, posID string, expiry time.Time) {
	t.Helper()
	err := s.InTx(context.Background(), userID, func(ctx context.Context, tx Tx) error {
		st, err := tx.StockBySymbol(ctx, userID, "OGDC")
		if errors.Is(err, ErrNotFound) {
			st = &model.Stock{ID: newID(), UserID: userID, Symbol: "OGDC", Price: 100}
			if err := tx.SaveStock(ctx, st); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
		c, err := tx.ContractByKey(ctx, st.ID, expiry, model.Long)
		if errors.Is(err, ErrNotFound) {
			c = &model.FutureContract{ID: newID(), StockID: st.ID, ExpiryDate: expiry, ContractPrice: 100, ContractType: model.Long}
			if err := tx.InsertContract(ctx, c); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
		return tx.InsertPosition(ctx, &model.FuturePosition{
			ID: posID, ContractID: c.ID, UserID: userID, Quantity: 1, EntryPrice: 100, OpenedAt: day,
		})
	})
	if err != nil {
		t.Fatalf("seed position %s: %v", posID, err)
	}
}

func TestMemoryStore_FailedUnitLeavesNothing(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.InTx(ctx, "u1", func(ctx context.Context, tx Tx) error {
		w, err := tx.LockWallet(ctx, "u1")
		if err != nil {
			return err
		}
		w.Balance = 500
		if err := tx.SaveWallet(ctx, w); err != nil {
			return err
		}
		if err := tx.AppendLedger(ctx, &model.LedgerEntry{ID: "e1", UserID: "u1", Type: model.TxAddFunds, Amount: 500}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}
	if _, err := s.GetWallet(ctx, "u1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("wallet persisted after a failed unit: %v", err)
	}
	entries, _ := s.LedgerByUser(ctx, "u1")
	if len(entries) != 0 {
		t.Errorf("ledger persisted after a failed unit: %v", entries)
	}
}

func TestMemoryStore_CommitIsVisible(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	err := s.InTx(ctx, "u1", func(ctx context.Context, tx Tx) error {
		w, err := tx.LockWallet(ctx, "u1")
		if err != nil {
			return err
		}
		w.Balance = 500
		if err := tx.SaveWallet(ctx, w); err != nil {
			return err
		}
		if err := tx.AppendLedger(ctx, &model.LedgerEntry{ID: "e1", UserID: "u1", StockID: "s1", Type: model.TxBuySpot, Quantity: 3}); err != nil {
			return err
		}
		// Entries staged in this unit are visible to later reads in it.
		entries, err := tx.LedgerByStock(ctx, "u1", "s1")
		if err != nil {
			return err
		}
		if len(entries) != 1 {
			t.Errorf("staged entries = %d, want 1", len(entries))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	w, err := s.GetWallet(ctx, "u1")
	if err != nil || w.Balance != 500 {
		t.Fatalf("wallet = %+v, %v", w, err)
	}
	entries, _ := s.LedgerByUser(ctx, "u1")
	if len(entries) != 1 {
		t.Errorf("ledger = %d entries, want 1", len(entries))
	}
}

func TestMemoryStore_LockWalletOtherUser(t *testing.T) {
	s := NewMemoryStore()
	err := s.InTx(context.Background(), "u1", func(ctx context.Context, tx Tx) error {
		_, err := tx.LockWallet(ctx, "u2")
		return err
	})
	if err == nil {
		t.Fatal("expected an error locking another user's wallet")
	}
}

func TestMemoryStore_NegativeBalanceRejectedAtCommit(t *testing.T) {
	s := NewMemoryStore()
	err := s.InTx(context.Background(), "u1", func(ctx context.Context, tx Tx) error {
		w, _ := tx.LockWallet(ctx, "u1")
		w.Balance = -1
		return tx.SaveWallet(ctx, w)
	})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("got %v, want ErrConflict", err)
	}
}

func TestMemoryStore_ExpiredPositionsOrderedByExpiry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	seedPosition(t, s, "u1", "p-late", day.AddDate(0, 0, 2))
	seedPosition(t, s, "u1", "p-early", day)
	seedPosition(t, s, "u2", "p-future", day.AddDate(0, 0, 30))

	got, err := s.ExpiredPositions(ctx, day.AddDate(0, 0, 2))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0].Position.ID != "p-early" || got[1].Position.ID != "p-late" {
		t.Fatalf("got %+v", got)
	}
	if got[0].Symbol != "OGDC" || got[0].Price != 100 {
		t.Errorf("view not joined with stock: %+v", got[0])
	}

	// Expiry at exactly now counts as expired.
	got, _ = s.ExpiredPositions(ctx, day)
	if len(got) != 1 {
		t.Errorf("at expiry instant: %d positions, want 1", len(got))
	}
}

func TestMemoryStore_DeletePositionTwice(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedPosition(t, s, "u1", "p1", day)

	del := func(ctx context.Context, tx Tx) error { return tx.DeletePosition(ctx, "p1") }
	if err := s.InTx(ctx, "u1", del); err != nil {
		t.Fatalf("first delete: %v", err)
	}
	if err := s.InTx(ctx, "u1", del); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete: got %v, want ErrNotFound", err)
	}
	if got, _ := s.ExpiredPositions(ctx, day); len(got) != 0 {
		t.Errorf("expiry index still holds %d positions", len(got))
	}
}

func TestMemoryStore_DeleteContract(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedPosition(t, s, "u1", "p1", day)

	views, _ := s.PositionsByUser(ctx, "u1")
	contractID := views[0].Contract.ID

	if err := s.DeleteContract(ctx, contractID); !errors.Is(err, ErrConflict) {
		t.Errorf("in use: got %v, want ErrConflict", err)
	}
	if err := s.InTx(ctx, "u1", func(ctx context.Context, tx Tx) error { return tx.DeletePosition(ctx, "p1") }); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteContract(ctx, contractID); err != nil {
		t.Errorf("unused: %v", err)
	}
	if err := s.DeleteContract(ctx, contractID); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing: got %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_ContractKeyIsUnique(t *testing.T) {
	s := NewMemoryStore()
	err := s.InTx(context.Background(), "u1", func(ctx context.Context, tx Tx) error {
		c := &model.FutureContract{ID: "c1", StockID: "s1", ExpiryDate: day, ContractPrice: 10, ContractType: model.Short}
		if err := tx.InsertContract(ctx, c); err != nil {
			return err
		}
		dup := *c
		dup.ID = "c2"
		return tx.InsertContract(ctx, &dup)
	})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("got %v, want ErrConflict", err)
	}
}

func TestMemoryStore_UnitsForOneUserAreSerialised(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	const workers = 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.InTx(ctx, "u1", func(ctx context.Context, tx Tx) error {
				w, err := tx.LockWallet(ctx, "u1")
				if err != nil {
					return err
				}
				w.Balance++
				return tx.SaveWallet(ctx, w)
			})
		}()
	}
	wg.Wait()

	w, err := s.GetWallet(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if w.Balance != workers {
		t.Errorf("balance = %d, want %d (lost update)", w.Balance, workers)
	}
}

func TestMemoryStore_Funds(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	f := &model.Fund{ID: "f1", Name: "Meezan Balanced", NAV: 100}
	if err := s.CreateFund(ctx, f); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateFund(ctx, f); !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate: got %v", err)
	}
	if _, err := s.GetFund(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing: got %v", err)
	}
	funds, _ := s.ListFunds(ctx)
	if len(funds) != 1 || funds[0].Name != "Meezan Balanced" {
		t.Errorf("got %+v", funds)
	}
}
