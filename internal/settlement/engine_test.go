package settlement

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/estocks/settlement-engine/internal/ledger"
	"github.com/estocks/settlement-engine/internal/model"
	"github.com/estocks/settlement-engine/internal/store"
)

var start = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// testClock is a settable clock shared by an engine and its test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// recorder collects published events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Notify(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) count(typ string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

type fixture struct {
	engine *Engine
	store  *store.MemoryStore
	clock  *testClock
	events *recorder
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:  store.NewMemoryStore(),
		clock:  &testClock{now: start},
		events: &recorder{},
	}
	base := []Option{
		WithClock(f.clock.Now),
		WithNotifier(f.events),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	f.engine = New(f.store, append(base, opts...)...)
	return f
}

func (f *fixture) deposit(t *testing.T, userID string, amount int64) {
	t.Helper()
	if _, err := f.engine.Deposit(context.Background(), userID, amount); err != nil {
		t.Fatalf("deposit %d to %s: %v", amount, userID, err)
	}
}

func (f *fixture) balance(t *testing.T, userID string) int64 {
	t.Helper()
	w, err := f.engine.Wallet(context.Background(), userID)
	if err != nil {
		t.Fatalf("wallet %s: %v", userID, err)
	}
	return w.Balance
}

func (f *fixture) entries(t *testing.T, userID string) []model.LedgerEntry {
	t.Helper()
	entries, err := f.engine.Ledger(context.Background(), userID)
	if err != nil {
		t.Fatalf("ledger %s: %v", userID, err)
	}
	return entries
}

// assertLedgerExplainsBalance checks that the balance equals the sum of all
// ledger deltas and is not negative.
func (f *fixture) assertLedgerExplainsBalance(t *testing.T, userID string) {
	t.Helper()
	bal := f.balance(t, userID)
	if bal < 0 {
		t.Fatalf("balance %d is negative", bal)
	}
	if flow := ledger.CashFlow(f.entries(t, userID)); flow != bal {
		t.Fatalf("ledger cash flow %d != balance %d", flow, bal)
	}
}

func TestDeposit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w, err := f.engine.Deposit(ctx, "u1", 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w.Balance != 1000 {
		t.Errorf("balance = %d, want 1000", w.Balance)
	}
	entries := f.entries(t, "u1")
	if len(entries) != 1 || entries[0].Type != model.TxAddFunds || entries[0].Amount != 1000 {
		t.Errorf("entries = %+v", entries)
	}
	if f.events.count(EventFundsDeposited) != 1 {
		t.Error("expected one funds_deposited event")
	}
}

func TestDeposit_Invalid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		user   string
		amount int64
		want   error
	}{
		{"zero", "u1", 0, model.ErrInvalidAmount},
		{"negative", "u1", -5, model.ErrInvalidAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Deposit(ctx, tt.user, tt.amount)
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}

	var ve *model.ValidationError
	if _, err := f.engine.Deposit(ctx, "", 10); !errors.As(err, &ve) {
		t.Errorf("empty user: got %v, want ValidationError", err)
	}
}

func TestLedger_Chronological(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "u1", 100)
	f.clock.Set(start.Add(time.Hour))
	f.deposit(t, "u1", 200)
	f.deposit(t, "u1", 300)

	entries := f.entries(t, "u1")
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	for i, want := range []int64{100, 200, 300} {
		if entries[i].Amount != want {
			t.Errorf("entry %d amount = %d, want %d", i, entries[i].Amount, want)
		}
	}
}

func TestWallet_CreatedOnFirstRead(t *testing.T) {
	f := newFixture(t)
	w, err := f.engine.Wallet(context.Background(), "fresh")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w.Balance != 0 || w.UserID != "fresh" {
		t.Errorf("got %+v", w)
	}
}

// failingStore fails every unit as the database would on a lost connection.
type failingStore struct {
	*store.MemoryStore
	calls atomic.Int32
}

var errConnLost = errors.New("connection lost")

func (s *failingStore) InTx(ctx context.Context, userID string, fn func(ctx context.Context, tx store.Tx) error) error {
	s.calls.Add(1)
	return s.MemoryStore.InTx(ctx, userID, func(ctx context.Context, tx store.Tx) error {
		if err := fn(ctx, tx); err != nil {
			return err
		}
		return errConnLost
	})
}

func TestStorageFailure_RollsBackAndWraps(t *testing.T) {
	mem := store.NewMemoryStore()
	fs := &failingStore{MemoryStore: mem}
	e := New(fs, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	_, err := e.Deposit(context.Background(), "u1", 500)
	if !errors.Is(err, model.ErrStorageFailure) {
		t.Fatalf("got %v, want ErrStorageFailure", err)
	}
	if !errors.Is(err, errConnLost) {
		t.Errorf("cause not preserved: %v", err)
	}
	if _, err := mem.GetWallet(context.Background(), "u1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("wallet should not exist after a failed unit, got %v", err)
	}
	entries, _ := mem.LedgerByUser(context.Background(), "u1")
	if len(entries) != 0 {
		t.Errorf("ledger should be empty, got %d entries", len(entries))
	}
}

func TestDomainErrorsAreNotWrappedAsStorage(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.BuySpot(context.Background(), SpotRequest{UserID: "u1", Symbol: "OGDC", Quantity: 1, Price: 10})
	if !errors.Is(err, model.ErrInsufficientFunds) {
		t.Fatalf("got %v, want ErrInsufficientFunds", err)
	}
	if errors.Is(err, model.ErrStorageFailure) {
		t.Error("domain error must not be reported as a storage failure")
	}
}
