package settlement

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/estocks/settlement-engine/internal/model"
	"github.com/estocks/settlement-engine/internal/store"
)

// newPostgresFixture runs the engine on the database at DATABASE_URL. Users
// get random IDs so runs against a shared database do not collide.
func newPostgresFixture(t *testing.T) *fixture {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := store.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	f := &fixture{clock: &testClock{now: start}, events: &recorder{}}
	f.engine = New(store.NewPostgresStore(pool),
		WithClock(f.clock.Now),
		WithNotifier(f.events),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	return f
}

func pgUser() string {
	return "pg-" + uuid.New().String()
}

func TestPostgres_ConcurrentSellsNeverOversell(t *testing.T) {
	f := newPostgresFixture(t)
	ctx := context.Background()
	user := pgUser()
	f.deposit(t, user, 10_000)
	if _, err := f.engine.BuySpot(ctx, SpotRequest{UserID: user, Symbol: "OGDC", Quantity: 10, Price: 100}); err != nil {
		t.Fatalf("buy: %v", err)
	}

	const sellers = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < sellers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.SellSpot(ctx, SpotRequest{UserID: user, Symbol: "OGDC", Quantity: 3, Price: 100})
			switch {
			case err == nil:
				mu.Lock()
				succeeded++
				mu.Unlock()
			case errors.Is(err, model.ErrInsufficientShares), errors.Is(err, model.ErrStorageFailure):
				// Losing a serialization race twice surfaces as a storage failure.
			default:
				t.Errorf("sell: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded == 0 || succeeded > 3 {
		t.Fatalf("sales succeeded = %d, want 1..3", succeeded)
	}
	holdings, err := f.engine.Holdings(ctx, user)
	if err != nil {
		t.Fatalf("holdings: %v", err)
	}
	if len(holdings) != 1 || holdings[0].Quantity != int64(10-3*succeeded) {
		t.Errorf("holdings = %+v after %d sales", holdings, succeeded)
	}
	if got, want := f.balance(t, user), int64(10_000-1000+300*succeeded); got != want {
		t.Errorf("balance = %d, want %d", got, want)
	}
	f.assertLedgerExplainsBalance(t, user)
}

func TestPostgres_ConcurrentAutoExpireSettlesOnce(t *testing.T) {
	f := newPostgresFixture(t)
	ctx := context.Background()
	user := pgUser()
	f.deposit(t, user, 1000)
	long := f.open(t, user, model.Long, 10, 100)
	short := f.open(t, user, model.Short, 5, 100)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Other users' leftovers may share the database; conflicts are
			// retried by the sweep below.
			f.engine.AutoExpire(ctx, expiry)
		}()
	}
	wg.Wait()
	if _, err := f.engine.AutoExpire(ctx, expiry); err != nil {
		t.Logf("sweep: %v", err)
	}

	closes := map[string]int{}
	for _, e := range f.entries(t, user) {
		if e.Type == model.TxCloseFutureLong || e.Type == model.TxCloseFutureShort {
			closes[string(e.Type)]++
		}
	}
	if closes[string(model.TxCloseFutureLong)] != 1 || closes[string(model.TxCloseFutureShort)] != 1 {
		t.Errorf("close entries = %v, want one per position (%s, %s)", closes, long.Position.ID, short.Position.ID)
	}
	positions, err := f.engine.OpenPositions(ctx, user)
	if err != nil || len(positions) != 0 {
		t.Errorf("open positions = %d, %v", len(positions), err)
	}
	// Flat price: both margins come back.
	if got := f.balance(t, user); got != 1000 {
		t.Errorf("balance = %d, want 1000", got)
	}
	f.assertLedgerExplainsBalance(t, user)
}
