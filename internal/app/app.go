// Package app wires configuration into a ready settlement engine. Both the
// HTTP server and brokerctl build their dependencies through Open.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/estocks/settlement-engine/internal/config"
	"github.com/estocks/settlement-engine/internal/quote"
	"github.com/estocks/settlement-engine/internal/settlement"
	"github.com/estocks/settlement-engine/internal/store"
)

// App holds the wired collaborators and their cleanup.
type App struct {
	Config *config.Config
	Store  store.Store
	Quotes quote.Source
	Pool   *pgxpool.Pool // nil for the in-memory store

	cleanup []func()
}

// Open connects the store and the quote source described by cfg. With
// migrate set, the PostgreSQL schema is applied before returning.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger, migrate bool) (*App, error) {
	a := &App{Config: cfg}

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		a.cleanup = append(a.cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Ping(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("database ping failed: %w", err)
		}
		if migrate {
			if err := store.Migrate(ctx, pool); err != nil {
				a.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		a.Pool = pool
		a.Store = pg
		logger.Info("connected to PostgreSQL")
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		a.Store = store.NewMemoryStore()
	}

	synthetic := quote.NewSynthetic(cfg.Currency)
	a.Quotes = quote.WithFallback(quote.NewYahoo(cfg.QuoteTimeout, cfg.Currency), synthetic, logger)

	// Wrap with Redis read-through cache if configured.
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		a.cleanup = append(a.cleanup, func() { rdb.Close() })
		a.Quotes = quote.NewCachedSource(a.Quotes, rdb, cfg.QuoteCacheTTL)
		logger.Info("Redis quote cache enabled", "ttl", cfg.QuoteCacheTTL)
	}
	return a, nil
}

// Engine builds a settlement engine over the app's collaborators.
func (a *App) Engine(logger *slog.Logger, notifier settlement.Notifier) *settlement.Engine {
	opts := []settlement.Option{
		settlement.WithQuotes(a.Quotes),
		settlement.WithLogger(logger),
		settlement.WithMarginRate(a.Config.MarginRate),
		settlement.WithFundTerm(a.Config.FundTerm),
	}
	if notifier != nil {
		opts = append(opts, settlement.WithNotifier(notifier))
	}
	return settlement.New(a.Store, opts...)
}

// Ready reports whether the store answers. The in-memory store always does.
func (a *App) Ready(ctx context.Context) error {
	if a.Pool == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return a.Pool.Ping(ctx)
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}
