package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/estocks/settlement-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// Migrate applies the embedded schema. It is safe to run repeatedly.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Units run at SERIALIZABLE isolation with the user's wallet row locked.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// InTx runs fn in a serializable transaction. A serialization failure or
// deadlock is retried once; a second failure is returned wrapped in
// ErrConflict.
func (s *PostgresStore) InTx(ctx context.Context, userID string, fn func(ctx context.Context, tx Tx) error) error {
	err := s.runTx(ctx, userID, fn)
	if !isRetryable(err) {
		return err
	}
	slog.Warn("retrying unit after serialization failure", "user", userID, "error", err)
	err = s.runTx(ctx, userID, fn)
	if isRetryable(err) {
		return fmt.Errorf("%w: %w", ErrConflict, err)
	}
	return err
}

func (s *PostgresStore) runTx(ctx context.Context, userID string, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &pgTx{tx: tx, userID: userID}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

func isCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

// notFound maps pgx.ErrNoRows onto ErrNotFound.
func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func (s *PostgresStore) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	var w model.Wallet
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, balance, last_updated FROM wallets WHERE user_id = $1`, userID).
		Scan(&w.ID, &w.UserID, &w.Balance, &w.LastUpdated)
	if err != nil {
		return nil, notFound(err, "wallet for "+userID)
	}
	return &w, nil
}

const ledgerColumns = `id, user_id, wallet_id, COALESCE(stock_id, ''), quantity, type, amount, created_at`

func scanLedgerEntries(rows pgx.Rows) ([]model.LedgerEntry, error) {
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.WalletID, &e.StockID,
			&e.Quantity, &e.Type, &e.Amount, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) LedgerByUser(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_entries WHERE user_id = $1 ORDER BY seq`, userID)
	if err != nil {
		return nil, err
	}
	return scanLedgerEntries(rows)
}

func (s *PostgresStore) StocksByUser(ctx context.Context, userID string) ([]model.Stock, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, symbol, company_name, price FROM stocks WHERE user_id = $1 ORDER BY symbol`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stocks []model.Stock
	for rows.Next() {
		var st model.Stock
		if err := rows.Scan(&st.ID, &st.UserID, &st.Symbol, &st.CompanyName, &st.Price); err != nil {
			return nil, err
		}
		stocks = append(stocks, st)
	}
	return stocks, rows.Err()
}

const positionViewQuery = `
	SELECT p.id, p.contract_id, p.user_id, p.quantity, p.entry_price, p.opened_at,
	       c.id, c.stock_id, c.expiry_date, c.contract_price, c.contract_type,
	       s.symbol, s.price
	FROM future_positions p
	JOIN future_contracts c ON c.id = p.contract_id
	JOIN stocks s ON s.id = c.stock_id`

func scanPositionViews(rows pgx.Rows) ([]model.PositionView, error) {
	defer rows.Close()

	var views []model.PositionView
	for rows.Next() {
		var v model.PositionView
		p, c := &v.Position, &v.Contract
		if err := rows.Scan(&p.ID, &p.ContractID, &p.UserID, &p.Quantity, &p.EntryPrice, &p.OpenedAt,
			&c.ID, &c.StockID, &c.ExpiryDate, &c.ContractPrice, &c.ContractType,
			&v.Symbol, &v.Price); err != nil {
			return nil, err
		}
		c.ExpiryDate = ExpiryDate(c.ExpiryDate)
		views = append(views, v)
	}
	return views, rows.Err()
}

func (s *PostgresStore) PositionsByUser(ctx context.Context, userID string) ([]model.PositionView, error) {
	rows, err := s.pool.Query(ctx,
		positionViewQuery+` WHERE p.user_id = $1 ORDER BY p.opened_at, p.id`, userID)
	if err != nil {
		return nil, err
	}
	return scanPositionViews(rows)
}

func (s *PostgresStore) ExpiredPositions(ctx context.Context, now time.Time) ([]model.PositionView, error) {
	// Expiry dates are midnight UTC, so comparing dates is equivalent to
	// comparing the expiry instant with now.
	rows, err := s.pool.Query(ctx,
		positionViewQuery+` WHERE c.expiry_date <= $1 ORDER BY c.expiry_date, p.id`, ExpiryDate(now))
	if err != nil {
		return nil, err
	}
	return scanPositionViews(rows)
}

func (s *PostgresStore) FundInvestmentsByUser(ctx context.Context, userID string) ([]model.FundInvestment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, fund_id, user_id, amount_spent, unit_price, purchase_date, maturity_date
		 FROM fund_investments WHERE user_id = $1 ORDER BY purchase_date`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.FundInvestment
	for rows.Next() {
		var fi model.FundInvestment
		if err := rows.Scan(&fi.ID, &fi.FundID, &fi.UserID, &fi.AmountSpent, &fi.UnitPrice,
			&fi.PurchaseDate, &fi.MaturityDate); err != nil {
			return nil, err
		}
		result = append(result, fi)
	}
	return result, rows.Err()
}

func (s *PostgresStore) DividendsByUser(ctx context.Context, userID string) ([]model.Dividend, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, stock_id, amount, received_date
		 FROM dividends WHERE user_id = $1 ORDER BY received_date`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Dividend
	for rows.Next() {
		var d model.Dividend
		if err := rows.Scan(&d.ID, &d.UserID, &d.StockID, &d.Amount, &d.ReceivedDate); err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func (s *PostgresStore) CreateFund(ctx context.Context, f *model.Fund) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO funds (id, name, type, nav, consolidator) VALUES ($1, $2, $3, $4, $5)`,
		f.ID, f.Name, f.Type, f.NAV, f.Consolidator)
	if isCode(err, "23505") {
		return fmt.Errorf("fund %s: %w", f.ID, ErrConflict)
	}
	return err
}

func (s *PostgresStore) GetFund(ctx context.Context, id string) (*model.Fund, error) {
	var f model.Fund
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, type, nav, consolidator FROM funds WHERE id = $1`, id).
		Scan(&f.ID, &f.Name, &f.Type, &f.NAV, &f.Consolidator)
	if err != nil {
		return nil, notFound(err, "fund "+id)
	}
	return &f, nil
}

func (s *PostgresStore) ListFunds(ctx context.Context) ([]model.Fund, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, type, nav, consolidator FROM funds ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var funds []model.Fund
	for rows.Next() {
		var f model.Fund
		if err := rows.Scan(&f.ID, &f.Name, &f.Type, &f.NAV, &f.Consolidator); err != nil {
			return nil, err
		}
		funds = append(funds, f)
	}
	return funds, rows.Err()
}

func (s *PostgresStore) DeleteContract(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM future_contracts WHERE id = $1`, id)
	if isCode(err, "23503") {
		return fmt.Errorf("contract %s has open positions: %w", id, ErrConflict)
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("contract %s: %w", id, ErrNotFound)
	}
	return nil
}

// pgTx is one serializable transaction.
type pgTx struct {
	tx     pgx.Tx
	userID string
}

func (t *pgTx) LockWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	if userID != t.userID {
		return nil, fmt.Errorf("wallet %s locked outside its unit (%s)", userID, t.userID)
	}
	// Get-or-create, then lock: ON CONFLICT keeps concurrent first
	// touches from failing on the unique user_id.
	if _, err := t.tx.Exec(ctx,
		`INSERT INTO wallets (id, user_id, balance, last_updated)
		 VALUES ($1, $2, 0, $3)
		 ON CONFLICT (user_id) DO NOTHING`,
		newID(), userID, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("ensure wallet: %w", err)
	}

	var w model.Wallet
	err := t.tx.QueryRow(ctx,
		`SELECT id, user_id, balance, last_updated FROM wallets WHERE user_id = $1 FOR UPDATE`, userID).
		Scan(&w.ID, &w.UserID, &w.Balance, &w.LastUpdated)
	if err != nil {
		return nil, fmt.Errorf("lock wallet: %w", err)
	}
	return &w, nil
}

func (t *pgTx) SaveWallet(ctx context.Context, w *model.Wallet) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE wallets SET balance = $2, last_updated = $3 WHERE id = $1`,
		w.ID, w.Balance, w.LastUpdated)
	if err != nil {
		return fmt.Errorf("save wallet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("wallet %s: %w", w.ID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) AppendLedger(ctx context.Context, e *model.LedgerEntry) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO ledger_entries (id, user_id, wallet_id, stock_id, quantity, type, amount, created_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8)`,
		e.ID, e.UserID, e.WalletID, e.StockID, e.Quantity, e.Type, e.Amount, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append ledger: %w", err)
	}
	return nil
}

func (t *pgTx) LedgerByStock(ctx context.Context, userID, stockID string) ([]model.LedgerEntry, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_entries
		 WHERE user_id = $1 AND stock_id = $2 ORDER BY seq`, userID, stockID)
	if err != nil {
		return nil, err
	}
	return scanLedgerEntries(rows)
}

func (t *pgTx) scanStock(row pgx.Row, what string) (*model.Stock, error) {
	var st model.Stock
	if err := row.Scan(&st.ID, &st.UserID, &st.Symbol, &st.CompanyName, &st.Price); err != nil {
		return nil, notFound(err, what)
	}
	return &st, nil
}

func (t *pgTx) StockBySymbol(ctx context.Context, userID, symbol string) (*model.Stock, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT id, user_id, symbol, company_name, price FROM stocks WHERE user_id = $1 AND symbol = $2`,
		userID, symbol)
	return t.scanStock(row, "stock "+symbol)
}

func (t *pgTx) StockByID(ctx context.Context, id string) (*model.Stock, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT id, user_id, symbol, company_name, price FROM stocks WHERE id = $1`, id)
	return t.scanStock(row, "stock "+id)
}

func (t *pgTx) SaveStock(ctx context.Context, st *model.Stock) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO stocks (id, user_id, symbol, company_name, price)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET price = EXCLUDED.price, company_name = EXCLUDED.company_name`,
		st.ID, st.UserID, st.Symbol, st.CompanyName, st.Price)
	if isCode(err, "23505") {
		return fmt.Errorf("stock %s: %w", st.Symbol, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("save stock: %w", err)
	}
	return nil
}

func (t *pgTx) scanContract(row pgx.Row, what string) (*model.FutureContract, error) {
	var c model.FutureContract
	if err := row.Scan(&c.ID, &c.StockID, &c.ExpiryDate, &c.ContractPrice, &c.ContractType); err != nil {
		return nil, notFound(err, what)
	}
	c.ExpiryDate = ExpiryDate(c.ExpiryDate)
	return &c, nil
}

func (t *pgTx) ContractByKey(ctx context.Context, stockID string, expiry time.Time, side model.Side) (*model.FutureContract, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT id, stock_id, expiry_date, contract_price, contract_type
		 FROM future_contracts
		 WHERE stock_id = $1 AND expiry_date = $2 AND contract_type = $3`,
		stockID, ExpiryDate(expiry), side)
	return t.scanContract(row, "contract for "+stockID)
}

func (t *pgTx) ContractByID(ctx context.Context, id string) (*model.FutureContract, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT id, stock_id, expiry_date, contract_price, contract_type
		 FROM future_contracts WHERE id = $1`, id)
	return t.scanContract(row, "contract "+id)
}

func (t *pgTx) InsertContract(ctx context.Context, c *model.FutureContract) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO future_contracts (id, stock_id, expiry_date, contract_price, contract_type)
		 VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.StockID, ExpiryDate(c.ExpiryDate), c.ContractPrice, c.ContractType)
	if isCode(err, "23505") {
		return fmt.Errorf("contract for %s: %w", c.StockID, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert contract: %w", err)
	}
	return nil
}

func (t *pgTx) PositionByID(ctx context.Context, id string) (*model.FuturePosition, error) {
	var p model.FuturePosition
	err := t.tx.QueryRow(ctx,
		`SELECT id, contract_id, user_id, quantity, entry_price, opened_at
		 FROM future_positions WHERE id = $1 FOR UPDATE`, id).
		Scan(&p.ID, &p.ContractID, &p.UserID, &p.Quantity, &p.EntryPrice, &p.OpenedAt)
	if err != nil {
		return nil, notFound(err, "position "+id)
	}
	return &p, nil
}

func (t *pgTx) InsertPosition(ctx context.Context, p *model.FuturePosition) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO future_positions (id, contract_id, user_id, quantity, entry_price, opened_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.ContractID, p.UserID, p.Quantity, p.EntryPrice, p.OpenedAt)
	if isCode(err, "23503") {
		return fmt.Errorf("contract %s removed: %w", p.ContractID, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert position: %w", err)
	}
	return nil
}

func (t *pgTx) DeletePosition(ctx context.Context, id string) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM future_positions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete position: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	return nil
}

func (t *pgTx) InsertFundInvestment(ctx context.Context, fi *model.FundInvestment) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO fund_investments (id, fund_id, user_id, amount_spent, unit_price, purchase_date, maturity_date)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		fi.ID, fi.FundID, fi.UserID, fi.AmountSpent, fi.UnitPrice, fi.PurchaseDate, fi.MaturityDate)
	if err != nil {
		return fmt.Errorf("insert fund investment: %w", err)
	}
	return nil
}

func (t *pgTx) InsertDividend(ctx context.Context, d *model.Dividend) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO dividends (id, user_id, stock_id, amount, received_date)
		 VALUES ($1, $2, $3, $4, $5)`,
		d.ID, d.UserID, d.StockID, d.Amount, d.ReceivedDate)
	if err != nil {
		return fmt.Errorf("insert dividend: %w", err)
	}
	return nil
}
