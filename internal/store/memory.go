package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/estocks/settlement-engine/internal/model"
)

// expiryItem orders open positions by contract expiry, then position ID.
type expiryItem struct {
	at         time.Time
	positionID string
}

func expiryLess(a, b expiryItem) bool {
	if !a.at.Equal(b.at) {
		return a.at.Before(b.at)
	}
	return a.positionID < b.positionID
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Units for one user are serialised by a per-user mutex held for the whole
// unit. Writes are staged in the unit and applied under mu on commit, so a
// failed unit leaves nothing behind.
type MemoryStore struct {
	mu          sync.RWMutex
	wallets     map[string]*model.Wallet // by user ID
	ledger      []model.LedgerEntry
	stocks      map[string]*model.Stock
	contracts   map[string]*model.FutureContract
	positions   map[string]*model.FuturePosition
	expiry      *btree.BTreeG[expiryItem]
	funds       map[string]*model.Fund
	investments []model.FundInvestment
	dividends   []model.Dividend

	userLocks sync.Map // user ID -> *sync.Mutex
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	const degree = 16
	return &MemoryStore{
		wallets:   make(map[string]*model.Wallet),
		stocks:    make(map[string]*model.Stock),
		contracts: make(map[string]*model.FutureContract),
		positions: make(map[string]*model.FuturePosition),
		expiry:    btree.NewG[expiryItem](degree, expiryLess),
		funds:     make(map[string]*model.Fund),
	}
}

func (s *MemoryStore) userLock(userID string) *sync.Mutex {
	mu, _ := s.userLocks.LoadOrStore(userID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (s *MemoryStore) InTx(ctx context.Context, userID string, fn func(ctx context.Context, tx Tx) error) error {
	mu := s.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{
		s:         s,
		userID:    userID,
		stocks:    make(map[string]*model.Stock),
		contracts: make(map[string]*model.FutureContract),
		positions: make(map[string]*model.FuturePosition),
		deleted:   make(map[string]bool),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return tx.commit()
}

func (s *MemoryStore) GetWallet(_ context.Context, userID string) (*model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[userID]
	if !ok {
		return nil, fmt.Errorf("wallet for %s: %w", userID, ErrNotFound)
	}
	cp := *w
	return &cp, nil
}

func (s *MemoryStore) LedgerByUser(_ context.Context, userID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.UserID == userID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) StocksByUser(_ context.Context, userID string) ([]model.Stock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Stock
	for _, st := range s.stocks {
		if st.UserID == userID {
			result = append(result, *st)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Symbol < result[j].Symbol })
	return result, nil
}

// view joins a position with its contract and stock. Caller holds mu.
func (s *MemoryStore) view(p *model.FuturePosition) model.PositionView {
	v := model.PositionView{Position: *p}
	if c, ok := s.contracts[p.ContractID]; ok {
		v.Contract = *c
		if st, ok := s.stocks[c.StockID]; ok {
			v.Symbol = st.Symbol
			v.Price = st.Price
		}
	}
	return v
}

func (s *MemoryStore) PositionsByUser(_ context.Context, userID string) ([]model.PositionView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PositionView
	for _, p := range s.positions {
		if p.UserID == userID {
			result = append(result, s.view(p))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i].Position, result[j].Position
		if !a.OpenedAt.Equal(b.OpenedAt) {
			return a.OpenedAt.Before(b.OpenedAt)
		}
		return a.ID < b.ID
	})
	return result, nil
}

func (s *MemoryStore) ExpiredPositions(_ context.Context, now time.Time) ([]model.PositionView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PositionView
	s.expiry.Ascend(func(item expiryItem) bool {
		if item.at.After(now) {
			return false
		}
		if p, ok := s.positions[item.positionID]; ok {
			result = append(result, s.view(p))
		}
		return true
	})
	return result, nil
}

func (s *MemoryStore) FundInvestmentsByUser(_ context.Context, userID string) ([]model.FundInvestment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.FundInvestment
	for _, fi := range s.investments {
		if fi.UserID == userID {
			result = append(result, fi)
		}
	}
	return result, nil
}

func (s *MemoryStore) DividendsByUser(_ context.Context, userID string) ([]model.Dividend, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Dividend
	for _, d := range s.dividends {
		if d.UserID == userID {
			result = append(result, d)
		}
	}
	return result, nil
}

func (s *MemoryStore) CreateFund(_ context.Context, f *model.Fund) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.funds[f.ID]; ok {
		return fmt.Errorf("fund %s: %w", f.ID, ErrConflict)
	}
	cp := *f
	s.funds[f.ID] = &cp
	return nil
}

func (s *MemoryStore) GetFund(_ context.Context, id string) (*model.Fund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.funds[id]
	if !ok {
		return nil, fmt.Errorf("fund %s: %w", id, ErrNotFound)
	}
	cp := *f
	return &cp, nil
}

func (s *MemoryStore) ListFunds(_ context.Context) ([]model.Fund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	funds := make([]model.Fund, 0, len(s.funds))
	for _, f := range s.funds {
		funds = append(funds, *f)
	}
	sort.Slice(funds, func(i, j int) bool { return funds[i].Name < funds[j].Name })
	return funds, nil
}

func (s *MemoryStore) DeleteContract(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.contracts[id]; !ok {
		return fmt.Errorf("contract %s: %w", id, ErrNotFound)
	}
	for _, p := range s.positions {
		if p.ContractID == id {
			return fmt.Errorf("contract %s has open positions: %w", id, ErrConflict)
		}
	}
	delete(s.contracts, id)
	return nil
}

// memTx stages writes for one unit. Reads see staged rows first.
type memTx struct {
	s      *MemoryStore
	userID string

	wallet      *model.Wallet
	ledger      []model.LedgerEntry
	stocks      map[string]*model.Stock
	contracts   map[string]*model.FutureContract
	positions   map[string]*model.FuturePosition
	deleted     map[string]bool // position IDs
	investments []model.FundInvestment
	dividends   []model.Dividend
}

func (t *memTx) LockWallet(_ context.Context, userID string) (*model.Wallet, error) {
	if userID != t.userID {
		return nil, fmt.Errorf("wallet %s locked outside its unit (%s)", userID, t.userID)
	}
	if t.wallet == nil {
		t.s.mu.RLock()
		w, ok := t.s.wallets[userID]
		if ok {
			cp := *w
			t.wallet = &cp
		}
		t.s.mu.RUnlock()
	}
	if t.wallet == nil {
		t.wallet = &model.Wallet{
			ID:          newID(),
			UserID:      userID,
			LastUpdated: time.Now().UTC(),
		}
	}
	cp := *t.wallet
	return &cp, nil
}

func (t *memTx) SaveWallet(_ context.Context, w *model.Wallet) error {
	if w.UserID != t.userID {
		return fmt.Errorf("wallet %s saved outside its unit (%s)", w.UserID, t.userID)
	}
	cp := *w
	t.wallet = &cp
	return nil
}

func (t *memTx) AppendLedger(_ context.Context, e *model.LedgerEntry) error {
	t.ledger = append(t.ledger, *e)
	return nil
}

func (t *memTx) LedgerByStock(_ context.Context, userID, stockID string) ([]model.LedgerEntry, error) {
	t.s.mu.RLock()
	var result []model.LedgerEntry
	for _, e := range t.s.ledger {
		if e.UserID == userID && e.StockID == stockID {
			result = append(result, e)
		}
	}
	t.s.mu.RUnlock()

	for _, e := range t.ledger {
		if e.UserID == userID && e.StockID == stockID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (t *memTx) StockBySymbol(_ context.Context, userID, symbol string) (*model.Stock, error) {
	for _, st := range t.stocks {
		if st.UserID == userID && st.Symbol == symbol {
			cp := *st
			return &cp, nil
		}
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	for _, st := range t.s.stocks {
		if st.UserID == userID && st.Symbol == symbol {
			cp := *st
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("stock %s for %s: %w", symbol, userID, ErrNotFound)
}

func (t *memTx) StockByID(_ context.Context, id string) (*model.Stock, error) {
	if st, ok := t.stocks[id]; ok {
		cp := *st
		return &cp, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	if st, ok := t.s.stocks[id]; ok {
		cp := *st
		return &cp, nil
	}
	return nil, fmt.Errorf("stock %s: %w", id, ErrNotFound)
}

func (t *memTx) SaveStock(_ context.Context, st *model.Stock) error {
	cp := *st
	t.stocks[st.ID] = &cp
	return nil
}

func (t *memTx) ContractByKey(_ context.Context, stockID string, expiry time.Time, side model.Side) (*model.FutureContract, error) {
	match := func(c *model.FutureContract) bool {
		return c.StockID == stockID && c.ExpiryDate.Equal(expiry) && c.ContractType == side
	}
	for _, c := range t.contracts {
		if match(c) {
			cp := *c
			return &cp, nil
		}
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	for _, c := range t.s.contracts {
		if match(c) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("contract %s/%s/%s: %w", stockID, expiry.Format(time.DateOnly), side, ErrNotFound)
}

func (t *memTx) ContractByID(_ context.Context, id string) (*model.FutureContract, error) {
	if c, ok := t.contracts[id]; ok {
		cp := *c
		return &cp, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	if c, ok := t.s.contracts[id]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, fmt.Errorf("contract %s: %w", id, ErrNotFound)
}

func (t *memTx) InsertContract(ctx context.Context, c *model.FutureContract) error {
	if _, err := t.ContractByKey(ctx, c.StockID, c.ExpiryDate, c.ContractType); err == nil {
		return fmt.Errorf("contract %s/%s/%s: %w", c.StockID, c.ExpiryDate.Format(time.DateOnly), c.ContractType, ErrConflict)
	}
	cp := *c
	t.contracts[c.ID] = &cp
	return nil
}

func (t *memTx) PositionByID(_ context.Context, id string) (*model.FuturePosition, error) {
	if t.deleted[id] {
		return nil, fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	if p, ok := t.positions[id]; ok {
		cp := *p
		return &cp, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	if p, ok := t.s.positions[id]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, fmt.Errorf("position %s: %w", id, ErrNotFound)
}

func (t *memTx) InsertPosition(_ context.Context, p *model.FuturePosition) error {
	cp := *p
	t.positions[p.ID] = &cp
	return nil
}

func (t *memTx) DeletePosition(ctx context.Context, id string) error {
	if _, err := t.PositionByID(ctx, id); err != nil {
		return err
	}
	if _, staged := t.positions[id]; staged {
		delete(t.positions, id)
		return nil
	}
	t.deleted[id] = true
	return nil
}

func (t *memTx) InsertFundInvestment(_ context.Context, fi *model.FundInvestment) error {
	t.investments = append(t.investments, *fi)
	return nil
}

func (t *memTx) InsertDividend(_ context.Context, d *model.Dividend) error {
	t.dividends = append(t.dividends, *d)
	return nil
}

// commit validates the staged writes against the committed state and
// applies them under the store lock.
func (t *memTx) commit() error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.wallet != nil && t.wallet.Balance < 0 {
		return fmt.Errorf("wallet %s balance %d below zero: %w", t.wallet.UserID, t.wallet.Balance, ErrConflict)
	}
	for id := range t.deleted {
		if _, ok := s.positions[id]; !ok {
			return fmt.Errorf("position %s already settled: %w", id, ErrConflict)
		}
	}
	for _, p := range t.positions {
		if _, ok := t.contracts[p.ContractID]; ok {
			continue
		}
		if _, ok := s.contracts[p.ContractID]; !ok {
			return fmt.Errorf("contract %s removed: %w", p.ContractID, ErrConflict)
		}
	}

	if t.wallet != nil {
		w := *t.wallet
		s.wallets[w.UserID] = &w
	}
	s.ledger = append(s.ledger, t.ledger...)
	for id, st := range t.stocks {
		s.stocks[id] = st
	}
	for id, c := range t.contracts {
		s.contracts[id] = c
	}
	for id := range t.deleted {
		p := s.positions[id]
		if c, ok := s.contracts[p.ContractID]; ok {
			s.expiry.Delete(expiryItem{at: c.ExpiryDate, positionID: id})
		}
		delete(s.positions, id)
	}
	for id, p := range t.positions {
		s.positions[id] = p
		s.expiry.ReplaceOrInsert(expiryItem{at: s.contracts[p.ContractID].ExpiryDate, positionID: id})
	}
	s.investments = append(s.investments, t.investments...)
	s.dividends = append(s.dividends, t.dividends...)
	return nil
}
