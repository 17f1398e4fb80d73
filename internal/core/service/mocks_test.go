package service

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rl1809/token-marketplace/internal/core/domain"
	"github.com/rl1809/token-marketplace/internal/port"
)

var (
	errMockTransfer = errors.New("mock transfer failure")
	errMockCommit   = errors.New("mock commit failure")
)

// Mock LedgerRepository: one global mutex, staged writes applied on success.
type mockLedger struct {
	mu           sync.Mutex
	items        map[domain.ItemID]domain.Item
	sellers      map[common.Address]domain.Seller
	buyers       map[common.Address]uint64
	events       []domain.EventRecord
	nextID       uint64
	commitErr    error
	failCommitAt int // 1-based Update run that fails to commit, 0 disables
	updateRuns   int
}

func newMockLedger() *mockLedger {
	return &mockLedger{
		items:   make(map[domain.ItemID]domain.Item),
		sellers: make(map[common.Address]domain.Seller),
		buyers:  make(map[common.Address]uint64),
	}
}

type mockTx struct {
	l       *mockLedger
	items   map[domain.ItemID]domain.Item
	sellers map[common.Address]domain.Seller
	buyers  map[common.Address]uint64
	events  []domain.EventRecord
}

func (m *mockLedger) Update(ctx context.Context, set port.LockSet, fn func(tx port.LedgerTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateRuns++

	tx := &mockTx{
		l:       m,
		items:   make(map[domain.ItemID]domain.Item),
		sellers: make(map[common.Address]domain.Seller),
		buyers:  make(map[common.Address]uint64),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if m.commitErr != nil {
		return m.commitErr
	}
	if m.updateRuns == m.failCommitAt {
		return errMockCommit
	}

	for id, item := range tx.items {
		m.items[id] = item
	}
	for addr, s := range tx.sellers {
		m.sellers[addr] = s
	}
	for addr, n := range tx.buyers {
		m.buyers[addr] = n
	}
	for _, rec := range tx.events {
		rec.Seq = uint64(len(m.events) + 1)
		m.events = append(m.events, rec)
	}
	return nil
}

func (t *mockTx) InsertItem(ctx context.Context, item domain.Item) (domain.ItemID, error) {
	t.l.nextID++
	item.ID = domain.ItemID(t.l.nextID)
	t.items[item.ID] = item.Clone()
	return item.ID, nil
}

func (t *mockTx) GetItem(ctx context.Context, id domain.ItemID) (*domain.Item, error) {
	if item, ok := t.items[id]; ok {
		c := item.Clone()
		return &c, nil
	}
	if item, ok := t.l.items[id]; ok {
		c := item.Clone()
		return &c, nil
	}
	return nil, nil
}

func (t *mockTx) UpdateItem(ctx context.Context, item domain.Item) error {
	t.items[item.ID] = item.Clone()
	return nil
}

func (t *mockTx) GetSeller(ctx context.Context, addr common.Address) (domain.Seller, error) {
	if s, ok := t.sellers[addr]; ok {
		return s.Clone(), nil
	}
	if s, ok := t.l.sellers[addr]; ok {
		return s.Clone(), nil
	}
	return domain.NewSeller(addr), nil
}

func (t *mockTx) PutSeller(ctx context.Context, seller domain.Seller) error {
	t.sellers[seller.Address] = seller.Clone()
	return nil
}

func (t *mockTx) GetBuyerNonce(ctx context.Context, addr common.Address) (uint64, error) {
	if n, ok := t.buyers[addr]; ok {
		return n, nil
	}
	return t.l.buyers[addr], nil
}

func (t *mockTx) PutBuyerNonce(ctx context.Context, addr common.Address, nonce uint64) error {
	t.buyers[addr] = nonce
	return nil
}

func (t *mockTx) AppendEvent(ctx context.Context, rec domain.EventRecord) error {
	t.events = append(t.events, rec)
	return nil
}

func (m *mockLedger) GetItem(ctx context.Context, id domain.ItemID) (*domain.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item, ok := m.items[id]; ok {
		c := item.Clone()
		return &c, nil
	}
	return nil, nil
}

func (m *mockLedger) GetSeller(ctx context.Context, addr common.Address) (domain.Seller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sellers[addr]; ok {
		return s.Clone(), nil
	}
	return domain.NewSeller(addr), nil
}

func (m *mockLedger) GetBuyerNonce(ctx context.Context, addr common.Address) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buyers[addr], nil
}

func (m *mockLedger) ActiveItemIDs(ctx context.Context) ([]domain.ItemID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]domain.Item, 0, len(m.items))
	for _, item := range m.items {
		items = append(items, item)
	}
	ids := domain.ActiveItemIDs(items)
	// reverse to make sure callers do not rely on ordering
	sort.Slice(ids, func(a, b int) bool { return ids[a] > ids[b] })
	return ids, nil
}

func (m *mockLedger) Events(ctx context.Context, filter port.EventFilter) ([]domain.EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.EventRecord
	for _, rec := range m.events {
		if rec.Seq <= filter.Since {
			continue
		}
		if filter.Kind != "" && rec.Event.Kind() != filter.Kind {
			continue
		}
		out = append(out, rec)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// Mock Custodian
type mockCustodian struct {
	mu         sync.Mutex
	balances   map[common.Address]map[common.Address]*big.Int
	escrow     map[common.Address]*big.Int
	funds      map[common.Address]*big.Int
	proceeds   *big.Int
	payouts    map[common.Address]*big.Int
	pullErr    error
	failPullAt int // 1-based pull index that fails, 0 disables
	pulls      int
	releaseErr error
	collectErr error
	pushErr    error
}

func newMockCustodian() *mockCustodian {
	return &mockCustodian{
		balances: make(map[common.Address]map[common.Address]*big.Int),
		escrow:   make(map[common.Address]*big.Int),
		funds:    make(map[common.Address]*big.Int),
		proceeds: new(big.Int),
		payouts:  make(map[common.Address]*big.Int),
	}
}

func (m *mockCustodian) deposit(holder common.Address, amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.funds[holder] = new(big.Int).Add(m.fundsLocked(holder), amount)
}

func (m *mockCustodian) fundsLocked(holder common.Address) *big.Int {
	if f := m.funds[holder]; f != nil {
		return f
	}
	return new(big.Int)
}

func (m *mockCustodian) fundsOf(holder common.Address) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.fundsLocked(holder))
}

func (m *mockCustodian) proceedsHeld() *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.proceeds)
}

func (m *mockCustodian) fund(token, holder common.Address, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credit(token, holder, big.NewInt(amount))
}

func (m *mockCustodian) credit(token, holder common.Address, amount *big.Int) {
	if m.balances[token] == nil {
		m.balances[token] = make(map[common.Address]*big.Int)
	}
	cur := m.balances[token][holder]
	if cur == nil {
		cur = new(big.Int)
	}
	m.balances[token][holder] = new(big.Int).Add(cur, amount)
}

func (m *mockCustodian) balanceOf(token, holder common.Address) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b := m.balances[token][holder]; b != nil {
		return b.Int64()
	}
	return 0
}

func (m *mockCustodian) escrowOf(token common.Address) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b := m.escrow[token]; b != nil {
		return b.Int64()
	}
	return 0
}

func (m *mockCustodian) paidTo(addr common.Address) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p := m.payouts[addr]; p != nil {
		return new(big.Int).Set(p)
	}
	return new(big.Int)
}

func (m *mockCustodian) PullTokens(ctx context.Context, token, from common.Address, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pulls++
	if m.pullErr != nil || m.pulls == m.failPullAt {
		return errMockTransfer
	}
	cur := m.balances[token][from]
	if cur == nil || cur.Cmp(amount) < 0 {
		return errMockTransfer
	}
	m.balances[token][from] = new(big.Int).Sub(cur, amount)
	if m.escrow[token] == nil {
		m.escrow[token] = new(big.Int)
	}
	m.escrow[token] = new(big.Int).Add(m.escrow[token], amount)
	return nil
}

func (m *mockCustodian) ReleaseTokens(ctx context.Context, token, to common.Address, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.releaseErr != nil {
		return m.releaseErr
	}
	if m.escrow[token] == nil || m.escrow[token].Cmp(amount) < 0 {
		return errMockTransfer
	}
	m.escrow[token] = new(big.Int).Sub(m.escrow[token], amount)
	m.credit(token, to, amount)
	return nil
}

func (m *mockCustodian) CollectPayment(ctx context.Context, from common.Address, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.collectErr != nil {
		return m.collectErr
	}
	cur := m.fundsLocked(from)
	if cur.Cmp(amount) < 0 {
		return errMockTransfer
	}
	m.funds[from] = new(big.Int).Sub(cur, amount)
	m.proceeds = new(big.Int).Add(m.proceeds, amount)
	return nil
}

func (m *mockCustodian) PushFunds(ctx context.Context, to common.Address, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pushErr != nil {
		return m.pushErr
	}
	if m.proceeds.Cmp(amount) < 0 {
		return errMockTransfer
	}
	m.proceeds = new(big.Int).Sub(m.proceeds, amount)
	m.funds[to] = new(big.Int).Add(m.fundsLocked(to), amount)
	cur := m.payouts[to]
	if cur == nil {
		cur = new(big.Int)
	}
	m.payouts[to] = new(big.Int).Add(cur, amount)
	return nil
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFixedClock(now time.Time) *fixedClock {
	return &fixedClock{now: now}
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Mock ItemCache
type mockCache struct {
	mu          sync.Mutex
	views       map[string][]domain.ItemView
	gets        int
	sets        int
	invalidated int
}

func newMockCache() *mockCache {
	return &mockCache{views: make(map[string][]domain.ItemView)}
}

func (m *mockCache) GetItemViews(ctx context.Context, key string) ([]domain.ItemView, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	v, ok := m.views[key]
	return v, ok, nil
}

func (m *mockCache) SetItemViews(ctx context.Context, key string, views []domain.ItemView) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets++
	m.views[key] = views
	return nil
}

func (m *mockCache) Invalidate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidated++
	m.views = make(map[string][]domain.ItemView)
	return nil
}
