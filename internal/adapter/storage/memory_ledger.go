package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rl1809/token-marketplace/internal/core/domain"
	"github.com/rl1809/token-marketplace/internal/port"
)

var ErrUnlockedRecord = errors.New("write to record outside lock set")

// MemoryLedger keeps the ledger in process memory. Transitions lock the
// records they name in sorted key order; staged writes are applied under a
// short store-wide lock so readers never observe half of a transition.
type MemoryLedger struct {
	mu      sync.RWMutex
	items   map[domain.ItemID]domain.Item
	sellers map[common.Address]domain.Seller
	buyers  map[common.Address]uint64
	events  []domain.EventRecord

	nextID atomic.Uint64

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		items:   make(map[domain.ItemID]domain.Item),
		sellers: make(map[common.Address]domain.Seller),
		buyers:  make(map[common.Address]uint64),
		locks:   make(map[string]*sync.Mutex),
	}
}

func itemKey(id domain.ItemID) string      { return fmt.Sprintf("item:%d", id) }
func sellerKey(addr common.Address) string { return "seller:" + addr.Hex() }
func buyerKey(addr common.Address) string  { return "buyer:" + addr.Hex() }

func lockKeys(set port.LockSet) []string {
	seen := make(map[string]struct{})
	var keys []string
	add := func(k string) {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	for _, id := range set.Items {
		add(itemKey(id))
	}
	for _, addr := range set.Sellers {
		add(sellerKey(addr))
	}
	for _, addr := range set.Buyers {
		add(buyerKey(addr))
	}
	sort.Strings(keys)
	return keys
}

func (m *MemoryLedger) recordLock(key string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()

	l, ok := m.locks[key]
	if !ok {
		l = new(sync.Mutex)
		m.locks[key] = l
	}
	return l
}

func (m *MemoryLedger) Update(ctx context.Context, set port.LockSet, fn func(tx port.LedgerTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	keys := lockKeys(set)
	held := make([]*sync.Mutex, 0, len(keys))
	for _, k := range keys {
		l := m.recordLock(k)
		l.Lock()
		held = append(held, l)
	}
	defer func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}()

	allowed := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		allowed[k] = struct{}{}
	}

	tx := &memoryTx{
		ledger:  m,
		allowed: allowed,
		items:   make(map[domain.ItemID]domain.Item),
		sellers: make(map[common.Address]domain.Seller),
		buyers:  make(map[common.Address]uint64),
	}
	if err := fn(tx); err != nil {
		return err
	}

	m.apply(tx)
	return nil
}

func (m *MemoryLedger) apply(tx *memoryTx) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, item := range tx.items {
		item.Version++
		m.items[id] = item
	}
	for addr, s := range tx.sellers {
		s.Version++
		m.sellers[addr] = s
	}
	for addr, n := range tx.buyers {
		m.buyers[addr] = n
	}
	for _, rec := range tx.events {
		rec.Seq = uint64(len(m.events) + 1)
		m.events = append(m.events, rec)
	}
}

func (m *MemoryLedger) GetItem(ctx context.Context, id domain.ItemID) (*domain.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	item, ok := m.items[id]
	if !ok {
		return nil, nil
	}
	c := item.Clone()
	return &c, nil
}

func (m *MemoryLedger) GetSeller(ctx context.Context, addr common.Address) (domain.Seller, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if s, ok := m.sellers[addr]; ok {
		return s.Clone(), nil
	}
	return domain.NewSeller(addr), nil
}

func (m *MemoryLedger) GetBuyerNonce(ctx context.Context, addr common.Address) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.buyers[addr], nil
}

func (m *MemoryLedger) ActiveItemIDs(ctx context.Context) ([]domain.ItemID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]domain.ItemID, 0, len(m.items))
	for id, item := range m.items {
		if item.Active {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *MemoryLedger) Events(ctx context.Context, filter port.EventFilter) ([]domain.EventRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.EventRecord
	for _, rec := range m.events {
		if rec.Seq <= filter.Since {
			continue
		}
		if filter.Kind != "" && rec.Event.Kind() != filter.Kind {
			continue
		}
		out = append(out, rec)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

type memoryTx struct {
	ledger  *MemoryLedger
	allowed map[string]struct{}
	items   map[domain.ItemID]domain.Item
	sellers map[common.Address]domain.Seller
	buyers  map[common.Address]uint64
	events  []domain.EventRecord
}

func (t *memoryTx) check(key string) error {
	if _, ok := t.allowed[key]; !ok {
		return fmt.Errorf("%w: %s", ErrUnlockedRecord, key)
	}
	return nil
}

// InsertItem burns the id even if the transaction is later discarded.
func (t *memoryTx) InsertItem(ctx context.Context, item domain.Item) (domain.ItemID, error) {
	id := domain.ItemID(t.ledger.nextID.Add(1))
	item.ID = id
	item.Version = 0
	t.items[id] = item.Clone()
	t.allowed[itemKey(id)] = struct{}{}
	return id, nil
}

func (t *memoryTx) GetItem(ctx context.Context, id domain.ItemID) (*domain.Item, error) {
	if item, ok := t.items[id]; ok {
		c := item.Clone()
		return &c, nil
	}
	return t.ledger.GetItem(ctx, id)
}

func (t *memoryTx) UpdateItem(ctx context.Context, item domain.Item) error {
	if err := t.check(itemKey(item.ID)); err != nil {
		return err
	}
	t.items[item.ID] = item.Clone()
	return nil
}

func (t *memoryTx) GetSeller(ctx context.Context, addr common.Address) (domain.Seller, error) {
	if s, ok := t.sellers[addr]; ok {
		return s.Clone(), nil
	}
	return t.ledger.GetSeller(ctx, addr)
}

func (t *memoryTx) PutSeller(ctx context.Context, seller domain.Seller) error {
	if err := t.check(sellerKey(seller.Address)); err != nil {
		return err
	}
	t.sellers[seller.Address] = seller.Clone()
	return nil
}

func (t *memoryTx) GetBuyerNonce(ctx context.Context, addr common.Address) (uint64, error) {
	if n, ok := t.buyers[addr]; ok {
		return n, nil
	}
	return t.ledger.GetBuyerNonce(ctx, addr)
}

func (t *memoryTx) PutBuyerNonce(ctx context.Context, addr common.Address, nonce uint64) error {
	if err := t.check(buyerKey(addr)); err != nil {
		return err
	}
	t.buyers[addr] = nonce
	return nil
}

func (t *memoryTx) AppendEvent(ctx context.Context, rec domain.EventRecord) error {
	t.events = append(t.events, rec)
	return nil
}
