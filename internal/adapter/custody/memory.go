package custody

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInsufficientBalance = errors.New("insufficient token balance")
	ErrInsufficientEscrow  = errors.New("insufficient escrow")
	ErrInsufficientFunds   = errors.New("insufficient funds")
)

// MemoryCustodian is an in-process token book: holder balances per token,
// the marketplace escrow per token, payment funds per holder and the
// proceeds collected from buyers but not yet paid out.
type MemoryCustodian struct {
	mu       sync.Mutex
	balances map[common.Address]map[common.Address]*big.Int
	escrow   map[common.Address]*big.Int
	funds    map[common.Address]*big.Int
	proceeds *big.Int
	payouts  map[common.Address]*big.Int
}

func NewMemoryCustodian() *MemoryCustodian {
	return &MemoryCustodian{
		balances: make(map[common.Address]map[common.Address]*big.Int),
		escrow:   make(map[common.Address]*big.Int),
		funds:    make(map[common.Address]*big.Int),
		proceeds: new(big.Int),
		payouts:  make(map[common.Address]*big.Int),
	}
}

// Deposit credits holder with payment funds.
func (m *MemoryCustodian) Deposit(holder common.Address, amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.funds[holder] = new(big.Int).Add(copyInt(m.funds[holder]), amount)
}

func (m *MemoryCustodian) FundsOf(holder common.Address) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyInt(m.funds[holder])
}

// Proceeds is the collected payment not yet paid out.
func (m *MemoryCustodian) Proceeds() *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyInt(m.proceeds)
}

// Mint credits holder with amount of token.
func (m *MemoryCustodian) Mint(token, holder common.Address, amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credit(token, holder, amount)
}

func (m *MemoryCustodian) BalanceOf(token, holder common.Address) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyInt(m.balances[token][holder])
}

func (m *MemoryCustodian) Escrowed(token common.Address) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyInt(m.escrow[token])
}

func (m *MemoryCustodian) PaidOut(to common.Address) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyInt(m.payouts[to])
}

func (m *MemoryCustodian) PullTokens(ctx context.Context, token, from common.Address, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.balances[token][from]
	if cur == nil || cur.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s of %s, need %s",
			ErrInsufficientBalance, from.Hex(), copyInt(cur), token.Hex(), amount)
	}
	m.balances[token][from] = new(big.Int).Sub(cur, amount)
	m.escrow[token] = new(big.Int).Add(copyInt(m.escrow[token]), amount)
	return nil
}

func (m *MemoryCustodian) ReleaseTokens(ctx context.Context, token, to common.Address, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	held := m.escrow[token]
	if held == nil || held.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s of %s escrowed, need %s", ErrInsufficientEscrow, copyInt(held), token.Hex(), amount)
	}
	m.escrow[token] = new(big.Int).Sub(held, amount)
	m.credit(token, to, amount)
	return nil
}

func (m *MemoryCustodian) CollectPayment(ctx context.Context, from common.Address, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.funds[from]
	if cur == nil || cur.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s, need %s", ErrInsufficientFunds, from.Hex(), copyInt(cur), amount)
	}
	m.funds[from] = new(big.Int).Sub(cur, amount)
	m.proceeds = new(big.Int).Add(m.proceeds, amount)
	return nil
}

func (m *MemoryCustodian) PushFunds(ctx context.Context, to common.Address, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.proceeds.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s of proceeds held, need %s", ErrInsufficientEscrow, m.proceeds, amount)
	}
	m.proceeds = new(big.Int).Sub(m.proceeds, amount)
	m.funds[to] = new(big.Int).Add(copyInt(m.funds[to]), amount)
	m.payouts[to] = new(big.Int).Add(copyInt(m.payouts[to]), amount)
	return nil
}

func (m *MemoryCustodian) credit(token, holder common.Address, amount *big.Int) {
	if m.balances[token] == nil {
		m.balances[token] = make(map[common.Address]*big.Int)
	}
	m.balances[token][holder] = new(big.Int).Add(copyInt(m.balances[token][holder]), amount)
}

func copyInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
