package port

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rl1809/token-marketplace/internal/core/domain"
)

// LockSet names the records a transition intends to write. Implementations
// serialize transitions whose lock sets intersect.
type LockSet struct {
	Items   []domain.ItemID
	Sellers []common.Address
	Buyers  []common.Address
}

type EventFilter struct {
	Kind  domain.EventKind // empty matches every kind
	Since uint64           // only records with Seq > Since
	Limit int              // 0 means no limit
}

// LedgerTx is a single atomic read-modify-write against the ledger. Writes
// become visible to readers only when the surrounding Update commits.
type LedgerTx interface {
	// InsertItem stores a new item and assigns its id
	InsertItem(ctx context.Context, item domain.Item) (domain.ItemID, error)

	// GetItem returns nil when the id was never assigned
	GetItem(ctx context.Context, id domain.ItemID) (*domain.Item, error)

	UpdateItem(ctx context.Context, item domain.Item) error

	// GetSeller returns the zero-valued record for unseen principals
	GetSeller(ctx context.Context, addr common.Address) (domain.Seller, error)

	PutSeller(ctx context.Context, seller domain.Seller) error

	GetBuyerNonce(ctx context.Context, addr common.Address) (uint64, error)

	PutBuyerNonce(ctx context.Context, addr common.Address, nonce uint64) error

	// AppendEvent journals an event; Seq is assigned on commit
	AppendEvent(ctx context.Context, rec domain.EventRecord) error
}

type LedgerRepository interface {
	// Update runs fn in one transaction holding the locks in set. Any error
	// from fn discards every staged write.
	Update(ctx context.Context, set LockSet, fn func(tx LedgerTx) error) error

	GetItem(ctx context.Context, id domain.ItemID) (*domain.Item, error)

	GetSeller(ctx context.Context, addr common.Address) (domain.Seller, error)

	GetBuyerNonce(ctx context.Context, addr common.Address) (uint64, error)

	// ActiveItemIDs lists active items; callers must not rely on the order
	ActiveItemIDs(ctx context.Context) ([]domain.ItemID, error)

	Events(ctx context.Context, filter EventFilter) ([]domain.EventRecord, error)
}
