package port

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Custodian moves assets in and out of escrow. Calls are the only suspension
// points of a transition and are never retried by the core.
type Custodian interface {
	// PullTokens escrows amount of token from the seller
	PullTokens(ctx context.Context, token, from common.Address, amount *big.Int) error

	// ReleaseTokens hands escrowed tokens to a buyer (or back to a seller)
	ReleaseTokens(ctx context.Context, token, to common.Address, amount *big.Int) error

	// CollectPayment moves a buyer's payment into the proceeds escrow
	CollectPayment(ctx context.Context, from common.Address, amount *big.Int) error

	// PushFunds pays out of the proceeds escrow
	PushFunds(ctx context.Context, to common.Address, amount *big.Int) error
}
