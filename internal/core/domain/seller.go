package domain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Seller is the per-principal accounting record. It is created lazily on the
// first listing and never deleted.
type Seller struct {
	Address            common.Address
	ActiveListedItems  uint64
	TotalListedItems   uint64
	TotalSoldItems     uint64
	PendingWithdrawals *big.Int
	Balance            *big.Int // lifetime proceeds
	SignedNonce        uint64
	Active             bool
	Version            uint64 // optimistic locking
}

// NewSeller returns the zero-valued record of a principal that never listed.
func NewSeller(addr common.Address) Seller {
	return Seller{
		Address:            addr,
		PendingWithdrawals: new(big.Int),
		Balance:            new(big.Int),
	}
}

func (s Seller) Clone() Seller {
	s.PendingWithdrawals = cloneInt(s.PendingWithdrawals)
	s.Balance = cloneInt(s.Balance)
	return s
}

func (s Seller) HasEarnings() bool {
	return s.PendingWithdrawals != nil && s.PendingWithdrawals.Sign() > 0
}
