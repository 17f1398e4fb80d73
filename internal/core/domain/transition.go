package domain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Authorization carries a detached typed-data signature. A transition with a
// nil Authorization is a direct call made by the principal itself.
type Authorization struct {
	Signature []byte
	Nonce     uint64
	Deadline  uint64 // unix seconds
}

// Transition is the closed set of state-changing marketplace actions.
type Transition interface {
	transition()
}

type ListTransition struct {
	Seller common.Address
	Token  common.Address
	Price  *big.Int
	Amount *big.Int
	Auth   *Authorization
}

type ListBatchTransition struct {
	Seller  common.Address
	Tokens  []common.Address
	Prices  []*big.Int
	Amounts []*big.Int
}

type PurchaseTransition struct {
	ItemID  ItemID
	Buyer   common.Address
	Payment *big.Int
	Auth    *Authorization
}

type WithdrawTransition struct {
	Seller common.Address
	Auth   *Authorization
}

func (ListTransition) transition()      {}
func (ListBatchTransition) transition() {}
func (PurchaseTransition) transition()  {}
func (WithdrawTransition) transition()  {}

// Receipt describes the committed effect of one transition.
type Receipt struct {
	ID      string
	ItemIDs []ItemID
	Amount  *big.Int
	Events  []EventRecord
}
