package domain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

type ItemID uint64

type ItemState string

const (
	ItemStateUnlisted ItemState = "unlisted"
	ItemStateActive   ItemState = "active"
	ItemStateSold     ItemState = "sold"
)

// Item is a listed lot of a fungible token. Active flips to false exactly
// once, when the lot is purchased.
type Item struct {
	ID      ItemID
	Token   common.Address
	Seller  common.Address
	Amount  *big.Int
	Price   *big.Int
	Active  bool
	Version uint64 // optimistic locking
}

func (i Item) State() ItemState {
	if i.ID == 0 {
		return ItemStateUnlisted
	}
	if i.Active {
		return ItemStateActive
	}
	return ItemStateSold
}

// Clone returns a copy that shares no big.Int with the receiver.
func (i Item) Clone() Item {
	i.Amount = cloneInt(i.Amount)
	i.Price = cloneInt(i.Price)
	return i
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
