package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type EventKind string

const (
	EventItemListed     EventKind = "ItemListed"
	EventItemPurchased  EventKind = "ItemPurchased"
	EventFundsWithdrawn EventKind = "FundsWithdrawn"
)

type Event interface {
	Kind() EventKind
}

type ItemListed struct {
	Token  common.Address
	Seller common.Address
	Amount *big.Int
	Price  *big.Int
}

func (ItemListed) Kind() EventKind { return EventItemListed }

type ItemPurchased struct {
	Buyer  common.Address
	Token  common.Address
	Amount *big.Int
	Price  *big.Int
}

func (ItemPurchased) Kind() EventKind { return EventItemPurchased }

type FundsWithdrawn struct {
	Seller common.Address
	Amount *big.Int
}

func (FundsWithdrawn) Kind() EventKind { return EventFundsWithdrawn }

// EventRecord is the journal envelope around an emitted event. Seq is
// assigned by the ledger on commit; ItemID is zero for withdrawals.
type EventRecord struct {
	ID         string
	Seq        uint64
	ItemID     ItemID
	Event      Event
	OccurredAt time.Time
}
