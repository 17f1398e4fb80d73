package domain

import (
	"math/big"
	"sort"
	"strconv"
	"time"
)

// ItemView is the public shape of an item served by the read path.
type ItemView struct {
	ItemID string `json:"itemId"`
	Token  string `json:"token"`
	Seller string `json:"seller"`
	Amount string `json:"amount"`
	Price  string `json:"price"`
	Active bool   `json:"active"`
}

type SellerView struct {
	Address            string `json:"address"`
	ActiveListedItems  string `json:"activeListedItems"`
	TotalSoldItems     string `json:"totalSoldItems"`
	TotalListedItems   string `json:"totalListedItems"`
	PendingWithdrawals string `json:"pendingWithdrawals"`
	Balance            string `json:"balance"`
	SignedNonce        string `json:"signedNonce"`
	Active             bool   `json:"active"`
}

type EventView struct {
	ID         string    `json:"id"`
	Seq        uint64    `json:"seq,omitempty"`
	Kind       EventKind `json:"kind"`
	ItemID     string    `json:"itemId,omitempty"`
	Buyer      string    `json:"buyer,omitempty"`
	Seller     string    `json:"seller,omitempty"`
	Token      string    `json:"token,omitempty"`
	Amount     string    `json:"amount"`
	Price      string    `json:"price,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

func NewItemView(item Item) ItemView {
	return ItemView{
		ItemID: formatUint(uint64(item.ID)),
		Token:  item.Token.Hex(),
		Seller: item.Seller.Hex(),
		Amount: intString(item.Amount),
		Price:  intString(item.Price),
		Active: item.Active,
	}
}

func NewSellerView(s Seller) SellerView {
	return SellerView{
		Address:            s.Address.Hex(),
		ActiveListedItems:  formatUint(s.ActiveListedItems),
		TotalSoldItems:     formatUint(s.TotalSoldItems),
		TotalListedItems:   formatUint(s.TotalListedItems),
		PendingWithdrawals: intString(s.PendingWithdrawals),
		Balance:            intString(s.Balance),
		SignedNonce:        formatUint(s.SignedNonce),
		Active:             s.Active,
	}
}

func NewEventView(rec EventRecord) EventView {
	v := EventView{
		ID:         rec.ID,
		Seq:        rec.Seq,
		OccurredAt: rec.OccurredAt,
	}
	if rec.ItemID != 0 {
		v.ItemID = formatUint(uint64(rec.ItemID))
	}
	switch e := rec.Event.(type) {
	case ItemListed:
		v.Kind = e.Kind()
		v.Token, v.Seller = e.Token.Hex(), e.Seller.Hex()
		v.Amount, v.Price = intString(e.Amount), intString(e.Price)
	case ItemPurchased:
		v.Kind = e.Kind()
		v.Buyer, v.Token = e.Buyer.Hex(), e.Token.Hex()
		v.Amount, v.Price = intString(e.Amount), intString(e.Price)
	case FundsWithdrawn:
		v.Kind = e.Kind()
		v.Seller = e.Seller.Hex()
		v.Amount = intString(e.Amount)
	}
	return v
}

// ActiveItemIDs returns the ids of the active items in ascending order.
func ActiveItemIDs(items []Item) []ItemID {
	ids := make([]ItemID, 0, len(items))
	for _, item := range items {
		if item.Active {
			ids = append(ids, item.ID)
		}
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	return ids
}

func intString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func formatUint(v uint64) string {
	return strconv.FormatUint(v, 10)
}
