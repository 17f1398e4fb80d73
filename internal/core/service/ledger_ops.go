package service

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/oklog/ulid/v2"

	"github.com/rl1809/token-marketplace/internal/core/domain"
	"github.com/rl1809/token-marketplace/internal/port"
)

type tokenLot struct {
	token  common.Address
	holder common.Address
	amount *big.Int
}

type paymentLot struct {
	from   common.Address
	amount *big.Int
}

// ledgerOps applies the ledger rules inside one transaction. It records every
// custody movement it made so a transaction that does not commit can be
// compensated.
type ledgerOps struct {
	tx        port.LedgerTx
	custodian port.Custodian
	clock     port.Clock
	pulled    []tokenLot
	delivered []tokenLot
	collected []paymentLot
	events    []domain.EventRecord
}

func newLedgerOps(tx port.LedgerTx, custodian port.Custodian, clock port.Clock) *ledgerOps {
	return &ledgerOps{tx: tx, custodian: custodian, clock: clock}
}

func validateListing(amount, price *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return domain.ErrInvalidItemAmount
	}
	if price == nil || price.Sign() <= 0 {
		return domain.ErrInvalidItemPrice
	}
	return nil
}

func (o *ledgerOps) createItem(ctx context.Context, token, sellerAddr common.Address, amount, price *big.Int) (domain.ItemID, error) {
	if err := validateListing(amount, price); err != nil {
		return 0, err
	}

	if err := o.custodian.PullTokens(ctx, token, sellerAddr, amount); err != nil {
		return 0, fmt.Errorf("%w: pull %s from %s: %w", domain.ErrTransferFailed, token.Hex(), sellerAddr.Hex(), err)
	}
	o.pulled = append(o.pulled, tokenLot{token: token, holder: sellerAddr, amount: new(big.Int).Set(amount)})

	id, err := o.tx.InsertItem(ctx, domain.Item{
		Token:  token,
		Seller: sellerAddr,
		Amount: new(big.Int).Set(amount),
		Price:  new(big.Int).Set(price),
		Active: true,
	})
	if err != nil {
		return 0, fmt.Errorf("insert item: %w", err)
	}

	seller, err := o.tx.GetSeller(ctx, sellerAddr)
	if err != nil {
		return 0, fmt.Errorf("get seller: %w", err)
	}
	seller.ActiveListedItems++
	seller.TotalListedItems++
	seller.Active = true
	if err := o.tx.PutSeller(ctx, seller); err != nil {
		return 0, fmt.Errorf("put seller: %w", err)
	}

	err = o.emit(ctx, id, domain.ItemListed{
		Token:  token,
		Seller: sellerAddr,
		Amount: new(big.Int).Set(amount),
		Price:  new(big.Int).Set(price),
	})
	if err != nil {
		return 0, err
	}

	return id, nil
}

// consumeItem is the only path that flips an item inactive.
func (o *ledgerOps) consumeItem(ctx context.Context, id domain.ItemID) (domain.Item, error) {
	item, err := o.tx.GetItem(ctx, id)
	if err != nil {
		return domain.Item{}, fmt.Errorf("get item: %w", err)
	}
	if item == nil || !item.Active {
		return domain.Item{}, fmt.Errorf("%w: %d", domain.ErrInvalidItemID, id)
	}

	consumed := item.Clone()
	consumed.Active = false
	if err := o.tx.UpdateItem(ctx, consumed); err != nil {
		return domain.Item{}, fmt.Errorf("update item: %w", err)
	}

	seller, err := o.tx.GetSeller(ctx, consumed.Seller)
	if err != nil {
		return domain.Item{}, fmt.Errorf("get seller: %w", err)
	}
	if seller.ActiveListedItems > 0 {
		seller.ActiveListedItems--
	}
	seller.TotalSoldItems++
	seller.PendingWithdrawals = new(big.Int).Add(seller.PendingWithdrawals, consumed.Price)
	seller.Balance = new(big.Int).Add(seller.Balance, consumed.Price)
	if err := o.tx.PutSeller(ctx, seller); err != nil {
		return domain.Item{}, fmt.Errorf("put seller: %w", err)
	}

	return consumed, nil
}

// collectPayment takes the buyer's payment into the proceeds escrow.
func (o *ledgerOps) collectPayment(ctx context.Context, buyer common.Address, amount *big.Int) error {
	if err := o.custodian.CollectPayment(ctx, buyer, amount); err != nil {
		return fmt.Errorf("%w: collect %s from %s: %w", domain.ErrTransferFailed, amount, buyer.Hex(), err)
	}
	o.collected = append(o.collected, paymentLot{from: buyer, amount: new(big.Int).Set(amount)})
	return nil
}

// deliver releases a consumed lot from escrow to the buyer.
func (o *ledgerOps) deliver(ctx context.Context, item domain.Item, buyer common.Address) error {
	if err := o.custodian.ReleaseTokens(ctx, item.Token, buyer, item.Amount); err != nil {
		return fmt.Errorf("%w: release %s to %s: %w", domain.ErrTransferFailed, item.Token.Hex(), buyer.Hex(), err)
	}
	o.delivered = append(o.delivered, tokenLot{token: item.Token, holder: buyer, amount: new(big.Int).Set(item.Amount)})
	return nil
}

// reserveWithdrawal zeroes the pending balance and returns what was owed.
// Nothing is paid here: the payout happens only once the zeroing committed.
func (o *ledgerOps) reserveWithdrawal(ctx context.Context, sellerAddr common.Address) (*big.Int, error) {
	seller, err := o.tx.GetSeller(ctx, sellerAddr)
	if err != nil {
		return nil, fmt.Errorf("get seller: %w", err)
	}
	if !seller.HasEarnings() {
		return nil, domain.ErrNoEarningsToWithdraw
	}

	amount := new(big.Int).Set(seller.PendingWithdrawals)
	seller.PendingWithdrawals = new(big.Int)
	if err := o.tx.PutSeller(ctx, seller); err != nil {
		return nil, fmt.Errorf("put seller: %w", err)
	}

	return amount, nil
}

// restoreWithdrawal credits back a reserved amount whose payout failed.
func (o *ledgerOps) restoreWithdrawal(ctx context.Context, sellerAddr common.Address, amount *big.Int) error {
	seller, err := o.tx.GetSeller(ctx, sellerAddr)
	if err != nil {
		return fmt.Errorf("get seller: %w", err)
	}
	seller.PendingWithdrawals = new(big.Int).Add(seller.PendingWithdrawals, amount)
	if err := o.tx.PutSeller(ctx, seller); err != nil {
		return fmt.Errorf("put seller: %w", err)
	}
	return nil
}

func (o *ledgerOps) emit(ctx context.Context, itemID domain.ItemID, ev domain.Event) error {
	rec := domain.EventRecord{
		ID:         ulid.Make().String(),
		ItemID:     itemID,
		Event:      ev,
		OccurredAt: o.clock.Now().UTC(),
	}
	if err := o.tx.AppendEvent(ctx, rec); err != nil {
		return fmt.Errorf("append %s: %w", ev.Kind(), err)
	}
	o.events = append(o.events, rec)
	return nil
}
