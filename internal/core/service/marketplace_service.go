package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/rl1809/token-marketplace/internal/core/domain"
	"github.com/rl1809/token-marketplace/internal/core/signing"
	"github.com/rl1809/token-marketplace/internal/port"
)

var log = logging.Logger("market-service")

var ErrUnknownTransition = errors.New("unknown transition")

type MarketplaceService struct {
	ledger    port.LedgerRepository
	custodian port.Custodian
	verifier  *signing.Verifier
	guard     signing.Guard
	clock     port.Clock

	mu         sync.RWMutex
	closed     bool
	eventQueue chan domain.EventRecord
}

func NewMarketplaceService(ledger port.LedgerRepository, custodian port.Custodian, verifier *signing.Verifier, clock port.Clock, queueSize int) *MarketplaceService {
	return &MarketplaceService{
		ledger:     ledger,
		custodian:  custodian,
		verifier:   verifier,
		guard:      signing.NewGuard(clock),
		clock:      clock,
		eventQueue: make(chan domain.EventRecord, queueSize),
	}
}

// Execute dispatches one transition to its handler.
func (s *MarketplaceService) Execute(ctx context.Context, t domain.Transition) (domain.Receipt, error) {
	switch t := t.(type) {
	case domain.ListTransition:
		return s.List(ctx, t)
	case domain.ListBatchTransition:
		return s.ListBatch(ctx, t)
	case domain.PurchaseTransition:
		return s.Purchase(ctx, t)
	case domain.WithdrawTransition:
		return s.Withdraw(ctx, t)
	default:
		return domain.Receipt{}, fmt.Errorf("%w: %T", ErrUnknownTransition, t)
	}
}

func (s *MarketplaceService) List(ctx context.Context, t domain.ListTransition) (domain.Receipt, error) {
	if err := validateListing(t.Amount, t.Price); err != nil {
		return domain.Receipt{}, err
	}

	if t.Auth != nil {
		msg := signing.ListMessage{
			Token:    t.Token,
			Price:    t.Price,
			Amount:   t.Amount,
			Nonce:    t.Auth.Nonce,
			Deadline: t.Auth.Deadline,
		}
		if err := s.authorize(t.Seller, msg, t.Auth); err != nil {
			return domain.Receipt{}, err
		}
	}

	var (
		ops *ledgerOps
		id  domain.ItemID
	)
	err := s.ledger.Update(ctx, port.LockSet{Sellers: []common.Address{t.Seller}}, func(tx port.LedgerTx) error {
		ops = newLedgerOps(tx, s.custodian, s.clock)

		if t.Auth != nil {
			if err := s.consumeSellerNonce(ctx, tx, t.Seller, t.Auth.Nonce); err != nil {
				return err
			}
		}

		var err error
		id, err = ops.createItem(ctx, t.Token, t.Seller, t.Amount, t.Price)
		return err
	})
	if err != nil {
		s.compensate(ops)
		return domain.Receipt{}, err
	}

	receipt := s.commit(ctx, []domain.ItemID{id}, nil, ops.events)
	log.Infof("receipt %s: listed item %d: seller=%s token=%s amount=%s price=%s signed=%t",
		receipt.ID, id, t.Seller.Hex(), t.Token.Hex(), t.Amount, t.Price, t.Auth != nil)

	return receipt, nil
}

// ListBatch lists several lots for one seller, all or nothing.
func (s *MarketplaceService) ListBatch(ctx context.Context, t domain.ListBatchTransition) (domain.Receipt, error) {
	if len(t.Tokens) != len(t.Prices) || len(t.Tokens) != len(t.Amounts) {
		return domain.Receipt{}, fmt.Errorf("%w: tokens=%d prices=%d amounts=%d",
			domain.ErrInvalidListingBatchLengths, len(t.Tokens), len(t.Prices), len(t.Amounts))
	}
	for i := range t.Tokens {
		if err := validateListing(t.Amounts[i], t.Prices[i]); err != nil {
			return domain.Receipt{}, fmt.Errorf("batch element %d: %w", i, err)
		}
	}
	if len(t.Tokens) == 0 {
		return s.commit(ctx, nil, nil, nil), nil
	}

	var (
		ops *ledgerOps
		ids []domain.ItemID
	)
	err := s.ledger.Update(ctx, port.LockSet{Sellers: []common.Address{t.Seller}}, func(tx port.LedgerTx) error {
		ops = newLedgerOps(tx, s.custodian, s.clock)
		ids = ids[:0]
		for i := range t.Tokens {
			id, err := ops.createItem(ctx, t.Tokens[i], t.Seller, t.Amounts[i], t.Prices[i])
			if err != nil {
				return fmt.Errorf("batch element %d: %w", i, err)
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		s.compensate(ops)
		return domain.Receipt{}, err
	}

	receipt := s.commit(ctx, ids, nil, ops.events)
	log.Infof("receipt %s: listed batch of %d items for seller %s", receipt.ID, len(ids), t.Seller.Hex())

	return receipt, nil
}

func (s *MarketplaceService) Purchase(ctx context.Context, t domain.PurchaseTransition) (domain.Receipt, error) {
	payment := t.Payment
	if payment == nil {
		payment = new(big.Int)
	}

	if t.Auth != nil {
		msg := signing.PurchaseMessage{
			ItemID:   t.ItemID,
			Nonce:    t.Auth.Nonce,
			Deadline: t.Auth.Deadline,
		}
		if err := s.authorize(t.Buyer, msg, t.Auth); err != nil {
			return domain.Receipt{}, err
		}
	}

	// The snapshot only tells us which seller record to lock; the decision is
	// made against the locked item below.
	snapshot, err := s.ledger.GetItem(ctx, t.ItemID)
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("get item: %w", err)
	}
	if snapshot == nil {
		return domain.Receipt{}, fmt.Errorf("%w: %d", domain.ErrInvalidItemID, t.ItemID)
	}

	set := port.LockSet{
		Items:   []domain.ItemID{t.ItemID},
		Sellers: []common.Address{snapshot.Seller},
	}
	if t.Auth != nil {
		set.Buyers = []common.Address{t.Buyer}
	}

	var ops *ledgerOps
	err = s.ledger.Update(ctx, set, func(tx port.LedgerTx) error {
		ops = newLedgerOps(tx, s.custodian, s.clock)

		if t.Auth != nil {
			current, err := tx.GetBuyerNonce(ctx, t.Buyer)
			if err != nil {
				return fmt.Errorf("get buyer nonce: %w", err)
			}
			if err := signing.CheckNonce(t.Auth.Nonce, current); err != nil {
				return err
			}
			if err := tx.PutBuyerNonce(ctx, t.Buyer, current+1); err != nil {
				return fmt.Errorf("put buyer nonce: %w", err)
			}
		}

		item, err := tx.GetItem(ctx, t.ItemID)
		if err != nil {
			return fmt.Errorf("get item: %w", err)
		}
		if item == nil || !item.Active {
			return fmt.Errorf("%w: %d", domain.ErrInvalidItemID, t.ItemID)
		}
		if payment.Cmp(item.Price) != 0 {
			return fmt.Errorf("%w: paid %s, price %s", domain.ErrInvalidPayment, payment, item.Price)
		}

		consumed, err := ops.consumeItem(ctx, t.ItemID)
		if err != nil {
			return err
		}
		if err := ops.collectPayment(ctx, t.Buyer, consumed.Price); err != nil {
			return err
		}
		if err := ops.deliver(ctx, consumed, t.Buyer); err != nil {
			return err
		}

		return ops.emit(ctx, consumed.ID, domain.ItemPurchased{
			Buyer:  t.Buyer,
			Token:  consumed.Token,
			Amount: consumed.Amount,
			Price:  consumed.Price,
		})
	})
	if err != nil {
		s.compensate(ops)
		return domain.Receipt{}, err
	}

	receipt := s.commit(ctx, []domain.ItemID{t.ItemID}, payment, ops.events)
	log.Infof("receipt %s: purchased item %d: buyer=%s price=%s signed=%t", receipt.ID, t.ItemID, t.Buyer.Hex(), payment, t.Auth != nil)

	return receipt, nil
}

func (s *MarketplaceService) Withdraw(ctx context.Context, t domain.WithdrawTransition) (domain.Receipt, error) {
	if t.Auth != nil {
		msg := signing.WithdrawMessage{
			Nonce:    t.Auth.Nonce,
			Deadline: t.Auth.Deadline,
		}
		if err := s.authorize(t.Seller, msg, t.Auth); err != nil {
			return domain.Receipt{}, err
		}
	}

	// The zeroed balance commits before any payout.
	var amount *big.Int
	lock := port.LockSet{Sellers: []common.Address{t.Seller}}
	err := s.ledger.Update(ctx, lock, func(tx port.LedgerTx) error {
		ops := newLedgerOps(tx, s.custodian, s.clock)

		if t.Auth != nil {
			if err := s.consumeSellerNonce(ctx, tx, t.Seller, t.Auth.Nonce); err != nil {
				return err
			}
		}

		var err error
		amount, err = ops.reserveWithdrawal(ctx, t.Seller)
		return err
	})
	if err != nil {
		return domain.Receipt{}, err
	}

	if err := s.custodian.PushFunds(ctx, t.Seller, amount); err != nil {
		s.restoreWithdrawal(t.Seller, amount)
		return domain.Receipt{}, fmt.Errorf("%w: push %s to %s: %w", domain.ErrTransferFailed, amount, t.Seller.Hex(), err)
	}

	// the payout already happened, so the record must not depend on the caller
	recordCtx := context.WithoutCancel(ctx)
	var events []domain.EventRecord
	err = s.ledger.Update(recordCtx, lock, func(tx port.LedgerTx) error {
		ops := newLedgerOps(tx, s.custodian, s.clock)
		if err := ops.emit(recordCtx, 0, domain.FundsWithdrawn{Seller: t.Seller, Amount: amount}); err != nil {
			return err
		}
		events = ops.events
		return nil
	})
	if err != nil {
		log.Errorf("CRITICAL: paid %s to seller %s but could not record the withdrawal event: %v", amount, t.Seller.Hex(), err)
		events = nil
	}

	receipt := s.commit(ctx, nil, amount, events)
	log.Infof("receipt %s: withdrew %s to seller %s signed=%t", receipt.ID, amount, t.Seller.Hex(), t.Auth != nil)

	return receipt, nil
}

// restoreWithdrawal puts a reserved amount back after its payout failed.
func (s *MarketplaceService) restoreWithdrawal(seller common.Address, amount *big.Int) {
	ctx := context.Background()
	err := s.ledger.Update(ctx, port.LockSet{Sellers: []common.Address{seller}}, func(tx port.LedgerTx) error {
		return newLedgerOps(tx, s.custodian, s.clock).restoreWithdrawal(ctx, seller, amount)
	})
	if err != nil {
		log.Errorf("CRITICAL: payout of %s to seller %s failed and the pending balance could not be restored: %v",
			amount, seller.Hex(), err)
		return
	}
	log.Warnf("restored pending balance of %s for seller %s after failed payout", amount, seller.Hex())
}

// authorize runs the stateless checks of a signed action: deadline first,
// then signature recovery against the claimed principal.
func (s *MarketplaceService) authorize(principal common.Address, msg signing.Message, auth *domain.Authorization) error {
	if err := s.guard.CheckDeadline(auth.Deadline); err != nil {
		return err
	}
	return s.verifier.Verify(principal, msg, auth.Signature)
}

func (s *MarketplaceService) consumeSellerNonce(ctx context.Context, tx port.LedgerTx, addr common.Address, claimed uint64) error {
	seller, err := tx.GetSeller(ctx, addr)
	if err != nil {
		return fmt.Errorf("get seller: %w", err)
	}
	if err := signing.CheckNonce(claimed, seller.SignedNonce); err != nil {
		return err
	}
	seller.SignedNonce++
	if err := tx.PutSeller(ctx, seller); err != nil {
		return fmt.Errorf("put seller: %w", err)
	}
	return nil
}

// compensate undoes the custody movements of a transition that did not
// commit: pulled lots go back to their sellers, delivered lots are taken back
// into escrow and collected payments are refunded.
func (s *MarketplaceService) compensate(ops *ledgerOps) {
	if ops == nil {
		return
	}
	ctx := context.Background()
	for _, lot := range ops.pulled {
		if err := s.custodian.ReleaseTokens(ctx, lot.token, lot.holder, lot.amount); err != nil {
			log.Errorf("CRITICAL escrow return failed: token=%s seller=%s amount=%s: %v",
				lot.token.Hex(), lot.holder.Hex(), lot.amount, err)
			continue
		}
		log.Warnf("returned escrow of uncommitted listing: token=%s seller=%s amount=%s",
			lot.token.Hex(), lot.holder.Hex(), lot.amount)
	}
	for _, lot := range ops.delivered {
		if err := s.custodian.PullTokens(ctx, lot.token, lot.holder, lot.amount); err != nil {
			log.Errorf("CRITICAL delivery reclaim failed: token=%s buyer=%s amount=%s: %v",
				lot.token.Hex(), lot.holder.Hex(), lot.amount, err)
			continue
		}
		log.Warnf("reclaimed delivery of uncommitted purchase: token=%s buyer=%s amount=%s",
			lot.token.Hex(), lot.holder.Hex(), lot.amount)
	}
	for _, p := range ops.collected {
		if err := s.custodian.PushFunds(ctx, p.from, p.amount); err != nil {
			log.Errorf("CRITICAL payment refund failed: buyer=%s amount=%s: %v", p.from.Hex(), p.amount, err)
			continue
		}
		log.Warnf("refunded payment of uncommitted purchase: buyer=%s amount=%s", p.from.Hex(), p.amount)
	}
}

func (s *MarketplaceService) commit(ctx context.Context, ids []domain.ItemID, amount *big.Int, events []domain.EventRecord) domain.Receipt {
	receipt := domain.Receipt{
		ID:      uuid.NewString(),
		ItemIDs: ids,
		Amount:  amount,
		Events:  events,
	}
	for _, rec := range events {
		s.publish(ctx, rec)
	}
	return receipt
}

func (s *MarketplaceService) publish(ctx context.Context, rec domain.EventRecord) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		log.Warnf("event queue closed, dropping %s %s", rec.Event.Kind(), rec.ID)
		return
	}

	select {
	case s.eventQueue <- rec:
	case <-ctx.Done():
		log.Warnf("dropping %s %s: %v", rec.Event.Kind(), rec.ID, ctx.Err())
	}
}

func (s *MarketplaceService) GetEventQueue() <-chan domain.EventRecord {
	return s.eventQueue
}

func (s *MarketplaceService) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.eventQueue)
	}
}
