package service

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/rl1809/token-marketplace/internal/core/domain"
	"github.com/rl1809/token-marketplace/internal/core/signing"
)

var (
	tokenT    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	tokenU    = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	sellerS   = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	buyerB    = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	tenPow17  = new(big.Int).Exp(big.NewInt(10), big.NewInt(17), nil)
	testStart = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
)

type fixture struct {
	ledger    *mockLedger
	custodian *mockCustodian
	clock     *fixedClock
	domain    signing.Domain
	svc       *MarketplaceService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		ledger:    newMockLedger(),
		custodian: newMockCustodian(),
		clock:     newFixedClock(testStart),
		domain:    signing.NewDomain(big.NewInt(31337), common.HexToAddress("0x00000000000000000000000000000000000000ff")),
	}
	f.svc = NewMarketplaceService(f.ledger, f.custodian, signing.NewVerifier(f.domain), f.clock, 100)
	t.Cleanup(f.svc.Close)

	// Drain queue
	go func() {
		for range f.svc.GetEventQueue() {
		}
	}()

	return f
}

func (f *fixture) sign(t *testing.T, key *ecdsa.PrivateKey, msg signing.Message) *domain.Authorization {
	t.Helper()
	sig, err := signing.Sign(f.domain, msg, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return &domain.Authorization{
		Signature: sig,
		Nonce:     msg.NonceValue(),
		Deadline:  msg.DeadlineValue(),
	}
}

func (f *fixture) list(t *testing.T, seller, token common.Address, amount int64, price *big.Int) domain.ItemID {
	t.Helper()
	receipt, err := f.svc.List(context.Background(), domain.ListTransition{
		Seller: seller,
		Token:  token,
		Amount: big.NewInt(amount),
		Price:  price,
	})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	return receipt.ItemIDs[0]
}

func generateKey(t *testing.T) (*ecdsa.PrivateKey, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key, crypto.PubkeyToAddress(key.PublicKey)
}

func TestList_Success(t *testing.T) {
	f := newFixture(t)
	f.custodian.fund(tokenT, sellerS, 100)

	receipt, err := f.svc.List(context.Background(), domain.ListTransition{
		Seller: sellerS,
		Token:  tokenT,
		Amount: big.NewInt(100),
		Price:  tenPow17,
	})
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}

	if receipt.ID == "" {
		t.Error("expected non-empty receipt ID")
	}
	if len(receipt.ItemIDs) != 1 || receipt.ItemIDs[0] != 1 {
		t.Fatalf("expected item ids [1], got %v", receipt.ItemIDs)
	}
	if len(receipt.Events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(receipt.Events))
	}
	ev, ok := receipt.Events[0].Event.(domain.ItemListed)
	if !ok {
		t.Fatalf("expected ItemListed, got %T", receipt.Events[0].Event)
	}
	if ev.Token != tokenT || ev.Seller != sellerS || ev.Amount.Int64() != 100 || ev.Price.Cmp(tenPow17) != 0 {
		t.Errorf("unexpected event payload: %+v", ev)
	}

	seller, _ := f.ledger.GetSeller(context.Background(), sellerS)
	if seller.ActiveListedItems != 1 {
		t.Errorf("expected activeListedItems 1, got %d", seller.ActiveListedItems)
	}
	if seller.TotalListedItems != 1 {
		t.Errorf("expected totalListedItems 1, got %d", seller.TotalListedItems)
	}
	if seller.TotalSoldItems != 0 {
		t.Errorf("expected totalSoldItems 0, got %d", seller.TotalSoldItems)
	}
	if !seller.Active {
		t.Error("expected seller to be active")
	}

	if f.custodian.escrowOf(tokenT) != 100 {
		t.Errorf("expected escrow 100, got %d", f.custodian.escrowOf(tokenT))
	}
	if f.custodian.balanceOf(tokenT, sellerS) != 0 {
		t.Errorf("expected seller balance 0, got %d", f.custodian.balanceOf(tokenT, sellerS))
	}
}

func TestList_InvalidAmountAndPrice(t *testing.T) {
	f := newFixture(t)
	f.custodian.fund(tokenT, sellerS, 100)

	_, err := f.svc.List(context.Background(), domain.ListTransition{
		Seller: sellerS, Token: tokenT, Amount: big.NewInt(0), Price: tenPow17,
	})
	if !errors.Is(err, domain.ErrInvalidItemAmount) {
		t.Errorf("expected ErrInvalidItemAmount, got: %v", err)
	}

	_, err = f.svc.List(context.Background(), domain.ListTransition{
		Seller: sellerS, Token: tokenT, Amount: big.NewInt(10), Price: big.NewInt(0),
	})
	if !errors.Is(err, domain.ErrInvalidItemPrice) {
		t.Errorf("expected ErrInvalidItemPrice, got: %v", err)
	}

	if f.custodian.pulls != 0 {
		t.Errorf("expected no escrow pulls, got %d", f.custodian.pulls)
	}
	if f.ledger.updateRuns != 0 {
		t.Errorf("expected no ledger transactions, got %d", f.ledger.updateRuns)
	}
}

func TestList_PullFailure(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.List(context.Background(), domain.ListTransition{
		Seller: sellerS, Token: tokenT, Amount: big.NewInt(100), Price: tenPow17,
	})
	if !errors.Is(err, domain.ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got: %v", err)
	}
	if !errors.Is(err, errMockTransfer) {
		t.Errorf("expected underlying cause to be kept, got: %v", err)
	}

	ids, _ := f.ledger.ActiveItemIDs(context.Background())
	if len(ids) != 0 {
		t.Errorf("expected no items, got %v", ids)
	}
	seller, _ := f.ledger.GetSeller(context.Background(), sellerS)
	if seller.Active || seller.TotalListedItems != 0 {
		t.Errorf("expected untouched seller, got %+v", seller)
	}
}

func TestList_CommitFailureReturnsEscrow(t *testing.T) {
	f := newFixture(t)
	f.custodian.fund(tokenT, sellerS, 100)
	f.ledger.commitErr = errors.New("disk full")

	_, err := f.svc.List(context.Background(), domain.ListTransition{
		Seller: sellerS, Token: tokenT, Amount: big.NewInt(100), Price: tenPow17,
	})
	if err == nil {
		t.Fatal("expected commit error")
	}

	if f.custodian.escrowOf(tokenT) != 0 {
		t.Errorf("expected escrow 0 after compensation, got %d", f.custodian.escrowOf(tokenT))
	}
	if f.custodian.balanceOf(tokenT, sellerS) != 100 {
		t.Errorf("expected seller balance restored to 100, got %d", f.custodian.balanceOf(tokenT, sellerS))
	}
}

func TestListBatch_MismatchedLengths(t *testing.T) {
	f := newFixture(t)
	f.custodian.fund(tokenT, sellerS, 300)

	_, err := f.svc.ListBatch(context.Background(), domain.ListBatchTransition{
		Seller:  sellerS,
		Tokens:  []common.Address{tokenT},
		Prices:  []*big.Int{tenPow17},
		Amounts: []*big.Int{big.NewInt(100), big.NewInt(200)},
	})
	if !errors.Is(err, domain.ErrInvalidListingBatchLengths) {
		t.Fatalf("expected ErrInvalidListingBatchLengths, got: %v", err)
	}

	ids, _ := f.ledger.ActiveItemIDs(context.Background())
	if len(ids) != 0 {
		t.Errorf("expected no items created, got %v", ids)
	}
	if f.custodian.pulls != 0 {
		t.Errorf("expected no funds moved, got %d pulls", f.custodian.pulls)
	}
}

func TestListBatch_Success(t *testing.T) {
	f := newFixture(t)
	f.custodian.fund(tokenT, sellerS, 100)
	f.custodian.fund(tokenU, sellerS, 200)

	receipt, err := f.svc.ListBatch(context.Background(), domain.ListBatchTransition{
		Seller:  sellerS,
		Tokens:  []common.Address{tokenT, tokenU},
		Prices:  []*big.Int{big.NewInt(10), big.NewInt(20)},
		Amounts: []*big.Int{big.NewInt(100), big.NewInt(200)},
	})
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}

	if len(receipt.ItemIDs) != 2 || receipt.ItemIDs[0] == receipt.ItemIDs[1] {
		t.Fatalf("expected 2 distinct ids, got %v", receipt.ItemIDs)
	}
	if len(receipt.Events) != 2 {
		t.Errorf("expected 2 events, got %d", len(receipt.Events))
	}

	seller, _ := f.ledger.GetSeller(context.Background(), sellerS)
	if seller.ActiveListedItems != 2 || seller.TotalListedItems != 2 {
		t.Errorf("expected 2 active/2 listed, got %d/%d", seller.ActiveListedItems, seller.TotalListedItems)
	}
	if seller.TotalSoldItems != 0 {
		t.Errorf("listing must not count as a sale, got totalSoldItems %d", seller.TotalSoldItems)
	}
}

func TestListBatch_AllOrNothing(t *testing.T) {
	f := newFixture(t)
	f.custodian.fund(tokenT, sellerS, 100)
	f.custodian.fund(tokenU, sellerS, 200)
	f.custodian.failPullAt = 2

	_, err := f.svc.ListBatch(context.Background(), domain.ListBatchTransition{
		Seller:  sellerS,
		Tokens:  []common.Address{tokenT, tokenU},
		Prices:  []*big.Int{big.NewInt(10), big.NewInt(20)},
		Amounts: []*big.Int{big.NewInt(100), big.NewInt(200)},
	})
	if !errors.Is(err, domain.ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got: %v", err)
	}

	ids, _ := f.ledger.ActiveItemIDs(context.Background())
	if len(ids) != 0 {
		t.Errorf("expected no items, got %v", ids)
	}
	if f.custodian.balanceOf(tokenT, sellerS) != 100 {
		t.Errorf("expected first lot returned, got balance %d", f.custodian.balanceOf(tokenT, sellerS))
	}
	if f.custodian.escrowOf(tokenT) != 0 {
		t.Errorf("expected empty escrow, got %d", f.custodian.escrowOf(tokenT))
	}
}

func TestListBatch_InvalidElementRejectedBeforeEscrow(t *testing.T) {
	f := newFixture(t)
	f.custodian.fund(tokenT, sellerS, 100)

	_, err := f.svc.ListBatch(context.Background(), domain.ListBatchTransition{
		Seller:  sellerS,
		Tokens:  []common.Address{tokenT, tokenT},
		Prices:  []*big.Int{big.NewInt(10), big.NewInt(0)},
		Amounts: []*big.Int{big.NewInt(50), big.NewInt(50)},
	})
	if !errors.Is(err, domain.ErrInvalidItemPrice) {
		t.Fatalf("expected ErrInvalidItemPrice, got: %v", err)
	}
	if f.custodian.pulls != 0 {
		t.Errorf("expected no pulls, got %d", f.custodian.pulls)
	}
}

func TestPurchase_Success(t *testing.T) {
	f := newFixture(t)
	f.custodian.fund(tokenT, sellerS, 100)
	id := f.list(t, sellerS, tokenT, 100, tenPow17)
	f.custodian.deposit(buyerB, tenPow17)

	receipt, err := f.svc.Purchase(context.Background(), domain.PurchaseTransition{
		ItemID: id, Buyer: buyerB, Payment: new(big.Int).Set(tenPow17),
	})
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}

	ev, ok := receipt.Events[0].Event.(domain.ItemPurchased)
	if !ok {
		t.Fatalf("expected ItemPurchased, got %T", receipt.Events[0].Event)
	}
	if ev.Buyer != buyerB || ev.Token != tokenT || ev.Amount.Int64() != 100 || ev.Price.Cmp(tenPow17) != 0 {
		t.Errorf("unexpected event payload: %+v", ev)
	}

	item, _ := f.ledger.GetItem(context.Background(), id)
	if item.Active {
		t.Error("expected item to be inactive")
	}

	seller, _ := f.ledger.GetSeller(context.Background(), sellerS)
	if seller.PendingWithdrawals.Cmp(tenPow17) != 0 {
		t.Errorf("expected pending %s, got %s", tenPow17, seller.PendingWithdrawals)
	}
	if seller.Balance.Cmp(tenPow17) != 0 {
		t.Errorf("expected balance %s, got %s", tenPow17, seller.Balance)
	}
	if seller.ActiveListedItems != 0 || seller.TotalSoldItems != 1 {
		t.Errorf("expected 0 active/1 sold, got %d/%d", seller.ActiveListedItems, seller.TotalSoldItems)
	}

	if f.custodian.balanceOf(tokenT, buyerB) != 100 {
		t.Errorf("expected buyer to receive 100 tokens, got %d", f.custodian.balanceOf(tokenT, buyerB))
	}
}

func TestPurchase_ExactPayment(t *testing.T) {
	f := newFixture(t)
	f.custodian.fund(tokenT, sellerS, 100)
	id := f.list(t, sellerS, tokenT, 100, tenPow17)
	f.custodian.deposit(buyerB, tenPow17)

	for _, delta := range []int64{-1, 1} {
		payment := new(big.Int).Add(tenPow17, big.NewInt(delta))
		_, err := f.svc.Purchase(context.Background(), domain.PurchaseTransition{
			ItemID: id, Buyer: buyerB, Payment: payment,
		})
		if !errors.Is(err, domain.ErrInvalidPayment) {
			t.Errorf("payment %s: expected ErrInvalidPayment, got: %v", payment, err)
		}
	}

	item, _ := f.ledger.GetItem(context.Background(), id)
	if !item.Active {
		t.Fatal("item must stay active after rejected payments")
	}

	if _, err := f.svc.Purchase(context.Background(), domain.PurchaseTransition{
		ItemID: id, Buyer: buyerB, Payment: tenPow17,
	}); err != nil {
		t.Errorf("exact payment should succeed, got: %v", err)
	}
}

func TestPurchase_NoDoubleSale(t *testing.T) {
	f := newFixture(t)
	f.custodian.fund(tokenT, sellerS, 100)
	id := f.list(t, sellerS, tokenT, 100, tenPow17)
	f.custodian.deposit(buyerB, tenPow17)

	if _, err := f.svc.Purchase(context.Background(), domain.PurchaseTransition{
		ItemID: id, Buyer: buyerB, Payment: tenPow17,
	}); err != nil {
		t.Fatalf("first purchase failed: %v", err)
	}

	before, _ := f.ledger.GetSeller(context.Background(), sellerS)

	for _, payment := range []*big.Int{tenPow17, big.NewInt(1), big.NewInt(0)} {
		_, err := f.svc.Purchase(context.Background(), domain.PurchaseTransition{
			ItemID: id, Buyer: buyerB, Payment: payment,
		})
		if !errors.Is(err, domain.ErrInvalidItemID) {
			t.Errorf("expected ErrInvalidItemID, got: %v", err)
		}
	}

	after, _ := f.ledger.GetSeller(context.Background(), sellerS)
	if after.PendingWithdrawals.Cmp(before.PendingWithdrawals) != 0 || after.TotalSoldItems != before.TotalSoldItems {
		t.Errorf("ledger changed after rejected purchase: %+v -> %+v", before, after)
	}
}

func TestPurchase_UnknownItem(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Purchase(context.Background(), domain.PurchaseTransition{
		ItemID: 42, Buyer: buyerB, Payment: big.NewInt(1),
	})
	if !errors.Is(err, domain.ErrInvalidItemID) {
		t.Errorf("expected ErrInvalidItemID, got: %v", err)
	}
}

func TestPurchase_ReleaseFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.custodian.fund(tokenT, sellerS, 100)
	id := f.list(t, sellerS, tokenT, 100, tenPow17)
	f.custodian.deposit(buyerB, tenPow17)
	f.custodian.releaseErr = errMockTransfer

	_, err := f.svc.Purchase(context.Background(), domain.PurchaseTransition{
		ItemID: id, Buyer: buyerB, Payment: tenPow17,
	})
	if !errors.Is(err, domain.ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got: %v", err)
	}

	item, _ := f.ledger.GetItem(context.Background(), id)
	if !item.Active {
		t.Error("failed purchase must not flip active")
	}
	seller, _ := f.ledger.GetSeller(context.Background(), sellerS)
	if seller.PendingWithdrawals.Sign() != 0 {
		t.Errorf("expected no pending credit, got %s", seller.PendingWithdrawals)
	}
	if f.custodian.fundsOf(buyerB).Cmp(tenPow17) != 0 {
		t.Errorf("expected payment refunded to buyer, got %s", f.custodian.fundsOf(buyerB))
	}
}

func TestPurchase_UnfundedBuyer(t *testing.T) {
	f := newFixture(t)
	f.custodian.fund(tokenT, sellerS, 100)
	id := f.list(t, sellerS, tokenT, 100, tenPow17)
	f.custodian.deposit(buyerB, new(big.Int).Sub(tenPow17, big.NewInt(1)))

	_, err := f.svc.Purchase(context.Background(), domain.PurchaseTransition{
		ItemID: id, Buyer: buyerB, Payment: tenPow17,
	})
	if !errors.Is(err, domain.ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got: %v", err)
	}

	item, _ := f.ledger.GetItem(context.Background(), id)
	if !item.Active {
		t.Error("unpaid purchase must not flip active")
	}
	if f.custodian.balanceOf(tokenT, buyerB) != 0 {
		t.Errorf("unpaid buyer must not receive tokens, got %d", f.custodian.balanceOf(tokenT, buyerB))
	}
	if f.custodian.escrowOf(tokenT) != 100 {
		t.Errorf("expected lot to stay escrowed, got %d", f.custodian.escrowOf(tokenT))
	}
	seller, _ := f.ledger.GetSeller(context.Background(), sellerS)
	if seller.PendingWithdrawals.Sign() != 0 {
		t.Errorf("expected no pending credit, got %s", seller.PendingWithdrawals)
	}

	// an unpaid purchase must not leave anything to withdraw
	_, err = f.svc.Withdraw(context.Background(), domain.WithdrawTransition{Seller: sellerS})
	if !errors.Is(err, domain.ErrNoEarningsToWithdraw) {
		t.Errorf("expected ErrNoEarningsToWithdraw, got: %v", err)
	}
}

func TestPurchase_CollectFailure(t *testing.T) {
	f := newFixture(t)
	f.custodian.fund(tokenT, sellerS, 100)
	id := f.list(t, sellerS, tokenT, 100, tenPow17)
	f.custodian.deposit(buyerB, tenPow17)
	f.custodian.collectErr = errMockTransfer

	_, err := f.svc.Purchase(context.Background(), domain.PurchaseTransition{
		ItemID: id, Buyer: buyerB, Payment: tenPow17,
	})
	if !errors.Is(err, domain.ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got: %v", err)
	}
	if f.custodian.fundsOf(buyerB).Cmp(tenPow17) != 0 {
		t.Errorf("expected buyer funds untouched, got %s", f.custodian.fundsOf(buyerB))
	}
}

func TestPurchase_CommitFailureCompensates(t *testing.T) {
	f := newFixture(t)
	f.custodian.fund(tokenT, sellerS, 100)
	id := f.list(t, sellerS, tokenT, 100, tenPow17)
	f.custodian.deposit(buyerB, tenPow17)
	f.ledger.commitErr = errors.New("disk full")

	_, err := f.svc.Purchase(context.Background(), domain.PurchaseTransition{
		ItemID: id, Buyer: buyerB, Payment: tenPow17,
	})
	if err == nil {
		t.Fatal("expected commit error")
	}

	item, _ := f.ledger.GetItem(context.Background(), id)
	if !item.Active {
		t.Error("uncommitted purchase must leave the item active")
	}
	if f.custodian.escrowOf(tokenT) != 100 {
		t.Errorf("expected lot back in escrow, got %d", f.custodian.escrowOf(tokenT))
	}
	if f.custodian.balanceOf(tokenT, buyerB) != 0 {
		t.Errorf("expected delivery reclaimed from buyer, got %d", f.custodian.balanceOf(tokenT, buyerB))
	}
	if f.custodian.fundsOf(buyerB).Cmp(tenPow17) != 0 {
		t.Errorf("expected payment refunded, got %s", f.custodian.fundsOf(buyerB))
	}
	if f.custodian.proceedsHeld().Sign() != 0 {
		t.Errorf("expected no proceeds held, got %s", f.custodian.proceedsHeld())
	}

	// once the ledger recovers the same lot sells exactly once
	f.ledger.commitErr = nil
	if _, err := f.svc.Purchase(context.Background(), domain.PurchaseTransition{
		ItemID: id, Buyer: buyerB, Payment: tenPow17,
	}); err != nil {
		t.Fatalf("retry purchase failed: %v", err)
	}
	if f.custodian.balanceOf(tokenT, buyerB) != 100 || f.custodian.escrowOf(tokenT) != 0 {
		t.Errorf("expected buyer 100 and empty escrow, got %d/%d",
			f.custodian.balanceOf(tokenT, buyerB), f.custodian.escrowOf(tokenT))
	}
}

func TestPurchase_Concurrent(t *testing.T) {
	totalRequests := 50

	f := newFixture(t)
	f.custodian.fund(tokenT, sellerS, 100)
	id := f.list(t, sellerS, tokenT, 100, tenPow17)

	for i := 0; i < totalRequests; i++ {
		f.custodian.deposit(common.BigToAddress(big.NewInt(int64(1000+i))), tenPow17)
	}

	var successCount atomic.Int32
	var invalidCount atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			buyer := common.BigToAddress(big.NewInt(int64(1000 + n)))
			_, err := f.svc.Purchase(context.Background(), domain.PurchaseTransition{
				ItemID: id, Buyer: buyer, Payment: tenPow17,
			})
			if err == nil {
				successCount.Add(1)
			} else if errors.Is(err, domain.ErrInvalidItemID) {
				invalidCount.Add(1)
			}
		}(i)
	}

	wg.Wait()

	if successCount.Load() != 1 {
		t.Errorf("expected exactly 1 success, got %d", successCount.Load())
	}
	if invalidCount.Load() != int32(totalRequests-1) {
		t.Errorf("expected %d InvalidItemId, got %d", totalRequests-1, invalidCount.Load())
	}

	seller, _ := f.ledger.GetSeller(context.Background(), sellerS)
	if seller.PendingWithdrawals.Cmp(tenPow17) != 0 {
		t.Errorf("expected pending %s, got %s", tenPow17, seller.PendingWithdrawals)
	}
}

func TestWithdraw_Success(t *testing.T) {
	f := newFixture(t)
	f.custodian.fund(tokenT, sellerS, 100)
	id := f.list(t, sellerS, tokenT, 100, tenPow17)
	f.custodian.deposit(buyerB, tenPow17)
	if _, err := f.svc.Purchase(context.Background(), domain.PurchaseTransition{
		ItemID: id, Buyer: buyerB, Payment: tenPow17,
	}); err != nil {
		t.Fatalf("purchase failed: %v", err)
	}

	receipt, err := f.svc.Withdraw(context.Background(), domain.WithdrawTransition{Seller: sellerS})
	if err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}

	ev, ok := receipt.Events[0].Event.(domain.FundsWithdrawn)
	if !ok {
		t.Fatalf("expected FundsWithdrawn, got %T", receipt.Events[0].Event)
	}
	if ev.Seller != sellerS || ev.Amount.Cmp(tenPow17) != 0 {
		t.Errorf("unexpected event payload: %+v", ev)
	}
	if f.custodian.paidTo(sellerS).Cmp(tenPow17) != 0 {
		t.Errorf("expected payout %s, got %s", tenPow17, f.custodian.paidTo(sellerS))
	}

	seller, _ := f.ledger.GetSeller(context.Background(), sellerS)
	if seller.PendingWithdrawals.Sign() != 0 {
		t.Errorf("expected pending 0, got %s", seller.PendingWithdrawals)
	}
	if seller.Balance.Cmp(tenPow17) != 0 {
		t.Errorf("balance must stay cumulative, got %s", seller.Balance)
	}

	_, err = f.svc.Withdraw(context.Background(), domain.WithdrawTransition{Seller: sellerS})
	if !errors.Is(err, domain.ErrNoEarningsToWithdraw) {
		t.Errorf("expected ErrNoEarningsToWithdraw, got: %v", err)
	}
}

func TestWithdraw_PushFailureKeepsPending(t *testing.T) {
	f := newFixture(t)
	f.custodian.fund(tokenT, sellerS, 100)
	id := f.list(t, sellerS, tokenT, 100, tenPow17)
	f.custodian.deposit(buyerB, tenPow17)
	if _, err := f.svc.Purchase(context.Background(), domain.PurchaseTransition{
		ItemID: id, Buyer: buyerB, Payment: tenPow17,
	}); err != nil {
		t.Fatalf("purchase failed: %v", err)
	}
	f.custodian.pushErr = errMockTransfer

	_, err := f.svc.Withdraw(context.Background(), domain.WithdrawTransition{Seller: sellerS})
	if !errors.Is(err, domain.ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got: %v", err)
	}

	seller, _ := f.ledger.GetSeller(context.Background(), sellerS)
	if seller.PendingWithdrawals.Cmp(tenPow17) != 0 {
		t.Errorf("expected pending kept at %s, got %s", tenPow17, seller.PendingWithdrawals)
	}

	f.custodian.pushErr = nil
	if _, err := f.svc.Withdraw(context.Background(), domain.WithdrawTransition{Seller: sellerS}); err != nil {
		t.Fatalf("withdraw after recovery failed: %v", err)
	}
	if f.custodian.paidTo(sellerS).Cmp(tenPow17) != 0 {
		t.Errorf("expected payout %s, got %s", tenPow17, f.custodian.paidTo(sellerS))
	}
}

func TestWithdraw_CommitFailureDoesNotPay(t *testing.T) {
	f := newFixture(t)
	f.custodian.fund(tokenT, sellerS, 100)
	id := f.list(t, sellerS, tokenT, 100, tenPow17)
	f.custodian.deposit(buyerB, tenPow17)
	if _, err := f.svc.Purchase(context.Background(), domain.PurchaseTransition{
		ItemID: id, Buyer: buyerB, Payment: tenPow17,
	}); err != nil {
		t.Fatalf("purchase failed: %v", err)
	}
	f.ledger.commitErr = errors.New("disk full")

	if _, err := f.svc.Withdraw(context.Background(), domain.WithdrawTransition{Seller: sellerS}); err == nil {
		t.Fatal("expected commit error")
	}
	if f.custodian.paidTo(sellerS).Sign() != 0 {
		t.Fatalf("nothing may be paid before the withdrawal commits, got %s", f.custodian.paidTo(sellerS))
	}

	f.ledger.commitErr = nil
	if _, err := f.svc.Withdraw(context.Background(), domain.WithdrawTransition{Seller: sellerS}); err != nil {
		t.Fatalf("withdraw after recovery failed: %v", err)
	}
	_, err := f.svc.Withdraw(context.Background(), domain.WithdrawTransition{Seller: sellerS})
	if !errors.Is(err, domain.ErrNoEarningsToWithdraw) {
		t.Errorf("expected ErrNoEarningsToWithdraw, got: %v", err)
	}
	if f.custodian.paidTo(sellerS).Cmp(tenPow17) != 0 {
		t.Errorf("expected exactly one payout of %s, got %s", tenPow17, f.custodian.paidTo(sellerS))
	}
}

func TestWithdraw_EventRecordFailureStillPays(t *testing.T) {
	f := newFixture(t)
	f.custodian.fund(tokenT, sellerS, 100)
	id := f.list(t, sellerS, tokenT, 100, tenPow17)
	f.custodian.deposit(buyerB, tenPow17)
	if _, err := f.svc.Purchase(context.Background(), domain.PurchaseTransition{
		ItemID: id, Buyer: buyerB, Payment: tenPow17,
	}); err != nil {
		t.Fatalf("purchase failed: %v", err)
	}
	// the reservation commits, the event append after the payout does not
	f.ledger.failCommitAt = f.ledger.updateRuns + 2

	receipt, err := f.svc.Withdraw(context.Background(), domain.WithdrawTransition{Seller: sellerS})
	if err != nil {
		t.Fatalf("paid withdrawal must report success, got: %v", err)
	}
	if receipt.Amount.Cmp(tenPow17) != 0 || len(receipt.Events) != 0 {
		t.Errorf("expected amount %s and no events, got %s/%d", tenPow17, receipt.Amount, len(receipt.Events))
	}
	seller, _ := f.ledger.GetSeller(context.Background(), sellerS)
	if seller.PendingWithdrawals.Sign() != 0 {
		t.Errorf("expected pending 0, got %s", seller.PendingWithdrawals)
	}
	if f.custodian.paidTo(sellerS).Cmp(tenPow17) != 0 {
		t.Errorf("expected payout %s, got %s", tenPow17, f.custodian.paidTo(sellerS))
	}
}

func TestConservation(t *testing.T) {
	f := newFixture(t)
	f.custodian.fund(tokenT, sellerS, 300)

	prices := []int64{10, 20, 30}
	ids := make([]domain.ItemID, len(prices))
	for i, p := range prices {
		ids[i] = f.list(t, sellerS, tokenT, 100, big.NewInt(p))
	}

	f.custodian.deposit(buyerB, big.NewInt(60))

	buy := func(i int) {
		if _, err := f.svc.Purchase(context.Background(), domain.PurchaseTransition{
			ItemID: ids[i], Buyer: buyerB, Payment: big.NewInt(prices[i]),
		}); err != nil {
			t.Fatalf("purchase %d failed: %v", i, err)
		}
	}

	buy(0)
	buy(1)
	if _, err := f.svc.Withdraw(context.Background(), domain.WithdrawTransition{Seller: sellerS}); err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}
	buy(2)

	seller, _ := f.ledger.GetSeller(context.Background(), sellerS)
	if seller.PendingWithdrawals.Int64() != 30 {
		t.Errorf("expected pending 30, got %s", seller.PendingWithdrawals)
	}
	if seller.Balance.Int64() != 60 {
		t.Errorf("expected balance 60, got %s", seller.Balance)
	}
	if f.custodian.paidTo(sellerS).Int64() != 30 {
		t.Errorf("expected payout 30, got %s", f.custodian.paidTo(sellerS))
	}
	if seller.TotalSoldItems != 3 || seller.ActiveListedItems != 0 || seller.TotalListedItems != 3 {
		t.Errorf("unexpected counters: %+v", seller)
	}
}

func TestItemIDsNeverReused(t *testing.T) {
	f := newFixture(t)
	f.custodian.fund(tokenT, sellerS, 1000)

	f.custodian.deposit(buyerB, big.NewInt(5))

	seen := make(map[domain.ItemID]bool)
	for i := 0; i < 5; i++ {
		id := f.list(t, sellerS, tokenT, 10, big.NewInt(1))
		if seen[id] {
			t.Fatalf("item id %d reused", id)
		}
		seen[id] = true
		if i%2 == 0 {
			if _, err := f.svc.Purchase(context.Background(), domain.PurchaseTransition{
				ItemID: id, Buyer: buyerB, Payment: big.NewInt(1),
			}); err != nil {
				t.Fatalf("purchase failed: %v", err)
			}
		}
	}
}

func TestSignedList_NonceMonotonicAndReplay(t *testing.T) {
	f := newFixture(t)
	key, seller := generateKey(t)
	f.custodian.fund(tokenT, seller, 200)

	msg := signing.ListMessage{
		Token:    tokenT,
		Price:    tenPow17,
		Amount:   big.NewInt(100),
		Nonce:    0,
		Deadline: uint64(testStart.Add(time.Hour).Unix()),
	}
	transition := domain.ListTransition{
		Seller: seller,
		Token:  tokenT,
		Price:  tenPow17,
		Amount: big.NewInt(100),
		Auth:   f.sign(t, key, msg),
	}

	if _, err := f.svc.List(context.Background(), transition); err != nil {
		t.Fatalf("signed list failed: %v", err)
	}

	record, _ := f.ledger.GetSeller(context.Background(), seller)
	if record.SignedNonce != 1 {
		t.Errorf("expected nonce 1, got %d", record.SignedNonce)
	}

	_, err := f.svc.List(context.Background(), transition)
	if !errors.Is(err, domain.ErrNonceMismatch) {
		t.Fatalf("expected ErrNonceMismatch on replay, got: %v", err)
	}
	if !domain.IsRetryable(err) {
		t.Error("nonce mismatch should be retryable")
	}

	record, _ = f.ledger.GetSeller(context.Background(), seller)
	if record.SignedNonce != 1 || record.TotalListedItems != 1 {
		t.Errorf("replay must not change the ledger, got %+v", record)
	}
	if f.custodian.balanceOf(tokenT, seller) != 100 {
		t.Errorf("replay must not pull tokens, balance %d", f.custodian.balanceOf(tokenT, seller))
	}
}

func TestSignedList_FutureNonceRejected(t *testing.T) {
	f := newFixture(t)
	key, seller := generateKey(t)
	f.custodian.fund(tokenT, seller, 100)

	msg := signing.ListMessage{
		Token: tokenT, Price: tenPow17, Amount: big.NewInt(100),
		Nonce: 5, Deadline: uint64(testStart.Add(time.Hour).Unix()),
	}
	_, err := f.svc.List(context.Background(), domain.ListTransition{
		Seller: seller, Token: tokenT, Price: tenPow17, Amount: big.NewInt(100),
		Auth: f.sign(t, key, msg),
	})
	if !errors.Is(err, domain.ErrNonceMismatch) {
		t.Errorf("expected ErrNonceMismatch, got: %v", err)
	}
}

func TestSignedList_WrongSigner(t *testing.T) {
	f := newFixture(t)
	key, _ := generateKey(t)
	f.custodian.fund(tokenT, sellerS, 100)

	msg := signing.ListMessage{
		Token: tokenT, Price: tenPow17, Amount: big.NewInt(100),
		Nonce: 0, Deadline: uint64(testStart.Add(time.Hour).Unix()),
	}
	_, err := f.svc.List(context.Background(), domain.ListTransition{
		Seller: sellerS, Token: tokenT, Price: tenPow17, Amount: big.NewInt(100),
		Auth: f.sign(t, key, msg),
	})
	if !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got: %v", err)
	}
	if domain.IsRetryable(err) {
		t.Error("invalid signature must not be retryable")
	}
}

func TestSignedList_TamperedFields(t *testing.T) {
	f := newFixture(t)
	key, seller := generateKey(t)
	f.custodian.fund(tokenT, seller, 100)

	msg := signing.ListMessage{
		Token: tokenT, Price: tenPow17, Amount: big.NewInt(100),
		Nonce: 0, Deadline: uint64(testStart.Add(time.Hour).Unix()),
	}
	_, err := f.svc.List(context.Background(), domain.ListTransition{
		Seller: seller, Token: tokenT, Price: big.NewInt(1), Amount: big.NewInt(100),
		Auth: f.sign(t, key, msg),
	})
	if !errors.Is(err, domain.ErrInvalidSignature) {
		t.Errorf("expected ErrInvalidSignature for altered price, got: %v", err)
	}
}

func TestSigned_DeadlineEnforced(t *testing.T) {
	f := newFixture(t)
	key, seller := generateKey(t)
	f.custodian.fund(tokenT, seller, 100)

	deadline := uint64(testStart.Add(time.Minute).Unix())
	msg := signing.ListMessage{
		Token: tokenT, Price: tenPow17, Amount: big.NewInt(100),
		Nonce: 0, Deadline: deadline,
	}
	auth := f.sign(t, key, msg)
	f.clock.Advance(2 * time.Minute)

	_, err := f.svc.List(context.Background(), domain.ListTransition{
		Seller: seller, Token: tokenT, Price: tenPow17, Amount: big.NewInt(100), Auth: auth,
	})
	if !errors.Is(err, domain.ErrExpired) {
		t.Fatalf("expected ErrExpired, got: %v", err)
	}

	// an expired message fails with Expired even when the signature is garbage
	auth.Signature = []byte{1, 2, 3}
	_, err = f.svc.List(context.Background(), domain.ListTransition{
		Seller: seller, Token: tokenT, Price: tenPow17, Amount: big.NewInt(100), Auth: auth,
	})
	if !errors.Is(err, domain.ErrExpired) {
		t.Errorf("expected ErrExpired, got: %v", err)
	}
}

func TestSignedPurchase_BuyerNonce(t *testing.T) {
	f := newFixture(t)
	f.custodian.fund(tokenT, sellerS, 200)
	first := f.list(t, sellerS, tokenT, 100, tenPow17)
	second := f.list(t, sellerS, tokenT, 100, tenPow17)
	key, buyer := generateKey(t)
	f.custodian.deposit(buyer, new(big.Int).Mul(tenPow17, big.NewInt(2)))
	deadline := uint64(testStart.Add(time.Hour).Unix())

	auth := f.sign(t, key, signing.PurchaseMessage{ItemID: first, Nonce: 0, Deadline: deadline})
	if _, err := f.svc.Purchase(context.Background(), domain.PurchaseTransition{
		ItemID: first, Buyer: buyer, Payment: tenPow17, Auth: auth,
	}); err != nil {
		t.Fatalf("signed purchase failed: %v", err)
	}

	nonce, _ := f.ledger.GetBuyerNonce(context.Background(), buyer)
	if nonce != 1 {
		t.Errorf("expected buyer nonce 1, got %d", nonce)
	}
	seller, _ := f.ledger.GetSeller(context.Background(), sellerS)
	if seller.SignedNonce != 0 {
		t.Errorf("buyer actions must not touch seller nonce, got %d", seller.SignedNonce)
	}

	// a stale nonce on a different item is rejected
	stale := f.sign(t, key, signing.PurchaseMessage{ItemID: second, Nonce: 0, Deadline: deadline})
	_, err := f.svc.Purchase(context.Background(), domain.PurchaseTransition{
		ItemID: second, Buyer: buyer, Payment: tenPow17, Auth: stale,
	})
	if !errors.Is(err, domain.ErrNonceMismatch) {
		t.Fatalf("expected ErrNonceMismatch, got: %v", err)
	}

	// a rejected purchase does not consume the nonce
	bad := f.sign(t, key, signing.PurchaseMessage{ItemID: second, Nonce: 1, Deadline: deadline})
	_, err = f.svc.Purchase(context.Background(), domain.PurchaseTransition{
		ItemID: second, Buyer: buyer, Payment: big.NewInt(1), Auth: bad,
	})
	if !errors.Is(err, domain.ErrInvalidPayment) {
		t.Fatalf("expected ErrInvalidPayment, got: %v", err)
	}
	nonce, _ = f.ledger.GetBuyerNonce(context.Background(), buyer)
	if nonce != 1 {
		t.Errorf("expected buyer nonce still 1, got %d", nonce)
	}
}

func TestSignedWithdraw(t *testing.T) {
	f := newFixture(t)
	key, seller := generateKey(t)
	f.custodian.fund(tokenT, seller, 100)
	id := f.list(t, seller, tokenT, 100, tenPow17)
	f.custodian.deposit(buyerB, tenPow17)
	if _, err := f.svc.Purchase(context.Background(), domain.PurchaseTransition{
		ItemID: id, Buyer: buyerB, Payment: tenPow17,
	}); err != nil {
		t.Fatalf("purchase failed: %v", err)
	}

	auth := f.sign(t, key, signing.WithdrawMessage{Nonce: 0, Deadline: uint64(testStart.Add(time.Hour).Unix())})
	receipt, err := f.svc.Withdraw(context.Background(), domain.WithdrawTransition{Seller: seller, Auth: auth})
	if err != nil {
		t.Fatalf("signed withdraw failed: %v", err)
	}
	if receipt.Amount.Cmp(tenPow17) != 0 {
		t.Errorf("expected amount %s, got %s", tenPow17, receipt.Amount)
	}

	record, _ := f.ledger.GetSeller(context.Background(), seller)
	if record.SignedNonce != 1 {
		t.Errorf("expected nonce 1, got %d", record.SignedNonce)
	}

	_, err = f.svc.Withdraw(context.Background(), domain.WithdrawTransition{Seller: seller, Auth: auth})
	if !errors.Is(err, domain.ErrNonceMismatch) {
		t.Errorf("expected ErrNonceMismatch on replay, got: %v", err)
	}
}

func TestExecute_Dispatch(t *testing.T) {
	f := newFixture(t)
	f.custodian.fund(tokenT, sellerS, 100)

	receipt, err := f.svc.Execute(context.Background(), domain.ListTransition{
		Seller: sellerS, Token: tokenT, Amount: big.NewInt(100), Price: big.NewInt(5),
	})
	if err != nil {
		t.Fatalf("execute list failed: %v", err)
	}

	f.custodian.deposit(buyerB, big.NewInt(5))

	transitions := []domain.Transition{
		domain.PurchaseTransition{ItemID: receipt.ItemIDs[0], Buyer: buyerB, Payment: big.NewInt(5)},
		domain.WithdrawTransition{Seller: sellerS},
		domain.ListBatchTransition{Seller: sellerS},
	}
	for _, tr := range transitions {
		if _, err := f.svc.Execute(context.Background(), tr); err != nil {
			t.Errorf("execute %T failed: %v", tr, err)
		}
	}

	_, err = f.svc.Execute(context.Background(), nil)
	if !errors.Is(err, ErrUnknownTransition) {
		t.Errorf("expected ErrUnknownTransition, got: %v", err)
	}
}

func TestEventsQueued(t *testing.T) {
	ledger := newMockLedger()
	custodian := newMockCustodian()
	custodian.fund(tokenT, sellerS, 100)
	clock := newFixedClock(testStart)
	d := signing.NewDomain(big.NewInt(1), common.Address{})
	svc := NewMarketplaceService(ledger, custodian, signing.NewVerifier(d), clock, 10)

	_, err := svc.List(context.Background(), domain.ListTransition{
		Seller: sellerS, Token: tokenT, Amount: big.NewInt(100), Price: big.NewInt(7),
	})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}

	// Read from queue
	rec := <-svc.GetEventQueue()

	if rec.Event.Kind() != domain.EventItemListed {
		t.Errorf("expected ItemListed, got %s", rec.Event.Kind())
	}
	if rec.ID == "" {
		t.Error("expected non-empty event ID")
	}
	if !rec.OccurredAt.Equal(testStart) {
		t.Errorf("expected event time %s, got %s", testStart, rec.OccurredAt)
	}
	if rec.ItemID != 1 {
		t.Errorf("expected item 1, got %d", rec.ItemID)
	}

	svc.Close()
	svc.Close()

	// publishing after close drops the event instead of panicking
	custodian.fund(tokenT, sellerS, 100)
	if _, err := svc.List(context.Background(), domain.ListTransition{
		Seller: sellerS, Token: tokenT, Amount: big.NewInt(100), Price: big.NewInt(7),
	}); err != nil {
		t.Fatalf("list after close failed: %v", err)
	}
}

type recordingSink struct {
	mu      sync.Mutex
	records []domain.EventRecord
	err     error
}

func (s *recordingSink) Publish(ctx context.Context, rec domain.EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return s.err
}

func TestEventDispatcher_DeliversToAllSinks(t *testing.T) {
	queue := make(chan domain.EventRecord, 10)
	failing := &recordingSink{err: errors.New("sink down")}
	ok := &recordingSink{}

	d := NewEventDispatcher(queue, failing, ok, LogSink{})
	d.Start(3)

	for i := 1; i <= 5; i++ {
		queue <- domain.EventRecord{
			ID:     "ev",
			ItemID: domain.ItemID(i),
			Event:  domain.ItemListed{Token: tokenT, Seller: sellerS, Amount: big.NewInt(1), Price: big.NewInt(1)},
		}
	}
	queue <- domain.EventRecord{ID: "wd", Event: domain.FundsWithdrawn{Seller: sellerS, Amount: big.NewInt(5)}}
	close(queue)
	d.Wait()

	if len(ok.records) != 6 {
		t.Errorf("expected 6 deliveries, got %d", len(ok.records))
	}
	if len(failing.records) != 6 {
		t.Errorf("a failing sink still sees every event, got %d", len(failing.records))
	}
}
