package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	logging "github.com/ipfs/go-log/v2"

	"github.com/rl1809/token-marketplace/internal/adapter/clock"
	"github.com/rl1809/token-marketplace/internal/adapter/custody"
	"github.com/rl1809/token-marketplace/internal/adapter/storage"
	"github.com/rl1809/token-marketplace/internal/core/domain"
	"github.com/rl1809/token-marketplace/internal/core/service"
	"github.com/rl1809/token-marketplace/internal/core/signing"
)

var log = logging.Logger("stress-test")

const (
	itemCount        = 20
	lotSize          = 10
	totalRequests    = 50
	withdrawRequests = 10
	queueSize        = 100
)

var (
	token  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	seller = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	price  = big.NewInt(1_000_000_000_000_000)
)

func main() {
	ctx := context.Background()
	logging.SetAllLoggers(logging.LevelWarn)

	ledger := storage.NewMemoryLedger()
	custodian := custody.NewMemoryCustodian()
	custodian.Mint(token, seller, big.NewInt(itemCount*lotSize))

	d := signing.NewDomain(big.NewInt(31337), common.Address{})
	market := service.NewMarketplaceService(ledger, custodian, signing.NewVerifier(d), clock.System{}, queueSize)
	defer market.Close()

	// Drain the event queue in background
	go func() {
		for range market.GetEventQueue() {
		}
	}()

	tokens := make([]common.Address, itemCount)
	prices := make([]*big.Int, itemCount)
	amounts := make([]*big.Int, itemCount)
	for i := range tokens {
		tokens[i], prices[i], amounts[i] = token, price, big.NewInt(lotSize)
	}
	listed, err := market.ListBatch(ctx, domain.ListBatchTransition{Seller: seller, Tokens: tokens, Prices: prices, Amounts: amounts})
	if err != nil {
		log.Fatalf("failed to list items: %v", err)
	}

	// Counters
	var successCount atomic.Int32
	var soldOutCount atomic.Int32
	var otherCount atomic.Int32

	for i := 0; i < totalRequests; i++ {
		custodian.Deposit(common.BigToAddress(big.NewInt(int64(0xc000+i))), price)
	}

	// Spawn concurrent purchases; buyers overlap on every item
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()

			buyer := common.BigToAddress(big.NewInt(int64(0xc000 + n)))
			_, err := market.Purchase(ctx, domain.PurchaseTransition{
				ItemID:  listed.ItemIDs[n%itemCount],
				Buyer:   buyer,
				Payment: price,
			})
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, domain.ErrInvalidItemID):
				soldOutCount.Add(1)
			default:
				otherCount.Add(1)
				log.Errorf("buyer %d: unexpected error: %v", n, err)
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	// Results
	success := successCount.Load()
	soldOut := soldOutCount.Load()

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Listed Items:     %d\n", itemCount)
	fmt.Printf("Total Requests:   %d\n", totalRequests)
	fmt.Printf("Successful:       %d\n", success)
	fmt.Printf("Already Sold:     %d\n", soldOut)
	fmt.Printf("Other Errors:     %d\n", otherCount.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	// Assertions
	if success == itemCount && soldOut == totalRequests-itemCount {
		fmt.Printf("PASS: Exactly %d purchases succeeded, %d saw a sold item\n", itemCount, totalRequests-itemCount)
	} else {
		fmt.Printf("FAIL: Expected %d success/%d sold, got %d/%d\n",
			itemCount, totalRequests-itemCount, success, soldOut)
	}

	ids, err := ledger.ActiveItemIDs(ctx)
	if err != nil {
		log.Fatalf("failed to read active items: %v", err)
	}
	escrowed := custodian.Escrowed(token)
	fmt.Printf("Active Items:     %d\n", len(ids))
	fmt.Printf("Escrowed Tokens:  %s\n", escrowed)

	if len(ids) == 0 && escrowed.Sign() == 0 {
		fmt.Println("PASS: Every lot sold and escrow emptied")
	} else {
		fmt.Printf("FAIL: Expected no active items and empty escrow, got %d/%s\n", len(ids), escrowed)
	}

	s, err := ledger.GetSeller(ctx, seller)
	if err != nil {
		log.Fatalf("failed to read seller: %v", err)
	}
	want := new(big.Int).Mul(price, big.NewInt(itemCount))
	if s.PendingWithdrawals.Cmp(want) == 0 {
		fmt.Printf("PASS: Seller owed %s wei\n", want)
	} else {
		fmt.Printf("FAIL: Expected seller owed %s, got %s\n", want, s.PendingWithdrawals)
	}

	// Concurrent withdrawals; only one may pay out
	var withdrawn, empty atomic.Int32
	for i := 0; i < withdrawRequests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := market.Withdraw(ctx, domain.WithdrawTransition{Seller: seller})
			switch {
			case err == nil:
				withdrawn.Add(1)
			case errors.Is(err, domain.ErrNoEarningsToWithdraw):
				empty.Add(1)
			default:
				log.Errorf("withdraw: unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	paid := custodian.PaidOut(seller)
	if withdrawn.Load() == 1 && empty.Load() == withdrawRequests-1 && paid.Cmp(want) == 0 {
		fmt.Printf("PASS: One withdrawal paid %s wei, %d found nothing to withdraw\n", paid, empty.Load())
	} else {
		fmt.Printf("FAIL: Expected 1 withdrawal of %s, got %d paid %s\n", want, withdrawn.Load(), paid)
	}
}
