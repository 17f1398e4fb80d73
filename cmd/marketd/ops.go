package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/rl1809/token-marketplace/internal/adapter/handler"
	"github.com/rl1809/token-marketplace/internal/config"
	"github.com/rl1809/token-marketplace/internal/core/service"
)

const rpcTimeout = 3 * time.Minute

var (
	listSeller string
	listToken  string
	listPrice  string
	listAmount string

	batchTokens  []string
	batchPrices  []string
	batchAmounts []string

	purchaseBuyer   string
	purchasePayment string

	withdrawSeller string

	queryToken  string
	querySeller string
	queryPage   int
	queryLimit  int
)

func addOperatorCommands(root *cobra.Command) {
	listItemCmd := &cobra.Command{
		Use:   "list-item",
		Short: "List a token lot on behalf of a seller",
		RunE:  runListItem,
	}
	listItemCmd.Flags().StringVar(&listSeller, "seller", "", "seller address")
	listItemCmd.Flags().StringVar(&listToken, "token", "", "token contract address")
	listItemCmd.Flags().StringVar(&listPrice, "price", "", "price in wei")
	listItemCmd.Flags().StringVar(&listAmount, "amount", "", "token amount")

	listBatchCmd := &cobra.Command{
		Use:   "list-batch",
		Short: "List several token lots for one seller in a single transition",
		RunE:  runListBatch,
	}
	listBatchCmd.Flags().StringVar(&listSeller, "seller", "", "seller address")
	listBatchCmd.Flags().StringSliceVar(&batchTokens, "tokens", nil, "token contract addresses")
	listBatchCmd.Flags().StringSliceVar(&batchPrices, "prices", nil, "prices in wei")
	listBatchCmd.Flags().StringSliceVar(&batchAmounts, "amounts", nil, "token amounts")

	purchaseCmd := &cobra.Command{
		Use:   "purchase <item-id>",
		Short: "Purchase an item on behalf of a buyer",
		Args:  cobra.ExactArgs(1),
		RunE:  runPurchase,
	}
	purchaseCmd.Flags().StringVar(&purchaseBuyer, "buyer", "", "buyer address")
	purchaseCmd.Flags().StringVar(&purchasePayment, "payment", "", "payment in wei")

	withdrawCmd := &cobra.Command{
		Use:   "withdraw",
		Short: "Pay out a seller's pending proceeds",
		RunE:  runWithdraw,
	}
	withdrawCmd.Flags().StringVar(&withdrawSeller, "seller", "", "seller address")

	itemCmd := &cobra.Command{
		Use:   "item <item-id>",
		Short: "Show one item",
		Args:  cobra.ExactArgs(1),
		RunE:  runItem,
	}

	sellerCmd := &cobra.Command{
		Use:   "seller <address>",
		Short: "Show a seller's counters and pending proceeds",
		Args:  cobra.ExactArgs(1),
		RunE:  runSeller,
	}

	activeCmd := &cobra.Command{
		Use:   "active-items",
		Short: "Page through active items straight from the ledger",
		RunE:  runActiveItems,
	}
	activeCmd.Flags().StringVar(&queryToken, "token", "", "filter by token")
	activeCmd.Flags().StringVar(&querySeller, "seller", "", "filter by seller")
	activeCmd.Flags().IntVar(&queryPage, "page", 1, "page number")
	activeCmd.Flags().IntVar(&queryLimit, "limit", 10, "page size")

	for _, c := range []*cobra.Command{listItemCmd, listBatchCmd, purchaseCmd, withdrawCmd, itemCmd, sellerCmd} {
		c.Flags().StringVar(&grpcTarget, "grpc", "", "gRPC address of a running marketd (defaults to server.grpc_addr)")
		root.AddCommand(c)
	}
	root.AddCommand(activeCmd)
}

func dialMarket() (*handler.MarketplaceClient, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	target := grpcTarget
	if target == "" {
		target = cfg.Server.GRPCAddr
		if strings.HasPrefix(target, ":") {
			target = "localhost" + target
		}
	}

	transport := insecure.NewCredentials()
	if cfg.Server.GRPCTLS() {
		transport, err = credentials.NewClientTLSFromFile(cfg.Server.GRPCTLSCert, "")
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load grpc tls: %w", err)
		}
	}
	opts := []grpc.DialOption{grpc.WithTransportCredentials(transport)}
	if cfg.Server.GRPCAuthToken != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(handler.TokenCredentials{
			Token:  cfg.Server.GRPCAuthToken,
			Secure: cfg.Server.GRPCTLS(),
		}))
	}

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial %s: %w", target, err)
	}
	return handler.NewMarketplaceClient(conn), func() { conn.Close() }, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func transitionResult(resp *handler.TransitionResponse, err error) error {
	if err != nil {
		return err
	}
	if err := printJSON(resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("%s: %s", resp.Error, resp.Message)
	}
	return nil
}

func runListItem(cmd *cobra.Command, args []string) error {
	client, done, err := dialMarket()
	if err != nil {
		return err
	}
	defer done()

	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()

	return transitionResult(client.ListItem(ctx, &handler.ListItemRequest{
		Seller:     listSeller,
		Token:      listToken,
		PriceInWei: listPrice,
		Amount:     listAmount,
	}))
}

func runListBatch(cmd *cobra.Command, args []string) error {
	client, done, err := dialMarket()
	if err != nil {
		return err
	}
	defer done()

	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()

	return transitionResult(client.ListItemsBatch(ctx, &handler.ListItemsBatchRequest{
		Seller:      listSeller,
		Tokens:      batchTokens,
		PricesInWei: batchPrices,
		Amounts:     batchAmounts,
	}))
}

func runPurchase(cmd *cobra.Command, args []string) error {
	client, done, err := dialMarket()
	if err != nil {
		return err
	}
	defer done()

	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()

	return transitionResult(client.PurchaseItem(ctx, &handler.PurchaseItemRequest{
		ItemID:  args[0],
		Buyer:   purchaseBuyer,
		Payment: purchasePayment,
	}))
}

func runWithdraw(cmd *cobra.Command, args []string) error {
	client, done, err := dialMarket()
	if err != nil {
		return err
	}
	defer done()

	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()

	return transitionResult(client.WithdrawFunds(ctx, &handler.WithdrawFundsRequest{Seller: withdrawSeller}))
}

func runItem(cmd *cobra.Command, args []string) error {
	client, done, err := dialMarket()
	if err != nil {
		return err
	}
	defer done()

	resp, err := client.GetItem(context.Background(), &handler.GetItemRequest{ItemID: args[0]})
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("%s: %s", resp.Error, resp.Message)
	}
	return printJSON(resp.Item)
}

func runSeller(cmd *cobra.Command, args []string) error {
	client, done, err := dialMarket()
	if err != nil {
		return err
	}
	defer done()

	resp, err := client.GetSeller(context.Background(), &handler.GetSellerRequest{Address: args[0]})
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("%s: %s", resp.Error, resp.Message)
	}
	return printJSON(resp.Seller)
}

func runActiveItems(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Ledger.Driver == "memory" {
		return fmt.Errorf("active-items reads a persistent ledger; driver is %q", cfg.Ledger.Driver)
	}

	var connections closer
	defer connections.run()

	ledger, err := openLedger(ctx, cfg.Ledger, &connections)
	if err != nil {
		return err
	}

	page, err := service.NewQueryService(ledger, nil).ListItems(ctx, service.ItemQuery{
		Token:       queryToken,
		Seller:      querySeller,
		Page:        queryPage,
		Limit:       queryLimit,
		ForceUpdate: true,
	})
	if err != nil {
		return err
	}
	return printJSON(page)
}
