package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/rl1809/token-marketplace/internal/adapter/clock"
	"github.com/rl1809/token-marketplace/internal/adapter/custody"
	"github.com/rl1809/token-marketplace/internal/adapter/handler"
	"github.com/rl1809/token-marketplace/internal/adapter/storage"
	"github.com/rl1809/token-marketplace/internal/config"
	"github.com/rl1809/token-marketplace/internal/core/service"
	"github.com/rl1809/token-marketplace/internal/core/signing"
	"github.com/rl1809/token-marketplace/internal/port"
)

// closer collects shutdown hooks in registration order.
type closer []func()

func (c *closer) add(fn func()) { *c = append(*c, fn) }

func (c *closer) run() {
	for _, fn := range *c {
		fn()
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var connections closer

	ledger, err := openLedger(ctx, cfg.Ledger, &connections)
	if err != nil {
		return err
	}

	var eth *ethclient.Client
	if cfg.Custody.Mode == "chain" || cfg.Clock.Source == "chain" {
		eth, err = ethclient.DialContext(ctx, cfg.Custody.RPCURL)
		if err != nil {
			return fmt.Errorf("failed to dial rpc: %w", err)
		}
		connections.add(eth.Close)
		log.Infof("connected to rpc %s", cfg.Custody.RPCURL)
	}

	custodian, err := openCustodian(ctx, cfg.Custody, eth)
	if err != nil {
		return err
	}

	var clk port.Clock = clock.System{}
	if cfg.Clock.Source == "chain" {
		clk = clock.NewChain(eth)
	}

	sinks := []port.EventSink{service.LogSink{}}
	var cache port.ItemCache
	if cfg.Cache.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.RedisAddr,
			PoolSize: cfg.Cache.PoolSize,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect redis: %w", err)
		}
		connections.add(func() { rdb.Close() })
		log.Info("connected to redis")

		redisAdapter := storage.NewRedisAdapter(rdb, cfg.Cache.CacheTTL())
		cache = redisAdapter
		sinks = append(sinks, redisAdapter)
	}

	domain := signing.NewDomain(big.NewInt(cfg.Signing.ChainID), common.HexToAddress(cfg.Signing.VerifyingContract))
	if cfg.Signing.Name != "" {
		domain.Name = cfg.Signing.Name
	}
	if cfg.Signing.Version != "" {
		domain.Version = cfg.Signing.Version
	}
	verifier := signing.NewVerifier(domain)

	market := service.NewMarketplaceService(ledger, custodian, verifier, clk, cfg.Events.QueueSize)
	query := service.NewQueryService(ledger, cache)
	requests := service.NewSigningRequests(ledger, verifier, clk, cfg.Signing.TTL())

	dispatcher := service.NewEventDispatcher(market.GetEventQueue(), sinks...)
	dispatcher.Start(cfg.Events.Workers)

	grpcServer, err := newGRPCServer(cfg.Server)
	if err != nil {
		return err
	}
	handler.RegisterMarketplaceServer(grpcServer, handler.NewGRPCHandler(market, query))

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	go func() {
		log.Infof("gRPC server listening on %s", cfg.Server.GRPCAddr)
		if err := grpcServer.Serve(lis); err != nil {
			log.Errorf("gRPC server error: %v", err)
		}
	}()

	httpServer := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: handler.NewRouter(handler.NewHTTPHandler(market, query, requests), cfg.Server.AllowedOrigins),
	}

	go func() {
		log.Infof("HTTP server listening on %s", cfg.Server.HTTPAddr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("HTTP server error: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.Shutdown())
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
	log.Info("HTTP server stopped")

	grpcServer.GracefulStop()
	log.Info("gRPC server stopped")

	// Close event queue and wait for sinks
	market.Close()
	dispatcher.Wait()
	log.Info("event workers stopped")

	connections.run()
	log.Info("connections closed")
	return nil
}

func newGRPCServer(cfg config.ServerConfig) (*grpc.Server, error) {
	var opts []grpc.ServerOption
	if cfg.GRPCTLS() {
		creds, err := credentials.NewServerTLSFromFile(cfg.GRPCTLSCert, cfg.GRPCTLSKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load grpc tls: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
	}
	if cfg.GRPCAuthToken != "" {
		opts = append(opts, grpc.UnaryInterceptor(handler.TokenAuthInterceptor(cfg.GRPCAuthToken)))
	}
	if loopback, _ := config.IsLoopback(cfg.GRPCAddr); !loopback {
		log.Warnf("gRPC listener %s accepts remote connections", cfg.GRPCAddr)
	}
	return grpc.NewServer(opts...), nil
}

func openLedger(ctx context.Context, cfg config.LedgerConfig, connections *closer) (port.LedgerRepository, error) {
	if cfg.Driver == "memory" {
		log.Warn("using in-memory ledger; state is lost on exit")
		return storage.NewMemoryLedger(), nil
	}

	dsn := cfg.DSN
	if cfg.Driver == storage.DriverSQLite {
		path := cfg.SQLitePath()
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		dsn = storage.SQLiteDSN(path)
	}

	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", cfg.Driver, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", cfg.Driver, err)
	}

	ledger, err := storage.NewSQLLedger(db, cfg.Driver)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := ledger.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	connections.add(func() { ledger.Close() })
	log.Infof("connected to %s ledger", cfg.Driver)

	return ledger, nil
}

func openCustodian(ctx context.Context, cfg config.CustodyConfig, eth *ethclient.Client) (port.Custodian, error) {
	if cfg.Mode != "chain" {
		log.Warn("using in-memory custody; token movements are simulated")
		return custody.NewMemoryCustodian(), nil
	}

	c, err := custody.NewChainCustodian(ctx, eth, cfg.OperatorKey, common.HexToAddress(cfg.PaymentToken), cfg.Receipt())
	if err != nil {
		return nil, fmt.Errorf("failed to create chain custodian: %w", err)
	}
	log.Infof("chain custody operator %s payment token %s", c.Operator().Hex(), cfg.PaymentToken)
	return c, nil
}
