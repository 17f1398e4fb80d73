package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Ledger  LedgerConfig  `yaml:"ledger"`
	Cache   CacheConfig   `yaml:"cache"`
	Signing SigningConfig `yaml:"signing"`
	Custody CustodyConfig `yaml:"custody"`
	Clock   ClockConfig   `yaml:"clock"`
	Events  EventsConfig  `yaml:"events"`
	Log     LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	HTTPAddr        string   `yaml:"http_addr"`
	GRPCAddr        string   `yaml:"grpc_addr"`
	ShutdownTimeout string   `yaml:"shutdown_timeout"`
	AllowedOrigins  []string `yaml:"allowed_origins"`

	// The gRPC surface executes unsigned transitions. Off loopback it needs
	// both TLS and a bearer token.
	GRPCTLSCert   string `yaml:"grpc_tls_cert"`
	GRPCTLSKey    string `yaml:"grpc_tls_key"`
	GRPCAuthToken string `yaml:"grpc_auth_token"`
}

type LedgerConfig struct {
	Driver       string `yaml:"driver"` // "memory", "sqlite3" or "mysql"
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

type CacheConfig struct {
	RedisAddr string `yaml:"redis_addr"` // empty disables caching
	PoolSize  int    `yaml:"pool_size"`
	TTL       string `yaml:"ttl"`
}

type SigningConfig struct {
	Name              string `yaml:"name"`
	Version           string `yaml:"version"`
	ChainID           int64  `yaml:"chain_id"`
	VerifyingContract string `yaml:"verifying_contract"`
	SignatureTTL      string `yaml:"signature_ttl"`
}

type CustodyConfig struct {
	Mode           string `yaml:"mode"` // "memory" or "chain"
	RPCURL         string `yaml:"rpc_url"`
	OperatorKey    string `yaml:"operator_key"`
	PaymentToken   string `yaml:"payment_token"` // ERC-20 buyers pay in
	ReceiptTimeout string `yaml:"receipt_timeout"`
}

type ClockConfig struct {
	Source string `yaml:"source"` // "system" or "chain"
}

type EventsConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	dataPath := filepath.Join(homeDir, ".marketd", "ledger.db")

	return &Config{
		Server: ServerConfig{
			HTTPAddr:        ":8080",
			GRPCAddr:        "127.0.0.1:50051",
			ShutdownTimeout: "5s",
			AllowedOrigins:  []string{"*"},
		},
		Ledger: LedgerConfig{
			Driver:       "sqlite3",
			DSN:          dataPath,
			MaxOpenConns: 50,
			MaxIdleConns: 25,
		},
		Cache: CacheConfig{
			PoolSize: 100,
			TTL:      "5m",
		},
		Signing: SigningConfig{
			Name:              "SecuritizeMarketplace",
			Version:           "1",
			ChainID:           31337,
			VerifyingContract: "0x0000000000000000000000000000000000000000",
			SignatureTTL:      "24h",
		},
		Custody: CustodyConfig{
			Mode:           "memory",
			ReceiptTimeout: "2m",
		},
		Clock: ClockConfig{
			Source: "system",
		},
		Events: EventsConfig{
			Workers:   10,
			QueueSize: 10000,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func DefaultPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".marketd", "config.yaml")
}

// Load reads path, falling back to defaults when the file does not exist,
// then applies environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" {
		path = DefaultPath()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

func (c *Config) applyEnv() error {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	setString("MARKET_HTTP_ADDR", &c.Server.HTTPAddr)
	setString("MARKET_GRPC_ADDR", &c.Server.GRPCAddr)
	setString("MARKET_GRPC_AUTH_TOKEN", &c.Server.GRPCAuthToken)
	setString("MARKET_LEDGER_DRIVER", &c.Ledger.Driver)
	setString("MARKET_LEDGER_DSN", &c.Ledger.DSN)
	setString("REDIS_ADDR", &c.Cache.RedisAddr)
	setString("MARKET_RPC_URL", &c.Custody.RPCURL)
	setString("MARKET_OPERATOR_KEY", &c.Custody.OperatorKey)
	setString("MARKET_PAYMENT_TOKEN", &c.Custody.PaymentToken)
	setString("MARKET_LOG_LEVEL", &c.Log.Level)

	// MYSQL_DSN selects the mysql driver unless a driver was set explicitly.
	if dsn := os.Getenv("MYSQL_DSN"); dsn != "" {
		c.Ledger.DSN = dsn
		if os.Getenv("MARKET_LEDGER_DRIVER") == "" {
			c.Ledger.Driver = "mysql"
		}
	}

	if v := os.Getenv("MARKET_CHAIN_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("MARKET_CHAIN_ID: %w", err)
		}
		c.Signing.ChainID = id
	}
	return nil
}

func (c *Config) Validate() error {
	switch c.Ledger.Driver {
	case "memory", "sqlite3", "mysql":
	default:
		return fmt.Errorf("ledger.driver: unknown driver %q", c.Ledger.Driver)
	}
	if c.Ledger.Driver != "memory" && c.Ledger.DSN == "" {
		return fmt.Errorf("ledger.dsn: required for driver %q", c.Ledger.Driver)
	}

	switch c.Custody.Mode {
	case "memory":
	case "chain":
		if c.Custody.RPCURL == "" || c.Custody.OperatorKey == "" {
			return fmt.Errorf("custody: chain mode needs rpc_url and operator_key")
		}
		if !common.IsHexAddress(c.Custody.PaymentToken) || common.HexToAddress(c.Custody.PaymentToken) == (common.Address{}) {
			return fmt.Errorf("custody.payment_token: chain mode needs a payment token address, got %q", c.Custody.PaymentToken)
		}
	default:
		return fmt.Errorf("custody.mode: unknown mode %q", c.Custody.Mode)
	}

	switch c.Clock.Source {
	case "system":
	case "chain":
		if c.Custody.RPCURL == "" {
			return fmt.Errorf("clock: chain source needs custody.rpc_url")
		}
	default:
		return fmt.Errorf("clock.source: unknown source %q", c.Clock.Source)
	}

	if err := c.Server.validateGRPC(); err != nil {
		return err
	}

	if !common.IsHexAddress(c.Signing.VerifyingContract) {
		return fmt.Errorf("signing.verifying_contract: malformed address %q", c.Signing.VerifyingContract)
	}
	if c.Signing.ChainID < 0 {
		return fmt.Errorf("signing.chain_id: must not be negative")
	}

	durations := map[string]string{
		"server.shutdown_timeout": c.Server.ShutdownTimeout,
		"cache.ttl":               c.Cache.TTL,
		"signing.signature_ttl":   c.Signing.SignatureTTL,
		"custody.receipt_timeout": c.Custody.ReceiptTimeout,
	}
	for name, v := range durations {
		if _, err := parseDuration(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	if c.Events.Workers < 1 || c.Events.QueueSize < 1 {
		return fmt.Errorf("events: workers and queue_size must be positive")
	}
	return nil
}

func (c ServerConfig) validateGRPC() error {
	if (c.GRPCTLSCert == "") != (c.GRPCTLSKey == "") {
		return fmt.Errorf("server: grpc_tls_cert and grpc_tls_key must be set together")
	}
	loopback, err := IsLoopback(c.GRPCAddr)
	if err != nil {
		return fmt.Errorf("server.grpc_addr: %w", err)
	}
	if !loopback && (c.GRPCTLSCert == "" || c.GRPCAuthToken == "") {
		return fmt.Errorf("server.grpc_addr: %q is reachable off this host; set grpc_tls_cert, grpc_tls_key and grpc_auth_token or bind to 127.0.0.1", c.GRPCAddr)
	}
	return nil
}

// GRPCTLS reports whether the gRPC listener serves TLS.
func (c ServerConfig) GRPCTLS() bool { return c.GRPCTLSCert != "" }

// IsLoopback reports whether a listen address only accepts local
// connections. An empty host binds every interface.
func IsLoopback(addr string) (bool, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false, err
	}
	if host == "localhost" {
		return true, nil
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback(), nil
}

func (c ServerConfig) Shutdown() time.Duration { return mustDuration(c.ShutdownTimeout) }
func (c CacheConfig) CacheTTL() time.Duration  { return mustDuration(c.TTL) }
func (c SigningConfig) TTL() time.Duration     { return mustDuration(c.SignatureTTL) }
func (c CustodyConfig) Receipt() time.Duration { return mustDuration(c.ReceiptTimeout) }

// SQLitePath strips a "file:" prefix so callers can pass either form.
func (c LedgerConfig) SQLitePath() string {
	return strings.TrimPrefix(c.DSN, "file:")
}

func parseDuration(v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	return time.ParseDuration(v)
}

// mustDuration returns 0 for empty or invalid values; Validate reports them.
func mustDuration(v string) time.Duration {
	d, _ := parseDuration(v)
	return d
}
