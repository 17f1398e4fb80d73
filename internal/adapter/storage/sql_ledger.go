package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"

	"github.com/rl1809/token-marketplace/internal/core/domain"
	"github.com/rl1809/token-marketplace/internal/port"
)

var (
	ErrOptimisticLock = fmt.Errorf("%w: optimistic lock", domain.ErrConflict)
	ErrCorruptRecord  = errors.New("corrupt ledger record")
)

const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite3"
)

type dialect struct {
	driver    string
	forUpdate string
	schema    []string
	// statements creating an empty row for an address, no-ops when it exists
	reserveSeller string
	reserveBuyer  string
	isConflict    func(error) bool
}

var mysqlDialect = dialect{
	driver:    DriverMySQL,
	forUpdate: " FOR UPDATE",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS items (
			id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
			token VARCHAR(42) NOT NULL,
			seller VARCHAR(42) NOT NULL,
			amount VARCHAR(78) NOT NULL,
			price VARCHAR(78) NOT NULL,
			active BOOLEAN NOT NULL,
			version BIGINT UNSIGNED NOT NULL,
			INDEX idx_items_active (active)
		)`,
		`CREATE TABLE IF NOT EXISTS sellers (
			address VARCHAR(42) NOT NULL PRIMARY KEY,
			active_listed_items BIGINT UNSIGNED NOT NULL,
			total_listed_items BIGINT UNSIGNED NOT NULL,
			total_sold_items BIGINT UNSIGNED NOT NULL,
			pending_withdrawals VARCHAR(78) NOT NULL,
			balance VARCHAR(78) NOT NULL,
			signed_nonce BIGINT UNSIGNED NOT NULL,
			active BOOLEAN NOT NULL,
			version BIGINT UNSIGNED NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS buyer_nonces (
			address VARCHAR(42) NOT NULL PRIMARY KEY,
			nonce BIGINT UNSIGNED NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			seq BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
			id VARCHAR(26) NOT NULL UNIQUE,
			kind VARCHAR(32) NOT NULL,
			item_id BIGINT UNSIGNED NOT NULL,
			payload TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			INDEX idx_events_kind (kind)
		)`,
	},
	reserveSeller: `INSERT INTO sellers (address, active_listed_items, total_listed_items, total_sold_items,
			pending_withdrawals, balance, signed_nonce, active, version)
		VALUES (?, 0, 0, 0, '0', '0', 0, FALSE, 0)
		ON DUPLICATE KEY UPDATE address = address`,
	reserveBuyer: `INSERT INTO buyer_nonces (address, nonce) VALUES (?, 0)
		ON DUPLICATE KEY UPDATE address = address`,
	// duplicate key, lock wait timeout, deadlock
	isConflict: func(err error) bool {
		var myErr *mysql.MySQLError
		if !errors.As(err, &myErr) {
			return false
		}
		switch myErr.Number {
		case 1062, 1205, 1213:
			return true
		}
		return false
	},
}

var sqliteDialect = dialect{
	driver: DriverSQLite,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS items (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			token TEXT NOT NULL,
			seller TEXT NOT NULL,
			amount TEXT NOT NULL,
			price TEXT NOT NULL,
			active INTEGER NOT NULL,
			version INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_items_active ON items (active)`,
		`CREATE TABLE IF NOT EXISTS sellers (
			address TEXT PRIMARY KEY,
			active_listed_items INTEGER NOT NULL,
			total_listed_items INTEGER NOT NULL,
			total_sold_items INTEGER NOT NULL,
			pending_withdrawals TEXT NOT NULL,
			balance TEXT NOT NULL,
			signed_nonce INTEGER NOT NULL,
			active INTEGER NOT NULL,
			version INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS buyer_nonces (
			address TEXT PRIMARY KEY,
			nonce INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL,
			item_id INTEGER NOT NULL,
			payload TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_kind ON events (kind)`,
	},
	reserveSeller: `INSERT OR IGNORE INTO sellers (address, active_listed_items, total_listed_items, total_sold_items,
			pending_withdrawals, balance, signed_nonce, active, version)
		VALUES (?, 0, 0, 0, '0', '0', 0, 0, 0)`,
	reserveBuyer: `INSERT OR IGNORE INTO buyer_nonces (address, nonce) VALUES (?, 0)`,
	isConflict: func(err error) bool {
		var liteErr sqlite3.Error
		if !errors.As(err, &liteErr) {
			return false
		}
		switch liteErr.Code {
		case sqlite3.ErrConstraint, sqlite3.ErrBusy, sqlite3.ErrLocked:
			return true
		}
		return false
	},
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case DriverMySQL:
		return mysqlDialect, nil
	case DriverSQLite:
		return sqliteDialect, nil
	default:
		return dialect{}, fmt.Errorf("unsupported ledger driver %q", driver)
	}
}

// SQLiteDSN opens path with writer transactions taking the database lock up
// front, so concurrent transitions queue instead of failing at commit.
func SQLiteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return "file:" + path + sep + "_txlock=immediate&_busy_timeout=5000&_journal_mode=WAL"
}

// SQLLedger stores the ledger in MySQL or SQLite. Every Update is one
// database transaction; rows are versioned for optimistic conflict checks.
type SQLLedger struct {
	db      *sql.DB
	dialect dialect
}

func NewSQLLedger(db *sql.DB, driver string) (*SQLLedger, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	return &SQLLedger{db: db, dialect: d}, nil
}

// Migrate creates the ledger tables when they do not exist.
func (l *SQLLedger) Migrate(ctx context.Context) error {
	for _, stmt := range l.dialect.schema {
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", l.dialect.driver, err)
		}
	}
	return nil
}

func (l *SQLLedger) Update(ctx context.Context, set port.LockSet, fn func(tx port.LedgerTx) error) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	allowed := make(map[string]struct{})
	for _, k := range lockKeys(set) {
		allowed[k] = struct{}{}
	}

	if err := l.reserveRows(ctx, tx, set); err != nil {
		return l.classify(err)
	}

	stx := &sqlTx{q: tx, dialect: l.dialect, forUpdate: l.dialect.forUpdate, allowed: allowed}
	if err := fn(stx); err != nil {
		return l.classify(err)
	}

	if err := tx.Commit(); err != nil {
		return l.classify(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// classify marks driver-level write conflicts as ErrOptimisticLock.
func (l *SQLLedger) classify(err error) error {
	if errors.Is(err, ErrOptimisticLock) || !l.dialect.isConflict(err) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrOptimisticLock, err)
}

// reserveRows creates the seller and buyer rows of set before anything reads
// them, so a locking read always lands on a record and never on a gap. An
// empty row reads the same as an absent one. Rows are touched in address
// order.
func (l *SQLLedger) reserveRows(ctx context.Context, q queryer, set port.LockSet) error {
	for _, addr := range sortedAddresses(set.Sellers) {
		if _, err := q.ExecContext(ctx, l.dialect.reserveSeller, addr.Hex()); err != nil {
			return fmt.Errorf("reserve seller %s: %w", addr.Hex(), err)
		}
	}
	for _, addr := range sortedAddresses(set.Buyers) {
		if _, err := q.ExecContext(ctx, l.dialect.reserveBuyer, addr.Hex()); err != nil {
			return fmt.Errorf("reserve buyer %s: %w", addr.Hex(), err)
		}
	}
	return nil
}

func sortedAddresses(addrs []common.Address) []common.Address {
	out := make([]common.Address, 0, len(addrs))
	seen := make(map[common.Address]struct{}, len(addrs))
	for _, a := range addrs {
		if _, ok := seen[a]; !ok {
			seen[a] = struct{}{}
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hex() < out[j].Hex() })
	return out
}

func (l *SQLLedger) reader() *sqlTx {
	return &sqlTx{q: l.db, dialect: l.dialect}
}

func (l *SQLLedger) GetItem(ctx context.Context, id domain.ItemID) (*domain.Item, error) {
	return l.reader().GetItem(ctx, id)
}

func (l *SQLLedger) GetSeller(ctx context.Context, addr common.Address) (domain.Seller, error) {
	return l.reader().GetSeller(ctx, addr)
}

func (l *SQLLedger) GetBuyerNonce(ctx context.Context, addr common.Address) (uint64, error) {
	return l.reader().GetBuyerNonce(ctx, addr)
}

func (l *SQLLedger) ActiveItemIDs(ctx context.Context) ([]domain.ItemID, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT id FROM items WHERE active = ?`, true)
	if err != nil {
		return nil, fmt.Errorf("query active items: %w", err)
	}
	defer rows.Close()

	var ids []domain.ItemID
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan item id: %w", err)
		}
		ids = append(ids, domain.ItemID(id))
	}
	return ids, rows.Err()
}

func (l *SQLLedger) Events(ctx context.Context, filter port.EventFilter) ([]domain.EventRecord, error) {
	query := `SELECT seq, id, kind, item_id, payload, created_at FROM events WHERE seq > ?`
	args := []any{filter.Since}
	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(filter.Kind))
	}
	query += ` ORDER BY seq`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []domain.EventRecord
	for rows.Next() {
		var (
			rec       domain.EventRecord
			kind      string
			itemID    uint64
			payload   string
			createdAt int64
		)
		if err := rows.Scan(&rec.Seq, &rec.ID, &kind, &itemID, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev, err := decodeEvent(domain.EventKind(kind), payload)
		if err != nil {
			return nil, fmt.Errorf("event %s: %w", rec.ID, err)
		}
		rec.ItemID = domain.ItemID(itemID)
		rec.Event = ev
		rec.OccurredAt = time.UnixMicro(createdAt).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (l *SQLLedger) Close() error {
	return l.db.Close()
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqlTx struct {
	q         queryer
	dialect   dialect
	forUpdate string
	allowed   map[string]struct{}
}

func (t *sqlTx) check(key string) error {
	if _, ok := t.allowed[key]; !ok {
		return fmt.Errorf("%w: %s", ErrUnlockedRecord, key)
	}
	return nil
}

func (t *sqlTx) InsertItem(ctx context.Context, item domain.Item) (domain.ItemID, error) {
	result, err := t.q.ExecContext(ctx, `
		INSERT INTO items (token, seller, amount, price, active, version)
		VALUES (?, ?, ?, ?, ?, 1)`,
		item.Token.Hex(), item.Seller.Hex(), item.Amount.String(), item.Price.String(), item.Active,
	)
	if err != nil {
		return 0, fmt.Errorf("insert item: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("item id: %w", err)
	}
	t.allowed[itemKey(domain.ItemID(id))] = struct{}{}
	return domain.ItemID(id), nil
}

func (t *sqlTx) GetItem(ctx context.Context, id domain.ItemID) (*domain.Item, error) {
	var (
		item                         domain.Item
		rawID                        uint64
		token, seller, amount, price string
	)
	err := t.q.QueryRowContext(ctx, `
		SELECT id, token, seller, amount, price, active, version
		FROM items WHERE id = ?`+t.forUpdate, uint64(id),
	).Scan(&rawID, &token, &seller, &amount, &price, &item.Active, &item.Version)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query item: %w", err)
	}

	item.ID = domain.ItemID(rawID)
	if item.Token, err = parseAddress(token); err != nil {
		return nil, err
	}
	if item.Seller, err = parseAddress(seller); err != nil {
		return nil, err
	}
	if item.Amount, err = parseUint256(amount); err != nil {
		return nil, err
	}
	if item.Price, err = parseUint256(price); err != nil {
		return nil, err
	}
	return &item, nil
}

func (t *sqlTx) UpdateItem(ctx context.Context, item domain.Item) error {
	if err := t.check(itemKey(item.ID)); err != nil {
		return err
	}

	result, err := t.q.ExecContext(ctx, `
		UPDATE items
		SET amount = ?, price = ?, active = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		item.Amount.String(), item.Price.String(), item.Active, uint64(item.ID), item.Version,
	)
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrOptimisticLock
	}
	return nil
}

func (t *sqlTx) GetSeller(ctx context.Context, addr common.Address) (domain.Seller, error) {
	var (
		seller           = domain.NewSeller(addr)
		pending, balance string
	)
	err := t.q.QueryRowContext(ctx, `
		SELECT active_listed_items, total_listed_items, total_sold_items,
			pending_withdrawals, balance, signed_nonce, active, version
		FROM sellers WHERE address = ?`+t.forUpdate, addr.Hex(),
	).Scan(&seller.ActiveListedItems, &seller.TotalListedItems, &seller.TotalSoldItems,
		&pending, &balance, &seller.SignedNonce, &seller.Active, &seller.Version)

	if errors.Is(err, sql.ErrNoRows) {
		return domain.NewSeller(addr), nil
	}
	if err != nil {
		return domain.Seller{}, fmt.Errorf("query seller: %w", err)
	}

	if seller.PendingWithdrawals, err = parseUint256(pending); err != nil {
		return domain.Seller{}, err
	}
	if seller.Balance, err = parseUint256(balance); err != nil {
		return domain.Seller{}, err
	}
	return seller, nil
}

// PutSeller writes over the row reserved by Update, checking the version read.
func (t *sqlTx) PutSeller(ctx context.Context, seller domain.Seller) error {
	if err := t.check(sellerKey(seller.Address)); err != nil {
		return err
	}

	result, err := t.q.ExecContext(ctx, `
		UPDATE sellers
		SET active_listed_items = ?, total_listed_items = ?, total_sold_items = ?,
			pending_withdrawals = ?, balance = ?, signed_nonce = ?, active = ?, version = version + 1
		WHERE address = ? AND version = ?`,
		seller.ActiveListedItems, seller.TotalListedItems, seller.TotalSoldItems,
		amountString(seller.PendingWithdrawals), amountString(seller.Balance), seller.SignedNonce, seller.Active,
		seller.Address.Hex(), seller.Version,
	)
	if err != nil {
		return fmt.Errorf("update seller: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrOptimisticLock
	}
	return nil
}

func (t *sqlTx) GetBuyerNonce(ctx context.Context, addr common.Address) (uint64, error) {
	var nonce uint64
	err := t.q.QueryRowContext(ctx,
		`SELECT nonce FROM buyer_nonces WHERE address = ?`+t.forUpdate, addr.Hex(),
	).Scan(&nonce)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query buyer nonce: %w", err)
	}
	return nonce, nil
}

// PutBuyerNonce only ever advances the counter by one.
func (t *sqlTx) PutBuyerNonce(ctx context.Context, addr common.Address, nonce uint64) error {
	if err := t.check(buyerKey(addr)); err != nil {
		return err
	}
	if nonce == 0 {
		return fmt.Errorf("buyer nonce cannot be reset to 0")
	}

	result, err := t.q.ExecContext(ctx,
		`UPDATE buyer_nonces SET nonce = ? WHERE address = ? AND nonce = ?`,
		nonce, addr.Hex(), nonce-1,
	)
	if err != nil {
		return fmt.Errorf("update buyer nonce: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrOptimisticLock
	}
	return nil
}

func (t *sqlTx) AppendEvent(ctx context.Context, rec domain.EventRecord) error {
	payload, err := encodeEvent(rec.Event)
	if err != nil {
		return err
	}

	_, err = t.q.ExecContext(ctx, `
		INSERT INTO events (id, kind, item_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.ID, string(rec.Event.Kind()), uint64(rec.ItemID), payload, rec.OccurredAt.UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

type eventPayload struct {
	Buyer  string `json:"buyer,omitempty"`
	Seller string `json:"seller,omitempty"`
	Token  string `json:"token,omitempty"`
	Amount string `json:"amount"`
	Price  string `json:"price,omitempty"`
}

func encodeEvent(ev domain.Event) (string, error) {
	var p eventPayload
	switch e := ev.(type) {
	case domain.ItemListed:
		p = eventPayload{Seller: e.Seller.Hex(), Token: e.Token.Hex(), Amount: amountString(e.Amount), Price: amountString(e.Price)}
	case domain.ItemPurchased:
		p = eventPayload{Buyer: e.Buyer.Hex(), Token: e.Token.Hex(), Amount: amountString(e.Amount), Price: amountString(e.Price)}
	case domain.FundsWithdrawn:
		p = eventPayload{Seller: e.Seller.Hex(), Amount: amountString(e.Amount)}
	default:
		return "", fmt.Errorf("unknown event %T", ev)
	}

	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode event: %w", err)
	}
	return string(data), nil
}

func decodeEvent(kind domain.EventKind, raw string) (domain.Event, error) {
	var p eventPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}

	amount, err := parseUint256(p.Amount)
	if err != nil {
		return nil, err
	}

	switch kind {
	case domain.EventItemListed:
		price, err := parseUint256(p.Price)
		if err != nil {
			return nil, err
		}
		return domain.ItemListed{
			Token:  common.HexToAddress(p.Token),
			Seller: common.HexToAddress(p.Seller),
			Amount: amount,
			Price:  price,
		}, nil
	case domain.EventItemPurchased:
		price, err := parseUint256(p.Price)
		if err != nil {
			return nil, err
		}
		return domain.ItemPurchased{
			Buyer:  common.HexToAddress(p.Buyer),
			Token:  common.HexToAddress(p.Token),
			Amount: amount,
			Price:  price,
		}, nil
	case domain.EventFundsWithdrawn:
		return domain.FundsWithdrawn{
			Seller: common.HexToAddress(p.Seller),
			Amount: amount,
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown event kind %q", ErrCorruptRecord, kind)
	}
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

func parseUint256(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 || v.Cmp(maxUint256) > 0 {
		return nil, fmt.Errorf("%w: bad amount %q", ErrCorruptRecord, s)
	}
	return v, nil
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: bad address %q", ErrCorruptRecord, s)
	}
	return common.HexToAddress(s), nil
}
