package records

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/gofrs/flock"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/ggonzalez94/defi-autopilot/internal/model"
)

type Options struct {
	// Driver is sqlite, mysql or postgres.
	Driver   string
	DSN      string
	Path     string
	LockPath string
}

type dialect struct {
	name     string
	keyType  string
	blobType string
	intType  string
}

var dialects = map[string]dialect{
	"sqlite":   {name: "sqlite", keyType: "TEXT", blobType: "BLOB", intType: "INTEGER"},
	"mysql":    {name: "mysql", keyType: "VARCHAR(64)", blobType: "LONGBLOB", intType: "BIGINT"},
	"postgres": {name: "pgx", keyType: "VARCHAR(64)", blobType: "BYTEA", intType: "BIGINT"},
}

// SQLStore implements Store on database/sql. Writers on sqlite serialize through
// a file lock so several processes can share one database file.
type SQLStore struct {
	db     *sql.DB
	driver string
	lock   *flock.Flock
	now    func() time.Time
}

func Open(ctx context.Context, opts Options) (*SQLStore, error) {
	driver := strings.ToLower(strings.TrimSpace(opts.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported record store driver %q", opts.Driver)
	}

	var (
		db   *sql.DB
		lock *flock.Flock
		err  error
	)
	switch driver {
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create record store directory: %w", err)
		}
		lockPath := opts.LockPath
		if lockPath == "" {
			lockPath = opts.Path + ".lock"
		}
		if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
			return nil, fmt.Errorf("create record lock directory: %w", err)
		}
		db, err = sql.Open(d.name, opts.Path)
		lock = flock.New(lockPath)
	default:
		if strings.TrimSpace(opts.DSN) == "" {
			return nil, fmt.Errorf("record store dsn is required for %s", driver)
		}
		db, err = sql.Open(d.name, opts.DSN)
		if err == nil {
			db.SetMaxOpenConns(20)
			db.SetMaxIdleConns(10)
			db.SetConnMaxLifetime(30 * time.Minute)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open record store: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping record store: %w", err)
	}

	s := &SQLStore{db: db, driver: driver, lock: lock, now: time.Now}
	for _, q := range schema(driver, d) {
		if _, err := db.ExecContext(ctx, q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init record schema: %w", err)
		}
	}
	return s, nil
}

func schema(driver string, d dialect) []string {
	records := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS tx_records (
		id %[1]s PRIMARY KEY,
		chain VARCHAR(96) NOT NULL,
		wallet VARCHAR(128) NOT NULL,
		tx_type VARCHAR(32) NOT NULL,
		status VARCHAR(32) NOT NULL,
		hash VARCHAR(160) NOT NULL,
		deferred_id VARCHAR(64) NOT NULL,
		protocol_id VARCHAR(96) NOT NULL,
		pool_id VARCHAR(191) NOT NULL,
		amount_usd VARCHAR(64) NOT NULL,
		created_at %[3]s NOT NULL,
		updated_at %[3]s NOT NULL,
		payload %[2]s NOT NULL%[4]s
	)`, d.keyType, d.blobType, d.intType, mysqlIndex(driver, "idx_tx_records_status", "status, updated_at"))
	pending := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS pending_signatures (
		id %[1]s PRIMARY KEY,
		record_id VARCHAR(64) NOT NULL,
		chain VARCHAR(96) NOT NULL,
		status VARCHAR(32) NOT NULL,
		created_at %[3]s NOT NULL,
		updated_at %[3]s NOT NULL,
		payload %[2]s NOT NULL%[4]s
	)`, d.keyType, d.blobType, d.intType, mysqlIndex(driver, "idx_pending_status", "status, created_at"))

	out := []string{}
	if driver == "sqlite" {
		out = append(out, "PRAGMA journal_mode=WAL;", "PRAGMA busy_timeout=5000;")
	}
	out = append(out, records, pending)
	if driver != "mysql" {
		out = append(out,
			"CREATE INDEX IF NOT EXISTS idx_tx_records_status ON tx_records(status, updated_at)",
			"CREATE INDEX IF NOT EXISTS idx_tx_records_pool ON tx_records(protocol_id, chain, pool_id)",
			"CREATE INDEX IF NOT EXISTS idx_pending_status ON pending_signatures(status, created_at)",
		)
	}
	return out
}

func mysqlIndex(driver, name, cols string) string {
	if driver != "mysql" {
		return ""
	}
	return fmt.Sprintf(",\n\t\tINDEX %s (%s)", name, cols)
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// rebind rewrites ? placeholders for drivers that use numbered parameters.
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) upsert(table string, cols []string) string {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	updates := make([]string, 0, len(cols)-1)
	for _, c := range cols[1:] {
		if c == "created_at" {
			continue
		}
		if s.driver == "mysql" {
			updates = append(updates, fmt.Sprintf("%s=VALUES(%s)", c, c))
		} else {
			updates = append(updates, fmt.Sprintf("%s=excluded.%s", c, c))
		}
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ", table, strings.Join(cols, ", "), placeholders)
	if s.driver == "mysql" {
		return q + "ON DUPLICATE KEY UPDATE " + strings.Join(updates, ", ")
	}
	return s.rebind(q + fmt.Sprintf("ON CONFLICT(%s) DO UPDATE SET ", cols[0]) + strings.Join(updates, ", "))
}

func (s *SQLStore) withWriteLock(ctx context.Context, fn func() error) error {
	if s.lock == nil {
		return fn()
	}
	lockCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	locked, err := s.lock.TryLockContext(lockCtx, 10*time.Millisecond)
	if err != nil {
		return fmt.Errorf("lock record store: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock record store: timeout acquiring lock")
	}
	defer func() { _ = s.lock.Unlock() }()
	return fn()
}

func (s *SQLStore) Save(ctx context.Context, rec model.TransactionRecord) error {
	if strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("save record: missing id")
	}
	now := s.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	q := s.upsert("tx_records", []string{"id", "chain", "wallet", "tx_type", "status", "hash", "deferred_id", "protocol_id", "pool_id", "amount_usd", "created_at", "updated_at", "payload"})
	return s.withWriteLock(ctx, func() error {
		_, err := s.db.ExecContext(ctx, q,
			rec.ID, rec.Chain, rec.Wallet, string(rec.Type), string(rec.Status), rec.Hash, rec.DeferredID,
			rec.ProtocolID, rec.PoolID, rec.AmountUSD.String(), rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli(), payload)
		if err != nil {
			return fmt.Errorf("save record: %w", err)
		}
		return nil
	})
}

func (s *SQLStore) Get(ctx context.Context, id string) (model.TransactionRecord, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, s.rebind("SELECT payload FROM tx_records WHERE id = ?"), id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.TransactionRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return model.TransactionRecord{}, fmt.Errorf("read record: %w", err)
	}
	var rec model.TransactionRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return model.TransactionRecord{}, fmt.Errorf("decode record payload: %w", err)
	}
	return rec, nil
}

func (s *SQLStore) List(ctx context.Context, f Filter) ([]model.TransactionRecord, error) {
	where := []string{}
	args := []any{}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Type != "" {
		where = append(where, "tx_type = ?")
		args = append(args, string(f.Type))
	}
	if f.Chain != "" {
		where = append(where, "chain = ?")
		args = append(args, f.Chain)
	}
	q := "SELECT payload FROM tx_records"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY updated_at DESC LIMIT ?"
	args = append(args, defaultLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	out := make([]model.TransactionRecord, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}
		var rec model.TransactionRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, fmt.Errorf("decode record row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate record rows: %w", err)
	}
	return out, nil
}

func (s *SQLStore) OpenPositions(ctx context.Context) ([]model.PositionRef, error) {
	const q = `SELECT protocol_id, chain, pool_id FROM tx_records
		WHERE status = 'submitted' AND pool_id <> '' AND (hash <> '' OR deferred_id <> '')
			AND tx_type IN ('deposit', 'withdraw')
		GROUP BY protocol_id, chain, pool_id
		HAVING MAX(CASE WHEN tx_type = 'deposit' THEN created_at ELSE 0 END) >
			MAX(CASE WHEN tx_type = 'withdraw' THEN created_at ELSE 0 END)
		ORDER BY chain, protocol_id, pool_id`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list open positions: %w", err)
	}
	defer rows.Close()
	out := make([]model.PositionRef, 0)
	for rows.Next() {
		var ref model.PositionRef
		if err := rows.Scan(&ref.Protocol, &ref.Chain, &ref.PoolID); err != nil {
			return nil, fmt.Errorf("scan position row: %w", err)
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

func (s *SQLStore) SavePending(ctx context.Context, p model.PendingSignature) error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("save pending signature: missing id")
	}
	now := s.now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pending signature: %w", err)
	}
	q := s.upsert("pending_signatures", []string{"id", "record_id", "chain", "status", "created_at", "updated_at", "payload"})
	return s.withWriteLock(ctx, func() error {
		_, err := s.db.ExecContext(ctx, q, p.ID, p.RecordID, p.Chain, string(p.Status), p.CreatedAt.UnixMilli(), p.UpdatedAt.UnixMilli(), payload)
		if err != nil {
			return fmt.Errorf("save pending signature: %w", err)
		}
		return nil
	})
}

func (s *SQLStore) GetPending(ctx context.Context, id string) (model.PendingSignature, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, s.rebind("SELECT payload FROM pending_signatures WHERE id = ?"), id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.PendingSignature{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return model.PendingSignature{}, fmt.Errorf("read pending signature: %w", err)
	}
	var p model.PendingSignature
	if err := json.Unmarshal(payload, &p); err != nil {
		return model.PendingSignature{}, fmt.Errorf("decode pending signature: %w", err)
	}
	return p, nil
}

func (s *SQLStore) ListPending(ctx context.Context, status model.PendingSignatureStatus, limit int) ([]model.PendingSignature, error) {
	q := "SELECT payload FROM pending_signatures"
	args := []any{}
	if status != "" {
		q += " WHERE status = ?"
		args = append(args, string(status))
	}
	q += " ORDER BY created_at ASC LIMIT ?"
	args = append(args, defaultLimit(limit))
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("list pending signatures: %w", err)
	}
	defer rows.Close()
	out := make([]model.PendingSignature, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan pending row: %w", err)
		}
		var p model.PendingSignature
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("decode pending row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
