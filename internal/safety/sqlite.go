package safety

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gofrs/flock"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// SQLite keeps the gate state in a small key/value table. Read-modify-write
// sequences run under a file lock and a database transaction.
type SQLite struct {
	db   *sql.DB
	lock *flock.Flock
	now  func() time.Time
}

const (
	keyKillActive  = "kill_switch.active"
	keyKillReason  = "kill_switch.reason"
	keyKillUpdated = "kill_switch.updated_at"
	keySpent       = "daily_spend.spent"
	keyResetAt     = "daily_spend.reset_at"
)

func OpenSQLite(path, lockPath string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("safety store: sqlite path is required")
	}
	if lockPath == "" {
		lockPath = path + ".lock"
	}
	for _, dir := range []string{filepath.Dir(path), filepath.Dir(lockPath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create safety directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open safety store: %w", err)
	}
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"CREATE TABLE IF NOT EXISTS safety_state (key TEXT PRIMARY KEY, value TEXT NOT NULL);",
	} {
		if _, err := db.Exec(q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init safety schema: %w", err)
		}
	}
	return &SQLite{db: db, lock: flock.New(lockPath), now: time.Now}, nil
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) KillSwitch(ctx context.Context) (KillSwitch, error) {
	vals, err := s.read(ctx, s.db, keyKillActive, keyKillReason, keyKillUpdated)
	if err != nil {
		return KillSwitch{}, err
	}
	out := KillSwitch{Active: vals[keyKillActive] == "1", Reason: vals[keyKillReason]}
	if ms, err := strconv.ParseInt(vals[keyKillUpdated], 10, 64); err == nil {
		out.UpdatedAt = time.UnixMilli(ms).UTC()
	}
	return out, nil
}

func (s *SQLite) SetKillSwitch(ctx context.Context, active bool, reason string) error {
	flag := "0"
	if active {
		flag = "1"
	}
	return s.update(ctx, func(tx *sql.Tx) error {
		return s.write(ctx, tx, map[string]string{
			keyKillActive:  flag,
			keyKillReason:  reason,
			keyKillUpdated: strconv.FormatInt(s.now().UTC().UnixMilli(), 10),
		})
	})
}

func (s *SQLite) LoadDailySpend(ctx context.Context) (DailySpend, error) {
	vals, err := s.read(ctx, s.db, keySpent, keyResetAt)
	if err != nil {
		return DailySpend{}, err
	}
	return parseSpend(vals[keySpent], vals[keyResetAt])
}

func (s *SQLite) ResetDailySpend(ctx context.Context, at time.Time) (DailySpend, error) {
	at = at.UTC()
	err := s.update(ctx, func(tx *sql.Tx) error {
		return s.write(ctx, tx, map[string]string{
			keySpent:   "0",
			keyResetAt: strconv.FormatInt(at.UnixMilli(), 10),
		})
	})
	if err != nil {
		return DailySpend{}, err
	}
	return DailySpend{SpentUSD: decimal.Zero, ResetAt: at}, nil
}

func (s *SQLite) AddDailySpend(ctx context.Context, amount decimal.Decimal) (DailySpend, error) {
	var out DailySpend
	err := s.update(ctx, func(tx *sql.Tx) error {
		vals, err := s.read(ctx, tx, keySpent, keyResetAt)
		if err != nil {
			return err
		}
		cur, err := parseSpend(vals[keySpent], vals[keyResetAt])
		if err != nil {
			return err
		}
		cur.SpentUSD = cur.SpentUSD.Add(amount)
		if cur.ResetAt.IsZero() {
			cur.ResetAt = s.now().UTC()
		}
		out = cur
		return s.write(ctx, tx, map[string]string{
			keySpent:   cur.SpentUSD.String(),
			keyResetAt: strconv.FormatInt(cur.ResetAt.UnixMilli(), 10),
		})
	})
	return out, err
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLite) read(ctx context.Context, q queryer, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	for _, key := range keys {
		var v string
		err := q.QueryRowContext(ctx, "SELECT value FROM safety_state WHERE key = ?", key).Scan(&v)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			return nil, fmt.Errorf("read safety state %s: %w", key, err)
		}
		out[key] = v
	}
	return out, nil
}

func (s *SQLite) write(ctx context.Context, tx *sql.Tx, vals map[string]string) error {
	for k, v := range vals {
		_, err := tx.ExecContext(ctx, "INSERT INTO safety_state (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value", k, v)
		if err != nil {
			return fmt.Errorf("write safety state %s: %w", k, err)
		}
	}
	return nil
}

func (s *SQLite) update(ctx context.Context, fn func(*sql.Tx) error) error {
	lockCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	locked, err := s.lock.TryLockContext(lockCtx, 10*time.Millisecond)
	if err != nil {
		return fmt.Errorf("lock safety store: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock safety store: timeout acquiring lock")
	}
	defer func() { _ = s.lock.Unlock() }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin safety update: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit safety update: %w", err)
	}
	return nil
}
