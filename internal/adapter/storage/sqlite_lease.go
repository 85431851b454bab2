package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/rl1809/stock-guard/internal/clock"
	"github.com/rl1809/stock-guard/internal/core/domain"
	"github.com/rl1809/stock-guard/internal/port"
)

const leasesSchema = `
CREATE TABLE IF NOT EXISTS leases (
  lease_key     TEXT PRIMARY KEY,
  owner_id      TEXT,
  token         TEXT,
  fence         INTEGER NOT NULL DEFAULT 0,
  expiry_ns     INTEGER NOT NULL DEFAULT 0,
  version       INTEGER NOT NULL DEFAULT 0,
  updated_at_ns INTEGER NOT NULL DEFAULT 0
);`

type SQLiteConfig struct {
	Path         string
	BusyTimeout  time.Duration
	MaxOpenConns int
}

// SQLiteLeases is a lease service shared by every process that opens the
// same database file.
type SQLiteLeases struct {
	db    *sql.DB
	clock clock.Clock
}

var _ port.LeaseService = (*SQLiteLeases)(nil)

func OpenSQLiteLeases(ctx context.Context, cfg SQLiteConfig, clk clock.Clock) (*SQLiteLeases, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 10
	}
	if clk == nil {
		clk = clock.System{}
	}

	// Immediate transactions take the write lock at BEGIN so two acquirers
	// cannot both read the lease row as free.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_txlock=immediate",
		cfg.Path, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, leasesSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create leases table: %w", err)
	}
	return &SQLiteLeases{db: db, clock: clk}, nil
}

func (s *SQLiteLeases) Close() error {
	return s.db.Close()
}

func isSQLiteBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

func (s *SQLiteLeases) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (domain.Lease, bool, error) {
	if ttl <= 0 {
		return domain.Lease{}, false, fmt.Errorf("ttl must be > 0")
	}
	now := s.clock.Now()
	expiresAt := now.Add(ttl)
	token := uuid.NewString()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		if isSQLiteBusy(err) {
			return domain.Lease{}, false, nil
		}
		return domain.Lease{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		curToken sql.NullString
		curFence int64
		curExpNs int64
	)
	err = tx.QueryRowContext(ctx, `
SELECT token, fence, expiry_ns FROM leases WHERE lease_key = ?;
`, key).Scan(&curToken, &curFence, &curExpNs)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		if isSQLiteBusy(err) {
			return domain.Lease{}, false, nil
		}
		return domain.Lease{}, false, fmt.Errorf("query lease: %w", err)
	}
	if curToken.Valid && curExpNs > now.UnixNano() {
		return domain.Lease{}, false, nil
	}

	fence := curFence + 1
	_, err = tx.ExecContext(ctx, `
INSERT INTO leases(lease_key, owner_id, token, fence, expiry_ns, version, updated_at_ns)
VALUES(?, ?, ?, ?, ?, 1, ?)
ON CONFLICT(lease_key) DO UPDATE SET
  owner_id = excluded.owner_id,
  token = excluded.token,
  fence = excluded.fence,
  expiry_ns = excluded.expiry_ns,
  version = leases.version + 1,
  updated_at_ns = excluded.updated_at_ns;
`, key, owner, token, fence, expiresAt.UnixNano(), now.UnixNano())
	if err != nil {
		if isSQLiteBusy(err) {
			return domain.Lease{}, false, nil
		}
		return domain.Lease{}, false, fmt.Errorf("upsert lease: %w", err)
	}
	if err := tx.Commit(); err != nil {
		if isSQLiteBusy(err) {
			return domain.Lease{}, false, nil
		}
		return domain.Lease{}, false, fmt.Errorf("commit: %w", err)
	}

	return domain.Lease{
		Key:       key,
		Owner:     owner,
		Token:     token,
		Fence:     fence,
		ExpiresAt: expiresAt,
	}, true, nil
}

func (s *SQLiteLeases) Renew(ctx context.Context, lease domain.Lease, ttl time.Duration) (domain.Lease, error) {
	now := s.clock.Now()
	expiresAt := now.Add(ttl)

	res, err := s.db.ExecContext(ctx, `
UPDATE leases
SET expiry_ns = ?,
    version = version + 1,
    updated_at_ns = ?
WHERE lease_key = ?
  AND token = ?
  AND expiry_ns > ?;
`, expiresAt.UnixNano(), now.UnixNano(), lease.Key, lease.Token, now.UnixNano())
	if err != nil {
		return domain.Lease{}, fmt.Errorf("renew lease %s: %w", lease.Key, err)
	}
	if aff, _ := res.RowsAffected(); aff != 1 {
		return domain.Lease{}, fmt.Errorf("renew lease %s: %w", lease.Key, domain.ErrLeaseLost)
	}
	lease.ExpiresAt = expiresAt
	return lease, nil
}

func (s *SQLiteLeases) Release(ctx context.Context, lease domain.Lease) error {
	now := s.clock.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var expNs int64
	err = tx.QueryRowContext(ctx, `
SELECT expiry_ns FROM leases WHERE lease_key = ? AND token = ?;
`, lease.Key, lease.Token).Scan(&expNs)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("release lease %s: %w", lease.Key, domain.ErrLeaseLost)
	}
	if err != nil {
		return fmt.Errorf("query lease: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE leases
SET owner_id = NULL,
    token = NULL,
    expiry_ns = 0,
    version = version + 1,
    updated_at_ns = ?
WHERE lease_key = ?
  AND token = ?;
`, now.UnixNano(), lease.Key, lease.Token); err != nil {
		return fmt.Errorf("release lease %s: %w", lease.Key, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	if expNs <= now.UnixNano() {
		return fmt.Errorf("release lease %s: expired before release: %w", lease.Key, domain.ErrLeaseLost)
	}
	return nil
}
