package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/rl1809/stock-guard/internal/core/domain"
	"github.com/rl1809/stock-guard/internal/port"
)

const (
	errLockWaitTimeout = 1205
	errLockDeadlock    = 1213
)

const inventorySchema = `
CREATE TABLE IF NOT EXISTS inventory (
	item_id    VARCHAR(191) NOT NULL PRIMARY KEY,
	stock      BIGINT       NOT NULL,
	version    BIGINT       NOT NULL DEFAULT 0,
	created_at DATETIME(6)  NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
	updated_at DATETIME(6)  NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
	CHECK (stock >= 0)
)`

// MySQLAdapter keeps stock in the inventory table. The DSN must set parseTime=true.
type MySQLAdapter struct {
	db *sql.DB
}

var (
	_ port.StockRepository   = (*MySQLAdapter)(nil)
	_ port.TxStockRepository = (*MySQLAdapter)(nil)
)

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

func (m *MySQLAdapter) EnsureSchema(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, inventorySchema); err != nil {
		return fmt.Errorf("create inventory table: %w", err)
	}
	return nil
}

// SetStock provisions key with quantity and version 0.
func (m *MySQLAdapter) SetStock(ctx context.Context, key string, quantity int64) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO inventory (item_id, stock, version) VALUES (?, ?, 0)
		ON DUPLICATE KEY UPDATE stock = ?, version = 0, updated_at = NOW(6)`,
		key, quantity, quantity,
	)
	if err != nil {
		return fmt.Errorf("set stock: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) Delete(ctx context.Context, key string) error {
	if _, err := m.db.ExecContext(ctx, `DELETE FROM inventory WHERE item_id = ?`, key); err != nil {
		return fmt.Errorf("delete inventory: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) Get(ctx context.Context, key string) (domain.StockRecord, error) {
	return scanRecord(key, m.db.QueryRowContext(ctx, `
		SELECT stock, version, updated_at
		FROM inventory WHERE item_id = ?`, key,
	))
}

func (m *MySQLAdapter) Save(ctx context.Context, key string, quantity int64) error {
	return saveRow(ctx, m.db, key, quantity)
}

func (m *MySQLAdapter) CompareAndSet(ctx context.Context, key string, expectedVersion, quantity int64) (bool, error) {
	result, err := m.db.ExecContext(ctx, `
		UPDATE inventory
		SET stock = ?, version = version + 1, updated_at = NOW(6)
		WHERE item_id = ? AND version = ?`,
		quantity, key, expectedVersion,
	)
	if err != nil {
		return false, fmt.Errorf("update inventory: %w", mapLockError(err))
	}

	rows, _ := result.RowsAffected()
	if rows == 1 {
		return true, nil
	}

	var exists int
	err = m.db.QueryRowContext(ctx, `SELECT 1 FROM inventory WHERE item_id = ?`, key).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("compare and set %s: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("query inventory: %w", err)
	}
	return false, nil
}

func (m *MySQLAdapter) WithinTx(ctx context.Context, opts port.TxOptions, fn func(ctx context.Context, tx port.StockTx) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("get conn: %w", err)
	}
	defer conn.Close()

	if opts.LockWait > 0 {
		restore, err := setLockWait(ctx, conn, opts.LockWait)
		if err != nil {
			return err
		}
		defer restore()
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(ctx, &mysqlTx{tx: tx, wait: opts.LockWait}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// setLockWait sets innodb_lock_wait_timeout on the pinned connection and
// returns a func that puts the previous value back before the connection
// returns to the pool. A connection that cannot be restored is discarded.
// The setting has one second granularity; LockingGet also bounds the wait
// with a context for sub-second settings.
func setLockWait(ctx context.Context, conn *sql.Conn, wait time.Duration) (func(), error) {
	var previous int
	if err := conn.QueryRowContext(ctx, `SELECT @@SESSION.innodb_lock_wait_timeout`).Scan(&previous); err != nil {
		return nil, fmt.Errorf("read lock wait timeout: %w", err)
	}
	secs := int(math.Ceil(wait.Seconds()))
	if _, err := conn.ExecContext(ctx, fmt.Sprintf("SET SESSION innodb_lock_wait_timeout = %d", secs)); err != nil {
		return nil, fmt.Errorf("set lock wait timeout: %w", err)
	}

	return func() {
		resetCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, err := conn.ExecContext(resetCtx, fmt.Sprintf("SET SESSION innodb_lock_wait_timeout = %d", previous)); err != nil {
			_ = conn.Raw(func(any) error { return driver.ErrBadConn })
		}
	}, nil
}

type mysqlTx struct {
	tx   *sql.Tx
	wait time.Duration
}

func (t *mysqlTx) LockingGet(ctx context.Context, key string) (domain.StockRecord, error) {
	waitCtx := ctx
	if t.wait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, t.wait)
		defer cancel()
	}

	rec, err := scanRecord(key, t.tx.QueryRowContext(waitCtx, `
		SELECT stock, version, updated_at
		FROM inventory WHERE item_id = ? FOR UPDATE`, key,
	))
	if err != nil && ctx.Err() == nil && errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
		return domain.StockRecord{}, fmt.Errorf("lock %s: %w", key, domain.ErrLockTimeout)
	}
	return rec, err
}

func (t *mysqlTx) Save(ctx context.Context, key string, quantity int64) error {
	return saveRow(ctx, t.tx, key, quantity)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func saveRow(ctx context.Context, db execer, key string, quantity int64) error {
	result, err := db.ExecContext(ctx, `
		UPDATE inventory
		SET stock = ?, version = version + 1, updated_at = NOW(6)
		WHERE item_id = ?`,
		quantity, key,
	)
	if err != nil {
		return fmt.Errorf("update inventory: %w", mapLockError(err))
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("save %s: %w", key, domain.ErrNotFound)
	}
	return nil
}

func scanRecord(key string, row *sql.Row) (domain.StockRecord, error) {
	rec := domain.StockRecord{ID: key}
	err := row.Scan(&rec.Quantity, &rec.Version, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.StockRecord{}, fmt.Errorf("get %s: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return domain.StockRecord{}, fmt.Errorf("query inventory: %w", mapLockError(err))
	}
	return rec, nil
}

func mapLockError(err error) error {
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return err
	}
	switch myErr.Number {
	case errLockWaitTimeout, errLockDeadlock:
		return fmt.Errorf("%w: %s", domain.ErrLockTimeout, myErr.Message)
	}
	return err
}
