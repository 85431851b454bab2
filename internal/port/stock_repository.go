package port

import (
	"context"
	"time"

	"github.com/rl1809/stock-guard/internal/core/domain"
)

type StockReader interface {
	// Get returns the current quantity and version, or domain.ErrNotFound
	Get(ctx context.Context, key string) (domain.StockRecord, error)
}

type StockRepository interface {
	StockReader

	// Save unconditionally writes quantity and bumps the version
	Save(ctx context.Context, key string, quantity int64) error

	// CompareAndSet writes quantity only if the stored version still equals
	// expectedVersion. It returns false on a version mismatch and never
	// partially applies.
	CompareAndSet(ctx context.Context, key string, expectedVersion, quantity int64) (bool, error)
}

type TxOptions struct {
	// LockWait bounds how long LockingGet waits for a row lock
	LockWait time.Duration
}

// TxStockRepository is implemented by stores that can hold row locks for the
// lifetime of a transaction.
type TxStockRepository interface {
	// WithinTx runs fn in a transaction. The transaction commits when fn
	// returns nil and rolls back otherwise; row locks are released only after
	// commit or rollback completed.
	WithinTx(ctx context.Context, opts TxOptions, fn func(ctx context.Context, tx StockTx) error) error
}

type StockTx interface {
	// LockingGet blocks until it holds the row lock, then returns the record
	LockingGet(ctx context.Context, key string) (domain.StockRecord, error)

	// Save writes quantity inside the transaction
	Save(ctx context.Context, key string, quantity int64) error
}
