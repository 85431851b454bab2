package service

import (
	"context"
)

const (
	StrategyMutex       = "mutex"
	StrategyPessimistic = "pessimistic"
	StrategyOptimistic  = "optimistic"
	StrategyDistributed = "distributed"
)

// Decreaser takes amount units of stock from key. Every implementation either
// applies the whole decrement or leaves the record unchanged.
type Decreaser interface {
	Decrease(ctx context.Context, key string, amount int64) error
}

// DecreaserFunc adapts a function to Decreaser.
type DecreaserFunc func(ctx context.Context, key string, amount int64) error

func (f DecreaserFunc) Decrease(ctx context.Context, key string, amount int64) error {
	return f(ctx, key, amount)
}
