package port

import "context"

type IdempotencyStore interface {
	// SetIdempotency claims key, returns false if it was already claimed
	SetIdempotency(ctx context.Context, key string) (bool, error)

	// ClearIdempotency drops a claim so the request can be retried
	ClearIdempotency(ctx context.Context, key string) error
}
