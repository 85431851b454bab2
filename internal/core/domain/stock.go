package domain

import (
	"fmt"
	"strings"
	"time"
)

type StockRecord struct {
	ID        string
	Quantity  int64
	Version   int64 // bumped on every committed write
	UpdatedAt time.Time
}

// Remaining returns the quantity left after taking amount, and whether the
// result stays at or above zero.
func (s StockRecord) Remaining(amount int64) (int64, bool) {
	left := s.Quantity - amount
	return left, left >= 0
}

// Insufficient builds the error returned when amount exceeds the record's quantity.
func (s StockRecord) Insufficient(amount int64) error {
	return &InsufficientStockError{Key: s.ID, Available: s.Quantity, Requested: amount}
}

type DecrementRequest struct {
	Key    string
	Amount int64
}

func (r DecrementRequest) Validate() error {
	if strings.TrimSpace(r.Key) == "" {
		return fmt.Errorf("%w: key is required", ErrInvalidRequest)
	}
	if r.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive, got %d", ErrInvalidRequest, r.Amount)
	}
	return nil
}
