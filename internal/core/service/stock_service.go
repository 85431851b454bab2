package service

import (
	"context"
	"errors"
	"fmt"

	"pkt.systems/pslog"

	"github.com/rl1809/stock-guard/internal/core/domain"
	"github.com/rl1809/stock-guard/internal/port"
)

var ErrDuplicateRequest = errors.New("duplicate request")

type StockService struct {
	decreaser Decreaser
	reader    port.StockReader
	cache     port.IdempotencyStore
	logger    pslog.Logger
}

// NewStockService wires a decrement strategy for the transports. cache may be
// nil, which disables request-id deduplication.
func NewStockService(decreaser Decreaser, reader port.StockReader, cache port.IdempotencyStore, logger pslog.Logger) *StockService {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &StockService{
		decreaser: decreaser,
		reader:    reader,
		cache:     cache,
		logger:    logger,
	}
}

func (s *StockService) Decrease(ctx context.Context, requestID, key string, amount int64) error {
	if err := validate(key, amount); err != nil {
		return err
	}

	var idempotencyKey string
	if requestID != "" && s.cache != nil {
		idempotencyKey = fmt.Sprintf("decrease:%s", requestID)
		ok, err := s.cache.SetIdempotency(ctx, idempotencyKey)
		if err != nil {
			return fmt.Errorf("idempotency check failed: %w", err)
		}
		if !ok {
			return ErrDuplicateRequest
		}
	}

	if err := s.decreaser.Decrease(ctx, key, amount); err != nil {
		if idempotencyKey != "" {
			if clearErr := s.cache.ClearIdempotency(context.WithoutCancel(ctx), idempotencyKey); clearErr != nil {
				s.logger.Warn("idempotency.clear.failed", "request_id", requestID, "error", clearErr)
			}
		}
		return fmt.Errorf("stock decrement failed: %w", err)
	}
	return nil
}

func (s *StockService) Stock(ctx context.Context, key string) (domain.StockRecord, error) {
	if key == "" {
		return domain.StockRecord{}, fmt.Errorf("%w: key is required", domain.ErrInvalidRequest)
	}
	return s.reader.Get(ctx, key)
}
