package cache

import (
	"context"
	"time"

	"khohang/backend/internal/domain"
)

// OrderCache holds serialized order detail responses. Only completed
// and cancelled orders are cached; drafts change and must always be
// read from the store.
type OrderCache interface {
	Get(ctx context.Context, key string) (*domain.OrderResponse, bool, error)
	Set(ctx context.Context, key string, value *domain.OrderResponse, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type NoopOrderCache struct{}

func (NoopOrderCache) Get(_ context.Context, _ string) (*domain.OrderResponse, bool, error) {
	return nil, false, nil
}

func (NoopOrderCache) Set(_ context.Context, _ string, _ *domain.OrderResponse, _ time.Duration) error {
	return nil
}

func (NoopOrderCache) Delete(_ context.Context, _ string) error {
	return nil
}
