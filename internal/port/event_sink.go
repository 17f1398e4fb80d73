package port

import (
	"context"
	"time"

	"github.com/rl1809/token-marketplace/internal/core/domain"
)

// EventSink consumes committed marketplace events (cache invalidation,
// indexers).
type EventSink interface {
	Publish(ctx context.Context, rec domain.EventRecord) error
}

type Clock interface {
	Now() time.Time
}
