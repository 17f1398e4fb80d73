package port

import (
	"context"

	"github.com/rl1809/token-marketplace/internal/core/domain"
)

type ItemCache interface {
	// GetItemViews returns false when key is not cached
	GetItemViews(ctx context.Context, key string) ([]domain.ItemView, bool, error)

	SetItemViews(ctx context.Context, key string, views []domain.ItemView) error

	// Invalidate drops every cached item view
	Invalidate(ctx context.Context) error
}
