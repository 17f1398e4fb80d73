package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rl1809/token-marketplace/internal/core/domain"
	"github.com/rl1809/token-marketplace/internal/port"
)

const (
	defaultPage  = 1
	defaultLimit = 10
	cacheAll     = "all"
)

type ItemQuery struct {
	Token       string
	Seller      string
	Page        int
	Limit       int
	ForceUpdate bool
}

// ItemPage carries every matching id plus the decoded views of one page.
type ItemPage struct {
	Items        []string          `json:"items"`
	DecodedItems []domain.ItemView `json:"decodedItems"`
	Total        int               `json:"total"`
	Page         int               `json:"page"`
	Offset       int               `json:"offset"`
}

// QueryService is the read facade over the ledger. The cache is optional.
type QueryService struct {
	ledger port.LedgerRepository
	cache  port.ItemCache
}

func NewQueryService(ledger port.LedgerRepository, cache port.ItemCache) *QueryService {
	return &QueryService{ledger: ledger, cache: cache}
}

func ItemCacheKey(token, seller string) string {
	if token == "" {
		token = cacheAll
	}
	if seller == "" {
		seller = cacheAll
	}
	return fmt.Sprintf("marketplace:items:%s:%s", strings.ToLower(token), strings.ToLower(seller))
}

func (q *QueryService) ListItems(ctx context.Context, query ItemQuery) (ItemPage, error) {
	page, limit := query.Page, query.Limit
	if page < 1 {
		page = defaultPage
	}
	if limit < 1 {
		limit = defaultLimit
	}

	key := ItemCacheKey(query.Token, query.Seller)

	var (
		views []domain.ItemView
		found bool
	)
	if q.cache != nil && !query.ForceUpdate {
		var err error
		views, found, err = q.cache.GetItemViews(ctx, key)
		if err != nil {
			log.Warnf("item cache read failed for %s: %v", key, err)
			found = false
		}
	}

	if !found {
		var err error
		views, err = q.activeItemViews(ctx, query.Token, query.Seller)
		if err != nil {
			return ItemPage{}, err
		}
		if q.cache != nil {
			if err := q.cache.SetItemViews(ctx, key, views); err != nil {
				log.Warnf("item cache write failed for %s: %v", key, err)
			}
		}
	}

	ids := make([]string, len(views))
	for i, v := range views {
		ids[i] = v.ItemID
	}

	offset := (page - 1) * limit
	end := offset + limit
	if offset > len(views) {
		offset = len(views)
	}
	if end > len(views) {
		end = len(views)
	}

	return ItemPage{
		Items:        ids,
		DecodedItems: views[offset:end],
		Total:        len(views),
		Page:         page,
		Offset:       offset,
	}, nil
}

func (q *QueryService) activeItemViews(ctx context.Context, token, seller string) ([]domain.ItemView, error) {
	ids, err := q.ledger.ActiveItemIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("active item ids: %w", err)
	}

	items := make([]domain.Item, 0, len(ids))
	for _, id := range ids {
		item, err := q.ledger.GetItem(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("get item %d: %w", id, err)
		}
		if item == nil || !item.Active {
			continue
		}
		if token != "" && !strings.EqualFold(item.Token.Hex(), token) {
			continue
		}
		if seller != "" && !strings.EqualFold(item.Seller.Hex(), seller) {
			continue
		}
		items = append(items, *item)
	}
	sort.Slice(items, func(a, b int) bool { return items[a].ID < items[b].ID })

	views := make([]domain.ItemView, len(items))
	for i, item := range items {
		views[i] = domain.NewItemView(item)
	}
	return views, nil
}

func (q *QueryService) GetItem(ctx context.Context, id domain.ItemID) (domain.ItemView, error) {
	item, err := q.ledger.GetItem(ctx, id)
	if err != nil {
		return domain.ItemView{}, fmt.Errorf("get item: %w", err)
	}
	if item == nil {
		return domain.ItemView{}, fmt.Errorf("%w: %d", domain.ErrInvalidItemID, id)
	}
	return domain.NewItemView(*item), nil
}

func (q *QueryService) GetSeller(ctx context.Context, addr common.Address) (domain.SellerView, error) {
	seller, err := q.ledger.GetSeller(ctx, addr)
	if err != nil {
		return domain.SellerView{}, fmt.Errorf("get seller: %w", err)
	}
	return domain.NewSellerView(seller), nil
}

func (q *QueryService) GetBuyerNonce(ctx context.Context, addr common.Address) (uint64, error) {
	nonce, err := q.ledger.GetBuyerNonce(ctx, addr)
	if err != nil {
		return 0, fmt.Errorf("get buyer nonce: %w", err)
	}
	return nonce, nil
}

// Purchases returns the purchase journal after the given sequence number.
func (q *QueryService) Purchases(ctx context.Context, since uint64, limit int) ([]domain.EventView, error) {
	records, err := q.ledger.Events(ctx, port.EventFilter{
		Kind:  domain.EventItemPurchased,
		Since: since,
		Limit: limit,
	})
	if err != nil {
		return nil, fmt.Errorf("purchase events: %w", err)
	}

	views := make([]domain.EventView, len(records))
	for i, rec := range records {
		views[i] = domain.NewEventView(rec)
	}
	return views, nil
}
