package service

import (
	"context"
	"sync"

	"github.com/noah-isme/ims-sync/internal/dto"
)

// DefaultPageSize is used when a fetch does not name a limit.
const DefaultPageSize = 15

// Keyed is implemented by items held in a PagedList.
type Keyed interface {
	Key() string
}

// PageFetcher loads one page of items from the backend.
type PageFetcher[T Keyed] func(ctx context.Context, page, limit int) ([]T, dto.PaginationMeta, error)

// PagedList is an incrementally fetched list: page 1 replaces the local items, later pages
// append with de-duplication by key.
type PagedList[T Keyed] struct {
	fetch       PageFetcher[T]
	defaultSize int

	mu    sync.RWMutex
	items []T
	meta  dto.PageMeta
}

// NewPagedList constructs an empty list backed by fetch.
func NewPagedList[T Keyed](fetch PageFetcher[T], pageSize int) *PagedList[T] {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &PagedList[T]{
		fetch:       fetch,
		defaultSize: pageSize,
		items:       make([]T, 0),
		meta:        dto.PageMeta{Limit: pageSize},
	}
}

// Fetch loads page and merges it. The fetched page is returned together with the list's
// pagination after the merge. Fetching the same page twice leaves the list unchanged.
func (l *PagedList[T]) Fetch(ctx context.Context, page, limit int) (dto.PageResponse[T], error) {
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = l.defaultSize
	}

	items, pagination, err := l.fetch(ctx, page, limit)
	if err != nil {
		return dto.PageResponse[T]{}, err
	}
	if items == nil {
		items = []T{}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if page == 1 {
		l.items = dedupe(items)
	} else {
		for _, item := range items {
			if idx := l.indexLocked(item.Key()); idx >= 0 {
				l.items[idx] = item
				continue
			}
			l.items = append(l.items, item)
		}
	}

	l.meta = pageMeta(pagination, page, limit)

	return dto.PageResponse[T]{Items: append([]T(nil), items...), Pagination: l.meta}, nil
}

// Refresh discards the local items and fetches page 1 again.
func (l *PagedList[T]) Refresh(ctx context.Context) (dto.PageResponse[T], error) {
	l.mu.RLock()
	limit := l.meta.Limit
	l.mu.RUnlock()

	return l.Fetch(ctx, 1, limit)
}

// UpdateItem applies fn to the item with key. Other items and the order are untouched.
func (l *PagedList[T]) UpdateItem(key string, fn func(*T)) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := l.indexLocked(key)
	if idx < 0 {
		return false
	}
	fn(&l.items[idx])
	return true
}

// RemoveItem removes the item with key and decrements the total. Removing an absent key is a no-op.
func (l *PagedList[T]) RemoveItem(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := l.indexLocked(key)
	if idx < 0 {
		return false
	}
	l.items = append(l.items[:idx], l.items[idx+1:]...)
	if l.meta.Total > 0 {
		l.meta.Total--
	}
	return true
}

// Prepend puts a pushed item at the head of the list. An item already present is replaced in place.
func (l *PagedList[T]) Prepend(item T) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if idx := l.indexLocked(item.Key()); idx >= 0 {
		l.items[idx] = item
		return false
	}

	l.items = append([]T{item}, l.items...)
	l.meta.Total++
	return true
}

// Items returns a copy of the merged items.
func (l *PagedList[T]) Items() []T {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]T{}, l.items...)
}

// Meta returns the pagination state.
func (l *PagedList[T]) Meta() dto.PageMeta {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.meta
}

// Reset empties the list.
func (l *PagedList[T]) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = make([]T, 0)
	l.meta = dto.PageMeta{Limit: l.defaultSize}
}

func (l *PagedList[T]) indexLocked(key string) int {
	for i := range l.items {
		if l.items[i].Key() == key {
			return i
		}
	}
	return -1
}

func dedupe[T Keyed](items []T) []T {
	seen := make(map[string]struct{}, len(items))
	out := make([]T, 0, len(items))
	for _, item := range items {
		if _, ok := seen[item.Key()]; ok {
			continue
		}
		seen[item.Key()] = struct{}{}
		out = append(out, item)
	}
	return out
}

func pageMeta(pagination dto.PaginationMeta, page, limit int) dto.PageMeta {
	if pagination.Limit > 0 {
		limit = pagination.Limit
	}
	totalPages := pagination.TotalPages
	if totalPages <= 0 && limit > 0 {
		totalPages = (pagination.Total + limit - 1) / limit
	}
	current := pagination.CurrentPage
	if current <= 0 {
		current = page
	}

	return dto.PageMeta{
		CurrentPage: current,
		TotalPages:  totalPages,
		Total:       pagination.Total,
		Limit:       limit,
		HasMore:     current < totalPages,
	}
}
