package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore is an in-memory store for demo/development mode and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	items  map[common.Hash]*Item
	tokens map[common.Hash]common.Hash // token -> item key
	events []Event
	admin  common.Address
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:  make(map[common.Hash]*Item),
		tokens: make(map[common.Hash]common.Hash),
	}
}

func (m *MemoryStore) Get(ctx context.Context, key common.Hash) (*Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	item, ok := m.items[key]
	if !ok {
		return nil, ErrNotFound
	}
	// Callers mutate what they get back before committing.
	return item.Clone(), nil
}

func (m *MemoryStore) Exists(ctx context.Context, key common.Hash) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.items[key]
	return ok, nil
}

func (m *MemoryStore) TokenItem(ctx context.Context, token common.Hash) (common.Hash, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key, ok := m.tokens[token]
	if !ok {
		return common.Hash{}, ErrNotFound
	}
	return key, nil
}

func (m *MemoryStore) Commit(ctx context.Context, c *Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := c.key()

	// Validate everything before touching state.
	if c.Admin != (common.Address{}) && c.Admin != m.admin {
		return ErrUnauthorized
	}
	switch c.Kind {
	case ChangeInsert:
		if _, ok := m.items[key]; ok {
			return ErrAlreadyExists
		}
	case ChangeUpdate, ChangeDelete:
		if _, ok := m.items[key]; !ok {
			return ErrNotFound
		}
	case ChangeNone:
		if _, ok := m.items[key]; !ok && c.Bind != (common.Hash{}) {
			return ErrNotFound
		}
	}
	if c.Bind != (common.Hash{}) {
		if _, used := m.tokens[c.Bind]; used {
			return ErrTokenAlreadyUsed
		}
	}

	switch c.Kind {
	case ChangeInsert, ChangeUpdate:
		m.items[key] = c.Item.Clone()
	case ChangeDelete:
		delete(m.items, key)
		for token, k := range m.tokens {
			if k == key {
				delete(m.tokens, token)
			}
		}
	}
	if c.Bind != (common.Hash{}) {
		m.tokens[c.Bind] = key
	}
	m.events = append(m.events, c.Events...)
	return nil
}

func (m *MemoryStore) ListLapsed(ctx context.Context, now time.Time, defaultPeriod time.Duration, limit int) ([]*Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	type lapsed struct {
		item     *Item
		deadline time.Time
	}
	var found []lapsed
	for _, item := range m.items {
		if !item.Lapsed(now, defaultPeriod) {
			continue
		}
		deadline, _ := item.Deadline(defaultPeriod)
		found = append(found, lapsed{item: item.Clone(), deadline: deadline})
	}
	sort.Slice(found, func(i, j int) bool {
		return found[i].deadline.Before(found[j].deadline)
	})
	if limit > 0 && len(found) > limit {
		found = found[:limit]
	}
	result := make([]*Item, len(found))
	for i, l := range found {
		result[i] = l.item
	}
	return result, nil
}

func (m *MemoryStore) Events(ctx context.Context, key common.Hash, limit int) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []Event
	for i := len(m.events) - 1; i >= 0; i-- {
		if m.events[i].Key != key {
			continue
		}
		result = append(result, m.events[i])
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) Admin(ctx context.Context) (common.Address, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.admin, nil
}

func (m *MemoryStore) SwapAdmin(ctx context.Context, old, next common.Address, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.admin != old {
		return ErrUnauthorized
	}
	m.admin = next
	if event != nil {
		m.events = append(m.events, *event)
	}
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }
