package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store — система записи эскроу-счетов.
type Store interface {
	Create(ctx context.Context, a *Account) error
	Get(ctx context.Context, id string) (*Account, error)
	// UpdateIfStatus сохраняет запись, только если в хранилище статус всё ещё expected.
	// Иначе ErrInvalidState: кто-то успел раньше.
	UpdateIfStatus(ctx context.Context, a *Account, expected Status) error
	ListBySession(ctx context.Context, sessionID string) ([]*Account, error)
	// ListDue — locked-счета с autoReleaseAt <= before.
	ListDue(ctx context.Context, before time.Time, limit int) ([]*Account, error)
	List(ctx context.Context, status Status, limit int) ([]*Account, error)
}

type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*Account
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*Account)}
}

func (m *MemoryStore) Create(_ context.Context, a *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[a.ID]; ok {
		return &EscrowError{Code: CodeInvalidState, EscrowID: a.ID, Detail: "already exists"}
	}
	m.items[a.ID] = a.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.items[id]
	if !ok {
		return nil, &EscrowError{Code: CodeNotFound, EscrowID: id}
	}
	return a.Clone(), nil
}

func (m *MemoryStore) UpdateIfStatus(_ context.Context, a *Account, expected Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.items[a.ID]
	if !ok {
		return &EscrowError{Code: CodeNotFound, EscrowID: a.ID}
	}
	if cur.Status != expected {
		return invalidState(a.ID, cur.Status)
	}
	m.items[a.ID] = a.Clone()
	return nil
}

func (m *MemoryStore) ListBySession(_ context.Context, sessionID string) ([]*Account, error) {
	return m.filter(func(a *Account) bool { return a.SessionID == sessionID }, 0), nil
}

func (m *MemoryStore) ListDue(_ context.Context, before time.Time, limit int) ([]*Account, error) {
	return m.filter(func(a *Account) bool {
		return a.Status == StatusLocked && !a.AutoReleaseAt.After(before)
	}, limit), nil
}

func (m *MemoryStore) List(_ context.Context, status Status, limit int) ([]*Account, error) {
	return m.filter(func(a *Account) bool { return status == "" || a.Status == status }, limit), nil
}

func (m *MemoryStore) filter(keep func(*Account) bool, limit int) []*Account {
	m.mu.RLock()
	out := make([]*Account, 0)
	for _, a := range m.items {
		if keep(a) {
			out = append(out, a.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// CachedStore — L1 (RAM) перед L2 (Postgres). Запись всегда идёт в L2;
// финальный статус проверяется атомарно в L2, кэш только ускоряет чтение.
type CachedStore struct {
	l1 *MemoryStore
	l2 Store
}

func NewCachedStore(l2 Store) *CachedStore {
	return &CachedStore{l1: NewMemoryStore(), l2: l2}
}

func (c *CachedStore) put(a *Account) {
	c.l1.mu.Lock()
	c.l1.items[a.ID] = a.Clone()
	c.l1.mu.Unlock()
}

func (c *CachedStore) drop(id string) {
	c.l1.mu.Lock()
	delete(c.l1.items, id)
	c.l1.mu.Unlock()
}

func (c *CachedStore) Create(ctx context.Context, a *Account) error {
	if err := c.l2.Create(ctx, a); err != nil {
		return err
	}
	c.put(a)
	return nil
}

func (c *CachedStore) Get(ctx context.Context, id string) (*Account, error) {
	if a, err := c.l1.Get(ctx, id); err == nil {
		return a, nil
	}
	a, err := c.l2.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	c.put(a)
	return a, nil
}

func (c *CachedStore) UpdateIfStatus(ctx context.Context, a *Account, expected Status) error {
	if err := c.l2.UpdateIfStatus(ctx, a, expected); err != nil {
		// В L1 могла лежать устаревшая запись, перечитаем в следующий раз
		c.drop(a.ID)
		return err
	}
	c.put(a)
	return nil
}

func (c *CachedStore) ListBySession(ctx context.Context, sessionID string) ([]*Account, error) {
	return c.l2.ListBySession(ctx, sessionID)
}

func (c *CachedStore) ListDue(ctx context.Context, before time.Time, limit int) ([]*Account, error) {
	return c.l2.ListDue(ctx, before, limit)
}

func (c *CachedStore) List(ctx context.Context, status Status, limit int) ([]*Account, error) {
	return c.l2.List(ctx, status, limit)
}
