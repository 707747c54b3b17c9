package position

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore 进程内存持仓，未配置持久化后端时及测试中使用
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]Position
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]Position), now: time.Now}
}

func (s *MemoryStore) Get(_ context.Context, symbol string) (int64, error) {
	sym, err := normalize(symbol)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items[sym].Quantity, nil
}

func (s *MemoryStore) Set(_ context.Context, symbol string, qty int64) error {
	sym, err := normalize(symbol)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[sym] = Position{Symbol: sym, Quantity: qty, UpdatedAt: s.now()}
	return nil
}

func (s *MemoryStore) Adjust(_ context.Context, symbol string, delta int64) (int64, error) {
	sym, err := normalize(symbol)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.items[sym]
	p.Symbol = sym
	p.Quantity += delta
	p.UpdatedAt = s.now()
	s.items[sym] = p
	return p.Quantity, nil
}

func (s *MemoryStore) List(_ context.Context) ([]Position, error) {
	s.mu.Lock()
	out := make([]Position, 0, len(s.items))
	for _, p := range s.items {
		out = append(out, p)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, symbol string) error {
	sym, err := normalize(symbol)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, sym)
	return nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]Position)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
