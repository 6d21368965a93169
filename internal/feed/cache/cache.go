package cache

import (
	"context"
	"sync"
	"time"
)

// Store 响应缓存的抽象。两种读法：
//   - Get：只接受新鲜条目（now - storedAt < ttl）
//   - GetStale：全部源失败时的应急读，放宽到 maxAge（maxAge > ttl）
//
// 条目只会被整体覆盖，永远不做部分更新。
type Store interface {
	Get(ctx context.Context, key string) (any, bool)
	GetStale(ctx context.Context, key string, maxAge time.Duration) (any, bool)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

type entry struct {
	value    any
	storedAt time.Time
	ttl      time.Duration
}

// MemStore 进程内 TTL 缓存。工作集是 symbols × categories，小且有界，
// 不需要按容量淘汰；过期是惰性判定 + 可选的 janitor 扫描。
type MemStore struct {
	mu sync.RWMutex
	m  map[string]entry

	// 测试注入时钟
	now func() time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{
		m:   make(map[string]entry, 256),
		now: time.Now,
	}
}

func (s *MemStore) Get(_ context.Context, key string) (any, bool) {
	s.mu.RLock()
	e, ok := s.m[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if s.now().Sub(e.storedAt) >= e.ttl {
		return nil, false // 过期条目留给 GetStale / janitor
	}
	return e.value, true
}

func (s *MemStore) GetStale(_ context.Context, key string, maxAge time.Duration) (any, bool) {
	s.mu.RLock()
	e, ok := s.m[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if maxAge <= 0 || s.now().Sub(e.storedAt) >= maxAge {
		return nil, false
	}
	return e.value, true
}

// Set 整体覆盖。写写并发时 last-writer-wins：两个并发 fetch 的结果
// 都是各自有效的新鲜读，谁后写谁算。
func (s *MemStore) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	s.mu.Lock()
	s.m[key] = entry{value: value, storedAt: s.now(), ttl: ttl}
	s.mu.Unlock()
	return nil
}

func (s *MemStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.m, key)
	s.mu.Unlock()
	return nil
}

func (s *MemStore) Clear(_ context.Context) error {
	s.mu.Lock()
	s.m = make(map[string]entry, 256)
	s.mu.Unlock()
	return nil
}

// StartJanitor 周期清掉超过 maxAge 的条目，给内存兜底。
// maxAge 要 ≥ 所有类别的应急窗口，否则会把还能救急的陈旧条目扫掉。
func (s *MemStore) StartJanitor(ctx context.Context, every, maxAge time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep(maxAge)
			}
		}
	}()
}

func (s *MemStore) sweep(maxAge time.Duration) {
	cut := s.now().Add(-maxAge)
	s.mu.Lock()
	for k, e := range s.m {
		if e.storedAt.Before(cut) {
			delete(s.m, k)
		}
	}
	s.mu.Unlock()
}
