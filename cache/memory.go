package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/nlpgate/types"
)

// memoryStore 基于内存的 Store 实现
// 用于单进程部署和测试；过期在读取时惰性判断，后台清扫只是优化。
type memoryStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
	claims  map[string]*inflight
	logger  *zap.Logger
	stopCh  chan struct{}
	closed  bool

	sweepInterval time.Duration
}

// inflight 一个指纹的在途计算：一个 owner，若干 waiter
type inflight struct {
	waiters []chan Outcome
}

// NewMemoryStore 创建内存 Store
func NewMemoryStore(logger *zap.Logger) Store {
	return NewMemoryStoreWithSweep(logger, 5*time.Minute)
}

// NewMemoryStoreWithSweep 创建带自定义清扫间隔的内存 Store
func NewMemoryStoreWithSweep(logger *zap.Logger, sweepInterval time.Duration) Store {
	s := &memoryStore{
		entries:       make(map[string]*Entry),
		claims:        make(map[string]*inflight),
		logger:        logger,
		stopCh:        make(chan struct{}),
		sweepInterval: sweepInterval,
	}
	go s.sweepLoop()
	return s
}

// sweepLoop 定期清理过期条目
func (s *memoryStore) sweepLoop() {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCh:
			return
		}
	}
}

func (s *memoryStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	expired := 0
	for fp, entry := range s.entries {
		if entry.Expired(now) {
			delete(s.entries, fp)
			expired++
		}
	}

	if expired > 0 && s.logger != nil {
		s.logger.Debug("cleaned up expired cache entries",
			zap.Int("expired", expired),
			zap.Int("remaining", len(s.entries)))
	}
}

// Get 实现 Store.Get
func (s *memoryStore) Get(ctx context.Context, fingerprint string) (*Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, false, ErrClosed
	}

	entry, ok := s.entries[fingerprint]
	if !ok {
		return nil, false, nil
	}
	if entry.Expired(time.Now()) {
		delete(s.entries, fingerprint)
		return nil, false, nil
	}
	return entry, true, nil
}

// Claim 实现 Store.Claim
func (s *memoryStore) Claim(ctx context.Context, fingerprint string) (*Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	if infl, ok := s.claims[fingerprint]; ok {
		ch := make(chan Outcome, 1)
		infl.waiters = append(infl.waiters, ch)
		return &Claim{Role: Waiter, wait: ch}, nil
	}

	s.claims[fingerprint] = &inflight{}
	return &Claim{Role: Owner}, nil
}

// Publish 实现 Store.Publish
func (s *memoryStore) Publish(ctx context.Context, fingerprint string, resp *types.TaskResponse, ttl time.Duration) error {
	now := time.Now()
	entry := &Entry{
		Response:  resp,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	infl, ok := s.claims[fingerprint]
	if !ok {
		s.mu.Unlock()
		return ErrNoClaim
	}
	s.entries[fingerprint] = entry
	delete(s.claims, fingerprint)
	s.mu.Unlock()

	s.notify(infl, Outcome{Response: resp})
	return nil
}

// Fail 实现 Store.Fail
func (s *memoryStore) Fail(ctx context.Context, fingerprint string, cause error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	infl, ok := s.claims[fingerprint]
	if !ok {
		s.mu.Unlock()
		return ErrNoClaim
	}
	delete(s.claims, fingerprint)
	s.mu.Unlock()

	s.notify(infl, Outcome{Err: cause})
	return nil
}

// notify 以同一终态唤醒全部 waiter
// 通道带 1 个缓冲，发送不会阻塞，waiter 超时离开也不影响其余通知。
func (s *memoryStore) notify(infl *inflight, outcome Outcome) {
	for _, ch := range infl.waiters {
		ch <- outcome
		close(ch)
	}
}

// Clear 实现 Store.Clear
func (s *memoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	s.entries = make(map[string]*Entry)
	return nil
}

// Close 实现 Store.Close
func (s *memoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	close(s.stopCh)
	return nil
}
