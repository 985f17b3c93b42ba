package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/nlpgate/backend"
	"github.com/BaSui01/nlpgate/types"
)

// Config holds configuration for the health aggregator.
type Config struct {
	// ProbeInterval is the interval between probe rounds.
	ProbeInterval time.Duration `yaml:"probe_interval" json:"probe_interval"`

	// ProbeTimeout is the per-probe timeout.
	ProbeTimeout time.Duration `yaml:"probe_timeout" json:"probe_timeout"`

	// DegradedThreshold is the number of consecutive failures before a
	// backend is reported degraded. Degraded status is advisory: the
	// backend is never removed from rotation automatically.
	DegradedThreshold int `yaml:"degraded_threshold" json:"degraded_threshold"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ProbeInterval:     5 * time.Second,
		ProbeTimeout:      3 * time.Second,
		DegradedThreshold: 3,
	}
}

// Aggregator maintains a rolling health view for all configured backends.
// It is the only writer of BackendHealth state; the dispatcher and the
// status surface consume read-only snapshots. Passive observations from
// live backend calls feed the same counters as active probes.
type Aggregator struct {
	cfg      Config
	backends []backend.Backend
	logger   *zap.Logger

	mu    sync.RWMutex
	state map[string]*types.BackendHealth

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewAggregator creates a health aggregator for the given backends.
func NewAggregator(cfg Config, backends []backend.Backend, logger *zap.Logger) *Aggregator {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 5 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 3 * time.Second
	}
	if cfg.DegradedThreshold <= 0 {
		cfg.DegradedThreshold = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	state := make(map[string]*types.BackendHealth, len(backends))
	for _, b := range backends {
		// 启动时乐观初始化，首轮探测前不拒绝流量
		state[b.Name()] = &types.BackendHealth{Backend: b.Name(), Reachable: true}
	}

	return &Aggregator{
		cfg:      cfg,
		backends: backends,
		logger:   logger.With(zap.String("component", "health_aggregator")),
		state:    state,
		done:     make(chan struct{}),
	}
}

// Start launches the background probe loop.
func (a *Aggregator) Start() {
	a.wg.Add(1)
	go a.run()
	a.logger.Info("健康聚合器已启动",
		zap.Duration("interval", a.cfg.ProbeInterval),
		zap.Int("degraded_threshold", a.cfg.DegradedThreshold))
}

// Stop terminates the probe loop and waits for it to exit.
func (a *Aggregator) Stop() {
	a.once.Do(func() { close(a.done) })
	a.wg.Wait()
	a.logger.Info("健康聚合器已停止")
}

func (a *Aggregator) run() {
	defer a.wg.Done()

	// 立即探测一轮，避免等到首个 tick 才有真实数据
	a.probeAll()

	ticker := time.NewTicker(a.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.probeAll()
		case <-a.done:
			return
		}
	}
}

// probeAll probes every backend concurrently and records the outcomes.
func (a *Aggregator) probeAll() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ProbeTimeout)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for _, b := range a.backends {
		b := b
		g.Go(func() error {
			status, err := b.HealthCheck(ctx)
			var latency time.Duration
			if status != nil {
				latency = status.Latency
			}
			healthy := err == nil && status != nil && status.Healthy
			a.record(b.Name(), healthy, latency, err)
			// 探测失败只降级，从不终止其它探测
			return nil
		})
	}
	g.Wait()
}

// record updates the health state for one backend.
func (a *Aggregator) record(name string, healthy bool, latency time.Duration, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	h, ok := a.state[name]
	if !ok {
		h = &types.BackendHealth{Backend: name}
		a.state[name] = h
	}

	h.LastLatency = latency
	h.LastCheckedAt = time.Now()

	if healthy {
		if h.ConsecutiveFailures >= a.cfg.DegradedThreshold {
			a.logger.Info("后端恢复", zap.String("backend", name))
		}
		h.Reachable = true
		h.ConsecutiveFailures = 0
		h.LastError = ""
		return
	}

	h.Reachable = false
	h.ConsecutiveFailures++
	if err != nil {
		h.LastError = err.Error()
	}

	if h.ConsecutiveFailures == a.cfg.DegradedThreshold {
		a.logger.Warn("后端降级",
			zap.String("backend", name),
			zap.Int("consecutive_failures", h.ConsecutiveFailures),
			zap.Error(err))
	}
}

// Observe implements backend.Observer: live call outcomes update the same
// counters as active probes, so degradation is detected between probe
// rounds. Any backend error kind counts toward the failure streak.
func (a *Aggregator) Observe(name string, latency time.Duration, err error) {
	a.record(name, err == nil, latency, err)
}

// Degraded reports whether the named backend has crossed the consecutive
// failure threshold. Unknown backends are never degraded.
func (a *Aggregator) Degraded(name string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	h, ok := a.state[name]
	return ok && h.Degraded(a.cfg.DegradedThreshold)
}

// Snapshot returns a point-in-time copy of the health view.
func (a *Aggregator) Snapshot() map[string]types.BackendHealth {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make(map[string]types.BackendHealth, len(a.state))
	for name, h := range a.state {
		out[name] = *h
	}
	return out
}

// Healthy reports whether every configured backend is currently reachable.
func (a *Aggregator) Healthy() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, h := range a.state {
		if !h.Reachable {
			return false
		}
	}
	return true
}
