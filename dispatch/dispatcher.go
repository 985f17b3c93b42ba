package dispatch

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/nlpgate/backend"
	"github.com/BaSui01/nlpgate/cache"
	"github.com/BaSui01/nlpgate/internal/metrics"
	"github.com/BaSui01/nlpgate/types"
)

// HealthGate 准入门控的只读视图
// 由 Health Aggregator 实现；降级状态仅用于快速失败，不自动摘除后端。
type HealthGate interface {
	Degraded(backend string) bool
}

// nopGate 未接入健康聚合器时放行一切
type nopGate struct{}

func (nopGate) Degraded(string) bool { return false }

// Config 调度器配置
type Config struct {
	// CacheTTL 成功响应的缓存生存期
	CacheTTL time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
}

// DefaultConfig 返回默认调度器配置
func DefaultConfig() Config {
	return Config{CacheTTL: time.Hour}
}

// Dispatcher 单请求编排器
// 流程：校验 → 准入门控 → 指纹 → 缓存查询 → claim →（Owner 调后端并发布 /
// Waiter 等待广播）。同一指纹任一时刻至多一次并发后端调用。
type Dispatcher struct {
	cfg        Config
	store      cache.Store
	ner        backend.Backend
	generation backend.Backend
	gate       HealthGate
	metrics    *metrics.Collector
	logger     *zap.Logger
}

// NewDispatcher 创建调度器
func NewDispatcher(cfg Config, store cache.Store, ner, generation backend.Backend, gate HealthGate, collector *metrics.Collector, logger *zap.Logger) *Dispatcher {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if gate == nil {
		gate = nopGate{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		cfg:        cfg,
		store:      store,
		ner:        ner,
		generation: generation,
		gate:       gate,
		metrics:    collector,
		logger:     logger.With(zap.String("component", "dispatcher")),
	}
}

// Handle 处理单个任务请求
func (d *Dispatcher) Handle(ctx context.Context, req *types.TaskRequest) (*types.TaskResponse, error) {
	if err := req.Validate(); err != nil {
		d.recordTask(req.TaskType, "invalid")
		return nil, err
	}

	target := d.resolveBackend(req.TaskType)
	if d.gate.Degraded(target.Name()) {
		d.recordTask(req.TaskType, "degraded")
		return nil, types.NewError(types.ErrBackendDegraded, "backend "+target.Name()+" is degraded").
			WithHTTPStatus(http.StatusServiceUnavailable).
			WithBackend(target.Name())
	}

	fingerprint, err := Fingerprint(req)
	if err != nil {
		d.recordTask(req.TaskType, "error")
		return nil, types.NewError(types.ErrInternal, "failed to compute fingerprint").WithCause(err)
	}

	if resp, ok := d.lookup(ctx, fingerprint); ok {
		d.recordCacheHit()
		d.recordTask(req.TaskType, "cached")
		return resp, nil
	}
	d.recordCacheMiss()

	claim, err := d.store.Claim(ctx, fingerprint)
	if err != nil {
		d.recordTask(req.TaskType, "error")
		return nil, types.NewError(types.ErrInternal, "cache claim failed").WithCause(err)
	}

	if claim.Role == cache.Owner {
		return d.executeOwned(ctx, fingerprint, req, target)
	}
	return d.awaitOutcome(ctx, fingerprint, req, claim)
}

// executeOwned 作为 claim 持有者调用后端并广播结果
func (d *Dispatcher) executeOwned(ctx context.Context, fingerprint string, req *types.TaskRequest, target backend.Backend) (*types.TaskResponse, error) {
	resp, err := target.Call(ctx, req)
	if err != nil {
		// 失败不缓存，但所有 waiter 观察到同一个终态
		if failErr := d.store.Fail(context.WithoutCancel(ctx), fingerprint, err); failErr != nil {
			d.logger.Warn("claim 释放失败",
				zap.String("fingerprint", fingerprint),
				zap.Error(failErr))
		}
		d.recordTask(req.TaskType, "error")
		return nil, err
	}

	if pubErr := d.store.Publish(context.WithoutCancel(ctx), fingerprint, resp, d.cfg.CacheTTL); pubErr != nil {
		// 发布失败不吞掉成功结果，调用方仍拿到响应
		d.logger.Warn("缓存发布失败",
			zap.String("fingerprint", fingerprint),
			zap.Error(pubErr))
	}

	d.recordTask(req.TaskType, "success")
	return resp, nil
}

// awaitOutcome 等待 claim 持有者的广播
// 等待方超时不会取消持有者的后端调用，其余 waiter 仍可受益。
func (d *Dispatcher) awaitOutcome(ctx context.Context, fingerprint string, req *types.TaskRequest, claim *cache.Claim) (*types.TaskResponse, error) {
	select {
	case outcome, ok := <-claim.Wait():
		if !ok {
			d.recordTask(req.TaskType, "error")
			return nil, types.NewError(types.ErrInternal, "in-flight computation abandoned")
		}
		if outcome.Err != nil {
			d.recordTask(req.TaskType, "error")
			return nil, outcome.Err
		}
		d.recordTask(req.TaskType, "coalesced")
		return outcome.Response, nil
	case <-ctx.Done():
		d.recordTask(req.TaskType, "timeout")
		return nil, types.NewError(types.ErrBackendTimeout, "timed out waiting for in-flight result").
			WithCause(ctx.Err()).
			WithHTTPStatus(http.StatusGatewayTimeout).
			WithRetryable(true)
	}
}

// lookup 缓存查询；命中时返回标记 Cached 的副本
func (d *Dispatcher) lookup(ctx context.Context, fingerprint string) (*types.TaskResponse, bool) {
	entry, ok, err := d.store.Get(ctx, fingerprint)
	if err != nil {
		// 缓存故障按未命中处理，请求继续走后端
		d.logger.Warn("缓存查询失败", zap.String("fingerprint", fingerprint), zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	resp := *entry.Response
	resp.Cached = true
	return &resp, true
}

// resolveBackend 按任务类型解析目标后端
func (d *Dispatcher) resolveBackend(t types.TaskType) backend.Backend {
	if t == types.TaskNER {
		return d.ner
	}
	return d.generation
}

func (d *Dispatcher) recordTask(t types.TaskType, status string) {
	if d.metrics != nil {
		d.metrics.RecordTask(string(t), status)
	}
}

func (d *Dispatcher) recordCacheHit() {
	if d.metrics != nil {
		d.metrics.RecordCacheHit("response")
	}
}

func (d *Dispatcher) recordCacheMiss() {
	if d.metrics != nil {
		d.metrics.RecordCacheMiss("response")
	}
}
