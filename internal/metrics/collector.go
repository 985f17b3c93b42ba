// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
// 同时维护 Prometheus 指标和一份进程内快照：前者经 promhttp 暴露，
// 后者支撑 GET /metrics 的 JSON 视图（命中率、后端延迟、错误计数）。
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 任务指标
	taskRequestsTotal *prometheus.CounterVec

	// 缓存指标
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// 后端指标
	backendRequestDuration *prometheus.HistogramVec
	backendErrorsTotal     *prometheus.CounterVec

	// 批处理指标
	batchItemsTotal *prometheus.CounterVec
	batchQueueDepth prometheus.Gauge

	logger *zap.Logger

	// JSON 快照状态
	mu       sync.Mutex
	hits     int64
	misses   int64
	backends map[string]*backendStats
}

// backendStats 单个后端的累计统计
type backendStats struct {
	Requests     int64
	Errors       int64
	TotalLatency time.Duration
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger:   logger.With(zap.String("component", "metrics")),
		backends: make(map[string]*backendStats),
	}

	// HTTP 指标
	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// 任务指标
	c.taskRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_requests_total",
			Help:      "Total number of task requests",
		},
		[]string{"task_type", "status"},
	)

	// 缓存指标
	c.cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	c.cacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	// 后端指标
	c.backendRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_request_duration_seconds",
			Help:      "Backend request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"backend"},
	)

	c.backendErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_errors_total",
			Help:      "Total number of backend errors",
		},
		[]string{"backend", "kind"},
	)

	// 批处理指标
	c.batchItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_items_total",
			Help:      "Total number of batch items processed",
		},
		[]string{"status"},
	)

	c.batchQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batch_queue_depth",
			Help:      "Number of batch items waiting for a worker",
		},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// =============================================================================
// 📋 任务指标记录
// =============================================================================

// RecordTask 记录一次任务请求的最终状态
func (c *Collector) RecordTask(taskType, status string) {
	c.taskRequestsTotal.WithLabelValues(taskType, status).Inc()
}

// =============================================================================
// 💾 缓存指标记录
// =============================================================================

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(cacheType string) {
	c.cacheHits.WithLabelValues(cacheType).Inc()

	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(cacheType string) {
	c.cacheMisses.WithLabelValues(cacheType).Inc()

	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
}

// =============================================================================
// 🔌 后端指标记录
// =============================================================================

// RecordBackendCall 记录一次后端调用（成功与失败都计入延迟）
func (c *Collector) RecordBackendCall(backend string, duration time.Duration, errKind string) {
	c.backendRequestDuration.WithLabelValues(backend).Observe(duration.Seconds())
	if errKind != "" {
		c.backendErrorsTotal.WithLabelValues(backend, errKind).Inc()
	}

	c.mu.Lock()
	stats, ok := c.backends[backend]
	if !ok {
		stats = &backendStats{}
		c.backends[backend] = stats
	}
	stats.Requests++
	stats.TotalLatency += duration
	if errKind != "" {
		stats.Errors++
	}
	c.mu.Unlock()
}

// =============================================================================
// 📦 批处理指标记录
// =============================================================================

// RecordBatchItem 记录一个批处理项的最终状态
func (c *Collector) RecordBatchItem(status string) {
	c.batchItemsTotal.WithLabelValues(status).Inc()
}

// SetBatchQueueDepth 更新批处理等待队列深度
func (c *Collector) SetBatchQueueDepth(depth int) {
	c.batchQueueDepth.Set(float64(depth))
}

// =============================================================================
// 📸 JSON 快照
// =============================================================================

// BackendSnapshot 单后端聚合视图
type BackendSnapshot struct {
	Requests     int64   `json:"requests"`
	Errors       int64   `json:"errors"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// Snapshot GET /metrics 的 JSON 视图
type Snapshot struct {
	CacheHits    int64                      `json:"cache_hits"`
	CacheMisses  int64                      `json:"cache_misses"`
	CacheHitRate float64                    `json:"cache_hit_rate"`
	Backends     map[string]BackendSnapshot `json:"backends"`
}

// GetSnapshot 返回当前聚合快照
func (c *Collector) GetSnapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		CacheHits:   c.hits,
		CacheMisses: c.misses,
		Backends:    make(map[string]BackendSnapshot, len(c.backends)),
	}
	if total := c.hits + c.misses; total > 0 {
		snap.CacheHitRate = float64(c.hits) / float64(total)
	}
	for name, stats := range c.backends {
		bs := BackendSnapshot{
			Requests: stats.Requests,
			Errors:   stats.Errors,
		}
		if stats.Requests > 0 {
			bs.AvgLatencyMs = float64(stats.TotalLatency.Milliseconds()) / float64(stats.Requests)
		}
		snap.Backends[name] = bs
	}
	return snap
}

// statusCode 将 HTTP 状态码转为标签值
func statusCode(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "1xx"
	}
}
