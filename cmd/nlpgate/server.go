package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/nlpgate/api/handlers"
	"github.com/BaSui01/nlpgate/backend"
	"github.com/BaSui01/nlpgate/batch"
	"github.com/BaSui01/nlpgate/cache"
	"github.com/BaSui01/nlpgate/config"
	"github.com/BaSui01/nlpgate/dispatch"
	"github.com/BaSui01/nlpgate/health"
	"github.com/BaSui01/nlpgate/internal/metrics"
	"github.com/BaSui01/nlpgate/internal/server"
	"github.com/BaSui01/nlpgate/types"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 NLPGate 的主服务器，负责组件装配与生命周期
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger

	manager    *server.Manager
	store      cache.Store
	aggregator *health.Aggregator
	scheduler  *batch.Scheduler
	watcher    *config.FileWatcher

	metricsCollector *metrics.Collector

	rateLimiterCancel context.CancelFunc
}

// observerRelay 解开后端与聚合器的构造顺序循环：
// 后端持有 relay，聚合器构造后再接入。
// 每次观察同时喂给健康聚合器与指标收集器，
// 后端延迟直方图和 /metrics 快照都由这里供数。
type observerRelay struct {
	mu        sync.RWMutex
	target    backend.Observer
	collector *metrics.Collector
}

func (r *observerRelay) set(o backend.Observer) {
	r.mu.Lock()
	r.target = o
	r.mu.Unlock()
}

func (r *observerRelay) Observe(name string, latency time.Duration, err error) {
	if r.collector != nil {
		var kind string
		if err != nil {
			kind = string(types.GetErrorCode(err))
		}
		r.collector.RecordBackendCall(name, latency, kind)
	}

	r.mu.RLock()
	target := r.target
	r.mu.RUnlock()
	if target != nil {
		target.Observe(name, latency, err)
	}
}

// NewServer 创建服务器实例并装配全部组件
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
	}

	// 1. 指标收集器
	s.metricsCollector = metrics.NewCollector("nlpgate", logger)

	// 2. 缓存 Store
	store, err := s.buildStore()
	if err != nil {
		return nil, fmt.Errorf("failed to build cache store: %w", err)
	}
	s.store = store

	// 3. 后端客户端，经 relay 接入健康聚合器
	relay := &observerRelay{collector: s.metricsCollector}
	generation := backend.NewGenerationClient(backend.GenerationConfig{
		BaseURL:         cfg.Backends.Generation.BaseURL,
		Model:           cfg.Backends.Generation.Model,
		APIKey:          cfg.Backends.Generation.APIKey,
		Timeout:         cfg.Backends.Generation.Timeout,
		ClassifyTimeout: cfg.Backends.Generation.ClassifyTimeout,
	}, relay, logger)
	ner := backend.NewNERClient(backend.NERConfig{
		BaseURL: cfg.Backends.NER.BaseURL,
		Model:   cfg.Backends.NER.Model,
		Timeout: cfg.Backends.NER.Timeout,
	}, relay, logger)

	// 4. 健康聚合器
	s.aggregator = health.NewAggregator(health.Config{
		ProbeInterval:     cfg.Health.ProbeInterval,
		ProbeTimeout:      cfg.Health.ProbeTimeout,
		DegradedThreshold: cfg.Health.DegradedThreshold,
	}, []backend.Backend{ner, generation}, logger)
	relay.set(s.aggregator)

	// 5. 调度器与批量调度
	dispatcher := dispatch.NewDispatcher(dispatch.Config{CacheTTL: cfg.Cache.TTL},
		s.store, ner, generation, s.aggregator, s.metricsCollector, logger)
	s.scheduler = batch.NewScheduler(batch.Config{
		MaxWorkers: cfg.Batch.MaxWorkers,
		MaxItems:   cfg.Batch.MaxItems,
	}, dispatcher, s.metricsCollector, logger)

	// 6. HTTP 路由与服务器管理器
	apiHandler := s.buildRoutes(dispatcher)
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	s.manager = server.NewManager(cfg.Server, apiHandler, metricsMux, logger)

	return s, nil
}

// buildStore 根据配置驱动创建缓存 Store
func (s *Server) buildStore() (cache.Store, error) {
	switch s.cfg.Cache.Driver {
	case "redis":
		return cache.NewRedisStore(cache.RedisConfig{
			Addr:         s.cfg.Cache.Redis.Addr,
			Password:     s.cfg.Cache.Redis.Password,
			DB:           s.cfg.Cache.Redis.DB,
			PoolSize:     s.cfg.Cache.Redis.PoolSize,
			MinIdleConns: s.cfg.Cache.Redis.MinIdleConns,
			ClaimTTL:     s.cfg.Cache.ClaimTTL,
		}, "nlpgate:", s.logger)
	case "memory", "":
		return cache.NewMemoryStoreWithSweep(s.logger, s.cfg.Cache.SweepInterval), nil
	default:
		return nil, fmt.Errorf("unknown cache driver: %s", s.cfg.Cache.Driver)
	}
}

// buildRoutes 装配业务路由与中间件链
func (s *Server) buildRoutes(dispatcher *dispatch.Dispatcher) http.Handler {
	nlpHandler := handlers.NewNLPHandler(dispatcher, s.logger)
	batchHandler := handlers.NewBatchHandler(s.scheduler, s.logger)
	statusHandler := handlers.NewStatusHandler(s.aggregator, s.metricsCollector, s.store,
		Version, map[string]string{
			"ner":        s.cfg.Backends.NER.Model,
			"generation": s.cfg.Backends.Generation.Model,
		}, s.logger)

	mux := http.NewServeMux()

	// 任务接口
	mux.HandleFunc("/generate", nlpHandler.HandleGenerate)
	mux.HandleFunc("/question-answering", nlpHandler.HandleQA)
	mux.HandleFunc("/summarize", nlpHandler.HandleSummarize)
	mux.HandleFunc("/translate", nlpHandler.HandleTranslate)
	mux.HandleFunc("/classify", nlpHandler.HandleClassify)
	mux.HandleFunc("/nlp/ner", nlpHandler.HandleNER)
	mux.HandleFunc("/batch", batchHandler.HandleBatch)

	// 状态接口
	mux.HandleFunc("/health", statusHandler.HandleHealth)
	mux.HandleFunc("/metrics", statusHandler.HandleMetrics)
	mux.HandleFunc("/models", statusHandler.HandleModels)
	mux.HandleFunc("/status", statusHandler.HandleStatus)
	mux.HandleFunc("/cache/clear", statusHandler.HandleCacheClear)
	mux.HandleFunc("/", statusHandler.HandleRoot)

	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.metricsCollector),
	}
	if s.cfg.Server.RateLimitRPS > 0 {
		rateLimiterCtx, cancel := context.WithCancel(context.Background())
		s.rateLimiterCancel = cancel
		middlewares = append(middlewares,
			RateLimiter(rateLimiterCtx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger))
	}

	return Chain(mux, middlewares...)
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有后台组件与监听端口
func (s *Server) Start() error {
	s.aggregator.Start()
	s.scheduler.Start()

	if err := s.manager.Start(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	s.startConfigWatcher()

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.String("cache_driver", s.cfg.Cache.Driver),
	)

	return nil
}

// startConfigWatcher 监听配置文件变更。
// 当前配置在启动时固化到各组件，变更只提示需要重启。
func (s *Server) startConfigWatcher() {
	if s.configPath == "" {
		return
	}

	s.watcher = config.NewFileWatcher(s.configPath, 10*time.Second, s.logger)
	s.watcher.OnChange(func(ev config.FileEvent) {
		s.logger.Warn("配置文件已变更，重启后生效",
			zap.String("path", ev.Path),
			zap.Time("changed_at", ev.Timestamp),
		)
	})
	s.watcher.Start()
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	s.manager.WaitForShutdown()
	s.Shutdown()
}

// Shutdown 优雅关闭所有组件，顺序与启动相反
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	if s.watcher != nil {
		s.watcher.Stop()
	}
	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}

	if err := s.manager.Shutdown(context.Background()); err != nil {
		s.logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// 先停调度器排空批量任务，再停聚合器，最后释放缓存
	s.scheduler.Stop()
	s.aggregator.Stop()

	if err := s.store.Close(); err != nil {
		s.logger.Error("Cache store close error", zap.Error(err))
	}

	s.logger.Info("Graceful shutdown completed")
}
