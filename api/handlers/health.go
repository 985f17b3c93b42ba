package handlers

import (
	"net/http"
	"os"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/nlpgate/cache"
	"github.com/BaSui01/nlpgate/health"
	"github.com/BaSui01/nlpgate/internal/metrics"
	"github.com/BaSui01/nlpgate/types"
)

// =============================================================================
// 🏥 状态接口 Handler
// =============================================================================

// StatusHandler 健康、指标与模型信息处理器
type StatusHandler struct {
	aggregator *health.Aggregator
	collector  *metrics.Collector
	store      cache.Store
	version    string
	models     map[string]string
	startedAt  time.Time
	logger     *zap.Logger
}

// NewStatusHandler 创建状态处理器
// models 为 任务后端 → 模型标识 的静态映射。
func NewStatusHandler(aggregator *health.Aggregator, collector *metrics.Collector, store cache.Store, version string, models map[string]string, logger *zap.Logger) *StatusHandler {
	return &StatusHandler{
		aggregator: aggregator,
		collector:  collector,
		store:      store,
		version:    version,
		models:     models,
		startedAt:  time.Now(),
		logger:     logger.With(zap.String("component", "status_handler")),
	}
}

// HealthPayload 健康响应载荷
// @Description 健康响应结构
type HealthPayload struct {
	// 总体状态: healthy, degraded
	Status string `json:"status"`
	// 各后端健康视图
	Backends map[string]types.BackendHealth `json:"backends"`
}

// HandleHealth 处理健康检查请求
// @Summary 健康检查
// @Description 聚合后端健康视图，任一后端不可达时整体 degraded
// @Produce json
// @Success 200 {object} Response "健康"
// @Failure 503 {object} Response "降级"
// @Router /health [get]
func (h *StatusHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	snapshot := h.aggregator.Snapshot()
	payload := HealthPayload{Status: "healthy", Backends: snapshot}

	status := http.StatusOK
	if !h.aggregator.Healthy() {
		payload.Status = "degraded"
		status = http.StatusServiceUnavailable
	}

	WriteJSON(w, status, Response{
		Success:   status == http.StatusOK,
		Data:      payload,
		Timestamp: time.Now(),
		RequestID: RequestID(r),
	})
}

// HandleMetrics 处理 JSON 指标请求
// @Summary 运行指标
// @Description 缓存命中率、各后端延迟与错误计数；Prometheus 文本格式在独立的 metrics 端口
// @Produce json
// @Success 200 {object} Response "指标快照"
// @Router /metrics [get]
func (h *StatusHandler) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, r, h.collector.GetSnapshot())
}

// HandleModels 处理模型信息请求
// @Summary 模型信息
// @Description 静态的后端/模型标识
// @Produce json
// @Success 200 {object} Response "模型列表"
// @Router /models [get]
func (h *StatusHandler) HandleModels(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, r, map[string]interface{}{
		"models":  h.models,
		"version": h.version,
	})
}

// StatusPayload 综合状态载荷
// @Description 综合状态结构
type StatusPayload struct {
	Service   string                         `json:"service"`
	Version   string                         `json:"version"`
	Status    string                         `json:"status"`
	UptimeSec int64                          `json:"uptime_sec"`
	Backends  map[string]types.BackendHealth `json:"backends"`
	Metrics   metrics.Snapshot               `json:"metrics"`
	Runtime   RuntimeInfo                    `json:"runtime"`
}

// RuntimeInfo 进程运行环境
type RuntimeInfo struct {
	GoVersion  string `json:"go_version"`
	Goroutines int    `json:"goroutines"`
	Hostname   string `json:"hostname"`
}

// HandleStatus 处理综合状态请求
// @Summary 综合状态
// @Description 健康 + 指标 + 运行环境的组合视图
// @Produce json
// @Success 200 {object} Response "综合状态"
// @Router /status [get]
func (h *StatusHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	hostname, _ := os.Hostname()

	status := "healthy"
	if !h.aggregator.Healthy() {
		status = "degraded"
	}

	WriteSuccess(w, r, &StatusPayload{
		Service:   "nlpgate",
		Version:   h.version,
		Status:    status,
		UptimeSec: int64(time.Since(h.startedAt).Seconds()),
		Backends:  h.aggregator.Snapshot(),
		Metrics:   h.collector.GetSnapshot(),
		Runtime: RuntimeInfo{
			GoVersion:  runtime.Version(),
			Goroutines: runtime.NumGoroutine(),
			Hostname:   hostname,
		},
	})
}

// HandleCacheClear 处理缓存清空请求
// @Summary 清空缓存
// @Produce json
// @Success 200 {object} Response "已清空"
// @Failure 500 {object} Response "清空失败"
// @Router /cache/clear [post]
func (h *StatusHandler) HandleCacheClear(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Clear(r.Context()); err != nil {
		WriteError(w, r, types.NewError(types.ErrInternal, "failed to clear cache").WithCause(err), h.logger)
		return
	}
	h.logger.Info("缓存已清空")
	WriteSuccess(w, r, map[string]string{"status": "cleared"})
}

// HandleRoot 处理服务横幅请求
// @Summary 服务信息
// @Produce json
// @Success 200 {object} Response "服务横幅"
// @Router / [get]
func (h *StatusHandler) HandleRoot(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, r, map[string]string{
		"service": "nlpgate",
		"version": h.version,
	})
}
