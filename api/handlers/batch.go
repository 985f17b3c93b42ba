package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/nlpgate/api"
	"github.com/BaSui01/nlpgate/batch"
	"github.com/BaSui01/nlpgate/types"
)

// =============================================================================
// 📚 批量接口 Handler
// =============================================================================

// BatchHandler 批量接口处理器
type BatchHandler struct {
	scheduler *batch.Scheduler
	logger    *zap.Logger
}

// NewBatchHandler 创建批量处理器
func NewBatchHandler(scheduler *batch.Scheduler, logger *zap.Logger) *BatchHandler {
	return &BatchHandler{
		scheduler: scheduler,
		logger:    logger.With(zap.String("component", "batch_handler")),
	}
}

// BatchItemResult 批量条目结果
// @Description 批量条目结果结构
type BatchItemResult struct {
	// 条目在输入中的位置
	Index int `json:"index"`
	// 成功标记
	Success bool `json:"success"`
	// 任务结果（成功时）
	Result *TaskResult `json:"result,omitempty"`
	// 错误信息（失败时）
	Error *ErrorInfo `json:"error,omitempty"`
}

// BatchResult 批量响应载荷
// @Description 批量响应结构
type BatchResult struct {
	// 条目结果，与输入等长同序
	Results []BatchItemResult `json:"results"`
	// 总条目数
	Total int `json:"total"`
	// 成功条目数
	Succeeded int `json:"succeeded"`
	// 失败条目数
	Failed int `json:"failed"`
	// 处理耗时（毫秒）
	ProcessingTimeMs int64 `json:"processing_time_ms"`
}

// HandleBatch 处理批量请求
// @Summary 批量任务
// @Description 按优先级批量处理异构任务，输出顺序与输入一致，单条失败不影响其它条目
// @Accept json
// @Produce json
// @Param request body api.BatchRequest true "批量请求"
// @Success 200 {object} Response "批量响应"
// @Failure 400 {object} Response "无效请求"
// @Failure 429 {object} Response "超过条目上限"
// @Router /batch [post]
func (h *BatchHandler) HandleBatch(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.BatchRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	if len(req.Requests) == 0 {
		WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrValidation,
			"batch must contain at least one item", h.logger)
		return
	}

	// DTO 畸形的条目不整体拒绝，也不占用 worker：转换失败直接写入
	// 该条目的终态，只有转换成功的条目进入调度器
	items := make([]batch.Item, 0, len(req.Requests))
	origIndex := make([]int, 0, len(req.Requests))
	conversionErrs := make(map[int]*types.Error, 0)
	for i := range req.Requests {
		taskReq, err := req.Requests[i].ToTaskRequest()
		if err != nil {
			conversionErrs[i] = asErrorInfoError(err)
			continue
		}
		items = append(items, batch.Item{Request: taskReq, Priority: req.Requests[i].Priority})
		origIndex = append(origIndex, i)
	}

	start := time.Now()
	var results []batch.ItemResult
	if len(items) > 0 {
		var err error
		results, err = h.scheduler.Process(r.Context(), items, req.Priority)
		if err != nil {
			WriteError(w, r, err, h.logger)
			return
		}
	}
	duration := time.Since(start)

	out := BatchResult{
		Results:          make([]BatchItemResult, len(req.Requests)),
		Total:            len(req.Requests),
		ProcessingTimeMs: duration.Milliseconds(),
	}
	for i, convErr := range conversionErrs {
		out.Results[i] = BatchItemResult{Index: i, Error: errorInfo(convErr)}
		out.Failed++
	}
	for pos, res := range results {
		i := origIndex[pos]
		if !res.Success {
			out.Results[i] = BatchItemResult{Index: i, Error: errorInfo(res.Error)}
			out.Failed++
			continue
		}
		out.Results[i] = BatchItemResult{
			Index:   i,
			Success: true,
			Result: &TaskResult{
				GeneratedText: res.Response.GeneratedText,
				Entities:      res.Response.Entities,
				TokensUsed:    res.Response.TokensUsed,
				Model:         res.Response.Model,
				Backend:       res.Response.Backend,
				Cached:        res.Response.Cached,
			},
		}
		out.Succeeded++
	}

	h.logger.Info("批量完成",
		zap.Int("total", out.Total),
		zap.Int("succeeded", out.Succeeded),
		zap.Int("failed", out.Failed),
		zap.Duration("duration", duration),
	)

	WriteSuccess(w, r, &out)
}

func errorInfo(err *types.Error) *ErrorInfo {
	if err == nil {
		return &ErrorInfo{Code: string(types.ErrInternal), Message: "unknown error"}
	}
	return &ErrorInfo{
		Code:      string(err.Code),
		Message:   err.Message,
		Backend:   err.Backend,
		Retryable: err.Retryable,
	}
}

func asErrorInfoError(err error) *types.Error {
	if typed, ok := err.(*types.Error); ok {
		return typed
	}
	return types.NewError(types.ErrValidation, err.Error())
}
