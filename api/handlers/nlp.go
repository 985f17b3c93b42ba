package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/nlpgate/api"
	"github.com/BaSui01/nlpgate/dispatch"
	"github.com/BaSui01/nlpgate/types"
)

// =============================================================================
// 🧠 NLP 任务接口 Handler
// =============================================================================

// taskDTO 各任务请求 DTO 的公共转换契约
type taskDTO interface {
	ToTaskRequest() (*types.TaskRequest, error)
}

// NLPHandler NLP 任务接口处理器
// 每个端点解码各自的 DTO，转换为统一任务请求后交给调度器。
type NLPHandler struct {
	dispatcher *dispatch.Dispatcher
	logger     *zap.Logger
}

// NewNLPHandler 创建 NLP 任务处理器
func NewNLPHandler(dispatcher *dispatch.Dispatcher, logger *zap.Logger) *NLPHandler {
	return &NLPHandler{
		dispatcher: dispatcher,
		logger:     logger.With(zap.String("component", "nlp_handler")),
	}
}

// TaskResult 单任务响应载荷
// @Description 任务响应结构
type TaskResult struct {
	// 生成的文本（生成族任务）
	GeneratedText string `json:"generated_text,omitempty"`
	// 识别出的实体（NER 任务）
	Entities []types.Entity `json:"entities,omitempty"`
	// 消耗的 token 数
	TokensUsed int `json:"tokens_used,omitempty"`
	// 使用的模型
	Model string `json:"model,omitempty"`
	// 处理请求的后端
	Backend string `json:"backend,omitempty"`
	// 是否命中缓存
	Cached bool `json:"cached"`
	// 处理耗时（毫秒）
	ProcessingTimeMs int64 `json:"processing_time_ms"`
}

// HandleGenerate 处理文本生成请求
// @Summary 文本生成
// @Accept json
// @Produce json
// @Param request body api.GenerateRequest true "生成请求"
// @Success 200 {object} Response "生成响应"
// @Failure 400 {object} Response "无效请求"
// @Router /generate [post]
func (h *NLPHandler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	h.handleTask(w, r, &api.GenerateRequest{})
}

// HandleQA 处理问答请求
// @Summary 问答
// @Accept json
// @Produce json
// @Param request body api.QARequest true "问答请求"
// @Success 200 {object} Response "问答响应"
// @Router /question-answering [post]
func (h *NLPHandler) HandleQA(w http.ResponseWriter, r *http.Request) {
	h.handleTask(w, r, &api.QARequest{})
}

// HandleSummarize 处理摘要请求
// @Summary 文本摘要
// @Accept json
// @Produce json
// @Param request body api.SummarizeRequest true "摘要请求"
// @Success 200 {object} Response "摘要响应"
// @Router /summarize [post]
func (h *NLPHandler) HandleSummarize(w http.ResponseWriter, r *http.Request) {
	h.handleTask(w, r, &api.SummarizeRequest{})
}

// HandleTranslate 处理翻译请求
// @Summary 文本翻译
// @Accept json
// @Produce json
// @Param request body api.TranslateRequest true "翻译请求"
// @Success 200 {object} Response "翻译响应"
// @Router /translate [post]
func (h *NLPHandler) HandleTranslate(w http.ResponseWriter, r *http.Request) {
	h.handleTask(w, r, &api.TranslateRequest{})
}

// HandleClassify 处理分类请求
// @Summary 文本分类
// @Accept json
// @Produce json
// @Param request body api.ClassifyRequest true "分类请求"
// @Success 200 {object} Response "分类响应"
// @Router /classify [post]
func (h *NLPHandler) HandleClassify(w http.ResponseWriter, r *http.Request) {
	h.handleTask(w, r, &api.ClassifyRequest{})
}

// HandleNER 处理实体识别请求
// @Summary 命名实体识别
// @Accept json
// @Produce json
// @Param request body api.NERRequest true "实体识别请求"
// @Success 200 {object} Response "实体列表"
// @Router /nlp/ner [post]
func (h *NLPHandler) HandleNER(w http.ResponseWriter, r *http.Request) {
	h.handleTask(w, r, &api.NERRequest{})
}

// handleTask 所有单任务端点的公共路径
func (h *NLPHandler) handleTask(w http.ResponseWriter, r *http.Request, dto taskDTO) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	if err := DecodeJSONBody(w, r, dto, h.logger); err != nil {
		return
	}

	taskReq, err := dto.ToTaskRequest()
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}

	start := time.Now()
	resp, err := h.dispatcher.Handle(r.Context(), taskReq)
	duration := time.Since(start)

	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}

	h.logger.Info("任务完成",
		zap.String("task_type", string(taskReq.TaskType)),
		zap.String("backend", resp.Backend),
		zap.Bool("cached", resp.Cached),
		zap.Int("tokens_used", resp.TokensUsed),
		zap.Duration("duration", duration),
	)

	WriteSuccess(w, r, &TaskResult{
		GeneratedText:    resp.GeneratedText,
		Entities:         resp.Entities,
		TokensUsed:       resp.TokensUsed,
		Model:            resp.Model,
		Backend:          resp.Backend,
		Cached:           resp.Cached,
		ProcessingTimeMs: duration.Milliseconds(),
	})
}
