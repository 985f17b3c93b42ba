package types

import "time"

// TaskType 任务类型
type TaskType string

const (
	TaskGenerate  TaskType = "generate"
	TaskQA        TaskType = "qa"
	TaskSummarize TaskType = "summarize"
	TaskTranslate TaskType = "translate"
	TaskClassify  TaskType = "classify"
	TaskNER       TaskType = "ner"
)

// IsValid 检查任务类型是否合法
func (t TaskType) IsValid() bool {
	switch t {
	case TaskGenerate, TaskQA, TaskSummarize, TaskTranslate, TaskClassify, TaskNER:
		return true
	}
	return false
}

// GenerationFamily 报告该任务是否路由到生成后端。
// ner 以外的所有任务类型都由生成后端处理。
func (t TaskType) GenerationFamily() bool {
	return t != TaskNER
}

// 优先级常量（1=normal, 2=high, 3=urgent）
const (
	PriorityNormal = 1
	PriorityHigh   = 2
	PriorityUrgent = 3
)

// GenerationParams 生成参数
// 仅影响输出确定性的字段参与指纹计算
type GenerationParams struct {
	MaxTokens         int     `json:"max_tokens,omitempty"`
	Temperature       float64 `json:"temperature,omitempty"`
	TopP              float64 `json:"top_p,omitempty"`
	TopK              int     `json:"top_k,omitempty"`
	RepetitionPenalty float64 `json:"repetition_penalty,omitempty"`
}

// DefaultGenerationParams 返回生成任务的默认参数
func DefaultGenerationParams() GenerationParams {
	return GenerationParams{
		MaxTokens:         512,
		Temperature:       0.7,
		TopP:              0.9,
		TopK:              50,
		RepetitionPenalty: 1.1,
	}
}

// TaskRequest 一次 NLP 任务请求。创建后不可变。
type TaskRequest struct {
	TaskType TaskType         `json:"task_type"`
	Text     string           `json:"text"`
	Context  string           `json:"context,omitempty"`
	// TargetLanguage 仅 translate 任务使用
	TargetLanguage string `json:"target_language,omitempty"`
	// Categories 仅 classify 任务使用
	Categories []string         `json:"categories,omitempty"`
	Params     GenerationParams `json:"parameters"`
	Priority   int              `json:"priority,omitempty"`
}

// Validate 校验请求的基本合法性
func (r *TaskRequest) Validate() error {
	if !r.TaskType.IsValid() {
		return NewError(ErrValidation, "unknown task_type: "+string(r.TaskType))
	}
	if r.Text == "" {
		return NewError(ErrValidation, "text is required")
	}
	if r.Priority < 0 || r.Priority > PriorityUrgent {
		return NewError(ErrValidation, "priority must be between 1 and 3")
	}
	return nil
}

// Entity NER 实体
type Entity struct {
	Text       string  `json:"text"`
	Label      string  `json:"label"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Confidence float64 `json:"confidence"`
}

// TaskResponse 任务响应
// 生成族任务填充 GeneratedText / TokensUsed / Model，
// NER 任务填充 Entities。
type TaskResponse struct {
	TaskType      TaskType `json:"task_type"`
	GeneratedText string   `json:"generated_text,omitempty"`
	Entities      []Entity `json:"entities,omitempty"`
	TokensUsed    int      `json:"tokens_used,omitempty"`
	Model         string   `json:"model,omitempty"`
	Backend       string   `json:"backend,omitempty"`
	// Cached 标记响应是否来自缓存（不参与缓存存储本身）
	Cached bool `json:"cached,omitempty"`
}

// BackendHealth 单个后端的健康视图
// 仅由 Health Aggregator 写入，其余组件只读。
type BackendHealth struct {
	Backend             string        `json:"backend"`
	Reachable           bool          `json:"reachable"`
	LastLatency         time.Duration `json:"last_latency"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastError           string        `json:"last_error,omitempty"`
	LastCheckedAt       time.Time     `json:"last_checked_at"`
}

// Degraded 报告该后端在给定阈值下是否视为降级
func (h BackendHealth) Degraded(threshold int) bool {
	return threshold > 0 && h.ConsecutiveFailures >= threshold
}
