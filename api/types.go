package api

import (
	"fmt"
	"strings"

	"github.com/BaSui01/nlpgate/types"
)

// =============================================================================
// 任务请求类型
// =============================================================================

// GenerateRequest 文本生成请求。
// @Description 文本生成请求结构
type GenerateRequest struct {
	// 输入文本（prompt）
	Text string `json:"text" binding:"required"`
	// 生成的最大 token 数（1-2048）
	MaxTokens int `json:"max_tokens,omitempty" example:"512"`
	// 采样温度（0.1-2.0）
	Temperature float64 `json:"temperature,omitempty" example:"0.7"`
	// 核采样参数（0.1-1.0）
	TopP float64 `json:"top_p,omitempty" example:"0.9"`
	// Top-K 采样（1-100）
	TopK int `json:"top_k,omitempty" example:"50"`
	// 重复惩罚（1.0-2.0）
	RepetitionPenalty float64 `json:"repetition_penalty,omitempty" example:"1.1"`
	// 优先级（1-3）
	Priority int `json:"priority,omitempty" example:"1"`
}

// QARequest 抽取式问答请求。
// @Description 问答请求结构
type QARequest struct {
	// 问题
	Question string `json:"question" binding:"required"`
	// 上下文段落
	Context string `json:"context,omitempty"`
	// 生成的最大 token 数
	MaxTokens int `json:"max_tokens,omitempty" example:"300"`
	// 采样温度
	Temperature float64 `json:"temperature,omitempty" example:"0.5"`
	// 优先级（1-3）
	Priority int `json:"priority,omitempty"`
}

// SummarizeRequest 摘要请求。
// @Description 摘要请求结构
type SummarizeRequest struct {
	// 待摘要的文本
	Text string `json:"text" binding:"required"`
	// 摘要最大长度（50-500）
	MaxLength int `json:"max_length,omitempty" example:"150"`
	// 采样温度
	Temperature float64 `json:"temperature,omitempty" example:"0.3"`
	// 优先级（1-3）
	Priority int `json:"priority,omitempty"`
}

// TranslateRequest 翻译请求。
// @Description 翻译请求结构
type TranslateRequest struct {
	// 待翻译的文本
	Text string `json:"text" binding:"required"`
	// 目标语言
	TargetLanguage string `json:"target_language,omitempty" example:"français"`
	// 优先级（1-3）
	Priority int `json:"priority,omitempty"`
}

// ClassifyRequest 文本分类请求。
// @Description 分类请求结构
type ClassifyRequest struct {
	// 待分类的文本
	Text string `json:"text" binding:"required"`
	// 候选类别（可选；为空时自由分类）
	Categories []string `json:"categories,omitempty"`
	// 优先级（1-3）
	Priority int `json:"priority,omitempty"`
}

// NERRequest 实体识别请求。
// @Description 实体识别请求结构
type NERRequest struct {
	// 待识别的文本
	Text string `json:"text" binding:"required"`
	// 语言提示（可选）
	Language string `json:"language,omitempty" example:"fr"`
	// 优先级（1-3）
	Priority int `json:"priority,omitempty"`
}

// BatchItemRequest 批量请求中的单个条目。
// @Description 批量条目结构
type BatchItemRequest struct {
	// 任务类型
	TaskType string `json:"task_type" binding:"required"`
	// 输入文本
	Text string `json:"text" binding:"required"`
	// 上下文（问答任务）
	Context string `json:"context,omitempty"`
	// 目标语言（翻译任务）
	TargetLanguage string `json:"target_language,omitempty"`
	// 候选类别（分类任务）
	Categories []string `json:"categories,omitempty"`
	// 生成参数
	Parameters *GenerationParameters `json:"parameters,omitempty"`
	// 条目级优先级覆盖（1-3）
	Priority int `json:"priority,omitempty"`
}

// GenerationParameters 生成参数。
// @Description 生成参数结构
type GenerationParameters struct {
	MaxTokens         int     `json:"max_tokens,omitempty"`
	Temperature       float64 `json:"temperature,omitempty"`
	TopP              float64 `json:"top_p,omitempty"`
	TopK              int     `json:"top_k,omitempty"`
	RepetitionPenalty float64 `json:"repetition_penalty,omitempty"`
}

// BatchRequest 批量请求。
// @Description 批量请求结构
type BatchRequest struct {
	// 条目列表
	Requests []BatchItemRequest `json:"requests" binding:"required"`
	// 批级优先级（1-3）
	Priority int `json:"priority,omitempty" example:"1"`
}

// =============================================================================
// 参数边界
// =============================================================================

const (
	// MaxTextLength 单条输入文本的长度上限（字符）
	MaxTextLength = 32768

	minTokens = 1
	maxTokens = 2048

	minTemperature = 0.1
	maxTemperature = 2.0

	minTopP = 0.1
	maxTopP = 1.0

	minTopK = 1
	maxTopK = 100

	minRepetitionPenalty = 1.0
	maxRepetitionPenalty = 2.0

	minSummaryLength = 50
	maxSummaryLength = 500

	// DefaultQAMaxTokens 问答任务的默认生成上限
	DefaultQAMaxTokens = 300
	// DefaultClassifyMaxTokens 分类任务的输出只有类别名
	DefaultClassifyMaxTokens = 100
	// DefaultSummaryLength 摘要默认最大长度
	DefaultSummaryLength = 150
	// DefaultTargetLanguage 翻译默认目标语言
	DefaultTargetLanguage = "français"
)

// =============================================================================
// DTO → 任务请求转换
// =============================================================================

// ToTaskRequest 把生成请求转换为任务请求，填充默认值并校验边界
func (r *GenerateRequest) ToTaskRequest() (*types.TaskRequest, error) {
	params := types.DefaultGenerationParams()
	if r.MaxTokens != 0 {
		params.MaxTokens = r.MaxTokens
	}
	if r.Temperature != 0 {
		params.Temperature = r.Temperature
	}
	if r.TopP != 0 {
		params.TopP = r.TopP
	}
	if r.TopK != 0 {
		params.TopK = r.TopK
	}
	if r.RepetitionPenalty != 0 {
		params.RepetitionPenalty = r.RepetitionPenalty
	}
	if err := validateParams(params); err != nil {
		return nil, err
	}
	if err := validateText(r.Text); err != nil {
		return nil, err
	}
	return &types.TaskRequest{
		TaskType: types.TaskGenerate,
		Text:     r.Text,
		Params:   params,
		Priority: normalizePriority(r.Priority),
	}, nil
}

// ToTaskRequest 把问答请求转换为任务请求
func (r *QARequest) ToTaskRequest() (*types.TaskRequest, error) {
	if err := validateText(r.Question); err != nil {
		return nil, types.NewError(types.ErrValidation, "question is required")
	}
	params := types.DefaultGenerationParams()
	params.MaxTokens = DefaultQAMaxTokens
	params.Temperature = 0.5
	if r.MaxTokens != 0 {
		params.MaxTokens = r.MaxTokens
	}
	if r.Temperature != 0 {
		params.Temperature = r.Temperature
	}
	if err := validateParams(params); err != nil {
		return nil, err
	}
	return &types.TaskRequest{
		TaskType: types.TaskQA,
		Text:     r.Question,
		Context:  r.Context,
		Params:   params,
		Priority: normalizePriority(r.Priority),
	}, nil
}

// ToTaskRequest 把摘要请求转换为任务请求
func (r *SummarizeRequest) ToTaskRequest() (*types.TaskRequest, error) {
	if err := validateText(r.Text); err != nil {
		return nil, err
	}
	maxLength := DefaultSummaryLength
	if r.MaxLength != 0 {
		maxLength = r.MaxLength
	}
	if maxLength < minSummaryLength || maxLength > maxSummaryLength {
		return nil, types.NewError(types.ErrValidation,
			fmt.Sprintf("max_length must be between %d and %d", minSummaryLength, maxSummaryLength))
	}
	params := types.DefaultGenerationParams()
	params.MaxTokens = maxLength
	params.Temperature = 0.3
	if r.Temperature != 0 {
		params.Temperature = r.Temperature
	}
	if err := validateParams(params); err != nil {
		return nil, err
	}
	return &types.TaskRequest{
		TaskType: types.TaskSummarize,
		Text:     r.Text,
		Params:   params,
		Priority: normalizePriority(r.Priority),
	}, nil
}

// ToTaskRequest 把翻译请求转换为任务请求
func (r *TranslateRequest) ToTaskRequest() (*types.TaskRequest, error) {
	if err := validateText(r.Text); err != nil {
		return nil, err
	}
	target := strings.TrimSpace(r.TargetLanguage)
	if target == "" {
		target = DefaultTargetLanguage
	}
	params := types.DefaultGenerationParams()
	params.Temperature = 0.3
	return &types.TaskRequest{
		TaskType:       types.TaskTranslate,
		Text:           r.Text,
		TargetLanguage: target,
		Params:         params,
		Priority:       normalizePriority(r.Priority),
	}, nil
}

// ToTaskRequest 把分类请求转换为任务请求
func (r *ClassifyRequest) ToTaskRequest() (*types.TaskRequest, error) {
	if err := validateText(r.Text); err != nil {
		return nil, err
	}
	params := types.DefaultGenerationParams()
	params.MaxTokens = DefaultClassifyMaxTokens
	params.Temperature = 0.1
	return &types.TaskRequest{
		TaskType:   types.TaskClassify,
		Text:       r.Text,
		Categories: r.Categories,
		Params:     params,
		Priority:   normalizePriority(r.Priority),
	}, nil
}

// ToTaskRequest 把实体识别请求转换为任务请求
func (r *NERRequest) ToTaskRequest() (*types.TaskRequest, error) {
	if err := validateText(r.Text); err != nil {
		return nil, err
	}
	return &types.TaskRequest{
		TaskType:       types.TaskNER,
		Text:           r.Text,
		TargetLanguage: r.Language,
		Priority:       normalizePriority(r.Priority),
	}, nil
}

// ToTaskRequest 把批量条目转换为任务请求
func (r *BatchItemRequest) ToTaskRequest() (*types.TaskRequest, error) {
	taskType := types.TaskType(r.TaskType)
	if !taskType.IsValid() {
		return nil, types.NewError(types.ErrValidation, "unknown task_type: "+r.TaskType)
	}
	if err := validateText(r.Text); err != nil {
		return nil, err
	}

	req := &types.TaskRequest{
		TaskType:       taskType,
		Text:           r.Text,
		Context:        r.Context,
		TargetLanguage: r.TargetLanguage,
		Categories:     r.Categories,
		Priority:       normalizePriority(r.Priority),
	}

	if taskType.GenerationFamily() {
		params := types.DefaultGenerationParams()
		if p := r.Parameters; p != nil {
			if p.MaxTokens != 0 {
				params.MaxTokens = p.MaxTokens
			}
			if p.Temperature != 0 {
				params.Temperature = p.Temperature
			}
			if p.TopP != 0 {
				params.TopP = p.TopP
			}
			if p.TopK != 0 {
				params.TopK = p.TopK
			}
			if p.RepetitionPenalty != 0 {
				params.RepetitionPenalty = p.RepetitionPenalty
			}
		}
		if err := validateParams(params); err != nil {
			return nil, err
		}
		req.Params = params

		if taskType == types.TaskTranslate && strings.TrimSpace(req.TargetLanguage) == "" {
			req.TargetLanguage = DefaultTargetLanguage
		}
	}

	return req, nil
}

// =============================================================================
// 校验辅助
// =============================================================================

func validateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return types.NewError(types.ErrValidation, "text is required")
	}
	if len(text) > MaxTextLength {
		return types.NewError(types.ErrValidation,
			fmt.Sprintf("text exceeds maximum length of %d characters", MaxTextLength))
	}
	return nil
}

func validateParams(p types.GenerationParams) error {
	if p.MaxTokens < minTokens || p.MaxTokens > maxTokens {
		return types.NewError(types.ErrValidation,
			fmt.Sprintf("max_tokens must be between %d and %d", minTokens, maxTokens))
	}
	if p.Temperature < minTemperature || p.Temperature > maxTemperature {
		return types.NewError(types.ErrValidation,
			fmt.Sprintf("temperature must be between %g and %g", minTemperature, maxTemperature))
	}
	if p.TopP < minTopP || p.TopP > maxTopP {
		return types.NewError(types.ErrValidation,
			fmt.Sprintf("top_p must be between %g and %g", minTopP, maxTopP))
	}
	if p.TopK < minTopK || p.TopK > maxTopK {
		return types.NewError(types.ErrValidation,
			fmt.Sprintf("top_k must be between %d and %d", minTopK, maxTopK))
	}
	if p.RepetitionPenalty < minRepetitionPenalty || p.RepetitionPenalty > maxRepetitionPenalty {
		return types.NewError(types.ErrValidation,
			fmt.Sprintf("repetition_penalty must be between %g and %g", minRepetitionPenalty, maxRepetitionPenalty))
	}
	return nil
}

// normalizePriority 缺省优先级归一到 normal
func normalizePriority(p int) int {
	if p == 0 {
		return types.PriorityNormal
	}
	return p
}
