package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"

	"github.com/BaSui01/nlpgate/internal/retry"
	"github.com/BaSui01/nlpgate/types"
)

// GenerationConfig 生成后端配置
type GenerationConfig struct {
	BaseURL string        `yaml:"base_url" json:"base_url"`
	Model   string        `yaml:"model" json:"model"`
	APIKey  string        `yaml:"api_key" json:"api_key"`
	// Timeout 生成族任务超时；生成可能耗时数十秒
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// ClassifyTimeout 分类任务输出短，单独给较紧的超时
	ClassifyTimeout time.Duration `yaml:"classify_timeout" json:"classify_timeout"`
}

// DefaultGenerationConfig 返回默认生成后端配置
func DefaultGenerationConfig() GenerationConfig {
	return GenerationConfig{
		BaseURL:         "http://localhost:8000",
		Model:           "mistral",
		Timeout:         60 * time.Second,
		ClassifyTimeout: 15 * time.Second,
	}
}

// GenerationClient OpenAI 兼容生成后端（vLLM / Mistral）的无状态适配器
// 所有生成族任务（generate / qa / summarize / translate / classify）经
// /v1/chat/completions 调用，按任务类型构造指令消息。
type GenerationClient struct {
	cfg      GenerationConfig
	client   *http.Client
	retryer  retry.Retryer
	observer Observer
	logger   *zap.Logger
}

// NewGenerationClient 创建生成后端客户端
func NewGenerationClient(cfg GenerationConfig, observer Observer, logger *zap.Logger) *GenerationClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.ClassifyTimeout <= 0 {
		cfg.ClassifyTimeout = 15 * time.Second
	}
	if observer == nil {
		observer = nopObserver{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	policy := retry.DefaultPolicy()
	policy.Retryable = retryableError

	return &GenerationClient{
		cfg:      cfg,
		client:   &http.Client{},
		retryer:  retry.NewBackoffRetryer(policy, logger),
		observer: observer,
		logger:   logger.With(zap.String("backend", "generation")),
	}
}

// Name 实现 Backend.Name
func (c *GenerationClient) Name() string { return "generation" }

// chatMessage OpenAI 兼容消息
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatRequest OpenAI 兼容请求体
type chatRequest struct {
	Model             string        `json:"model"`
	Messages          []chatMessage `json:"messages"`
	MaxTokens         int           `json:"max_tokens,omitempty"`
	Temperature       float64       `json:"temperature,omitempty"`
	TopP              float64       `json:"top_p,omitempty"`
	TopK              int           `json:"top_k,omitempty"`
	RepetitionPenalty float64       `json:"repetition_penalty,omitempty"`
	Stream            bool          `json:"stream"`
}

// chatResponse OpenAI 兼容响应体
type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Call 实现 Backend.Call
func (c *GenerationClient) Call(ctx context.Context, req *types.TaskRequest) (*types.TaskResponse, error) {
	var resp *types.TaskResponse

	do := func() error {
		r, err := c.doCall(ctx, req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}

	var err error
	if idempotent(req) {
		err = c.retryer.Do(ctx, do)
	} else {
		err = do()
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// doCall 单次后端调用，结果无条件上报 observer
func (c *GenerationClient) doCall(ctx context.Context, req *types.TaskRequest) (*types.TaskResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.taskTimeout(req.TaskType))
	defer cancel()

	body := chatRequest{
		Model:             c.cfg.Model,
		Messages:          buildMessages(req),
		MaxTokens:         req.Params.MaxTokens,
		Temperature:       req.Params.Temperature,
		TopP:              req.Params.TopP,
		TopK:              req.Params.TopK,
		RepetitionPenalty: req.Params.RepetitionPenalty,
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "failed to marshal request").WithCause(err)
	}

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, endpoint(c.cfg.BaseURL, "/v1/chat/completions"), bytes.NewReader(payload))
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "failed to create request").WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()
	httpResp, err := c.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		perr := mapTransportError(err, c.Name())
		c.observer.Observe(c.Name(), latency, perr)
		return nil, perr
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		perr := mapHTTPError(httpResp.StatusCode, readErrorMessage(httpResp.Body), c.Name())
		c.observer.Observe(c.Name(), latency, perr)
		return nil, perr
	}

	var chatResp chatResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&chatResp); err != nil {
		perr := invalidResponseError(err, c.Name())
		c.observer.Observe(c.Name(), latency, perr)
		return nil, perr
	}
	if len(chatResp.Choices) == 0 {
		perr := invalidResponseError(fmt.Errorf("no choices in response"), c.Name())
		c.observer.Observe(c.Name(), latency, perr)
		return nil, perr
	}

	c.observer.Observe(c.Name(), latency, nil)

	generated := chatResp.Choices[0].Message.Content
	tokens := chatResp.Usage.TotalTokens
	if tokens == 0 {
		// 部分 vLLM 部署不回报 usage，用 tokenizer 估算补齐
		tokens = estimateTokens(req.Text) + estimateTokens(generated)
	}
	model := chatResp.Model
	if model == "" {
		model = c.cfg.Model
	}

	return &types.TaskResponse{
		TaskType:      req.TaskType,
		GeneratedText: generated,
		TokensUsed:    tokens,
		Model:         model,
		Backend:       c.Name(),
	}, nil
}

// HealthCheck 实现 Backend.HealthCheck
func (c *GenerationClient) HealthCheck(ctx context.Context) (*HealthStatus, error) {
	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint(c.cfg.BaseURL, "/v1/models"), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return &HealthStatus{Healthy: false, Latency: latency}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &HealthStatus{Healthy: false, Latency: latency},
			fmt.Errorf("generation health check failed: status=%d", resp.StatusCode)
	}
	return &HealthStatus{Healthy: true, Latency: latency}, nil
}

// taskTimeout 按任务类型返回超时
func (c *GenerationClient) taskTimeout(t types.TaskType) time.Duration {
	if t == types.TaskClassify {
		return c.cfg.ClassifyTimeout
	}
	return c.cfg.Timeout
}

// buildMessages 按任务类型构造指令消息
func buildMessages(req *types.TaskRequest) []chatMessage {
	switch req.TaskType {
	case types.TaskQA:
		content := "Question: " + req.Text
		if req.Context != "" {
			content = "Context:\n" + req.Context + "\n\n" + content
		}
		return []chatMessage{
			{Role: "system", Content: "Answer the question concisely based on the given context."},
			{Role: "user", Content: content},
		}
	case types.TaskSummarize:
		return []chatMessage{
			{Role: "system", Content: "Summarize the following text."},
			{Role: "user", Content: req.Text},
		}
	case types.TaskTranslate:
		return []chatMessage{
			{Role: "system", Content: fmt.Sprintf("Translate the following text into %s. Reply with the translation only.", req.TargetLanguage)},
			{Role: "user", Content: req.Text},
		}
	case types.TaskClassify:
		instruction := "Classify the following text."
		if len(req.Categories) > 0 {
			instruction = fmt.Sprintf("Classify the following text into one of these categories: %s. Reply with the category only.",
				strings.Join(req.Categories, ", "))
		}
		return []chatMessage{
			{Role: "system", Content: instruction},
			{Role: "user", Content: req.Text},
		}
	default:
		return []chatMessage{{Role: "user", Content: req.Text}}
	}
}

// tokenizer 懒加载，失败时退化为字符估算
var (
	encOnce sync.Once
	encoder *tiktoken.Tiktoken
)

func estimateTokens(text string) int {
	encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoder = enc
		}
	})
	if encoder == nil {
		return len([]rune(text))/4 + 1
	}
	return len(encoder.Encode(text, nil, nil))
}
