package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/nlpgate/internal/retry"
	"github.com/BaSui01/nlpgate/types"
)

// NERConfig NER 后端配置
type NERConfig struct {
	BaseURL string        `yaml:"base_url" json:"base_url"`
	Model   string        `yaml:"model" json:"model"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// DefaultNERConfig 返回默认 NER 后端配置
func DefaultNERConfig() NERConfig {
	return NERConfig{
		BaseURL: "http://localhost:8080",
		Model:   "ner",
		Timeout: 10 * time.Second,
	}
}

// NERClient TorchServe 风格 NER 后端的无状态适配器
// 请求经 POST /predictions/{model} 发送，响应为实体列表。
type NERClient struct {
	cfg      NERConfig
	client   *http.Client
	retryer  retry.Retryer
	observer Observer
	logger   *zap.Logger
}

// NewNERClient 创建 NER 后端客户端
func NewNERClient(cfg NERConfig, observer Observer, logger *zap.Logger) *NERClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Model == "" {
		cfg.Model = "ner"
	}
	if observer == nil {
		observer = nopObserver{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	policy := retry.DefaultPolicy()
	policy.Retryable = retryableError

	return &NERClient{
		cfg:      cfg,
		client:   &http.Client{},
		retryer:  retry.NewBackoffRetryer(policy, logger),
		observer: observer,
		logger:   logger.With(zap.String("backend", "ner")),
	}
}

// Name 实现 Backend.Name
func (c *NERClient) Name() string { return "ner" }

// nerRequest TorchServe 预测请求体
type nerRequest struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

// Call 实现 Backend.Call
// NER 是纯函数式调用，始终允许有界重试。
func (c *NERClient) Call(ctx context.Context, req *types.TaskRequest) (*types.TaskResponse, error) {
	var resp *types.TaskResponse
	err := c.retryer.Do(ctx, func() error {
		r, err := c.doCall(ctx, req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *NERClient) doCall(ctx context.Context, req *types.TaskRequest) (*types.TaskResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	payload, err := json.Marshal(nerRequest{Text: req.Text, Language: req.TargetLanguage})
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "failed to marshal request").WithCause(err)
	}

	url := endpoint(c.cfg.BaseURL, "/predictions/"+c.cfg.Model)
	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "failed to create request").WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

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

	entities, err := decodeEntities(httpResp.Body)
	if err != nil {
		perr := invalidResponseError(err, c.Name())
		c.observer.Observe(c.Name(), latency, perr)
		return nil, perr
	}

	c.observer.Observe(c.Name(), latency, nil)

	return &types.TaskResponse{
		TaskType: types.TaskNER,
		Entities: entities,
		Model:    c.cfg.Model,
		Backend:  c.Name(),
	}, nil
}

// decodeEntities 解析实体列表
// TorchServe handler 可能返回裸数组或 {"entities": [...]} 包装，两者都接受。
func decodeEntities(r io.Reader) ([]types.Entity, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, err
	}

	var entities []types.Entity
	if err := json.Unmarshal(raw, &entities); err == nil {
		return entities, nil
	}

	var wrapped struct {
		Entities []types.Entity `json:"entities"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Entities, nil
}

// HealthCheck 实现 Backend.HealthCheck
// TorchServe 暴露 GET /ping 作为存活探针。
func (c *NERClient) HealthCheck(ctx context.Context) (*HealthStatus, error) {
	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint(c.cfg.BaseURL, "/ping"), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return &HealthStatus{Healthy: false, Latency: latency}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &HealthStatus{Healthy: false, Latency: latency},
			fmt.Errorf("ner health check failed: status=%d", resp.StatusCode)
	}
	return &HealthStatus{Healthy: true, Latency: latency}, nil
}
