package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/BaSui01/nlpgate/types"
)

// HealthStatus 一次健康探测的结果
type HealthStatus struct {
	Healthy bool
	Latency time.Duration
}

// Backend 后端模型服务的窄调用契约
// Call 自带超时与有界重试；每次尝试的延迟和结果都会上报 Observer。
type Backend interface {
	Name() string
	Call(ctx context.Context, req *types.TaskRequest) (*types.TaskResponse, error)
	HealthCheck(ctx context.Context) (*HealthStatus, error)
}

// Observer 接收每次后端调用的被动观测结果。
// 由 Health Aggregator 实现；客户端不关心其内部状态。
type Observer interface {
	Observe(backend string, latency time.Duration, err error)
}

// nopObserver 供未接入聚合器的场合使用
type nopObserver struct{}

func (nopObserver) Observe(string, time.Duration, error) {}

// mapHTTPError 将后端 HTTP 错误状态映射为结构化错误
func mapHTTPError(status int, msg, backend string) *types.Error {
	switch {
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return types.NewError(types.ErrBackendTimeout, msg).
			WithHTTPStatus(http.StatusGatewayTimeout).
			WithRetryable(true).
			WithBackend(backend)
	case status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable:
		return types.NewError(types.ErrBackendRejected, msg).
			WithHTTPStatus(http.StatusServiceUnavailable).
			WithRetryable(true).
			WithBackend(backend)
	default:
		return types.NewError(types.ErrBackendRejected, msg).
			WithHTTPStatus(http.StatusBadGateway).
			WithBackend(backend)
	}
}

// mapTransportError 将传输层错误映射为结构化错误
func mapTransportError(err error, backend string) *types.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewError(types.ErrBackendTimeout, "backend call timed out").
			WithCause(err).
			WithHTTPStatus(http.StatusGatewayTimeout).
			WithRetryable(true).
			WithBackend(backend)
	}
	var timeoutErr interface{ Timeout() bool }
	if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
		return types.NewError(types.ErrBackendTimeout, "backend call timed out").
			WithCause(err).
			WithHTTPStatus(http.StatusGatewayTimeout).
			WithRetryable(true).
			WithBackend(backend)
	}
	return types.NewError(types.ErrBackendUnreachable, "backend unreachable").
		WithCause(err).
		WithHTTPStatus(http.StatusBadGateway).
		WithRetryable(true).
		WithBackend(backend)
}

// invalidResponseError 后端返回了无法解析的内容
func invalidResponseError(err error, backend string) *types.Error {
	return types.NewError(types.ErrInvalidResponse, "malformed backend response").
		WithCause(err).
		WithHTTPStatus(http.StatusBadGateway).
		WithBackend(backend)
}

// readErrorMessage 从错误响应体提取摘要（截断保护）
func readErrorMessage(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(data) == 0 {
		return "backend returned an error"
	}
	return string(data)
}

// idempotent 报告任务类型是否可安全自动重试。
// NER 与分类是纯函数式调用；生成族仅在温度为 0（确定性采样）时重试，
// 其余情况重复调用可能产生不同输出，交由调用方决定。
func idempotent(req *types.TaskRequest) bool {
	switch req.TaskType {
	case types.TaskNER, types.TaskClassify:
		return true
	default:
		return req.Params.Temperature == 0
	}
}

// retryableError 重试过滤器：仅传输失败与超时值得重试
func retryableError(err error) bool {
	switch types.GetErrorCode(err) {
	case types.ErrBackendUnreachable, types.ErrBackendTimeout:
		return true
	}
	return false
}

// endpoint 拼接完整 URL
func endpoint(baseURL, path string) string {
	for len(baseURL) > 0 && baseURL[len(baseURL)-1] == '/' {
		baseURL = baseURL[:len(baseURL)-1]
	}
	return fmt.Sprintf("%s%s", baseURL, path)
}
