package cache

import (
	"context"
	"errors"
	"time"

	"github.com/BaSui01/nlpgate/types"
)

var (
	// ErrNoClaim 在没有未决 claim 的指纹上调用 Publish/Fail 时返回
	ErrNoClaim = errors.New("no pending claim for fingerprint")
	// ErrClosed store 已关闭
	ErrClosed = errors.New("cache store is closed")
)

// Entry 缓存条目，写入后不可变
type Entry struct {
	Response  *types.TaskResponse `json:"response"`
	CreatedAt time.Time           `json:"created_at"`
	ExpiresAt time.Time           `json:"expires_at"`
}

// Expired 报告条目在给定时刻是否已过期
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Outcome 一次计算的终态，成功与失败互斥
type Outcome struct {
	Response *types.TaskResponse
	Err      error
}

// Role claim 调用方的角色
type Role int

const (
	// Owner 调用方获得计算权，必须以 Publish 或 Fail 收尾
	Owner Role = iota
	// Waiter 已有同指纹计算在途，调用方通过 Wait 等待其终态
	Waiter
)

// Claim 一次 claim 调用的结果
type Claim struct {
	Role Role
	wait <-chan Outcome
}

// Wait 返回终态通道，仅 Waiter 角色有效。
// 通道恰好投递一个 Outcome 后关闭，所有 waiter 收到相同终态。
func (c *Claim) Wait() <-chan Outcome {
	return c.wait
}

// Store 是网关唯一的共享可变结构。
// Claim 必须具备 compare-and-set 语义：任一时刻每个指纹至多存在一个
// Owner，这是"同指纹至多一次并发后端调用"不变式的全部依据。
type Store interface {
	// Get 读取缓存条目，过期视为不存在
	Get(ctx context.Context, fingerprint string) (*Entry, bool, error)

	// Claim 原子地获取指纹的计算权或订阅在途计算
	Claim(ctx context.Context, fingerprint string) (*Claim, error)

	// Publish 写入缓存条目，释放 claim 并以相同响应唤醒全部 waiter
	Publish(ctx context.Context, fingerprint string, resp *types.TaskResponse, ttl time.Duration) error

	// Fail 释放 claim 而不写缓存，以相同错误唤醒全部 waiter。
	// 失败的计算不缓存，后续新请求可以重试。
	Fail(ctx context.Context, fingerprint string, cause error) error

	// Clear 清空全部缓存条目（不影响在途 claim）
	Clear(ctx context.Context) error

	// Close 释放资源
	Close() error
}
