package batch

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/BaSui01/nlpgate/internal/metrics"
	"github.com/BaSui01/nlpgate/types"
)

// Handler executes a single task request. Satisfied by dispatch.Dispatcher,
// so batch items flow through the same cache/coalescing path as single calls.
type Handler interface {
	Handle(ctx context.Context, req *types.TaskRequest) (*types.TaskResponse, error)
}

// Item wraps a TaskRequest with an optional per-item priority override.
type Item struct {
	Request *types.TaskRequest
	// Priority overrides the batch-level priority when non-zero.
	Priority int
}

// ItemResult is the outcome of one batch item, tagged with its original
// position so callers can rely on output order matching input order.
type ItemResult struct {
	Index    int                 `json:"index"`
	Success  bool                `json:"success"`
	Response *types.TaskResponse `json:"response,omitempty"`
	Error    *types.Error        `json:"error,omitempty"`
}

// Stats holds scheduler lifetime counters.
type Stats struct {
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Config 批量调度器配置
type Config struct {
	// MaxWorkers 并发上限，全局共享
	MaxWorkers int `yaml:"max_workers" json:"max_workers"`
	// MaxItems 单批条目上限
	MaxItems int `yaml:"max_items" json:"max_items"`
}

// DefaultConfig 返回默认批量调度器配置
func DefaultConfig() Config {
	return Config{
		MaxWorkers: 10,
		MaxItems:   100,
	}
}

// job 入队的一个批量条目
type job struct {
	ctx      context.Context
	req      *types.TaskRequest
	priority int
	// seq 全局提交序号，同优先级下 FIFO 裁决
	seq     uint64
	index   int
	results []ItemResult
	wg      *sync.WaitGroup
}

// jobQueue container/heap 实现：优先级降序，提交序号升序。
// 显式比较器，不依赖入堆顺序。
type jobQueue []*job

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q jobQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *jobQueue) Push(x any) { *q = append(*q, x.(*job)) }

func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// Scheduler 长生命周期的批量调度器
// 所有批量调用共享同一个有界 worker 池和优先级队列；高优先级条目在
// worker 空闲时先于低优先级出队，同优先级按提交顺序出队。
// 条目之间完全隔离：单个条目失败不影响同批其它条目。
type Scheduler struct {
	cfg     Config
	handler Handler
	metrics *metrics.Collector
	logger  *zap.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  jobQueue
	seq    atomic.Uint64
	closed bool

	wg sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// NewScheduler 创建批量调度器
func NewScheduler(cfg Config, handler Handler, collector *metrics.Collector, logger *zap.Logger) *Scheduler {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 10
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		cfg:     cfg,
		handler: handler,
		metrics: collector,
		logger:  logger.With(zap.String("component", "batch_scheduler")),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Start 启动 worker 池
func (s *Scheduler) Start() {
	for i := 0; i < s.cfg.MaxWorkers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	s.logger.Info("批量调度器已启动", zap.Int("max_workers", s.cfg.MaxWorkers))
}

// Stop 停止 worker 池并等待退出；队列中未执行的条目以 INTERNAL 终态结束
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	pending := s.queue
	s.queue = nil
	s.cond.Broadcast()
	s.mu.Unlock()

	for _, j := range pending {
		s.finish(j, ItemResult{
			Index: j.index,
			Error: types.NewError(types.ErrInternal, "scheduler shut down before item ran"),
		})
	}

	s.wg.Wait()
	if s.metrics != nil {
		s.metrics.SetBatchQueueDepth(0)
	}
	s.logger.Info("批量调度器已停止")
}

// Process 处理一个批量请求
// 输出序列与输入等长同序，逐条标记成功或失败；只有批本身畸形
// （空批、超过条目上限）才整体失败。
func (s *Scheduler) Process(ctx context.Context, items []Item, priority int) ([]ItemResult, error) {
	if len(items) == 0 {
		return nil, types.NewError(types.ErrValidation, "batch must contain at least one item")
	}
	if len(items) > s.cfg.MaxItems {
		return nil, types.NewError(types.ErrCapacity,
			fmt.Sprintf("batch exceeds max item count: %d > %d", len(items), s.cfg.MaxItems)).
			WithHTTPStatus(http.StatusTooManyRequests)
	}
	if priority == 0 {
		priority = types.PriorityNormal
	}

	results := make([]ItemResult, len(items))
	var wg sync.WaitGroup
	wg.Add(len(items))

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, types.NewError(types.ErrInternal, "scheduler is stopped")
	}
	for i, item := range items {
		prio := priority
		if item.Priority != 0 {
			prio = item.Priority
		}
		heap.Push(&s.queue, &job{
			ctx:      ctx,
			req:      item.Request,
			priority: prio,
			seq:      s.seq.Add(1),
			index:    i,
			results:  results,
			wg:       &wg,
		})
		s.submitted.Add(1)
	}
	if s.metrics != nil {
		s.metrics.SetBatchQueueDepth(s.queue.Len())
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	wg.Wait()
	return results, nil
}

// worker 从优先级队列取条目执行，直到调度器关闭
func (s *Scheduler) worker() {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		j := heap.Pop(&s.queue).(*job)
		// 锁内更新 gauge，保证深度变化按队列变更顺序写入
		if s.metrics != nil {
			s.metrics.SetBatchQueueDepth(s.queue.Len())
		}
		s.mu.Unlock()

		s.execute(j)
	}
}

// execute 执行单个条目并写回其原始位置
func (s *Scheduler) execute(j *job) {
	if err := j.ctx.Err(); err != nil {
		s.finish(j, ItemResult{
			Index: j.index,
			Error: types.NewError(types.ErrInternal, "batch cancelled before item ran").WithCause(err),
		})
		return
	}

	resp, err := s.handler.Handle(j.ctx, j.req)
	if err != nil {
		s.finish(j, ItemResult{Index: j.index, Error: asTypedError(err)})
		return
	}
	s.finish(j, ItemResult{Index: j.index, Success: true, Response: resp})
}

func (s *Scheduler) finish(j *job, result ItemResult) {
	j.results[j.index] = result
	if result.Success {
		s.completed.Add(1)
	} else {
		s.failed.Add(1)
	}
	if s.metrics != nil {
		if result.Success {
			s.metrics.RecordBatchItem("success")
		} else {
			s.metrics.RecordBatchItem("error")
		}
	}
	j.wg.Done()
}

// Stats 返回生命周期计数器快照
func (s *Scheduler) Stats() Stats {
	return Stats{
		Submitted: s.submitted.Load(),
		Completed: s.completed.Load(),
		Failed:    s.failed.Load(),
	}
}

// asTypedError 把任意错误规整为结构化错误，保证每条结果都有明确的终态标记
func asTypedError(err error) *types.Error {
	var typed *types.Error
	if errors.As(err, &typed) {
		return typed
	}
	return types.NewError(types.ErrInternal, err.Error()).WithCause(err)
}
