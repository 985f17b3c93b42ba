package batch

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/nlpgate/internal/metrics"
	"github.com/BaSui01/nlpgate/types"
)

// Prometheus 使用全局注册表，同一命名空间只能注册一次，
// 包内测试共用这一个收集器。
var schedulerTestCollector = metrics.NewCollector("batchtest", zap.NewNop())

// orderedHandler 记录执行顺序的处理桩
type orderedHandler struct {
	mu       sync.Mutex
	executed []string
	delay    time.Duration
	// failText 命中该文本的条目固定失败
	failText string
	// randomLatency 为真时每条目随机延迟，模拟后端抖动
	randomLatency bool
}

func (h *orderedHandler) Handle(ctx context.Context, req *types.TaskRequest) (*types.TaskResponse, error) {
	h.mu.Lock()
	h.executed = append(h.executed, req.Text)
	h.mu.Unlock()

	if h.randomLatency {
		time.Sleep(time.Duration(rand.Intn(20)) * time.Millisecond)
	} else if h.delay > 0 {
		time.Sleep(h.delay)
	}

	if h.failText != "" && req.Text == h.failText {
		return nil, types.NewError(types.ErrBackendUnreachable, "connection refused").WithRetryable(true)
	}
	return &types.TaskResponse{
		TaskType:      req.TaskType,
		GeneratedText: "out:" + req.Text,
		Backend:       "generation",
	}, nil
}

func (h *orderedHandler) order() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.executed))
	copy(out, h.executed)
	return out
}

func newTestScheduler(t *testing.T, cfg Config, handler Handler) *Scheduler {
	t.Helper()
	s := NewScheduler(cfg, handler, nil, zap.NewNop())
	s.Start()
	t.Cleanup(s.Stop)
	return s
}

func genItems(texts ...string) []Item {
	items := make([]Item, len(texts))
	for i, text := range texts {
		items[i] = Item{Request: &types.TaskRequest{
			TaskType: types.TaskGenerate,
			Text:     text,
			Params:   types.DefaultGenerationParams(),
		}}
	}
	return items
}

func TestScheduler_OutputOrderMatchesInput(t *testing.T) {
	handler := &orderedHandler{randomLatency: true}
	s := newTestScheduler(t, DefaultConfig(), handler)

	texts := make([]string, 20)
	for i := range texts {
		texts[i] = "item-" + string(rune('a'+i))
	}

	results, err := s.Process(context.Background(), genItems(texts...), types.PriorityNormal)
	require.NoError(t, err)
	require.Len(t, results, len(texts))

	for i, r := range results {
		assert.Equal(t, i, r.Index)
		require.True(t, r.Success)
		assert.Equal(t, "out:"+texts[i], r.Response.GeneratedText,
			"完成顺序随机时输出顺序仍须等于输入顺序")
	}
}

func TestScheduler_PartialFailureIsolation(t *testing.T) {
	handler := &orderedHandler{failText: "poison"}
	s := newTestScheduler(t, DefaultConfig(), handler)

	results, err := s.Process(context.Background(),
		genItems("ok-1", "poison", "ok-2", "ok-3"), types.PriorityNormal)
	require.NoError(t, err, "单条失败不得升级为整批失败")
	require.Len(t, results, 4)

	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	require.NotNil(t, results[1].Error)
	assert.Equal(t, types.ErrBackendUnreachable, results[1].Error.Code)
	assert.True(t, results[2].Success)
	assert.True(t, results[3].Success)

	stats := s.Stats()
	assert.Equal(t, int64(4), stats.Submitted)
	assert.Equal(t, int64(3), stats.Completed)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestScheduler_PriorityOrdering(t *testing.T) {
	handler := &orderedHandler{delay: 30 * time.Millisecond}
	cfg := DefaultConfig()
	cfg.MaxWorkers = 1
	s := newTestScheduler(t, cfg, handler)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		_, err := s.Process(context.Background(),
			genItems("low-1", "low-2", "low-3", "low-4"), types.PriorityNormal)
		assert.NoError(t, err)
	}()

	// 等低优先级批占住唯一 worker 并排满队列
	time.Sleep(10 * time.Millisecond)

	go func() {
		defer wg.Done()
		_, err := s.Process(context.Background(), genItems("urgent"), types.PriorityUrgent)
		assert.NoError(t, err)
	}()

	wg.Wait()

	order := handler.order()
	require.Len(t, order, 5)
	assert.Equal(t, "low-1", order[0], "已占用 worker 的条目不可抢占")

	urgentPos := indexOf(order, "urgent")
	require.GreaterOrEqual(t, urgentPos, 1)
	assert.Less(t, urgentPos, 4, "worker 空闲后高优先级先于剩余低优先级出队")

	// 同优先级保持提交顺序
	lowOrder := make([]string, 0, 4)
	for _, text := range order {
		if strings.HasPrefix(text, "low-") {
			lowOrder = append(lowOrder, text)
		}
	}
	assert.Equal(t, []string{"low-1", "low-2", "low-3", "low-4"}, lowOrder)
}

func TestScheduler_PerItemPriorityOverride(t *testing.T) {
	handler := &orderedHandler{delay: 20 * time.Millisecond}
	cfg := DefaultConfig()
	cfg.MaxWorkers = 1
	s := newTestScheduler(t, cfg, handler)

	items := genItems("first", "normal", "boosted")
	items[2].Priority = types.PriorityUrgent

	results, err := s.Process(context.Background(), items, types.PriorityNormal)
	require.NoError(t, err)
	require.Len(t, results, 3)

	order := handler.order()
	assert.Less(t, indexOf(order, "boosted"), indexOf(order, "normal"),
		"条目级优先级覆盖批级优先级")
}

func TestScheduler_EmptyBatchRejected(t *testing.T) {
	s := newTestScheduler(t, DefaultConfig(), &orderedHandler{})

	_, err := s.Process(context.Background(), nil, types.PriorityNormal)
	require.Error(t, err)
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
}

func TestScheduler_MaxItemsRejected(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxItems = 2
	s := newTestScheduler(t, cfg, &orderedHandler{})

	_, err := s.Process(context.Background(), genItems("a", "b", "c"), types.PriorityNormal)
	require.Error(t, err)
	assert.Equal(t, types.ErrCapacity, types.GetErrorCode(err), "超上限立即拒绝，不得部分执行")

	stats := s.Stats()
	assert.Zero(t, stats.Submitted)
}

func TestScheduler_ConcurrencyCeiling(t *testing.T) {
	var mu sync.Mutex
	active, peak := 0, 0

	handler := handlerFunc(func(ctx context.Context, req *types.TaskRequest) (*types.TaskResponse, error) {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		active--
		mu.Unlock()
		return &types.TaskResponse{TaskType: req.TaskType}, nil
	})

	cfg := DefaultConfig()
	cfg.MaxWorkers = 3
	s := newTestScheduler(t, cfg, handler)

	texts := make([]string, 12)
	for i := range texts {
		texts[i] = "x"
	}
	// 相同文本会被 Dispatcher 合并，这里用裸 handler 验证池上限本身
	items := genItems(texts...)
	for i := range items {
		items[i].Request.Text = texts[i] + string(rune('0'+i%10))
	}

	_, err := s.Process(context.Background(), items, types.PriorityNormal)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, 3, "并发不得超过配置的 worker 上限")
}

func TestScheduler_QueueDepthDrainsAfterBatch(t *testing.T) {
	handler := &orderedHandler{delay: 5 * time.Millisecond}
	s := NewScheduler(DefaultConfig(), handler, schedulerTestCollector, zap.NewNop())
	s.Start()
	t.Cleanup(s.Stop)

	_, err := s.Process(context.Background(),
		genItems("d-1", "d-2", "d-3", "d-4"), types.PriorityNormal)
	require.NoError(t, err)

	// Process 返回时所有条目已出队，gauge 必须随出队回落到 0
	assert.Zero(t, gaugeValue(t, "batchtest_batch_queue_depth"))
}

func gaugeValue(t *testing.T, name string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("gauge %s 未注册", name)
	return 0
}

type handlerFunc func(ctx context.Context, req *types.TaskRequest) (*types.TaskResponse, error)

func (f handlerFunc) Handle(ctx context.Context, req *types.TaskRequest) (*types.TaskResponse, error) {
	return f(ctx, req)
}

func indexOf(list []string, target string) int {
	for i, v := range list {
		if v == target {
			return i
		}
	}
	return -1
}
