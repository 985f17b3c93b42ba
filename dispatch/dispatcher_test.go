package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/nlpgate/backend"
	"github.com/BaSui01/nlpgate/cache"
	"github.com/BaSui01/nlpgate/types"
)

// fakeBackend 可编程的后端桩
type fakeBackend struct {
	name  string
	calls atomic.Int32
	delay time.Duration
	err   error
	resp  *types.TaskResponse
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Call(ctx context.Context, req *types.TaskRequest) (*types.TaskResponse, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.resp != nil {
		return f.resp, nil
	}
	return &types.TaskResponse{
		TaskType:      req.TaskType,
		GeneratedText: "generated for " + req.Text,
		TokensUsed:    7,
		Model:         "fake",
		Backend:       f.name,
	}, nil
}

func (f *fakeBackend) HealthCheck(ctx context.Context) (*backend.HealthStatus, error) {
	return &backend.HealthStatus{Healthy: true, Latency: time.Millisecond}, nil
}

type staticGate map[string]bool

func (g staticGate) Degraded(name string) bool { return g[name] }

func newTestDispatcher(t *testing.T, ner, gen backend.Backend, gate HealthGate) *Dispatcher {
	t.Helper()
	cfg := DefaultConfig()
	cfg.CacheTTL = time.Minute
	return NewDispatcher(cfg, cache.NewMemoryStore(zap.NewNop()), ner, gen, gate, nil, zap.NewNop())
}

func TestDispatcher_CacheHitOnRepeat(t *testing.T) {
	ner := &fakeBackend{name: "ner", resp: &types.TaskResponse{
		TaskType: types.TaskNER,
		Entities: []types.Entity{{Text: "Emmanuel Macron", Label: "PER", Start: 0, End: 15, Confidence: 0.99}},
		Backend:  "ner",
	}}
	d := newTestDispatcher(t, ner, &fakeBackend{name: "generation"}, nil)

	req := &types.TaskRequest{TaskType: types.TaskNER, Text: "Emmanuel Macron lives in Paris."}

	first, err := d.Handle(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := d.Handle(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Cached, "TTL 内重复请求必须命中缓存")
	assert.Equal(t, first.Entities, second.Entities)
	assert.Equal(t, int32(1), ner.calls.Load(), "命中缓存不得产生额外后端调用")
}

func TestDispatcher_RoutesByTaskType(t *testing.T) {
	ner := &fakeBackend{name: "ner"}
	gen := &fakeBackend{name: "generation"}
	d := newTestDispatcher(t, ner, gen, nil)

	_, err := d.Handle(context.Background(), &types.TaskRequest{TaskType: types.TaskNER, Text: "a"})
	require.NoError(t, err)
	_, err = d.Handle(context.Background(), &types.TaskRequest{TaskType: types.TaskSummarize, Text: "b", Params: types.DefaultGenerationParams()})
	require.NoError(t, err)

	assert.Equal(t, int32(1), ner.calls.Load())
	assert.Equal(t, int32(1), gen.calls.Load())
}

func TestDispatcher_CoalescesConcurrentIdenticalRequests(t *testing.T) {
	gen := &fakeBackend{name: "generation", delay: 100 * time.Millisecond}
	d := newTestDispatcher(t, &fakeBackend{name: "ner"}, gen, nil)

	req := &types.TaskRequest{TaskType: types.TaskGenerate, Text: "Hello", Params: types.DefaultGenerationParams()}

	const concurrency = 16
	var wg sync.WaitGroup
	results := make([]*types.TaskResponse, concurrency)
	errs := make([]error, concurrency)

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = d.Handle(context.Background(), req)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), gen.calls.Load(), "相同指纹的并发请求必须合并为一次后端调用")
	for i := 0; i < concurrency; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].GeneratedText, results[i].GeneratedText)
	}
}

func TestDispatcher_FailureBroadcastAndNotCached(t *testing.T) {
	boom := types.NewError(types.ErrBackendUnreachable, "connection refused").WithRetryable(true)
	gen := &fakeBackend{name: "generation", delay: 50 * time.Millisecond, err: boom}
	d := newTestDispatcher(t, &fakeBackend{name: "ner"}, gen, nil)

	req := &types.TaskRequest{TaskType: types.TaskGenerate, Text: "Hello", Params: types.DefaultGenerationParams()}

	const concurrency = 4
	var wg sync.WaitGroup
	errs := make([]error, concurrency)
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = d.Handle(context.Background(), req)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), gen.calls.Load())
	for i := 0; i < concurrency; i++ {
		require.Error(t, errs[i])
		assert.Equal(t, types.ErrBackendUnreachable, types.GetErrorCode(errs[i]), "所有 waiter 观察到同一个终态")
	}

	// 失败不缓存，新请求重新尝试
	gen.err = nil
	resp, err := d.Handle(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, resp.Cached)
	assert.Equal(t, int32(2), gen.calls.Load())
}

func TestDispatcher_ValidationFailsFast(t *testing.T) {
	gen := &fakeBackend{name: "generation"}
	d := newTestDispatcher(t, &fakeBackend{name: "ner"}, gen, nil)

	_, err := d.Handle(context.Background(), &types.TaskRequest{TaskType: "poetry", Text: "x"})
	require.Error(t, err)
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))

	_, err = d.Handle(context.Background(), &types.TaskRequest{TaskType: types.TaskGenerate, Text: ""})
	require.Error(t, err)
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))

	assert.Equal(t, int32(0), gen.calls.Load(), "校验失败不得触达后端")
}

func TestDispatcher_DegradedBackendRejected(t *testing.T) {
	gen := &fakeBackend{name: "generation"}
	d := newTestDispatcher(t, &fakeBackend{name: "ner"}, gen, staticGate{"generation": true})

	_, err := d.Handle(context.Background(), &types.TaskRequest{TaskType: types.TaskGenerate, Text: "Hello", Params: types.DefaultGenerationParams()})
	require.Error(t, err)
	assert.Equal(t, types.ErrBackendDegraded, types.GetErrorCode(err))
	assert.Equal(t, int32(0), gen.calls.Load(), "降级后端必须快速失败而非等待超时")

	// 其它后端不受影响
	_, err = d.Handle(context.Background(), &types.TaskRequest{TaskType: types.TaskNER, Text: "Hello"})
	require.NoError(t, err)
}

func TestDispatcher_WaiterTimeoutDoesNotCancelOwner(t *testing.T) {
	gen := &fakeBackend{name: "generation", delay: 200 * time.Millisecond}
	d := newTestDispatcher(t, &fakeBackend{name: "ner"}, gen, nil)

	req := &types.TaskRequest{TaskType: types.TaskGenerate, Text: "Hello", Params: types.DefaultGenerationParams()}

	ownerDone := make(chan error, 1)
	go func() {
		_, err := d.Handle(context.Background(), req)
		ownerDone <- err
	}()

	// 等 owner 拿到 claim
	time.Sleep(50 * time.Millisecond)

	waiterCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, waiterErr := d.Handle(waiterCtx, req)
	require.Error(t, waiterErr)
	assert.Equal(t, types.ErrBackendTimeout, types.GetErrorCode(waiterErr))

	// owner 的调用不受 waiter 超时影响
	require.NoError(t, <-ownerDone)
	assert.Equal(t, int32(1), gen.calls.Load())
}
