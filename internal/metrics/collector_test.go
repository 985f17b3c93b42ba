package metrics

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestNewCollector(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.httpRequestsTotal)
	assert.NotNil(t, collector.taskRequestsTotal)
	assert.NotNil(t, collector.cacheHits)
	assert.NotNil(t, collector.backendRequestDuration)
	assert.NotNil(t, collector.batchItemsTotal)
}

func TestCollector_RecordHTTPRequest(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordHTTPRequest("POST", "/generate", 200, 100*time.Millisecond)

	count := testutil.CollectAndCount(collector.httpRequestsTotal)
	assert.Greater(t, count, 0)
}

func TestCollector_CacheHitRate(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordCacheHit("task")
	collector.RecordCacheHit("task")
	collector.RecordCacheHit("task")
	collector.RecordCacheMiss("task")

	snap := collector.GetSnapshot()
	assert.Equal(t, int64(3), snap.CacheHits)
	assert.Equal(t, int64(1), snap.CacheMisses)
	assert.InDelta(t, 0.75, snap.CacheHitRate, 1e-9)
}

func TestCollector_BackendSnapshot(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordBackendCall("generation", 100*time.Millisecond, "")
	collector.RecordBackendCall("generation", 300*time.Millisecond, "BACKEND_TIMEOUT")
	collector.RecordBackendCall("ner", 50*time.Millisecond, "")

	snap := collector.GetSnapshot()

	gen := snap.Backends["generation"]
	assert.Equal(t, int64(2), gen.Requests)
	assert.Equal(t, int64(1), gen.Errors)
	assert.InDelta(t, 200.0, gen.AvgLatencyMs, 1.0)

	ner := snap.Backends["ner"]
	assert.Equal(t, int64(1), ner.Requests)
	assert.Equal(t, int64(0), ner.Errors)
}

func TestCollector_EmptySnapshot(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	snap := collector.GetSnapshot()
	assert.Zero(t, snap.CacheHitRate)
	assert.Empty(t, snap.Backends)
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, "2xx", statusCode(200))
	assert.Equal(t, "4xx", statusCode(404))
	assert.Equal(t, "5xx", statusCode(503))
}
