package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/nlpgate/types"
)

// recordingObserver 记录被动观测，供断言
type recordingObserver struct {
	mu    sync.Mutex
	calls []error
}

func (o *recordingObserver) Observe(backend string, latency time.Duration, err error) {
	o.mu.Lock()
	o.calls = append(o.calls, err)
	o.mu.Unlock()
}

func (o *recordingObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.calls)
}

func chatCompletionServer(t *testing.T, handler func(w http.ResponseWriter, req chatRequest)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		handler(w, req)
	}))
}

func genClient(t *testing.T, baseURL string, obs Observer) *GenerationClient {
	t.Helper()
	cfg := DefaultGenerationConfig()
	cfg.BaseURL = baseURL
	cfg.Model = "mistral"
	cfg.Timeout = 2 * time.Second
	return NewGenerationClient(cfg, obs, zap.NewNop())
}

func TestGenerationClient_Generate(t *testing.T) {
	srv := chatCompletionServer(t, func(w http.ResponseWriter, req chatRequest) {
		assert.Equal(t, "mistral", req.Model)
		require.Len(t, req.Messages, 1)
		assert.Equal(t, "Hello", req.Messages[0].Content)
		json.NewEncoder(w).Encode(map[string]any{
			"model": "mistral",
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "Bonjour!"}},
			},
			"usage": map[string]int{"prompt_tokens": 3, "completion_tokens": 4, "total_tokens": 7},
		})
	})
	defer srv.Close()

	client := genClient(t, srv.URL, nil)
	resp, err := client.Call(context.Background(), &types.TaskRequest{
		TaskType: types.TaskGenerate,
		Text:     "Hello",
		Params:   types.DefaultGenerationParams(),
	})

	require.NoError(t, err)
	assert.Equal(t, "Bonjour!", resp.GeneratedText)
	assert.Equal(t, 7, resp.TokensUsed)
	assert.Equal(t, "mistral", resp.Model)
	assert.Equal(t, "generation", resp.Backend)
}

func TestGenerationClient_TokenEstimateFallback(t *testing.T) {
	srv := chatCompletionServer(t, func(w http.ResponseWriter, req chatRequest) {
		// usage 缺失
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "Some generated output"}},
			},
		})
	})
	defer srv.Close()

	client := genClient(t, srv.URL, nil)
	resp, err := client.Call(context.Background(), &types.TaskRequest{
		TaskType: types.TaskGenerate,
		Text:     "Hello world",
		Params:   types.DefaultGenerationParams(),
	})

	require.NoError(t, err)
	assert.Greater(t, resp.TokensUsed, 0, "usage 缺失时必须估算 token 数")
}

func TestGenerationClient_PromptTemplates(t *testing.T) {
	cases := []struct {
		name       string
		req        types.TaskRequest
		wantSystem string
		wantUser   string
	}{
		{
			name:       "qa with context",
			req:        types.TaskRequest{TaskType: types.TaskQA, Text: "Who?", Context: "Emmanuel Macron lives in Paris."},
			wantSystem: "Answer the question concisely based on the given context.",
			wantUser:   "Context:\nEmmanuel Macron lives in Paris.\n\nQuestion: Who?",
		},
		{
			name:       "translate",
			req:        types.TaskRequest{TaskType: types.TaskTranslate, Text: "Hello", TargetLanguage: "français"},
			wantSystem: "Translate the following text into français. Reply with the translation only.",
			wantUser:   "Hello",
		},
		{
			name:       "classify with categories",
			req:        types.TaskRequest{TaskType: types.TaskClassify, Text: "Stocks fell", Categories: []string{"sports", "finance"}},
			wantSystem: "Classify the following text into one of these categories: sports, finance. Reply with the category only.",
			wantUser:   "Stocks fell",
		},
		{
			name:       "summarize",
			req:        types.TaskRequest{TaskType: types.TaskSummarize, Text: "Long text"},
			wantSystem: "Summarize the following text.",
			wantUser:   "Long text",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgs := buildMessages(&tc.req)
			require.Len(t, msgs, 2)
			assert.Equal(t, "system", msgs[0].Role)
			assert.Equal(t, tc.wantSystem, msgs[0].Content)
			assert.Equal(t, tc.wantUser, msgs[1].Content)
		})
	}
}

func TestGenerationClient_RetryOnTimeoutThenSuccess(t *testing.T) {
	var attempts atomic.Int32
	srv := chatCompletionServer(t, func(w http.ResponseWriter, req chatRequest) {
		if attempts.Add(1) <= 2 {
			// 前两次模拟超时类故障
			w.WriteHeader(http.StatusGatewayTimeout)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"model": "mistral",
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "third time lucky"}},
			},
			"usage": map[string]int{"total_tokens": 5},
		})
	})
	defer srv.Close()

	obs := &recordingObserver{}
	client := genClient(t, srv.URL, obs)

	// 温度 0 的生成请求视为幂等，允许重试
	params := types.DefaultGenerationParams()
	params.Temperature = 0
	params.MaxTokens = 50

	resp, err := client.Call(context.Background(), &types.TaskRequest{
		TaskType: types.TaskGenerate,
		Text:     "Hello",
		Params:   params,
	})

	require.NoError(t, err)
	assert.Equal(t, "third time lucky", resp.GeneratedText)
	assert.Equal(t, int32(3), attempts.Load(), "两次重试后第三次成功")
	assert.Equal(t, 3, obs.count(), "每次尝试都必须上报 observer")
}

func TestGenerationClient_NoRetryForSampledGeneration(t *testing.T) {
	var attempts atomic.Int32
	srv := chatCompletionServer(t, func(w http.ResponseWriter, req chatRequest) {
		attempts.Add(1)
		w.WriteHeader(http.StatusGatewayTimeout)
	})
	defer srv.Close()

	client := genClient(t, srv.URL, nil)
	_, err := client.Call(context.Background(), &types.TaskRequest{
		TaskType: types.TaskGenerate,
		Text:     "Hello",
		Params:   types.DefaultGenerationParams(), // temperature 0.7 → 非幂等
	})

	require.Error(t, err)
	assert.Equal(t, types.ErrBackendTimeout, types.GetErrorCode(err))
	assert.Equal(t, int32(1), attempts.Load(), "非幂等任务不得自动重试")
}

func TestGenerationClient_Unreachable(t *testing.T) {
	client := genClient(t, "http://127.0.0.1:1", nil)

	params := types.DefaultGenerationParams()
	_, err := client.Call(context.Background(), &types.TaskRequest{
		TaskType: types.TaskGenerate,
		Text:     "Hello",
		Params:   params,
	})

	require.Error(t, err)
	assert.Equal(t, types.ErrBackendUnreachable, types.GetErrorCode(err))
	assert.True(t, types.IsRetryable(err))
}

func TestGenerationClient_InvalidResponse(t *testing.T) {
	srv := chatCompletionServer(t, func(w http.ResponseWriter, req chatRequest) {
		w.Write([]byte("not json"))
	})
	defer srv.Close()

	client := genClient(t, srv.URL, nil)
	_, err := client.Call(context.Background(), &types.TaskRequest{
		TaskType: types.TaskGenerate,
		Text:     "Hello",
		Params:   types.DefaultGenerationParams(),
	})

	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidResponse, types.GetErrorCode(err))
}

func TestGenerationClient_HealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/models" {
			w.Write([]byte(`{"data":[{"id":"mistral"}]}`))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	client := genClient(t, srv.URL, nil)
	status, err := client.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Healthy)
	assert.Greater(t, status.Latency, time.Duration(0))
}
