package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/ambientflow/types"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*GatewayClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := NewGatewayClient(GatewayConfig{
		BaseURL:      srv.URL,
		APIKey:       "nvapi-test",
		DefaultModel: "meta/llama-3.1-70b-instruct",
		Timeout:      5 * time.Second,
	}, zap.NewNop())
	return client, srv
}

func TestGatewayClient_Completion(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer nvapi-test", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "meta/llama-3.1-70b-instruct", body["model"])

		json.NewEncoder(w).Encode(map[string]any{
			"id":      "cmpl-1",
			"model":   "meta/llama-3.1-70b-instruct",
			"created": 1700000000,
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": "hello"},
			}},
			"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 2, "total_tokens": 12},
		})
	})

	resp, err := client.Completion(context.Background(), &ChatRequest{
		Messages: []types.Message{types.NewUserMessage("hi")},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Text())
	assert.Equal(t, 12, resp.Usage.TotalTokens)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
}

func TestGatewayClient_CompletionRetriesOn503(t *testing.T) {
	var calls int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"model": "m",
			"choices": []map[string]any{{
				"message": map[string]any{"role": "assistant", "content": "recovered"},
			}},
		})
	})
	client.cfg.MaxRetries = 2

	resp, err := client.Completion(context.Background(), &ChatRequest{
		Messages: []types.Message{types.NewUserMessage("hi")},
	})
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Text())
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestGatewayClient_CompletionNoRetryOn401(t *testing.T) {
	var calls int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, `{"error":{"message":"bad key"}}`, http.StatusUnauthorized)
	})
	client.cfg.MaxRetries = 3

	_, err := client.Completion(context.Background(), &ChatRequest{
		Messages: []types.Message{types.NewUserMessage("hi")},
	})
	require.Error(t, err)

	lerr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, ErrUnauthorized, lerr.Code)
	assert.False(t, lerr.Retryable)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestGatewayClient_Stream(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, word := range []string{"The", " patient", " reports"} {
			fmt.Fprintf(w, "data: {\"model\":\"m\",\"choices\":[{\"delta\":{\"content\":\"%s\"}}]}\n\n", word)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: {\"model\":\"m\",\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	ch, err := client.Stream(context.Background(), &ChatRequest{
		Messages: []types.Message{types.NewUserMessage("hi")},
	})
	require.NoError(t, err)

	var text string
	var finish string
	for chunk := range ch {
		require.Nil(t, chunk.Err)
		text += chunk.Delta.Content
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
	}
	assert.Equal(t, "The patient reports", text)
	assert.Equal(t, "stop", finish)
}

func TestGatewayClient_StreamUpstreamError(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"rate limited"}}`, http.StatusTooManyRequests)
	})

	_, err := client.Stream(context.Background(), &ChatRequest{
		Messages: []types.Message{types.NewUserMessage("hi")},
	})
	require.Error(t, err)

	lerr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, ErrRateLimited, lerr.Code)
	assert.True(t, lerr.Retryable)
}

func TestGatewayClient_StreamContextCancel(t *testing.T) {
	blocker := make(chan struct{})
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"model\":\"m\",\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\n")
		w.(http.Flusher).Flush()
		<-blocker
	})
	defer close(blocker)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := client.Stream(ctx, &ChatRequest{
		Messages: []types.Message{types.NewUserMessage("hi")},
	})
	require.NoError(t, err)

	<-ch // 消费首个 chunk
	cancel()

	// 通道最终关闭，不会泄漏 goroutine
	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream channel not closed after context cancel")
		}
	}
}

type stubRequestObserver struct {
	mu       sync.Mutex
	requests []recordedRequest
}

type recordedRequest struct {
	model            string
	status           string
	duration         time.Duration
	promptTokens     int
	completionTokens int
}

func (o *stubRequestObserver) RecordLLMRequest(model, status string, duration time.Duration, promptTokens, completionTokens int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.requests = append(o.requests, recordedRequest{model, status, duration, promptTokens, completionTokens})
}

func (o *stubRequestObserver) all() []recordedRequest {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]recordedRequest(nil), o.requests...)
}

func TestGatewayClient_ObserverRecordsCompletion(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"model": "meta/llama-3.1-70b-instruct",
			"choices": []map[string]any{{
				"message": map[string]any{"role": "assistant", "content": "hello"},
			}},
			"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 2, "total_tokens": 12},
		})
	})
	obs := &stubRequestObserver{}
	client.SetObserver(obs)

	_, err := client.Completion(context.Background(), &ChatRequest{
		Messages: []types.Message{types.NewUserMessage("hi")},
	})
	require.NoError(t, err)

	reqs := obs.all()
	require.Len(t, reqs, 1)
	assert.Equal(t, "meta/llama-3.1-70b-instruct", reqs[0].model)
	assert.Equal(t, "ok", reqs[0].status)
	assert.Equal(t, 10, reqs[0].promptTokens)
	assert.Equal(t, 2, reqs[0].completionTokens)
	assert.Greater(t, reqs[0].duration, time.Duration(0))
}

func TestGatewayClient_ObserverRecordsError(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"bad key"}}`, http.StatusUnauthorized)
	})
	obs := &stubRequestObserver{}
	client.SetObserver(obs)

	_, err := client.Completion(context.Background(), &ChatRequest{
		Messages: []types.Message{types.NewUserMessage("hi")},
	})
	require.Error(t, err)

	reqs := obs.all()
	require.Len(t, reqs, 1)
	assert.Equal(t, "error", reqs[0].status)
	assert.Zero(t, reqs[0].promptTokens)
}

func TestGatewayClient_ObserverRecordsStreamUsage(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"model\":\"m\",\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n")
		flusher.Flush()
		fmt.Fprint(w, "data: {\"model\":\"m\",\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}],\"usage\":{\"prompt_tokens\":7,\"completion_tokens\":3,\"total_tokens\":10}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})
	obs := &stubRequestObserver{}
	client.SetObserver(obs)

	ch, err := client.Stream(context.Background(), &ChatRequest{
		Messages: []types.Message{types.NewUserMessage("hi")},
	})
	require.NoError(t, err)
	for range ch {
	}

	reqs := obs.all()
	require.Len(t, reqs, 1)
	assert.Equal(t, "ok", reqs[0].status)
	assert.Equal(t, 7, reqs[0].promptTokens)
	assert.Equal(t, 3, reqs[0].completionTokens)
}

func TestGatewayClient_HealthCheck(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	})

	hs, err := client.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, hs.Healthy)
	assert.Greater(t, hs.Latency, time.Duration(0))
}

func TestMapHTTPError(t *testing.T) {
	tests := []struct {
		status    int
		wantCode  ErrorCode
		retryable bool
	}{
		{http.StatusUnauthorized, ErrUnauthorized, false},
		{http.StatusForbidden, ErrForbidden, false},
		{http.StatusTooManyRequests, ErrRateLimited, true},
		{http.StatusGatewayTimeout, ErrUpstreamTimeout, true},
		{http.StatusServiceUnavailable, ErrModelOverloaded, true},
		{http.StatusInternalServerError, ErrUpstreamError, true},
		{http.StatusBadRequest, ErrInvalidRequest, false},
	}
	for _, tt := range tests {
		e := MapHTTPError(tt.status, "msg", "m")
		assert.Equal(t, tt.wantCode, e.Code, "status %d", tt.status)
		assert.Equal(t, tt.retryable, e.Retryable, "status %d", tt.status)
	}
}
