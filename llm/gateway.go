// =============================================================================
// AmbientFlow 托管模型网关客户端
// =============================================================================
// OpenAI 兼容的 Chat Completions 客户端。推理模型与护栏模型共用本客户端，
// 仅模型名不同。支持 SSE 流式、客户端限流与指数退避重试。
// =============================================================================

package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/ambientflow/internal/tlsutil"
	"github.com/BaSui01/ambientflow/types"
)

// GatewayConfig 网关客户端配置。
type GatewayConfig struct {
	// BaseURL 网关地址（例如 https://integrate.api.nvidia.com）
	BaseURL string

	// APIKey Bearer 凭证。只能来自配置/环境变量，永不写入日志。
	APIKey string

	// DefaultModel 请求未指定模型时使用
	DefaultModel string

	// Timeout HTTP 超时，默认 60s
	Timeout time.Duration

	// MaxRetries 可重试错误的最大重试次数，默认 2
	MaxRetries int

	// RequestsPerSecond 客户端限流，<=0 表示不限流
	RequestsPerSecond float64
}

// RequestObserver 接收每次网关请求的结果指标
type RequestObserver interface {
	RecordLLMRequest(model, status string, duration time.Duration, promptTokens, completionTokens int)
}

// GatewayClient 托管模型网关客户端，实现 Provider 接口。
type GatewayClient struct {
	cfg      GatewayConfig
	client   *http.Client
	limiter  *rate.Limiter
	observer RequestObserver
	logger   *zap.Logger
}

// NewGatewayClient 创建网关客户端。
func NewGatewayClient(cfg GatewayConfig, logger *zap.Logger) *GatewayClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), int(cfg.RequestsPerSecond)+1)
	}

	return &GatewayClient{
		cfg:     cfg,
		client:  tlsutil.SecureHTTPClient(cfg.Timeout),
		limiter: limiter,
		logger:  logger.With(zap.String("component", "gateway_client")),
	}
}

// Name 返回客户端标识。
func (c *GatewayClient) Name() string { return "model-gateway" }

// SetObserver 设置请求指标观察者，必须在并发使用前调用。
func (c *GatewayClient) SetObserver(obs RequestObserver) { c.observer = obs }

// observe 上报一次请求结果，未设置观察者时为空操作
func (c *GatewayClient) observe(model, status string, start time.Time, usage *ChatUsage) {
	if c.observer == nil {
		return
	}
	var prompt, completion int
	if usage != nil {
		prompt, completion = usage.PromptTokens, usage.CompletionTokens
	}
	c.observer.RecordLLMRequest(model, status, time.Since(start), prompt, completion)
}

// =============================================================================
// 🔌 OpenAI 兼容 wire 结构
// =============================================================================

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float32       `json:"temperature,omitempty"`
	TopP        float32       `json:"top_p,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type wireResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Created int64  `json:"created"`
	Choices []struct {
		Index        int    `json:"index"`
		FinishReason string `json:"finish_reason"`
		Message      *struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message,omitempty"`
		Delta *struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"delta,omitempty"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage,omitempty"`
}

func toWireMessages(msgs []types.Message) []wireMessage {
	out := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, wireMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}

func readErrorMessage(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, 4096))
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if err := json.Unmarshal(data, &payload); err == nil {
		switch {
		case payload.Error.Message != "":
			return payload.Error.Message
		case payload.Message != "":
			return payload.Message
		case payload.Detail != "":
			return payload.Detail
		}
	}
	return strings.TrimSpace(string(data))
}

// =============================================================================
// 🎯 核心方法
// =============================================================================

// Completion 发起同步聊天请求，可重试错误按指数退避重试。
func (c *GatewayClient) Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	var lastErr error
	backoff := 500 * time.Millisecond

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			// 带抖动的指数退避
			jitter := time.Duration(rand.Int63n(int64(backoff / 2)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff + jitter):
			}
			backoff *= 2
			c.logger.Debug("retrying completion",
				zap.Int("attempt", attempt),
				zap.String("model", req.Model))
		}

		resp, err := c.completionOnce(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if lerr, ok := err.(*Error); !ok || !lerr.Retryable {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *GatewayClient) completionOnce(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = c.cfg.DefaultModel
	}

	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	start := time.Now()

	body := wireRequest{
		Model:       model,
		Messages:    toWireMessages(req.Messages),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
	}

	resp, err := c.do(ctx, body)
	if err != nil {
		c.observe(model, "error", start, nil)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		c.observe(model, "error", start, nil)
		return nil, MapHTTPError(resp.StatusCode, readErrorMessage(resp.Body), model)
	}

	var wr wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		c.observe(model, "error", start, nil)
		return nil, &Error{
			Code: ErrUpstreamError, Message: fmt.Sprintf("decode response: %v", err),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Model: model,
		}
	}

	result := &ChatResponse{ID: wr.ID, Model: wr.Model}
	if wr.Created != 0 {
		result.CreatedAt = time.Unix(wr.Created, 0)
	}
	for _, ch := range wr.Choices {
		choice := ChatChoice{Index: ch.Index, FinishReason: ch.FinishReason}
		if ch.Message != nil {
			choice.Message = types.Message{
				Role:    types.Role(ch.Message.Role),
				Content: ch.Message.Content,
			}
		}
		result.Choices = append(result.Choices, choice)
	}
	if wr.Usage != nil {
		result.Usage = ChatUsage{
			PromptTokens:     wr.Usage.PromptTokens,
			CompletionTokens: wr.Usage.CompletionTokens,
			TotalTokens:      wr.Usage.TotalTokens,
		}
	}
	c.observe(model, "ok", start, &result.Usage)
	return result, nil
}

// Stream 发起 SSE 流式聊天请求。
func (c *GatewayClient) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	model := req.Model
	if model == "" {
		model = c.cfg.DefaultModel
	}

	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	start := time.Now()

	body := wireRequest{
		Model:       model,
		Messages:    toWireMessages(req.Messages),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
		Stream:      true,
	}

	resp, err := c.do(ctx, body)
	if err != nil {
		c.observe(model, "error", start, nil)
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		c.observe(model, "error", start, nil)
		return nil, MapHTTPError(resp.StatusCode, readErrorMessage(resp.Body), model)
	}

	return c.streamSSE(ctx, resp.Body, model, start), nil
}

func (c *GatewayClient) do(ctx context.Context, body wireRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &Error{
			Code: ErrUpstreamError, Message: err.Error(),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Model: body.Model,
		}
	}
	return resp, nil
}

func (c *GatewayClient) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return &Error{Code: ErrRateLimited, Message: err.Error(), HTTPStatus: http.StatusTooManyRequests}
	}
	return nil
}

// streamSSE 解析 SSE 流并输出增量 chunk。
func (c *GatewayClient) streamSSE(ctx context.Context, body io.ReadCloser, model string, start time.Time) <-chan StreamChunk {
	ch := make(chan StreamChunk)
	go func() {
		defer body.Close()
		defer close(ch)

		var lastUsage *ChatUsage
		status := "ok"
		defer func() { c.observe(model, status, start, lastUsage) }()

		reader := bufio.NewReader(body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF {
					status = "error"
					select {
					case <-ctx.Done():
					case ch <- StreamChunk{Err: &Error{
						Code: ErrUpstreamError, Message: err.Error(),
						HTTPStatus: http.StatusBadGateway, Retryable: true, Model: model,
					}}:
					}
				}
				return
			}
			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}

			var wr wireResponse
			if err := json.Unmarshal([]byte(data), &wr); err != nil {
				status = "error"
				select {
				case <-ctx.Done():
				case ch <- StreamChunk{Err: &Error{
					Code: ErrUpstreamError, Message: err.Error(),
					HTTPStatus: http.StatusBadGateway, Retryable: true, Model: model,
				}}:
				}
				return
			}

			for _, choice := range wr.Choices {
				chunk := StreamChunk{
					ID:           wr.ID,
					Model:        wr.Model,
					FinishReason: choice.FinishReason,
					Delta:        types.Message{Role: types.RoleAssistant},
				}
				if choice.Delta != nil {
					chunk.Delta.Content = choice.Delta.Content
				}
				if wr.Usage != nil {
					chunk.Usage = &ChatUsage{
						PromptTokens:     wr.Usage.PromptTokens,
						CompletionTokens: wr.Usage.CompletionTokens,
						TotalTokens:      wr.Usage.TotalTokens,
					}
					lastUsage = chunk.Usage
				}
				select {
				case <-ctx.Done():
					return
				case ch <- chunk:
				}
			}
		}
	}()
	return ch
}

// HealthCheck 通过 /v1/models 探活。
func (c *GatewayClient) HealthCheck(ctx context.Context) (*HealthStatus, error) {
	start := time.Now()
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/v1/models"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return &HealthStatus{Healthy: false, Latency: latency}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &HealthStatus{Healthy: false, Latency: latency},
			fmt.Errorf("gateway health check failed: status=%d", resp.StatusCode)
	}
	return &HealthStatus{Healthy: true, Latency: latency}, nil
}
