package speech

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// RivaStreamingASR 通过 websocket 访问 Riva ASR NIM 的流式识别接口。
type RivaStreamingASR struct {
	cfg    RivaASRConfig
	logger *zap.Logger
}

// NewRivaStreamingASR 创建流式识别客户端。
func NewRivaStreamingASR(cfg RivaASRConfig, logger *zap.Logger) *RivaStreamingASR {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:9000"
	}
	if cfg.Model == "" {
		cfg.Model = "parakeet-ctc-1.1b"
	}
	if cfg.Language == "" {
		cfg.Language = "en-US"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RivaStreamingASR{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "riva_streaming_asr")),
	}
}

func (s *RivaStreamingASR) Name() string { return "riva-asr-stream" }

// wsEndpoint 将 http(s) base URL 转换为 ws(s) 流式端点。
func (s *RivaStreamingASR) wsEndpoint(sampleRate int) (string, error) {
	u, err := url.Parse(strings.TrimRight(s.cfg.BaseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path += "/v1/audio/transcriptions/stream"
	q := u.Query()
	q.Set("model", s.cfg.Model)
	q.Set("language", s.cfg.Language)
	q.Set("sample_rate_hz", fmt.Sprintf("%d", sampleRate))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// StartStream 建立 websocket 会话并启动读取协程。
func (s *RivaStreamingASR) StartStream(ctx context.Context, sampleRate int) (ASRStream, error) {
	endpoint, err := s.wsEndpoint(sampleRate)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	// 音频块可能较大，放宽默认读上限
	conn.SetReadLimit(1 << 20)

	stream := &rivaStream{
		conn:    conn,
		results: make(chan TranscriptEvent, 32),
		done:    make(chan struct{}),
		logger:  s.logger,
	}
	go stream.readLoop(ctx)

	return stream, nil
}

// rivaStream 一个活跃的流式识别会话。写操作加锁，websocket 不支持并发写。
type rivaStream struct {
	conn    *websocket.Conn
	results chan TranscriptEvent
	done    chan struct{}
	logger  *zap.Logger
	mu      sync.Mutex
	closed  bool
}

// rivaStreamEvent 服务端推送的识别事件。
type rivaStreamEvent struct {
	Text       string  `json:"text"`
	IsFinal    bool    `json:"is_final"`
	Speaker    int     `json:"speaker,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Start      float64 `json:"start,omitempty"`
	End        float64 `json:"end,omitempty"`
}

// Send 发送一块音频。二进制帧承载原始 PCM。
func (r *rivaStream) Send(ctx context.Context, chunk AudioChunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("asr stream closed")
	}
	if err := r.conn.Write(ctx, websocket.MessageBinary, chunk.Data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// Results 返回识别事件通道。
func (r *rivaStream) Results() <-chan TranscriptEvent {
	return r.results
}

func (r *rivaStream) readLoop(ctx context.Context) {
	defer close(r.results)

	for {
		select {
		case <-r.done:
			return
		default:
		}

		_, data, err := r.conn.Read(ctx)
		if err != nil {
			// 正常关闭或上下文取消都会走到这里
			r.logger.Debug("asr stream read ended", zap.Error(err))
			return
		}

		var ev rivaStreamEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			r.logger.Warn("malformed asr event", zap.Error(err))
			continue
		}

		out := TranscriptEvent{
			Text:       ev.Text,
			IsFinal:    ev.IsFinal,
			Speaker:    speakerLabel(ev.Speaker, true),
			Confidence: ev.Confidence,
			Start:      time.Duration(ev.Start * float64(time.Second)),
			End:        time.Duration(ev.End * float64(time.Second)),
			Timestamp:  time.Now(),
		}

		select {
		case r.results <- out:
		case <-r.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Close 结束会话并关闭连接。
func (r *rivaStream) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	close(r.done)

	return r.conn.Close(websocket.StatusNormalClosure, "session complete")
}
