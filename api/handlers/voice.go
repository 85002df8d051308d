package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/BaSui01/ambientflow/agent/session"
	"github.com/BaSui01/ambientflow/internal/metrics"
	"github.com/BaSui01/ambientflow/speech"
	"github.com/BaSui01/ambientflow/types"
)

// =============================================================================
// 🎙️ 实时语音 Handler
// =============================================================================

// VoiceHandler websocket 实时语音会话处理器。
// 二进制帧承载入站 PCM 音频，文本帧承载出站 JSON 事件与入站控制命令。
type VoiceHandler struct {
	sessions  *session.Manager
	collector *metrics.Collector
	logger    *zap.Logger
}

// NewVoiceHandler 创建实时语音处理器。collector 可为 nil。
func NewVoiceHandler(sessions *session.Manager, collector *metrics.Collector, logger *zap.Logger) *VoiceHandler {
	return &VoiceHandler{
		sessions:  sessions,
		collector: collector,
		logger:    logger.With(zap.String("handler", "voice")),
	}
}

// controlMessage 客户端文本帧携带的控制命令
type controlMessage struct {
	Type string `json:"type"` // interrupt, close
}

// HandleSession 处理 GET /v1/voice（websocket 升级）
// 可选查询参数 sample_rate 覆盖默认采样率。
func (h *VoiceHandler) HandleSession(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	// 音频块可能较大，放宽默认读上限
	conn.SetReadLimit(1 << 20)

	// sample_rate 覆盖配置默认值，<=0 或缺省时由会话管理器回退默认
	sampleRate := 0
	if v := r.URL.Query().Get("sample_rate"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			sampleRate = n
		}
	}

	sess, err := h.sessions.Start(r.Context(), sampleRate)
	if err != nil {
		h.logger.Error("voice session start failed", zap.Error(err))
		_ = conn.Close(websocket.StatusInternalError, "session start failed")
		return
	}
	sampleRate = sess.SampleRate()
	if h.collector != nil {
		h.collector.SessionStarted()
		defer h.collector.SessionEnded()
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	logger := h.logger.With(zap.String("session_id", sess.ID))
	logger.Info("voice websocket connected", zap.Int("sample_rate", sampleRate))

	// 写协程：会话事件 → 文本帧
	var writerDone sync.WaitGroup
	writerDone.Add(1)
	go func() {
		defer writerDone.Done()
		for ev := range sess.Events() {
			data, err := json.Marshal(ev)
			if err != nil {
				logger.Warn("marshal session event failed", zap.Error(err))
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				logger.Debug("websocket write ended", zap.Error(err))
				cancel()
				return
			}
		}
	}()

	// 读循环：音频与控制命令
	h.readLoop(ctx, conn, sess, sampleRate, logger)

	_ = sess.Close()
	writerDone.Wait()
	_ = conn.Close(websocket.StatusNormalClosure, "session complete")

	m := sess.Metrics()
	if h.collector != nil {
		h.collector.RecordAudioSeconds(m.TotalAudioSeconds)
	}
	logger.Info("voice websocket closed",
		zap.Int64("turns", m.Turns),
		zap.Int64("interruptions", m.Interruptions),
		zap.Float64("audio_seconds", m.TotalAudioSeconds),
	)
}

// readLoop 消费客户端帧，直到连接断开或收到 close 命令
func (h *VoiceHandler) readLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session, sampleRate int, logger *zap.Logger) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			// 正常关闭或上下文取消都会走到这里
			logger.Debug("websocket read ended", zap.Error(err))
			return
		}

		switch typ {
		case websocket.MessageBinary:
			chunk := speech.AudioChunk{
				Data:       data,
				SampleRate: sampleRate,
				Timestamp:  time.Now(),
			}
			if err := sess.SendAudio(ctx, chunk); err != nil {
				var apiErr *types.Error
				if errors.As(err, &apiErr) && apiErr.Code == types.ErrSessionClosed {
					return
				}
				logger.Warn("send audio failed", zap.Error(err))
			}

		case websocket.MessageText:
			var ctl controlMessage
			if err := json.Unmarshal(data, &ctl); err != nil {
				logger.Warn("malformed control message", zap.Error(err))
				continue
			}
			switch ctl.Type {
			case "interrupt":
				sess.Interrupt()
				if h.collector != nil {
					h.collector.RecordInterruption()
				}
			case "close":
				return
			default:
				logger.Warn("unknown control command", zap.String("type", ctl.Type))
			}
		}
	}
}
