package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/ambientflow/guardrails"
	"github.com/BaSui01/ambientflow/llm"
	"github.com/BaSui01/ambientflow/speech"
	"github.com/BaSui01/ambientflow/types"
)

// State 会话状态
type State string

const (
	StateIdle        State = "idle"
	StateListening   State = "listening"
	StateProcessing  State = "processing"
	StateSpeaking    State = "speaking"
	StateInterrupted State = "interrupted"
)

// EventKind 会话事件类型
type EventKind string

const (
	// EventTranscript 转写事件（中间或最终）
	EventTranscript EventKind = "transcript"
	// EventAudio 合成音频事件
	EventAudio EventKind = "audio"
	// EventState 状态变更事件
	EventState EventKind = "state"
	// EventRefusal 护栏拒答事件
	EventRefusal EventKind = "refusal"
	// EventError 管线错误事件
	EventError EventKind = "error"
)

// Event 会话输出事件
type Event struct {
	Kind       EventKind               `json:"kind"`
	Transcript *speech.TranscriptEvent `json:"transcript,omitempty"`
	Audio      []byte                  `json:"audio,omitempty"`
	Text       string                  `json:"text,omitempty"`
	State      State                   `json:"state,omitempty"`
	Err        string                  `json:"error,omitempty"`
	Timestamp  time.Time               `json:"timestamp"`
}

// Config 会话配置
type Config struct {
	// SampleRate 输入音频采样率
	SampleRate int
	// Model 推理模型标识
	Model string
	// SystemPrompt 系统提示词
	SystemPrompt string
	// MaxTokens 单轮回复 token 上限
	MaxTokens int
	// Temperature 采样温度
	Temperature float32
	// ContextWindow 模型上下文窗口，用于历史裁剪
	ContextWindow int
	// InterruptEnabled 是否允许打断
	InterruptEnabled bool
	// RefusalMessage 护栏拒答话术
	RefusalMessage string
	// BufferSize 事件通道缓冲
	BufferSize int
}

// DefaultConfig 返回低延迟场景的默认配置
func DefaultConfig() Config {
	return Config{
		SampleRate:       16000,
		MaxTokens:        1024,
		Temperature:      0.2,
		ContextWindow:    8192,
		InterruptEnabled: true,
		RefusalMessage:   "I'm sorry, I can't help with that. Is there something else I can assist you with?",
		BufferSize:       128,
	}
}

// Metrics 会话性能指标
type Metrics struct {
	Turns              int64         `json:"turns"`
	Interruptions      int64         `json:"interruptions"`
	TotalAudioSeconds  float64       `json:"total_audio_seconds"`
	AverageTurnLatency time.Duration `json:"average_turn_latency"`
}

// TurnObserver 接收每轮端到端延迟，用于指标上报
type TurnObserver interface {
	RecordTurnLatency(latency time.Duration)
}

// Manager 语音会话管理器
// 持有各管线组件的共享依赖，按需开启会话。
type Manager struct {
	config   Config
	asr      speech.StreamingASR
	tts      speech.TTSProvider
	llm      llm.Provider
	input    *guardrails.Chain
	output   *guardrails.Chain
	trimmer  *llm.HistoryTrimmer
	observer TurnObserver
	logger   *zap.Logger
}

// NewManager 创建会话管理器。input/output 护栏链可为 nil（跳过检查）。
func NewManager(config Config, asr speech.StreamingASR, tts speech.TTSProvider, provider llm.Provider, input, output *guardrails.Chain, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 128
	}
	return &Manager{
		config:  config,
		asr:     asr,
		tts:     tts,
		llm:     provider,
		input:   input,
		output:  output,
		trimmer: llm.NewHistoryTrimmer(config.ContextWindow),
		logger:  logger,
	}
}

// SetObserver 设置轮次指标观察者，必须在开启会话前调用。
func (m *Manager) SetObserver(obs TurnObserver) { m.observer = obs }

// Start 开启一个语音会话。
// sampleRate 为本次会话的输入采样率，<=0 时使用配置默认值。
func (m *Manager) Start(ctx context.Context, sampleRate int) (*Session, error) {
	if sampleRate <= 0 {
		sampleRate = m.config.SampleRate
	}
	stream, err := m.asr.StartStream(ctx, sampleRate)
	if err != nil {
		return nil, types.NewError(types.ErrServiceUnavailable, "start ASR stream").
			WithCause(err).WithService("asr")
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:         uuid.NewString(),
		manager:    m,
		stream:     stream,
		sampleRate: sampleRate,
		events:     make(chan Event, m.config.BufferSize),
		startTime:  time.Now(),
		ctx:        sctx,
		cancel:     cancel,
		state:      StateListening,
	}
	if m.config.SystemPrompt != "" {
		s.history = append(s.history, types.NewSystemMessage(m.config.SystemPrompt))
	}

	s.wg.Add(1)
	go s.processTranscripts()

	m.logger.Info("voice session started",
		zap.String("session_id", s.ID),
		zap.Int("sample_rate", sampleRate))

	return s, nil
}

// Session 一次活动的语音会话
type Session struct {
	ID         string
	manager    *Manager
	stream     speech.ASRStream
	sampleRate int
	events     chan Event
	startTime  time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	state   State
	history []types.Message

	turnMu     sync.Mutex
	turnCancel context.CancelFunc

	metricsMu    sync.Mutex
	metrics      Metrics
	totalLatency time.Duration
}

// SendAudio 向会话发送一块音频
func (s *Session) SendAudio(ctx context.Context, chunk speech.AudioChunk) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return types.NewError(types.ErrSessionClosed, "session is closed")
	}
	s.mu.Unlock()

	if err := s.stream.Send(ctx, chunk); err != nil {
		return err
	}

	// 16-bit 单声道 PCM 估算音频时长
	if chunk.SampleRate > 0 {
		s.metricsMu.Lock()
		s.metrics.TotalAudioSeconds += float64(len(chunk.Data)) / float64(2*chunk.SampleRate)
		s.metricsMu.Unlock()
	}
	return nil
}

// Events 返回会话输出事件通道，会话关闭后通道关闭
func (s *Session) Events() <-chan Event { return s.events }

// SampleRate 返回本会话 ASR 流实际使用的采样率
func (s *Session) SampleRate() int { return s.sampleRate }

// State 返回当前状态
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Metrics 返回当前会话指标快照
func (s *Session) Metrics() Metrics {
	s.metricsMu.Lock()
	defer s.metricsMu.Unlock()
	return s.metrics
}

// Interrupt 打断当前发言，取消进行中的推理与合成
func (s *Session) Interrupt() {
	if !s.manager.config.InterruptEnabled {
		return
	}
	if s.State() != StateSpeaking && s.State() != StateProcessing {
		return
	}

	s.turnMu.Lock()
	cancel := s.turnCancel
	s.turnMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()

	s.setState(StateInterrupted)
	s.metricsMu.Lock()
	s.metrics.Interruptions++
	s.metricsMu.Unlock()

	s.manager.logger.Debug("session interrupted", zap.String("session_id", s.ID))
	s.setState(StateListening)
}

// Close 关闭会话，幂等
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.state = StateIdle
	s.mu.Unlock()

	s.cancel()
	_ = s.stream.Close()
	s.wg.Wait()
	close(s.events)

	s.manager.logger.Info("voice session closed",
		zap.String("session_id", s.ID),
		zap.Duration("duration", time.Since(s.startTime)))
	return nil
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.mu.Unlock()

	s.emit(Event{Kind: EventState, State: state, Timestamp: time.Now()})
}

// emit 发送事件，会话关闭时丢弃
func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// processTranscripts 消费 ASR 事件，最终转写触发一轮推理
func (s *Session) processTranscripts() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-s.stream.Results():
			if !ok {
				return
			}
			tev := ev
			s.emit(Event{Kind: EventTranscript, Transcript: &tev, Timestamp: time.Now()})

			if !ev.IsFinal || strings.TrimSpace(ev.Text) == "" {
				continue
			}

			s.setState(StateProcessing)

			turnCtx, turnCancel := context.WithCancel(s.ctx)
			s.turnMu.Lock()
			s.turnCancel = turnCancel
			s.turnMu.Unlock()

			s.wg.Add(1)
			go func(text string) {
				defer s.wg.Done()
				defer turnCancel()
				s.runTurn(turnCtx, text)
			}(ev.Text)
		}
	}
}

// runTurn 执行一轮完整的 对话→护栏→推理→合成 管线
func (s *Session) runTurn(ctx context.Context, userText string) {
	turnStart := time.Now()
	logger := s.manager.logger.With(zap.String("session_id", s.ID))

	defer func() {
		if s.State() == StateProcessing || s.State() == StateSpeaking {
			s.setState(StateListening)
		}
	}()

	// 输入护栏
	input := userText
	if s.manager.input != nil {
		result, err := s.manager.input.Validate(ctx, userText)
		var trip *guardrails.TripwireError
		if errors.As(err, &trip) || (result != nil && !result.Valid) {
			logger.Warn("input rejected by guardrails", zap.Bool("tripwire", errors.As(err, &trip)))
			s.speakRefusal(ctx)
			return
		}
		if err != nil {
			logger.Error("input guardrail error", zap.Error(err))
			s.emit(Event{Kind: EventError, Err: err.Error(), Timestamp: time.Now()})
			return
		}
		input = result.MaskedContent(userText)
	}

	// 组装消息并裁剪历史
	s.mu.Lock()
	s.history = append(s.history, types.NewUserMessage(input))
	messages := make([]types.Message, len(s.history))
	copy(messages, s.history)
	s.mu.Unlock()

	trimmed, err := s.manager.trimmer.Trim(messages, s.manager.config.MaxTokens)
	if err != nil {
		logger.Warn("history trim failed, sending untrimmed", zap.Error(err))
		trimmed = messages
	}

	// 推理流
	chunks, err := s.manager.llm.Stream(ctx, &llm.ChatRequest{
		Model:       s.manager.config.Model,
		Messages:    trimmed,
		MaxTokens:   s.manager.config.MaxTokens,
		Temperature: s.manager.config.Temperature,
	})
	if err != nil {
		logger.Error("reasoning stream failed", zap.Error(err))
		s.emit(Event{Kind: EventError, Err: err.Error(), Timestamp: time.Now()})
		return
	}

	s.setState(StateSpeaking)

	// TTS 流式合成
	textChan := make(chan string, 8)
	speechChan, err := s.manager.tts.SynthesizeStream(ctx, textChan)
	if err != nil {
		close(textChan)
		logger.Error("synthesis stream failed", zap.Error(err))
		s.emit(Event{Kind: EventError, Err: err.Error(), Timestamp: time.Now()})
		return
	}

	var speechDone sync.WaitGroup
	speechDone.Add(1)
	firstAudio := time.Time{}
	go func() {
		defer speechDone.Done()
		for sp := range speechChan {
			if len(sp.Audio) == 0 {
				continue
			}
			if firstAudio.IsZero() {
				firstAudio = time.Now()
			}
			s.emit(Event{Kind: EventAudio, Audio: sp.Audio, Text: sp.Text, Timestamp: time.Now()})
		}
	}()

	// 句边界切分 + 输出护栏，逐句送入合成
	var reply strings.Builder
	var pending string
	tripped := false

streamLoop:
	for chunk := range chunks {
		if chunk.Err != nil {
			logger.Error("reasoning chunk error", zap.Error(chunk.Err))
			s.emit(Event{Kind: EventError, Err: chunk.Err.Error(), Timestamp: time.Now()})
			break
		}
		pending += chunk.Delta.Content

		sentences, rest := splitSentences(pending)
		pending = rest
		for _, sentence := range sentences {
			ok := s.guardSentence(ctx, textChan, sentence, &reply, logger)
			if !ok {
				tripped = true
				break streamLoop
			}
		}
	}

	// 冲刷未完结的尾句
	if !tripped && strings.TrimSpace(pending) != "" {
		if !s.guardSentence(ctx, textChan, strings.TrimSpace(pending), &reply, logger) {
			tripped = true
		}
	}

	close(textChan)
	speechDone.Wait()

	if tripped {
		// 该轮剩余内容不得合成，拒答替代
		s.speakRefusal(ctx)
		return
	}

	if reply.Len() > 0 {
		s.mu.Lock()
		s.history = append(s.history, types.NewAssistantMessage(reply.String()))
		s.mu.Unlock()
	}

	s.recordTurn(turnStart, firstAudio)
}

// guardSentence 输出护栏逐句检查，通过则送入合成。返回 false 表示 Tripwire。
func (s *Session) guardSentence(ctx context.Context, textChan chan<- string, sentence string, reply *strings.Builder, logger *zap.Logger) bool {
	out := sentence
	if s.manager.output != nil {
		result, err := s.manager.output.Validate(ctx, sentence)
		var trip *guardrails.TripwireError
		if errors.As(err, &trip) {
			logger.Warn("output tripwire, dropping remainder of turn",
				zap.String("validator", trip.ValidatorName))
			return false
		}
		if err != nil {
			logger.Error("output guardrail error", zap.Error(err))
			return false
		}
		if !result.Valid {
			logger.Warn("output sentence rejected, skipping")
			return true
		}
		out = result.MaskedContent(sentence)
	}

	select {
	case textChan <- out:
	case <-ctx.Done():
		return false
	}
	reply.WriteString(out)
	reply.WriteString(" ")
	return true
}

// speakRefusal 合成并下发固定拒答话术
func (s *Session) speakRefusal(ctx context.Context) {
	msg := s.manager.config.RefusalMessage
	s.emit(Event{Kind: EventRefusal, Text: msg, Timestamp: time.Now()})

	resp, err := s.manager.tts.Synthesize(ctx, &speech.TTSRequest{Text: msg})
	if err != nil {
		s.manager.logger.Warn("refusal synthesis failed", zap.Error(err))
		return
	}
	s.emit(Event{Kind: EventAudio, Audio: resp.AudioData, Text: msg, Timestamp: time.Now()})
}

// recordTurn 记录单轮延迟指标
func (s *Session) recordTurn(start, firstAudio time.Time) {
	latency := time.Since(start)
	if !firstAudio.IsZero() {
		latency = firstAudio.Sub(start)
	}

	s.metricsMu.Lock()
	s.metrics.Turns++
	s.totalLatency += latency
	s.metrics.AverageTurnLatency = s.totalLatency / time.Duration(s.metrics.Turns)
	s.metricsMu.Unlock()

	if s.manager.observer != nil {
		s.manager.observer.RecordTurnLatency(latency)
	}
}
