package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/ambientflow/guardrails"
	"github.com/BaSui01/ambientflow/llm"
	"github.com/BaSui01/ambientflow/speech"
	"github.com/BaSui01/ambientflow/types"
)

// ===== 测试替身 =====

type fakeASRStream struct {
	results chan speech.TranscriptEvent
	mu      sync.Mutex
	closed  bool
}

func newFakeASRStream() *fakeASRStream {
	return &fakeASRStream{results: make(chan speech.TranscriptEvent, 16)}
}

func (f *fakeASRStream) Send(ctx context.Context, chunk speech.AudioChunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("stream closed")
	}
	return nil
}

func (f *fakeASRStream) Results() <-chan speech.TranscriptEvent { return f.results }

func (f *fakeASRStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.results)
	}
	return nil
}

// push 模拟 ASR 产出一条最终转写
func (f *fakeASRStream) push(text string) {
	f.results <- speech.TranscriptEvent{Text: text, IsFinal: true, Speaker: types.SpeakerPatient}
}

type fakeASR struct {
	stream *fakeASRStream
	mu     sync.Mutex
	rate   int
}

func (f *fakeASR) StartStream(ctx context.Context, sampleRate int) (speech.ASRStream, error) {
	f.mu.Lock()
	f.rate = sampleRate
	f.mu.Unlock()
	return f.stream, nil
}

func (f *fakeASR) lastRate() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rate
}

func (f *fakeASR) Name() string { return "fake-asr" }

type fakeTTS struct {
	mu          sync.Mutex
	synthesized []string
}

func (f *fakeTTS) Synthesize(ctx context.Context, req *speech.TTSRequest) (*speech.TTSResponse, error) {
	f.mu.Lock()
	f.synthesized = append(f.synthesized, req.Text)
	f.mu.Unlock()
	return &speech.TTSResponse{AudioData: []byte("audio:" + req.Text)}, nil
}

func (f *fakeTTS) SynthesizeStream(ctx context.Context, textChan <-chan string) (<-chan speech.SpeechEvent, error) {
	out := make(chan speech.SpeechEvent, 16)
	go func() {
		defer close(out)
		for text := range textChan {
			f.mu.Lock()
			f.synthesized = append(f.synthesized, text)
			f.mu.Unlock()
			out <- speech.SpeechEvent{Audio: []byte("audio:" + text), Text: text}
		}
	}()
	return out, nil
}

func (f *fakeTTS) Name() string { return "fake-tts" }

func (f *fakeTTS) all() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.synthesized...)
}

type fakeLLM struct {
	deltas []string
	block  bool
	calls  int
	mu     sync.Mutex
}

func (f *fakeLLM) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{Choices: []llm.ChatChoice{{Message: types.NewAssistantMessage(strings.Join(f.deltas, ""))}}}, nil
}

func (f *fakeLLM) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	ch := make(chan llm.StreamChunk)
	go func() {
		defer close(ch)
		if f.block {
			<-ctx.Done()
			return
		}
		for _, d := range f.deltas {
			select {
			case ch <- llm.StreamChunk{Delta: types.NewAssistantMessage(d)}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (f *fakeLLM) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	return &llm.HealthStatus{Healthy: true}, nil
}

func (f *fakeLLM) Name() string { return "fake-llm" }

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// stubTurnObserver 记录每轮对话耗时
type stubTurnObserver struct {
	mu        sync.Mutex
	latencies []time.Duration
}

func (o *stubTurnObserver) RecordTurnLatency(latency time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.latencies = append(o.latencies, latency)
}

func (o *stubTurnObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.latencies)
}

// rejectValidator 固定拒绝
type rejectValidator struct{ tripwire bool }

func (v *rejectValidator) Name() string  { return "reject" }
func (v *rejectValidator) Priority() int { return 1 }

func (v *rejectValidator) Validate(ctx context.Context, content string) (*guardrails.ValidationResult, error) {
	result := guardrails.NewValidationResult()
	result.Tripwire = v.tripwire
	if !v.tripwire {
		result.AddError(guardrails.ValidationError{
			Code:     guardrails.ErrCodeValidationFailed,
			Message:  "rejected",
			Severity: guardrails.SeverityHigh,
		})
	}
	return result, nil
}

// ===== 辅助 =====

// collectUntil 收集事件直到谓词满足或超时
func collectUntil(t *testing.T, s *Session, timeout time.Duration, done func([]Event) bool) []Event {
	t.Helper()
	var events []Event
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
			if done(events) {
				return events
			}
		case <-deadline:
			t.Fatalf("timeout waiting for events, got %d so far", len(events))
		}
	}
}

func audioTexts(events []Event) []string {
	var texts []string
	for _, ev := range events {
		if ev.Kind == EventAudio {
			texts = append(texts, ev.Text)
		}
	}
	return texts
}

func hasKind(events []Event, kind EventKind) bool {
	for _, ev := range events {
		if ev.Kind == kind {
			return true
		}
	}
	return false
}

// ===== 测试 =====

func TestSession_FullTurn(t *testing.T) {
	stream := newFakeASRStream()
	tts := &fakeTTS{}
	provider := &fakeLLM{deltas: []string{"Take it twice ", "daily. With food."}}

	mgr := NewManager(DefaultConfig(), &fakeASR{stream: stream}, tts, provider, nil, nil, nil)
	s, err := mgr.Start(context.Background(), 0)
	require.NoError(t, err)
	defer s.Close()

	stream.push("how should I take my medication?")

	events := collectUntil(t, s, 5*time.Second, func(evs []Event) bool {
		return len(audioTexts(evs)) >= 2
	})

	assert.True(t, hasKind(events, EventTranscript))
	texts := audioTexts(events)
	assert.Contains(t, texts, "Take it twice daily.")
	assert.Contains(t, texts, "With food.")

	assert.Eventually(t, func() bool {
		return s.Metrics().Turns == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSession_InterimTranscriptDoesNotTriggerTurn(t *testing.T) {
	stream := newFakeASRStream()
	provider := &fakeLLM{deltas: []string{"reply."}}

	mgr := NewManager(DefaultConfig(), &fakeASR{stream: stream}, &fakeTTS{}, provider, nil, nil, nil)
	s, err := mgr.Start(context.Background(), 0)
	require.NoError(t, err)
	defer s.Close()

	stream.results <- speech.TranscriptEvent{Text: "how should", IsFinal: false}

	events := collectUntil(t, s, 2*time.Second, func(evs []Event) bool {
		return hasKind(evs, EventTranscript)
	})
	assert.True(t, hasKind(events, EventTranscript))
	assert.Equal(t, 0, provider.callCount())
}

func TestSession_InputGuardrailRefusal(t *testing.T) {
	stream := newFakeASRStream()
	tts := &fakeTTS{}
	provider := &fakeLLM{deltas: []string{"should never appear."}}

	input := guardrails.NewChain(guardrails.ChainModeFailFast)
	input.Add(&rejectValidator{})

	cfg := DefaultConfig()
	mgr := NewManager(cfg, &fakeASR{stream: stream}, tts, provider, input, nil, nil)
	s, err := mgr.Start(context.Background(), 0)
	require.NoError(t, err)
	defer s.Close()

	stream.push("blocked request")

	events := collectUntil(t, s, 5*time.Second, func(evs []Event) bool {
		return hasKind(evs, EventRefusal)
	})

	assert.True(t, hasKind(events, EventRefusal))
	assert.Equal(t, 0, provider.callCount(), "rejected input must not reach the reasoning model")
}

func TestSession_OutputTripwireBlocksSynthesis(t *testing.T) {
	stream := newFakeASRStream()
	tts := &fakeTTS{}
	provider := &fakeLLM{deltas: []string{"Unsafe reply sentence. More unsafe text."}}

	output := guardrails.NewChain(guardrails.ChainModeFailFast)
	output.Add(&rejectValidator{tripwire: true})

	cfg := DefaultConfig()
	mgr := NewManager(cfg, &fakeASR{stream: stream}, tts, provider, nil, output, nil)
	s, err := mgr.Start(context.Background(), 0)
	require.NoError(t, err)
	defer s.Close()

	stream.push("trigger unsafe output")

	events := collectUntil(t, s, 5*time.Second, func(evs []Event) bool {
		return hasKind(evs, EventRefusal)
	})

	// 被拦截的内容不得出现在任何合成文本中
	for _, text := range tts.all() {
		assert.NotContains(t, text, "Unsafe reply sentence")
	}
	for _, text := range audioTexts(events) {
		assert.NotContains(t, text, "Unsafe reply sentence")
	}
	assert.Equal(t, cfg.RefusalMessage, events[len(events)-1].Text)
}

func TestSession_SendAudioAfterClose(t *testing.T) {
	stream := newFakeASRStream()
	mgr := NewManager(DefaultConfig(), &fakeASR{stream: stream}, &fakeTTS{}, &fakeLLM{}, nil, nil, nil)
	s, err := mgr.Start(context.Background(), 0)
	require.NoError(t, err)

	require.NoError(t, s.Close())

	err = s.SendAudio(context.Background(), speech.AudioChunk{Data: []byte("pcm")})
	require.Error(t, err)

	var terr *types.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, types.ErrSessionClosed, terr.Code)

	// Close 幂等
	assert.NoError(t, s.Close())
}

func TestSession_AudioSecondsMetric(t *testing.T) {
	stream := newFakeASRStream()
	mgr := NewManager(DefaultConfig(), &fakeASR{stream: stream}, &fakeTTS{}, &fakeLLM{}, nil, nil, nil)
	s, err := mgr.Start(context.Background(), 0)
	require.NoError(t, err)
	defer s.Close()

	// 1 秒 16kHz 16-bit 单声道 = 32000 字节
	err = s.SendAudio(context.Background(), speech.AudioChunk{Data: make([]byte, 32000), SampleRate: 16000})
	require.NoError(t, err)

	assert.InDelta(t, 1.0, s.Metrics().TotalAudioSeconds, 0.001)
}

func TestSession_Interrupt(t *testing.T) {
	stream := newFakeASRStream()
	provider := &fakeLLM{block: true}

	mgr := NewManager(DefaultConfig(), &fakeASR{stream: stream}, &fakeTTS{}, provider, nil, nil, nil)
	s, err := mgr.Start(context.Background(), 0)
	require.NoError(t, err)
	defer s.Close()

	stream.push("long question")

	// 等推理开始
	require.Eventually(t, func() bool {
		st := s.State()
		return st == StateProcessing || st == StateSpeaking
	}, 3*time.Second, 10*time.Millisecond)

	s.Interrupt()

	assert.Eventually(t, func() bool {
		return s.Metrics().Interruptions == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return s.State() == StateListening
	}, 2*time.Second, 10*time.Millisecond)
}

func TestManager_StartSampleRate(t *testing.T) {
	t.Run("override", func(t *testing.T) {
		asr := &fakeASR{stream: newFakeASRStream()}
		mgr := NewManager(DefaultConfig(), asr, &fakeTTS{}, &fakeLLM{}, nil, nil, nil)

		s, err := mgr.Start(context.Background(), 8000)
		require.NoError(t, err)
		defer s.Close()

		assert.Equal(t, 8000, asr.lastRate())
		assert.Equal(t, 8000, s.SampleRate())
	})

	t.Run("default when non-positive", func(t *testing.T) {
		asr := &fakeASR{stream: newFakeASRStream()}
		cfg := DefaultConfig()
		mgr := NewManager(cfg, asr, &fakeTTS{}, &fakeLLM{}, nil, nil, nil)

		s, err := mgr.Start(context.Background(), 0)
		require.NoError(t, err)
		defer s.Close()

		assert.Equal(t, cfg.SampleRate, asr.lastRate())
		assert.Equal(t, cfg.SampleRate, s.SampleRate())
	})
}

func TestSession_TurnLatencyObserver(t *testing.T) {
	stream := newFakeASRStream()
	provider := &fakeLLM{deltas: []string{"reply."}}
	obs := &stubTurnObserver{}

	mgr := NewManager(DefaultConfig(), &fakeASR{stream: stream}, &fakeTTS{}, provider, nil, nil, nil)
	mgr.SetObserver(obs)

	s, err := mgr.Start(context.Background(), 0)
	require.NoError(t, err)
	defer s.Close()

	stream.push("how are you?")

	collectUntil(t, s, 5*time.Second, func(evs []Event) bool {
		return len(audioTexts(evs)) >= 1
	})

	assert.Eventually(t, func() bool {
		return obs.count() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSession_InterruptDisabled(t *testing.T) {
	stream := newFakeASRStream()
	cfg := DefaultConfig()
	cfg.InterruptEnabled = false

	mgr := NewManager(cfg, &fakeASR{stream: stream}, &fakeTTS{}, &fakeLLM{}, nil, nil, nil)
	s, err := mgr.Start(context.Background(), 0)
	require.NoError(t, err)
	defer s.Close()

	s.Interrupt()
	assert.Equal(t, int64(0), s.Metrics().Interruptions)
}
