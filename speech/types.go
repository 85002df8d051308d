package speech

import (
	"context"
	"io"
	"time"

	"github.com/BaSui01/ambientflow/types"
)

// ============================================================
// 语音转文本（ASR）
// ============================================================

// ASRRequest 代表一次离线转写请求。
type ASRRequest struct {
	Audio       io.Reader         `json:"-"`
	ContentType string            `json:"content_type,omitempty"` // audio/wav, audio/mpeg...
	Model       string            `json:"model,omitempty"`
	Language    string            `json:"language,omitempty"` // BCP-47, 如 en-US
	Diarization bool              `json:"diarization,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ASRResponse 代表转写结果。
type ASRResponse struct {
	Provider   string                    `json:"provider"`
	Model      string                    `json:"model"`
	Text       string                    `json:"text"`
	Language   string                    `json:"language,omitempty"`
	Duration   time.Duration             `json:"duration,omitempty"`
	Segments   []types.TranscriptSegment `json:"segments,omitempty"`
	Words      []Word                    `json:"words,omitempty"`
	Confidence float64                   `json:"confidence,omitempty"`
	CreatedAt  time.Time                 `json:"created_at"`
}

// Word 带时间戳的转写词。
type Word struct {
	Word       string        `json:"word"`
	Start      time.Duration `json:"start"`
	End        time.Duration `json:"end"`
	Confidence float64       `json:"confidence,omitempty"`
	Speaker    string        `json:"speaker,omitempty"`
}

// ASRProvider 定义离线转写接口。
type ASRProvider interface {
	// Transcribe 将音频转换为文本
	Transcribe(ctx context.Context, req *ASRRequest) (*ASRResponse, error)

	// Name 返回提供者名称
	Name() string

	// SupportedFormats 返回支持的音频格式
	SupportedFormats() []string
}

// ============================================================
// 流式识别
// ============================================================

// AudioChunk 一块原始音频数据。
type AudioChunk struct {
	Data       []byte    `json:"data"`
	SampleRate int       `json:"sample_rate"`
	Timestamp  time.Time `json:"timestamp"`
	IsFinal    bool      `json:"is_final"`
}

// TranscriptEvent 流式识别事件。IsFinal 为 false 时为中间结果。
type TranscriptEvent struct {
	Text       string        `json:"text"`
	IsFinal    bool          `json:"is_final"`
	Speaker    types.Speaker `json:"speaker,omitempty"`
	Confidence float64       `json:"confidence,omitempty"`
	Start      time.Duration `json:"start,omitempty"`
	End        time.Duration `json:"end,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

// ASRStream 代表一个流式识别会话。
type ASRStream interface {
	// Send 发送音频块
	Send(ctx context.Context, chunk AudioChunk) error
	// Results 返回识别事件通道，会话结束后关闭
	Results() <-chan TranscriptEvent
	// Close 结束会话
	Close() error
}

// StreamingASR 定义流式识别接口。
type StreamingASR interface {
	// StartStream 开启一个流式识别会话
	StartStream(ctx context.Context, sampleRate int) (ASRStream, error)
	// Name 返回提供者名称
	Name() string
}

// ============================================================
// 文本转语音（TTS）
// ============================================================

// TTSRequest 代表一次合成请求。
type TTSRequest struct {
	Text       string            `json:"text"`
	Voice      string            `json:"voice,omitempty"`
	Language   string            `json:"language,omitempty"`
	SampleRate int               `json:"sample_rate,omitempty"`
	Format     string            `json:"format,omitempty"` // wav, pcm, opus
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// TTSResponse 代表合成结果。
type TTSResponse struct {
	Provider  string        `json:"provider"`
	Voice     string        `json:"voice"`
	AudioData []byte        `json:"audio_data,omitempty"`
	Format    string        `json:"format"`
	Duration  time.Duration `json:"duration,omitempty"`
	CharCount int           `json:"char_count,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// SpeechEvent 流式合成事件。
type SpeechEvent struct {
	Audio     []byte    `json:"audio"`
	Text      string    `json:"text"`
	IsFinal   bool      `json:"is_final"`
	Timestamp time.Time `json:"timestamp"`
}

// TTSProvider 定义 TTS 接口。
type TTSProvider interface {
	// Synthesize 将文本转换为语音
	Synthesize(ctx context.Context, req *TTSRequest) (*TTSResponse, error)

	// SynthesizeStream 消费文本通道，逐段合成，用于低延迟管线
	SynthesizeStream(ctx context.Context, textChan <-chan string) (<-chan SpeechEvent, error)

	// Name 返回提供者名称
	Name() string
}
