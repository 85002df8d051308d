package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/ambientflow/internal/tlsutil"
)

// RivaTTSProvider 使用 Riva TTS NIM 的 HTTP 接口执行语音合成。
type RivaTTSProvider struct {
	cfg    RivaTTSConfig
	client *http.Client
	logger *zap.Logger
}

// NewRivaTTSProvider 创建 Riva TTS 客户端。
func NewRivaTTSProvider(cfg RivaTTSConfig, logger *zap.Logger) *RivaTTSProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:9010"
	}
	if cfg.Voice == "" {
		cfg.Voice = "English-US.Female-1"
	}
	if cfg.Language == "" {
		cfg.Language = "en-US"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	return &RivaTTSProvider{
		cfg:    cfg,
		client: tlsutil.SecureHTTPClient(timeout),
		logger: logger.With(zap.String("component", "riva_tts")),
	}
}

func (p *RivaTTSProvider) Name() string { return "riva-tts" }

type rivaTTSRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	Language   string `json:"language,omitempty"`
	SampleRate int    `json:"sample_rate_hz,omitempty"`
	Encoding   string `json:"encoding,omitempty"`
}

// Synthesize 将文本转换为语音，响应体为原始音频字节。
func (p *RivaTTSProvider) Synthesize(ctx context.Context, req *TTSRequest) (*TTSResponse, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("text is required")
	}

	voice := req.Voice
	if voice == "" {
		voice = p.cfg.Voice
	}
	sampleRate := req.SampleRate
	if sampleRate == 0 {
		sampleRate = p.cfg.SampleRate
	}
	format := req.Format
	if format == "" {
		format = "wav"
	}

	body := rivaTTSRequest{
		Text:       req.Text,
		Voice:      voice,
		Language:   p.cfg.Language,
		SampleRate: sampleRate,
		Encoding:   format,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := strings.TrimRight(p.cfg.BaseURL, "/") + "/v1/audio/speech"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("riva tts request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("riva tts error: status=%d body=%s", resp.StatusCode, string(errBody))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}

	return &TTSResponse{
		Provider:  p.Name(),
		Voice:     voice,
		AudioData: audio,
		Format:    format,
		CharCount: len(req.Text),
		CreatedAt: time.Now(),
	}, nil
}

// SynthesizeStream 逐段消费文本并合成，输出按输入顺序排列。
// 上游按句边界切分文本可以最小化首音延迟。
func (p *RivaTTSProvider) SynthesizeStream(ctx context.Context, textChan <-chan string) (<-chan SpeechEvent, error) {
	out := make(chan SpeechEvent, 8)

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case text, ok := <-textChan:
				if !ok {
					// 输入结束，发送终止事件
					select {
					case out <- SpeechEvent{IsFinal: true, Timestamp: time.Now()}:
					case <-ctx.Done():
					}
					return
				}
				if strings.TrimSpace(text) == "" {
					continue
				}

				resp, err := p.Synthesize(ctx, &TTSRequest{Text: text})
				if err != nil {
					// 合成失败跳过该段，管线整体不中断
					p.logger.Warn("segment synthesis failed", zap.Error(err))
					continue
				}
				select {
				case out <- SpeechEvent{Audio: resp.AudioData, Text: text, Timestamp: time.Now()}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
