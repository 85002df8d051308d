package speech

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BaSui01/ambientflow/internal/tlsutil"
	"github.com/BaSui01/ambientflow/types"
)

// RivaASRProvider 使用 Riva ASR NIM 的 HTTP 接口执行离线转写。
type RivaASRProvider struct {
	cfg    RivaASRConfig
	client *http.Client
}

// NewRivaASRProvider 创建 Riva ASR 客户端。
func NewRivaASRProvider(cfg RivaASRConfig) *RivaASRProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:9000"
	}
	if cfg.Model == "" {
		cfg.Model = "parakeet-ctc-1.1b"
	}
	if cfg.Language == "" {
		cfg.Language = "en-US"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}

	return &RivaASRProvider{
		cfg:    cfg,
		client: tlsutil.SecureHTTPClient(timeout),
	}
}

func (p *RivaASRProvider) Name() string { return "riva-asr" }

func (p *RivaASRProvider) SupportedFormats() []string {
	return []string{"wav", "flac", "ogg", "opus", "pcm"}
}

type rivaASRResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language,omitempty"`
	Duration float64 `json:"duration,omitempty"`
	Segments []struct {
		ID         int     `json:"id"`
		Start      float64 `json:"start"`
		End        float64 `json:"end"`
		Text       string  `json:"text"`
		Speaker    int     `json:"speaker,omitempty"`
		Confidence float64 `json:"confidence,omitempty"`
	} `json:"segments,omitempty"`
	Words []struct {
		Word       string  `json:"word"`
		Start      float64 `json:"start"`
		End        float64 `json:"end"`
		Confidence float64 `json:"confidence,omitempty"`
		Speaker    int     `json:"speaker,omitempty"`
	} `json:"words,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// speakerLabel 将 Riva 的说话人编号映射到领域角色。
// 门诊录音默认先发言的是医生（speaker 0）。
func speakerLabel(speaker int, diarized bool) types.Speaker {
	if !diarized {
		return types.SpeakerUnknown
	}
	switch speaker {
	case 0:
		return types.SpeakerProvider
	case 1:
		return types.SpeakerPatient
	default:
		return types.SpeakerUnknown
	}
}

// Transcribe 将音频转换为文本。
func (p *RivaASRProvider) Transcribe(ctx context.Context, req *ASRRequest) (*ASRResponse, error) {
	if req.Audio == nil {
		return nil, fmt.Errorf("audio input is required")
	}

	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}
	language := req.Language
	if language == "" {
		language = p.cfg.Language
	}

	params := url.Values{}
	params.Set("model", model)
	params.Set("language", language)
	params.Set("word_timestamps", "true")
	if req.Diarization {
		params.Set("diarization", "true")
	}

	endpoint := fmt.Sprintf("%s/v1/audio/transcriptions?%s",
		strings.TrimRight(p.cfg.BaseURL, "/"), params.Encode())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, req.Audio)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	contentType := req.ContentType
	if contentType == "" {
		contentType = "audio/wav"
	}
	httpReq.Header.Set("Content-Type", contentType)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("riva asr request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("riva asr error: status=%d body=%s", resp.StatusCode, string(errBody))
	}

	var rResp rivaASRResponse
	if err := json.NewDecoder(resp.Body).Decode(&rResp); err != nil {
		return nil, fmt.Errorf("decode riva asr response: %w", err)
	}

	result := &ASRResponse{
		Provider:   p.Name(),
		Model:      model,
		Text:       rResp.Text,
		Language:   rResp.Language,
		Duration:   time.Duration(rResp.Duration * float64(time.Second)),
		Confidence: rResp.Confidence,
		CreatedAt:  time.Now(),
	}

	for _, s := range rResp.Segments {
		result.Segments = append(result.Segments, types.TranscriptSegment{
			ID:         s.ID,
			Start:      time.Duration(s.Start * float64(time.Second)),
			End:        time.Duration(s.End * float64(time.Second)),
			Text:       s.Text,
			Speaker:    speakerLabel(s.Speaker, req.Diarization),
			Confidence: s.Confidence,
		})
	}

	for _, w := range rResp.Words {
		word := Word{
			Word:       w.Word,
			Start:      time.Duration(w.Start * float64(time.Second)),
			End:        time.Duration(w.End * float64(time.Second)),
			Confidence: w.Confidence,
		}
		if req.Diarization {
			word.Speaker = string(speakerLabel(w.Speaker, true))
		}
		result.Words = append(result.Words, word)
	}

	return result, nil
}
