package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/ambientflow/agent/scribe"
	"github.com/BaSui01/ambientflow/api"
	"github.com/BaSui01/ambientflow/internal/metrics"
	"github.com/BaSui01/ambientflow/speech"
	"github.com/BaSui01/ambientflow/types"
	"go.uber.org/zap"
)

// maxAudioBodyBytes 单次批量音频上传上限
const maxAudioBodyBytes = 32 << 20 // 32 MB

// =============================================================================
// 🩺 就诊会话 Handler
// =============================================================================

// EncounterHandler 就诊会话处理器：开启、批量音频转写、定稿与文书查询。
type EncounterHandler struct {
	scribe    *scribe.Scribe
	asr       speech.ASRProvider
	language  string
	collector *metrics.Collector
	logger    *zap.Logger
}

// NewEncounterHandler 创建就诊会话处理器。collector 可为 nil。
func NewEncounterHandler(s *scribe.Scribe, asr speech.ASRProvider, language string, collector *metrics.Collector, logger *zap.Logger) *EncounterHandler {
	return &EncounterHandler{
		scribe:    s,
		asr:       asr,
		language:  language,
		collector: collector,
		logger:    logger.With(zap.String("handler", "encounter")),
	}
}

// HandleStart 处理 POST /v1/encounters
// 开启一次就诊录音会话。请求体可为空或携带元数据。
func (h *EncounterHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	var req api.StartEncounterRequest
	if r.ContentLength > 0 {
		if !ValidateContentType(w, r, h.logger) {
			return
		}
		if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
			return
		}
	}

	enc, err := h.scribe.StartEncounter(r.Context(), req.Metadata)
	if err != nil {
		writeDomainError(w, err, h.logger)
		return
	}

	WriteCreated(w, api.NewEncounterResponse(enc))
}

// HandleGet 处理 GET /v1/encounters/{id}
func (h *EncounterHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	enc, err := h.scribe.GetEncounter(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, h.logger)
		return
	}

	WriteSuccess(w, api.NewEncounterResponse(enc))
}

// HandleAudio 处理 POST /v1/encounters/{id}/audio
// 请求体为原始音频，转写后追加到就诊转录。已定稿的会话返回 409。
func (h *EncounterHandler) HandleAudio(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	contentType, ok := ValidateAudioContentType(w, r, h.logger)
	if !ok {
		return
	}

	// 先校验会话存在且未定稿，避免白白转写一整段音频
	enc, err := h.scribe.GetEncounter(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, h.logger)
		return
	}
	if enc.Status == types.EncounterStatusFinalized {
		writeDomainError(w, types.NewError(types.ErrEncounterFinalized, "encounter is finalized"), h.logger)
		return
	}

	start := time.Now()
	resp, err := h.asr.Transcribe(r.Context(), &speech.ASRRequest{
		Audio:       http.MaxBytesReader(w, r.Body, maxAudioBodyBytes),
		ContentType: contentType,
		Language:    h.language,
		Diarization: true,
	})
	if err != nil {
		writeDomainError(w,
			types.NewError(types.ErrUpstreamError, "audio transcription failed").
				WithCause(err).WithService("asr").WithRetryable(true),
			h.logger)
		return
	}
	if h.collector != nil {
		h.collector.RecordStage("asr", time.Since(start))
	}

	if len(resp.Segments) > 0 {
		if err := h.scribe.AppendSegments(r.Context(), id, resp.Segments...); err != nil {
			writeDomainError(w, err, h.logger)
			return
		}
	}

	h.logger.Info("audio transcribed",
		zap.String("encounter_id", id),
		zap.Int("segments", len(resp.Segments)),
		zap.Duration("audio_duration", resp.Duration),
	)

	out := &api.TranscribeResponse{
		EncounterID: id,
		Segments:    resp.Segments,
		Text:        strings.TrimSpace(resp.Text),
	}
	if resp.Duration > 0 {
		out.Duration = resp.Duration.String()
	}
	WriteSuccess(w, out)
}

// HandleTranscript 处理 GET /v1/encounters/{id}/transcript
func (h *EncounterHandler) HandleTranscript(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	transcript, err := h.scribe.GetTranscript(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, h.logger)
		return
	}

	WriteSuccess(w, transcript)
}

// HandleFinalize 处理 POST /v1/encounters/{id}/finalize
// 基于累积的转录生成 SOAP 文书并落库。重复定稿幂等返回已存文书。
func (h *EncounterHandler) HandleFinalize(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	start := time.Now()
	note, err := h.scribe.Finalize(r.Context(), id)
	if err != nil {
		if h.collector != nil {
			h.collector.RecordNoteGeneration(noteStatus(err), time.Since(start))
		}
		writeDomainError(w, err, h.logger)
		return
	}
	if h.collector != nil {
		h.collector.RecordNoteGeneration("ok", time.Since(start))
	}

	WriteSuccess(w, note)
}

// HandleNote 处理 GET /v1/encounters/{id}/note
func (h *EncounterHandler) HandleNote(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	note, err := h.scribe.GetNote(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, h.logger)
		return
	}

	WriteSuccess(w, note)
}

// noteStatus 将定稿错误归类为指标状态标签
func noteStatus(err error) string {
	if apiErr, ok := err.(*types.Error); ok && apiErr.Code == types.ErrNoteMalformed {
		return "malformed"
	}
	return "error"
}
