package scribe

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/ambientflow/guardrails"
	"github.com/BaSui01/ambientflow/internal/cache"
	"github.com/BaSui01/ambientflow/internal/database"
	"github.com/BaSui01/ambientflow/llm"
	"github.com/BaSui01/ambientflow/types"
)

// Config 文书 Agent 配置
type Config struct {
	// Model 推理模型标识
	Model string
	// MaxTokens 文书生成 token 上限
	MaxTokens int
	// Temperature 采样温度，文书生成偏低温
	Temperature float32
	// Timeout 单次定稿的推理超时
	Timeout time.Duration
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		MaxTokens:   2048,
		Temperature: 0.1,
		Timeout:     60 * time.Second,
	}
}

// Scribe 门诊陪录文书 Agent
// 录音期间累积转录，定稿时生成 SOAP 文书并落库。
type Scribe struct {
	config     Config
	llm        llm.Provider
	encounters *cache.EncounterStore
	store      *database.Store
	pii        *guardrails.PIIDetector
	logger     *zap.Logger
}

// New 创建文书 Agent。pii 可为 nil（不做脱敏）。
func New(config Config, provider llm.Provider, encounters *cache.EncounterStore, store *database.Store, pii *guardrails.PIIDetector, logger *zap.Logger) *Scribe {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	return &Scribe{
		config:     config,
		llm:        provider,
		encounters: encounters,
		store:      store,
		pii:        pii,
		logger:     logger.With(zap.String("component", "scribe")),
	}
}

// ===== 🎯 核心方法 =====

// StartEncounter 开启一次就诊录音会话
func (s *Scribe) StartEncounter(ctx context.Context, metadata map[string]string) (*types.Encounter, error) {
	enc := &types.Encounter{
		ID:        uuid.NewString(),
		Status:    types.EncounterStatusRecording,
		StartedAt: time.Now().UTC(),
		Metadata:  metadata,
	}

	if err := s.encounters.SaveEncounter(ctx, enc); err != nil {
		return nil, types.NewError(types.ErrInternalError, "save encounter").WithCause(err)
	}

	s.logger.Info("encounter started", zap.String("encounter_id", enc.ID))
	return enc, nil
}

// GetEncounter 读取就诊会话，先查热数据再查落库记录
func (s *Scribe) GetEncounter(ctx context.Context, id string) (*types.Encounter, error) {
	enc, err := s.encounters.GetEncounter(ctx, id)
	if err == nil {
		return enc, nil
	}
	if !cache.IsCacheMiss(err) {
		return nil, types.NewError(types.ErrInternalError, "get encounter").WithCause(err)
	}

	enc, _, err = s.store.GetEncounter(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return nil, types.NewError(types.ErrEncounterNotFound, "encounter not found")
	}
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "get encounter").WithCause(err)
	}
	return enc, nil
}

// AppendSegments 追加转录片段，仅限录音中的就诊会话
func (s *Scribe) AppendSegments(ctx context.Context, id string, segs ...types.TranscriptSegment) error {
	enc, err := s.GetEncounter(ctx, id)
	if err != nil {
		return err
	}
	if enc.Status == types.EncounterStatusFinalized {
		return types.NewError(types.ErrEncounterFinalized, "encounter is finalized")
	}

	if err := s.encounters.AppendSegments(ctx, id, segs...); err != nil {
		return types.NewError(types.ErrInternalError, "append segments").WithCause(err)
	}
	return nil
}

// GetTranscript 读取就诊会话当前的完整转录
func (s *Scribe) GetTranscript(ctx context.Context, id string) (*types.Transcript, error) {
	if _, err := s.GetEncounter(ctx, id); err != nil {
		return nil, err
	}

	transcript, err := s.encounters.GetTranscript(ctx, id)
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "get transcript").WithCause(err)
	}
	return transcript, nil
}

// GetNote 读取已定稿的文书
func (s *Scribe) GetNote(ctx context.Context, id string) (*types.SOAPNote, error) {
	note, err := s.store.GetNote(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return nil, types.NewError(types.ErrEncounterNotFound, "note not found")
	}
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "get note").WithCause(err)
	}
	return note, nil
}

// Finalize 定稿：生成 SOAP 文书并落库。
// 已定稿的就诊会话不可变，重复定稿直接返回已存文书。
func (s *Scribe) Finalize(ctx context.Context, id string) (*types.SOAPNote, error) {
	enc, err := s.encounters.GetEncounter(ctx, id)
	if cache.IsCacheMiss(err) {
		// 热数据已清除：若落库记录已定稿则幂等返回
		stored, _, dbErr := s.store.GetEncounter(ctx, id)
		if errors.Is(dbErr, database.ErrNotFound) {
			return nil, types.NewError(types.ErrEncounterNotFound, "encounter not found")
		}
		if dbErr != nil {
			return nil, types.NewError(types.ErrInternalError, "get encounter").WithCause(dbErr)
		}
		if stored.Status == types.EncounterStatusFinalized {
			return s.GetNote(ctx, id)
		}
		return nil, types.NewError(types.ErrEncounterNotFound, "encounter has no live transcript")
	}
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "get encounter").WithCause(err)
	}
	if enc.Status == types.EncounterStatusFinalized {
		return s.GetNote(ctx, id)
	}

	transcript, err := s.encounters.GetTranscript(ctx, id)
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "get transcript").WithCause(err)
	}
	if transcript.IsEmpty() {
		return nil, types.NewError(types.ErrEmptyTranscript, "transcript has no content")
	}

	note, err := s.generateNote(ctx, id, transcript)
	if err != nil {
		return nil, err
	}

	// PII 策略：mask 动作下脱敏内容才允许落库
	transcriptText := transcript.Render()
	if s.pii != nil && s.pii.Action() == guardrails.PIIActionMask {
		note.Subjective = s.pii.Mask(note.Subjective)
		note.Objective = s.pii.Mask(note.Objective)
		note.Assessment = s.pii.Mask(note.Assessment)
		note.Plan = s.pii.Mask(note.Plan)
		transcriptText = s.pii.Mask(transcriptText)
	}

	enc.Status = types.EncounterStatusFinalized
	enc.EndedAt = time.Now().UTC()

	if err := s.store.FinalizeEncounter(ctx, enc, transcriptText, note); err != nil {
		return nil, types.NewError(types.ErrInternalError, "persist note").WithCause(err)
	}
	if err := s.encounters.DeleteEncounter(ctx, id); err != nil {
		s.logger.Warn("failed to evict finalized encounter from cache",
			zap.String("encounter_id", id), zap.Error(err))
	}

	s.logger.Info("encounter finalized",
		zap.String("encounter_id", id),
		zap.Int("segments", len(transcript.Segments)))

	return note, nil
}

// generateNote 调用推理模型生成文书，解析失败时带畸形输出重试一次
func (s *Scribe) generateNote(ctx context.Context, id string, transcript *types.Transcript) (*types.SOAPNote, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	messages := buildMessages(transcript)

	resp, err := s.llm.Completion(ctx, &llm.ChatRequest{
		Model:       s.config.Model,
		Messages:    messages,
		MaxTokens:   s.config.MaxTokens,
		Temperature: s.config.Temperature,
	})
	if err != nil {
		return nil, types.NewError(types.ErrUpstreamError, "note generation").WithCause(err).WithService("gateway")
	}

	note, parseErr := parseNote(resp.Text(), id, s.config.Model)
	if parseErr == nil {
		return note, nil
	}

	s.logger.Warn("note parse failed, retrying with repair prompt",
		zap.String("encounter_id", id), zap.Error(parseErr))

	// 修复重试：把畸形输出回传给模型
	repairMessages := append(messages,
		types.NewAssistantMessage(resp.Text()),
		types.NewUserMessage(repairPrompt(resp.Text())),
	)
	resp, err = s.llm.Completion(ctx, &llm.ChatRequest{
		Model:       s.config.Model,
		Messages:    repairMessages,
		MaxTokens:   s.config.MaxTokens,
		Temperature: s.config.Temperature,
	})
	if err != nil {
		return nil, types.NewError(types.ErrUpstreamError, "note repair").WithCause(err).WithService("gateway")
	}

	note, parseErr = parseNote(resp.Text(), id, s.config.Model)
	if parseErr != nil {
		return nil, types.NewError(types.ErrNoteMalformed, "model output is not a valid note").WithCause(parseErr)
	}
	return note, nil
}
