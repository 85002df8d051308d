package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/BaSui01/ambientflow/types"
)

// =============================================================================
// 🩺 活动就诊会话存储
// =============================================================================

// 键格式
const (
	encounterKeyFmt  = "encounter:%s"
	transcriptKeyFmt = "encounter:%s:segments"
)

// EncounterStore 活动就诊会话的热数据存储。
// 录音期间就诊元数据与转录片段放在 redis，定稿后落库并从缓存清除。
type EncounterStore struct {
	cache *Manager
}

// NewEncounterStore 创建就诊会话存储
func NewEncounterStore(cache *Manager) *EncounterStore {
	return &EncounterStore{cache: cache}
}

// SaveEncounter 写入就诊会话元数据
func (s *EncounterStore) SaveEncounter(ctx context.Context, enc *types.Encounter) error {
	return s.cache.SetJSON(ctx, encounterKey(enc.ID), enc, 0)
}

// GetEncounter 读取就诊会话元数据，不存在时返回 ErrCacheMiss
func (s *EncounterStore) GetEncounter(ctx context.Context, id string) (*types.Encounter, error) {
	var enc types.Encounter
	if err := s.cache.GetJSON(ctx, encounterKey(id), &enc); err != nil {
		return nil, err
	}
	return &enc, nil
}

// AppendSegments 追加转录片段到就诊会话
func (s *EncounterStore) AppendSegments(ctx context.Context, id string, segs ...types.TranscriptSegment) error {
	if len(segs) == 0 {
		return nil
	}

	values := make([]any, 0, len(segs))
	for _, seg := range segs {
		data, err := json.Marshal(seg)
		if err != nil {
			return fmt.Errorf("marshal transcript segment: %w", err)
		}
		values = append(values, data)
	}

	return s.cache.RPush(ctx, transcriptKey(id), values...)
}

// GetTranscript 读取就诊会话的完整转录
func (s *EncounterStore) GetTranscript(ctx context.Context, id string) (*types.Transcript, error) {
	raw, err := s.cache.LRange(ctx, transcriptKey(id), 0, -1)
	if err != nil {
		return nil, err
	}

	transcript := &types.Transcript{EncounterID: id}
	for _, item := range raw {
		var seg types.TranscriptSegment
		if err := json.Unmarshal([]byte(item), &seg); err != nil {
			return nil, fmt.Errorf("unmarshal transcript segment: %w", err)
		}
		transcript.Append(seg)
	}

	return transcript, nil
}

// DeleteEncounter 清除就诊会话的全部热数据
func (s *EncounterStore) DeleteEncounter(ctx context.Context, id string) error {
	return s.cache.Delete(ctx, encounterKey(id), transcriptKey(id))
}

func encounterKey(id string) string  { return fmt.Sprintf(encounterKeyFmt, id) }
func transcriptKey(id string) string { return fmt.Sprintf(transcriptKeyFmt, id) }
