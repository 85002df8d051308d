package api

import (
	"time"

	"github.com/BaSui01/ambientflow/types"
)

// =============================================================================
// 就诊会话类型
// =============================================================================

// StartEncounterRequest 开启就诊录音会话的请求。
// @Description 开启就诊会话请求结构
type StartEncounterRequest struct {
	// 自定义元数据（科室、诊室等）
	Metadata map[string]string `json:"metadata,omitempty"`
}

// EncounterResponse 就诊会话的视图。
// @Description 就诊会话响应结构
type EncounterResponse struct {
	// 就诊会话 ID
	ID string `json:"id" example:"3f1a9c2e-..."`
	// 状态：recording 或 finalized
	Status string `json:"status" example:"recording"`
	// 录音开始时间
	StartedAt time.Time `json:"started_at"`
	// 录音结束时间（仅定稿后）
	EndedAt *time.Time `json:"ended_at,omitempty"`
	// 自定义元数据
	Metadata map[string]string `json:"metadata,omitempty"`
}

// NewEncounterResponse 从领域类型构造视图。
func NewEncounterResponse(enc *types.Encounter) *EncounterResponse {
	resp := &EncounterResponse{
		ID:        enc.ID,
		Status:    string(enc.Status),
		StartedAt: enc.StartedAt,
		Metadata:  enc.Metadata,
	}
	if !enc.EndedAt.IsZero() {
		ended := enc.EndedAt
		resp.EndedAt = &ended
	}
	return resp
}

// TranscribeResponse 一次批量音频转写的结果。
// @Description 批量转写响应结构
type TranscribeResponse struct {
	// 就诊会话 ID
	EncounterID string `json:"encounter_id"`
	// 本次新增的转录片段
	Segments []types.TranscriptSegment `json:"segments"`
	// 本次转写的合并文本
	Text string `json:"text,omitempty"`
	// 音频时长
	Duration string `json:"duration,omitempty" example:"12.5s"`
}

// =============================================================================
// 患者对话类型
// =============================================================================

// PatientChatRequest 患者对话单轮请求。
// @Description 患者对话请求结构
type PatientChatRequest struct {
	// 会话 ID，为空时开启新会话
	ConversationID string `json:"conversation_id,omitempty"`
	// 患者输入文本
	Message string `json:"message" binding:"required"`
}

// PatientChatResponse 患者对话单轮回复。
// @Description 患者对话响应结构
type PatientChatResponse struct {
	// 会话 ID
	ConversationID string `json:"conversation_id"`
	// 回复类别：answer / redirect / refusal / escalation
	Kind string `json:"kind" example:"answer"`
	// 回复文本
	Text string `json:"text"`
}
