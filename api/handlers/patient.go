package handlers

import (
	"net/http"
	"strings"

	"github.com/BaSui01/ambientflow/agent/patient"
	"github.com/BaSui01/ambientflow/api"
	"github.com/BaSui01/ambientflow/types"
	"go.uber.org/zap"
)

// =============================================================================
// 💬 患者对话 Handler
// =============================================================================

// PatientHandler 患者对话处理器
type PatientHandler struct {
	agent  *patient.Agent
	logger *zap.Logger
}

// NewPatientHandler 创建患者对话处理器
func NewPatientHandler(agent *patient.Agent, logger *zap.Logger) *PatientHandler {
	return &PatientHandler{
		agent:  agent,
		logger: logger.With(zap.String("handler", "patient")),
	}
}

// HandleChat 处理 POST /v1/patient/chat
// 单轮患者对话：急症短语短路、双向护栏、话题越界改口。
func (h *PatientHandler) HandleChat(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.PatientChatRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "message is required"), h.logger)
		return
	}

	conv := h.agent.Conversation(req.ConversationID)
	reply, err := conv.Send(r.Context(), req.Message)
	if err != nil {
		writeDomainError(w, err, h.logger)
		return
	}

	WriteSuccess(w, &api.PatientChatResponse{
		ConversationID: reply.ConversationID,
		Kind:           string(reply.Kind),
		Text:           reply.Text,
	})
}

// HandleEndConversation 处理 DELETE /v1/patient/conversations/{id}
func (h *PatientHandler) HandleEndConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "conversation id is required"), h.logger)
		return
	}

	h.agent.EndConversation(id)
	h.logger.Debug("conversation ended", zap.String("conversation_id", id))
	WriteSuccess(w, map[string]string{"conversation_id": id, "status": "ended"})
}
