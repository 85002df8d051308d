package patient

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/ambientflow/guardrails"
	"github.com/BaSui01/ambientflow/llm"
	"github.com/BaSui01/ambientflow/types"
)

// ReplyKind 回复类别
type ReplyKind string

const (
	// ReplyAnswer 正常回答
	ReplyAnswer ReplyKind = "answer"
	// ReplyRedirect 话题越界改口
	ReplyRedirect ReplyKind = "redirect"
	// ReplyRefusal 护栏拒答
	ReplyRefusal ReplyKind = "refusal"
	// ReplyEscalation 急症转诊
	ReplyEscalation ReplyKind = "escalation"
)

// Reply 一轮对话的回复
type Reply struct {
	ConversationID string    `json:"conversation_id"`
	Kind           ReplyKind `json:"kind"`
	Text           string    `json:"text"`
}

// Config 患者 Agent 配置
type Config struct {
	// Model 推理模型标识
	Model string
	// Persona 系统人设提示词
	Persona string
	// MaxTokens 单轮回复上限
	MaxTokens int
	// Temperature 采样温度
	Temperature float32
	// ContextWindow 模型上下文窗口
	ContextWindow int
	// RedirectMessages 话题越界的固定改口话术，轮换使用
	RedirectMessages []string
	// RefusalMessage 护栏拒答话术
	RefusalMessage string
	// EscalationMessage 急症转诊话术
	EscalationMessage string
	// EmergencyPhrases 急症短语，命中即短路
	EmergencyPhrases []string
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		MaxTokens:     512,
		Temperature:   0.3,
		ContextWindow: 8192,
		Persona: "You are a friendly patient-support assistant for a medical clinic. " +
			"You help patients with appointment scheduling, medication reminders, visit preparation, " +
			"and general wellness questions. You never diagnose conditions or change treatment plans; " +
			"for clinical questions, direct the patient to their care team. Keep answers short and clear.",
		RedirectMessages: []string{
			"I can only help with questions about your care at our clinic, like appointments, medications, or preparing for a visit. Is there something along those lines I can help with?",
			"That's outside what I can help with. I'm here for scheduling, medication reminders, and general wellness questions.",
		},
		RefusalMessage: "I'm sorry, I can't help with that. Is there something about your care I can assist with?",
		EscalationMessage: "It sounds like you may need urgent help. If this is a medical emergency, " +
			"please call 911 or go to the nearest emergency room right away. If you are in crisis, " +
			"you can call or text 988 to reach the Suicide & Crisis Lifeline.",
		EmergencyPhrases: []string{
			"chest pain",
			"can't breathe",
			"cannot breathe",
			"trouble breathing",
			"heart attack",
			"stroke",
			"overdose",
			"suicide",
			"kill myself",
			"hurt myself",
			"end my life",
		},
	}
}

// Agent 患者对话 Agent
type Agent struct {
	config  Config
	llm     llm.Provider
	input   *guardrails.Chain
	output  *guardrails.Chain
	trimmer *llm.HistoryTrimmer
	logger  *zap.Logger

	mu            sync.Mutex
	conversations map[string]*Conversation
	redirectIdx   int
}

// New 创建患者 Agent。input/output 护栏链可为 nil。
func New(config Config, provider llm.Provider, input, output *guardrails.Chain, logger *zap.Logger) *Agent {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Agent{
		config:        config,
		llm:           provider,
		input:         input,
		output:        output,
		trimmer:       llm.NewHistoryTrimmer(config.ContextWindow),
		logger:        logger.With(zap.String("component", "patient_agent")),
		conversations: make(map[string]*Conversation),
	}
}

// Conversation 返回指定 ID 的会话，不存在则创建；id 为空时分配新会话
func (a *Agent) Conversation(id string) *Conversation {
	a.mu.Lock()
	defer a.mu.Unlock()

	if id == "" {
		id = uuid.NewString()
	}
	if c, ok := a.conversations[id]; ok {
		return c
	}

	c := &Conversation{ID: id, agent: a}
	if a.config.Persona != "" {
		c.history = append(c.history, types.NewSystemMessage(a.config.Persona))
	}
	a.conversations[id] = c
	return c
}

// EndConversation 结束并移除会话
func (a *Agent) EndConversation(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.conversations, id)
}

// nextRedirect 轮换取一条改口话术
func (a *Agent) nextRedirect() string {
	if len(a.config.RedirectMessages) == 0 {
		return a.config.RefusalMessage
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	msg := a.config.RedirectMessages[a.redirectIdx%len(a.config.RedirectMessages)]
	a.redirectIdx++
	return msg
}

// isEmergency 急症短语检测，大小写不敏感
func (a *Agent) isEmergency(text string) bool {
	lower := strings.ToLower(text)
	for _, phrase := range a.config.EmergencyPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// Conversation 一个进行中的患者对话
type Conversation struct {
	ID    string
	agent *Agent

	mu      sync.Mutex
	history []types.Message
}

// History 返回当前对话历史的副本
func (c *Conversation) History() []types.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.Message, len(c.history))
	copy(out, c.history)
	return out
}

// Send 处理一轮患者输入并返回回复
func (c *Conversation) Send(ctx context.Context, userText string) (*Reply, error) {
	a := c.agent
	logger := a.logger.With(zap.String("conversation_id", c.ID))

	// 急症短语在任何模型调用之前短路
	if a.isEmergency(userText) {
		logger.Warn("emergency phrase detected, escalating")
		return &Reply{ConversationID: c.ID, Kind: ReplyEscalation, Text: a.config.EscalationMessage}, nil
	}

	// 输入方向护栏
	input := userText
	if a.input != nil {
		result, err := a.input.Validate(ctx, userText)
		var trip *guardrails.TripwireError
		if errors.As(err, &trip) {
			logger.Warn("input tripwire", zap.String("validator", trip.ValidatorName))
			return &Reply{ConversationID: c.ID, Kind: ReplyRefusal, Text: a.config.RefusalMessage}, nil
		}
		if err != nil {
			return nil, types.NewError(types.ErrGuardrailViolated, "input validation").WithCause(err)
		}
		if !result.Valid {
			if hasErrorCode(result, guardrails.ErrCodeOffTopic) {
				logger.Debug("off-topic input, redirecting")
				return &Reply{ConversationID: c.ID, Kind: ReplyRedirect, Text: a.nextRedirect()}, nil
			}
			return &Reply{ConversationID: c.ID, Kind: ReplyRefusal, Text: a.config.RefusalMessage}, nil
		}
		input = result.MaskedContent(userText)
	}

	// 组装历史并裁剪
	c.mu.Lock()
	c.history = append(c.history, types.NewUserMessage(input))
	messages := make([]types.Message, len(c.history))
	copy(messages, c.history)
	c.mu.Unlock()

	trimmed, err := a.trimmer.Trim(messages, a.config.MaxTokens)
	if err != nil {
		logger.Warn("history trim failed, sending untrimmed", zap.Error(err))
		trimmed = messages
	}

	resp, err := a.llm.Completion(ctx, &llm.ChatRequest{
		Model:       a.config.Model,
		Messages:    trimmed,
		MaxTokens:   a.config.MaxTokens,
		Temperature: a.config.Temperature,
	})
	if err != nil {
		return nil, types.NewError(types.ErrUpstreamError, "patient turn").WithCause(err).WithService("gateway")
	}
	answer := strings.TrimSpace(resp.Text())

	// 输出方向护栏
	if a.output != nil {
		result, err := a.output.Validate(ctx, answer)
		var trip *guardrails.TripwireError
		if errors.As(err, &trip) {
			logger.Warn("output tripwire, suppressing reply", zap.String("validator", trip.ValidatorName))
			return &Reply{ConversationID: c.ID, Kind: ReplyRefusal, Text: a.config.RefusalMessage}, nil
		}
		if err != nil {
			return nil, types.NewError(types.ErrGuardrailViolated, "output validation").WithCause(err)
		}
		if !result.Valid {
			if hasErrorCode(result, guardrails.ErrCodeOffTopic) {
				logger.Debug("off-topic output, redirecting")
				return &Reply{ConversationID: c.ID, Kind: ReplyRedirect, Text: a.nextRedirect()}, nil
			}
			return &Reply{ConversationID: c.ID, Kind: ReplyRefusal, Text: a.config.RefusalMessage}, nil
		}
		answer = result.MaskedContent(answer)
	}

	c.mu.Lock()
	c.history = append(c.history, types.NewAssistantMessage(answer))
	c.mu.Unlock()

	logger.Debug("patient turn completed", zap.Int("history_len", len(c.History())))
	return &Reply{ConversationID: c.ID, Kind: ReplyAnswer, Text: answer}, nil
}

// hasErrorCode 检查验证结果是否包含指定错误码
func hasErrorCode(result *guardrails.ValidationResult, code string) bool {
	for _, e := range result.Errors {
		if e.Code == code {
			return true
		}
	}
	return false
}
