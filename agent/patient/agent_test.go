package patient

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/ambientflow/guardrails"
	"github.com/BaSui01/ambientflow/llm"
	"github.com/BaSui01/ambientflow/types"
)

type fakeProvider struct {
	mu      sync.Mutex
	reply   string
	calls   int
	lastReq *llm.ChatRequest
}

func (f *fakeProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastReq = req
	return &llm.ChatResponse{
		Model:   req.Model,
		Choices: []llm.ChatChoice{{Message: types.NewAssistantMessage(f.reply)}},
	}, nil
}

func (f *fakeProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	ch := make(chan llm.StreamChunk)
	close(ch)
	return ch, nil
}

func (f *fakeProvider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	return &llm.HealthStatus{Healthy: true}, nil
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// offTopicValidator 固定判定越界
type offTopicValidator struct{}

func (v *offTopicValidator) Name() string  { return "off_topic_stub" }
func (v *offTopicValidator) Priority() int { return 1 }

func (v *offTopicValidator) Validate(ctx context.Context, content string) (*guardrails.ValidationResult, error) {
	result := guardrails.NewValidationResult()
	result.AddError(guardrails.ValidationError{
		Code:     guardrails.ErrCodeOffTopic,
		Message:  "off topic",
		Severity: guardrails.SeverityMedium,
	})
	return result, nil
}

// tripwireValidator 固定触发 Tripwire
type tripwireValidator struct{}

func (v *tripwireValidator) Name() string  { return "tripwire_stub" }
func (v *tripwireValidator) Priority() int { return 1 }

func (v *tripwireValidator) Validate(ctx context.Context, content string) (*guardrails.ValidationResult, error) {
	result := guardrails.NewValidationResult()
	result.Tripwire = true
	return result, nil
}

func chainWith(v guardrails.Validator) *guardrails.Chain {
	c := guardrails.NewChain(guardrails.ChainModeFailFast)
	c.Add(v)
	return c
}

func TestConversation_Answer(t *testing.T) {
	provider := &fakeProvider{reply: "Your appointment is Tuesday at 10am."}
	agent := New(DefaultConfig(), provider, nil, nil, nil)

	conv := agent.Conversation("")
	reply, err := conv.Send(context.Background(), "when is my appointment?")
	require.NoError(t, err)

	assert.Equal(t, ReplyAnswer, reply.Kind)
	assert.Equal(t, "Your appointment is Tuesday at 10am.", reply.Text)
	assert.NotEmpty(t, reply.ConversationID)

	// 人设 + 用户 + 助手
	history := conv.History()
	require.Len(t, history, 3)
	assert.Equal(t, types.RoleSystem, history[0].Role)
	assert.Equal(t, types.RoleAssistant, history[2].Role)
}

func TestConversation_HistoryCarriesAcrossTurns(t *testing.T) {
	provider := &fakeProvider{reply: "Sure."}
	agent := New(DefaultConfig(), provider, nil, nil, nil)

	conv := agent.Conversation("conv-1")
	_, err := conv.Send(context.Background(), "first question")
	require.NoError(t, err)
	_, err = conv.Send(context.Background(), "second question")
	require.NoError(t, err)

	// 第二轮请求应携带第一轮历史
	require.NotNil(t, provider.lastReq)
	var userTurns int
	for _, m := range provider.lastReq.Messages {
		if m.Role == types.RoleUser {
			userTurns++
		}
	}
	assert.Equal(t, 2, userTurns)

	// 同 ID 取回同一会话
	assert.Same(t, conv, agent.Conversation("conv-1"))
}

func TestConversation_EmergencyShortCircuit(t *testing.T) {
	provider := &fakeProvider{reply: "should not be called"}
	cfg := DefaultConfig()
	agent := New(cfg, provider, nil, nil, nil)

	conv := agent.Conversation("")
	reply, err := conv.Send(context.Background(), "I am having CHEST PAIN right now")
	require.NoError(t, err)

	assert.Equal(t, ReplyEscalation, reply.Kind)
	assert.Equal(t, cfg.EscalationMessage, reply.Text)
	assert.Equal(t, 0, provider.callCount(), "emergency must short-circuit before the model")
}

func TestConversation_OffTopicInputRedirects(t *testing.T) {
	provider := &fakeProvider{reply: "should not be called"}
	cfg := DefaultConfig()
	agent := New(cfg, provider, chainWith(&offTopicValidator{}), nil, nil)

	conv := agent.Conversation("")
	reply, err := conv.Send(context.Background(), "what stocks should I buy?")
	require.NoError(t, err)

	assert.Equal(t, ReplyRedirect, reply.Kind)
	assert.Contains(t, cfg.RedirectMessages, reply.Text)
	assert.Equal(t, 0, provider.callCount())
}

func TestConversation_RedirectMessagesRotate(t *testing.T) {
	provider := &fakeProvider{}
	cfg := DefaultConfig()
	require.GreaterOrEqual(t, len(cfg.RedirectMessages), 2)
	agent := New(cfg, provider, chainWith(&offTopicValidator{}), nil, nil)

	conv := agent.Conversation("")
	first, err := conv.Send(context.Background(), "off topic one")
	require.NoError(t, err)
	second, err := conv.Send(context.Background(), "off topic two")
	require.NoError(t, err)

	assert.NotEqual(t, first.Text, second.Text)
}

func TestConversation_InputTripwireRefuses(t *testing.T) {
	provider := &fakeProvider{}
	cfg := DefaultConfig()
	agent := New(cfg, provider, chainWith(&tripwireValidator{}), nil, nil)

	conv := agent.Conversation("")
	reply, err := conv.Send(context.Background(), "unsafe request")
	require.NoError(t, err)

	assert.Equal(t, ReplyRefusal, reply.Kind)
	assert.Equal(t, cfg.RefusalMessage, reply.Text)
	assert.Equal(t, 0, provider.callCount())
}

func TestConversation_OutputTripwireSuppressesReply(t *testing.T) {
	provider := &fakeProvider{reply: "something the model should not have said"}
	cfg := DefaultConfig()
	agent := New(cfg, provider, nil, chainWith(&tripwireValidator{}), nil)

	conv := agent.Conversation("")
	reply, err := conv.Send(context.Background(), "a normal question")
	require.NoError(t, err)

	assert.Equal(t, ReplyRefusal, reply.Kind)
	assert.NotContains(t, reply.Text, "should not have said")

	// 被压制的回复不得进入历史
	for _, m := range conv.History() {
		assert.NotContains(t, m.Content, "should not have said")
	}
}

func TestAgent_EndConversation(t *testing.T) {
	agent := New(DefaultConfig(), &fakeProvider{reply: "ok"}, nil, nil, nil)

	conv := agent.Conversation("c1")
	agent.EndConversation("c1")
	assert.NotSame(t, conv, agent.Conversation("c1"))
}

func TestAgent_IsEmergency(t *testing.T) {
	agent := New(DefaultConfig(), &fakeProvider{}, nil, nil, nil)

	assert.True(t, agent.isEmergency("I think I'm having a heart attack"))
	assert.True(t, agent.isEmergency("i want to KILL MYSELF"))
	assert.False(t, agent.isEmergency("my heart rate monitor broke"))
	assert.False(t, agent.isEmergency("when is my appointment?"))
}
