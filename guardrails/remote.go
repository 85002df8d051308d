package guardrails

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/ambientflow/llm"
	"github.com/BaSui01/ambientflow/types"
)

// ===== 🛡️ 远程护栏验证器 =====
//
// 远程验证器将待检内容发送给网关后的护栏模型做分类。
// 内容安全模型输出结构化 JSON（safe/unsafe + 类别），
// 话题控制模型判定内容是否落入话题黑名单。

// RemoteConfig 远程验证器公共配置
type RemoteConfig struct {
	// Model 护栏模型标识
	Model string
	// Timeout 单次分类请求超时
	Timeout time.Duration
	// FailOpen 远程验证失败时的降级策略：
	// true 时放行并记录警告，false 时视为验证失败。
	FailOpen bool
	// Priority 验证器优先级
	Priority int
}

// ContentSafety 内容安全验证器
// 调用内容安全护栏模型对内容进行有害性分类，
// 命中 unsafe 时触发 Tripwire，当轮内容不得进入下游合成。
type ContentSafety struct {
	provider llm.Provider
	config   RemoteConfig
	logger   *zap.Logger
}

// NewContentSafety 创建内容安全验证器
func NewContentSafety(provider llm.Provider, config RemoteConfig, logger *zap.Logger) *ContentSafety {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if config.Priority == 0 {
		config.Priority = 200
	}
	return &ContentSafety{provider: provider, config: config, logger: logger}
}

// Name 返回验证器名称
func (v *ContentSafety) Name() string { return "content_safety" }

// Priority 返回优先级
func (v *ContentSafety) Priority() int { return v.config.Priority }

// safetyVerdict 内容安全模型的结构化输出
type safetyVerdict struct {
	UserSafety       string `json:"User Safety"`
	ResponseSafety   string `json:"Response Safety"`
	SafetyCategories string `json:"Safety Categories"`
}

const contentSafetySystemPrompt = `Task: Check if there is unsafe content in the user or agent messages in the below conversation in accordance with our safety policy. Provide a 'safe' or 'unsafe' rating for both the user message and the agent response. If there is unsafe content, please also provide a list of violated categories according to our safety policy.

Provide your safety assessment in the following JSON format:
{"User Safety": "safe" or "unsafe", "Response Safety": "safe" or "unsafe", "Safety Categories": "category1, category2" or ""}`

// Validate 调用内容安全模型进行分类
func (v *ContentSafety) Validate(ctx context.Context, content string) (*ValidationResult, error) {
	result := NewValidationResult()

	ctx, cancel := context.WithTimeout(ctx, v.config.Timeout)
	defer cancel()

	resp, err := v.provider.Completion(ctx, &llm.ChatRequest{
		Model: v.config.Model,
		Messages: []types.Message{
			types.NewSystemMessage(contentSafetySystemPrompt),
			types.NewUserMessage(content),
		},
		MaxTokens:   128,
		Temperature: 0,
	})
	if err != nil {
		return v.failResult(result, fmt.Errorf("content safety classification: %w", err)), nil
	}

	verdict, err := parseSafetyVerdict(resp.Text())
	if err != nil {
		return v.failResult(result, fmt.Errorf("content safety verdict parse: %w", err)), nil
	}

	result.Metadata["safety_verdict"] = verdict

	if strings.EqualFold(verdict.UserSafety, "unsafe") || strings.EqualFold(verdict.ResponseSafety, "unsafe") {
		result.Tripwire = true
		result.AddError(ValidationError{
			Code:     ErrCodeUnsafeContent,
			Message:  "content classified as unsafe: " + verdict.SafetyCategories,
			Severity: SeverityCritical,
		})
	}

	return result, nil
}

// failResult 远程分类失败时按 FailOpen 策略降级
func (v *ContentSafety) failResult(result *ValidationResult, err error) *ValidationResult {
	if v.config.FailOpen {
		v.logger.Warn("content safety check degraded, failing open",
			zap.String("model", v.config.Model),
			zap.Error(err))
		result.AddWarning("content safety check unavailable: " + err.Error())
		return result
	}
	v.logger.Error("content safety check failed, failing closed",
		zap.String("model", v.config.Model),
		zap.Error(err))
	result.AddError(ValidationError{
		Code:     ErrCodeValidationFailed,
		Message:  err.Error(),
		Severity: SeverityCritical,
	})
	return result
}

// parseSafetyVerdict 解析模型输出的 JSON 判定。
// 模型偶尔会在 JSON 外包裹说明文字，先裁剪出首尾花括号之间的片段。
func parseSafetyVerdict(raw string) (*safetyVerdict, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in verdict: %q", truncate(raw, 80))
	}

	var verdict safetyVerdict
	if err := json.Unmarshal([]byte(raw[start:end+1]), &verdict); err != nil {
		return nil, err
	}
	if verdict.UserSafety == "" && verdict.ResponseSafety == "" {
		return nil, fmt.Errorf("verdict missing safety fields: %q", truncate(raw, 80))
	}
	return &verdict, nil
}

// TopicControl 话题控制验证器
// 调用话题控制护栏模型判定内容是否落入话题黑名单。
// 命中黑名单不触发 Tripwire，只标记无效，由上层决定改口或拒答。
type TopicControl struct {
	provider llm.Provider
	config   RemoteConfig
	rules    string
	logger   *zap.Logger
}

// NewTopicControl 创建话题控制验证器
// rules 为话题黑名单的自然语言描述，会注入系统提示词。
func NewTopicControl(provider llm.Provider, config RemoteConfig, rules string, logger *zap.Logger) *TopicControl {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if config.Priority == 0 {
		config.Priority = 300
	}
	return &TopicControl{provider: provider, config: config, rules: rules, logger: logger}
}

// Name 返回验证器名称
func (v *TopicControl) Name() string { return "topic_control" }

// Priority 返回优先级
func (v *TopicControl) Priority() int { return v.config.Priority }

const topicControlPromptTemplate = `You are a topical moderation assistant. The following topics are blocked and must not be discussed:

%s

Determine whether the user message falls within any of the blocked topics. Respond with exactly one word: "blocked" if the message falls within a blocked topic, or "allowed" otherwise.`

// Validate 调用话题控制模型进行判定
func (v *TopicControl) Validate(ctx context.Context, content string) (*ValidationResult, error) {
	result := NewValidationResult()

	ctx, cancel := context.WithTimeout(ctx, v.config.Timeout)
	defer cancel()

	resp, err := v.provider.Completion(ctx, &llm.ChatRequest{
		Model: v.config.Model,
		Messages: []types.Message{
			types.NewSystemMessage(fmt.Sprintf(topicControlPromptTemplate, v.rules)),
			types.NewUserMessage(content),
		},
		MaxTokens:   16,
		Temperature: 0,
	})
	if err != nil {
		return v.failResult(result, fmt.Errorf("topic control classification: %w", err)), nil
	}

	verdict := strings.ToLower(strings.TrimSpace(resp.Text()))
	result.Metadata["topic_verdict"] = verdict

	if strings.Contains(verdict, "blocked") {
		result.AddError(ValidationError{
			Code:     ErrCodeOffTopic,
			Message:  "message falls within a blocked topic",
			Severity: SeverityMedium,
		})
	}

	return result, nil
}

// failResult 远程分类失败时按 FailOpen 策略降级
func (v *TopicControl) failResult(result *ValidationResult, err error) *ValidationResult {
	if v.config.FailOpen {
		v.logger.Warn("topic control check degraded, failing open",
			zap.String("model", v.config.Model),
			zap.Error(err))
		result.AddWarning("topic control check unavailable: " + err.Error())
		return result
	}
	v.logger.Error("topic control check failed, failing closed",
		zap.String("model", v.config.Model),
		zap.Error(err))
	result.AddError(ValidationError{
		Code:     ErrCodeValidationFailed,
		Message:  err.Error(),
		Severity: SeverityCritical,
	})
	return result
}

// truncate 截断长字符串用于错误信息
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
