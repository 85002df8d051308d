package guardrails

import (
	"context"
	"fmt"
)

// Validator 验证器接口
// 用于验证输入或输出内容的安全性和合规性
type Validator interface {
	// Validate 执行验证，返回验证结果
	Validate(ctx context.Context, content string) (*ValidationResult, error)
	// Name 返回验证器名称
	Name() string
	// Priority 返回优先级（数字越小优先级越高）
	Priority() int
}

// Filter 过滤器接口，用于转换内容（如 PII 脱敏）
type Filter interface {
	// Filter 执行过滤，返回过滤后的内容
	Filter(ctx context.Context, content string) (string, error)
	// Name 返回过滤器名称
	Name() string
}

// ValidationResult 验证结果
type ValidationResult struct {
	Valid    bool              `json:"valid"`
	Tripwire bool              `json:"tripwire,omitempty"` // 触发即中断整条管线
	Errors   []ValidationError `json:"errors,omitempty"`
	Warnings []string          `json:"warnings,omitempty"`
	Metadata map[string]any    `json:"metadata,omitempty"`
}

// NewValidationResult 创建一个有效的验证结果
func NewValidationResult() *ValidationResult {
	return &ValidationResult{
		Valid:    true,
		Errors:   []ValidationError{},
		Warnings: []string{},
		Metadata: make(map[string]any),
	}
}

// AddError 添加验证错误并将结果标记为无效
func (r *ValidationResult) AddError(err ValidationError) {
	r.Valid = false
	r.Errors = append(r.Errors, err)
}

// AddWarning 添加警告信息
func (r *ValidationResult) AddWarning(warning string) {
	r.Warnings = append(r.Warnings, warning)
}

// Merge 合并另一个验证结果
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	if !other.Valid {
		r.Valid = false
	}
	if other.Tripwire {
		r.Tripwire = true
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
	for k, v := range other.Metadata {
		r.Metadata[k] = v
	}
}

// MaskedContent 返回脱敏后的内容（如有），否则返回原内容。
func (r *ValidationResult) MaskedContent(original string) string {
	if masked, ok := r.Metadata["masked_content"].(string); ok && masked != "" {
		return masked
	}
	return original
}

// ValidationError 验证错误
type ValidationError struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Severity string `json:"severity"` // critical, high, medium, low
	Field    string `json:"field,omitempty"`
}

// Severity 常量定义
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// 错误代码常量
const (
	ErrCodePIIDetected       = "PII_DETECTED"
	ErrCodeUnsafeContent     = "UNSAFE_CONTENT"
	ErrCodeOffTopic          = "OFF_TOPIC"
	ErrCodeMaxLengthExceeded = "MAX_LENGTH_EXCEEDED"
	ErrCodeBlockedKeyword    = "BLOCKED_KEYWORD"
	ErrCodeValidationFailed  = "VALIDATION_FAILED"
)

// TripwireError 表示 Tripwire 被触发的错误。
// 验证器返回 Tripwire=true 时，当轮处理应立即中断，内容不得继续下游。
type TripwireError struct {
	ValidatorName string
	Result        *ValidationResult
}

// Error 实现 error 接口
func (e *TripwireError) Error() string {
	return fmt.Sprintf("tripwire triggered by validator %q", e.ValidatorName)
}
