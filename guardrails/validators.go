package guardrails

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

// LengthValidator 长度验证器
// 限制单轮内容的最大字符数，防止超长输入拖垮下游模型。
type LengthValidator struct {
	maxLength int
	priority  int
}

// NewLengthValidator 创建长度验证器，maxLength 以 Unicode 字符计
func NewLengthValidator(maxLength int) *LengthValidator {
	return &LengthValidator{maxLength: maxLength, priority: 10}
}

// Name 返回验证器名称
func (v *LengthValidator) Name() string { return "length_validator" }

// Priority 返回优先级
func (v *LengthValidator) Priority() int { return v.priority }

// Validate 检查内容长度
func (v *LengthValidator) Validate(ctx context.Context, content string) (*ValidationResult, error) {
	result := NewValidationResult()

	length := utf8.RuneCountInString(content)
	result.Metadata["content_length"] = length

	if v.maxLength > 0 && length > v.maxLength {
		result.AddError(ValidationError{
			Code:     ErrCodeMaxLengthExceeded,
			Message:  fmt.Sprintf("content length %d exceeds limit %d", length, v.maxLength),
			Severity: SeverityMedium,
		})
	}

	return result, nil
}

// BlocklistValidator 关键词黑名单验证器
// 命中黑名单词条即标记无效，匹配不区分大小写。
type BlocklistValidator struct {
	keywords []string
	priority int
}

// NewBlocklistValidator 创建黑名单验证器
func NewBlocklistValidator(keywords []string) *BlocklistValidator {
	normalized := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			normalized = append(normalized, kw)
		}
	}
	return &BlocklistValidator{keywords: normalized, priority: 20}
}

// Name 返回验证器名称
func (v *BlocklistValidator) Name() string { return "blocklist_validator" }

// Priority 返回优先级
func (v *BlocklistValidator) Priority() int { return v.priority }

// Validate 检查内容是否命中黑名单
func (v *BlocklistValidator) Validate(ctx context.Context, content string) (*ValidationResult, error) {
	result := NewValidationResult()

	lower := strings.ToLower(content)
	var hits []string
	for _, kw := range v.keywords {
		if strings.Contains(lower, kw) {
			hits = append(hits, kw)
		}
	}

	if len(hits) > 0 {
		result.Metadata["blocked_keywords"] = hits
		result.AddError(ValidationError{
			Code:     ErrCodeBlockedKeyword,
			Message:  fmt.Sprintf("content contains %d blocked keyword(s)", len(hits)),
			Severity: SeverityHigh,
		})
	}

	return result, nil
}
