package guardrails

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// PIIType PII 类型
type PIIType string

const (
	// PIITypeSSN 社会保障号
	PIITypeSSN PIIType = "ssn"
	// PIITypeMRN 病历号
	PIITypeMRN PIIType = "mrn"
	// PIITypePhone 电话号码
	PIITypePhone PIIType = "phone"
	// PIITypeEmail 邮箱
	PIITypeEmail PIIType = "email"
	// PIITypeDOB 出生日期
	PIITypeDOB PIIType = "dob"
)

// PIIAction PII 处理动作
type PIIAction string

const (
	// PIIActionMask 脱敏处理
	PIIActionMask PIIAction = "mask"
	// PIIActionReject 拒绝处理
	PIIActionReject PIIAction = "reject"
	// PIIActionWarn 警告处理
	PIIActionWarn PIIAction = "warn"
)

// ParsePIIAction 解析配置字符串，无法识别时回落到 mask。
func ParsePIIAction(s string) PIIAction {
	switch PIIAction(s) {
	case PIIActionMask, PIIActionReject, PIIActionWarn:
		return PIIAction(s)
	default:
		return PIIActionMask
	}
}

// PIIMatch PII 匹配结果
type PIIMatch struct {
	Type     PIIType `json:"type"`
	Value    string  `json:"value"`
	Masked   string  `json:"masked"`
	Position int     `json:"position"`
	Length   int     `json:"length"`
}

// PIIDetectorConfig PII 检测器配置
type PIIDetectorConfig struct {
	// Action 处理动作
	Action PIIAction
	// EnabledTypes 启用的 PII 类型，为空则启用所有类型
	EnabledTypes []PIIType
	// CustomPatterns 自定义正则模式
	CustomPatterns map[PIIType]*regexp.Regexp
	// Priority 验证器优先级
	Priority int
}

// DefaultPIIDetectorConfig 返回默认配置
func DefaultPIIDetectorConfig() *PIIDetectorConfig {
	return &PIIDetectorConfig{
		Action:   PIIActionMask,
		Priority: 100,
	}
}

// PIIDetector PII 检测器
// 实现 Validator 和 Filter 接口，检测和处理个人身份信息。
// 临床转录场景下默认启用美式模式（SSN / MRN / 电话 / 邮箱 / 出生日期）。
type PIIDetector struct {
	patterns map[PIIType]*regexp.Regexp
	action   PIIAction
	priority int
}

// NewPIIDetector 创建 PII 检测器
func NewPIIDetector(config *PIIDetectorConfig) *PIIDetector {
	if config == nil {
		config = DefaultPIIDetectorConfig()
	}

	detector := &PIIDetector{
		patterns: make(map[PIIType]*regexp.Regexp),
		action:   config.Action,
		priority: config.Priority,
	}

	defaultPatterns := getDefaultPatterns()

	enabledTypes := config.EnabledTypes
	if len(enabledTypes) == 0 {
		enabledTypes = []PIIType{PIITypeSSN, PIITypeMRN, PIITypePhone, PIITypeEmail, PIITypeDOB}
	}

	for _, piiType := range enabledTypes {
		if customPattern, ok := config.CustomPatterns[piiType]; ok {
			detector.patterns[piiType] = customPattern
		} else if defaultPattern, ok := defaultPatterns[piiType]; ok {
			detector.patterns[piiType] = defaultPattern
		}
	}

	return detector
}

// getDefaultPatterns 返回默认的 PII 正则模式
func getDefaultPatterns() map[PIIType]*regexp.Regexp {
	return map[PIIType]*regexp.Regexp{
		// SSN: 123-45-6789
		PIITypeSSN: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
		// 病历号: MRN 前缀 + 6-10 位数字
		PIITypeMRN: regexp.MustCompile(`(?i)\bMRN[:\s#]*\d{6,10}\b`),
		// 北美电话: (555) 123-4567 / 555-123-4567 / 5551234567
		PIITypePhone: regexp.MustCompile(`\(?\b\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`),
		// 邮箱地址
		PIITypeEmail: regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`),
		// 出生日期: 01/23/1980 或 1980-01-23
		PIITypeDOB: regexp.MustCompile(`\b(?:0?[1-9]|1[0-2])/(?:0?[1-9]|[12]\d|3[01])/(?:19|20)\d{2}\b|\b(?:19|20)\d{2}-(?:0[1-9]|1[0-2])-(?:0[1-9]|[12]\d|3[01])\b`),
	}
}

// Name 返回验证器名称
func (d *PIIDetector) Name() string { return "pii_detector" }

// Priority 返回优先级
func (d *PIIDetector) Priority() int { return d.priority }

// Validate 执行 PII 检测验证，实现 Validator 接口
func (d *PIIDetector) Validate(ctx context.Context, content string) (*ValidationResult, error) {
	result := NewValidationResult()

	matches := d.Detect(content)
	if len(matches) == 0 {
		return result, nil
	}

	detectedTypes := make(map[PIIType]int)
	for _, match := range matches {
		detectedTypes[match.Type]++
	}

	switch d.action {
	case PIIActionReject:
		for piiType, count := range detectedTypes {
			result.AddError(ValidationError{
				Code:     ErrCodePIIDetected,
				Message:  fmt.Sprintf("detected %d %s value(s), rejected", count, piiType),
				Severity: SeverityHigh,
				Field:    string(piiType),
			})
		}
	case PIIActionWarn:
		for piiType, count := range detectedTypes {
			result.AddWarning(fmt.Sprintf("detected %d %s value(s)", count, piiType))
		}
	case PIIActionMask:
		for piiType, count := range detectedTypes {
			result.AddWarning(fmt.Sprintf("detected %d %s value(s), masked", count, piiType))
		}
		result.Metadata["masked_content"] = d.Mask(content)
		result.Metadata["pii_matches"] = matches
	}

	result.Metadata["pii_detected"] = true
	result.Metadata["pii_types"] = detectedTypes

	return result, nil
}

// Detect 检测内容中的所有 PII
func (d *PIIDetector) Detect(content string) []PIIMatch {
	var matches []PIIMatch

	for piiType, pattern := range d.patterns {
		locs := pattern.FindAllStringIndex(content, -1)
		for _, loc := range locs {
			value := content[loc[0]:loc[1]]
			matches = append(matches, PIIMatch{
				Type:     piiType,
				Value:    value,
				Masked:   maskValue(piiType, value),
				Position: loc[0],
				Length:   loc[1] - loc[0],
			})
		}
	}

	return matches
}

// Mask 对内容中的 PII 进行脱敏处理
func (d *PIIDetector) Mask(content string) string {
	result := content
	for piiType, pattern := range d.patterns {
		result = pattern.ReplaceAllStringFunc(result, func(match string) string {
			return maskValue(piiType, match)
		})
	}
	return result
}

// Filter 实现 Filter 接口，对内容进行脱敏过滤
func (d *PIIDetector) Filter(ctx context.Context, content string) (string, error) {
	return d.Mask(content), nil
}

// Action 返回当前配置的处理动作
func (d *PIIDetector) Action() PIIAction { return d.action }

// maskValue 根据 PII 类型对值进行脱敏
func maskValue(piiType PIIType, value string) string {
	switch piiType {
	case PIITypeSSN:
		// 保留后4位: ***-**-6789
		if len(value) >= 4 {
			return "***-**-" + value[len(value)-4:]
		}
		return strings.Repeat("*", len(value))
	case PIITypeMRN:
		return "[MRN-REDACTED]"
	case PIITypePhone:
		// 保留后4位
		if len(value) >= 4 {
			return "***-***-" + value[len(value)-4:]
		}
		return strings.Repeat("*", len(value))
	case PIITypeEmail:
		// 保留首字符和域名
		atIndex := strings.Index(value, "@")
		if atIndex > 0 {
			return value[:1] + "***" + value[atIndex:]
		}
		return strings.Repeat("*", len(value))
	case PIITypeDOB:
		return "[DOB-REDACTED]"
	default:
		return strings.Repeat("*", len(value))
	}
}
