package guardrails

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ChainMode 验证器链执行模式
type ChainMode string

const (
	// ChainModeFailFast 快速失败模式：遇到第一个错误立即停止
	ChainModeFailFast ChainMode = "fail_fast"
	// ChainModeCollectAll 收集全部模式：执行所有验证器并收集所有结果
	ChainModeCollectAll ChainMode = "collect_all"
	// ChainModeParallel 并行模式：并行执行所有验证器并收集结果
	ChainModeParallel ChainMode = "parallel"
)

// ParseChainMode 解析配置字符串，无法识别时回落到 collect_all。
func ParseChainMode(s string) ChainMode {
	switch ChainMode(s) {
	case ChainModeFailFast, ChainModeCollectAll, ChainModeParallel:
		return ChainMode(s)
	default:
		return ChainModeCollectAll
	}
}

// Observer 接收链上每个验证器的执行结果，用于指标上报。
// outcome 取值：pass / fail / trip / error。
type Observer interface {
	RecordGuardrailCheck(validator, direction, outcome string)
	RecordGuardrailTrip(validator, direction string)
}

// Chain 验证器链
// 按优先级顺序执行多个验证器并聚合结果
type Chain struct {
	validators []Validator
	mode       ChainMode
	observer   Observer
	direction  string
	mu         sync.RWMutex
}

// NewChain 创建验证器链
func NewChain(mode ChainMode) *Chain {
	if mode == "" {
		mode = ChainModeCollectAll
	}
	return &Chain{
		validators: make([]Validator, 0),
		mode:       mode,
	}
}

// Add 添加验证器到链中
func (c *Chain) Add(validators ...Validator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.validators = append(c.validators, validators...)
}

// SetObserver 设置指标观察者。direction 标识链的方向（input/output）。
func (c *Chain) SetObserver(obs Observer, direction string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observer = obs
	c.direction = direction
}

// observe 上报单个验证器的执行结果，未设置观察者时为空操作
func (c *Chain) observe(validator, outcome string) {
	c.mu.RLock()
	obs, direction := c.observer, c.direction
	c.mu.RUnlock()
	if obs == nil {
		return
	}
	obs.RecordGuardrailCheck(validator, direction, outcome)
	if outcome == "trip" {
		obs.RecordGuardrailTrip(validator, direction)
	}
}

// Remove 从链中移除指定名称的验证器
func (c *Chain) Remove(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, v := range c.validators {
		if v.Name() == name {
			c.validators = append(c.validators[:i], c.validators[i+1:]...)
			return true
		}
	}
	return false
}

// Len 返回验证器数量
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.validators)
}

// Mode 返回当前执行模式
func (c *Chain) Mode() ChainMode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// Name 返回验证器链名称，链本身实现 Validator 接口以支持嵌套
func (c *Chain) Name() string { return "validator_chain" }

// Priority 链作为整体的优先级
func (c *Chain) Priority() int { return 0 }

// Validate 执行验证器链，按优先级顺序执行并聚合结果。
// Tripwire 优先级高于模式：任一验证器触发立即返回 TripwireError。
func (c *Chain) Validate(ctx context.Context, content string) (*ValidationResult, error) {
	c.mu.RLock()
	validators := make([]Validator, len(c.validators))
	copy(validators, c.validators)
	mode := c.mode
	c.mu.RUnlock()

	if mode == ChainModeParallel {
		return c.validateParallel(ctx, validators, content)
	}

	sortValidatorsByPriority(validators)

	result := NewValidationResult()
	executed := make([]string, 0, len(validators))

	for _, v := range validators {
		select {
		case <-ctx.Done():
			result.AddError(ValidationError{
				Code:     ErrCodeValidationFailed,
				Message:  "validation cancelled: " + ctx.Err().Error(),
				Severity: SeverityMedium,
			})
			result.Metadata["validators_executed"] = executed
			return result, ctx.Err()
		default:
		}

		vResult, err := v.Validate(ctx, content)
		if err != nil {
			c.observe(v.Name(), "error")
			result.AddError(ValidationError{
				Code:     ErrCodeValidationFailed,
				Message:  "validator " + v.Name() + " failed: " + err.Error(),
				Severity: SeverityCritical,
			})
			if mode == ChainModeFailFast {
				result.Metadata["validators_executed"] = executed
				return result, err
			}
			continue
		}

		executed = append(executed, v.Name())

		// Tripwire 立即中断
		if vResult.Tripwire {
			c.observe(v.Name(), "trip")
			result.Merge(vResult)
			result.Metadata["validators_executed"] = executed
			return result, &TripwireError{ValidatorName: v.Name(), Result: result}
		}

		c.observe(v.Name(), checkOutcome(vResult))
		result.Merge(vResult)

		if mode == ChainModeFailFast && !vResult.Valid {
			result.Metadata["validators_executed"] = executed
			return result, nil
		}
	}

	result.Metadata["validators_executed"] = executed
	return result, nil
}

// validateParallel 并行执行所有验证器并收集结果。
// 任一验证器触发 Tripwire 时通过 context cancel 取消其余验证器。
func (c *Chain) validateParallel(ctx context.Context, validators []Validator, content string) (*ValidationResult, error) {
	if len(validators) == 0 {
		result := NewValidationResult()
		result.Metadata["validators_executed"] = []string{}
		return result, nil
	}

	type validatorResult struct {
		name   string
		result *ValidationResult
		err    error
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]validatorResult, len(validators))
	g, gctx := errgroup.WithContext(ctx)

	var tripwireOnce sync.Once
	var tripwireName string

	for i, v := range validators {
		i, v := i, v
		g.Go(func() error {
			vResult, err := v.Validate(gctx, content)
			results[i] = validatorResult{name: v.Name(), result: vResult, err: err}
			if err == nil && vResult != nil && vResult.Tripwire {
				tripwireOnce.Do(func() {
					tripwireName = v.Name()
					cancel()
				})
			}
			return nil // 不让 errgroup 提前终止，自行收集所有结果
		})
	}

	_ = g.Wait()

	result := NewValidationResult()
	executed := make([]string, 0, len(validators))

	for _, vr := range results {
		if vr.err != nil {
			c.observe(vr.name, "error")
			result.AddError(ValidationError{
				Code:     ErrCodeValidationFailed,
				Message:  "validator " + vr.name + " failed: " + vr.err.Error(),
				Severity: SeverityCritical,
			})
			continue
		}
		if vr.result == nil {
			// 验证器被取消且未产生结果
			continue
		}
		if vr.result.Tripwire {
			c.observe(vr.name, "trip")
		} else {
			c.observe(vr.name, checkOutcome(vr.result))
		}
		executed = append(executed, vr.name)
		result.Merge(vr.result)
	}

	result.Metadata["validators_executed"] = executed

	if tripwireName != "" {
		return result, &TripwireError{ValidatorName: tripwireName, Result: result}
	}
	return result, nil
}

// checkOutcome 将验证结果归并为指标标签
func checkOutcome(result *ValidationResult) string {
	if result.Valid {
		return "pass"
	}
	return "fail"
}

// sortValidatorsByPriority 按优先级排序验证器（数字越小优先级越高）
func sortValidatorsByPriority(validators []Validator) {
	sort.SliceStable(validators, func(i, j int) bool {
		return validators[i].Priority() < validators[j].Priority()
	})
}
