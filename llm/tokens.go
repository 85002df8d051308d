package llm

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/BaSui01/ambientflow/types"
)

// 每条消息的固定开销（角色标记、分隔符），对齐 OpenAI chat 格式。
const perMessageOverhead = 4

// HistoryTrimmer 基于 tiktoken 的上下文窗口裁剪器。
// 网关后的 Llama 系模型没有公开 tokenizer，cl100k_base 的计数
// 偏差在个位数百分比内，预算裁剪够用。
type HistoryTrimmer struct {
	contextWindow int

	once    sync.Once
	enc     *tiktoken.Tiktoken
	initErr error
}

// NewHistoryTrimmer 创建裁剪器，contextWindow 为模型上下文 token 上限。
func NewHistoryTrimmer(contextWindow int) *HistoryTrimmer {
	if contextWindow <= 0 {
		contextWindow = 8192
	}
	return &HistoryTrimmer{contextWindow: contextWindow}
}

// init lazily 初始化 tiktoken 编码（首次使用时可能下载数据）。
func (t *HistoryTrimmer) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			t.initErr = fmt.Errorf("init tiktoken encoding: %w", err)
			return
		}
		t.enc = enc
	})
	return t.initErr
}

// CountTokens 返回文本的 token 数。
func (t *HistoryTrimmer) CountTokens(text string) (int, error) {
	if err := t.init(); err != nil {
		return 0, err
	}
	return len(t.enc.Encode(text, nil, nil)), nil
}

// CountMessages 返回消息列表的总 token 数（含每条消息开销）。
func (t *HistoryTrimmer) CountMessages(messages []types.Message) (int, error) {
	if err := t.init(); err != nil {
		return 0, err
	}
	total := 0
	for _, m := range messages {
		total += perMessageOverhead
		total += len(t.enc.Encode(m.Content, nil, nil))
		total += len(t.enc.Encode(string(m.Role), nil, nil))
	}
	return total, nil
}

// Trim 裁剪历史，使总 token 不超过 contextWindow - reserve。
// 首条 system 消息始终保留，其余从最旧开始丢弃。
func (t *HistoryTrimmer) Trim(messages []types.Message, reserve int) ([]types.Message, error) {
	if err := t.init(); err != nil {
		return nil, err
	}

	budget := t.contextWindow - reserve
	if budget <= 0 {
		return nil, fmt.Errorf("reserve %d exceeds context window %d", reserve, t.contextWindow)
	}

	total, err := t.CountMessages(messages)
	if err != nil {
		return nil, err
	}
	if total <= budget {
		return messages, nil
	}

	var system []types.Message
	rest := messages
	if len(messages) > 0 && messages[0].Role == types.RoleSystem {
		system = messages[:1]
		rest = messages[1:]
	}

	// 从最旧的非 system 消息开始丢弃
	for len(rest) > 0 {
		candidate := append(append([]types.Message{}, system...), rest...)
		n, err := t.CountMessages(candidate)
		if err != nil {
			return nil, err
		}
		if n <= budget {
			return candidate, nil
		}
		rest = rest[1:]
	}

	return system, nil
}
