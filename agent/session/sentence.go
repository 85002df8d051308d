package session

import "strings"

// sentenceTerminators 句终止符。流式回复按这些边界切分后逐句送检、逐句合成。
var sentenceTerminators = []rune{'.', '!', '?', '。', '！', '？'}

// splitSentences 从缓冲中切出完整句子，返回完整句列表与剩余未完结文本。
// 终止符后必须是空白或缓冲结尾才算句边界，避免把 "3.5" 切成两半。
func splitSentences(buf string) (sentences []string, rest string) {
	runes := []rune(buf)
	start := 0

	for i := 0; i < len(runes); i++ {
		if !isTerminator(runes[i]) {
			continue
		}
		// 连续终止符（"..." / "?!"）归入同一句
		for i+1 < len(runes) && isTerminator(runes[i+1]) {
			i++
		}
		if i+1 < len(runes) && !isBoundary(runes[i+1]) {
			continue
		}
		sentence := strings.TrimSpace(string(runes[start : i+1]))
		if sentence != "" {
			sentences = append(sentences, sentence)
		}
		start = i + 1
	}

	return sentences, strings.TrimLeft(string(runes[start:]), " \t\n")
}

func isTerminator(r rune) bool {
	for _, t := range sentenceTerminators {
		if r == t {
			return true
		}
	}
	return false
}

func isBoundary(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}
