package types

import (
	"strings"
	"time"
)

// Speaker 标识转录片段的说话人。
// 门诊场景下 ASR 说话人分离只区分两个角色，无法归类时为 unknown。
type Speaker string

const (
	SpeakerProvider Speaker = "provider"
	SpeakerPatient  Speaker = "patient"
	SpeakerUnknown  Speaker = "unknown"
)

// TranscriptSegment 一段带时间戳的转录文本。
type TranscriptSegment struct {
	ID         int           `json:"id"`
	Start      time.Duration `json:"start"`
	End        time.Duration `json:"end"`
	Text       string        `json:"text"`
	Speaker    Speaker       `json:"speaker,omitempty"`
	Confidence float64       `json:"confidence,omitempty"`
}

// Transcript 一次就诊的完整转录，按片段到达顺序排列。
type Transcript struct {
	EncounterID string              `json:"encounter_id"`
	Language    string              `json:"language,omitempty"`
	Segments    []TranscriptSegment `json:"segments"`
	AudioSecs   float64             `json:"audio_secs,omitempty"`
}

// Append 按到达顺序追加片段。
// 每段音频上传携带的是该段内部的相对时间戳（从 0 开始），
// 跨段按 Start 排序会把后传片段插入先传片段之间，因此只保留到达顺序。
func (t *Transcript) Append(segs ...TranscriptSegment) {
	t.Segments = append(t.Segments, segs...)
}

// Render 渲染为 "speaker: text" 的多行文本，供提示词构造使用。
func (t *Transcript) Render() string {
	var b strings.Builder
	for _, s := range t.Segments {
		speaker := s.Speaker
		if speaker == "" {
			speaker = SpeakerUnknown
		}
		b.WriteString(string(speaker))
		b.WriteString(": ")
		b.WriteString(strings.TrimSpace(s.Text))
		b.WriteString("\n")
	}
	return b.String()
}

// IsEmpty 返回转录是否没有任何有效文本。
func (t *Transcript) IsEmpty() bool {
	for _, s := range t.Segments {
		if strings.TrimSpace(s.Text) != "" {
			return false
		}
	}
	return true
}
