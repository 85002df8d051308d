package scribe

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/ambientflow/types"
)

// soapSystemPrompt 文书生成的系统提示词。
// 输出约束为纯 JSON，四个分节键固定小写。
const soapSystemPrompt = `You are a clinical documentation assistant. You will be given the diarized transcript of a medical encounter between a provider and a patient. Generate a SOAP note summarizing the encounter.

Respond with ONLY a JSON object in exactly this format, with no other text:
{"subjective": "...", "objective": "...", "assessment": "...", "plan": "..."}

Guidelines:
- subjective: the patient's reported symptoms, history, and concerns in their own framing
- objective: observable findings, measurements, and examination results mentioned
- assessment: the provider's clinical impression or diagnosis
- plan: treatment, prescriptions, referrals, and follow-up discussed
- Use only information present in the transcript. Do not invent findings.`

// repairPromptTemplate 修复重试提示词，附上上一次的畸形输出。
const repairPromptTemplate = `Your previous response could not be parsed as the required JSON object. Previous response:

%s

Respond again with ONLY the JSON object {"subjective": "...", "objective": "...", "assessment": "...", "plan": "..."} and no other text. Every field must be a non-empty string.`

// repairPrompt 组装修复重试提示词
func repairPrompt(previous string) string {
	return fmt.Sprintf(repairPromptTemplate, previous)
}

// buildMessages 组装定稿请求的消息列表
func buildMessages(transcript *types.Transcript) []types.Message {
	return []types.Message{
		types.NewSystemMessage(soapSystemPrompt),
		types.NewUserMessage("Encounter transcript:\n\n" + transcript.Render()),
	}
}

// wireNote 模型输出的 JSON 形态
type wireNote struct {
	Subjective string `json:"subjective"`
	Objective  string `json:"objective"`
	Assessment string `json:"assessment"`
	Plan       string `json:"plan"`
}

// parseNote 严格解析模型输出为 SOAP 文书。
// 模型偶尔在 JSON 外包裹说明文字，先裁剪首尾花括号之间的片段；
// 四个分节缺一即视为畸形。
func parseNote(raw, encounterID, model string) (*types.SOAPNote, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in model output")
	}

	var wire wireNote
	if err := json.Unmarshal([]byte(raw[start:end+1]), &wire); err != nil {
		return nil, fmt.Errorf("decode note JSON: %w", err)
	}

	note := &types.SOAPNote{
		EncounterID: encounterID,
		Subjective:  strings.TrimSpace(wire.Subjective),
		Objective:   strings.TrimSpace(wire.Objective),
		Assessment:  strings.TrimSpace(wire.Assessment),
		Plan:        strings.TrimSpace(wire.Plan),
		Model:       model,
		GeneratedAt: time.Now().UTC(),
	}
	if !note.IsComplete() {
		return nil, fmt.Errorf("note is missing one or more sections")
	}
	return note, nil
}
