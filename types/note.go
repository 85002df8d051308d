package types

import "time"

// EncounterStatus 就诊记录状态。
type EncounterStatus string

const (
	EncounterStatusRecording EncounterStatus = "recording"
	EncounterStatusFinalized EncounterStatus = "finalized"
)

// Encounter 一次医患对话的记录会话。
type Encounter struct {
	ID        string            `json:"id"`
	Status    EncounterStatus   `json:"status"`
	StartedAt time.Time         `json:"started_at"`
	EndedAt   time.Time         `json:"ended_at,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// SOAPNote 结构化临床文书（Subjective / Objective / Assessment / Plan）。
type SOAPNote struct {
	EncounterID string    `json:"encounter_id"`
	Subjective  string    `json:"subjective"`
	Objective   string    `json:"objective"`
	Assessment  string    `json:"assessment"`
	Plan        string    `json:"plan"`
	Model       string    `json:"model,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
}

// IsComplete 返回四个分节是否均非空。
func (n *SOAPNote) IsComplete() bool {
	return n.Subjective != "" && n.Objective != "" && n.Assessment != "" && n.Plan != ""
}
