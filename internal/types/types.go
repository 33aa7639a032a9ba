package types

import "time"

// DialogueState is the conversational state of a live call as mirrored in the cache.
type DialogueState string

const (
	StateIdle       DialogueState = "idle"
	StateListening  DialogueState = "listening"
	StateGenerating DialogueState = "generating"
	StateSpeaking   DialogueState = "speaking"
)

type Call struct {
	ID                string        `json:"call_id"`
	CallSID           string        `json:"call_sid"`
	Owner             string        `json:"owner,omitempty"`
	Origin            string        `json:"origin"`
	RecordID          int64         `json:"record_id,omitempty"`
	StartedAt         time.Time     `json:"started_at"`
	EndedAt           *time.Time    `json:"ended_at,omitempty"`
	LastActivity      time.Time     `json:"last_activity"`
	State             DialogueState `json:"state"`
	PartialTranscript string        `json:"partial_transcript"`
	FinalTranscript   string        `json:"final_transcript"`
	AlertTriggered    bool          `json:"alert_triggered"`
}

// AlertEvent is broadcast once per call when a committed utterance matches an alert keyword.
type AlertEvent struct {
	CallID    string    `json:"call_id"`
	CallSID   string    `json:"call_sid,omitempty"`
	Owner     string    `json:"owner,omitempty"`
	Origin    string    `json:"origin,omitempty"`
	Utterance string    `json:"utterance"`
	Keywords  []string  `json:"keywords"`
	Timestamp time.Time `json:"timestamp"`
}

type WebSession struct {
	ID           string            `json:"session_id"`
	Owner        string            `json:"owner,omitempty"`
	Data         map[string]string `json:"data,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	LastActivity time.Time         `json:"last_activity"`
}
