// Package agui implements the incremental event protocol between the agent
// and the web UI: typed events serialised onto a per-run server-sent event
// stream.
package agui

import "encoding/json"

// EventType identifies an AG-UI event kind.
type EventType string

const (
	RunStarted         EventType = "RUN_STARTED"
	TextMessageStart   EventType = "TEXT_MESSAGE_START"
	TextMessageContent EventType = "TEXT_MESSAGE_CONTENT"
	TextMessageEnd     EventType = "TEXT_MESSAGE_END"
	StateSnapshot      EventType = "STATE_SNAPSHOT"
	RunFinished        EventType = "RUN_FINISHED"
	RunError           EventType = "RUN_ERROR"
)

// Event is one protocol frame. Only the fields relevant to the type are set.
type Event struct {
	Type      EventType       `json:"type"`
	RunID     string          `json:"runId,omitempty"`
	ThreadID  string          `json:"threadId,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
	Delta     string          `json:"delta,omitempty"`
	Snapshot  json.RawMessage `json:"snapshot,omitempty"`
	Message   string          `json:"message,omitempty"`
	Code      string          `json:"code,omitempty"`
}

// SnapshotPayload is the STATE_SNAPSHOT body.
type SnapshotPayload struct {
	Dashboard    any      `json:"dashboard,omitempty"`
	Status       string   `json:"status"`
	SchemaValid  bool     `json:"schema_valid"`
	SchemaErrors []string `json:"schema_errors,omitempty"`
	Text         string   `json:"text,omitempty"`
	Error        string   `json:"error,omitempty"`
}
