package queue

import "encoding/json"

// MessageVersion is bumped whenever Job changes shape.
const MessageVersion = 1

// Message is the payload of one queued workflow run.
type Message struct {
	WorkflowID string      `json:"workflowId"`
	RequestID  string      `json:"requestId"`
	EnqueuedAt string      `json:"enqueuedAt"`
	Version    int         `json:"version"`
	Job        WorkflowJob `json:"job"`
}

// WorkflowJob carries everything a worker needs to run the full pipeline.
// The audio itself stays in the object store under AudioKey.
type WorkflowJob struct {
	InitiatorID  string            `json:"initiatorId"`
	ScopeID      string            `json:"scopeId"`
	AudioKey     string            `json:"audioKey"`
	ContentType  string            `json:"contentType"`
	FileName     string            `json:"fileName"`
	MeetingType  string            `json:"meetingType,omitempty"`
	Title        string            `json:"title,omitempty"`
	Attendees    []string          `json:"attendees,omitempty"`
	LabName      string            `json:"labName,omitempty"`
	Recipients   []string          `json:"recipients"`
	Subject      string            `json:"subject,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
	Individually bool              `json:"individually,omitempty"`
}

// EncodeMessage returns the JSON representation of a message.
func EncodeMessage(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

// DecodeMessage parses a JSON payload into a Message.
func DecodeMessage(payload []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}
