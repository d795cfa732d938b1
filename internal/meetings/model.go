package meetings

import "time"

const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

// ActionItem is one commitment extracted from a meeting.
type ActionItem struct {
	Description string  `json:"description"`
	Assignee    *string `json:"assignee,omitempty"`
	DueDate     *string `json:"dueDate,omitempty"`
	Priority    string  `json:"priority"`
}

// Meeting is the record produced by extraction and read by rendering.
type Meeting struct {
	ID            string       `json:"id"`
	ScopeID       string       `json:"scopeId"`
	Title         string       `json:"title"`
	MeetingType   string       `json:"meetingType"`
	MeetingDate   string       `json:"meetingDate"`
	Attendees     []string     `json:"attendees"`
	Transcript    string       `json:"-"`
	Summary       string       `json:"summary"`
	ActionItems   []ActionItem `json:"actionItems"`
	PromptVersion string       `json:"promptVersion,omitempty"`
	CreatedBy     string       `json:"createdBy"`
	CreatedAt     time.Time    `json:"createdAt"`
}
