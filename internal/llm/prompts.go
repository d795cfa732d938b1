package llm

import _ "embed"

//go:embed prompts/meeting_extract_v1.txt
var meetingExtractV1 string

// PromptVersion identifies the extraction prompt in logs and stored meetings.
const PromptVersion = "meeting_extract_v1"

// MeetingExtractPrompt returns the developer prompt for action item extraction.
func MeetingExtractPrompt() string {
	return meetingExtractV1
}
