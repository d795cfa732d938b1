package openai

import (
	"fmt"
	"strings"

	"lab-backend/internal/llm"
)

// Message represents an OpenAI chat message.
type Message struct {
	Role    string
	Content string
}

const (
	systemPromptStrict  = "You are a meeting analysis engine. Respond with JSON only. No markdown. Never omit keys."
	systemPromptFixJSON = "You are a JSON repair tool. Return only valid JSON that matches the schema exactly."
)

// BuildPrompt creates the chat messages for a meeting extraction request.
func BuildPrompt(input llm.ExtractInput) []Message {
	return []Message{
		{Role: "system", Content: systemPromptStrict},
		{Role: "developer", Content: developerPrompt(input)},
		{Role: "user", Content: buildUserPrompt(input)},
	}
}

func buildFixPrompt(input llm.ExtractInput, raw []byte) []Message {
	return []Message{
		{Role: "system", Content: systemPromptFixJSON},
		{Role: "developer", Content: developerPrompt(input)},
		{Role: "user", Content: fixUserPrompt(raw)},
	}
}

func developerPrompt(input llm.ExtractInput) string {
	meetingType := strings.TrimSpace(input.MeetingType)
	if meetingType == "" {
		meetingType = "general"
	}
	meetingDate := strings.TrimSpace(input.MeetingDate)
	if meetingDate == "" {
		meetingDate = "unknown"
	}
	replacer := strings.NewReplacer(
		"{{MEETING_TYPE}}", meetingType,
		"{{MEETING_DATE}}", meetingDate,
	)
	return replacer.Replace(llm.MeetingExtractPrompt())
}

func buildUserPrompt(input llm.ExtractInput) string {
	title := input.Title
	if strings.TrimSpace(title) == "" {
		title = "N/A"
	}
	attendees := "N/A"
	if len(input.Attendees) > 0 {
		attendees = strings.Join(input.Attendees, ", ")
	}
	return fmt.Sprintf("Title:\n%s\n\nAttendees:\n%s\n\nTranscript:\n%s", title, attendees, input.Transcript)
}

func fixUserPrompt(raw []byte) string {
	return fmt.Sprintf("Fix this JSON to match the schema exactly. Output JSON only:\n%s", string(raw))
}
