package meetings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"lab-backend/internal/llm"
	"lab-backend/internal/shared/retry"
	"lab-backend/internal/shared/telemetry"
)

// ExtractRequest is the input of one extraction.
type ExtractRequest struct {
	Transcript  string
	MeetingType string
	Title       string
	Attendees   []string
	ScopeID     string
	CreatedBy   string
}

// ExtractResult identifies the stored meeting and its action items.
type ExtractResult struct {
	MeetingID   string
	Summary     string
	ActionItems []ActionItem
}

// Extractor turns transcripts into stored meetings using an LLM.
type Extractor struct {
	llm   llm.Client
	repo  Repo
	now   func() time.Time
	newID func() string
}

// NewExtractor constructs an Extractor.
func NewExtractor(client llm.Client, repo Repo) *Extractor {
	return &Extractor{
		llm:   client,
		repo:  repo,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
}

type extraction struct {
	Summary     *string          `json:"summary"`
	ActionItems *[]rawActionItem `json:"actionItems"`
}

type rawActionItem struct {
	Description string  `json:"description"`
	Assignee    *string `json:"assignee"`
	DueDate     *string `json:"dueDate"`
	Priority    string  `json:"priority"`
}

// Extract asks the model for a summary and action items, validates the answer
// and persists the meeting. An unparseable answer gets one repair attempt.
func (e *Extractor) Extract(ctx context.Context, req ExtractRequest) (ExtractResult, error) {
	if e.llm == nil || e.repo == nil {
		return ExtractResult{}, retry.Permanent(errors.New("extractor not configured"))
	}
	if strings.TrimSpace(req.Transcript) == "" {
		return ExtractResult{}, retry.Permanent(fmt.Errorf("%w: transcript is empty", ErrInvalidExtraction))
	}

	now := e.now()
	input := llm.ExtractInput{
		Transcript:  req.Transcript,
		MeetingType: req.MeetingType,
		Title:       req.Title,
		Attendees:   req.Attendees,
		MeetingDate: now.Format("2006-01-02"),
	}
	raw, err := e.llm.ExtractMeeting(ctx, input)
	if err != nil {
		return ExtractResult{}, err
	}
	summary, items, verr := parseExtraction(raw)
	if verr != nil {
		telemetry.Info("meetings.extract_fix_json", map[string]any{
			"scope_id": req.ScopeID,
			"error":    verr.Error(),
		})
		raw, err = e.llm.ExtractMeeting(llm.WithFixJSON(ctx, string(raw)), input)
		if err != nil {
			return ExtractResult{}, err
		}
		summary, items, verr = parseExtraction(raw)
		if verr != nil {
			return ExtractResult{}, retry.Permanent(verr)
		}
	}

	meeting := Meeting{
		ID:            e.newID(),
		ScopeID:       req.ScopeID,
		Title:         defaultTitle(req.Title, req.MeetingType, now),
		MeetingType:   req.MeetingType,
		MeetingDate:   input.MeetingDate,
		Attendees:     req.Attendees,
		Transcript:    req.Transcript,
		Summary:       summary,
		ActionItems:   items,
		PromptVersion: llm.PromptVersion,
		CreatedBy:     req.CreatedBy,
		CreatedAt:     now,
	}
	if err := e.repo.Create(ctx, meeting); err != nil {
		return ExtractResult{}, fmt.Errorf("store meeting: %w", err)
	}
	return ExtractResult{MeetingID: meeting.ID, Summary: summary, ActionItems: items}, nil
}

func parseExtraction(raw json.RawMessage) (string, []ActionItem, error) {
	var parsed extraction
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidExtraction, err)
	}
	if parsed.Summary == nil {
		return "", nil, fmt.Errorf("%w: missing summary", ErrInvalidExtraction)
	}
	if parsed.ActionItems == nil {
		return "", nil, fmt.Errorf("%w: missing actionItems", ErrInvalidExtraction)
	}

	items := make([]ActionItem, 0, len(*parsed.ActionItems))
	for i, item := range *parsed.ActionItems {
		desc := strings.TrimSpace(item.Description)
		if desc == "" {
			return "", nil, fmt.Errorf("%w: actionItems[%d].description is empty", ErrInvalidExtraction, i)
		}
		priority := strings.ToLower(strings.TrimSpace(item.Priority))
		switch priority {
		case "":
			priority = PriorityMedium
		case PriorityLow, PriorityMedium, PriorityHigh:
		default:
			return "", nil, fmt.Errorf("%w: actionItems[%d].priority %q", ErrInvalidExtraction, i, item.Priority)
		}
		due := trimmedOrNil(item.DueDate)
		if due != nil {
			if _, err := time.Parse("2006-01-02", *due); err != nil {
				return "", nil, fmt.Errorf("%w: actionItems[%d].dueDate %q", ErrInvalidExtraction, i, *due)
			}
		}
		items = append(items, ActionItem{
			Description: desc,
			Assignee:    trimmedOrNil(item.Assignee),
			DueDate:     due,
			Priority:    priority,
		})
	}
	return strings.TrimSpace(*parsed.Summary), items, nil
}

func trimmedOrNil(value *string) *string {
	if value == nil {
		return nil
	}
	v := strings.TrimSpace(*value)
	if v == "" {
		return nil
	}
	return &v
}

func defaultTitle(title, meetingType string, now time.Time) string {
	if t := strings.TrimSpace(title); t != "" {
		return t
	}
	kind := strings.TrimSpace(meetingType)
	if kind == "" {
		kind = "Meeting"
	} else {
		kind = strings.ToUpper(kind[:1]) + kind[1:]
	}
	return fmt.Sprintf("%s %s", kind, now.Format("Jan 2, 2006"))
}
