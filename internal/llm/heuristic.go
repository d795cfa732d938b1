package llm

import (
	"context"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// HeuristicClient extracts action items with sentence rules instead of a model.
// It serves local runs and tests where no provider key is configured.
type HeuristicClient struct{}

var (
	sentenceSplit  = regexp.MustCompile(`[.!?\n]+`)
	commitmentRule = regexp.MustCompile(`(?i)^([A-Z][\w'-]*)\s+(?:will|needs to|should|is going to|agreed to)\s+(.+)$`)
	actionRule     = regexp.MustCompile(`(?i)^(?:action item|todo|to do)\s*[:\-]\s*(.+)$`)
	dueRule        = regexp.MustCompile(`(?i)\s+(?:by|before|on)\s+(today|tomorrow|next week|monday|tuesday|wednesday|thursday|friday|saturday|sunday|\d{4}-\d{2}-\d{2})$`)
	urgentRule     = regexp.MustCompile(`(?i)\b(urgent|asap|immediately|blocking)\b`)
)

type heuristicItem struct {
	Description string  `json:"description"`
	Assignee    *string `json:"assignee"`
	DueDate     *string `json:"dueDate"`
	Priority    string  `json:"priority"`
}

type heuristicResult struct {
	Summary     string          `json:"summary"`
	ActionItems []heuristicItem `json:"actionItems"`
}

// ExtractMeeting returns JSON in the same shape the hosted models produce.
func (HeuristicClient) ExtractMeeting(ctx context.Context, input ExtractInput) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	meetingDate, err := time.Parse("2006-01-02", input.MeetingDate)
	if err != nil {
		meetingDate = time.Now().UTC()
	}

	sentences := make([]string, 0)
	for _, raw := range sentenceSplit.Split(input.Transcript, -1) {
		s := strings.TrimSpace(raw)
		if s != "" {
			sentences = append(sentences, s)
		}
	}

	result := heuristicResult{ActionItems: make([]heuristicItem, 0)}
	for _, s := range sentences {
		item, ok := parseCommitment(s, meetingDate)
		if ok {
			result.ActionItems = append(result.ActionItems, item)
		}
	}
	result.Summary = summarize(input, sentences, len(result.ActionItems))
	return json.Marshal(result)
}

func parseCommitment(sentence string, meetingDate time.Time) (heuristicItem, bool) {
	var assignee *string
	var rest string
	if m := commitmentRule.FindStringSubmatch(sentence); m != nil {
		name := m[1]
		if isPronoun(name) {
			return heuristicItem{}, false
		}
		assignee = &name
		rest = m[2]
	} else if m := actionRule.FindStringSubmatch(sentence); m != nil {
		rest = m[1]
	} else {
		return heuristicItem{}, false
	}

	item := heuristicItem{Assignee: assignee, Priority: "medium"}
	if m := dueRule.FindStringSubmatchIndex(rest); m != nil {
		due := resolveDue(rest[m[2]:m[3]], meetingDate)
		if due != "" {
			item.DueDate = &due
		}
		rest = rest[:m[0]]
	}
	if urgentRule.MatchString(sentence) {
		item.Priority = "high"
	}
	item.Description = capitalize(strings.TrimSpace(rest))
	if item.Description == "" {
		return heuristicItem{}, false
	}
	return item, true
}

func resolveDue(word string, meetingDate time.Time) string {
	word = strings.ToLower(word)
	switch word {
	case "today":
		return meetingDate.Format("2006-01-02")
	case "tomorrow":
		return meetingDate.AddDate(0, 0, 1).Format("2006-01-02")
	case "next week":
		return meetingDate.AddDate(0, 0, 7).Format("2006-01-02")
	}
	if t, err := time.Parse("2006-01-02", word); err == nil {
		return t.Format("2006-01-02")
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.ToLower(d.String()) == word {
			ahead := (int(d) - int(meetingDate.Weekday()) + 7) % 7
			return meetingDate.AddDate(0, 0, ahead).Format("2006-01-02")
		}
	}
	return ""
}

func summarize(input ExtractInput, sentences []string, items int) string {
	var b strings.Builder
	kind := strings.TrimSpace(input.MeetingType)
	if kind == "" {
		kind = "meeting"
	}
	b.WriteString("The ")
	b.WriteString(kind)
	if len(input.Attendees) > 0 {
		b.WriteString(" with ")
		b.WriteString(strings.Join(input.Attendees, ", "))
	}
	b.WriteString(" covered ")
	if len(sentences) == 1 {
		b.WriteString("1 topic")
	} else {
		b.WriteString(strconv.Itoa(len(sentences)))
		b.WriteString(" topics")
	}
	b.WriteString(" and produced ")
	if items == 1 {
		b.WriteString("1 action item.")
	} else {
		b.WriteString(strconv.Itoa(items))
		b.WriteString(" action items.")
	}
	return b.String()
}

func isPronoun(word string) bool {
	switch strings.ToLower(word) {
	case "we", "i", "you", "they", "it", "this", "that", "there", "he", "she", "someone", "everyone":
		return true
	}
	return false
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

var _ Client = HeuristicClient{}
