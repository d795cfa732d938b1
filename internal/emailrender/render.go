package emailrender

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"strings"
	"time"

	"lab-backend/internal/meetings"
	"lab-backend/internal/shared/retry"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// Rendered is a summary email ready for delivery.
type Rendered struct {
	Subject string
	HTML    string
	Text    string
}

// MeetingSource loads stored meetings.
type MeetingSource interface {
	GetByID(ctx context.Context, meetingID string) (meetings.Meeting, error)
}

// Renderer builds summary emails from stored meetings.
type Renderer struct {
	source MeetingSource
	html   *template.Template
	// DefaultLabName is used when a render request names no lab.
	DefaultLabName string
}

// New parses the embedded templates.
func New(source MeetingSource) (*Renderer, error) {
	tmpl, err := template.New("summary.html.tmpl").
		Funcs(template.FuncMap{"join": strings.Join}).
		ParseFS(templateFS, "templates/summary.html.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse email templates: %w", err)
	}
	return &Renderer{source: source, html: tmpl}, nil
}

type itemView struct {
	Number        int
	Description   string
	Assignee      string
	DueDate       string
	Priority      string
	PriorityColor string
}

type summaryView struct {
	Subject   string
	LabName   string
	Title     string
	Date      string
	Summary   string
	Attendees []string
	Items     []itemView
}

// Render loads the meeting and renders the HTML body and its plain-text fallback.
// A missing meeting is a permanent failure.
func (r *Renderer) Render(ctx context.Context, meetingID, labName string) (Rendered, error) {
	meeting, err := r.source.GetByID(ctx, meetingID)
	if err != nil {
		if errors.Is(err, meetings.ErrNotFound) {
			return Rendered{}, retry.Permanent(fmt.Errorf("meeting %s: %w", meetingID, err))
		}
		return Rendered{}, err
	}

	if strings.TrimSpace(labName) == "" {
		labName = r.DefaultLabName
	}
	view := buildView(meeting, labName)
	var buf bytes.Buffer
	if err := r.html.Execute(&buf, view); err != nil {
		return Rendered{}, retry.Permanent(fmt.Errorf("render html: %w", err))
	}
	return Rendered{
		Subject: view.Subject,
		HTML:    buf.String(),
		Text:    plainText(view),
	}, nil
}

func buildView(m meetings.Meeting, labName string) summaryView {
	labName = strings.TrimSpace(labName)
	if labName == "" {
		labName = "Your lab"
	}
	title := strings.TrimSpace(m.Title)
	if title == "" {
		title = "Meeting"
	}
	view := summaryView{
		Subject:   fmt.Sprintf("%s: %s summary", labName, title),
		LabName:   labName,
		Title:     title,
		Date:      formatDate(m.MeetingDate, "Monday, January 2, 2006"),
		Summary:   strings.TrimSpace(m.Summary),
		Attendees: m.Attendees,
		Items:     make([]itemView, 0, len(m.ActionItems)),
	}
	if view.Summary == "" {
		view.Summary = "No summary was produced for this meeting."
	}
	for i, item := range m.ActionItems {
		iv := itemView{
			Number:        i + 1,
			Description:   item.Description,
			Priority:      item.Priority,
			PriorityColor: priorityColor(item.Priority),
		}
		if item.Assignee != nil {
			iv.Assignee = *item.Assignee
		}
		if item.DueDate != nil {
			iv.DueDate = formatDate(*item.DueDate, "Mon Jan 2, 2006")
		}
		view.Items = append(view.Items, iv)
	}
	return view
}

func plainText(v summaryView) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s - %s\n", v.LabName, v.Title)
	if v.Date != "" {
		fmt.Fprintf(&b, "%s\n", v.Date)
	}
	b.WriteString("\nSUMMARY\n")
	b.WriteString(v.Summary)
	b.WriteString("\n\nACTION ITEMS\n")
	if len(v.Items) == 0 {
		b.WriteString("No action items were recorded.\n")
	}
	for _, item := range v.Items {
		fmt.Fprintf(&b, "%d. %s\n", item.Number, item.Description)
		details := make([]string, 0, 3)
		if item.Assignee != "" {
			details = append(details, "Owner: "+item.Assignee)
		}
		if item.DueDate != "" {
			details = append(details, "Due: "+item.DueDate)
		}
		details = append(details, "Priority: "+item.Priority)
		fmt.Fprintf(&b, "   %s\n", strings.Join(details, " | "))
	}
	if len(v.Attendees) > 0 {
		b.WriteString("\nATTENDEES\n")
		b.WriteString(strings.Join(v.Attendees, ", "))
		b.WriteString("\n")
	}
	return b.String()
}

func formatDate(value, layout string) string {
	t, err := time.Parse("2006-01-02", strings.TrimSpace(value))
	if err != nil {
		return strings.TrimSpace(value)
	}
	return t.Format(layout)
}

func priorityColor(priority string) string {
	switch priority {
	case meetings.PriorityHigh:
		return "#c81e1e"
	case meetings.PriorityLow:
		return "#616e7c"
	default:
		return "#b7791f"
	}
}
