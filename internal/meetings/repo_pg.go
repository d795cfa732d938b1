package meetings

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// PGRepo implements Repo using Postgres.
type PGRepo struct {
	DB *sql.DB
}

// Create inserts a meeting.
func (r *PGRepo) Create(ctx context.Context, meeting Meeting) error {
	const query = `
INSERT INTO meetings (
	id, scope_id, title, meeting_type, meeting_date, attendees, transcript,
	summary, action_items, prompt_version, created_by, created_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	attendees, err := json.Marshal(nonNilStrings(meeting.Attendees))
	if err != nil {
		return err
	}
	items := meeting.ActionItems
	if items == nil {
		items = []ActionItem{}
	}
	actionItems, err := json.Marshal(items)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, query,
		meeting.ID,
		meeting.ScopeID,
		meeting.Title,
		meeting.MeetingType,
		meeting.MeetingDate,
		attendees,
		meeting.Transcript,
		meeting.Summary,
		actionItems,
		meeting.PromptVersion,
		meeting.CreatedBy,
		meeting.CreatedAt,
	)
	return err
}

// GetByID returns a meeting by ID.
func (r *PGRepo) GetByID(ctx context.Context, meetingID string) (Meeting, error) {
	const query = `
SELECT id, scope_id, title, meeting_type, meeting_date, attendees, transcript,
       summary, action_items, prompt_version, created_by, created_at
FROM meetings
WHERE id = $1
LIMIT 1`
	var m Meeting
	var attendees sql.NullString
	var actionItems sql.NullString
	var promptVersion sql.NullString
	err := r.DB.QueryRowContext(ctx, query, meetingID).Scan(
		&m.ID,
		&m.ScopeID,
		&m.Title,
		&m.MeetingType,
		&m.MeetingDate,
		&attendees,
		&m.Transcript,
		&m.Summary,
		&actionItems,
		&promptVersion,
		&m.CreatedBy,
		&m.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Meeting{}, ErrNotFound
	}
	if err != nil {
		return Meeting{}, err
	}
	if attendees.Valid && attendees.String != "" {
		if err := json.Unmarshal([]byte(attendees.String), &m.Attendees); err != nil {
			return Meeting{}, fmt.Errorf("decode attendees: %w", err)
		}
	}
	if actionItems.Valid && actionItems.String != "" {
		if err := json.Unmarshal([]byte(actionItems.String), &m.ActionItems); err != nil {
			return Meeting{}, fmt.Errorf("decode action_items: %w", err)
		}
	}
	m.PromptVersion = promptVersion.String
	m.CreatedAt = m.CreatedAt.UTC()
	return m, nil
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

var _ Repo = (*PGRepo)(nil)
