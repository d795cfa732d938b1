package meetings

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestPGRepoCreate(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	repo := &PGRepo{DB: db}
	meeting := Meeting{
		ID:          "meeting-1",
		ScopeID:     "lab-1",
		Title:       "Weekly sync",
		MeetingType: "lab meeting",
		MeetingDate: "2026-10-19",
		Transcript:  "Alice will finish the report by Friday",
		Summary:     "s",
		CreatedBy:   "user-1",
		CreatedAt:   time.Now().UTC(),
	}

	mock.ExpectExec("INSERT INTO meetings").
		WithArgs(
			meeting.ID,
			meeting.ScopeID,
			meeting.Title,
			meeting.MeetingType,
			meeting.MeetingDate,
			[]byte(`[]`),
			meeting.Transcript,
			meeting.Summary,
			[]byte(`[]`),
			meeting.PromptVersion,
			meeting.CreatedBy,
			sqlmock.AnyArg(),
		).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := repo.Create(context.Background(), meeting); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGRepoGetByIDNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectQuery("FROM meetings").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	repo := &PGRepo{DB: db}
	if _, err := repo.GetByID(context.Background(), "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPGRepoGetByIDDecodesJSON(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	created := time.Date(2026, 10, 19, 15, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"id", "scope_id", "title", "meeting_type", "meeting_date", "attendees", "transcript",
		"summary", "action_items", "prompt_version", "created_by", "created_at",
	}).AddRow(
		"meeting-1", "lab-1", "Weekly sync", "lab meeting", "2026-10-19", `["Alice","Bob"]`, "t",
		"s", `[{"description":"Finish the report","assignee":"Alice","priority":"medium"}]`, nil, "user-1", created,
	)
	mock.ExpectQuery("FROM meetings").WithArgs("meeting-1").WillReturnRows(rows)

	repo := &PGRepo{DB: db}
	got, err := repo.GetByID(context.Background(), "meeting-1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if len(got.Attendees) != 2 || got.Attendees[1] != "Bob" {
		t.Fatalf("unexpected attendees %v", got.Attendees)
	}
	if len(got.ActionItems) != 1 || got.ActionItems[0].Assignee == nil || *got.ActionItems[0].Assignee != "Alice" {
		t.Fatalf("unexpected action items %+v", got.ActionItems)
	}
	if got.PromptVersion != "" {
		t.Fatalf("expected empty prompt version for NULL, got %q", got.PromptVersion)
	}
}
