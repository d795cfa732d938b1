package meetings

import "context"

// Repo defines persistence operations for meetings.
type Repo interface {
	Create(ctx context.Context, meeting Meeting) error
	GetByID(ctx context.Context, meetingID string) (Meeting, error)
}
