package meetings

import (
	"context"
	"sync"
)

// MemoryRepo stores meetings in memory and is safe for concurrent use.
type MemoryRepo struct {
	mu   sync.RWMutex
	byID map[string]Meeting
}

// NewMemoryRepo constructs a MemoryRepo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{byID: make(map[string]Meeting)}
}

// Create stores the meeting.
func (r *MemoryRepo) Create(ctx context.Context, meeting Meeting) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[meeting.ID] = meeting
	return nil
}

// GetByID returns a meeting by its ID.
func (r *MemoryRepo) GetByID(ctx context.Context, meetingID string) (Meeting, error) {
	if err := ctx.Err(); err != nil {
		return Meeting{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	meeting, ok := r.byID[meetingID]
	if !ok {
		return Meeting{}, ErrNotFound
	}
	return meeting, nil
}

var _ Repo = (*MemoryRepo)(nil)
