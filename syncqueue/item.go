package syncqueue

import "time"

type Status string

const (
	StatusPending Status = "pending"
	StatusSyncing Status = "syncing"
	StatusFailed  Status = "failed"
)

// DefaultPriority is used when a caller does not pick one. Higher is more urgent.
const DefaultPriority = 5

// Item is one segment waiting for remote delivery. It references the segment
// by id only; the segment may be deleted while the item is still queued.
type Item struct {
	ID        string    `json:"id"`
	SegmentID string    `json:"segment_id"`
	Priority  int       `json:"priority"`
	Attempts  int       `json:"attempts"`
	Status    Status    `json:"status"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Active reports whether the item still counts against the one-item-per-segment rule
// without needing attention.
func (i *Item) Active() bool {
	return i.Status == StatusPending || i.Status == StatusSyncing
}
