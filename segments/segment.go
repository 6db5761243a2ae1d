package segments

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

type SyncState string

const (
	SyncLocal   SyncState = "local"
	SyncQueued  SyncState = "queued"
	SyncSyncing SyncState = "syncing"
	SyncSynced  SyncState = "synced"
	SyncFailed  SyncState = "failed"
)

var AllSyncStates = []SyncState{SyncLocal, SyncQueued, SyncSyncing, SyncSynced, SyncFailed}

func ParseSyncState(s string) (SyncState, error) {
	state := SyncState(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllSyncStates {
		if state == known {
			return state, nil
		}
	}
	return "", NewValidationError("sync_state", fmt.Sprintf("unknown sync state %q", s))
}

const (
	MaxTagLength         = 64
	MaxDisplayNameLength = 256
	DefaultListLimit     = 50
)

// SegmentInfo is everything about a segment except its payload.
type SegmentInfo struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"session_id"`
	SequenceNumber  int       `json:"sequence_number"`
	CreatedAt       time.Time `json:"created_at"`
	LastModified    time.Time `json:"last_modified"`
	MimeType        string    `json:"mime_type"`
	SizeBytes       int64     `json:"size_bytes"`
	DurationSeconds float64   `json:"duration_seconds"`
	DisplayName     string    `json:"display_name"`
	Tags            []string  `json:"tags"`
	SyncState       SyncState `json:"sync_state"`
}

type Segment struct {
	SegmentInfo
	Payload []byte `json:"-"`
}

// NewSegment is the input to Store.Create.
type NewSegment struct {
	SessionID      string
	SequenceNumber int
	Payload        []byte
	MimeType       string
	Duration       time.Duration
	// DisplayName defaults to recording_<date>_<time>_<sequence>.
	DisplayName string
	Tags        []string
}

// Update carries the mutable fields. Nil fields are left unchanged.
type Update struct {
	DisplayName *string    `json:"display_name,omitempty"`
	Tags        *[]string  `json:"tags,omitempty"`
	SyncState   *SyncState `json:"sync_state,omitempty"`
}

// Query filters List. Zero values mean no filter; Limit defaults to DefaultListLimit.
type Query struct {
	SyncState *SyncState
	Tag       string
	SessionID string
	Limit     int
	Offset    int
}

type CapacityInfo struct {
	UsedBytes     int64 `json:"used_bytes"`
	CapacityBytes int64 `json:"capacity_bytes"`
	PercentUsed   int   `json:"percent_used"`
	Warning       bool  `json:"warning"`
	Critical      bool  `json:"critical"`
}

// DefaultDisplayName formats the generated name of a segment.
func DefaultDisplayName(createdAt time.Time, sequenceNumber int) string {
	local := createdAt.Local()
	return fmt.Sprintf("recording_%s_%s_%d",
		local.Format("2006-01-02"), local.Format("15-04-05"), sequenceNumber)
}

// NormalizeTags trims each tag, strips a leading '#', drops empties and duplicates.
func NormalizeTags(tags []string) ([]string, error) {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))

	for _, raw := range tags {
		tag := strings.TrimPrefix(strings.TrimSpace(raw), "#")
		if tag == "" {
			continue
		}
		if len(tag) > MaxTagLength {
			return nil, NewValidationError("tags", fmt.Sprintf("tag %q exceeds %d characters", tag, MaxTagLength))
		}
		if strings.IndexFunc(tag, unicode.IsSpace) >= 0 {
			return nil, NewValidationError("tags", fmt.Sprintf("tag %q contains whitespace", tag))
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out, nil
}

// ParseTags splits free text such as "#meeting #notes" into tags.
func ParseTags(text string) ([]string, error) {
	return NormalizeTags(strings.Fields(text))
}

func normalizeDisplayName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", NewValidationError("display_name", "must not be empty")
	}
	if len(name) > MaxDisplayNameLength {
		return "", NewValidationError("display_name", fmt.Sprintf("exceeds %d characters", MaxDisplayNameLength))
	}
	return name, nil
}
