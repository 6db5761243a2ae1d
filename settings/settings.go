package settings

import "time"

const (
	MinTargetDuration = 5 * time.Second
	MaxTargetDuration = 60 * time.Second
	MaxOverlap        = 2000 * time.Millisecond

	DefaultTargetSeconds     = 60
	DefaultOverlapMillis     = 500
	DefaultCapacityBytes     = 100 * 1024 * 1024
	DefaultSyncPriority      = 7
	DefaultAudioFormat       = "audio/webm"
	DefaultAudioBitrate      = 128000
	DefaultRemotePathPattern = "recordings/{date}/{name}"
)

// Settings is the process-wide recording configuration. There is exactly one
// current record; it changes only through Store.Update.
type Settings struct {
	TargetSegmentSeconds int    `json:"target_segment_seconds"`
	OverlapMillis        int    `json:"overlap_ms"`
	StorageCapacityBytes int64  `json:"storage_capacity_bytes"`
	AutoEnqueue          bool   `json:"auto_enqueue"`
	ConfirmDelete        bool   `json:"confirm_delete"`
	SyncPriority         int    `json:"sync_priority"`
	AudioFormat          string `json:"audio_format"`
	AudioBitrate         int    `json:"audio_bitrate"`
	RemotePathPattern    string `json:"remote_path_pattern"`
}

func Defaults() Settings {
	return Settings{
		TargetSegmentSeconds: DefaultTargetSeconds,
		OverlapMillis:        DefaultOverlapMillis,
		StorageCapacityBytes: DefaultCapacityBytes,
		AutoEnqueue:          true,
		ConfirmDelete:        true,
		SyncPriority:         DefaultSyncPriority,
		AudioFormat:          DefaultAudioFormat,
		AudioBitrate:         DefaultAudioBitrate,
		RemotePathPattern:    DefaultRemotePathPattern,
	}
}

func (s Settings) TargetDuration() time.Duration {
	return time.Duration(s.TargetSegmentSeconds) * time.Second
}

func (s Settings) OverlapDuration() time.Duration {
	return time.Duration(s.OverlapMillis) * time.Millisecond
}

// Partial carries the fields of an update. Nil fields are left unchanged.
type Partial struct {
	TargetSegmentSeconds *int    `json:"target_segment_seconds,omitempty"`
	OverlapMillis        *int    `json:"overlap_ms,omitempty"`
	StorageCapacityBytes *int64  `json:"storage_capacity_bytes,omitempty"`
	AutoEnqueue          *bool   `json:"auto_enqueue,omitempty"`
	ConfirmDelete        *bool   `json:"confirm_delete,omitempty"`
	SyncPriority         *int    `json:"sync_priority,omitempty"`
	AudioFormat          *string `json:"audio_format,omitempty"`
	AudioBitrate         *int    `json:"audio_bitrate,omitempty"`
	RemotePathPattern    *string `json:"remote_path_pattern,omitempty"`
}

// Apply merges p into s, clamping durations into their valid ranges.
func (p Partial) Apply(s Settings) (Settings, error) {
	if p.TargetSegmentSeconds != nil {
		d := ClampTargetDuration(time.Duration(*p.TargetSegmentSeconds) * time.Second)
		s.TargetSegmentSeconds = int(d / time.Second)
	}
	if p.OverlapMillis != nil {
		d := ClampOverlap(time.Duration(*p.OverlapMillis) * time.Millisecond)
		s.OverlapMillis = int(d / time.Millisecond)
	}
	if p.StorageCapacityBytes != nil {
		if *p.StorageCapacityBytes <= 0 {
			return s, NewValidationError("storage_capacity_bytes", "must be positive")
		}
		s.StorageCapacityBytes = *p.StorageCapacityBytes
	}
	if p.AutoEnqueue != nil {
		s.AutoEnqueue = *p.AutoEnqueue
	}
	if p.ConfirmDelete != nil {
		s.ConfirmDelete = *p.ConfirmDelete
	}
	if p.SyncPriority != nil {
		s.SyncPriority = *p.SyncPriority
	}
	if p.AudioFormat != nil {
		if *p.AudioFormat == "" {
			return s, NewValidationError("audio_format", "must not be empty")
		}
		s.AudioFormat = *p.AudioFormat
	}
	if p.AudioBitrate != nil {
		if *p.AudioBitrate <= 0 {
			return s, NewValidationError("audio_bitrate", "must be positive")
		}
		s.AudioBitrate = *p.AudioBitrate
	}
	if p.RemotePathPattern != nil {
		s.RemotePathPattern = *p.RemotePathPattern
	}
	return s, nil
}

// ClampTargetDuration bounds d to [MinTargetDuration, MaxTargetDuration].
func ClampTargetDuration(d time.Duration) time.Duration {
	return clamp(d, MinTargetDuration, MaxTargetDuration)
}

// ClampOverlap bounds d to [0, MaxOverlap].
func ClampOverlap(d time.Duration) time.Duration {
	return clamp(d, 0, MaxOverlap)
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
