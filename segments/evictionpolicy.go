package segments

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/yeti47/chunkvault/ccc/logging"
	"github.com/yeti47/chunkvault/events"
	"github.com/yeti47/chunkvault/notifications"
)

const DefaultTargetFraction = 0.7

// EvictionResult describes one eviction pass. A pass that hit a failing delete
// still reports what it reclaimed before the failure in Err.
type EvictionResult struct {
	Ran              bool     `json:"ran"`
	Evicted          []string `json:"evicted"`
	ReclaimedBytes   int64    `json:"reclaimed_bytes"`
	UsedBefore       int64    `json:"used_before"`
	UsedAfter        int64    `json:"used_after"`
	CapacityBytes    int64    `json:"capacity_bytes"`
	CapacityExceeded bool     `json:"capacity_exceeded"`
	Err              error    `json:"-"`
}

type EvictionPolicy interface {
	// MaybeEvict removes synced segments, oldest first, once usage is above
	// capacity, until usage is at or below capacity*targetFraction.
	MaybeEvict(ctx context.Context, targetFraction float64) EvictionResult
}

type evictionPolicy struct {
	store     Store
	notifier  notifications.StorageNotifier
	publisher events.Publisher
	logger    logging.Logger

	// one pass at a time
	mu sync.Mutex
}

func NewEvictionPolicy(store Store, notifier notifications.StorageNotifier, publisher events.Publisher, logger logging.Logger) EvictionPolicy {
	if notifier == nil {
		notifier = notifications.NopStorageNotifier
	}
	if publisher == nil {
		publisher = events.NopPublisher
	}
	return &evictionPolicy{
		store:     store,
		notifier:  notifier,
		publisher: publisher,
		logger:    logging.OrNop(logger),
	}
}

// evictionGoal is capacity*fraction rounded to whole bytes, so 10,000,000*0.7
// yields 7,000,000 and not 6,999,999.
func evictionGoal(capacity int64, fraction float64) int64 {
	return int64(math.Round(float64(capacity) * fraction))
}

func (p *evictionPolicy) MaybeEvict(ctx context.Context, targetFraction float64) EvictionResult {
	if targetFraction <= 0 || targetFraction > 1 {
		targetFraction = DefaultTargetFraction
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	result := EvictionResult{Evicted: []string{}}

	capacity, err := p.store.CapacityInfo(ctx)
	if err != nil {
		p.logger.Error("Failed to read storage usage", "error", err)
		result.Err = err
		return result
	}
	result.CapacityBytes = capacity.CapacityBytes
	result.UsedBefore = capacity.UsedBytes
	result.UsedAfter = capacity.UsedBytes

	if capacity.CapacityBytes <= 0 || capacity.UsedBytes <= capacity.CapacityBytes {
		if p.notifier.ShouldWarn(capacity.UsedBytes, capacity.CapacityBytes) {
			if err := p.notifier.NotifyCapacityWarning(capacity.UsedBytes, capacity.CapacityBytes); err != nil {
				p.logger.Warn("Failed to send capacity warning", "error", err)
			}
		}
		return result
	}

	result.Ran = true
	goal := evictionGoal(capacity.CapacityBytes, targetFraction)
	used := capacity.UsedBytes

	p.logger.Info("Storage over capacity, evicting synced segments",
		"used_bytes", used, "capacity_bytes", capacity.CapacityBytes, "goal_bytes", goal)

	skipped := map[string]bool{}
	for used > goal {
		oldest, err := p.store.ListOldestSynced(ctx, 1)
		if err != nil {
			p.logger.Error("Failed to list synced segments for eviction", "error", err)
			result.Err = err
			break
		}
		if len(oldest) == 0 {
			p.logger.Warn("No synced segments left to evict", "used_bytes", used, "goal_bytes", goal)
			break
		}

		victim := oldest[0]
		if skipped[victim.ID] {
			p.logger.Warn("Eviction candidate keeps changing, stopping pass", "segment_id", victim.ID)
			break
		}

		deleted, err := p.store.DeleteIfSynced(ctx, victim.ID)
		if err != nil {
			p.logger.Error("Failed to evict segment, stopping pass", "segment_id", victim.ID, "error", err)
			result.Err = err
			break
		}
		if !deleted {
			// changed state or vanished since it was listed
			p.logger.Debug("Eviction candidate no longer synced, skipping", "segment_id", victim.ID)
			skipped[victim.ID] = true
			refreshed, err := p.store.UsedBytes(ctx)
			if err != nil {
				p.logger.Error("Failed to refresh storage usage", "error", err)
				result.Err = err
				break
			}
			used = refreshed
			continue
		}
		result.Evicted = append(result.Evicted, victim.ID)
		result.ReclaimedBytes += victim.SizeBytes
		p.publisher.Publish(events.NewSegmentEvictedEvent(victim.ID, victim.SizeBytes))
		p.logger.Info("Evicted segment", "segment_id", victim.ID, "size_bytes", victim.SizeBytes)

		refreshed, err := p.store.UsedBytes(ctx)
		if err != nil {
			p.logger.Error("Failed to refresh storage usage", "error", err)
			result.Err = err
			used -= victim.SizeBytes
			break
		}
		used = refreshed
	}

	result.UsedAfter = used
	if used > capacity.CapacityBytes {
		result.CapacityExceeded = true
		p.reportCapacityExceeded(used, capacity.CapacityBytes)
	}

	return result
}

func (p *evictionPolicy) reportCapacityExceeded(used, capacity int64) {
	p.logger.Warn("Storage capacity still exceeded after eviction", "used_bytes", used, "capacity_bytes", capacity)

	if err := p.notifier.NotifyCapacityExceeded(used, capacity); err != nil {
		p.logger.Warn("Failed to send capacity exceeded notification", "error", err)
	}

	err := fmt.Errorf("storage uses %d of %d bytes and no synced segments remain to evict", used, capacity)
	p.publisher.Publish(events.NewErrorEvent(events.KindCapacityExceeded, "", err))
}
