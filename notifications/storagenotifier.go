package notifications

import (
	"fmt"
	"sync"
	"time"

	"github.com/yeti47/chunkvault/ccc/logging"
)

// StorageNotifier is told about local storage pressure.
type StorageNotifier interface {
	// NotifyCapacityExceeded reports that eviction could not bring usage under the budget.
	NotifyCapacityExceeded(usedBytes, capacityBytes int64) error
	// NotifyCapacityWarning reports usage above the warning threshold.
	NotifyCapacityWarning(usedBytes, capacityBytes int64) error
	// ShouldWarn reports whether usage is at or above the warning threshold.
	ShouldWarn(usedBytes, capacityBytes int64) bool
}

type nopStorageNotifier struct{}

var NopStorageNotifier StorageNotifier = &nopStorageNotifier{}

func (n *nopStorageNotifier) NotifyCapacityExceeded(usedBytes, capacityBytes int64) error {
	return nil
}

func (n *nopStorageNotifier) NotifyCapacityWarning(usedBytes, capacityBytes int64) error {
	return nil
}

func (n *nopStorageNotifier) ShouldWarn(usedBytes, capacityBytes int64) bool {
	return false
}

type StorageNotificationSettings struct {
	Recipient   string
	MinInterval time.Duration
	// WarningThreshold is a fraction of capacity, e.g. 0.75.
	WarningThreshold float64
}

type emailStorageNotifier struct {
	settings StorageNotificationSettings
	sender   EmailSender
	logger   logging.Logger
	now      func() time.Time

	mu           sync.Mutex
	lastExceeded time.Time
	lastWarning  time.Time
}

// NewEmailStorageNotifier mails the recipient, at most once per MinInterval for each kind.
func NewEmailStorageNotifier(settings StorageNotificationSettings, sender EmailSender, logger logging.Logger) StorageNotifier {
	if sender == nil {
		sender = NopSender
	}
	return &emailStorageNotifier{
		settings: settings,
		sender:   sender,
		logger:   logging.OrNop(logger),
		now:      time.Now,
	}
}

func (n *emailStorageNotifier) ShouldWarn(usedBytes, capacityBytes int64) bool {
	if capacityBytes <= 0 {
		return false
	}
	return float64(usedBytes)/float64(capacityBytes) >= n.settings.WarningThreshold
}

func (n *emailStorageNotifier) NotifyCapacityExceeded(usedBytes, capacityBytes int64) error {
	subject := "chunkvault storage capacity exceeded"
	body := fmt.Sprintf("Local storage is over its budget and no synced recordings are left to evict.\n\nUsed: %s\nCapacity: %s\n\nUnsynced recordings are kept. Sync or delete recordings to free space.",
		formatBytes(usedBytes), formatBytes(capacityBytes))

	return n.send(&n.lastExceeded, "capacity exceeded", subject, body)
}

func (n *emailStorageNotifier) NotifyCapacityWarning(usedBytes, capacityBytes int64) error {
	subject := "chunkvault storage capacity warning"
	body := fmt.Sprintf("Local storage is nearing its budget.\n\nUsed: %s\nCapacity: %s",
		formatBytes(usedBytes), formatBytes(capacityBytes))

	return n.send(&n.lastWarning, "capacity warning", subject, body)
}

func (n *emailStorageNotifier) send(last *time.Time, kind, subject, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !last.IsZero() && n.now().Sub(*last) < n.settings.MinInterval {
		n.logger.Debug("Skipping storage notification due to rate limiting", "kind", kind)
		return nil
	}

	n.logger.Info("Sending storage notification", "kind", kind, "recipient", n.settings.Recipient)
	if err := n.sender.SendEmail(n.settings.Recipient, subject, body); err != nil {
		n.logger.Error("Failed to send storage notification", "kind", kind, "error", err)
		return err
	}

	*last = n.now()
	return nil
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
