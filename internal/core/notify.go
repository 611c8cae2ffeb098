package core

import (
	"context"
	"sync"
	"time"
)

const defaultNotificationCapacity = 200

// Severity grades an operator notification.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Notification is a non-blocking, user-visible message.
type Notification struct {
	Severity  Severity  `json:"severity"`
	Operation string    `json:"operation"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

// Notifier is the single sink for user-visible failures. Implementations must
// not block the caller.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// NotificationLog logs notifications and retains the most recent ones for
// display.
type NotificationLog struct {
	mu       sync.Mutex
	logger   Logger
	clock    Clock
	capacity int
	entries  []Notification
}

// NewNotificationLog constructs a bounded notification history.
func NewNotificationLog(logger Logger, clock Clock, capacity int) *NotificationLog {
	if logger == nil {
		logger = noopLogger{}
	}
	if clock == nil {
		clock = systemClock{}
	}
	if capacity <= 0 {
		capacity = defaultNotificationCapacity
	}
	return &NotificationLog{logger: logger, clock: clock, capacity: capacity}
}

// Notify implements Notifier.
func (l *NotificationLog) Notify(_ context.Context, n Notification) {
	if n.At.IsZero() {
		n.At = l.clock.Now()
	}
	switch n.Severity {
	case SeverityError:
		l.logger.Error(n.Message, "operation", n.Operation)
	case SeverityWarning:
		l.logger.Warn(n.Message, "operation", n.Operation)
	default:
		l.logger.Info(n.Message, "operation", n.Operation)
	}
	l.mu.Lock()
	l.entries = append(l.entries, n)
	if over := len(l.entries) - l.capacity; over > 0 {
		l.entries = append([]Notification(nil), l.entries[over:]...)
	}
	l.mu.Unlock()
}

// Entries returns the retained notifications, oldest first.
func (l *NotificationLog) Entries() []Notification {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Notification, len(l.entries))
	copy(out, l.entries)
	return out
}
