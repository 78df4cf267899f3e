package notifier

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// Config controls the notification pipeline.
type Config struct {
	Enabled  bool
	ChatID   int64
	ThreadID int

	RatePerSec float64
	Burst      int
	QueueSize  int
	RetryMax   int
	RetryBase  time.Duration
	// Timeout bounds a single send.
	Timeout time.Duration
	// DedupWindow suppresses identical texts sent within the window.
	DedupWindow time.Duration

	// MinFailed is how many failed instances make a run worth reporting.
	MinFailed int
	// PersistErrors also reports run.error events (persistence and protocol errors).
	PersistErrors bool
}

// Sender delivers a text message to a chat.
type Sender interface {
	SendText(ctx context.Context, chatID int64, threadID int, text string) error
}

type SenderFunc func(ctx context.Context, chatID int64, threadID int, text string) error

func (f SenderFunc) SendText(ctx context.Context, chatID int64, threadID int, text string) error {
	return f(ctx, chatID, threadID, text)
}

// Event topics published by the service.
const (
	EventSent    = "notifier.sent"
	EventFailed  = "notifier.failed"
	EventDropped = "notifier.dropped"
)

// NotificationEvent is the Data of notifier bus events.
type NotificationEvent struct {
	ChatID int64     `json:"chat_id"`
	Key    string    `json:"key"`
	At     time.Time `json:"at"`
	Error  string    `json:"error,omitempty"`
}
