package notify

import (
	"context"
	"time"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled       bool
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

// Notification is one outbound message: a direct message to a user, or a
// summary to the admin channel.
type Notification struct {
	UserID int64
	Admin  bool
	Text   string
}

// Sender is the transport behind the pipeline (Telegram in production).
type Sender interface {
	SendDirect(ctx context.Context, userID int64, text string) error
	SendAdmin(ctx context.Context, text string) error
}
