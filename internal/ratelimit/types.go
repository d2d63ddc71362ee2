package ratelimit

import (
	"context"
	"time"

	"courier/internal/transport"
)

// Scope names the ceiling that denied a send.
type Scope string

const (
	ScopeNone         Scope = ""
	ScopeGlobalMinute Scope = "global_minute"
	ScopeGlobalHour   Scope = "global_hour"
	ScopeRecipient    Scope = "recipient"
)

// Config carries the admission ceilings and queue tuning. Zero values fall
// back to defaults at construction and on Apply.
type Config struct {
	// GlobalPerMinute caps sends across all recipients per sliding minute.
	GlobalPerMinute int
	// GlobalPerHour caps sends across all recipients per sliding hour.
	GlobalPerHour int
	// PerRecipientPerMinute caps sends to one recipient per sliding minute.
	PerRecipientPerMinute int
	// DrainInterval is how often the retry queue is drained.
	DrainInterval time.Duration
	// MaxQueueAge drops queued deliveries older than this during a drain.
	MaxQueueAge time.Duration
}

func (c Config) withDefaults() Config {
	if c.GlobalPerMinute <= 0 {
		c.GlobalPerMinute = 20
	}
	if c.GlobalPerHour <= 0 {
		c.GlobalPerHour = 300
	}
	if c.PerRecipientPerMinute <= 0 {
		c.PerRecipientPerMinute = 5
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = 30 * time.Second
	}
	if c.MaxQueueAge <= 0 {
		c.MaxQueueAge = time.Hour
	}
	return c
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool
	// Scope is the ceiling that denied the send; empty when allowed.
	Scope Scope
	// RetryAfter hints when capacity frees up, rounded up to a whole
	// second, never below one second. Zero when allowed.
	RetryAfter time.Duration
}

// SendFunc performs the actual delivery for a queued message.
type SendFunc func(ctx context.Context) error

// Outcome reports what QueueMessage did with a delivery.
type Outcome int

const (
	// OutcomeSent means the delivery was admitted and attempted now.
	OutcomeSent Outcome = iota
	// OutcomeQueued means the delivery was parked for a later drain.
	OutcomeQueued
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSent:
		return "sent"
	case OutcomeQueued:
		return "queued"
	default:
		return "unknown"
	}
}

// Stats is a point-in-time snapshot of limiter state.
type Stats struct {
	LastMinute        int `json:"last_minute"`
	LastHour          int `json:"last_hour"`
	QueueLen          int `json:"queue_len"`
	TrackedRecipients int `json:"tracked_recipients"`
}

type queuedSend struct {
	to       transport.Recipient
	text     string
	send     SendFunc
	queuedAt time.Time
	waitHint time.Duration
}
