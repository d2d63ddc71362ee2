package schedule

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"courier/internal/dispatch"
	"courier/internal/transport"
)

// Definition is one recurring delivery: a cron spec, the recipients and the
// message text to send on every fire.
type Definition struct {
	ID         string                `json:"id"`
	Recipients []transport.Recipient `json:"recipients"`
	Message    string                `json:"message"`
	Spec       string                `json:"cron"`
	Timezone   string                `json:"timezone,omitempty"`
	Enabled    bool                  `json:"enabled"`
}

// Snapshot is a Definition with its registration state.
type Snapshot struct {
	Definition
	Next time.Time `json:"next,omitempty"`
	Prev time.Time `json:"prev,omitempty"`
}

// FireEvent is the bus payload published after a schedule fires.
type FireEvent struct {
	ID     string    `json:"id"`
	Sent   int       `json:"sent"`
	Failed int       `json:"failed"`
	Total  int       `json:"total"`
	At     time.Time `json:"at"`
}

// Dispatcher delivers one batch; the scheduler hands every fire to it.
type Dispatcher interface {
	Deliver(ctx context.Context, recipients []transport.Recipient, text string) dispatch.Result
}

// scheduleDef pairs a definition with its live cron registration.
type scheduleDef struct {
	def     Definition
	entryID cron.EntryID
}
