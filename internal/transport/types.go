package transport

import (
	"context"
	"strings"
	"time"
)

// Recipient addresses a delivery target on the underlying messaging
// platform. The core treats it as an opaque key; adapters decide how to
// interpret it (Telegram: a numeric chat id in decimal form).
type Recipient string

func (r Recipient) String() string { return string(r) }

// IsZero reports whether the recipient carries no address.
func (r Recipient) IsZero() bool { return strings.TrimSpace(string(r)) == "" }

// State is the adapter's own view of the connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnected
)

func (s State) String() string {
	if s == StateConnected {
		return "connected"
	}
	return "disconnected"
}

type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	default:
		return "error"
	}
}

// Cause classifies a connection fault so consumers can branch on the
// category instead of matching error text.
type Cause int

const (
	CauseUnknown Cause = iota
	CauseSessionClosed
	CauseTimeout
	CauseConnReset
	CauseProtocol
	CauseLoggedOut
)

func (c Cause) String() string {
	switch c {
	case CauseSessionClosed:
		return "session_closed"
	case CauseTimeout:
		return "timeout"
	case CauseConnReset:
		return "conn_reset"
	case CauseProtocol:
		return "protocol"
	case CauseLoggedOut:
		return "logged_out"
	default:
		return "unknown"
	}
}

// Transient reports whether a reconnect attempt is worthwhile.
// Only an explicit logout is terminal; it requires out-of-band
// re-authentication, so restarting the transport cannot fix it.
func (c Cause) Transient() bool { return c != CauseLoggedOut }

// ClassifyText maps a free-text failure reason onto a Cause. Adapters whose
// SDKs only surface strings (or wrapped errors with no typed cause) use this
// as a fallback; typed classification is always preferred.
func ClassifyText(s string) Cause {
	t := strings.ToLower(s)
	switch {
	case strings.Contains(t, "logged out"), strings.Contains(t, "unauthorized"), strings.Contains(t, "401"):
		return CauseLoggedOut
	case strings.Contains(t, "session closed"), strings.Contains(t, "session invalidated"):
		return CauseSessionClosed
	case strings.Contains(t, "timeout"), strings.Contains(t, "timed out"), strings.Contains(t, "deadline exceeded"):
		return CauseTimeout
	case strings.Contains(t, "connection reset"), strings.Contains(t, "econnreset"), strings.Contains(t, "broken pipe"), strings.Contains(t, "eof"):
		return CauseConnReset
	case strings.Contains(t, "protocol error"), strings.Contains(t, "bad gateway"), strings.Contains(t, "service unavailable"):
		return CauseProtocol
	default:
		return CauseUnknown
	}
}

// Event is a connection lifecycle signal emitted by an adapter.
type Event struct {
	Kind   EventKind
	Cause  Cause
	Detail string
	At     time.Time
}

// Transport is the adapter contract the core dispatches through.
//
// Start brings the connection up and feeds lifecycle events into the given
// channel until the context is cancelled or Stop is called. SendText
// performs one outbound message; the error is returned as-is so callers can
// count it, while connection-class faults additionally surface as events.
type Transport interface {
	Start(ctx context.Context, events chan<- Event) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to Recipient, text string) error
	State() State
}
