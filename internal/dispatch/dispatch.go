// Package dispatch walks delivery batches recipient by recipient, feeding
// every send through the admission ceilings and pacing admitted sends so one
// batch cannot burst through the transport.
package dispatch

import (
	"context"
	"strings"
	"sync"
	"time"

	"courier/internal/eventbus"
	"courier/internal/ratelimit"
	"courier/internal/transport"
	logx "courier/pkg/logx"
)

// Sender delivers one text message to one recipient.
type Sender interface {
	SendText(ctx context.Context, to transport.Recipient, text string) error
}

// Admitter gates sends against the rate ceilings and parks denied
// deliveries for a later drain.
type Admitter interface {
	QueueMessage(ctx context.Context, to transport.Recipient, text string, send ratelimit.SendFunc) (ratelimit.Outcome, error)
}

// Config tunes batch delivery. Zero values fall back to defaults.
type Config struct {
	// RecipientDelay spaces consecutive send attempts within one batch.
	RecipientDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.RecipientDelay <= 0 {
		c.RecipientDelay = 3 * time.Second
	}
	return c
}

// Result aggregates one batch. Queued deliveries count as failed until a
// drain confirms them.
type Result struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
	Total  int `json:"total"`
}

// BatchEvent is the bus payload published after every batch.
type BatchEvent struct {
	Recipients int           `json:"recipients"`
	Sent       int           `json:"sent"`
	Failed     int           `json:"failed"`
	Duration   time.Duration `json:"duration"`
	At         time.Time     `json:"at"`
}

// Service is the delivery coordinator. One batch runs sequentially; failures
// are absorbed into the aggregate instead of aborting the batch.
type Service struct {
	sender  Sender
	limiter Admitter
	log     logx.Logger
	bus     eventbus.Bus

	mu  sync.Mutex
	cfg Config

	pause func(ctx context.Context, d time.Duration)
}

// New builds the coordinator. A zero logger is replaced with a no-op one;
// bus may be nil.
func New(cfg Config, sender Sender, limiter Admitter, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		sender:  sender,
		limiter: limiter,
		log:     log.With(logx.String("service", "dispatch")),
		bus:     bus,
		cfg:     cfg.withDefaults(),
		pause:   sleepCtx,
	}
}

// Apply swaps the pacing delay at runtime.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Service) delay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.RecipientDelay
}

// Deliver sends text to every recipient in order. Denied sends are handed to
// the retry queue and counted as failed. The inter-recipient delay applies
// after each attempted send except the batch's last entry; queue hand-offs
// never touched the transport, so they are not paced.
func (s *Service) Deliver(ctx context.Context, recipients []transport.Recipient, text string) Result {
	res := Result{Total: len(recipients)}
	if len(recipients) == 0 {
		s.log.Debug("empty batch, nothing to deliver")
		return res
	}
	if strings.TrimSpace(text) == "" {
		res.Failed = res.Total
		s.log.Warn("refusing to deliver an empty message", logx.Int("recipients", res.Total))
		return res
	}

	start := time.Now()
	last := len(recipients) - 1
	for i, to := range recipients {
		if ctx.Err() != nil {
			res.Failed += len(recipients) - i
			s.log.Warn("batch aborted", logx.Int("remaining", len(recipients)-i), logx.Err(ctx.Err()))
			break
		}
		if to.IsZero() {
			res.Failed++
			s.log.Warn("skipping empty recipient in batch")
			continue
		}

		out, err := s.limiter.QueueMessage(ctx, to, text, func(ctx context.Context) error {
			return s.sender.SendText(ctx, to, text)
		})
		switch {
		case err != nil:
			res.Failed++
			s.log.Warn("delivery failed", logx.String("to", to.String()), logx.Err(err))
		case out == ratelimit.OutcomeQueued:
			res.Failed++
		default:
			res.Sent++
		}

		if out == ratelimit.OutcomeSent && i < last {
			s.pause(ctx, s.delay())
		}
	}

	dur := time.Since(start)
	fields := []logx.Field{
		logx.Int("recipients", res.Total),
		logx.Int("sent", res.Sent),
		logx.Int("failed", res.Failed),
		logx.Duration("dur", dur),
	}
	if res.Failed > 0 {
		s.log.Warn("batch finished with failures", fields...)
	} else {
		s.log.Info("batch delivered", fields...)
	}
	if s.bus != nil {
		now := time.Now()
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeDeliveryBatch, Time: now, Data: BatchEvent{Recipients: res.Total, Sent: res.Sent, Failed: res.Failed, Duration: dur, At: now}})
	}
	return res
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
