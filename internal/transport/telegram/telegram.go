package telegram

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	rtsup "courier/internal/runtime/supervisor"
	"courier/internal/transport"
	logx "courier/pkg/logx"
)

// Config configures the Telegram transport.
type Config struct {
	Token       string
	PollTimeout time.Duration // getUpdates long-poll timeout
	RatePerSec  int           // outbound budget against Telegram's own flood ceiling
	Offline     bool          // build the bot without network (tests)
}

func (c Config) withDefaults() Config {
	if c.PollTimeout <= 0 {
		c.PollTimeout = 10 * time.Second
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 25
	}
	return c
}

// pollFailLimit is how many consecutive poll errors are tolerated before the
// adapter reports the connection lost and stops the poller.
const pollFailLimit = 5

// Adapter drives a telebot long poller and implements transport.Transport.
type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	events  atomic.Value // stores (chan<- transport.Event)
	state   atomic.Int32 // transport.State
	limiter *rate.Limiter

	runMu   sync.Mutex
	running bool

	// sup owns adapter internal goroutines (poll loop, stop watcher).
	// It is created on Start() and cancelled on Stop().
	sup *rtsup.Supervisor

	pollMu      sync.Mutex
	pollFails   int
	lastPollErr time.Time
	lastCause   transport.Cause
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}

	a := &Adapter{
		cfg: cfg,
		log: log,
		// Token bucket: burst = rate per sec, so short spikes don't block too hard.
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: cfg.PollTimeout},
		Offline: cfg.Offline,
		OnError: func(err error, _ tele.Context) { a.pollError(err) },
	})
	if err != nil {
		return nil, err
	}
	a.bot = b

	// Ensure atomic.Value is initialized with a stable dynamic type.
	var nilEvents chan<- transport.Event
	a.events.Store(nilEvents)
	a.state.Store(int32(transport.StateDisconnected))
	return a, nil
}

func (a *Adapter) Start(ctx context.Context, events chan<- transport.Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.runMu.Unlock()

	// Verify the token still works before declaring the connection up. NewBot
	// already did this once, but a restart after an auth fault must not report
	// Connected on a dead token.
	if err := a.probe(ctx); err != nil {
		a.runMu.Lock()
		a.running = false
		a.runMu.Unlock()
		return fmt.Errorf("telegram: verify bot: %w", err)
	}

	a.runMu.Lock()
	a.events.Store(events)
	a.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram"))),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	a.pollMu.Lock()
	a.pollFails = 0
	a.lastCause = transport.CauseUnknown
	a.pollMu.Unlock()

	// Ensure we stop telebot when the adapter context is cancelled.
	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		if a.bot != nil {
			a.bot.Stop()
		}
	})

	sup.Go0("telebot.poll", func(c context.Context) {
		a.log.Info("polling started")
		// Start blocks until Stop() is called.
		if a.bot != nil {
			a.bot.Start()
		}
		a.setState(transport.StateDisconnected)
		a.log.Info("polling stopped")
		if c.Err() == nil {
			// The poller died on its own; whoever supervises the session
			// decides whether and when to bring it back.
			a.emit(transport.Event{
				Kind:   transport.EventDisconnected,
				Cause:  a.lastPollCause(),
				Detail: "poller exited",
				At:     time.Now(),
			})
		}
	})

	a.setState(transport.StateConnected)
	a.emit(transport.Event{Kind: transport.EventConnected, At: time.Now()})
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilEvents chan<- transport.Event
	a.events.Store(nilEvents)
	a.runMu.Unlock()

	if !wasRunning {
		a.log.Debug("telegram stop called but not running")
		return nil
	}
	a.setState(transport.StateDisconnected)

	if sup != nil {
		sup.Cancel()
	}
	// telebot Stop is expected to be fast; run it async just in case.
	if a.bot != nil {
		go a.bot.Stop()
	}
	if sup == nil {
		return nil
	}

	// Grace window: keep shutdown snappy even if getUpdates long-poll is still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Warn("telegram stop error", logx.Err(err))
	}
	return nil
}

func (a *Adapter) State() transport.State {
	return transport.State(a.state.Load())
}

// SendText delivers one message, splitting it when it exceeds Telegram's
// message size limit. The recipient must be a decimal chat id.
func (a *Adapter) SendText(ctx context.Context, to transport.Recipient, text string) error {
	id, err := chatID(to)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	chat := &tele.Chat{ID: id}
	for _, chunk := range splitText(text, textLimit) {
		// Rate limit each API call (honor cancellation).
		if err := a.limiter.Wait(ctx); err != nil {
			return err
		}
		if _, err := a.bot.Send(chat, chunk); err != nil {
			a.noteSendError(err)
			return err
		}
	}
	return nil
}

func chatID(to transport.Recipient) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(string(to)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram: recipient %q is not a chat id", to)
	}
	return id, nil
}

// probe performs a getMe round trip bounded by ctx.
func (a *Adapter) probe(ctx context.Context) error {
	if a.cfg.Offline {
		return nil
	}
	done := make(chan error, 1)
	go func() {
		_, err := a.bot.Raw("getMe", nil)
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Adapter) setState(st transport.State) { a.state.Store(int32(st)) }

func (a *Adapter) emit(ev transport.Event) {
	v, _ := a.events.Load().(chan<- transport.Event)
	if v == nil {
		return
	}
	select {
	case v <- ev:
	default:
		a.log.Warn("transport event dropped (channel full)", logx.String("kind", ev.Kind.String()))
	}
}

func (a *Adapter) lastPollCause() transport.Cause {
	a.pollMu.Lock()
	defer a.pollMu.Unlock()
	return a.lastCause
}

// pollError handles errors surfaced by telebot's OnError hook. The long
// poller retries getUpdates by itself, so isolated failures only log; an
// auth rejection or a sustained failure streak stops the poller and reports
// the connection lost.
func (a *Adapter) pollError(err error) {
	if err == nil {
		return
	}
	cause := classifyErr(err)
	now := time.Now()

	a.pollMu.Lock()
	if now.Sub(a.lastPollErr) > 2*a.cfg.PollTimeout {
		a.pollFails = 0
	}
	a.pollFails++
	a.lastPollErr = now
	a.lastCause = cause
	fails := a.pollFails
	a.pollMu.Unlock()

	if cause == transport.CauseLoggedOut {
		a.log.Error("telegram rejected the bot token", logx.Err(err))
		a.emit(transport.Event{Kind: transport.EventError, Cause: cause, Detail: err.Error(), At: now})
		go a.bot.Stop()
		return
	}

	a.log.Warn("poll error", logx.Int("consecutive", fails), logx.Err(err))
	if fails == pollFailLimit {
		a.emit(transport.Event{Kind: transport.EventError, Cause: cause, Detail: err.Error(), At: now})
		go a.bot.Stop()
	}
}

// noteSendError reports connection-class send faults as transport events.
// Request-level failures (blocked recipient, bad chat id) stay plain errors
// for the caller to count.
func (a *Adapter) noteSendError(err error) {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		a.log.Warn("telegram flood control", logx.Int("retry_after_s", flood.RetryAfter), logx.Err(err))
		return
	}
	cause := classifyErr(err)
	switch cause {
	case transport.CauseLoggedOut:
		a.log.Error("telegram rejected the bot token", logx.Err(err))
		a.emit(transport.Event{Kind: transport.EventError, Cause: cause, Detail: err.Error(), At: time.Now()})
		go a.bot.Stop()
	case transport.CauseTimeout, transport.CauseConnReset, transport.CauseSessionClosed, transport.CauseProtocol:
		a.emit(transport.Event{Kind: transport.EventError, Cause: cause, Detail: err.Error(), At: time.Now()})
	}
}

// classifyErr maps telebot and net errors onto transport causes. 401 means
// the token was revoked; 403 and other 4xx are request-level and map to
// unknown so they never trip the session supervisor.
func classifyErr(err error) transport.Cause {
	if err == nil {
		return transport.CauseUnknown
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return transport.CauseProtocol
	}
	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 401:
			return transport.CauseLoggedOut
		case apiErr.Code >= 500:
			return transport.CauseProtocol
		}
		return transport.CauseUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return transport.CauseTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return transport.CauseTimeout
	}
	return transport.ClassifyText(err.Error())
}

const textLimit = 4000

// splitText splits long messages into chunks that are safe to send to
// Telegram, preferring newline boundaries.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}

		// Prefer splitting on a newline near the end of the window.
		if end < len(rs) {
			cut := -1
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' {
					// Avoid extremely small chunks.
					if i-start >= limit/3 {
						cut = i + 1
						break
					}
				}
			}
			if cut != -1 {
				end = cut
			}
		}

		chunk := string(rs[start:end])
		chunk = strings.TrimRight(chunk, "\n")
		out = append(out, chunk)

		start = end
		// Skip leading newlines to avoid empty chunks.
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
