// Package schedule fires recurring deliveries from cron definitions.
// Definitions are upserted by ID, so re-applying a config never duplicates a
// schedule, and each definition may pin its own timezone.
package schedule

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"courier/internal/eventbus"
	logx "courier/pkg/logx"
)

// Config controls the scheduler as a whole. Timezone is the default location
// for specs that do not pin their own via a definition timezone.
type Config struct {
	Enabled  bool
	Timezone string
}

// Service owns the cron runner. Definitions survive Stop/Start cycles and
// timezone restarts; only the cron registration is rebuilt.
type Service struct {
	log        logx.Logger
	bus        eventbus.Bus
	dispatcher Dispatcher
	parser     cron.Parser

	runCtx atomic.Value // context.Context for fires

	mu   sync.Mutex
	cfg  Config
	c    *cron.Cron
	loc  *time.Location
	defs []scheduleDef
}

// New builds the scheduler around a dispatcher. A zero logger is replaced
// with a no-op one; bus may be nil.
func New(cfg Config, dispatcher Dispatcher, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:        log.With(logx.String("service", "schedule")),
		bus:        bus,
		dispatcher: dispatcher,
		cfg:        cfg,
		// SecondOptional allows both 5-field and 6-field (with seconds) specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Enabled reports the current config flag. (Thread-safe; Apply may run
// concurrently.)
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply swaps the scheduler config. A timezone change restarts the cron
// runner and re-registers every definition; toggling Enabled starts or stops
// the runner.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	newTZ := strings.TrimSpace(cfg.Timezone)
	wasEnabled := s.cfg.Enabled
	s.cfg = cfg

	switch {
	case !wasEnabled && cfg.Enabled:
		s.startLocked()
	case wasEnabled && !cfg.Enabled:
		s.haltLocked()
	case s.c != nil && oldTZ != newTZ:
		s.restartLocked()
	}
}

// Start registers every definition and starts cron triggering. The context
// bounds all fires; cancelling it aborts in-flight deliveries.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.runCtx.Store(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled")
		return
	}
	s.startLocked()
}

// Stop halts cron triggering and waits for running fires, bounded by ctx.
// Definitions remain so the scheduler can resume on the next Start.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()

	s.mu.Lock()
	c := s.c
	s.c = nil
	for i := range s.defs {
		s.defs[i].entryID = 0
	}
	s.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

// startLocked builds the cron runner and registers the current definitions.
// Call with s.mu held.
func (s *Service) startLocked() {
	if s.c != nil {
		return
	}
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for i := range s.defs {
		if err := s.addCronLocked(&s.defs[i]); err != nil {
			s.log.Error("schedule register failed",
				logx.String("id", s.defs[i].def.ID),
				logx.String("spec", s.defs[i].def.Spec),
				logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", loc.String()), logx.Int("schedules", len(s.defs)))
}

// haltLocked stops cron triggering; in-flight fires finish in the
// background. Call with s.mu held.
func (s *Service) haltLocked() {
	if s.c == nil {
		return
	}
	s.c.Stop()
	s.c = nil
	for i := range s.defs {
		s.defs[i].entryID = 0
	}
	s.log.Info("scheduler halted")
}

// restartLocked rebuilds the cron runner with the current timezone. Call
// with s.mu held.
func (s *Service) restartLocked() {
	if s.c != nil {
		s.c.Stop()
	}
	for i := range s.defs {
		s.defs[i].entryID = 0
	}
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for i := range s.defs {
		if err := s.addCronLocked(&s.defs[i]); err != nil {
			s.log.Error("schedule register failed",
				logx.String("id", s.defs[i].def.ID),
				logx.String("spec", s.defs[i].def.Spec),
				logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler restarted", logx.String("tz", loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
