package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"courier/internal/eventbus"
	"courier/internal/transport"
	logx "courier/pkg/logx"
)

// specParser is the parser used for validation outside a running service,
// matching the service's own parser exactly.
var specParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateDefinition rejects definitions that could not be registered:
// missing ID, no recipients, empty message, an unknown timezone or a cron
// spec that does not parse.
func ValidateDefinition(def Definition) error {
	def = def.normalized()
	if def.ID == "" {
		return errors.New("schedule id required")
	}
	if len(def.Recipients) == 0 {
		return fmt.Errorf("schedule %q: at least one recipient required", def.ID)
	}
	if def.Message == "" {
		return fmt.Errorf("schedule %q: message required", def.ID)
	}
	if def.Timezone != "" {
		if _, err := time.LoadLocation(def.Timezone); err != nil {
			return fmt.Errorf("schedule %q: unknown timezone %q", def.ID, def.Timezone)
		}
	}
	if def.Spec == "" {
		return fmt.Errorf("schedule %q: cron spec required", def.ID)
	}
	if _, err := specParser.Parse(specWithTZ(def.Spec, def.Timezone)); err != nil {
		return fmt.Errorf("schedule %q: invalid cron spec %q: %w", def.ID, def.Spec, err)
	}
	return nil
}

// normalized trims whitespace and drops empty recipients.
func (d Definition) normalized() Definition {
	d.ID = strings.TrimSpace(d.ID)
	d.Message = strings.TrimSpace(d.Message)
	d.Spec = strings.TrimSpace(d.Spec)
	d.Timezone = strings.TrimSpace(d.Timezone)
	kept := make([]transport.Recipient, 0, len(d.Recipients))
	for _, r := range d.Recipients {
		r = transport.Recipient(strings.TrimSpace(r.String()))
		if !r.IsZero() {
			kept = append(kept, r)
		}
	}
	d.Recipients = kept
	return d
}

// specWithTZ pins a spec to a definition timezone via the CRON_TZ prefix.
// Specs that already carry a TZ prefix and @every intervals pass through.
func specWithTZ(spec, tz string) string {
	spec = strings.TrimSpace(spec)
	tz = strings.TrimSpace(tz)
	if tz == "" || strings.HasPrefix(spec, "TZ=") || strings.HasPrefix(spec, "CRON_TZ=") {
		return spec
	}
	if strings.HasPrefix(spec, "@every") {
		return spec
	}
	return "CRON_TZ=" + tz + " " + spec
}

// AddSchedule validates def and upserts it by ID: an existing definition
// with the same ID is replaced, never duplicated. The definition is
// registered immediately when the runner is live.
func (s *Service) AddSchedule(def Definition) error {
	def = def.normalized()
	if err := ValidateDefinition(def); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	replaced := s.removeLocked(def.ID)
	s.defs = append(s.defs, scheduleDef{def: def})
	if s.c != nil {
		if err := s.addCronLocked(&s.defs[len(s.defs)-1]); err != nil {
			return err
		}
	}
	if replaced {
		s.log.Debug("schedule replaced", logx.String("id", def.ID), logx.String("spec", def.Spec))
	}
	return nil
}

// RemoveSchedule unregisters and forgets the definition with the given ID.
// It reports whether anything was removed.
func (s *Service) RemoveSchedule(id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}
	s.mu.Lock()
	removed := s.removeLocked(id)
	s.mu.Unlock()
	if removed {
		s.log.Debug("schedule removed", logx.String("id", id))
	}
	return removed
}

// SetSchedules replaces the whole definition set, the reconcile path for
// config reloads. The set is validated up front; an invalid or duplicate
// entry rejects the whole set and leaves the current one running.
func (s *Service) SetSchedules(defs []Definition) error {
	normalized := make([]Definition, 0, len(defs))
	seen := make(map[string]bool, len(defs))
	for _, d := range defs {
		d = d.normalized()
		if err := ValidateDefinition(d); err != nil {
			return err
		}
		if seen[d.ID] {
			return fmt.Errorf("duplicate schedule id %q", d.ID)
		}
		seen[d.ID] = true
		normalized = append(normalized, d)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		for i := range s.defs {
			if s.defs[i].entryID != 0 {
				s.c.Remove(s.defs[i].entryID)
			}
		}
	}
	s.defs = s.defs[:0]
	for _, d := range normalized {
		s.defs = append(s.defs, scheduleDef{def: d})
		if s.c != nil {
			if err := s.addCronLocked(&s.defs[len(s.defs)-1]); err != nil {
				s.log.Error("schedule register failed", logx.String("id", d.ID), logx.Err(err))
			}
		}
	}
	s.log.Info("schedules replaced", logx.Int("count", len(normalized)))
	return nil
}

// Schedules returns a snapshot of every definition sorted by ID, with next
// and previous fire times when registered.
func (s *Service) Schedules() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Snapshot, 0, len(s.defs))
	for _, sd := range s.defs {
		snap := Snapshot{Definition: sd.def}
		snap.Recipients = append([]transport.Recipient(nil), sd.def.Recipients...)
		if s.c != nil && sd.entryID != 0 {
			e := s.c.Entry(sd.entryID)
			snap.Next = e.Next
			snap.Prev = e.Prev
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// removeLocked unregisters and drops every definition with the given ID.
// Call with s.mu held.
func (s *Service) removeLocked(id string) bool {
	removed := false
	if s.c != nil {
		for i := range s.defs {
			if s.defs[i].def.ID == id && s.defs[i].entryID != 0 {
				s.c.Remove(s.defs[i].entryID)
				s.defs[i].entryID = 0
				removed = true
			}
		}
	}
	n := 0
	for _, d := range s.defs {
		if d.def.ID == id {
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

// addCronLocked registers one definition with the running cron. Disabled
// definitions stay parked. Call with s.mu held and s.c non-nil.
func (s *Service) addCronLocked(sd *scheduleDef) error {
	def := sd.def
	if !def.Enabled {
		return nil
	}
	eid, err := s.c.AddJob(specWithTZ(def.Spec, def.Timezone), cron.FuncJob(func() { s.fire(def) }))
	if err != nil {
		return err
	}
	sd.entryID = eid
	if next := s.previewNextRunsLocked(def, 3); next != "" {
		s.log.Debug("schedule registered",
			logx.String("id", def.ID),
			logx.String("spec", def.Spec),
			logx.String("next", next))
	}
	return nil
}

// fire delivers one occurrence. Runs on a cron goroutine; panics must not
// take the runner down.
func (s *Service) fire(def Definition) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("schedule delivery panicked", logx.String("id", def.ID), logx.Any("panic", r))
		}
	}()

	ctx, _ := s.runCtx.Load().(context.Context)
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return
	}

	start := time.Now()
	res := s.dispatcher.Deliver(ctx, def.Recipients, def.Message)
	s.log.Info("schedule fired",
		logx.String("id", def.ID),
		logx.Int("sent", res.Sent),
		logx.Int("failed", res.Failed),
		logx.Duration("dur", time.Since(start)))
	if s.bus != nil {
		now := time.Now()
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeScheduleFired, Time: now, Data: FireEvent{ID: def.ID, Sent: res.Sent, Failed: res.Failed, Total: res.Total, At: now}})
	}
}

// previewNextRunsLocked returns a short list of upcoming fire times for
// debug logging. Call with s.mu held.
func (s *Service) previewNextRunsLocked(def Definition, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || n <= 0 {
		return ""
	}
	loc := s.loc
	if loc == nil {
		loc = s.loadLocationLocked()
	}
	sched, err := s.parser.Parse(specWithTZ(def.Spec, def.Timezone))
	if err != nil {
		return ""
	}
	t := time.Now().In(loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
