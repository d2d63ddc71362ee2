package oneshot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"courier/internal/dispatch"
	"courier/internal/transport"
	logx "courier/pkg/logx"
)

// Job is one pending one-time delivery.
type Job struct {
	ID         string                `json:"id"`
	Recipients []transport.Recipient `json:"recipients"`
	Message    string                `json:"message"`
	FireAt     time.Time             `json:"fire_at"`
	CreatedAt  time.Time             `json:"created_at"`
}

// Store persists the pending set between runs.
type Store interface {
	LoadJobs(ctx context.Context) ([]Job, error)
	SaveJobs(ctx context.Context, jobs []Job) error
}

// Dispatcher delivers one batch; every due job is handed to it.
type Dispatcher interface {
	Deliver(ctx context.Context, recipients []transport.Recipient, text string) dispatch.Result
}

// FireEvent is the bus payload published after a job fires.
type FireEvent struct {
	ID     string    `json:"id"`
	Sent   int       `json:"sent"`
	Failed int       `json:"failed"`
	Total  int       `json:"total"`
	At     time.Time `json:"at"`
}

// Add registers a new one-time delivery. A fire time in the past is
// accepted; the job fires on the next check. The pending set is persisted
// before returning, best-effort: a failed save is logged and the set stays
// dirty for the save loop to retry.
func (s *Service) Add(recipients []transport.Recipient, message string, fireAt time.Time) (Job, error) {
	kept := make([]transport.Recipient, 0, len(recipients))
	for _, r := range recipients {
		r = transport.Recipient(strings.TrimSpace(r.String()))
		if !r.IsZero() {
			kept = append(kept, r)
		}
	}
	if len(kept) == 0 {
		return Job{}, errors.New("oneshot: at least one recipient required")
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return Job{}, errors.New("oneshot: message required")
	}
	if fireAt.IsZero() {
		return Job{}, errors.New("oneshot: fire time required")
	}

	s.mu.Lock()
	now := s.now()
	job := Job{
		ID:         newJobID(now),
		Recipients: kept,
		Message:    message,
		FireAt:     fireAt,
		CreatedAt:  now,
	}
	s.pending = append(s.pending, job)
	s.dirty = true
	s.mu.Unlock()

	s.log.Info("job added",
		logx.String("id", job.ID),
		logx.Time("fire_at", fireAt),
		logx.Int("recipients", len(kept)))
	s.saveIfDirty(context.Background())
	return job, nil
}

func newJobID(now time.Time) string {
	return fmt.Sprintf("once-%d-%s", now.UnixMilli(), uuid.NewString()[:8])
}

// Remove drops a pending job before it fires. It reports whether the ID was
// found.
func (s *Service) Remove(id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}
	s.mu.Lock()
	removed := false
	n := 0
	for _, j := range s.pending {
		if j.ID == id {
			removed = true
			continue
		}
		s.pending[n] = j
		n++
	}
	s.pending = s.pending[:n]
	if removed {
		s.dirty = true
	}
	s.mu.Unlock()

	if removed {
		s.log.Debug("job removed", logx.String("id", id))
	}
	return removed
}

// Pending returns a snapshot of the jobs not yet fired, ordered by fire
// time.
func (s *Service) Pending() []Job {
	s.mu.Lock()
	out := make([]Job, len(s.pending))
	copy(out, s.pending)
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].FireAt.Equal(out[j].FireAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].FireAt.Before(out[j].FireAt)
	})
	return out
}

// CheckPending moves every due job out of the pending set and fires each on
// its own goroutine. The partition is atomic under the lock, so overlapping
// checks fire a due job exactly once within this process. The store is only
// flushed by the save loop afterwards; dying mid-fire leaves the job
// persisted and it fires again on the next start.
func (s *Service) CheckPending(ctx context.Context) {
	s.mu.Lock()
	now := s.now()
	var due []Job
	n := 0
	for _, j := range s.pending {
		if !j.FireAt.After(now) {
			due = append(due, j)
			continue
		}
		s.pending[n] = j
		n++
	}
	s.pending = s.pending[:n]
	if len(due) > 0 {
		s.dirty = true
	}
	s.mu.Unlock()

	if len(due) == 0 {
		return
	}
	s.log.Debug("firing due jobs", logx.Int("count", len(due)))
	for _, job := range due {
		job := job
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.fire(ctx, job)
		}()
	}
}
