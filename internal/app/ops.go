package app

import (
	"context"
	"time"

	"courier/internal/dispatch"
	"courier/internal/oneshot"
	"courier/internal/ratelimit"
	"courier/internal/schedule"
	"courier/internal/session"
	"courier/internal/transport"
)

// Thin operational surface over the running services, consumed by whatever
// ops layer fronts the daemon. All calls are synchronous; the snapshots are
// point-in-time.

func (a *App) AddSchedule(def schedule.Definition) error { return a.sched.AddSchedule(def) }
func (a *App) RemoveSchedule(id string) bool             { return a.sched.RemoveSchedule(id) }
func (a *App) Schedules() []schedule.Snapshot            { return a.sched.Schedules() }

func (a *App) AddOneTimeJob(recipients []transport.Recipient, message string, fireAt time.Time) (oneshot.Job, error) {
	return a.once.Add(recipients, message, fireAt)
}
func (a *App) RemoveOneTimeJob(id string) bool { return a.once.Remove(id) }
func (a *App) PendingJobs() []oneshot.Job      { return a.once.Pending() }

func (a *App) Deliver(ctx context.Context, recipients []transport.Recipient, text string) dispatch.Result {
	return a.dispatcher.Deliver(ctx, recipients, text)
}

func (a *App) CanSend(to transport.Recipient) ratelimit.Decision { return a.limiter.CanSend(to) }
func (a *App) RecordSent(to transport.Recipient)                 { a.limiter.RecordSent(to) }
func (a *App) QueueMessage(ctx context.Context, to transport.Recipient, text string, send ratelimit.SendFunc) (ratelimit.Outcome, error) {
	return a.limiter.QueueMessage(ctx, to, text, send)
}
func (a *App) Stats() ratelimit.Stats { return a.limiter.Stats() }

func (a *App) RestartSession(ctx context.Context, cause transport.Cause) error {
	return a.sess.Restart(ctx, cause)
}
func (a *App) SessionStatus() session.Status { return a.sess.Status() }
