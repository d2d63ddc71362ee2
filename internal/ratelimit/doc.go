// Package ratelimit admits outbound deliveries against sliding-window send
// ceilings and defers denied deliveries into a retry queue.
//
// Three ceilings apply, checked in a fixed order: global per-minute, global
// per-hour, per-recipient per-minute. Denied sends are not errors; callers
// receive a Decision with the scope that tripped and a whole-second hint for
// when the oldest in-window send expires. QueueMessage parks a denied
// delivery, and a periodic drain retries the queue in FIFO order.
package ratelimit
