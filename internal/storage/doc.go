// Package storage persists the one-time delivery queue across restarts.
//
// Two drivers are available: a single-file JSON snapshot and an embedded
// SQLite database. Both implement full-set replacement; the scheduler owns
// the in-memory truth and the store only has to survive a process death.
package storage
