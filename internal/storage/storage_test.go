package storage

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"courier/internal/oneshot"
	"courier/internal/transport"
	logx "courier/pkg/logx"
)

func testJobs(now time.Time) []oneshot.Job {
	return []oneshot.Job{
		{
			ID:         "once-1-aaaaaaaa",
			Recipients: []transport.Recipient{"42", "43"},
			Message:    "first",
			FireAt:     now.Add(time.Minute),
			CreatedAt:  now,
		},
		{
			ID:         "once-2-bbbbbbbb",
			Recipients: []transport.Recipient{"99"},
			Message:    "second",
			FireAt:     now.Add(2 * time.Minute),
			CreatedAt:  now,
		},
	}
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"", "none", " None "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil {
			t.Fatalf("Open(%q): %v", driver, err)
		}
		if st != nil {
			t.Fatalf("Open(%q) = %T, want nil store", driver, st)
		}
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()

	_, err := Open(Config{Driver: "bolt"}, logx.Nop())
	if err == nil || !strings.Contains(err.Error(), "unknown storage driver") {
		t.Fatalf("Open(bolt) err = %v, want unknown driver error", err)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"file", "sqlite"} {
		if _, err := Open(Config{Driver: driver}, logx.Nop()); err == nil {
			t.Fatalf("Open(%q) without path, want error", driver)
		}
	}
}

func TestFileStoreLoadMissing(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "jobs.json")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	jobs, err := st.LoadJobs(context.Background())
	if err != nil {
		t.Fatalf("LoadJobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("LoadJobs on missing file = %d jobs, want 0", len(jobs))
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "jobs.json")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	want := testJobs(now)
	if err := st.SaveJobs(ctx, want); err != nil {
		t.Fatalf("SaveJobs: %v", err)
	}

	got, err := st.LoadJobs(ctx)
	if err != nil {
		t.Fatalf("LoadJobs: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("LoadJobs = %d jobs, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ID != want[i].ID || got[i].Message != want[i].Message {
			t.Fatalf("job %d = %+v, want %+v", i, got[i], want[i])
		}
		if !got[i].FireAt.Equal(want[i].FireAt) {
			t.Fatalf("job %d FireAt = %v, want %v", i, got[i].FireAt, want[i].FireAt)
		}
		if len(got[i].Recipients) != len(want[i].Recipients) {
			t.Fatalf("job %d recipients = %v, want %v", i, got[i].Recipients, want[i].Recipients)
		}
	}

	// Each save replaces the whole set.
	if err := st.SaveJobs(ctx, want[:1]); err != nil {
		t.Fatalf("SaveJobs(subset): %v", err)
	}
	got, err = st.LoadJobs(ctx)
	if err != nil {
		t.Fatalf("LoadJobs after replace: %v", err)
	}
	if len(got) != 1 || got[0].ID != want[0].ID {
		t.Fatalf("after replace got %+v, want only %s", got, want[0].ID)
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "courier.db")
	st, err := Open(Config{Driver: "sqlite", Path: path, BusyTimeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	want := testJobs(now)
	// Save in reverse to prove loading orders by fire time.
	if err := st.SaveJobs(ctx, []oneshot.Job{want[1], want[0]}); err != nil {
		t.Fatalf("SaveJobs: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopen to prove the data survives the process, not just the handle.
	st, err = Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	got, err := st.LoadJobs(ctx)
	if err != nil {
		t.Fatalf("LoadJobs: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("LoadJobs = %d jobs, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ID != want[i].ID || got[i].Message != want[i].Message {
			t.Fatalf("job %d = %+v, want %+v", i, got[i], want[i])
		}
		if got[i].FireAt.UnixMilli() != want[i].FireAt.UnixMilli() {
			t.Fatalf("job %d FireAt = %v, want %v", i, got[i].FireAt, want[i].FireAt)
		}
		if got[i].CreatedAt.UnixMilli() != want[i].CreatedAt.UnixMilli() {
			t.Fatalf("job %d CreatedAt = %v, want %v", i, got[i].CreatedAt, want[i].CreatedAt)
		}
		if len(got[i].Recipients) != len(want[i].Recipients) || got[i].Recipients[0] != want[i].Recipients[0] {
			t.Fatalf("job %d recipients = %v, want %v", i, got[i].Recipients, want[i].Recipients)
		}
	}

	if err := st.SaveJobs(ctx, want[1:]); err != nil {
		t.Fatalf("SaveJobs(subset): %v", err)
	}
	got, err = st.LoadJobs(ctx)
	if err != nil {
		t.Fatalf("LoadJobs after replace: %v", err)
	}
	if len(got) != 1 || got[0].ID != want[1].ID {
		t.Fatalf("after replace got %+v, want only %s", got, want[1].ID)
	}
}

func TestSQLiteStoreSkipsMalformedRow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "courier.db")
	st, err := Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	if err := st.SaveJobs(ctx, testJobs(now)[:1]); err != nil {
		t.Fatalf("SaveJobs: %v", err)
	}

	raw := st.(*sqliteStore)
	_, err = raw.db.ExecContext(ctx,
		`INSERT INTO once_jobs(id, recipients, message, fire_at, created_at) VALUES(?,?,?,?,?)`,
		"once-bad", "{not json", "broken", now.UnixMilli(), now.UnixMilli())
	if err != nil {
		t.Fatalf("insert malformed row: %v", err)
	}

	got, err := st.LoadJobs(ctx)
	if err != nil {
		t.Fatalf("LoadJobs: %v", err)
	}
	if len(got) != 1 || got[0].ID != "once-1-aaaaaaaa" {
		t.Fatalf("LoadJobs = %+v, want the single well-formed job", got)
	}
}

func TestFileStoreNilRecipientsStayLoadable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "jobs.json")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	job := oneshot.Job{ID: "once-x", Message: "m", FireAt: time.Now(), CreatedAt: time.Now()}
	if err := st.SaveJobs(ctx, []oneshot.Job{job}); err != nil {
		t.Fatalf("SaveJobs: %v", err)
	}
	got, err := st.LoadJobs(ctx)
	if err != nil {
		t.Fatalf("LoadJobs: %v", err)
	}
	if len(got) != 1 || got[0].ID != "once-x" {
		t.Fatalf("LoadJobs = %+v, want once-x", got)
	}
}
