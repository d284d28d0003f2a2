package mailbox //nolint:testpackage // white-box tests control nowFunc

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"vegeta/pkg/statedb"
)

// setupTestDB opens a file-backed state database; :memory: would give every
// pooled connection its own empty database.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := statedb.Open(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open state db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// fakeClock is a settable nowFunc.
type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestStore(t *testing.T, cfg Config) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	s := New(setupTestDB(t), cfg, nil)
	s.nowFunc = clock.Now
	return s, clock
}
