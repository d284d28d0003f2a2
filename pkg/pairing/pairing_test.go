package pairing //nolint:testpackage // white-box tests control nowFunc

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"vegeta/pkg/protocol"
	"vegeta/pkg/statedb"
)

func newTestStore(t *testing.T) (*Store, *time.Time) {
	t.Helper()
	db, err := statedb.Open(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open state db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	n := 0
	s := NewStore(db)
	s.nowFunc = func() time.Time { return now }
	s.newCode = func() string { n++; return fmt.Sprintf("CODE%02d", n) }
	return s, &now
}

func TestRequestFor_ReusesPending(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	origin := protocol.Origin{Channel: "file", SenderID: "u1", SenderName: "Uma"}

	first, created, err := s.RequestFor(ctx, origin)
	if err != nil || !created {
		t.Fatalf("RequestFor = %+v, %v, %v; want a new request", first, created, err)
	}
	again, created, err := s.RequestFor(ctx, origin)
	if err != nil {
		t.Fatalf("RequestFor (again): %v", err)
	}
	if created || again.Code != first.Code {
		t.Errorf("second request issued a new code %q (first %q)", again.Code, first.Code)
	}
}

func TestApprove(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	origin := protocol.Origin{Channel: "file", SenderID: "u1"}

	req, _, err := s.RequestFor(ctx, origin)
	if err != nil {
		t.Fatalf("RequestFor: %v", err)
	}
	if ok, _ := s.IsApproved(ctx, "file", "u1"); ok {
		t.Fatal("sender approved before approval")
	}

	got, err := s.Approve(ctx, strings.ToLower(req.Code))
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if got.Status != StatusApproved || got.DecidedAt.IsZero() {
		t.Errorf("approved request = %+v", got)
	}
	if ok, err := s.IsApproved(ctx, "file", "u1"); err != nil || !ok {
		t.Errorf("IsApproved = %v, %v; want true", ok, err)
	}

	if _, err := s.Approve(ctx, req.Code); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Approve: err = %v, want ErrNotFound", err)
	}
}

func TestPruneStale(t *testing.T) {
	s, now := newTestStore(t)
	ctx := context.Background()

	_, _, _ = s.RequestFor(ctx, protocol.Origin{Channel: "file", SenderID: "old"})
	*now = now.Add(30 * time.Hour)
	_, _, _ = s.RequestFor(ctx, protocol.Origin{Channel: "file", SenderID: "new"})

	n, err := s.PruneStale(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("PruneStale: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
	pending, _ := s.List(ctx, StatusPending)
	if len(pending) != 1 || pending[0].SenderID != "new" {
		t.Errorf("pending after prune = %+v", pending)
	}
}

func TestNewCode(t *testing.T) {
	for range 50 {
		c := NewCode()
		if len(c) != CodeLength {
			t.Fatalf("code %q has length %d", c, len(c))
		}
		for _, r := range c {
			if !strings.ContainsRune(codeAlphabet, r) {
				t.Fatalf("code %q contains %q outside the alphabet", c, r)
			}
		}
	}
}
