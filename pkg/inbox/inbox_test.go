package inbox //nolint:testpackage // white-box tests stub the clock and rescan interval

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"vegeta/pkg/config"
	"vegeta/pkg/mailbox"
	"vegeta/pkg/pairing"
	"vegeta/pkg/protocol"
	"vegeta/pkg/statedb"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fixture struct {
	inbox   *Inbox
	mailbox *mailbox.Store
	pairing *pairing.Store
	mode    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := statedb.Open(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{
		mailbox: mailbox.New(db, mailbox.Config{}, nil),
		pairing: pairing.NewStore(db),
		mode:    config.PairingOpen,
	}
	f.inbox = New(t.TempDir(), f.mailbox, f.pairing, func() string { return f.mode }, nil)
	// Every file on disk is older than the settle time.
	f.inbox.nowFunc = func() time.Time { return time.Now().Add(time.Hour) }
	require.NoError(t, f.inbox.EnsureDirs())
	return f
}

func (f *fixture) pending(t *testing.T) []protocol.WorkItem {
	t.Helper()
	items, err := f.mailbox.List(context.Background(), protocol.StatePending, 100)
	require.NoError(t, err)
	return items
}

func readReplies(t *testing.T, dir string) []Reply {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var out []Reply
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		require.NoError(t, err)
		var r Reply
		require.NoError(t, json.Unmarshal(data, &r))
		out = append(out, r)
	}
	return out
}

func TestScan_EnqueuesAndRemoves(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	path, err := f.inbox.Submit(Message{Channel: "cli", Sender: "Ada", SenderID: "u1", Message: "fix the build", Agent: "Coder", ReplyTo: "chat-9"})
	require.NoError(t, err)

	n, err := f.inbox.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoFileExists(t, path)

	items := f.pending(t)
	require.Len(t, items, 1)
	assert.Equal(t, "coder", items[0].ExplicitOwner)
	assert.Equal(t, "fix the build", items[0].Payload)
	assert.Equal(t, protocol.Origin{Channel: "cli", SenderID: "u1", SenderName: "Ada", ReplyTo: "chat-9"}, items[0].Origin)
}

func TestScan_QuarantinesMalformed(t *testing.T) {
	f := newFixture(t)
	bad := filepath.Join(f.inbox.Dir(Incoming), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0o600))
	noSender := filepath.Join(f.inbox.Dir(Incoming), "nosender.json")
	require.NoError(t, os.WriteFile(noSender, []byte(`{"message":"hi"}`), 0o600))
	ignored := filepath.Join(f.inbox.Dir(Incoming), ".tmp.json")
	require.NoError(t, os.WriteFile(ignored, []byte("{"), 0o600))

	n, err := f.inbox.Scan(context.Background())
	assert.Equal(t, 0, n)
	var qe *protocol.QuarantineError
	require.True(t, errors.As(err, &qe))

	reason, err := os.ReadFile(filepath.Join(f.inbox.Dir(Quarantine), "bad.json.reason"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(reason), "invalid json"))
	assert.FileExists(t, filepath.Join(f.inbox.Dir(Quarantine), "nosender.json"))
	assert.FileExists(t, ignored)
	assert.Empty(t, f.pending(t))
}

func TestProcess_LeavesSettlingFileAlone(t *testing.T) {
	f := newFixture(t)
	f.inbox.nowFunc = time.Now
	partial := filepath.Join(f.inbox.Dir(Incoming), "partial.json")
	require.NoError(t, os.WriteFile(partial, []byte(`{"sender_id":"u1","mess`), 0o600))

	ok, err := f.inbox.Process(context.Background(), partial)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.FileExists(t, partial)
}

func TestProcess_PairingGate(t *testing.T) {
	f := newFixture(t)
	f.mode = config.PairingApproval
	ctx := context.Background()

	_, err := f.inbox.Submit(Message{Channel: "cli", SenderID: "stranger", Message: "hello"})
	require.NoError(t, err)
	n, err := f.inbox.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, f.pending(t))

	replies := readReplies(t, f.inbox.Dir(Outgoing))
	require.Len(t, replies, 1)
	reqs, err := f.pairing.List(ctx, pairing.StatusPending)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, PairingReply(reqs[0].Code), replies[0].Message)
	assert.Equal(t, "stranger", replies[0].SenderID)

	_, err = f.pairing.Approve(ctx, reqs[0].Code)
	require.NoError(t, err)
	_, err = f.inbox.Submit(Message{Channel: "cli", SenderID: "stranger", Message: "hello again"})
	require.NoError(t, err)
	n, err = f.inbox.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

type recordingEnqueuer struct {
	mu    sync.Mutex
	items []protocol.WorkItem
}

func (r *recordingEnqueuer) Enqueue(_ context.Context, item protocol.WorkItem) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, item)
	return "id", nil
}

func (r *recordingEnqueuer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

func TestRun_PicksUpNewFiles(t *testing.T) {
	defer goleak.VerifyNone(t)

	enq := &recordingEnqueuer{}
	in := New(t.TempDir(), enq, nil, nil, nil)
	in.interval = 20 * time.Millisecond
	require.NoError(t, in.EnsureDirs())
	_, err := in.Submit(Message{SenderID: "u1", Message: "queued before start"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- in.Run(ctx) }()

	_, err = in.Submit(Message{SenderID: "u2", Message: "queued while running"})
	require.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for enq.count() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("enqueued %d messages, want 2", enq.count())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, DefaultChannel, enq.items[0].Origin.Channel)
}
