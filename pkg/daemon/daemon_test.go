package daemon //nolint:testpackage // white-box tests drive Process against the internal stores

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"vegeta/pkg/config"
	"vegeta/pkg/contract"
	"vegeta/pkg/delegation"
	"vegeta/pkg/inbox"
	"vegeta/pkg/mailbox"
	"vegeta/pkg/oplog"
	"vegeta/pkg/protocol"
	"vegeta/pkg/statedb"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const testSettings = `
agents:
  assistant:
    provider: claude
    contract:
      max_retries: 0
  coder:
    provider: claude
    contract:
      max_retries: 0
teams:
  dev:
    agents: [coder]
    leader: coder
mailbox:
  poll_interval: 10ms
heartbeat:
  interval: 1h
`

type delivery struct {
	Origin protocol.Origin
	Text   string
}

type recordingDeliverer struct {
	mu  sync.Mutex
	out []delivery
}

func (r *recordingDeliverer) Deliver(_ context.Context, origin protocol.Origin, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out = append(r.out, delivery{Origin: origin, Text: text})
	return nil
}

func (r *recordingDeliverer) all() []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]delivery(nil), r.out...)
}

type okRunner struct{}

func (okRunner) Run(context.Context, string, string, ...string) ([]byte, error) { return nil, nil }
func (okRunner) LookPath(name string) (string, error)                        { return "/usr/bin/" + name, nil }

type fixture struct {
	d       *Daemon
	paths   *config.Paths
	deliver *recordingDeliverer
	replies map[string]func(prompt string) (string, error)
	mu      sync.Mutex
}

func newFixture(t *testing.T, deliver bool) *fixture {
	t.Helper()
	s, err := config.Parse([]byte(testSettings), config.FormatYAML)
	require.NoError(t, err)

	home := t.TempDir()
	paths := &config.Paths{
		Home:      home,
		Settings:  filepath.Join(home, "settings.yaml"),
		StateDB:   filepath.Join(home, "state.db"),
		AuditDir:  filepath.Join(home, "audit"),
		QueueDir:  filepath.Join(home, "queue"),
		SkillsDir: filepath.Join(home, "skills"),
		AgentsDir: filepath.Join(home, "agents"),
		Brain:     filepath.Join(home, "brain.md"),
	}
	db, err := statedb.Open(context.Background(), paths.StateDB)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{paths: paths, replies: make(map[string]func(string) (string, error))}
	deps := Deps{
		DB:     db,
		Config: config.Static(s),
		Paths:  paths,
		Runner: okRunner{},
		Gateway: contract.GatewayFunc(func(_ context.Context, agentID, prompt string, _ contract.Contract) (string, error) {
			f.mu.Lock()
			fn := f.replies[agentID]
			f.mu.Unlock()
			if fn == nil {
				return "ok from " + agentID, nil
			}
			return fn(prompt)
		}),
	}
	if deliver {
		f.deliver = &recordingDeliverer{}
		deps.Deliver = f.deliver
	}
	f.d, err = New(deps)
	require.NoError(t, err)
	return f
}

func (f *fixture) reply(agentID string, fn func(prompt string) (string, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[agentID] = fn
}

func (f *fixture) claimAndProcess(t *testing.T) protocol.WorkItem {
	t.Helper()
	ctx := context.Background()
	item, err := f.d.mailbox.ClaimNext(ctx, "test", mailbox.ClaimFilter{})
	require.NoError(t, err)
	f.d.Process(ctx, *item)
	got, err := f.d.mailbox.Get(ctx, item.ID)
	require.NoError(t, err)
	return *got
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

var origin = protocol.Origin{Channel: "file", SenderID: "u1", SenderName: "Ada"}

func TestNew_RequiresCoreDeps(t *testing.T) {
	_, err := New(Deps{})
	require.Error(t, err)
}

func TestProcess_RoutesExecutesAndDelivers(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, err := f.d.Enqueue(ctx, protocol.WorkItem{Payload: "@coder urgent: the build is red", Origin: origin})
	require.NoError(t, err)

	item := f.claimAndProcess(t)
	assert.Equal(t, protocol.StateCompleted, item.State)
	assert.Equal(t, "coder", item.ExplicitOwner)
	assert.Equal(t, protocol.PriorityUrgent, item.Priority)
	assert.Equal(t, "ok from coder", item.Result)

	got := f.deliver.all()
	require.Len(t, got, 1)
	assert.Equal(t, origin, got[0].Origin)
	assert.Equal(t, "ok from coder", got[0].Text)

	decisions, err := f.d.oplog.Query(ctx, oplog.QueryOpts{Kind: oplog.KindDecision, SessionID: item.ID})
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "coder", decisions[0].AgentID)
	assert.Equal(t, string(protocol.ReasonExplicit), decisions[0].Type)

	outcomes, err := f.d.oplog.Query(ctx, oplog.QueryOpts{Kind: oplog.KindOutcome, SessionID: item.ID})
	require.NoError(t, err)
	assert.Len(t, outcomes, 1)
}

func TestProcess_DelegationFanIn(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	f.reply("assistant", func(string) (string, error) {
		return "On it. [@coder: fix the login bug]", nil
	})
	f.reply("coder", func(prompt string) (string, error) {
		if !strings.Contains(prompt, "fix the login bug") {
			return "", &protocol.ProviderError{Reason: protocol.FailureUnknown, Detail: "unexpected prompt"}
		}
		return "login fixed", nil
	})

	_, err := f.d.Enqueue(ctx, protocol.WorkItem{Payload: "please handle the login issue", Origin: origin})
	require.NoError(t, err)

	parent := f.claimAndProcess(t)
	assert.Equal(t, protocol.StateCompleted, parent.State)

	got := f.deliver.all()
	require.Len(t, got, 1)
	assert.True(t, strings.HasPrefix(got[0].Text, "On it."), got[0].Text)
	assert.NotContains(t, got[0].Text, "[@coder")
	assert.Contains(t, got[0].Text, "Team handoff queued: 1")

	children, err := f.d.mailbox.Children(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, 1, children[0].ChainDepth)

	child := f.claimAndProcess(t)
	assert.Equal(t, children[0].ID, child.ID)
	assert.Equal(t, protocol.StateCompleted, child.State)

	got = f.deliver.all()
	require.Len(t, got, 2, "child output reaches the origin only through the fan-in")
	assert.Equal(t, origin, got[1].Origin)
	assert.Contains(t, got[1].Text, "@coder [completed]")
	assert.Contains(t, got[1].Text, "login fixed")
}

func TestProcess_TerminalFailureSurfaces(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	f.reply("assistant", func(string) (string, error) {
		return "", &protocol.ProviderError{Provider: "claude", Reason: protocol.FailureUnauthorized, Detail: "401"}
	})

	_, err := f.d.Enqueue(ctx, protocol.WorkItem{Payload: "hello", Origin: origin})
	require.NoError(t, err)

	item := f.claimAndProcess(t)
	assert.Equal(t, protocol.StateFailed, item.State)
	assert.Equal(t, protocol.FailureUnauthorized, item.FailureReason)

	got := f.deliver.all()
	require.Len(t, got, 1)
	assert.Contains(t, got[0].Text, protocol.FailureUnauthorized.Describe())
}

func TestProcess_TransientFailureRequeuesSilently(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	f.reply("assistant", func(string) (string, error) {
		return "", &protocol.ProviderError{Provider: "claude", Reason: protocol.FailureProviderUnavailable, Detail: "connection refused"}
	})

	_, err := f.d.Enqueue(ctx, protocol.WorkItem{Payload: "hello", Origin: origin})
	require.NoError(t, err)

	item := f.claimAndProcess(t)
	assert.Equal(t, protocol.StatePending, item.State)
	assert.Equal(t, 1, item.Attempts)
	assert.Empty(t, f.deliver.all())
}

func TestProcess_UnknownOwnerIsUnresolvable(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, err := f.d.mailbox.Enqueue(ctx, protocol.WorkItem{Payload: "hi", ExplicitOwner: "ghost", Origin: origin})
	require.NoError(t, err)

	item := f.claimAndProcess(t)
	assert.Equal(t, protocol.StateFailed, item.State)
	assert.Equal(t, protocol.FailureRoutingUnresolvable, item.FailureReason)

	got := f.deliver.all()
	require.Len(t, got, 1)
	assert.Contains(t, got[0].Text, "no agent could be found")

	outcomes, err := f.d.oplog.Query(ctx, oplog.QueryOpts{Kind: oplog.KindOutcome, SessionID: item.ID})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, string(protocol.FailureRoutingUnresolvable), outcomes[0].ErrorCode)
}

func TestResolveTarget_TeamRunsUnderLeader(t *testing.T) {
	f := newFixture(t, false)

	runner, ok := f.d.resolveTarget("dev")
	assert.True(t, ok)
	assert.Equal(t, "coder", runner)

	runner, ok = f.d.resolveTarget("Assistant")
	assert.True(t, ok)
	assert.Equal(t, "assistant", runner)

	_, ok = f.d.resolveTarget("ghost")
	assert.False(t, ok)
}

func TestProcess_LeaderMentioningOwnTeamIsNotDelegated(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	f.reply("coder", func(string) (string, error) { return "on it [@dev: take this]", nil })

	_, err := f.d.mailbox.Enqueue(ctx, protocol.WorkItem{Payload: "fix it", ExplicitOwner: "coder", Origin: origin})
	require.NoError(t, err)

	item := f.claimAndProcess(t)
	assert.Equal(t, protocol.StateCompleted, item.State)

	stats, err := f.d.mailbox.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total(), "a team led by the emitter must not receive a hand-off")
}

func TestProcess_FailedChildStillResolvesParent(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	f.reply("assistant", func(string) (string, error) { return "[@coder: investigate]", nil })
	f.reply("coder", func(string) (string, error) {
		return "", &protocol.ProviderError{Reason: protocol.FailureNotInstalled, Detail: "claude: executable file not found"}
	})

	_, err := f.d.Enqueue(ctx, protocol.WorkItem{Payload: "look into it", Origin: origin})
	require.NoError(t, err)
	f.claimAndProcess(t)
	child := f.claimAndProcess(t)
	assert.Equal(t, protocol.StateFailed, child.State)

	got := f.deliver.all()
	require.Len(t, got, 2)
	assert.Contains(t, got[1].Text, "@coder [failed]")
	assert.Contains(t, got[1].Text, "not_installed")
}

func TestRun_EndToEndThroughInbox(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))

	f := newFixture(t, false)
	f.reply("assistant", func(prompt string) (string, error) { return "echo: " + prompt, nil })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.d.Run(ctx) }()

	require.NoError(t, f.d.inbox.EnsureDirs())
	_, err := f.d.inbox.Submit(inbox.Message{Channel: "file", Sender: "Ada", SenderID: "u1", Message: "ping"})
	require.NoError(t, err)

	outgoing := filepath.Join(f.paths.QueueDir, inbox.Outgoing)
	var reply inbox.Reply
	waitFor(t, 5*time.Second, func() bool {
		entries, err := os.ReadDir(outgoing)
		if err != nil {
			return false
		}
		for _, e := range entries {
			if strings.HasSuffix(e.Name(), ".json") && !strings.HasPrefix(e.Name(), ".") {
				data, err := os.ReadFile(filepath.Join(outgoing, e.Name()))
				return err == nil && json.Unmarshal(data, &reply) == nil
			}
		}
		return false
	})
	assert.Equal(t, "echo: ping", reply.Message)
	assert.Equal(t, "u1", reply.SenderID)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestRun_RecoversOrphanedItems(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))

	f := newFixture(t, true)
	bg := context.Background()
	_, err := f.d.Enqueue(bg, protocol.WorkItem{Payload: "left behind", Origin: origin})
	require.NoError(t, err)
	_, err = f.d.mailbox.ClaimNext(bg, "crashed-worker", mailbox.ClaimFilter{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(bg)
	done := make(chan error, 1)
	go func() { done <- f.d.Run(ctx) }()

	waitFor(t, 5*time.Second, func() bool { return len(f.deliver.all()) == 1 })
	assert.Equal(t, "ok from assistant", f.deliver.all()[0].Text)

	cancel()
	require.NoError(t, <-done)
}

func TestReplyAndFailureMessage(t *testing.T) {
	assert.Equal(t, "plain answer", Reply("plain answer", delegation.EmitResult{}))
	assert.Equal(t, "Sure.", Reply("Sure. [@coder: do it]", delegation.EmitResult{}))

	msg := FailureMessage(protocol.ExecutionOutcome{AgentID: "Coder", FailureReason: protocol.FailureTimeout})
	assert.Equal(t, "Sorry, I could not complete this request: the agent did not answer in time. (agent: coder)", msg)
	assert.Contains(t, FailureMessage(protocol.ExecutionOutcome{}), "an unexpected error occurred")
}
