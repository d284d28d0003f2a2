package heartbeat //nolint:testpackage // white-box tests stub the clock and disk probes

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

	"vegeta/pkg/audit"
	"vegeta/pkg/config"
	"vegeta/pkg/mailbox"
	"vegeta/pkg/memory"
	"vegeta/pkg/oplog"
	"vegeta/pkg/pairing"
	"vegeta/pkg/protocol"
	"vegeta/pkg/statedb"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fakeLog struct {
	mu        sync.Mutex
	stats     map[string]oplog.AgentStat
	vacuumErr error
	vacuumed  int
	events    []oplog.Event
}

func (l *fakeLog) AgentStats(context.Context, time.Time) (map[string]oplog.AgentStat, error) {
	return l.stats, nil
}

func (l *fakeLog) Vacuum(context.Context) error {
	l.vacuumed++
	return l.vacuumErr
}

func (l *fakeLog) AppendEvent(_ context.Context, e oplog.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	return nil
}

type fakeProber map[string]error

func (p fakeProber) ProbeAll(context.Context) map[string]error { return p }

type fixture struct {
	sched    *Scheduler
	settings *config.Settings
	mailbox  *mailbox.Store
	memory   *memory.Store
	log      *fakeLog
	paths    *config.Paths
	dbSize   int64
}

var fixedNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.Local)

func newFixture(t *testing.T, settings string) *fixture {
	t.Helper()
	s, err := config.Parse([]byte(settings), config.FormatYAML)
	require.NoError(t, err)

	home := t.TempDir()
	paths := &config.Paths{
		Home:    home,
		StateDB: filepath.Join(home, "state.db"),
		Brain:   filepath.Join(home, "brain.md"),
	}
	db, err := statedb.Open(context.Background(), paths.StateDB)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{
		settings: s,
		mailbox:  mailbox.New(db, mailbox.Config{}, nil),
		memory:   memory.NewStore(db),
		log:      &fakeLog{},
		paths:    paths,
		dbSize:   1 << 20,
	}
	f.sched = New(Deps{
		Mailbox:  f.mailbox,
		Log:      f.log,
		Memory:   f.memory,
		Prober:   fakeProber{"claude": nil},
		Pairing:  pairing.NewStore(db),
		Audit:    audit.NewWriter(filepath.Join(home, "audit", protocol.HeartbeatAuditFile)),
		Settings: func() *config.Settings { return f.settings },
		Paths:    paths,
	})
	f.sched.nowFunc = func() time.Time { return fixedNow }
	f.sched.freeDisk = func(string) (int64, error) { return 100 << 30, nil }
	f.sched.dbSize = func(string) (int64, error) { return f.dbSize, nil }
	return f
}

const baseSettings = `
agents:
  coder:
    provider: claude
  ops:
    provider: claude
`

func TestRunCycle_HealthyWritesStatusAndAudit(t *testing.T) {
	f := newFixture(t, baseSettings)
	ctx := context.Background()

	st, err := f.sched.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100, st.HealthScore)
	require.NotEmpty(t, st.Actions)
	assert.True(t, strings.HasPrefix(st.Actions[0], "memory compact"), "actions: %v", st.Actions)

	score, err := f.memory.GetStatus(ctx, protocol.KeyHeartbeatHealthScore)
	require.NoError(t, err)
	assert.Equal(t, "100", score)
	warnings, err := f.memory.GetStatus(ctx, protocol.KeyHeartbeatLastWarnings)
	require.NoError(t, err)
	assert.Equal(t, "none", warnings)

	lines, err := audit.Tail(filepath.Join(f.paths.Home, "audit", protocol.HeartbeatAuditFile), 10)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	var rec audit.HeartbeatRecord
	require.NoError(t, json.Unmarshal(lines[0], &rec))
	assert.Equal(t, 100, rec.HealthScore)
	assert.Equal(t, []string{}, rec.Warnings)

	require.Len(t, f.log.events, 1)
	assert.Equal(t, EventCycle, f.log.events[0].Type)

	// Compaction runs once per day.
	st, err = f.sched.RunCycle(ctx)
	require.NoError(t, err)
	for _, a := range st.Actions {
		assert.NotContains(t, a, "memory compact")
	}

	read, err := ReadStatus(ctx, f.memory)
	require.NoError(t, err)
	assert.Equal(t, 100, read.HealthScore)
	assert.Equal(t, st.Actions, read.Actions)
	assert.True(t, f.sched.Status().Timestamp.Equal(read.Timestamp))
}

func TestRunCycle_BacklogAndUnhealthyAgents(t *testing.T) {
	f := newFixture(t, baseSettings+"heartbeat:\n  backlog_threshold: 2\n")
	ctx := context.Background()
	for range 3 {
		_, err := f.mailbox.Enqueue(ctx, protocol.WorkItem{Payload: "work"})
		require.NoError(t, err)
	}
	f.log.stats = map[string]oplog.AgentStat{
		"coder": {AgentID: "coder", Failures: 5},
		"ops":   {AgentID: "ops", LastSuccess: fixedNow.Add(-time.Minute), Successes: 4},
	}

	st, err := f.sched.RunCycle(ctx)
	require.NoError(t, err)
	// backlog 12, coder stale 4, coder failing 8
	assert.Equal(t, 76, st.HealthScore)
	assert.Contains(t, st.Actions, "reclaimed 0 expired leases")
	assert.Contains(t, strings.Join(st.Warnings, "\n"), "backlog high (3 pending or in flight)")

	flag, err := f.memory.GetStatus(ctx, protocol.AgentResetKey("coder"))
	require.NoError(t, err)
	assert.NotEmpty(t, flag)
	flag, err = f.memory.GetStatus(ctx, protocol.AgentResetKey("ops"))
	require.NoError(t, err)
	assert.Empty(t, flag)
}

func TestRunCycle_VacuumFailureAndBackoffSignal(t *testing.T) {
	f := newFixture(t, baseSettings+"heartbeat:\n  max_db_size_mb: 10\n")
	f.dbSize = 50 << 20
	f.log.vacuumErr = errors.New("database is locked")
	ctx := context.Background()

	st, err := f.sched.RunCycle(ctx)
	require.Error(t, err)
	assert.Equal(t, 94, st.HealthScore)
	assert.Equal(t, 1, f.log.vacuumed)

	// The failed cycle counts against the next one.
	f.log.vacuumErr = nil
	st, err = f.sched.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 95, st.HealthScore)
	assert.Contains(t, st.Actions, "state db vacuumed (50MB)")
}

func TestRunCycle_ProviderDiskAndSovereign(t *testing.T) {
	f := newFixture(t, `
agents:
  coder:
    provider: claude
    sovereign:
      enabled: true
      goal: keep the tests green
`)
	f.sched.deps.Prober = fakeProber{"claude": errors.New("claude not on PATH")}
	f.sched.freeDisk = func(string) (int64, error) { return 100 << 20, nil }

	st, err := f.sched.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100-8-10-8, st.HealthScore)

	require.NoError(t, f.memory.SetStatus(context.Background(), protocol.SovereignAliveKey("coder"), protocol.FormatTime(fixedNow)))
	st, err = f.sched.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100-8-10, st.HealthScore)
}

func TestRunCycle_FirstDueScheduleOnly(t *testing.T) {
	f := newFixture(t, baseSettings+`
teams:
  core:
    agents: [coder, ops]
    leader: ops
schedules:
  - id: standup
    type: daily
    time: "08:30"
    agent_id: coder
    enabled: true
  - id: digest
    type: digest
    time: "08:45"
    team_id: core
    enabled: true
  - id: evening
    type: daily
    time: "18:00"
    agent_id: coder
    enabled: true
`)
	ctx := context.Background()

	_, err := f.sched.RunCycle(ctx)
	require.NoError(t, err)
	items, err := f.mailbox.List(ctx, protocol.StatePending, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "coder", items[0].ExplicitOwner)
	assert.Equal(t, ScheduleChannel, items[0].Origin.Channel)

	_, err = f.sched.RunCycle(ctx)
	require.NoError(t, err)
	items, err = f.mailbox.List(ctx, protocol.StatePending, 10)
	require.NoError(t, err)
	require.Len(t, items, 2)
	owners := []string{items[0].ExplicitOwner, items[1].ExplicitOwner}
	assert.ElementsMatch(t, []string{"coder", "ops"}, owners)

	// Nothing else is due before 18:00.
	_, err = f.sched.RunCycle(ctx)
	require.NoError(t, err)
	items, err = f.mailbox.List(ctx, protocol.StatePending, 10)
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestRunCycle_BrainCheckOncePerDay(t *testing.T) {
	f := newFixture(t, baseSettings)
	require.NoError(t, os.WriteFile(f.paths.Brain, []byte("# Brain\n- [Project]\n- renew cert due: 2026-03-01\n"), 0o600))
	ctx := context.Background()

	st, err := f.sched.RunCycle(ctx)
	require.NoError(t, err)
	assert.Contains(t, st.Warnings, "brain: overdue item detected (due:2026-03-01)")

	_, err = f.sched.RunCycle(ctx)
	require.NoError(t, err)

	data, err := os.ReadFile(f.paths.Brain)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "[auto-check 2026-03-10]"))

	last, err := f.memory.GetStatus(ctx, protocol.KeyBrainLastCheck)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-10", last)
}

type nopMailbox struct{}

func (nopMailbox) Stats(context.Context) (mailbox.Stats, error) { return mailbox.Stats{}, nil }
func (nopMailbox) ReclaimExpired(context.Context, time.Duration) (int, error) {
	return 0, nil
}
func (nopMailbox) Enqueue(context.Context, protocol.WorkItem) (string, error) { return "", nil }

type mapMemory struct {
	mu   sync.Mutex
	keys map[string]string
}

func (m *mapMemory) GetStatus(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keys[key], nil
}

func (m *mapMemory) SetStatus(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key] = value
	return nil
}

func (m *mapMemory) Compact(context.Context) (memory.CompactReport, error) {
	return memory.CompactReport{}, nil
}

func TestRun_StopsBetweenCycles(t *testing.T) {
	defer goleak.VerifyNone(t)

	s, err := config.Parse([]byte(baseSettings+"heartbeat:\n  interval: 1ms\n"), config.FormatYAML)
	require.NoError(t, err)
	sched := New(Deps{
		Mailbox:  nopMailbox{},
		Log:      &fakeLog{},
		Memory:   &mapMemory{keys: map[string]string{}},
		Settings: func() *config.Settings { return s },
	})
	sched.freeDisk = func(string) (int64, error) { return 100 << 30, nil }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for sched.Status().Timestamp.IsZero() {
		if time.Now().After(deadline) {
			t.Fatal("no heartbeat cycle completed")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}
