package sovereign //nolint:testpackage // white-box tests control nowFunc and sleep

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"vegeta/pkg/audit"
	"vegeta/pkg/config"
	"vegeta/pkg/memory"
	"vegeta/pkg/oplog"
	"vegeta/pkg/protocol"

	"go.uber.org/goleak"
)

type scriptedThinker struct {
	mu      sync.Mutex
	replies []protocol.ExecutionOutcome
	prompts []string
}

func (s *scriptedThinker) InvokeSession(_ context.Context, _, agentID, prompt string) protocol.ExecutionOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, prompt)
	i := min(len(s.prompts)-1, len(s.replies)-1)
	out := s.replies[i]
	out.AgentID = agentID
	return out
}

func reply(text string) protocol.ExecutionOutcome {
	return protocol.ExecutionOutcome{Succeeded: true, Output: text, AttemptCount: 1}
}

type eventSink struct {
	mu     sync.Mutex
	events []oplog.Event
}

func (e *eventSink) AppendEvent(_ context.Context, ev oplog.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
	return nil
}

type statusSink struct {
	mu   sync.Mutex
	keys map[string]string
}

func (s *statusSink) SetStatus(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keys == nil {
		s.keys = make(map[string]string)
	}
	s.keys[key] = value
	return nil
}

type memorySink struct {
	mu  sync.Mutex
	set []memory.SetParams
}

func (m *memorySink) Set(_ context.Context, p memory.SetParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set = append(m.set, p)
	return nil
}

type shellRunner struct {
	mu   sync.Mutex
	cmds []string
}

func (r *shellRunner) Run(_ context.Context, _, _ string, args ...string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds = append(r.cmds, args[len(args)-1])
	return []byte("ok"), nil
}

func (r *shellRunner) LookPath(name string) (string, error) { return name, nil }

type fixture struct {
	runner  *Runner
	thinker *scriptedThinker
	events  *eventSink
	status  *statusSink
	mem     *memorySink
	shell   *shellRunner
	audit   string
	workDir string
	sleeps  []time.Duration
}

func newFixture(t *testing.T, settings *config.Settings, replies ...protocol.ExecutionOutcome) *fixture {
	t.Helper()
	home := t.TempDir()
	work := filepath.Join(home, "work")
	if err := os.MkdirAll(work, 0o755); err != nil {
		t.Fatal(err)
	}
	if settings == nil {
		settings = &config.Settings{}
	}
	if settings.Agents == nil {
		settings.Agents = map[string]config.Agent{}
	}
	a := settings.Agents["coder"]
	a.Provider = "claude"
	a.WorkingDirectory = work
	settings.Agents["coder"] = a

	f := &fixture{
		thinker: &scriptedThinker{replies: replies},
		events:  &eventSink{},
		status:  &statusSink{},
		mem:     &memorySink{},
		shell:   &shellRunner{},
		audit:   filepath.Join(home, "audit", "sovereign.jsonl"),
		workDir: work,
	}
	paths := &config.Paths{
		Home:         home,
		Settings:     filepath.Join(home, "settings.yaml"),
		Constitution: filepath.Join(home, "constitution.md"),
		SkillsDir:    filepath.Join(home, "skills"),
		AgentsDir:    filepath.Join(home, "agents"),
	}
	f.runner = NewRunner(Deps{
		Thinker:  f.thinker,
		Executor: &Executor{Runner: f.shell, Memory: f.mem, SkillsDir: paths.SkillsDir, AgentsDir: paths.AgentsDir},
		Audit:    audit.NewWriter(f.audit),
		Events:   f.events,
		Status:   f.status,
		Settings: func() *config.Settings { return settings },
		Paths:    paths,
	})
	f.runner.nowFunc = func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }
	f.runner.sleep = func(ctx context.Context, d time.Duration) error {
		f.sleeps = append(f.sleeps, d)
		return ctx.Err()
	}
	return f
}

func (f *fixture) auditRecords(t *testing.T) []audit.SovereignRecord {
	t.Helper()
	lines, err := audit.Tail(f.audit, 1000)
	if err != nil {
		t.Fatalf("read audit: %v", err)
	}
	out := make([]audit.SovereignRecord, 0, len(lines))
	for _, l := range lines {
		var r audit.SovereignRecord
		if err := json.Unmarshal(l, &r); err != nil {
			t.Fatalf("decode audit line %s: %v", l, err)
		}
		out = append(out, r)
	}
	return out
}

func TestRun_RejectsDestructiveShellAndContinues(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, nil,
		reply(`{"thought":"clean everything","actions":[{"type":"shell","cmd":"rm -rf /"},{"type":"shell","cmd":"echo still-here"}]}`),
		reply(`{"thought":"second cycle","actions":[]}`),
	)

	sum, err := f.runner.Run(context.Background(), Options{AgentID: "coder", MaxCycles: 2})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Cycles != 2 || sum.StopReason != "max_cycles" {
		t.Errorf("summary = %+v, want 2 cycles stopped by max_cycles", sum)
	}
	if sum.Rejected != 1 || sum.Executed != 1 || sum.Violations != 1 {
		t.Errorf("summary counts = %+v", sum)
	}
	if len(f.shell.cmds) != 1 || f.shell.cmds[0] != "echo still-here" {
		t.Errorf("executed shell = %v, want only the safe command", f.shell.cmds)
	}

	var rejected *audit.SovereignRecord
	recs := f.auditRecords(t)
	for i := range recs {
		if recs[i].Status == audit.StatusRejected {
			rejected = &recs[i]
		}
	}
	if rejected == nil {
		t.Fatalf("no rejected record in audit: %+v", recs)
	}
	if rejected.Action != "shell" || rejected.Cycle != 1 || !strings.Contains(rejected.Detail, "blocklist") {
		t.Errorf("rejected record = %+v", *rejected)
	}

	if len(f.events.events) != 2 || f.events.events[0].Type != EventCycle {
		t.Fatalf("cycle events = %+v", f.events.events)
	}
	var rec CycleRecord
	if err := json.Unmarshal([]byte(f.events.events[0].Detail), &rec); err != nil {
		t.Fatalf("decode cycle record: %v", err)
	}
	if rec.Cycle != 1 || len(rec.ParsedActions) != 2 || len(rec.ActionResults) != 2 || rec.Violations != 1 {
		t.Errorf("cycle record = %+v", rec)
	}
	if _, ok := f.status.keys[protocol.SovereignAliveKey("coder")]; !ok {
		t.Error("liveness key not written")
	}
	// Only one sleep: none after the final cycle.
	if len(f.sleeps) != 1 {
		t.Errorf("sleeps = %v, want one", f.sleeps)
	}
	// History from cycle 1 reaches the cycle 2 prompt.
	if !strings.Contains(f.thinker.prompts[1], "cycle 1: clean everything; shell=rejected; shell=executed") {
		t.Errorf("second prompt lacks history:\n%s", f.thinker.prompts[1])
	}
}

func TestRun_DryRun(t *testing.T) {
	f := newFixture(t, nil, reply(`{"thought":"t","actions":[{"type":"shell","cmd":"make build"},{"type":"memory_set","key":"k","value":"v"}]}`))

	sum, err := f.runner.Run(context.Background(), Options{AgentID: "coder", MaxCycles: 1, DryRun: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(f.shell.cmds) != 0 || len(f.mem.set) != 0 {
		t.Errorf("dry run executed actions: shell=%v memory=%v", f.shell.cmds, f.mem.set)
	}
	if sum.Executed != 0 {
		t.Errorf("Executed = %d, want 0", sum.Executed)
	}
	n := 0
	for _, r := range f.auditRecords(t) {
		if r.Status == audit.StatusDryRun {
			n++
		}
	}
	if n != 2 {
		t.Errorf("dry_run records = %d, want 2", n)
	}
}

func TestRun_CapsActionsPerCycle(t *testing.T) {
	s := &config.Settings{Sovereign: config.Sovereign{MaxActionsPerCycle: 2}}
	f := newFixture(t, s, reply(`{"thought":"t","actions":[
		{"type":"shell","cmd":"echo 1"},{"type":"shell","cmd":"echo 2"},{"type":"shell","cmd":"echo 3"}]}`))

	if _, err := f.runner.Run(context.Background(), Options{AgentID: "coder", MaxCycles: 1}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(f.shell.cmds) != 2 {
		t.Errorf("executed %d commands, want 2", len(f.shell.cmds))
	}
	recs := f.auditRecords(t)
	last := recs[len(recs)-1]
	if last.Status != audit.StatusSkipped || !strings.Contains(last.Detail, "echo 3") {
		t.Errorf("last record = %+v, want skipped echo 3", last)
	}
}

func TestRun_SelfModifyWindow(t *testing.T) {
	s := &config.Settings{Sovereign: config.Sovereign{AllowSelfModify: true, MaxSelfModificationsPerHour: 1, MaxActionsPerCycle: 5}}
	f := newFixture(t, s, reply(`{"thought":"t","actions":[
		{"type":"skill_create","name":"one","content":"# one"},
		{"type":"skill_create","name":"two","content":"# two"}]}`))

	sum, err := f.runner.Run(context.Background(), Options{AgentID: "coder", MaxCycles: 1})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Executed != 1 || sum.Rejected != 1 {
		t.Errorf("summary = %+v, want 1 executed, 1 rejected", sum)
	}
	recs := f.auditRecords(t)
	last := recs[len(recs)-1]
	if last.Status != audit.StatusRejected || !strings.Contains(last.Detail, RuleSelfModifyRate) {
		t.Errorf("last record = %+v", last)
	}
}

func TestRun_DryRunLeavesSelfModifyWindowUntouched(t *testing.T) {
	s := &config.Settings{Sovereign: config.Sovereign{AllowSelfModify: true, MaxSelfModificationsPerHour: 1, MaxActionsPerCycle: 5}}
	f := newFixture(t, s, reply(`{"thought":"t","actions":[
		{"type":"skill_create","name":"one","content":"# one"},
		{"type":"skill_create","name":"two","content":"# two"},
		{"type":"skill_create","name":"three","content":"# three"}]}`))

	sum, err := f.runner.Run(context.Background(), Options{AgentID: "coder", MaxCycles: 2, DryRun: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Rejected != 0 || sum.Violations != 0 {
		t.Errorf("summary = %+v, want no rejections in dry run", sum)
	}
	for _, r := range f.auditRecords(t) {
		if r.Status != audit.StatusDryRun {
			t.Errorf("record %+v, want dry_run", r)
		}
	}
}

func TestRun_ViolationsBackOffAndTerminate(t *testing.T) {
	s := &config.Settings{Sovereign: config.Sovereign{ViolationPauseThreshold: 2, MaxActionsPerCycle: 2, LoopSleep: config.Duration(10 * time.Second)}}
	f := newFixture(t, s, reply(`{"thought":"t","actions":[{"type":"shell","cmd":"reboot"},{"type":"shell","cmd":"shutdown now"}]}`))

	sum, err := f.runner.Run(context.Background(), Options{AgentID: "coder"})
	if err != ErrViolationLimit {
		t.Fatalf("Run err = %v, want ErrViolationLimit", err)
	}
	if sum.Cycles != 4 || sum.Violations != 8 {
		t.Errorf("summary = %+v, want 4 cycles and 8 violations", sum)
	}
	want := []time.Duration{20 * time.Second, 40 * time.Second, 80 * time.Second}
	if len(f.sleeps) != len(want) {
		t.Fatalf("sleeps = %v, want %v", f.sleeps, want)
	}
	for i := range want {
		if f.sleeps[i] != want[i] {
			t.Errorf("sleep[%d] = %v, want %v", i, f.sleeps[i], want[i])
		}
	}
}

func TestRun_ThinkFailures(t *testing.T) {
	transient := protocol.ExecutionOutcome{FailureReason: protocol.FailureTimeout, Error: "timed out"}
	f := newFixture(t, nil, transient, reply("not json at all"))

	sum, err := f.runner.Run(context.Background(), Options{AgentID: "coder", MaxCycles: 2})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Cycles != 2 {
		t.Errorf("cycles = %d, want 2", sum.Cycles)
	}
	recs := f.auditRecords(t)
	if recs[0].Status != audit.StatusFailed || recs[1].Detail != "No valid plan produced; observing and waiting." {
		t.Errorf("audit = %+v", recs)
	}

	terminal := protocol.ExecutionOutcome{FailureReason: protocol.FailureUnauthorized, Error: "401"}
	f = newFixture(t, nil, terminal)
	if _, err := f.runner.Run(context.Background(), Options{AgentID: "coder"}); err == nil {
		t.Fatal("expected terminal think failure to stop the run")
	}
}

func TestRun_StopsAtCycleBoundary(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, nil, reply(`{"thought":"idle"}`))
	ctx, cancel := context.WithCancel(context.Background())
	f.runner.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	sum, err := f.runner.Run(ctx, Options{AgentID: "coder"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Cycles != 1 || sum.StopReason != "stopped" {
		t.Errorf("summary = %+v, want 1 cycle, stopped", sum)
	}
}

func TestRun_UnknownAgent(t *testing.T) {
	f := newFixture(t, nil, reply(`{"thought":"x"}`))
	if _, err := f.runner.Run(context.Background(), Options{AgentID: "ghost"}); err == nil {
		t.Fatal("expected error for unknown agent")
	}
}

func TestBuildPrompt(t *testing.T) {
	p := BuildPrompt("LAW", "coder", "/w", "ship it", []string{"cycle 1: x"}, 3)
	for _, want := range []string{"LAW", "agent_id: coder", "working_directory: /w", "ship it", "- cycle 1: x", "at most 3 actions"} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}
