package sovereign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"vegeta/pkg/audit"
	"vegeta/pkg/config"
	"vegeta/pkg/oplog"
	"vegeta/pkg/protocol"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventCycle is the Operational Log event type for a finished cycle.
const EventCycle = "sovereign_cycle"

// historySize is the number of past cycle summaries fed into each prompt.
const historySize = 5

// maxSleepShift caps the violation back-off at 64x the base sleep.
const maxSleepShift = 6

// DefaultGoal is used when neither the run nor the agent names one.
const DefaultGoal = "Improve the system safely and measurably."

// DefaultConstitution is used when no constitution file exists.
const DefaultConstitution = `1. Never harm users, their data, or the machines you run on.
2. Never deceive the operator. Report what you did and what failed.
3. Stay inside your working directory unless a task requires otherwise.
4. Prefer small, reversible, verifiable steps.
5. Do not acquire resources, credentials, or permissions you were not given.`

// ErrViolationLimit terminates a run whose actions keep violating policy.
var ErrViolationLimit = errors.New("sovereign run stopped: repeated safety violations")

// Thinker runs one Think call under the agent's execution contract.
// *contract.Invoker satisfies it.
type Thinker interface {
	InvokeSession(ctx context.Context, sessionID, agentID, prompt string) protocol.ExecutionOutcome
}

// EventRecorder receives cycle records. *oplog.Log satisfies it.
type EventRecorder interface {
	AppendEvent(ctx context.Context, e oplog.Event) error
}

// StatusWriter records liveness. *memory.Store satisfies it.
type StatusWriter interface {
	SetStatus(ctx context.Context, key, value string) error
}

// Options selects what one run does.
type Options struct {
	AgentID   string
	Goal      string
	MaxCycles int // 0: unbounded
	DryRun    bool
}

// ActionResult is the outcome of one proposed action.
type ActionResult struct {
	Action string `json:"action"`
	Status string `json:"status"`
	Detail string `json:"detail"`
}

// CycleRecord is one completed think-act-observe cycle.
type CycleRecord struct {
	RunID         string         `json:"run_id"`
	AgentID       string         `json:"agent_id"`
	Cycle         int            `json:"cycle_number"`
	ThinkOutput   string         `json:"think_output"`
	ParsedActions []Action       `json:"parsed_actions"`
	ActionResults []ActionResult `json:"action_results"`
	Violations    int            `json:"violations"`
	Timestamp     time.Time      `json:"timestamp"`
}

// Summary describes a finished run.
type Summary struct {
	RunID      string
	AgentID    string
	Cycles     int
	Executed   int
	Rejected   int
	Failed     int
	Violations int
	StopReason string
}

// Deps wires a Runner.
type Deps struct {
	Thinker  Thinker
	Executor *Executor
	Audit    *audit.Writer
	Events   EventRecorder // optional
	Status   StatusWriter  // optional
	Settings func() *config.Settings
	Paths    *config.Paths
	Logger   *zap.Logger
}

// Runner executes sovereign runs. One Runner may serve several runs for
// different agents concurrently; each run owns its policy, window and history.
type Runner struct {
	deps   Deps
	logger *zap.Logger

	// nowFunc and sleep allow tests to control time.
	nowFunc func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewRunner creates a Runner.
func NewRunner(d Deps) *Runner {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		deps:    d,
		logger:  logger.Named("sovereign"),
		nowFunc: time.Now,
		sleep:   sleepCtx,
	}
}

// run is the per-run state. Nothing in it is shared between runs.
type run struct {
	id           string
	opts         Options
	workDir      string
	constitution string
	policy       SafetyPolicy
	window       *Window
	loopSleep    time.Duration
	threshold    int
	history      []string
	consecutive  int
	summary      Summary
}

// Run loops Think, Act and Observe until ctx is cancelled, MaxCycles is
// reached, or the run hits a terminal condition. Cancellation is checked at
// cycle boundaries: a cycle in progress always completes.
func (r *Runner) Run(ctx context.Context, opts Options) (Summary, error) {
	st, err := r.start(opts)
	if err != nil {
		return Summary{}, err
	}
	log := r.logger.With(zap.String("run_id", st.id), zap.String("agent", opts.AgentID))
	log.Info("sovereign run started",
		zap.String("goal", st.opts.Goal),
		zap.Int("max_cycles", opts.MaxCycles),
		zap.Bool("dry_run", st.policy.DryRun))

	for cycle := 1; ; cycle++ {
		if ctx.Err() != nil {
			st.summary.StopReason = "stopped"
			break
		}
		if opts.MaxCycles > 0 && cycle > opts.MaxCycles {
			st.summary.StopReason = "max_cycles"
			break
		}

		sleepFor, err := r.cycle(context.WithoutCancel(ctx), st, cycle)
		st.summary.Cycles = cycle
		if err != nil {
			st.summary.StopReason = "error"
			log.Error("sovereign run terminated", zap.Int("cycle", cycle), zap.Error(err))
			return st.summary, err
		}
		if st.consecutive >= 4*st.threshold {
			st.summary.StopReason = "violations"
			log.Error("sovereign run terminated", zap.Int("consecutive_violations", st.consecutive))
			return st.summary, ErrViolationLimit
		}
		if opts.MaxCycles > 0 && cycle == opts.MaxCycles {
			st.summary.StopReason = "max_cycles"
			break
		}
		if err := r.sleep(ctx, sleepFor); err != nil {
			st.summary.StopReason = "stopped"
			break
		}
	}

	log.Info("sovereign run finished",
		zap.Int("cycles", st.summary.Cycles),
		zap.Int("executed", st.summary.Executed),
		zap.Int("rejected", st.summary.Rejected),
		zap.String("reason", st.summary.StopReason))
	return st.summary, nil
}

func (r *Runner) start(opts Options) (*run, error) {
	s := r.deps.Settings()
	agent, ok := s.Agents[opts.AgentID]
	if !ok {
		return nil, &protocol.RoutingError{Target: opts.AgentID}
	}
	if opts.Goal == "" {
		opts.Goal = agent.Sovereign.Goal
	}
	if opts.Goal == "" {
		opts.Goal = DefaultGoal
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("run id: %w", err)
	}
	workDir := agent.WorkingDirectory
	if workDir == "" {
		workDir, _ = os.Getwd()
	}

	policy := PolicyFrom(s, r.deps.Paths, opts.DryRun)
	threshold := s.Sovereign.ViolationPauseThreshold
	if threshold <= 0 {
		threshold = config.DefaultViolationPauseThreshold
	}
	loopSleep := s.Sovereign.LoopSleep.D()
	if loopSleep <= 0 {
		loopSleep = config.DefaultLoopSleep
	}
	window := NewWindow(policy.MaxSelfModsPerHour)
	window.nowFunc = r.nowFunc

	return &run{
		id:           id.String(),
		opts:         opts,
		workDir:      workDir,
		constitution: r.loadConstitution(s),
		policy:       policy,
		window:       window,
		loopSleep:    max(loopSleep, config.MinLoopSleep),
		threshold:    threshold,
		summary:      Summary{RunID: id.String(), AgentID: opts.AgentID},
	}, nil
}

func (r *Runner) loadConstitution(s *config.Settings) string {
	candidates := []string{s.Sovereign.ConstitutionPath}
	if r.deps.Paths != nil {
		candidates = append(candidates, r.deps.Paths.Constitution)
	}
	for _, p := range candidates {
		if p == "" {
			continue
		}
		if data, err := os.ReadFile(p); err == nil && strings.TrimSpace(string(data)) != "" {
			return strings.TrimSpace(string(data))
		}
	}
	return DefaultConstitution
}

// cycle runs one Think, Act, Observe pass and returns the sleep before the
// next one.
func (r *Runner) cycle(ctx context.Context, st *run, n int) (time.Duration, error) {
	agentID := st.opts.AgentID
	prompt := BuildPrompt(st.constitution, agentID, st.workDir, st.opts.Goal, st.history, st.policy.MaxActionsPerCycle)

	// Think
	out := r.deps.Thinker.InvokeSession(ctx, st.id, agentID, prompt)
	if !out.Succeeded {
		r.audit(ctx, st, n, "thought", audit.StatusFailed, fmt.Sprintf("[%s] %s", out.FailureReason, out.Error))
		if out.FailureReason.Terminal() {
			return 0, fmt.Errorf("think: %s: %s", out.FailureReason, out.Error)
		}
		rec := CycleRecord{RunID: st.id, AgentID: agentID, Cycle: n, Timestamp: r.nowFunc().UTC()}
		r.observe(ctx, st, rec, "think failed: "+string(out.FailureReason))
		return st.loopSleep, nil
	}

	plan, err := ParsePlan(out.Output)
	if err != nil {
		plan = Plan{Thought: "No valid plan produced; observing and waiting."}
		r.logger.Debug("unparseable plan", zap.String("run_id", st.id), zap.Error(err))
	}
	r.audit(ctx, st, n, "thought", audit.StatusNoop, plan.Thought)

	// Act
	rec := CycleRecord{
		RunID:         st.id,
		AgentID:       agentID,
		Cycle:         n,
		ThinkOutput:   plan.Thought,
		ParsedActions: plan.Actions,
	}
	for _, inv := range plan.Invalid {
		res := ActionResult{Action: "invalid", Status: audit.StatusRejected, Detail: inv.Reason + ": " + clip(inv.Raw, 200)}
		rec.ActionResults = append(rec.ActionResults, res)
		st.summary.Rejected++
		r.audit(ctx, st, n, res.Action, res.Status, res.Detail)
	}
	for i, a := range plan.Actions {
		var res ActionResult
		if i >= st.policy.MaxActionsPerCycle {
			res = ActionResult{Action: string(a.Type), Status: audit.StatusSkipped,
				Detail: fmt.Sprintf("exceeds max_actions_per_cycle (%d): %s", st.policy.MaxActionsPerCycle, a.Summary())}
		} else {
			res = r.act(ctx, st, a)
			if res.Status == audit.StatusRejected {
				rec.Violations++
			}
		}
		rec.ActionResults = append(rec.ActionResults, res)
		r.audit(ctx, st, n, res.Action, res.Status, res.Detail)
	}

	// Observe
	rec.Timestamp = r.nowFunc().UTC()
	r.observe(ctx, st, rec, plan.Thought)

	sleepFor := st.loopSleep
	if plan.SleepSeconds > 0 {
		sleepFor = max(time.Duration(plan.SleepSeconds)*time.Second, config.MinLoopSleep)
	}
	if shift := min(st.consecutive/st.threshold, maxSleepShift); shift > 0 {
		sleepFor <<= shift
	}
	return sleepFor, nil
}

// act validates and executes one action.
func (r *Runner) act(ctx context.Context, st *run, a Action) ActionResult {
	res := ActionResult{Action: string(a.Type)}

	v := st.policy.Check(a, st.workDir)
	// Dry runs execute nothing, so they never spend the self-modification window.
	if v == nil && !st.policy.DryRun && st.policy.IsSelfModifying(a, st.workDir) && !st.window.Allow() {
		v = violation(RuleSelfModifyRate, a,
			fmt.Sprintf("self-modification limit reached (%d per hour)", st.policy.MaxSelfModsPerHour))
	}
	if v != nil {
		st.consecutive++
		st.summary.Violations++
		st.summary.Rejected++
		r.logger.Warn("sovereign action rejected",
			zap.String("run_id", st.id),
			zap.String("rule", v.Rule),
			zap.String("action", v.Action))
		res.Status = audit.StatusRejected
		res.Detail = v.Error()
		return res
	}
	st.consecutive = 0

	if st.policy.DryRun {
		res.Status = audit.StatusDryRun
		res.Detail = "would execute " + a.Summary()
		return res
	}

	detail, err := r.deps.Executor.Execute(ctx, st.opts.AgentID, st.workDir, a)
	if err != nil {
		st.summary.Failed++
		res.Status = audit.StatusFailed
		res.Detail = clip(err.Error(), 400)
		return res
	}
	st.summary.Executed++
	res.Status = audit.StatusExecuted
	res.Detail = detail
	return res
}

// observe appends the cycle record and folds it into the run history.
func (r *Runner) observe(ctx context.Context, st *run, rec CycleRecord, thought string) {
	if r.deps.Events != nil {
		detail, err := json.Marshal(rec)
		if err == nil {
			err = r.deps.Events.AppendEvent(ctx, oplog.Event{
				SessionID: st.id,
				AgentID:   rec.AgentID,
				Type:      EventCycle,
				Detail:    string(detail),
			})
		}
		if err != nil {
			r.logger.Warn("record sovereign cycle", zap.Error(err))
		}
	}
	if r.deps.Status != nil {
		if err := r.deps.Status.SetStatus(ctx, protocol.SovereignAliveKey(rec.AgentID), protocol.FormatTime(r.nowFunc())); err != nil {
			r.logger.Warn("refresh sovereign liveness", zap.Error(err))
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "cycle %d: %s", rec.Cycle, clip(thought, 160))
	for _, res := range rec.ActionResults {
		fmt.Fprintf(&b, "; %s=%s", res.Action, res.Status)
	}
	st.history = append(st.history, b.String())
	if len(st.history) > historySize {
		st.history = st.history[len(st.history)-historySize:]
	}
}

func (r *Runner) audit(_ context.Context, st *run, cycle int, action, status, detail string) {
	if r.deps.Audit == nil {
		return
	}
	err := r.deps.Audit.Append(audit.SovereignRecord{
		TS:      audit.Timestamp(r.nowFunc()),
		AgentID: st.opts.AgentID,
		RunID:   st.id,
		Cycle:   cycle,
		Action:  action,
		Status:  status,
		Detail:  detail,
	})
	if err != nil {
		r.logger.Warn("append sovereign audit", zap.Error(err))
	}
}

// BuildPrompt assembles the Think prompt.
func BuildPrompt(constitution, agentID, workDir, goal string, history []string, maxActions int) string {
	var b strings.Builder
	b.WriteString("SYSTEM: You are a sovereign agent runtime.\n")
	b.WriteString("The constitution is immutable and has the highest priority:\n")
	b.WriteString(constitution)
	b.WriteString("\n\nRuntime context:\n")
	fmt.Fprintf(&b, "- agent_id: %s\n- working_directory: %s\n", agentID, workDir)
	fmt.Fprintf(&b, "\nGoal:\n%s\n", goal)
	if len(history) > 0 {
		b.WriteString("\nRecent cycles:\n")
		for _, h := range history {
			b.WriteString("- " + h + "\n")
		}
	}
	b.WriteString("\nReturn JSON only with this schema:\n")
	b.WriteString(`{"thought":"...","actions":[{"type":"shell","cmd":"..."}],"sleep_seconds":20}`)
	b.WriteString("\nAllowed action types: shell, write_file, memory_set, schedule_set, skill_create, replicate_agent.\n")
	fmt.Fprintf(&b, "Hard limits: at most %d actions per cycle. Do not request harmful, deceptive, or unauthorized actions.", maxActions)
	return b.String()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
