// Package heartbeat runs the periodic self-maintenance cycle: gather vitals,
// apply at most one remedial action per condition class, score health, and
// persist the result.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"vegeta/pkg/audit"
	"vegeta/pkg/config"
	"vegeta/pkg/delegation"
	"vegeta/pkg/mailbox"
	"vegeta/pkg/memory"
	"vegeta/pkg/oplog"
	"vegeta/pkg/protocol"
	"vegeta/pkg/statedb"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// EventCycle is the Operational Log event type for a heartbeat cycle.
const EventCycle = "heartbeat_cycle"

// failureWindow is how far back failed outcomes count against an agent.
const failureWindow = time.Hour

// Mailbox is the part of the Mailbox Store the heartbeat uses.
type Mailbox interface {
	Stats(ctx context.Context) (mailbox.Stats, error)
	ReclaimExpired(ctx context.Context, lease time.Duration) (int, error)
	Enqueue(ctx context.Context, item protocol.WorkItem) (string, error)
}

// FanIn releases delegation aggregates whose hand-offs timed out.
type FanIn interface {
	SweepExpired(ctx context.Context) ([]delegation.Aggregate, error)
}

// Log is the part of the Operational Log the heartbeat uses.
type Log interface {
	AgentStats(ctx context.Context, since time.Time) (map[string]oplog.AgentStat, error)
	Vacuum(ctx context.Context) error
	AppendEvent(ctx context.Context, e oplog.Event) error
}

// Memory is the working-memory store holding status keys.
type Memory interface {
	GetStatus(ctx context.Context, key string) (string, error)
	SetStatus(ctx context.Context, key, value string) error
	Compact(ctx context.Context) (memory.CompactReport, error)
}

// Prober reports provider availability by name. *provider.Registry
// satisfies it.
type Prober interface {
	ProbeAll(ctx context.Context) map[string]error
}

// Pairing prunes stale approval requests.
type Pairing interface {
	PruneStale(ctx context.Context, ttl time.Duration) (int, error)
}

// Status is the HeartbeatStatus written at the end of each cycle.
type Status struct {
	Timestamp   time.Time
	HealthScore int
	Actions     []string
	Warnings    []string
}

// Deps wires a Scheduler. Mailbox, Log, Memory and Settings are required.
type Deps struct {
	Mailbox  Mailbox
	FanIn    FanIn
	Log      Log
	Memory   Memory
	Prober   Prober
	Pairing  Pairing
	Audit    *audit.Writer
	Settings func() *config.Settings
	Paths    *config.Paths
	// Release receives aggregates freed by the fan-in sweep for delivery.
	Release func(ctx context.Context, agg delegation.Aggregate)
	Logger  *zap.Logger
}

// Scheduler is the only writer of HeartbeatStatus.
type Scheduler struct {
	deps   Deps
	logger *zap.Logger
	score  metric.Int64Gauge

	mu       sync.Mutex
	status   Status
	failures int
	lastErr  bool

	// nowFunc, freeDisk and dbSize allow tests to control vitals.
	nowFunc  func() time.Time
	freeDisk func(path string) (int64, error)
	dbSize   func(path string) (int64, error)
}

// New creates a Scheduler.
func New(d Deps) *Scheduler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gauge, _ := otel.Meter("vegeta/heartbeat").Int64Gauge("vegeta.heartbeat.health_score",
		metric.WithDescription("Health score computed by the last heartbeat cycle"),
		metric.WithUnit("1"))
	return &Scheduler{
		deps:     d,
		logger:   logger.Named("heartbeat"),
		score:    gauge,
		nowFunc:  time.Now,
		freeDisk: freeDiskBytes,
		dbSize:   statedb.Size,
	}
}

// Status returns the last written HeartbeatStatus.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.status
	out.Actions = append([]string(nil), s.status.Actions...)
	out.Warnings = append([]string(nil), s.status.Warnings...)
	return out
}

// Run repeats cycles until ctx is cancelled. Cancellation is checked between
// cycles; a cycle in progress completes.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		_, err := s.RunCycle(context.WithoutCancel(ctx))
		hb := s.deps.Settings().Heartbeat

		s.mu.Lock()
		if err != nil {
			s.failures++
		} else {
			s.failures = 0
		}
		delay := NextDelay(hb.Interval.D(), hb.MaxBackoff.D(), s.failures)
		s.mu.Unlock()

		if err != nil {
			s.logger.Warn("heartbeat cycle failed", zap.Error(err), zap.Duration("next", delay))
		}

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// cycle is the per-cycle scratch state.
type cycle struct {
	now      time.Time
	settings *config.Settings
	vitals   Vitals
	signals  Signals
	actions  []string
	warnings []string
	errs     []error
}

func (c *cycle) act(format string, args ...any)  { c.actions = append(c.actions, fmt.Sprintf(format, args...)) }
func (c *cycle) warn(format string, args ...any) { c.warnings = append(c.warnings, fmt.Sprintf(format, args...)) }

func (c *cycle) fail(err error) {
	c.errs = append(c.errs, err)
	c.warn("%v", err)
}

// RunCycle performs one heartbeat cycle and returns the status it wrote. The
// error joins every step that failed; the cycle still completes and persists
// its status.
func (s *Scheduler) RunCycle(ctx context.Context) (Status, error) {
	s.mu.Lock()
	lastErr := s.lastErr
	s.mu.Unlock()

	c := &cycle{now: s.nowFunc(), settings: s.deps.Settings()}
	c.vitals = s.gather(ctx, c)
	c.signals = c.vitals.signals(c.settings, lastErr)

	// One remedial action per condition class, highest leverage first.
	if c.signals.BacklogOver {
		s.mitigateBacklog(ctx, c)
	}
	s.flagUnhealthyAgent(ctx, c)
	s.compactMemory(ctx, c)
	s.runDueSchedule(ctx, c)

	// Observational maintenance.
	s.prunePairing(ctx, c)
	s.checkBrain(ctx, c)

	st := Status{
		Timestamp:   c.now.UTC(),
		HealthScore: Score(c.signals),
		Actions:     c.actions,
		Warnings:    c.warnings,
	}
	if err := s.persist(ctx, st); err != nil {
		c.errs = append(c.errs, err)
	}

	err := errors.Join(c.errs...)
	s.mu.Lock()
	s.status = st
	s.lastErr = err != nil
	s.mu.Unlock()

	if s.score != nil {
		s.score.Record(ctx, int64(st.HealthScore))
	}
	s.logger.Info("heartbeat cycle",
		zap.Int("health_score", st.HealthScore),
		zap.Int("actions", len(st.Actions)),
		zap.Int("warnings", len(st.Warnings)))
	return st, err
}

func (s *Scheduler) mitigateBacklog(ctx context.Context, c *cycle) {
	c.warn("backlog high (%d pending or in flight)", c.vitals.Mailbox.Depth())

	n, err := s.deps.Mailbox.ReclaimExpired(ctx, c.settings.Mailbox.LeaseTimeout.D())
	if err != nil {
		c.fail(fmt.Errorf("reclaim expired leases: %w", err))
	} else {
		c.act("reclaimed %d expired leases", n)
	}

	if s.deps.FanIn == nil {
		return
	}
	released, err := s.deps.FanIn.SweepExpired(ctx)
	if err != nil {
		c.fail(fmt.Errorf("sweep fan-in: %w", err))
		return
	}
	for _, agg := range released {
		if s.deps.Release != nil {
			s.deps.Release(ctx, agg)
		}
	}
	if len(released) > 0 {
		c.act("released %d timed-out fan-ins", len(released))
	}
}

// flagUnhealthyAgent flags the single worst agent for reset: the one with the
// most recent failures, else the one stale the longest.
func (s *Scheduler) flagUnhealthyAgent(ctx context.Context, c *cycle) {
	var target, why string
	if len(c.vitals.FailingAgents) > 0 {
		target = c.vitals.FailingAgents[0]
		why = fmt.Sprintf("%d failures in the last hour", c.vitals.Agents[target].Failures)
	} else if len(c.vitals.StaleAgents) > 0 {
		target = c.vitals.StaleAgents[0]
		why = "no success within " + c.settings.Heartbeat.StaleAfter.D().String()
	}
	for _, id := range c.vitals.FailingAgents {
		c.warn("@%s failing (%d/hour)", id, c.vitals.Agents[id].Failures)
	}
	for _, id := range c.vitals.StaleAgents {
		c.warn("@%s stale", id)
	}
	if target == "" {
		return
	}
	if err := s.deps.Memory.SetStatus(ctx, protocol.AgentResetKey(target), protocol.FormatTime(c.now)); err != nil {
		c.fail(fmt.Errorf("flag %s for reset: %w", target, err))
		return
	}
	c.act("@%s flagged for reset (%s)", target, why)
}

// compactMemory compacts working memory once per day and vacuums the state
// database whenever it exceeds max_db_size.
func (s *Scheduler) compactMemory(ctx context.Context, c *cycle) {
	today := day(c.now)
	last, err := s.deps.Memory.GetStatus(ctx, protocol.KeyHeartbeatCompactDay)
	if err != nil {
		c.fail(fmt.Errorf("read compaction day: %w", err))
	} else if last != today {
		report, err := s.deps.Memory.Compact(ctx)
		if err != nil {
			c.fail(fmt.Errorf("memory compact: %w", err))
		} else {
			c.act("memory compact %s", report)
			if err := s.deps.Memory.SetStatus(ctx, protocol.KeyHeartbeatCompactDay, today); err != nil {
				c.fail(fmt.Errorf("record compaction day: %w", err))
			}
		}
	}

	maxBytes := c.settings.Heartbeat.MaxDBSizeMB << 20
	if c.vitals.DBSizeBytes <= maxBytes {
		return
	}
	if err := s.deps.Log.Vacuum(ctx); err != nil {
		c.signals.VacuumFailed = true
		c.fail(fmt.Errorf("vacuum state db (%dMB): %w", c.vitals.DBSizeBytes>>20, err))
		return
	}
	c.act("state db vacuumed (%dMB)", c.vitals.DBSizeBytes>>20)
}

func (s *Scheduler) prunePairing(ctx context.Context, c *cycle) {
	if s.deps.Pairing == nil {
		return
	}
	n, err := s.deps.Pairing.PruneStale(ctx, c.settings.Heartbeat.PairingTTL.D())
	if err != nil {
		c.fail(fmt.Errorf("prune pairing requests: %w", err))
		return
	}
	if n > 0 {
		c.act("pruned %d stale pairing requests", n)
	}
}

// persist writes the status keys, the Operational Log event and the audit
// record.
func (s *Scheduler) persist(ctx context.Context, st Status) error {
	var errs []error
	for _, kv := range [][2]string{
		{protocol.KeyHeartbeatLastTimestamp, protocol.FormatTime(st.Timestamp)},
		{protocol.KeyHeartbeatHealthScore, strconv.Itoa(st.HealthScore)},
		{protocol.KeyHeartbeatLastActions, joinOrNone(st.Actions)},
		{protocol.KeyHeartbeatLastWarnings, joinOrNone(st.Warnings)},
	} {
		if err := s.deps.Memory.SetStatus(ctx, kv[0], kv[1]); err != nil {
			errs = append(errs, fmt.Errorf("write %s: %w", kv[0], err))
		}
	}

	summary := fmt.Sprintf("health_score=%d actions=%s warnings=%s",
		st.HealthScore, joinOrNone(st.Actions), joinOrNone(st.Warnings))
	if err := s.deps.Log.AppendEvent(ctx, oplog.Event{SessionID: "heartbeat", Type: EventCycle, Detail: summary}); err != nil {
		errs = append(errs, err)
	}

	if s.deps.Audit != nil {
		rec := audit.HeartbeatRecord{
			Timestamp:   audit.Timestamp(st.Timestamp),
			HealthScore: st.HealthScore,
			Actions:     nonNil(st.Actions),
			Warnings:    nonNil(st.Warnings),
		}
		if err := s.deps.Audit.Append(rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ReadStatus loads the last persisted HeartbeatStatus from working memory,
// for readers outside the daemon process.
func ReadStatus(ctx context.Context, m interface {
	GetStatus(ctx context.Context, key string) (string, error)
}) (Status, error) {
	var st Status
	ts, err := m.GetStatus(ctx, protocol.KeyHeartbeatLastTimestamp)
	if err != nil {
		return st, err
	}
	if ts == "" {
		return st, nil
	}
	st.Timestamp, _ = protocol.ParseTime(ts)
	score, err := m.GetStatus(ctx, protocol.KeyHeartbeatHealthScore)
	if err != nil {
		return st, err
	}
	st.HealthScore, _ = strconv.Atoi(score)
	for key, dst := range map[string]*[]string{
		protocol.KeyHeartbeatLastActions:  &st.Actions,
		protocol.KeyHeartbeatLastWarnings: &st.Warnings,
	} {
		v, err := m.GetStatus(ctx, key)
		if err != nil {
			return st, err
		}
		if v != "" && v != "none" {
			*dst = strings.Split(v, " | ")
		}
	}
	return st, nil
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	return strings.Join(items, " | ")
}

func nonNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}

func day(t time.Time) string {
	return t.Local().Format(time.DateOnly)
}

// sortedKeys returns the keys of m in order.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// homeDir is the path whose filesystem is checked for free space.
func (s *Scheduler) homeDir() string {
	if s.deps.Paths != nil && s.deps.Paths.Home != "" {
		return s.deps.Paths.Home
	}
	dir, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return dir
}
