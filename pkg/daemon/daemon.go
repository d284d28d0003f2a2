// Package daemon is the composition root of vegeta. It wires the mailbox,
// routing, delegation, execution contract, heartbeat, sovereign loops and the
// inbox transport around one SQLite state database, and runs them as
// independent goroutines that communicate only through the mailbox and the
// operational log.
package daemon

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"vegeta/pkg/audit"
	"vegeta/pkg/config"
	"vegeta/pkg/contract"
	"vegeta/pkg/delegation"
	"vegeta/pkg/heartbeat"
	"vegeta/pkg/inbox"
	"vegeta/pkg/mailbox"
	"vegeta/pkg/memory"
	"vegeta/pkg/oplog"
	"vegeta/pkg/pairing"
	"vegeta/pkg/protocol"
	"vegeta/pkg/provider"
	"vegeta/pkg/routing"
	"vegeta/pkg/sovereign"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultSweepInterval is how often expired fan-ins are released outside the
// heartbeat.
const DefaultSweepInterval = 30 * time.Second

// --- Interfaces for testability ---

// Deliverer hands finished text back to the transport. *inbox.Inbox
// satisfies it.
type Deliverer interface {
	Deliver(ctx context.Context, origin protocol.Origin, text string) error
}

// Deps are the externally owned pieces of a Daemon. DB, Config and Paths are
// required.
type Deps struct {
	DB     *sql.DB
	Config *config.Watcher
	Paths  *config.Paths

	// Gateway defaults to the provider registry.
	Gateway contract.Gateway
	// Runner executes CLI providers and sovereign shell actions.
	Runner provider.CommandRunner
	// Deliver defaults to the inbox transport.
	Deliver Deliverer
	Logger  *zap.Logger
}

// Daemon owns every long-running component.
type Daemon struct {
	deps   Deps
	logger *zap.Logger

	mailbox    *mailbox.Store
	oplog      *oplog.Log
	memory     *memory.Store
	pairing    *pairing.Store
	delegation *delegation.Engine
	registry   *provider.Registry
	invoker    *contract.Invoker
	inbox      *inbox.Inbox
	heartbeat  *heartbeat.Scheduler
	sovereign  *sovereign.Runner
	deliver    Deliverer

	router        atomic.Pointer[routing.Engine]
	sweepInterval time.Duration
}

// New builds a Daemon from its dependencies. Nothing runs until Run.
func New(d Deps) (*Daemon, error) {
	if d.DB == nil || d.Config == nil || d.Paths == nil {
		return nil, errors.New("daemon: db, config and paths are required")
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Runner == nil {
		d.Runner = provider.ExecRunner{}
	}

	s := d.Config.Current()
	dm := &Daemon{
		deps:          d,
		logger:        d.Logger.Named("daemon"),
		sweepInterval: DefaultSweepInterval,
	}
	dm.router.Store(routing.New(routing.FromSettings(s)))

	dm.mailbox = mailbox.New(d.DB, mailbox.Config{
		MaxAttempts: s.Mailbox.MaxAttempts,
		RetryDelay:  s.Mailbox.RetryDelay.D(),
	}, d.Logger)
	dm.oplog = oplog.New(d.DB, d.Logger)
	dm.memory = memory.NewStore(d.DB)
	dm.pairing = pairing.NewStore(d.DB)
	dm.delegation = delegation.New(d.DB, dm.mailbox, delegation.Config{
		MaxDepth:     s.Delegation.MaxDepth,
		FanInTimeout: s.Delegation.FanInTimeout.D(),
	}, dm.resolveTarget, d.Logger)

	dm.registry = provider.NewRegistry(d.Config.Current, d.Runner, d.Logger)
	gw := d.Gateway
	if gw == nil {
		gw = dm.registry
	}
	dm.invoker = contract.NewInvoker(gw, func(agentID string) (contract.Contract, error) {
		return contract.ForAgent(d.Config.Current(), agentID)
	}, dm.oplog, d.Logger)

	dm.inbox = inbox.New(d.Paths.QueueDir, enqueueFunc(dm.Enqueue), dm.pairing, func() string {
		return d.Config.Current().Pairing.Mode
	}, d.Logger)
	dm.deliver = d.Deliver
	if dm.deliver == nil {
		dm.deliver = dm.inbox
	}

	dm.heartbeat = heartbeat.New(heartbeat.Deps{
		Mailbox:  dm.mailbox,
		FanIn:    dm.delegation,
		Log:      dm.oplog,
		Memory:   dm.memory,
		Prober:   dm.registry,
		Pairing:  dm.pairing,
		Audit:    audit.NewWriter(filepath.Join(d.Paths.AuditDir, protocol.HeartbeatAuditFile)),
		Settings: d.Config.Current,
		Paths:    d.Paths,
		Release:  dm.deliverAggregate,
		Logger:   d.Logger,
	})

	dm.sovereign = sovereign.NewRunner(sovereign.Deps{
		Thinker: dm.invoker,
		Executor: &sovereign.Executor{
			Runner:    d.Runner,
			Memory:    dm.memory,
			Mutate:    sovereign.MutateFile(d.Paths.Settings),
			SkillsDir: d.Paths.SkillsDir,
			AgentsDir: d.Paths.AgentsDir,
		},
		Audit:    audit.NewWriter(filepath.Join(d.Paths.AuditDir, protocol.SovereignAuditFile)),
		Events:   dm.oplog,
		Status:   dm.memory,
		Settings: d.Config.Current,
		Paths:    d.Paths,
		Logger:   d.Logger,
	})

	d.Config.OnChange(func(s *config.Settings) {
		dm.router.Store(routing.New(routing.FromSettings(s)))
		dm.logger.Info("routing table reloaded", zap.Int("agents", len(s.Agents)), zap.Int("teams", len(s.Teams)))
	})
	return dm, nil
}

// Mailbox exposes the store for CLI commands that share the daemon's wiring.
func (d *Daemon) Mailbox() *mailbox.Store { return d.mailbox }

// Heartbeat exposes the scheduler, e.g. for a one-off cycle.
func (d *Daemon) Heartbeat() *heartbeat.Scheduler { return d.heartbeat }

// Sovereign exposes the sovereign runner for foreground runs.
func (d *Daemon) Sovereign() *sovereign.Runner { return d.sovereign }

// Router returns the routing engine for the current settings snapshot.
func (d *Daemon) Router() *routing.Engine { return d.router.Load() }

// resolveTarget maps a hand-off target to the agent that will run it; a team
// runs under its leader.
func (d *Daemon) resolveTarget(id string) (string, bool) {
	r := d.router.Load()
	if leader, ok := r.Leader(id); ok {
		return leader, true
	}
	if r.IsKnown(id) {
		return strings.ToLower(id), true
	}
	return "", false
}

func (d *Daemon) settings() *config.Settings { return d.deps.Config.Current() }

// Enqueue fills owner, priority and deadline from the text and stores the
// item as Pending.
func (d *Daemon) Enqueue(ctx context.Context, item protocol.WorkItem) (string, error) {
	item = d.router.Load().Prepare(item)
	id, err := d.mailbox.Enqueue(ctx, item)
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	return id, nil
}

// enqueueFunc adapts a function to inbox.Enqueuer.
type enqueueFunc func(ctx context.Context, item protocol.WorkItem) (string, error)

func (f enqueueFunc) Enqueue(ctx context.Context, item protocol.WorkItem) (string, error) {
	return f(ctx, item)
}

// Run recovers orphaned work and then runs every component until ctx is
// cancelled:
//  1. N mailbox workers (claim, route, execute, delegate, complete)
//  2. the heartbeat scheduler
//  3. one sovereign loop per agent with sovereign.enabled
//  4. the inbox transport and the settings watcher
//  5. the fan-in sweeper
//
// Run blocks until every goroutine has returned.
func (d *Daemon) Run(ctx context.Context) error {
	if n, err := d.mailbox.RecoverOrphaned(ctx); err != nil {
		return fmt.Errorf("recover orphaned: %w", err)
	} else if n > 0 {
		d.logger.Info("recovered orphaned items", zap.Int("count", n))
	}
	if err := d.inbox.EnsureDirs(); err != nil {
		return err
	}

	s := d.settings()
	g, gctx := errgroup.WithContext(ctx)
	for i := range s.Mailbox.Workers {
		name := fmt.Sprintf("worker-%d", i+1)
		g.Go(func() error { return d.workerLoop(gctx, name) })
	}
	g.Go(func() error { return d.heartbeat.Run(gctx) })
	g.Go(func() error { return d.inbox.Run(gctx) })
	g.Go(func() error { return d.deps.Config.Run(gctx) })
	g.Go(func() error { return d.sweepLoop(gctx) })
	for _, id := range sovereignAgents(s) {
		g.Go(func() error {
			d.runSovereign(gctx, id)
			return nil
		})
	}

	d.logger.Info("daemon running",
		zap.Int("workers", s.Mailbox.Workers),
		zap.Int("agents", len(s.Agents)),
		zap.Strings("sovereign", sovereignAgents(s)))

	err := g.Wait()
	d.logger.Info("daemon stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runSovereign runs one agent's loop. A terminated loop never stops the
// daemon.
func (d *Daemon) runSovereign(ctx context.Context, agentID string) {
	sum, err := d.sovereign.Run(ctx, sovereign.Options{
		AgentID:   agentID,
		MaxCycles: d.settings().Sovereign.MaxCycles,
	})
	if err != nil {
		d.logger.Error("sovereign loop ended", zap.String("agent", agentID), zap.Error(err),
			zap.Int("cycles", sum.Cycles), zap.Int("violations", sum.Violations))
	}
}

func (d *Daemon) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			aggs, err := d.delegation.SweepExpired(ctx)
			if err != nil {
				d.logger.Warn("fan-in sweep", zap.Error(err))
				continue
			}
			for _, agg := range aggs {
				d.deliverAggregate(ctx, agg)
			}
		}
	}
}

func sovereignAgents(s *config.Settings) []string {
	var ids []string
	for id, a := range s.Agents {
		if a.Sovereign.Enabled {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
