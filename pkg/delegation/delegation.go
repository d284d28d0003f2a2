// Package delegation turns hand-off directives in agent output into child
// WorkItems and folds the children's outcomes back into one result per
// parent.
package delegation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"vegeta/pkg/mailbox"
	"vegeta/pkg/protocol"
	"vegeta/pkg/statedb"

	"go.uber.org/zap"
)

// Hand-off statuses.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusTimedOut  = "timed_out"
)

// Rejection reasons reported by Emit.
const (
	RejectDepth     = "depth_exceeded"
	RejectSelf      = "self_mention"
	RejectUnknown   = "unknown_target"
	RejectDuplicate = "pending_handoff"
)

// errDuplicate aborts the enqueue transaction when a hand-off is already
// pending for the target.
var errDuplicate = errors.New("hand-off already pending")

// Config bounds delegation chains.
type Config struct {
	MaxDepth     int           // deepest chain_depth a child may have (default 15)
	FanInTimeout time.Duration // how long a parent waits for its hand-offs (default 10m)
	BusyRetries  int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxDepth == 0 {
		out.MaxDepth = protocol.MaxChainDepth
	}
	if out.FanInTimeout == 0 {
		out.FanInTimeout = 10 * time.Minute
	}
	if out.BusyRetries == 0 {
		out.BusyRetries = 5
	}
	return out
}

// Enqueuer is the slice of the mailbox the engine needs.
type Enqueuer interface {
	EnqueueWith(ctx context.Context, item protocol.WorkItem, also func(ctx context.Context, tx *sql.Tx, item protocol.WorkItem) error) (string, error)
}

var _ Enqueuer = (*mailbox.Store)(nil)

// Rejection is a directive that was dropped.
type Rejection struct {
	Target string
	Reason string
}

// EmitResult summarises one Emit call.
type EmitResult struct {
	Children []string // ids of enqueued child items, in directive order
	Rejected []Rejection
}

// Note is the line appended to the parent's reply when hand-offs were queued.
func (r EmitResult) Note() string {
	if len(r.Children) == 0 {
		return ""
	}
	return fmt.Sprintf("\n\n---\nTeam handoff queued: %d follow-up task(s). Teammate results will follow when they complete.", len(r.Children))
}

// ChildResult is one resolved hand-off.
type ChildResult struct {
	ChildID string `json:"child_id"`
	Target  string `json:"target"`
	Status  string `json:"status"`
	Result  string `json:"result,omitempty"`
}

// Aggregate is the fan-in of every hand-off under one parent.
type Aggregate struct {
	ParentID string        `json:"parent_id"`
	Partial  bool          `json:"partial"`
	Combined string        `json:"combined"`
	Children []ChildResult `json:"children"`
}

// Engine emits and resolves hand-offs. All bookkeeping lives in the state
// database so hand-offs survive a restart.
type Engine struct {
	db     *sql.DB
	mb     Enqueuer
	cfg    Config
	resolve TargetResolver
	logger  *zap.Logger

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// TargetResolver maps a directive target to the agent that will run it: an
// agent resolves to itself, a team to its leader. ok is false for targets
// that name neither.
type TargetResolver func(target string) (agentID string, ok bool)

func identity(target string) (string, bool) { return target, true }

// New creates an Engine. A nil resolve accepts every target as an agent id.
func New(db *sql.DB, mb Enqueuer, cfg Config, resolve TargetResolver, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if resolve == nil {
		resolve = identity
	}
	return &Engine{
		db:      db,
		mb:      mb,
		cfg:     cfg.withDefaults(),
		resolve: resolve,
		logger:  logger.Named("delegation"),
		nowFunc: time.Now,
	}
}

// --- Emit ---

// Emit parses agentID's output for parent and enqueues one child per
// accepted directive. Each child and its hand-off row are written in one
// transaction, so a child is never claimable before its hand-off exists.
//
// Directives are dropped (and reported in Rejected) when the child's depth
// would exceed MaxDepth, when they address agentID itself (directly or
// through a team it leads), when the target is unknown, or when a hand-off
// to the same target is still pending in the same chain.
func (e *Engine) Emit(ctx context.Context, parent protocol.WorkItem, agentID, output string) (EmitResult, error) {
	var res EmitResult
	directives, _ := ParseDirectives(output)
	if len(directives) == 0 {
		return res, nil
	}

	depth := parent.ChainDepth + 1
	if depth > e.cfg.MaxDepth {
		for _, d := range directives {
			res.Rejected = append(res.Rejected, Rejection{Target: d.Target, Reason: RejectDepth})
		}
		e.logger.Warn("delegation depth cap reached, directives dropped",
			zap.String("parent", parent.ID),
			zap.Int("depth", depth),
			zap.Int("cap", e.cfg.MaxDepth),
			zap.Int("dropped", len(directives)))
		return res, nil
	}

	self := strings.ToLower(agentID)
	rootID := parent.RootID
	if rootID == "" {
		rootID = parent.ID
	}

	var accepted []protocol.DelegationDirective
	for _, d := range directives {
		runner, ok := e.resolve(d.Target)
		switch {
		case d.Target == self || (ok && strings.ToLower(runner) == self):
			res.Rejected = append(res.Rejected, Rejection{Target: d.Target, Reason: RejectSelf})
		case !ok:
			res.Rejected = append(res.Rejected, Rejection{Target: d.Target, Reason: RejectUnknown})
		default:
			pending, err := pendingInChain(ctx, e.db, rootID, d.Target)
			if err != nil {
				return res, err
			}
			if pending {
				res.Rejected = append(res.Rejected, Rejection{Target: d.Target, Reason: RejectDuplicate})
				continue
			}
			accepted = append(accepted, d)
		}
	}
	siblings := len(accepted) - 1

	for _, d := range accepted {
		child := protocol.WorkItem{
			Payload:       childPayload(agentID, siblings, d.Instruction),
			ExplicitOwner: d.Target,
			Priority:      parent.Priority,
			Origin:        parent.Origin,
			RootID:        rootID,
			ParentID:      parent.ID,
			ChainDepth:    depth,
		}
		id, err := e.mb.EnqueueWith(ctx, child, func(ctx context.Context, tx *sql.Tx, item protocol.WorkItem) error {
			// Re-checked under the write lock; another emitter may have won.
			pending, err := pendingInChain(ctx, tx, rootID, d.Target)
			if err != nil {
				return err
			}
			if pending {
				return errDuplicate
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO handoffs (parent_id, root_id, child_id, source_agent, target, status, created_at)
				VALUES (?, ?, ?, ?, ?, 'pending', ?)`,
				parent.ID, rootID, item.ID, agentID, d.Target, protocol.FormatTime(e.nowFunc()))
			if err != nil {
				return fmt.Errorf("insert hand-off: %w", err)
			}
			return nil
		})
		if errors.Is(err, errDuplicate) {
			res.Rejected = append(res.Rejected, Rejection{Target: d.Target, Reason: RejectDuplicate})
			continue
		}
		if err != nil {
			return res, fmt.Errorf("emit hand-off to %s: %w", d.Target, err)
		}
		res.Children = append(res.Children, id)
		e.logger.Info("hand-off enqueued",
			zap.String("parent", parent.ID),
			zap.String("child", id),
			zap.String("from", agentID),
			zap.String("to", d.Target),
			zap.Int("depth", depth))
	}

	for _, r := range res.Rejected {
		e.logger.Info("directive dropped",
			zap.String("parent", parent.ID),
			zap.String("target", r.Target),
			zap.String("reason", r.Reason))
	}
	return res, nil
}

// rowQuerier is satisfied by both *sql.DB and *sql.Tx.
type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func pendingInChain(ctx context.Context, q rowQuerier, rootID, target string) (bool, error) {
	var n int
	if err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM handoffs WHERE root_id = ? AND target = ? AND status = 'pending'`,
		rootID, target).Scan(&n); err != nil {
		return false, fmt.Errorf("check pending hand-off: %w", err)
	}
	return n > 0, nil
}

// --- Fan-in ---

// Resolve records the terminal outcome of a child item. When the child was
// the parent's last pending hand-off, the aggregate is written and returned;
// otherwise Resolve returns nil. Items without a parent return nil.
func (e *Engine) Resolve(ctx context.Context, child protocol.WorkItem, outcome protocol.ExecutionOutcome) (*Aggregate, error) {
	if child.ParentID == "" {
		return nil, nil
	}
	status, result := StatusCompleted, outcome.Output
	if !outcome.Succeeded {
		status = StatusFailed
		result = outcome.Error
		if outcome.FailureReason != "" {
			result = fmt.Sprintf("[%s] %s", outcome.FailureReason, outcome.Error)
		}
	}

	var agg *Aggregate
	err := statedb.RetryOnBusy(ctx, e.cfg.BusyRetries, func() error {
		tx, err := e.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin resolve: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := protocol.FormatTime(e.nowFunc())
		if _, err := tx.ExecContext(ctx, `
			UPDATE handoffs SET status = ?, result = ?, resolved_at = ?
			WHERE child_id = ? AND status = 'pending'`,
			status, result, now, child.ID); err != nil {
			return fmt.Errorf("resolve hand-off %s: %w", child.ID, err)
		}

		agg, err = e.aggregateIfDone(ctx, tx, child.ParentID)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit resolve: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if agg != nil {
		e.logger.Info("fan-in complete",
			zap.String("parent", agg.ParentID),
			zap.Int("children", len(agg.Children)),
			zap.Bool("partial", agg.Partial))
	}
	return agg, nil
}

// SweepExpired times out every hand-off pending longer than FanInTimeout and
// releases the affected parents with partial aggregates.
func (e *Engine) SweepExpired(ctx context.Context) ([]Aggregate, error) {
	cutoff := protocol.FormatTime(e.nowFunc().Add(-e.cfg.FanInTimeout))

	var out []Aggregate
	err := statedb.RetryOnBusy(ctx, e.cfg.BusyRetries, func() error {
		out = nil
		tx, err := e.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin sweep: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			UPDATE handoffs SET status = 'timed_out', resolved_at = ?
			WHERE status = 'pending' AND created_at < ?
			RETURNING parent_id`,
			protocol.FormatTime(e.nowFunc()), cutoff)
		if err != nil {
			return fmt.Errorf("expire hand-offs: %w", err)
		}
		parents := make(map[string]bool)
		var order []string
		for rows.Next() {
			var p string
			if err := rows.Scan(&p); err != nil {
				_ = rows.Close()
				return fmt.Errorf("scan expired hand-off: %w", err)
			}
			if !parents[p] {
				parents[p] = true
				order = append(order, p)
			}
		}
		if err := rows.Close(); err != nil {
			return fmt.Errorf("close expired rows: %w", err)
		}

		for _, p := range order {
			agg, err := e.aggregateIfDone(ctx, tx, p)
			if err != nil {
				return err
			}
			if agg != nil {
				out = append(out, *agg)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit sweep: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(out) > 0 {
		e.logger.Warn("fan-in timed out", zap.Int("parents", len(out)), zap.Duration("timeout", e.cfg.FanInTimeout))
	}
	return out, nil
}

// aggregateIfDone writes and returns the aggregate for parentID when none of
// its hand-offs is pending and no aggregate exists yet.
func (e *Engine) aggregateIfDone(ctx context.Context, tx *sql.Tx, parentID string) (*Aggregate, error) {
	var pending int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM handoffs WHERE parent_id = ? AND status = 'pending'`,
		parentID).Scan(&pending); err != nil {
		return nil, fmt.Errorf("count pending hand-offs: %w", err)
	}
	if pending > 0 {
		return nil, nil
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT child_id, target, status, result FROM handoffs WHERE parent_id = ? ORDER BY id`,
		parentID)
	if err != nil {
		return nil, fmt.Errorf("load hand-offs: %w", err)
	}
	agg := &Aggregate{ParentID: parentID}
	for rows.Next() {
		var c ChildResult
		if err := rows.Scan(&c.ChildID, &c.Target, &c.Status, &c.Result); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan hand-off: %w", err)
		}
		if c.Status != StatusCompleted {
			agg.Partial = true
		}
		agg.Children = append(agg.Children, c)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("close hand-off rows: %w", err)
	}
	if len(agg.Children) == 0 {
		return nil, nil
	}
	agg.Combined = combine(agg)

	partial := 0
	if agg.Partial {
		partial = 1
	}
	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO aggregates (parent_id, partial, combined, created_at) VALUES (?, ?, ?, ?)`,
		parentID, partial, agg.Combined, protocol.FormatTime(e.nowFunc()))
	if err != nil {
		return nil, fmt.Errorf("insert aggregate: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already aggregated by an earlier resolve or sweep.
		return nil, nil
	}
	return agg, nil
}

const snippetLimit = 700

// combine renders the fan-in message delivered to the origin.
func combine(agg *Aggregate) string {
	var b strings.Builder
	b.WriteString("Team results")
	if agg.Partial {
		b.WriteString(" (partial)")
	}
	b.WriteString(":\n")
	for _, c := range agg.Children {
		fmt.Fprintf(&b, "\n@%s [%s]:\n", c.Target, c.Status)
		text := strings.TrimSpace(c.Result)
		if r := []rune(text); len(r) > snippetLimit {
			text = string(r[:snippetLimit]) + "..."
		}
		if text == "" {
			text = "(no response)"
		}
		b.WriteString(text)
		b.WriteString("\n")
	}
	return b.String()
}

// --- Queries ---

// Handoff is one persisted hand-off row.
type Handoff struct {
	ParentID    string
	RootID      string
	ChildID     string
	SourceAgent string
	Target      string
	Status      string
	CreatedAt   time.Time
}

// Pending lists hand-offs still waiting under parentID.
func (e *Engine) Pending(ctx context.Context, parentID string) ([]Handoff, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT parent_id, root_id, child_id, source_agent, target, status, created_at
		FROM handoffs WHERE parent_id = ? AND status = 'pending' ORDER BY id`, parentID)
	if err != nil {
		return nil, fmt.Errorf("list pending hand-offs: %w", err)
	}
	defer rows.Close()

	var out []Handoff
	for rows.Next() {
		var h Handoff
		var created string
		if err := rows.Scan(&h.ParentID, &h.RootID, &h.ChildID, &h.SourceAgent, &h.Target, &h.Status, &created); err != nil {
			return nil, fmt.Errorf("scan hand-off: %w", err)
		}
		h.CreatedAt, _ = protocol.ParseTime(created)
		out = append(out, h)
	}
	return out, rows.Err()
}

// PendingCount returns the number of unresolved hand-offs across all chains.
func (e *Engine) PendingCount(ctx context.Context) (int, error) {
	var n int
	if err := e.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM handoffs WHERE status = 'pending'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending hand-offs: %w", err)
	}
	return n, nil
}
