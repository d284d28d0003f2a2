// Package oplog is the Operational Log: an append-only record of events,
// routing decisions and execution outcomes kept in the state database.
package oplog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"vegeta/pkg/protocol"

	"go.uber.org/zap"
)

// Kind selects one of the three record tables.
type Kind string

// Record kinds.
const (
	KindEvent    Kind = "event"
	KindDecision Kind = "decision"
	KindOutcome  Kind = "outcome"
)

// ParseKind maps a CLI string to a Kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case "", KindEvent, "events":
		return KindEvent, nil
	case KindDecision, "decisions":
		return KindDecision, nil
	case KindOutcome, "outcomes":
		return KindOutcome, nil
	default:
		return "", fmt.Errorf("unknown log kind %q (want event, decision or outcome)", s)
	}
}

// Event is a free-form lifecycle record.
type Event struct {
	SessionID string
	AgentID   string
	Type      string
	Detail    string
}

// Decision records how a WorkItem was routed.
type Decision struct {
	SessionID string
	AgentID   string
	Intent    string
	Owner     string
	Priority  string
	Deadline  string
	Reason    string
}

// Outcome records one Execution Contract result.
type Outcome struct {
	SessionID string
	AgentID   string
	Status    string // success | failure
	ErrorCode string
	Summary   string
	Attempts  int
	Duration  time.Duration
}

// Outcome statuses.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// OutcomeFrom converts an ExecutionOutcome into a log record.
func OutcomeFrom(sessionID string, o protocol.ExecutionOutcome) Outcome {
	rec := Outcome{
		SessionID: sessionID,
		AgentID:   o.AgentID,
		Status:    StatusSuccess,
		Attempts:  o.AttemptCount,
		Duration:  o.Duration,
		Summary:   truncate(o.Output, 320),
	}
	if !o.Succeeded {
		rec.Status = StatusFailure
		rec.ErrorCode = string(o.FailureReason)
		rec.Summary = truncate(o.Error, 320)
	}
	return rec
}

// Entry is one row read back from any of the three tables.
type Entry struct {
	Kind      Kind      `json:"kind"`
	ID        int64     `json:"id"`
	TS        time.Time `json:"ts"`
	SessionID string    `json:"session_id"`
	AgentID   string    `json:"agent_id"`
	// Type is event_type for events, reason for decisions and status for outcomes.
	Type string `json:"type"`
	// Detail is detail for events, "owner priority deadline" for decisions and
	// summary for outcomes.
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code,omitempty"`
}

// QueryOpts specifies filter criteria for Query.
type QueryOpts struct {
	Kind Kind

	// AgentID filters to one agent.
	AgentID string

	// Type filters on event_type, decision reason or outcome status.
	Type string

	// SessionID filters to one session (WorkItem root id, sovereign run id, ...).
	SessionID string

	// After filters records at or after this time.
	After *time.Time

	// Before filters records at or before this time.
	Before *time.Time

	// Limit restricts the number of results (0 = no limit).
	Limit int
}

// AgentStat summarises one agent's recent outcomes.
type AgentStat struct {
	AgentID     string
	LastSuccess time.Time
	Successes   int
	Failures    int
}

// Log appends to and queries the operational log.
type Log struct {
	db     *sql.DB
	logger *zap.Logger

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New creates a Log over an already-migrated state database.
func New(db *sql.DB, logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{db: db, logger: logger.Named("oplog"), nowFunc: time.Now}
}

// Append writes payload to the table selected by kind. payload must be the
// matching record type (Event, Decision or Outcome).
func (l *Log) Append(ctx context.Context, kind Kind, payload any) error {
	switch kind {
	case KindEvent:
		ev, ok := payload.(Event)
		if !ok {
			return fmt.Errorf("append %s: payload is %T", kind, payload)
		}
		return l.AppendEvent(ctx, ev)
	case KindDecision:
		d, ok := payload.(Decision)
		if !ok {
			return fmt.Errorf("append %s: payload is %T", kind, payload)
		}
		return l.AppendDecision(ctx, d)
	case KindOutcome:
		o, ok := payload.(Outcome)
		if !ok {
			return fmt.Errorf("append %s: payload is %T", kind, payload)
		}
		return l.AppendOutcome(ctx, o)
	default:
		return fmt.Errorf("append: unknown kind %q", kind)
	}
}

// AppendEvent records a lifecycle event.
func (l *Log) AppendEvent(ctx context.Context, e Event) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO events (ts, session_id, agent_id, event_type, detail) VALUES (?, ?, ?, ?, ?)`,
		l.ts(), e.SessionID, e.AgentID, e.Type, e.Detail)
	if err != nil {
		return fmt.Errorf("log event: %w", err)
	}
	return nil
}

// AppendDecision records a routing decision.
func (l *Log) AppendDecision(ctx context.Context, d Decision) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO decisions (ts, session_id, agent_id, intent, owner, priority, deadline, reason) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ts(), d.SessionID, d.AgentID, d.Intent, d.Owner, d.Priority, d.Deadline, d.Reason)
	if err != nil {
		return fmt.Errorf("log decision: %w", err)
	}
	return nil
}

// AppendOutcome records an execution outcome.
func (l *Log) AppendOutcome(ctx context.Context, o Outcome) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO outcomes (ts, session_id, agent_id, status, error_code, summary, attempts, duration_ms) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ts(), o.SessionID, o.AgentID, o.Status, o.ErrorCode, o.Summary, o.Attempts, o.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("log outcome: %w", err)
	}
	return nil
}

// Query retrieves records matching opts, newest first.
// Returns an empty slice if nothing matches.
func (l *Log) Query(ctx context.Context, opts QueryOpts) ([]Entry, error) {
	query, args, err := buildQuery(opts)
	if err != nil {
		return nil, err
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s log: %w", opts.Kind, err)
	}
	defer rows.Close()

	kind := opts.Kind
	if kind == "" {
		kind = KindEvent
	}

	var entries []Entry
	for rows.Next() {
		e := Entry{Kind: kind}
		var ts string
		if err := rows.Scan(&e.ID, &ts, &e.SessionID, &e.AgentID, &e.Type, &e.Detail, &e.ErrorCode); err != nil {
			return nil, fmt.Errorf("scan %s: %w", kind, err)
		}
		if e.TS, err = protocol.ParseTime(ts); err != nil {
			return nil, fmt.Errorf("parse ts: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", kind, err)
	}
	return entries, nil
}

// buildQuery constructs the SQL query and arguments from QueryOpts.
func buildQuery(opts QueryOpts) (string, []any, error) {
	var base, typeCol string
	switch opts.Kind {
	case "", KindEvent:
		base = "SELECT id, ts, session_id, agent_id, event_type, detail, '' FROM events WHERE 1=1"
		typeCol = "event_type"
	case KindDecision:
		base = "SELECT id, ts, session_id, agent_id, reason, trim(owner || ' ' || priority || ' ' || deadline), '' FROM decisions WHERE 1=1"
		typeCol = "reason"
	case KindOutcome:
		base = "SELECT id, ts, session_id, agent_id, status, summary, error_code FROM outcomes WHERE 1=1"
		typeCol = "status"
	default:
		return "", nil, fmt.Errorf("query: unknown kind %q", opts.Kind)
	}

	var conditions []string
	var args []any

	if opts.AgentID != "" {
		conditions = append(conditions, "agent_id = ?")
		args = append(args, opts.AgentID)
	}
	if opts.Type != "" {
		conditions = append(conditions, typeCol+" = ?")
		args = append(args, opts.Type)
	}
	if opts.SessionID != "" {
		conditions = append(conditions, "session_id = ?")
		args = append(args, opts.SessionID)
	}
	if opts.After != nil {
		conditions = append(conditions, "ts >= ?")
		args = append(args, protocol.FormatTime(*opts.After))
	}
	if opts.Before != nil {
		conditions = append(conditions, "ts <= ?")
		args = append(args, protocol.FormatTime(*opts.Before))
	}

	query := base
	if len(conditions) > 0 {
		query += " AND " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY id DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	return query, args, nil
}

// AgentStats returns per-agent success/failure counts since the given time,
// together with each agent's most recent success ever recorded.
func (l *Log) AgentStats(ctx context.Context, since time.Time) (map[string]AgentStat, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT agent_id,
			COALESCE(MAX(CASE WHEN status = 'success' THEN ts END), ''),
			SUM(CASE WHEN status = 'success' AND ts >= ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'failure' AND ts >= ? THEN 1 ELSE 0 END)
		FROM outcomes
		WHERE agent_id != ''
		GROUP BY agent_id`,
		protocol.FormatTime(since), protocol.FormatTime(since))
	if err != nil {
		return nil, fmt.Errorf("agent stats: %w", err)
	}
	defer rows.Close()

	out := make(map[string]AgentStat)
	for rows.Next() {
		var st AgentStat
		var last string
		if err := rows.Scan(&st.AgentID, &last, &st.Successes, &st.Failures); err != nil {
			return nil, fmt.Errorf("scan agent stats: %w", err)
		}
		if last != "" {
			st.LastSuccess, _ = protocol.ParseTime(last)
		}
		out[st.AgentID] = st
	}
	return out, rows.Err()
}

// FailedOutcomesSince counts failures for agentID (all agents when empty).
func (l *Log) FailedOutcomesSince(ctx context.Context, agentID string, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM outcomes WHERE status = 'failure' AND ts >= ?`
	args := []any{protocol.FormatTime(since)}
	if agentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, agentID)
	}
	var n int
	if err := l.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count failed outcomes: %w", err)
	}
	return n, nil
}

// Vacuum rebuilds the database file to reclaim space.
func (l *Log) Vacuum(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	return nil
}

// Prune deletes events and outcomes older than before. Decisions are kept:
// routing decisions are immutable audit records.
func (l *Log) Prune(ctx context.Context, before time.Time) (int64, error) {
	cutoff := protocol.FormatTime(before)
	var total int64
	for _, table := range []string{"events", "outcomes"} {
		res, err := l.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE ts < ?`, cutoff)
		if err != nil {
			return total, fmt.Errorf("prune %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("prune %s rows affected: %w", table, err)
		}
		total += n
	}
	return total, nil
}

func (l *Log) ts() string {
	return protocol.FormatTime(l.nowFunc())
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
