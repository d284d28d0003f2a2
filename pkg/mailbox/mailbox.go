// Package mailbox is the durable store for WorkItems. It owns the item state
// machine: Pending -> InFlight -> Completed | Failed, with InFlight -> Pending
// on a retryable failure or orphan recovery. Claiming is a single
// compare-and-swap UPDATE, so concurrent claimers never receive the same item.
package mailbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"vegeta/pkg/protocol"
	"vegeta/pkg/statedb"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Sentinel errors.
var (
	ErrEmpty         = errors.New("mailbox: no claimable item")
	ErrNotFound      = errors.New("mailbox: item not found")
	ErrStateConflict = errors.New("mailbox: item not in expected state")
)

// maxQuarantinePerClaim bounds how many malformed rows one ClaimNext call
// moves aside before giving up for this round.
const maxQuarantinePerClaim = 32

// Config holds mailbox tuning.
type Config struct {
	MaxAttempts int           // Redeliveries before Failed (default 3).
	RetryDelay  time.Duration // Delay before a failed item is claimable again (default 5s).
	BusyRetries int           // Extra attempts on SQLITE_BUSY (default 5).
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 3
	}
	if out.RetryDelay == 0 {
		out.RetryDelay = 5 * time.Second
	}
	if out.BusyRetries == 0 {
		out.BusyRetries = 5
	}
	return out
}

// ClaimFilter narrows which pending items ClaimNext may take.
type ClaimFilter struct {
	Owner    string // Only items explicitly addressed to this owner.
	MaxDepth int    // Only items with chain_depth <= MaxDepth (0 = any).
}

// Stats summarises the mailbox.
type Stats struct {
	Counts        map[protocol.State]int `json:"counts"`
	Quarantined   int                    `json:"quarantined"`
	OldestPending time.Time              `json:"oldest_pending,omitempty"`
}

// Total returns the number of live (non-quarantined) items.
func (s Stats) Total() int {
	n := 0
	for _, c := range s.Counts {
		n += c
	}
	return n
}

// Depth returns pending + in-flight, the backlog the worker still has to drain.
func (s Stats) Depth() int {
	return s.Counts[protocol.StatePending] + s.Counts[protocol.StateInFlight]
}

// QuarantinedItem is a malformed row moved out of work_items.
type QuarantinedItem struct {
	ID        int64     `json:"id"`
	ItemID    string    `json:"item_id"`
	Raw       string    `json:"raw"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the SQLite-backed mailbox.
type Store struct {
	db     *sql.DB
	cfg    Config
	logger *zap.Logger

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New creates a Store over an already-migrated state database.
func New(db *sql.DB, cfg Config, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:      db,
		cfg:     cfg.withDefaults(),
		logger:  logger.Named("mailbox"),
		nowFunc: time.Now,
	}
}

// --- Enqueue ---

// Enqueue persists item as Pending and returns its id.
func (s *Store) Enqueue(ctx context.Context, item protocol.WorkItem) (string, error) {
	return s.EnqueueWith(ctx, item, nil)
}

// EnqueueWith persists item and runs also inside the same transaction, so
// callers can record bookkeeping (e.g. delegation hand-offs) atomically with
// the item's creation. If also fails, nothing is enqueued.
func (s *Store) EnqueueWith(ctx context.Context, item protocol.WorkItem, also func(ctx context.Context, tx *sql.Tx, item protocol.WorkItem) error) (string, error) {
	if strings.TrimSpace(item.Payload) == "" {
		return "", errors.New("enqueue: empty payload")
	}

	now := s.nowFunc()
	if item.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return "", fmt.Errorf("enqueue: new id: %w", err)
		}
		item.ID = id.String()
	}
	if item.RootID == "" {
		item.RootID = item.ID
	}
	if item.MaxAttempts <= 0 {
		item.MaxAttempts = s.cfg.MaxAttempts
	}
	item.Priority = protocol.ParsePriority(string(item.Priority))
	item.CreatedAt = now
	item.AvailableAt = now
	item.State = protocol.StatePending
	item.Attempts = 0

	origin, err := json.Marshal(item.Origin)
	if err != nil {
		return "", fmt.Errorf("enqueue: encode origin: %w", err)
	}

	err = statedb.RetryOnBusy(ctx, s.cfg.BusyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin enqueue: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		ts := protocol.FormatTime(now)
		_, err = tx.ExecContext(ctx, `
			INSERT INTO work_items (
				id, payload, intent, explicit_owner, priority, priority_rank, deadline,
				origin, root_id, parent_id, chain_depth, state, attempts, max_attempts,
				available_at, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
			item.ID, item.Payload, item.Intent, item.ExplicitOwner, string(item.Priority), item.Priority.Rank(),
			item.Deadline, string(origin), item.RootID, item.ParentID, item.ChainDepth, item.MaxAttempts,
			ts, ts, ts)
		if err != nil {
			return fmt.Errorf("insert work item: %w", err)
		}

		if also != nil {
			if err := also(ctx, tx, item); err != nil {
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit enqueue: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	s.logger.Debug("enqueued",
		zap.String("item", item.ID),
		zap.String("owner", item.ExplicitOwner),
		zap.Int("depth", item.ChainDepth))
	return item.ID, nil
}

// --- Claim ---

// ClaimNext atomically moves the highest-priority claimable Pending item to
// InFlight on behalf of claimer. It returns ErrEmpty when nothing is
// claimable. Malformed rows met along the way are quarantined and skipped.
func (s *Store) ClaimNext(ctx context.Context, claimer string, filter ClaimFilter) (*protocol.WorkItem, error) {
	for range maxQuarantinePerClaim {
		item, err := s.claimOnce(ctx, claimer, filter)
		var qe *protocol.QuarantineError
		if errors.As(err, &qe) {
			s.logger.Warn("quarantined malformed item",
				zap.String("item", qe.ItemID),
				zap.String("reason", qe.Reason))
			continue
		}
		return item, err
	}
	return nil, ErrEmpty
}

func (s *Store) claimOnce(ctx context.Context, claimer string, filter ClaimFilter) (*protocol.WorkItem, error) {
	now := protocol.FormatTime(s.nowFunc())

	conds := []string{"state = 'pending'", "available_at <= ?"}
	args := []any{claimer, now, now, now}
	if filter.Owner != "" {
		conds = append(conds, "explicit_owner = ?")
		args = append(args, filter.Owner)
	}
	if filter.MaxDepth > 0 {
		conds = append(conds, "chain_depth <= ?")
		args = append(args, filter.MaxDepth)
	}

	query := `
		UPDATE work_items
		SET state = 'in_flight', claimed_by = ?, claimed_at = ?, updated_at = ?
		WHERE seq = (
			SELECT seq FROM work_items
			WHERE ` + strings.Join(conds, " AND ") + `
			ORDER BY priority_rank DESC, seq ASC
			LIMIT 1
		) AND state = 'pending'
		RETURNING ` + itemColumns

	var raw rawItem
	err := statedb.RetryOnBusy(ctx, s.cfg.BusyRetries, func() error {
		return raw.scan(s.db.QueryRowContext(ctx, query, args...))
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("claim next: %w", err)
	}

	item, perr := raw.decode()
	if perr != nil {
		if qerr := s.quarantine(ctx, raw, perr.Error()); qerr != nil {
			return nil, fmt.Errorf("quarantine %s: %w", raw.id, qerr)
		}
		return nil, &protocol.QuarantineError{ItemID: raw.id, Reason: perr.Error()}
	}
	return &item, nil
}

// --- Terminal transitions ---

// Complete moves an InFlight item to Completed, storing result. Only the
// current claimer may complete it; after a lease reclaim the previous holder
// gets ErrStateConflict.
func (s *Store) Complete(ctx context.Context, id, claimer, result string) error {
	now := protocol.FormatTime(s.nowFunc())
	var res sql.Result
	err := statedb.RetryOnBusy(ctx, s.cfg.BusyRetries, func() error {
		var err error
		res, err = s.db.ExecContext(ctx, `
			UPDATE work_items SET state = 'completed', result = ?, updated_at = ?
			WHERE id = ? AND state = 'in_flight' AND claimed_by = ?`,
			result, now, id, claimer)
		return err
	})
	if err != nil {
		return fmt.Errorf("complete %s: %w", id, err)
	}
	return s.checkTransition(ctx, res, id, claimer)
}

// Fail records a failed attempt. Terminal reasons, and items that exhausted
// MaxAttempts, move to Failed; anything else returns to Pending and becomes
// claimable again after RetryDelay. The resulting state is returned. Like
// Complete, only the current claimer may fail the item.
func (s *Store) Fail(ctx context.Context, id, claimer string, reason protocol.FailureReason, detail string) (protocol.State, error) {
	var next protocol.State
	err := statedb.RetryOnBusy(ctx, s.cfg.BusyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin fail: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var state, holder string
		var attempts, maxAttempts int
		err = tx.QueryRowContext(ctx,
			`SELECT state, claimed_by, attempts, max_attempts FROM work_items WHERE id = ?`, id,
		).Scan(&state, &holder, &attempts, &maxAttempts)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("select for fail: %w", err)
		}
		if protocol.State(state) != protocol.StateInFlight {
			return fmt.Errorf("fail %s from %s: %w", id, state, ErrStateConflict)
		}
		if holder != claimer {
			return fmt.Errorf("fail %s: held by %q, not %q: %w", id, holder, claimer, ErrStateConflict)
		}

		attempts++
		now := s.nowFunc()
		next = protocol.StatePending
		if reason.Terminal() || attempts >= maxAttempts {
			next = protocol.StateFailed
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE work_items
			SET state = ?, attempts = ?, failure_reason = ?, last_error = ?,
				available_at = ?, claimed_by = '', claimed_at = '', updated_at = ?
			WHERE id = ? AND state = 'in_flight' AND claimed_by = ?`,
			string(next), attempts, string(reason), detail,
			protocol.FormatTime(now.Add(s.cfg.RetryDelay)), protocol.FormatTime(now), id, claimer)
		if err != nil {
			return fmt.Errorf("update for fail: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit fail: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	s.logger.Info("item failed",
		zap.String("item", id),
		zap.String("reason", string(reason)),
		zap.String("next", string(next)))
	return next, nil
}

// --- Recovery ---

// RecoverOrphaned returns every InFlight item to Pending. Call it once at
// startup, before any worker claims: anything InFlight then was abandoned by
// a previous process.
func (s *Store) RecoverOrphaned(ctx context.Context) (int, error) {
	return s.release(ctx, `state = 'in_flight'`)
}

// ReclaimExpired returns InFlight items claimed longer than lease ago to Pending.
func (s *Store) ReclaimExpired(ctx context.Context, lease time.Duration) (int, error) {
	cutoff := protocol.FormatTime(s.nowFunc().Add(-lease))
	return s.release(ctx, `state = 'in_flight' AND claimed_at != '' AND claimed_at < ?`, cutoff)
}

func (s *Store) release(ctx context.Context, where string, args ...any) (int, error) {
	now := protocol.FormatTime(s.nowFunc())
	var res sql.Result
	err := statedb.RetryOnBusy(ctx, s.cfg.BusyRetries, func() error {
		var err error
		res, err = s.db.ExecContext(ctx,
			`UPDATE work_items SET state = 'pending', claimed_by = '', claimed_at = '', available_at = ?, updated_at = ? WHERE `+where,
			append([]any{now, now}, args...)...)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("release in-flight items: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("release rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Info("released in-flight items", zap.Int64("count", n))
	}
	return int(n), nil
}

// --- Reads ---

// Get returns one item by id.
func (s *Store) Get(ctx context.Context, id string) (*protocol.WorkItem, error) {
	var raw rawItem
	err := raw.scan(s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM work_items WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	item, err := raw.decode()
	if err != nil {
		return nil, &protocol.QuarantineError{ItemID: id, Reason: err.Error()}
	}
	return &item, nil
}

// List returns items in state (all states when empty), oldest first.
// Malformed rows are logged and skipped; only ClaimNext quarantines.
func (s *Store) List(ctx context.Context, state protocol.State, limit int) ([]protocol.WorkItem, error) {
	query := `SELECT ` + itemColumns + ` FROM work_items`
	var args []any
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, string(state))
	}
	query += ` ORDER BY seq ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list work items: %w", err)
	}
	defer rows.Close()

	var items []protocol.WorkItem
	for rows.Next() {
		var raw rawItem
		if err := raw.scan(rows); err != nil {
			return nil, fmt.Errorf("scan work item: %w", err)
		}
		item, err := raw.decode()
		if err != nil {
			s.logger.Warn("skipping malformed item", zap.String("item", raw.id), zap.Error(err))
			continue
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate work items: %w", err)
	}
	return items, nil
}

// Children returns the items delegated from parentID.
func (s *Store) Children(ctx context.Context, parentID string) ([]protocol.WorkItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+itemColumns+` FROM work_items WHERE parent_id = ? ORDER BY seq ASC`, parentID)
	if err != nil {
		return nil, fmt.Errorf("list children of %s: %w", parentID, err)
	}
	defer rows.Close()

	var items []protocol.WorkItem
	for rows.Next() {
		var raw rawItem
		if err := raw.scan(rows); err != nil {
			return nil, fmt.Errorf("scan child: %w", err)
		}
		if item, err := raw.decode(); err == nil {
			items = append(items, item)
		}
	}
	return items, rows.Err()
}

// Stats returns per-state counts, the quarantine size and the oldest pending item's age.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Counts: map[protocol.State]int{
		protocol.StatePending:   0,
		protocol.StateInFlight:  0,
		protocol.StateCompleted: 0,
		protocol.StateFailed:    0,
	}}

	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM work_items GROUP BY state`)
	if err != nil {
		return st, fmt.Errorf("count work items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return st, fmt.Errorf("scan count: %w", err)
		}
		st.Counts[protocol.State(state)] = n
	}
	if err := rows.Err(); err != nil {
		return st, fmt.Errorf("iterate counts: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM quarantine`).Scan(&st.Quarantined); err != nil {
		return st, fmt.Errorf("count quarantine: %w", err)
	}

	var oldest sql.NullString
	if err := s.db.QueryRowContext(ctx, `SELECT MIN(created_at) FROM work_items WHERE state = 'pending'`).Scan(&oldest); err != nil {
		return st, fmt.Errorf("oldest pending: %w", err)
	}
	if oldest.Valid && oldest.String != "" {
		if t, err := protocol.ParseTime(oldest.String); err == nil {
			st.OldestPending = t
		}
	}
	return st, nil
}

// ListQuarantine returns quarantined rows, newest first.
func (s *Store) ListQuarantine(ctx context.Context, limit int) ([]QuarantinedItem, error) {
	query := `SELECT id, item_id, raw, reason, created_at FROM quarantine ORDER BY id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list quarantine: %w", err)
	}
	defer rows.Close()

	var out []QuarantinedItem
	for rows.Next() {
		var q QuarantinedItem
		var created string
		if err := rows.Scan(&q.ID, &q.ItemID, &q.Raw, &q.Reason, &created); err != nil {
			return nil, fmt.Errorf("scan quarantine: %w", err)
		}
		q.CreatedAt, _ = protocol.ParseTime(created)
		out = append(out, q)
	}
	return out, rows.Err()
}

// --- helpers ---

func (s *Store) checkTransition(ctx context.Context, res sql.Result, id, claimer string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}
	var state, holder string
	err = s.db.QueryRowContext(ctx, `SELECT state, claimed_by FROM work_items WHERE id = ?`, id).Scan(&state, &holder)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("select state %s: %w", id, err)
	}
	if protocol.State(state) == protocol.StateInFlight && holder != claimer {
		return fmt.Errorf("item %s is held by %q, not %q: %w", id, holder, claimer, ErrStateConflict)
	}
	return fmt.Errorf("item %s is %s: %w", id, state, ErrStateConflict)
}

func (s *Store) quarantine(ctx context.Context, raw rawItem, reason string) error {
	blob, err := json.Marshal(raw.asMap())
	if err != nil {
		return fmt.Errorf("encode raw row: %w", err)
	}
	return statedb.RetryOnBusy(ctx, s.cfg.BusyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin quarantine: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO quarantine (item_id, raw, reason) VALUES (?, ?, ?)`,
			raw.id, string(blob), reason); err != nil {
			return fmt.Errorf("insert quarantine: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM work_items WHERE seq = ?`, raw.seq); err != nil {
			return fmt.Errorf("remove quarantined row: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit quarantine: %w", err)
		}
		return nil
	})
}
