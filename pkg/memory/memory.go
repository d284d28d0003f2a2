// Package memory is the working-memory store: scoped key/value entries with
// optional expiry, FTS5 search and periodic compaction. The heartbeat writes
// its status keys here and sovereign runs persist notes through memory_set.
package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"vegeta/pkg/protocol"
)

// ErrNotFound is returned when a key is absent or expired.
var ErrNotFound = errors.New("memory: not found")

// Scope partitions the key space.
type Scope string

// Memory scopes.
const (
	ScopeGlobal Scope = "global"
	ScopeAgent  Scope = "agent"
	ScopeTeam   Scope = "team"
	ScopeTask   Scope = "task"
)

// ParseScope accepts the scope names, "" meaning global.
func ParseScope(s string) (Scope, error) {
	switch Scope(strings.ToLower(strings.TrimSpace(s))) {
	case "", ScopeGlobal:
		return ScopeGlobal, nil
	case ScopeAgent:
		return ScopeAgent, nil
	case ScopeTeam:
		return ScopeTeam, nil
	case ScopeTask:
		return ScopeTask, nil
	}
	return "", fmt.Errorf("unknown memory scope %q", s)
}

// Limit is the number of entries a single scope partition keeps after
// compaction.
func (s Scope) Limit() int {
	switch s {
	case ScopeAgent, ScopeTeam:
		return 1500
	case ScopeTask:
		return 750
	default:
		return 2000
	}
}

// Entry is one stored memory.
type Entry struct {
	ID         int64
	Scope      Scope
	ScopeID    string
	Key        string
	Value      string
	Importance float64
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ExpiresAt  time.Time // zero: never
}

// SetParams holds parameters for Set.
type SetParams struct {
	Scope      Scope
	ScopeID    string
	Key        string
	Value      string
	Importance float64       // default 1.0
	TTL        time.Duration // 0: never expires
}

// ListOpts configures List.
type ListOpts struct {
	Scope   Scope // "" matches every scope
	ScopeID string
	Prefix  string
	Limit   int // default 100
}

// SearchOpts configures Search.
type SearchOpts struct {
	Scope Scope
	Limit int // default 10
}

// ScoredEntry is an Entry with its search relevance.
type ScoredEntry struct {
	Entry
	Score float64
}

// CompactReport summarises one compaction pass.
type CompactReport struct {
	ExpiredRemoved int
	Merged         int
	Promoted       int
	Pruned         int
}

// Add accumulates another report into r.
func (r *CompactReport) Add(o CompactReport) {
	r.ExpiredRemoved += o.ExpiredRemoved
	r.Merged += o.Merged
	r.Promoted += o.Promoted
	r.Pruned += o.Pruned
}

func (r CompactReport) String() string {
	return fmt.Sprintf("expired_removed=%d merged=%d promoted=%d pruned=%d",
		r.ExpiredRemoved, r.Merged, r.Promoted, r.Pruned)
}

// promoteMarkers are key fragments whose entries gain importance on compaction.
var promoteMarkers = []string{"decision", "owner", "workspace", "incident"}

// Store manages the memories table in SQLite.
type Store struct {
	db *sql.DB
	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// NewStore creates a new Store backed by the given SQLite database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, nowFunc: time.Now}
}

// Set inserts or replaces the entry for (scope, scope_id, key).
func (s *Store) Set(ctx context.Context, p SetParams) error {
	if strings.TrimSpace(p.Key) == "" {
		return errors.New("memory set: empty key")
	}
	if p.Scope == "" {
		p.Scope = ScopeGlobal
	}
	if p.Importance == 0 {
		p.Importance = 1.0
	}
	now := s.nowFunc()
	expires := ""
	if p.TTL > 0 {
		expires = protocol.FormatTime(now.Add(p.TTL))
	}
	ts := protocol.FormatTime(now)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (scope, scope_id, key, value, importance, created_at, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(scope, scope_id, key) DO UPDATE SET
			value = excluded.value,
			importance = excluded.importance,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at`,
		string(p.Scope), p.ScopeID, p.Key, p.Value, p.Importance, ts, ts, expires)
	if err != nil {
		return fmt.Errorf("memory set %s: %w", p.Key, err)
	}
	return nil
}

// SetStatus writes a global key with default importance.
func (s *Store) SetStatus(ctx context.Context, key, value string) error {
	return s.Set(ctx, SetParams{Scope: ScopeGlobal, Key: key, Value: value})
}

// Get returns the live entry for (scope, scopeID, key).
func (s *Store) Get(ctx context.Context, scope Scope, scopeID, key string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, scope, scope_id, key, value, importance, created_at, updated_at, expires_at
		FROM memories WHERE scope = ? AND scope_id = ? AND key = ?`,
		string(scope), scopeID, key)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("memory get %s: %w", key, err)
	}
	if e.expired(s.nowFunc()) {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

// GetStatus returns a global key's value, or "" when absent.
func (s *Store) GetStatus(ctx context.Context, key string) (string, error) {
	e, err := s.Get(ctx, ScopeGlobal, "", key)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return e.Value, nil
}

// Delete removes an entry. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, scope Scope, scopeID, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM memories WHERE scope = ? AND scope_id = ? AND key = ?`,
		string(scope), scopeID, key)
	if err != nil {
		return fmt.Errorf("memory delete %s: %w", key, err)
	}
	return nil
}

// List returns live entries matching opts, most recently updated first.
func (s *Store) List(ctx context.Context, opts ListOpts) ([]Entry, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	conditions := []string{"(expires_at = '' OR expires_at > ?)"}
	args := []any{protocol.FormatTime(s.nowFunc())}
	if opts.Scope != "" {
		conditions = append(conditions, "scope = ?", "scope_id = ?")
		args = append(args, string(opts.Scope), opts.ScopeID)
	}
	if opts.Prefix != "" {
		conditions = append(conditions, "substr(key, 1, ?) = ?")
		args = append(args, len(opts.Prefix), opts.Prefix)
	}
	args = append(args, limit)

	q := fmt.Sprintf(`
		SELECT id, scope, scope_id, key, value, importance, created_at, updated_at, expires_at
		FROM memories
		WHERE %s
		ORDER BY updated_at DESC, id DESC
		LIMIT ?`, strings.Join(conditions, " AND "))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("memory list: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("memory list scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory list rows: %w", err)
	}
	return out, nil
}

// Search performs FTS5 BM25-ranked search over keys and values, weighted by
// importance. Expired entries are excluded.
func (s *Store) Search(ctx context.Context, query string, opts SearchOpts) ([]ScoredEntry, error) {
	match := sanitizeFTS5Query(query)
	if match == "" {
		return nil, nil
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	conditions := []string{"memories_fts MATCH ?", "(m.expires_at = '' OR m.expires_at > ?)"}
	args := []any{match, protocol.FormatTime(s.nowFunc())}
	if opts.Scope != "" {
		conditions = append(conditions, "m.scope = ?")
		args = append(args, string(opts.Scope))
	}
	args = append(args, limit)

	q := fmt.Sprintf(`
		SELECT m.id, m.scope, m.scope_id, m.key, m.value, m.importance,
		       m.created_at, m.updated_at, m.expires_at,
		       (-bm25(memories_fts)) * m.importance AS score
		FROM memories_fts
		JOIN memories m ON memories_fts.rowid = m.id
		WHERE %s
		ORDER BY score DESC
		LIMIT ?`, strings.Join(conditions, " AND "))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("memory search: %w", err)
	}
	defer rows.Close()

	var results []ScoredEntry
	for rows.Next() {
		var se ScoredEntry
		var scope, created, updated, expires string
		if err := rows.Scan(&se.ID, &scope, &se.ScopeID, &se.Key, &se.Value, &se.Importance,
			&created, &updated, &expires, &se.Score); err != nil {
			return nil, fmt.Errorf("memory search scan: %w", err)
		}
		se.Scope = Scope(scope)
		se.CreatedAt, se.UpdatedAt, se.ExpiresAt = parseTimes(created, updated, expires)
		results = append(results, se)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory search rows: %w", err)
	}
	return results, nil
}

// sanitizeFTS5Query wraps each term in double quotes to prevent FTS5 operator
// interpretation (e.g., "and", "or", "not" are FTS5 operators).
func sanitizeFTS5Query(query string) string {
	words := strings.Fields(query)
	quoted := make([]string, 0, len(words))
	for _, w := range words {
		clean := strings.ReplaceAll(w, `"`, "")
		if clean != "" {
			quoted = append(quoted, `"`+clean+`"`)
		}
	}
	return strings.Join(quoted, " ")
}

// Compact runs one compaction pass over every scope partition.
func (s *Store) Compact(ctx context.Context) (CompactReport, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT scope, scope_id FROM memories ORDER BY scope, scope_id`)
	if err != nil {
		return CompactReport{}, fmt.Errorf("memory compact partitions: %w", err)
	}
	type partition struct {
		scope Scope
		id    string
	}
	var parts []partition
	for rows.Next() {
		var p partition
		var scope string
		if err := rows.Scan(&scope, &p.id); err != nil {
			rows.Close()
			return CompactReport{}, fmt.Errorf("memory compact scan: %w", err)
		}
		p.scope = Scope(scope)
		parts = append(parts, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return CompactReport{}, fmt.Errorf("memory compact rows: %w", err)
	}

	var total CompactReport
	for _, p := range parts {
		r, err := s.CompactScope(ctx, p.scope, p.id)
		if err != nil {
			return total, err
		}
		total.Add(r)
	}
	return total, nil
}

// CompactScope compacts one partition inside a single transaction:
// expired entries are removed, near-duplicate values are merged into the
// lexically first key, high-signal keys are promoted, and the partition is
// pruned to its scope limit by lowest importance then oldest update.
func (s *Store) CompactScope(ctx context.Context, scope Scope, scopeID string) (CompactReport, error) {
	var report CompactReport
	now := s.nowFunc()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return report, fmt.Errorf("memory compact begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	res, err := tx.ExecContext(ctx,
		`DELETE FROM memories WHERE scope = ? AND scope_id = ? AND expires_at != '' AND expires_at <= ?`,
		string(scope), scopeID, protocol.FormatTime(now))
	if err != nil {
		return report, fmt.Errorf("memory compact expire: %w", err)
	}
	n, _ := res.RowsAffected()
	report.ExpiredRemoved = int(n)

	rows, err := tx.QueryContext(ctx, `
		SELECT id, scope, scope_id, key, value, importance, created_at, updated_at, expires_at
		FROM memories WHERE scope = ? AND scope_id = ? ORDER BY key`,
		string(scope), scopeID)
	if err != nil {
		return report, fmt.Errorf("memory compact load: %w", err)
	}
	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			rows.Close()
			return report, fmt.Errorf("memory compact scan: %w", err)
		}
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return report, fmt.Errorf("memory compact rows: %w", err)
	}

	removed := make(map[int64]bool)
	for i := range entries {
		if removed[entries[i].ID] {
			continue
		}
		for j := i + 1; j < len(entries); j++ {
			if removed[entries[j].ID] || !Similar(entries[i].Value, entries[j].Value) {
				continue
			}
			if entries[j].UpdatedAt.After(entries[i].UpdatedAt) {
				entries[i].UpdatedAt = entries[j].UpdatedAt
			}
			entries[i].Importance = max(entries[i].Importance, entries[j].Importance) + 0.2
			removed[entries[j].ID] = true
			report.Merged++
		}
	}

	var kept []Entry
	for _, e := range entries {
		if removed[e.ID] {
			if _, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, e.ID); err != nil {
				return report, fmt.Errorf("memory compact merge: %w", err)
			}
			continue
		}
		if containsAny(strings.ToLower(e.Key), promoteMarkers) {
			e.Importance += 0.3
			report.Promoted++
		}
		kept = append(kept, e)
	}
	for _, e := range kept {
		if _, err := tx.ExecContext(ctx,
			`UPDATE memories SET importance = ?, updated_at = ? WHERE id = ?`,
			e.Importance, protocol.FormatTime(e.UpdatedAt), e.ID); err != nil {
			return report, fmt.Errorf("memory compact update: %w", err)
		}
	}

	if excess := len(kept) - scope.Limit(); excess > 0 {
		sort.SliceStable(kept, func(a, b int) bool {
			if kept[a].Importance != kept[b].Importance {
				return kept[a].Importance < kept[b].Importance
			}
			return kept[a].UpdatedAt.Before(kept[b].UpdatedAt)
		})
		for _, e := range kept[:excess] {
			if _, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, e.ID); err != nil {
				return report, fmt.Errorf("memory compact prune: %w", err)
			}
		}
		report.Pruned = excess
	}

	if err := tx.Commit(); err != nil {
		return report, fmt.Errorf("memory compact commit: %w", err)
	}
	return report, nil
}

// Count returns the number of live entries per scope.
func (s *Store) Count(ctx context.Context) (map[Scope]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT scope, COUNT(*) FROM memories WHERE expires_at = '' OR expires_at > ? GROUP BY scope`,
		protocol.FormatTime(s.nowFunc()))
	if err != nil {
		return nil, fmt.Errorf("memory count: %w", err)
	}
	defer rows.Close()

	out := make(map[Scope]int)
	for rows.Next() {
		var scope string
		var n int
		if err := rows.Scan(&scope, &n); err != nil {
			return nil, fmt.Errorf("memory count scan: %w", err)
		}
		out[Scope(scope)] = n
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (Entry, error) {
	var e Entry
	var scope, created, updated, expires string
	if err := r.Scan(&e.ID, &scope, &e.ScopeID, &e.Key, &e.Value, &e.Importance, &created, &updated, &expires); err != nil {
		return Entry{}, err
	}
	e.Scope = Scope(scope)
	e.CreatedAt, e.UpdatedAt, e.ExpiresAt = parseTimes(created, updated, expires)
	return e, nil
}

func parseTimes(created, updated, expires string) (c, u, x time.Time) {
	c, _ = protocol.ParseTime(created)
	u, _ = protocol.ParseTime(updated)
	if expires != "" {
		x, _ = protocol.ParseTime(expires)
	}
	return c, u, x
}

func (e Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
