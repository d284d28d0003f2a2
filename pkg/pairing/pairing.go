// Package pairing tracks sender approval requests for transports running in
// approval mode.
package pairing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"vegeta/pkg/protocol"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no request matches a code.
var ErrNotFound = errors.New("pairing: request not found")

// Request statuses.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
)

// codeAlphabet omits characters that are easy to misread (0/O, 1/I/L).
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// CodeLength is the number of characters in a pairing code.
const CodeLength = 6

// Request is one sender approval request.
type Request struct {
	Code        string
	Channel     string
	SenderID    string
	SenderName  string
	Status      string
	RequestedAt time.Time
	DecidedAt   time.Time
}

// Store manages the pairing_requests table.
type Store struct {
	db *sql.DB
	// nowFunc and newCode allow tests to control time and codes.
	nowFunc func() time.Time
	newCode func() string
}

// NewStore creates a Store on db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, nowFunc: time.Now, newCode: NewCode}
}

// NewCode returns a random pairing code.
func NewCode() string {
	id := uuid.New()
	var b strings.Builder
	for i := range CodeLength {
		b.WriteByte(codeAlphabet[int(id[i])%len(codeAlphabet)])
	}
	return b.String()
}

// IsApproved reports whether the sender has an approved request.
func (s *Store) IsApproved(ctx context.Context, channel, senderID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pairing_requests WHERE channel = ? AND sender_id = ? AND status = ?`,
		channel, senderID, StatusApproved).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("pairing lookup: %w", err)
	}
	return n > 0, nil
}

// RequestFor returns the sender's pending request, creating one when none
// exists. created reports whether a new code was issued.
func (s *Store) RequestFor(ctx context.Context, origin protocol.Origin) (req Request, created bool, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT code, channel, sender_id, sender_name, status, requested_at, decided_at
		FROM pairing_requests
		WHERE channel = ? AND sender_id = ? AND status = ?
		ORDER BY requested_at DESC LIMIT 1`,
		origin.Channel, origin.SenderID, StatusPending)
	req, err = scanRequest(row)
	if err == nil {
		return req, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Request{}, false, fmt.Errorf("pairing lookup: %w", err)
	}

	req = Request{
		Code:        s.newCode(),
		Channel:     origin.Channel,
		SenderID:    origin.SenderID,
		SenderName:  origin.SenderName,
		Status:      StatusPending,
		RequestedAt: s.nowFunc().UTC(),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pairing_requests (code, channel, sender_id, sender_name, status, requested_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		req.Code, req.Channel, req.SenderID, req.SenderName, req.Status, protocol.FormatTime(req.RequestedAt))
	if err != nil {
		return Request{}, false, fmt.Errorf("pairing create: %w", err)
	}
	return req, true, nil
}

// Approve marks the pending request with code as approved.
func (s *Store) Approve(ctx context.Context, code string) (Request, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	row := s.db.QueryRowContext(ctx, `
		UPDATE pairing_requests SET status = ?, decided_at = ?
		WHERE code = ? AND status = ?
		RETURNING code, channel, sender_id, sender_name, status, requested_at, decided_at`,
		StatusApproved, protocol.FormatTime(s.nowFunc()), code, StatusPending)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Request{}, fmt.Errorf("approve %s: %w", code, ErrNotFound)
	}
	if err != nil {
		return Request{}, fmt.Errorf("approve %s: %w", code, err)
	}
	return req, nil
}

// List returns requests with the given status ("" for all), newest first.
func (s *Store) List(ctx context.Context, status string) ([]Request, error) {
	q := `SELECT code, channel, sender_id, sender_name, status, requested_at, decided_at FROM pairing_requests`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY requested_at DESC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("pairing list: %w", err)
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("pairing list scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PruneStale deletes pending requests older than ttl and returns how many
// were removed.
func (s *Store) PruneStale(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := protocol.FormatTime(s.nowFunc().Add(-ttl))
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM pairing_requests WHERE status = ? AND requested_at < ?`,
		StatusPending, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pairing prune: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(r rowScanner) (Request, error) {
	var req Request
	var requested, decided string
	if err := r.Scan(&req.Code, &req.Channel, &req.SenderID, &req.SenderName, &req.Status, &requested, &decided); err != nil {
		return Request{}, err
	}
	req.RequestedAt, _ = protocol.ParseTime(requested)
	if decided != "" {
		req.DecidedAt, _ = protocol.ParseTime(decided)
	}
	return req, nil
}
