package oplog

import (
	"context"

	"vegeta/pkg/statedb"
)

// Reader provides read-only access to the operational log of a state
// database owned by a running daemon.
type Reader struct {
	*Log
}

// NewReader opens dbPath read-only. Returns an error if the database doesn't
// exist or cannot be opened.
func NewReader(ctx context.Context, dbPath string) (*Reader, error) {
	db, err := statedb.OpenReadOnly(ctx, dbPath)
	if err != nil {
		return nil, err
	}
	return &Reader{Log: New(db, nil)}, nil
}

// Close releases the database connection.
// Safe to call multiple times.
func (r *Reader) Close() error {
	if r.Log == nil || r.db == nil {
		return nil
	}
	err := r.db.Close()
	r.db = nil
	return err
}
