package main

import (
	"context"
	"time"

	"vegeta/pkg/daemon"
	"vegeta/pkg/heartbeat"
	"vegeta/pkg/mailbox"
	"vegeta/pkg/memory"
	"vegeta/pkg/oplog"
	"vegeta/pkg/statedb"
)

// fetchTimeout bounds one refresh against the state database.
const fetchTimeout = 2 * time.Second

// outcomeLimit is how many recent outcomes the table shows.
const outcomeLimit = 12

// Snapshot is one refresh of everything the dashboard renders.
type Snapshot struct {
	Daemon    daemon.ProcessState `json:"daemon"`
	PID       int                 `json:"pid,omitempty"`
	Mailbox   mailbox.Stats       `json:"mailbox"`
	Heartbeat heartbeat.Status    `json:"heartbeat"`
	Outcomes  []oplog.Entry       `json:"outcomes"`
	Err       string              `json:"error,omitempty"`
	FetchedAt time.Time           `json:"fetched_at"`
}

// DataSource produces snapshots. Tests substitute a fixed one.
type DataSource interface {
	Fetch(ctx context.Context) Snapshot
}

// dbSource reads the daemon's SQLite state read-only.
type dbSource struct {
	pidPath string
	dbPath  string
}

// Fetch never fails: problems are reported in Snapshot.Err.
func (s dbSource) Fetch(ctx context.Context) Snapshot {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	snap := Snapshot{FetchedAt: time.Now()}
	state, pid, err := daemon.Status(s.pidPath)
	if err != nil {
		snap.Err = err.Error()
	}
	snap.Daemon, snap.PID = state, pid

	db, err := statedb.OpenReadOnly(ctx, s.dbPath)
	if err != nil {
		snap.Err = err.Error()
		return snap
	}
	defer db.Close()

	if snap.Mailbox, err = mailbox.New(db, mailbox.Config{}, nil).Stats(ctx); err != nil {
		snap.Err = err.Error()
	}
	if snap.Heartbeat, err = heartbeat.ReadStatus(ctx, memory.NewStore(db)); err != nil {
		snap.Err = err.Error()
	}
	if snap.Outcomes, err = oplog.New(db, nil).Query(ctx, oplog.QueryOpts{Kind: oplog.KindOutcome, Limit: outcomeLimit}); err != nil {
		snap.Err = err.Error()
	}
	return snap
}
