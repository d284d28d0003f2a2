package protocol

// SchemaDDL defines the SQLite schema for the vegeta state database.
// Tables: work_items, quarantine, handoffs, aggregates, events, decisions,
// outcomes, memories, memories_fts (FTS5), pairing_requests.
// Execute against a SQLite database with: db.Exec(SchemaDDL)
const SchemaDDL = `
-- Mailbox: one row per WorkItem. state is the single source of truth.
CREATE TABLE IF NOT EXISTS work_items (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    payload TEXT NOT NULL,
    intent TEXT NOT NULL DEFAULT '',
    explicit_owner TEXT NOT NULL DEFAULT '',
    priority TEXT NOT NULL DEFAULT 'medium',
    priority_rank INTEGER NOT NULL DEFAULT 1,
    deadline TEXT NOT NULL DEFAULT '',
    origin TEXT NOT NULL DEFAULT '{}',
    root_id TEXT NOT NULL DEFAULT '',
    parent_id TEXT NOT NULL DEFAULT '',
    chain_depth INTEGER NOT NULL DEFAULT 0,
    state TEXT NOT NULL DEFAULT 'pending',
    attempts INTEGER NOT NULL DEFAULT 0,
    max_attempts INTEGER NOT NULL DEFAULT 3,
    available_at TEXT NOT NULL,
    claimed_by TEXT NOT NULL DEFAULT '',
    claimed_at TEXT NOT NULL DEFAULT '',
    failure_reason TEXT NOT NULL DEFAULT '',
    last_error TEXT NOT NULL DEFAULT '',
    result TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_work_items_claim ON work_items(state, available_at, priority_rank, seq);
CREATE INDEX IF NOT EXISTS idx_work_items_parent ON work_items(parent_id);

-- Malformed work items moved aside by the mailbox, never deleted.
CREATE TABLE IF NOT EXISTS quarantine (
    id INTEGER PRIMARY KEY,
    item_id TEXT NOT NULL,
    raw TEXT NOT NULL,
    reason TEXT NOT NULL,
    created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);

-- Delegation hand-offs: one row per child WorkItem created from a directive.
CREATE TABLE IF NOT EXISTS handoffs (
    id INTEGER PRIMARY KEY,
    parent_id TEXT NOT NULL,
    root_id TEXT NOT NULL DEFAULT '',
    child_id TEXT NOT NULL UNIQUE,
    source_agent TEXT NOT NULL,
    target TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    result TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    resolved_at TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_handoffs_parent ON handoffs(parent_id, status);
CREATE INDEX IF NOT EXISTS idx_handoffs_root ON handoffs(root_id, target, status);

-- Fan-in results, one per parent once every hand-off resolved or timed out.
CREATE TABLE IF NOT EXISTS aggregates (
    parent_id TEXT PRIMARY KEY,
    partial INTEGER NOT NULL DEFAULT 0,
    combined TEXT NOT NULL,
    created_at TEXT NOT NULL
);

-- Operational log: events, routing decisions, execution outcomes.
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY,
    ts TEXT NOT NULL,
    session_id TEXT NOT NULL DEFAULT '',
    agent_id TEXT NOT NULL DEFAULT '',
    event_type TEXT NOT NULL,
    detail TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS decisions (
    id INTEGER PRIMARY KEY,
    ts TEXT NOT NULL,
    session_id TEXT NOT NULL DEFAULT '',
    agent_id TEXT NOT NULL DEFAULT '',
    intent TEXT NOT NULL DEFAULT '',
    owner TEXT NOT NULL DEFAULT '',
    priority TEXT NOT NULL DEFAULT '',
    deadline TEXT NOT NULL DEFAULT '',
    reason TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS outcomes (
    id INTEGER PRIMARY KEY,
    ts TEXT NOT NULL,
    session_id TEXT NOT NULL DEFAULT '',
    agent_id TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    error_code TEXT NOT NULL DEFAULT '',
    summary TEXT NOT NULL DEFAULT '',
    attempts INTEGER NOT NULL DEFAULT 0,
    duration_ms INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_events_agent ON events(agent_id, ts);
CREATE INDEX IF NOT EXISTS idx_outcomes_agent ON outcomes(agent_id, ts);

-- Working memory: scoped key/value entries with optional expiry.
CREATE TABLE IF NOT EXISTS memories (
    id INTEGER PRIMARY KEY,
    scope TEXT NOT NULL DEFAULT 'global',
    scope_id TEXT NOT NULL DEFAULT '',
    key TEXT NOT NULL,
    value TEXT NOT NULL,
    importance REAL NOT NULL DEFAULT 1.0,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    expires_at TEXT NOT NULL DEFAULT '',
    UNIQUE(scope, scope_id, key)
);

-- FTS5 full-text index over memories for BM25-ranked search
CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
    key,
    value,
    content=memories,
    content_rowid=id
);

-- Triggers to keep FTS index in sync with memories table
CREATE TRIGGER IF NOT EXISTS memories_ai AFTER INSERT ON memories BEGIN
    INSERT INTO memories_fts(rowid, key, value) VALUES (new.id, new.key, new.value);
END;

CREATE TRIGGER IF NOT EXISTS memories_ad AFTER DELETE ON memories BEGIN
    INSERT INTO memories_fts(memories_fts, rowid, key, value) VALUES ('delete', old.id, old.key, old.value);
END;

CREATE TRIGGER IF NOT EXISTS memories_au AFTER UPDATE ON memories BEGIN
    INSERT INTO memories_fts(memories_fts, rowid, key, value) VALUES ('delete', old.id, old.key, old.value);
    INSERT INTO memories_fts(rowid, key, value) VALUES (new.id, new.key, new.value);
END;

-- Sender approval requests for the inbox transport.
CREATE TABLE IF NOT EXISTS pairing_requests (
    code TEXT PRIMARY KEY,
    channel TEXT NOT NULL DEFAULT '',
    sender_id TEXT NOT NULL,
    sender_name TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'pending',
    requested_at TEXT NOT NULL,
    decided_at TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_pairing_sender ON pairing_requests(sender_id, status);
`

// TimeLayout is the timestamp format stored in every TEXT time column.
// It sorts lexically in time order.
const TimeLayout = "2006-01-02T15:04:05.000000Z07:00"
