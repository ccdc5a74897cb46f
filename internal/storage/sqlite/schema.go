package sqlite

// schema is the complete database schema, applied idempotently on open.
const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id            TEXT PRIMARY KEY,
    task_id       TEXT NOT NULL,
    description   TEXT NOT NULL DEFAULT '',
    state         TEXT NOT NULL,
    backward_hops INTEGER NOT NULL DEFAULT 0,
    created_at    TIMESTAMP NOT NULL,
    updated_at    TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS artifacts (
    id         TEXT PRIMARY KEY,
    run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    kind       TEXT NOT NULL,
    revision   INTEGER NOT NULL DEFAULT 1,
    payload    TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_artifacts_run ON artifacts(run_id, kind, revision);

CREATE TABLE IF NOT EXISTS run_events (
    id         TEXT PRIMARY KEY,
    run_id     TEXT NOT NULL,
    type       TEXT NOT NULL,
    stage      TEXT NOT NULL DEFAULT '',
    severity   TEXT NOT NULL,
    message    TEXT NOT NULL,
    data       TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_run_events_run ON run_events(run_id, created_at);
`
