package history

// schema contains the journal tables. Each statement is idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS transitions (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    connection_id TEXT    NOT NULL DEFAULT '',
    state         INTEGER NOT NULL,
    error_code    INTEGER NOT NULL DEFAULT 0,
    at_ms         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transitions_at
    ON transitions (at_ms);
CREATE INDEX IF NOT EXISTS idx_transitions_connection
    ON transitions (connection_id, at_ms);
`
