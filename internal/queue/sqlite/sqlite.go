package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/stepq/internal/queue"
)

// Dialect is the SQLite flavour of the process table. The claim relies on
// UPDATE ... RETURNING, which SQLite executes under its database write lock.
var Dialect = queue.Dialect{
	Name: "sqlite",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS processes(
			p_pid TEXT PRIMARY KEY,
			p_state TEXT NOT NULL,
			p_exitcode INTEGER NULL,
			p_exitstatus TEXT NULL,
			p_started INTEGER NOT NULL,
			p_timeout REAL NULL,
			p_output TEXT NULL,
			p_steps TEXT NULL,
			p_last_completed_step TEXT NULL,
			p_additional_script_args TEXT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_processes_state ON processes(p_state);`,
		`CREATE INDEX IF NOT EXISTS idx_processes_started ON processes(p_started);`,
		`CREATE TABLE IF NOT EXISTS process_plugin_claims(
			pc_key TEXT PRIMARY KEY,
			pc_owner TEXT NOT NULL,
			pc_claimed INTEGER NOT NULL
		);`,
	},
	Pluck: `UPDATE processes SET p_state = 'started', p_started = ?
		WHERE p_pid = (SELECT p_pid FROM processes WHERE p_state = 'ready' ORDER BY p_started LIMIT 1)
		AND p_state = 'ready'
		RETURNING p_pid, p_state, p_exitcode, p_exitstatus, p_started, p_timeout, p_output, p_steps, p_last_completed_step, p_additional_script_args`,
}

// New opens the SQLite database at path (":memory:" for an in-memory queue)
// and creates the schema.
func New(path string, opts queue.Options) (*queue.SQL, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", dsn(p))
	if err != nil {
		return nil, err
	}
	// a single connection serialises writers and keeps :memory: databases alive
	d.SetMaxOpenConns(1)
	d.SetMaxIdleConns(1)
	if p != ":memory:" {
		_, _ = d.Exec("PRAGMA journal_mode=WAL;")
	}
	q := queue.NewSQL(d, Dialect, opts)
	if err := q.EnsureSchema(context.Background()); err != nil {
		_ = d.Close()
		return nil, err
	}
	return q, nil
}

// dsn adds a busy timeout and immediate transactions so that runners and
// worker processes sharing a database file wait for each other instead of
// failing with SQLITE_BUSY.
func dsn(path string) string {
	if path == ":memory:" || strings.Contains(path, "?") {
		return path
	}
	return path + "?_pragma=busy_timeout(5000)&_txlock=immediate"
}
