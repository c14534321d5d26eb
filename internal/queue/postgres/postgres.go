package postgres

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/stepq/internal/queue"
)

// Dialect is the Postgres flavour of the process table. Concurrent runners
// skip rows locked by another claim instead of waiting on them.
var Dialect = queue.Dialect{
	Name:     "postgres",
	Numbered: true,
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS processes(
			p_pid TEXT PRIMARY KEY,
			p_state TEXT NOT NULL,
			p_exitcode INTEGER NULL,
			p_exitstatus TEXT NULL,
			p_started BIGINT NOT NULL,
			p_timeout DOUBLE PRECISION NULL,
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
			pc_claimed BIGINT NOT NULL
		);`,
	},
	Pluck: `UPDATE processes SET p_state = 'started', p_started = ?
		WHERE p_pid = (
			SELECT p_pid FROM processes WHERE p_state = 'ready'
			ORDER BY p_started LIMIT 1
			FOR UPDATE SKIP LOCKED
		) AND p_state = 'ready'
		RETURNING p_pid, p_state, p_exitcode, p_exitstatus, p_started, p_timeout, p_output, p_steps, p_last_completed_step, p_additional_script_args`,
}

// New connects to Postgres with the pgx driver and creates the schema.
func New(dsn string, opts queue.Options) (*queue.SQL, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	d.SetConnMaxIdleTime(5 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	q := queue.NewSQL(d, Dialect, opts)
	if err := q.EnsureSchema(ctx); err != nil {
		_ = d.Close()
		return nil, err
	}
	return q, nil
}
