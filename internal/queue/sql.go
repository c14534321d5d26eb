package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/stepq/internal/step"
)

// Dialect captures the SQL differences between backends.
type Dialect struct {
	Name string
	// Numbered switches "?" placeholders to "$1, $2, ...".
	Numbered bool
	Schema   []string
	// Pluck claims one ready row. Parameters: started_at.
	Pluck string
}

const columns = `p_pid, p_state, p_exitcode, p_exitstatus, p_started, p_timeout, p_output, p_steps, p_last_completed_step, p_additional_script_args`

// SQL implements Queue on top of database/sql.
type SQL struct {
	db      *sql.DB
	dialect Dialect
	opts    Options
}

// NewSQL wraps an open database. EnsureSchema must be called before use.
func NewSQL(db *sql.DB, d Dialect, opts Options) *SQL {
	return &SQL{db: db, dialect: d, opts: opts.withDefaults()}
}

func (s *SQL) Backend() string { return s.dialect.Name }

func (s *SQL) DB() *sql.DB { return s.db }

func (s *SQL) Close() error { return s.db.Close() }

func (s *SQL) EnsureSchema(ctx context.Context) error {
	for _, q := range s.dialect.Schema {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQL) q(query string) string {
	if !s.dialect.Numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQL) now() time.Time { return s.opts.Now() }

func (s *SQL) Enqueue(ctx context.Context, steps step.List, timeout time.Duration, data json.RawMessage, args map[string]string) (string, error) {
	pid := NewPID()
	stepsJSON, err := json.Marshal(steps)
	if err != nil {
		return "", err
	}
	var argsJSON any
	if len(args) > 0 {
		b, err := json.Marshal(args)
		if err != nil {
			return "", err
		}
		argsJSON = string(b)
	}
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO processes(p_pid, p_state, p_timeout, p_started, p_output, p_steps, p_additional_script_args)
		VALUES(?, ?, ?, ?, ?, ?, ?)`),
		pid, string(StateReady), timeout.Seconds(), s.now().UnixNano(), string(rawOrNull(data)), string(stepsJSON), argsJSON)
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	return pid, nil
}

// Get loads a record. A started record past its timeout is finished with
// ExitTimeout before it is returned.
func (s *SQL) Get(ctx context.Context, pid string) (Record, error) {
	if _, err := s.GC(ctx); err != nil {
		return Record{}, err
	}
	rec, err := s.load(ctx, pid)
	if err != nil {
		return Record{}, err
	}
	if rec.TimedOut(s.now()) {
		err := s.RecordFinish(ctx, pid, ExitTimeout, StatusTimeout, nil)
		if err != nil && !errors.Is(err, ErrIllegalTransition) {
			return Record{}, err
		}
		return s.load(ctx, pid)
	}
	return rec, nil
}

func (s *SQL) load(ctx context.Context, pid string) (Record, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+columns+` FROM processes WHERE p_pid = ?`), pid)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, pid)
	}
	return rec, err
}

func (s *SQL) RecordStart(ctx context.Context, pid string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE processes SET p_state = ?, p_started = ?
		WHERE p_pid = ? AND p_state IN (?, ?)`),
		string(StateStarted), s.now().UnixNano(), pid, string(StateReady), string(StateInterrupted))
	return s.changed(ctx, res, err, pid)
}

func (s *SQL) RecordFinish(ctx context.Context, pid string, code int, status string, data json.RawMessage) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE processes SET p_state = ?, p_exitcode = ?, p_exitstatus = ?, p_output = ?
		WHERE p_pid = ? AND p_state IN (?, ?, ?)`),
		string(StateTerminated), code, status, string(rawOrNull(data)),
		pid, string(StateReady), string(StateStarted), string(StateInterrupted))
	return s.changed(ctx, res, err, pid)
}

type interruptPayload struct {
	LastStep string          `json:"lastStep"`
	Data     json.RawMessage `json:"data"`
}

func (s *SQL) RecordInterrupt(ctx context.Context, pid, lastStep string, data json.RawMessage) error {
	payload, err := json.Marshal(interruptPayload{LastStep: lastStep, Data: rawOrNull(data)})
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE processes SET p_state = ?, p_output = ?
		WHERE p_pid = ? AND p_state = ?`),
		string(StateInterrupted), string(payload), pid, string(StateStarted))
	return s.changed(ctx, res, err, pid)
}

func (s *SQL) StoreLastCompletedStep(ctx context.Context, pid, name string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE processes SET p_last_completed_step = ? WHERE p_pid = ?`), name, pid)
	return s.changed(ctx, res, err, pid)
}

// Proceed resumes an interrupted record with the steps after the
// interruption point.
func (s *SQL) Proceed(ctx context.Context, pid string, extra json.RawMessage) (string, error) {
	rec, err := s.Get(ctx, pid)
	if err != nil {
		return "", err
	}
	if rec.State != StateInterrupted {
		return "", fmt.Errorf("%w: %s is %s", ErrNotInterrupted, pid, rec.State)
	}
	var p interruptPayload
	if !step.IsNull(rec.Data) {
		if err := json.Unmarshal(rec.Data, &p); err != nil {
			return "", fmt.Errorf("%w: %v", ErrNoLastStep, err)
		}
	}
	if p.LastStep == "" {
		return "", ErrNoLastStep
	}
	remaining := RemainingSteps(rec.Steps, p.LastStep)
	// Resuming restarts the retention clock.
	now := s.now().UnixNano()
	if len(remaining) == 0 {
		res, err := s.db.ExecContext(ctx, s.q(`UPDATE processes SET p_state = ?, p_exitcode = ?, p_exitstatus = ?, p_output = ?, p_started = ?
			WHERE p_pid = ? AND p_state = ?`),
			string(StateTerminated), 0, StatusNoneLeft, string(rawOrNull(p.Data)), now, pid, string(StateInterrupted))
		if err := s.changed(ctx, res, err, pid); err != nil {
			return "", err
		}
		return pid, nil
	}
	data, err := step.Merge(p.Data, extra)
	if err != nil {
		return "", fmt.Errorf("proceed %s: %w", pid, err)
	}
	stepsJSON, err := json.Marshal(remaining)
	if err != nil {
		return "", err
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE processes SET p_state = ?, p_output = ?, p_steps = ?, p_started = ?
		WHERE p_pid = ? AND p_state = ?`),
		string(StateReady), string(data), string(stepsJSON), now, pid, string(StateInterrupted))
	if err := s.changed(ctx, res, err, pid); err != nil {
		return "", err
	}
	return pid, nil
}

func (s *SQL) Enqueued(ctx context.Context) ([]Record, error) {
	if _, err := s.GC(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+columns+` FROM processes WHERE p_state = ?`), string(StateReady))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQL) Pluck(ctx context.Context) (Record, bool, error) {
	if _, err := s.GC(ctx); err != nil {
		return Record{}, false, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, false, fmt.Errorf("pluck: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	rec, err := scanRecord(tx.QueryRowContext(ctx, s.q(s.dialect.Pluck), s.now().UnixNano()))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("pluck: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Record{}, false, fmt.Errorf("pluck: %w", err)
	}
	return rec, true, nil
}

// GC deletes records older than the retention horizon unless they are
// interrupted.
func (s *SQL) GC(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.opts.Retention).UnixNano()
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM processes WHERE p_started < ? AND p_state <> ?`),
		cutoff, string(StateInterrupted))
	if err != nil {
		return 0, fmt.Errorf("gc: %w", err)
	}
	return res.RowsAffected()
}

// ClaimPlugin gives owner the right to run the plugin key. A claim held by
// another owner can be taken over once it is older than ttl.
func (s *SQL) ClaimPlugin(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, s.q(`INSERT INTO process_plugin_claims(pc_key, pc_owner, pc_claimed) VALUES(?, ?, ?)
		ON CONFLICT(pc_key) DO UPDATE SET pc_owner = excluded.pc_owner, pc_claimed = excluded.pc_claimed
		WHERE process_plugin_claims.pc_owner = excluded.pc_owner OR process_plugin_claims.pc_claimed < ?`),
		key, owner, now.UnixNano(), now.Add(-ttl).UnixNano())
	if err != nil {
		return false, fmt.Errorf("claim plugin %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// changed turns a zero-row update into ErrNotFound or ErrIllegalTransition.
func (s *SQL) changed(ctx context.Context, res sql.Result, err error, pid string) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, s.q(`SELECT 1 FROM processes WHERE p_pid = ?`), pid).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, pid)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrIllegalTransition, pid)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (Record, error) {
	var (
		rec      Record
		state    string
		exitCode sql.NullInt64
		status   sql.NullString
		started  int64
		timeout  sql.NullFloat64
		output   sql.NullString
		steps    sql.NullString
		last     sql.NullString
		args     sql.NullString
	)
	if err := sc.Scan(&rec.PID, &state, &exitCode, &status, &started, &timeout, &output, &steps, &last, &args); err != nil {
		return Record{}, err
	}
	rec.State = State(state)
	if exitCode.Valid {
		c := int(exitCode.Int64)
		rec.ExitCode = &c
	}
	rec.ExitStatus = status.String
	rec.StartedAt = time.Unix(0, started).UTC()
	rec.Timeout = seconds(timeout.Float64)
	rec.Data = rawOrNull(json.RawMessage(output.String))
	if steps.Valid && steps.String != "" {
		if err := json.Unmarshal([]byte(steps.String), &rec.Steps); err != nil {
			return Record{}, fmt.Errorf("decode steps of %s: %w", rec.PID, err)
		}
	}
	rec.LastCompletedStep = last.String
	if args.Valid && args.String != "" {
		if err := json.Unmarshal([]byte(args.String), &rec.AdditionalArgs); err != nil {
			return Record{}, fmt.Errorf("decode args of %s: %w", rec.PID, err)
		}
	}
	return rec, nil
}

func rawOrNull(b json.RawMessage) json.RawMessage {
	if len(b) == 0 {
		return json.RawMessage("null")
	}
	return b
}
