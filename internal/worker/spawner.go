package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"time"

	"github.com/loykin/stepq/internal/env"
	"github.com/loykin/stepq/internal/metrics"
	"github.com/loykin/stepq/internal/process"
	"github.com/loykin/stepq/internal/queue"
)

// Recorder receives the terminal state of a spawned process. The Manager
// and any queue.Queue satisfy it.
type Recorder interface {
	RecordFinish(ctx context.Context, pid string, code int, status string, data json.RawMessage) error
	RecordInterrupt(ctx context.Context, pid, lastStep string, data json.RawMessage) error
}

// Spawner runs one claimed record in a child process and records the result.
type Spawner struct {
	Executable string
	// Args are placed after the worker subcommand, before the record's
	// additional args.
	Args     []string
	Env      []string
	Recorder Recorder
	Logger   *slog.Logger
	// Log, when set, returns a sink that receives a copy of the worker's
	// stderr.
	Log func(pid string) (io.WriteCloser, error)
}

// Outcome summarises one worker run.
type Outcome struct {
	PID       string
	ExitCode  int
	Status    string
	Interrupt string
	Elapsed   time.Duration
}

func (o Outcome) Interrupted() bool { return o.Interrupt != "" }

func (s *Spawner) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// CommandLine returns the argv used to start a worker for rec.
func (s *Spawner) CommandLine(rec queue.Record) []string {
	argv := []string{s.Executable, "worker"}
	argv = append(argv, s.Args...)
	return append(argv, rec.ScriptArgs()...)
}

// Run executes rec, which must already be in the started state. The error
// is non-nil only when the outcome could not be recorded or ctx was
// cancelled before the worker finished.
func (s *Spawner) Run(ctx context.Context, rec queue.Record) (Outcome, error) {
	out := Outcome{PID: rec.PID}
	log := s.logger().With("pid", rec.PID)

	exe, err := exec.LookPath(s.Executable)
	if err != nil {
		out.ExitCode = ExitConfig
		out.Status = fmt.Sprintf("worker executable %s cannot be found", s.Executable)
		log.Error("worker executable missing", "executable", s.Executable, "error", err)
		return out, s.Recorder.RecordFinish(ctx, rec.PID, out.ExitCode, out.Status, nil)
	}

	payload, err := json.Marshal(Request{Steps: rec.Steps, Data: rec.Data, PID: rec.PID})
	if err != nil {
		return out, fmt.Errorf("encode worker input: %w", err)
	}

	timeout := rec.Timeout
	if timeout <= 0 {
		timeout = queue.DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	argv := s.CommandLine(rec)
	cmd := exec.CommandContext(runCtx, exe, argv[1:]...)
	process.Isolate(cmd)
	cmd.WaitDelay = time.Second
	cmd.Env = env.New().FromOS().Merge(s.Env)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if s.Log != nil {
		if w, err := s.Log(rec.PID); err != nil {
			log.Warn("open worker log", "error", err)
		} else {
			defer func() { _ = w.Close() }()
			cmd.Stderr = io.MultiWriter(&stderr, w)
		}
	}

	log.Debug("spawning worker", "argv", argv, "timeout", timeout)
	start := time.Now()
	runErr := cmd.Run()
	out.Elapsed = time.Since(start)

	// A cancelled parent is a shutdown, not a verdict on the process. The
	// record stays started until the lazy timeout check finishes it.
	if ctx.Err() != nil {
		return out, fmt.Errorf("worker %s: %w", rec.PID, ctx.Err())
	}

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		out.ExitCode, out.Status = ExitTimeout, queue.StatusTimeout
		err = s.finish(ctx, out, stack(stderr.String()))
		// A concurrent read may have finished the record through the lazy
		// timeout check before the worker was killed.
		if errors.Is(err, queue.ErrIllegalTransition) {
			log.Warn("process already finished by timeout check", "stack", stderr.String())
			err = nil
		}
	case runErr != nil:
		out.ExitCode, out.Status = exitCode(runErr), queue.StatusFailed
		err = s.finish(ctx, out, stack(stderr.String()))
	default:
		err = s.succeed(ctx, &out, bytes.TrimSpace(stdout.Bytes()))
	}
	metrics.ObserveWorker(metrics.Outcome(out.ExitCode, ExitTimeout), out.Elapsed.Seconds())
	log.Info("worker finished", "code", out.ExitCode, "status", out.Status, "interrupt", out.Interrupt, "elapsed", out.Elapsed)
	return out, err
}

func (s *Spawner) finish(ctx context.Context, out Outcome, data json.RawMessage) error {
	return s.Recorder.RecordFinish(ctx, out.PID, out.ExitCode, out.Status, data)
}

func (s *Spawner) succeed(ctx context.Context, out *Outcome, raw []byte) error {
	if len(raw) == 0 || !json.Valid(raw) {
		out.ExitCode, out.Status = ExitConfig, queue.StatusFailed
		return s.finish(ctx, *out, stack(fmt.Sprintf("invalid worker output: %q", raw)))
	}
	if name, data, ok := decodeInterrupt(raw); ok {
		out.Interrupt = name
		out.Status = "interrupted"
		return s.Recorder.RecordInterrupt(ctx, out.PID, name, data)
	}
	out.ExitCode, out.Status = 0, queue.StatusSuccess
	return s.finish(ctx, *out, raw)
}

// decodeInterrupt recognises the {"interrupt","data"} answer. Objects with
// other keys are final data.
func decodeInterrupt(raw []byte) (string, json.RawMessage, bool) {
	var m map[string]json.RawMessage
	if json.Unmarshal(raw, &m) != nil || len(m) != 2 {
		return "", nil, false
	}
	data, ok := m["data"]
	if !ok {
		return "", nil, false
	}
	var name string
	if json.Unmarshal(m["interrupt"], &name) != nil || name == "" {
		return "", nil, false
	}
	return name, data, true
}

func stack(s string) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"stack": s})
	return b
}

func exitCode(err error) int {
	var ee *exec.ExitError
	if errors.As(err, &ee) && ee.ExitCode() > 0 {
		return ee.ExitCode()
	}
	return ExitConfig
}
