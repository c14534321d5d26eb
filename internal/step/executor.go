package step

import (
	"context"
	"encoding/json"
	"log/slog"
)

// ProgressRecorder persists the name of the last step that completed.
type ProgressRecorder interface {
	StoreLastCompletedStep(ctx context.Context, pid, name string) error
}

// Result is what a run produced. Interrupt names the interrupting step when
// the run stopped early; otherwise it is empty and Data is the final value.
type Result struct {
	Interrupt string          `json:"interrupt,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// Interrupted reports whether the run stopped at an interrupting step.
func (r Result) Interrupted() bool { return r.Interrupt != "" }

// Executor runs an ordered list of steps against an accumulating value.
type Executor struct {
	Factory  Factory
	Progress ProgressRecorder // optional
	Logger   *slog.Logger
}

func (e *Executor) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// Execute runs steps in order starting from data. Progress is recorded after
// each successful step when both a recorder and a pid are present.
func (e *Executor) Execute(ctx context.Context, pid string, steps List, data json.RawMessage) (Result, error) {
	data = normalize(data)
	for _, entry := range steps {
		s, err := e.Factory.New(entry.Spec)
		if err != nil {
			return Result{}, &ConfigError{Step: entry.Name, Cause: err}
		}
		if err := ctx.Err(); err != nil {
			return Result{}, &StepError{Step: entry.Name, Cause: err}
		}
		out, err := s.Execute(ctx, data)
		if err != nil {
			return Result{}, &StepError{Step: entry.Name, Cause: err}
		}
		data = normalize(out)
		if e.Progress != nil && pid != "" {
			if err := e.Progress.StoreLastCompletedStep(ctx, pid, entry.Name); err != nil {
				e.logger().Warn("store last completed step", "pid", pid, "step", entry.Name, "error", err)
			}
		}
		if interrupts(s) {
			e.logger().Debug("process interrupted", "pid", pid, "step", entry.Name)
			return Result{Interrupt: entry.Name, Data: data}, nil
		}
	}
	return Result{Data: data}, nil
}

// RunInline executes steps in the calling process without progress
// tracking. Interrupting steps are rejected.
func RunInline(ctx context.Context, f Factory, steps List, data json.RawMessage) (json.RawMessage, error) {
	data = normalize(data)
	for _, entry := range steps {
		s, err := f.New(entry.Spec)
		if err != nil {
			return nil, &ConfigError{Step: entry.Name, Cause: err}
		}
		if interrupts(s) {
			return nil, &StepError{Step: entry.Name, Cause: ErrInterruptNotSupported}
		}
		out, err := s.Execute(ctx, data)
		if err != nil {
			return nil, &StepError{Step: entry.Name, Cause: err}
		}
		data = normalize(out)
	}
	return data, nil
}

func normalize(b json.RawMessage) json.RawMessage {
	if len(b) == 0 {
		return json.RawMessage("null")
	}
	return b
}
