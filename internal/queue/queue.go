// Package queue holds the durable process records and their state machine.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/stepq/internal/step"
)

// State of a process record.
type State string

const (
	StateReady       State = "ready"
	StateStarted     State = "started"
	StateInterrupted State = "interrupted"
	StateTerminated  State = "terminated"
)

const (
	// ExitTimeout is reserved for processes that exceeded their timeout.
	ExitTimeout   = 152
	StatusTimeout = "Execution time too long"

	StatusSuccess  = "success"
	StatusFailed   = "failed"
	StatusNoneLeft = "no steps left after proceeding"

	DefaultRetention = 24 * time.Hour
)

var (
	ErrNotFound          = errors.New("process not found")
	ErrNotInterrupted    = errors.New("process was not previously interrupted")
	ErrNoLastStep        = errors.New("no last step information available")
	ErrIllegalTransition = errors.New("illegal state transition")
)

// Record is the persistent unit of the queue.
type Record struct {
	PID               string
	State             State
	Steps             step.List
	Data              json.RawMessage
	StartedAt         time.Time
	Timeout           time.Duration
	ExitCode          *int
	ExitStatus        string
	LastCompletedStep string
	AdditionalArgs    map[string]string
}

type recordJSON struct {
	PID               string            `json:"pid"`
	State             State             `json:"state"`
	StartedAt         time.Time         `json:"started"`
	Timeout           float64           `json:"timeout"`
	ExitCode          *int              `json:"exit_code"`
	ExitStatus        string            `json:"exit_status"`
	Data              json.RawMessage   `json:"output"`
	Steps             step.List         `json:"steps"`
	LastCompletedStep string            `json:"last_completed_step,omitempty"`
	AdditionalArgs    map[string]string `json:"additional_args,omitempty"`
}

func (r Record) MarshalJSON() ([]byte, error) {
	data := r.Data
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	steps := r.Steps
	if steps == nil {
		steps = step.List{}
	}
	return json.Marshal(recordJSON{
		PID: r.PID, State: r.State, StartedAt: r.StartedAt, Timeout: r.Timeout.Seconds(),
		ExitCode: r.ExitCode, ExitStatus: r.ExitStatus, Data: data, Steps: steps,
		LastCompletedStep: r.LastCompletedStep, AdditionalArgs: r.AdditionalArgs,
	})
}

func (r *Record) UnmarshalJSON(b []byte) error {
	var w recordJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*r = Record{
		PID: w.PID, State: w.State, StartedAt: w.StartedAt, Timeout: seconds(w.Timeout),
		ExitCode: w.ExitCode, ExitStatus: w.ExitStatus, Data: w.Data, Steps: w.Steps,
		LastCompletedStep: w.LastCompletedStep, AdditionalArgs: w.AdditionalArgs,
	}
	return nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// TimedOut reports whether a started record ran past its timeout at now.
func (r Record) TimedOut(now time.Time) bool {
	return r.State == StateStarted && r.Timeout > 0 && now.After(r.StartedAt.Add(r.Timeout))
}

// Step progress values.
const (
	StepCompleted = "completed"
	StepPending   = "pending"
)

// StepProgress maps every step name to completed or pending relative to
// LastCompletedStep. Without a last completed step everything is pending.
func (r Record) StepProgress() map[string]string {
	out := make(map[string]string, len(r.Steps))
	reached := r.LastCompletedStep == ""
	for _, e := range r.Steps {
		switch {
		case reached:
			out[e.Name] = StepPending
		case e.Name == r.LastCompletedStep:
			out[e.Name] = StepCompleted
			reached = true
		default:
			out[e.Name] = StepCompleted
		}
	}
	return out
}

// ScriptArgs renders AdditionalArgs as "--key value" pairs ordered by key.
func (r Record) ScriptArgs() []string {
	keys := make([]string, 0, len(r.AdditionalArgs))
	for k := range r.AdditionalArgs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		out = append(out, "--"+strings.TrimLeft(k, "-"), r.AdditionalArgs[k])
	}
	return out
}

// RemainingSteps returns the steps strictly after lastStep.
func RemainingSteps(steps step.List, lastStep string) step.List {
	return steps.After(lastStep)
}

// NewPID returns a fresh opaque process id.
func NewPID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Process is a request to enqueue a new record.
type Process struct {
	Steps          step.List         `json:"steps"`
	Timeout        time.Duration     `json:"-"`
	Data           json.RawMessage   `json:"data,omitempty"`
	AdditionalArgs map[string]string `json:"additional_args,omitempty"`
}

// DefaultTimeout applies when a Process has no timeout.
const DefaultTimeout = 60 * time.Second

// Queue is the durable store of process records.
type Queue interface {
	Enqueue(ctx context.Context, steps step.List, timeout time.Duration, data json.RawMessage, args map[string]string) (string, error)
	Get(ctx context.Context, pid string) (Record, error)
	RecordStart(ctx context.Context, pid string) error
	RecordFinish(ctx context.Context, pid string, code int, status string, data json.RawMessage) error
	RecordInterrupt(ctx context.Context, pid, lastStep string, data json.RawMessage) error
	StoreLastCompletedStep(ctx context.Context, pid, name string) error
	Proceed(ctx context.Context, pid string, extra json.RawMessage) (string, error)
	Enqueued(ctx context.Context) ([]Record, error)
	// Pluck atomically claims one ready record, moving it to started.
	Pluck(ctx context.Context) (Record, bool, error)
	GC(ctx context.Context) (int64, error)
	ClaimPlugin(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Backend() string
	Close() error
}

// Options tune a Queue implementation.
type Options struct {
	Retention time.Duration
	Now       func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Retention <= 0 {
		o.Retention = DefaultRetention
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}
