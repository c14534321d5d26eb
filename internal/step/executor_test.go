package step

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

type addStep struct{ n int }

func (a addStep) Execute(_ context.Context, data json.RawMessage) (json.RawMessage, error) {
	var v struct {
		Sum   int      `json:"sum"`
		Trail []string `json:"trail"`
	}
	if !IsNull(data) {
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
	}
	v.Sum += a.n
	v.Trail = append(v.Trail, strings.Repeat("+", a.n))
	return json.Marshal(v)
}

type pauseStep struct{ addStep }

func (pauseStep) Interrupts() bool { return true }

type recorder struct{ names []string }

func (r *recorder) StoreLastCompletedStep(_ context.Context, _ string, name string) error {
	r.names = append(r.names, name)
	return nil
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	must := func(err error) {
		if err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	must(reg.Register("add", func(p json.RawMessage) (Step, error) {
		var n int
		if err := json.Unmarshal(p, &n); err != nil {
			return nil, err
		}
		return addStep{n: n}, nil
	}))
	must(reg.Register("pause", func(json.RawMessage) (Step, error) { return pauseStep{addStep{n: 1}}, nil }))
	must(reg.Register("boom", func(json.RawMessage) (Step, error) {
		return Func(func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return nil, errTestCause
		}), nil
	}))
	return reg
}

var errTestCause = errors.New("disk on fire")

func list(t *testing.T, s string) List {
	t.Helper()
	var l List
	if err := json.Unmarshal([]byte(s), &l); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	return l
}

func TestExecuteIsSequentialFold(t *testing.T) {
	reg := testRegistry(t)
	steps := list(t, `{"a":{"type":"add","params":1},"b":{"type":"add","params":2},"c":{"type":"add","params":3}}`)

	rec := &recorder{}
	ex := &Executor{Factory: reg, Progress: rec}
	res, err := ex.Execute(context.Background(), "pid-1", steps, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Interrupted() {
		t.Fatalf("unexpected interrupt %q", res.Interrupt)
	}

	var folded json.RawMessage
	for _, n := range []int{1, 2, 3} {
		folded, _ = addStep{n: n}.Execute(context.Background(), folded)
	}
	if string(res.Data) != string(folded) {
		t.Fatalf("got %s want %s", res.Data, folded)
	}
	if strings.Join(rec.names, ",") != "a,b,c" {
		t.Fatalf("progress: %v", rec.names)
	}
}

func TestExecuteStopsAtInterruptingStep(t *testing.T) {
	reg := testRegistry(t)
	steps := list(t, `{"A":{"type":"add","params":2},"B":{"type":"pause"},"C":{"type":"add","params":5}}`)
	rec := &recorder{}
	res, err := (&Executor{Factory: reg, Progress: rec}).Execute(context.Background(), "p", steps, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Interrupt != "B" {
		t.Fatalf("interrupt=%q", res.Interrupt)
	}
	if !strings.Contains(string(res.Data), `"sum":3`) {
		t.Fatalf("data=%s", res.Data)
	}
	if strings.Join(rec.names, ",") != "A,B" {
		t.Fatalf("progress: %v", rec.names)
	}
}

func TestExecuteWrapsStepFailure(t *testing.T) {
	reg := testRegistry(t)
	steps := list(t, `{"first":{"type":"add","params":1},"X":{"type":"boom"},"never":{"type":"add","params":1}}`)
	rec := &recorder{}
	_, err := (&Executor{Factory: reg, Progress: rec}).Execute(context.Background(), "p", steps, nil)
	if err == nil {
		t.Fatalf("expected failure")
	}
	if !strings.Contains(err.Error(), `Step "X" failed: disk on fire`) {
		t.Fatalf("message: %v", err)
	}
	var se *StepError
	if !errors.As(err, &se) || se.Step != "X" {
		t.Fatalf("expected StepError for X, got %T", err)
	}
	if !errors.Is(err, errTestCause) {
		t.Fatalf("cause chain lost")
	}
	if strings.Join(rec.names, ",") != "first" {
		t.Fatalf("progress: %v", rec.names)
	}
}

func TestExecuteUnknownTypeIsConfigError(t *testing.T) {
	reg := testRegistry(t)
	steps := list(t, `{"ghost":{"type":"nope"}}`)
	_, err := (&Executor{Factory: reg}).Execute(context.Background(), "", steps, nil)
	var ce *ConfigError
	if !errors.As(err, &ce) || ce.Step != "ghost" {
		t.Fatalf("expected ConfigError naming ghost, got %v", err)
	}
}

func TestRunInlineRejectsInterrupting(t *testing.T) {
	reg := testRegistry(t)
	out, err := RunInline(context.Background(), reg, list(t, `{"a":{"type":"add","params":4}}`), nil)
	if err != nil || !strings.Contains(string(out), `"sum":4`) {
		t.Fatalf("inline: %s %v", out, err)
	}
	_, err = RunInline(context.Background(), reg, list(t, `{"p":{"type":"pause"}}`), nil)
	if !errors.Is(err, ErrInterruptNotSupported) {
		t.Fatalf("expected ErrInterruptNotSupported, got %v", err)
	}
}

func TestRegistryDuplicate(t *testing.T) {
	reg := testRegistry(t)
	if err := reg.Register("add", func(json.RawMessage) (Step, error) { return nil, nil }); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
	if got := strings.Join(reg.Types(), ","); got != "add,boom,pause" {
		t.Fatalf("types=%s", got)
	}
}
