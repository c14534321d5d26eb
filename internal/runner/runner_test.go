package runner

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/stepq/internal/lock"
	"github.com/loykin/stepq/internal/manager"
	"github.com/loykin/stepq/internal/plugin"
	"github.com/loykin/stepq/internal/queue"
	"github.com/loykin/stepq/internal/queue/sqlite"
	"github.com/loykin/stepq/internal/step"
	"github.com/loykin/stepq/internal/step/builtin"
	"github.com/loykin/stepq/internal/worker"
)

const (
	childEnv = "STEPQ_RUNNER_CHILD"
	dbEnv    = "STEPQ_RUNNER_DB"
)

// TestMain lets the test binary act as the worker executable. The child
// records progress in the same sqlite file as the parent.
func TestMain(m *testing.M) {
	if os.Getenv(childEnv) == "1" {
		var progress step.ProgressRecorder
		if path := os.Getenv(dbEnv); path != "" {
			q, err := sqlite.New(path, queue.Options{})
			if err != nil {
				_, _ = os.Stderr.WriteString(err.Error())
				os.Exit(worker.ExitConfig)
			}
			defer func() { _ = q.Close() }()
			progress = q
		}
		code := worker.Serve(context.Background(), builtin.NewRegistry(), progress, os.Stdin, os.Stdout, os.Stderr)
		os.Exit(code)
	}
	os.Exit(m.Run())
}

type env struct {
	mgr    *manager.Manager
	runner *Runner
}

func setup(t *testing.T, opts Options) *env {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.db")
	q, err := sqlite.New(path, queue.Options{})
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	mgr := manager.New(q, nil)
	t.Cleanup(func() { _ = mgr.Close() })
	sp := &worker.Spawner{
		Executable: os.Args[0],
		Env:        []string{childEnv + "=1", dbEnv + "=" + path},
		Recorder:   mgr,
	}
	opts.Store = path
	return &env{mgr: mgr, runner: &Runner{Manager: mgr, Spawner: sp, Lock: lock.NewFileLock(dir), Options: opts}}
}

func (e *env) enqueue(t *testing.T, steps string) string {
	t.Helper()
	var l step.List
	if err := json.Unmarshal([]byte(steps), &l); err != nil {
		t.Fatalf("steps: %v", err)
	}
	pid, err := e.mgr.StartProcess(context.Background(), manager.Process{Steps: l, Timeout: time.Minute})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return pid
}

func TestInterruptAndResume(t *testing.T) {
	e := setup(t, Options{})
	ctx := context.Background()
	pid := e.enqueue(t, `{"A":{"type":"set","params":{"a":1}},"B":{"type":"interrupt","params":{"b":2}},"C":{"type":"set","params":{"c":3}}}`)

	sum, err := e.runner.Run(ctx)
	if err != nil || sum.Executed != 1 || sum.Interrupted != 1 {
		t.Fatalf("first run: %+v %v", sum, err)
	}
	rec, err := e.mgr.GetProcessInfo(ctx, pid)
	if err != nil || rec.State != queue.StateInterrupted || rec.LastCompletedStep != "B" {
		t.Fatalf("after interrupt: %+v %v", rec, err)
	}

	if _, err := e.mgr.Proceed(ctx, pid, json.RawMessage(`{"approved":true}`)); err != nil {
		t.Fatalf("proceed: %v", err)
	}
	sum, err = e.runner.Run(ctx)
	if err != nil || sum.Executed != 1 || sum.Failed != 0 {
		t.Fatalf("second run: %+v %v", sum, err)
	}
	rec, err = e.mgr.GetProcessInfo(ctx, pid)
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != queue.StateTerminated || rec.ExitCode == nil || *rec.ExitCode != 0 {
		t.Fatalf("final record %+v", rec)
	}
	var data map[string]any
	if err := json.Unmarshal(rec.Data, &data); err != nil {
		t.Fatalf("data %s: %v", rec.Data, err)
	}
	for _, k := range []string{"a", "b", "c", "approved"} {
		if _, ok := data[k]; !ok {
			t.Fatalf("missing %q in %s", k, rec.Data)
		}
	}
	if names := rec.Steps.Names(); len(names) != 1 || names[0] != "C" {
		t.Fatalf("remaining steps %v", names)
	}
}

func TestMaxProcesses(t *testing.T) {
	e := setup(t, Options{MaxProcesses: 2})
	for i := 0; i < 3; i++ {
		e.enqueue(t, `{"A":{"type":"set"}}`)
	}
	sum, err := e.runner.Run(context.Background())
	if err != nil || sum.Executed != 2 {
		t.Fatalf("run: %+v %v", sum, err)
	}
	ready, err := e.mgr.GetEnqueuedProcesses(context.Background())
	if err != nil || len(ready) != 1 {
		t.Fatalf("ready=%d err=%v", len(ready), err)
	}
}

type heldLock struct{}

func (heldLock) Acquire(string) (lock.Token, error) { return lock.Token{}, lock.ErrHeld }
func (heldLock) Release(lock.Token) error           { return nil }

func TestLockHeld(t *testing.T) {
	e := setup(t, Options{})
	e.runner.Lock = heldLock{}
	pid := e.enqueue(t, `{"A":{"type":"set"}}`)
	if _, err := e.runner.Run(context.Background()); !errors.Is(err, lock.ErrHeld) {
		t.Fatalf("err=%v", err)
	}
	if st, _ := e.mgr.GetProcessStatus(context.Background(), pid); st != queue.StateReady {
		t.Fatalf("process should stay ready, got %s", st)
	}
}

func TestWaitModeStopsOnCancel(t *testing.T) {
	e := setup(t, Options{Wait: true, PollInterval: 20 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	sum, err := e.runner.Run(ctx)
	if err != nil || sum.Executed != 0 {
		t.Fatalf("run: %+v %v", sum, err)
	}
}

func TestIdentityDependsOnOptions(t *testing.T) {
	a := Options{Wait: true, Store: "x"}.Identity()
	if a != (Options{Wait: true, Store: "x"}).Identity() {
		t.Fatalf("identity not stable")
	}
	if a == (Options{Wait: false, Store: "x"}).Identity() || a == (Options{Wait: true, Store: "y"}).Identity() {
		t.Fatalf("identity ignores options")
	}
}

type countingPlugin struct {
	runs     int
	finished []queue.Record
	steps    step.List
}

func (p *countingPlugin) Key() string { return "counting" }

func (p *countingPlugin) Run(ctx context.Context, host plugin.Host, _ time.Time) ([]queue.Record, error) {
	p.runs++
	pid, err := host.StartProcess(ctx, queue.Process{Steps: p.steps})
	if err != nil {
		return nil, err
	}
	rec, err := host.GetProcessInfo(ctx, pid)
	if err != nil {
		return nil, err
	}
	return []queue.Record{rec}, nil
}

func (p *countingPlugin) FinishProcess(_ context.Context, rec queue.Record) {
	p.finished = append(p.finished, rec)
}

func TestPluginsThrottledAndNotified(t *testing.T) {
	e := setup(t, Options{PluginInterval: time.Hour})
	var l step.List
	if err := json.Unmarshal([]byte(`{"A":{"type":"set","params":{"from":"plugin"}}}`), &l); err != nil {
		t.Fatal(err)
	}
	p := &countingPlugin{steps: l}
	if err := e.mgr.RegisterPlugin(p); err != nil {
		t.Fatal(err)
	}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	e.runner.now = func() time.Time { return now }

	sum, err := e.runner.Run(context.Background())
	if err != nil || sum.Executed != 1 {
		t.Fatalf("run: %+v %v", sum, err)
	}
	if p.runs != 1 || len(p.finished) != 1 || p.finished[0].State != queue.StateTerminated {
		t.Fatalf("runs=%d finished=%+v", p.runs, p.finished)
	}

	now = now.Add(time.Minute)
	if _, err := e.runner.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if p.runs != 1 {
		t.Fatalf("plugin ran again inside the interval")
	}

	now = now.Add(time.Hour)
	if _, err := e.runner.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if p.runs != 2 || len(p.finished) != 2 {
		t.Fatalf("runs=%d finished=%d", p.runs, len(p.finished))
	}
}

func TestPluginClaimedElsewhere(t *testing.T) {
	e := setup(t, Options{})
	p := &countingPlugin{}
	if err := e.mgr.RegisterPlugin(p); err != nil {
		t.Fatal(err)
	}
	if ok, err := e.mgr.ClaimPlugin(context.Background(), p, "someone-else", time.Hour); err != nil || !ok {
		t.Fatalf("claim: %v %v", ok, err)
	}
	if _, err := e.runner.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if p.runs != 0 {
		t.Fatalf("plugin ran without holding the claim")
	}
}
