package queue

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/loykin/stepq/internal/step"
)

func TestStepProgress(t *testing.T) {
	rec := Record{Steps: step.List{{Name: "a"}, {Name: "b"}, {Name: "c"}}}
	p := rec.StepProgress()
	if p["a"] != StepPending || p["b"] != StepPending || p["c"] != StepPending {
		t.Fatalf("all pending expected: %v", p)
	}
	rec.LastCompletedStep = "b"
	p = rec.StepProgress()
	if p["a"] != StepCompleted || p["b"] != StepCompleted || p["c"] != StepPending {
		t.Fatalf("unexpected progress: %v", p)
	}
}

func TestScriptArgs(t *testing.T) {
	rec := Record{AdditionalArgs: map[string]string{"zone": "eu", "--tenant": "acme"}}
	if got := strings.Join(rec.ScriptArgs(), " "); got != "--tenant acme --zone eu" {
		t.Fatalf("args=%q", got)
	}
}

func TestRecordJSONUsesSecondsForTimeout(t *testing.T) {
	code := 3
	rec := Record{PID: "p", State: StateTerminated, Timeout: 1500 * time.Millisecond, ExitCode: &code}
	b, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(b), `"timeout":1.5`) || !strings.Contains(string(b), `"output":null`) {
		t.Fatalf("encoded: %s", b)
	}
	var back Record
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Timeout != rec.Timeout || *back.ExitCode != 3 {
		t.Fatalf("decoded: %+v", back)
	}
}

func TestTimedOut(t *testing.T) {
	now := time.Now()
	rec := Record{State: StateStarted, StartedAt: now.Add(-2 * time.Second), Timeout: time.Second}
	if !rec.TimedOut(now) {
		t.Fatalf("expected timeout")
	}
	rec.State = StateInterrupted
	if rec.TimedOut(now) {
		t.Fatalf("only started records time out")
	}
}
