package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loykin/stepq/pkg/client"
)

const childEnv = "STEPQ_CLI_CHILD"

// TestMain lets the test binary act as the stepq executable when it is
// spawned as a worker.
func TestMain(m *testing.M) {
	if os.Getenv(childEnv) == "1" {
		main()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := `
[store]
dsn = "sqlite://` + filepath.ToSlash(filepath.Join(dir, "stepq.db")) + `"

[worker]
env = ["` + childEnv + `=1"]

[runner]
lock_dir = "` + filepath.ToSlash(dir) + `"

[log]
level = "error"
`
	path := filepath.Join(dir, "stepq.toml")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeSteps(t *testing.T, s string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "steps.json")
	if err := os.WriteFile(path, []byte(s), 0o644); err != nil {
		t.Fatalf("write steps: %v", err)
	}
	return path
}

func status(t *testing.T, cfg, pid string) client.ProcessInfo {
	t.Helper()
	out, err := execute(t, "--config", cfg, "status", pid)
	if err != nil {
		t.Fatalf("status: %v (%s)", err, out)
	}
	var info client.ProcessInfo
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("decode status %q: %v", out, err)
	}
	return info
}

func TestEnqueueRunProceed(t *testing.T) {
	cfg := writeConfig(t)
	steps := writeSteps(t, `{"A":{"type":"set","params":{"a":1}},"B":{"type":"interrupt"},"C":{"type":"set","params":{"c":3}}}`)

	out, err := execute(t, "--config", cfg, "enqueue", "--steps", steps, "--data", `{"start":true}`, "--arg", "tenant=acme")
	if err != nil {
		t.Fatalf("enqueue: %v (%s)", err, out)
	}
	pid := strings.TrimSpace(out)
	if len(pid) != 32 {
		t.Fatalf("unexpected pid %q", pid)
	}

	out, err = execute(t, "--config", cfg, "list")
	if err != nil || !strings.Contains(out, pid) {
		t.Fatalf("list: %v %s", err, out)
	}

	if out, err = execute(t, "--config", cfg, "proceed", pid); err == nil {
		t.Fatalf("proceed on a ready process should fail: %s", out)
	}

	if out, err = execute(t, "--config", cfg, "run"); err != nil {
		t.Fatalf("run: %v (%s)", err, out)
	}
	if !strings.Contains(out, "executed 1 process(es): 1 interrupted") {
		t.Fatalf("run output %q", out)
	}
	info := status(t, cfg, pid)
	if info.Process.State != "interrupted" || info.Progress["B"] != "completed" || info.Progress["C"] != "pending" {
		t.Fatalf("after first run: %+v", info)
	}

	if out, err = execute(t, "--config", cfg, "proceed", pid, "--data", `{"ok":1}`); err != nil {
		t.Fatalf("proceed: %v (%s)", err, out)
	}
	if _, err = execute(t, "--config", cfg, "run", "--max-processes", "1"); err != nil {
		t.Fatalf("second run: %v", err)
	}
	info = status(t, cfg, pid)
	if info.Process.State != "terminated" || info.Process.ExitCode == nil || *info.Process.ExitCode != 0 {
		t.Fatalf("after second run: %+v", info.Process)
	}
	var data map[string]any
	if err := json.Unmarshal(info.Process.Data, &data); err != nil {
		t.Fatalf("data: %v", err)
	}
	for _, k := range []string{"start", "a", "ok", "c"} {
		if _, ok := data[k]; !ok {
			t.Fatalf("missing %q in %s", k, info.Process.Data)
		}
	}
}

func TestEnqueueValidation(t *testing.T) {
	cfg := writeConfig(t)
	steps := writeSteps(t, `{"A":{"type":"set"}}`)
	cases := [][]string{
		{"enqueue"},
		{"enqueue", "--steps", filepath.Join(t.TempDir(), "missing.json")},
		{"enqueue", "--steps", writeSteps(t, `[]`)},
		{"enqueue", "--steps", steps, "--data", "{oops"},
		{"enqueue", "--steps", steps, "--arg", "novalue"},
		{"enqueue", "--steps", steps, "--timeout", "-1"},
	}
	for _, args := range cases {
		if out, err := execute(t, append([]string{"--config", cfg}, args...)...); err == nil {
			t.Fatalf("%v should fail: %s", args, out)
		}
	}
}

func TestStatusUnknown(t *testing.T) {
	cfg := writeConfig(t)
	if _, err := execute(t, "--config", cfg, "status", "nope"); err == nil {
		t.Fatalf("expected not found")
	}
}

func TestWorkerBadConfig(t *testing.T) {
	var code int
	exit = func(c int) { code = c }
	defer func() { exit = os.Exit }()
	_, _ = execute(t, "worker", "--config", filepath.Join(t.TempDir(), "missing.toml"))
	if code != 1 {
		t.Fatalf("exit code %d", code)
	}
}

func TestParseKV(t *testing.T) {
	m, err := parseKV([]string{"a=1", "b=x=y"})
	if err != nil || m["a"] != "1" || m["b"] != "x=y" {
		t.Fatalf("parseKV: %v %v", m, err)
	}
	if m, err := parseKV(nil); err != nil || m != nil {
		t.Fatalf("empty: %v %v", m, err)
	}
}
