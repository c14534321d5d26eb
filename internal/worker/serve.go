// Package worker runs a process's steps in a child OS process.
//
// The parent (Spawner) writes a Request as JSON to the child's stdin. The
// child (Serve) answers on stdout with either the final data or an
// {"interrupt","data"} object and exits 0; on failure it writes a
// diagnostic to stderr and exits non-zero.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/loykin/stepq/internal/queue"
	"github.com/loykin/stepq/internal/step"
)

const (
	ExitConfig  = 1
	ExitTimeout = queue.ExitTimeout
)

// Request is the worker stdin contract.
type Request struct {
	Steps step.List       `json:"steps"`
	Data  json.RawMessage `json:"data"`
	PID   string          `json:"pid"`
}

// Serve reads one Request from stdin, executes it and writes the answer to
// stdout. It returns the exit code for the worker process.
func Serve(ctx context.Context, f step.Factory, progress step.ProgressRecorder, stdin io.Reader, stdout, stderr io.Writer) int {
	var req Request
	if err := json.NewDecoder(stdin).Decode(&req); err != nil {
		_, _ = fmt.Fprintf(stderr, "invalid worker input: %v\n", err)
		return ExitConfig
	}
	ex := &step.Executor{Factory: f, Progress: progress}
	res, err := ex.Execute(ctx, req.PID, req.Steps, req.Data)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err.Error())
		return ExitConfig
	}
	var out any = res.Data
	if res.Interrupted() {
		out = res
	}
	if err := json.NewEncoder(stdout).Encode(out); err != nil {
		_, _ = fmt.Fprintf(stderr, "write worker output: %v\n", err)
		return ExitConfig
	}
	return 0
}

// ParseArgs collects "--key value" and "--key=value" pairs. A flag followed
// by another flag, or by nothing, gets an empty value.
func ParseArgs(args []string) map[string]string {
	out := make(map[string]string)
	for i := 0; i < len(args); i++ {
		a := args[i]
		if !strings.HasPrefix(a, "--") || len(a) == 2 {
			continue
		}
		key := a[2:]
		if k, v, ok := strings.Cut(key, "="); ok {
			out[k] = v
			continue
		}
		if i+1 < len(args) && !strings.HasPrefix(args[i+1], "--") {
			out[key] = args[i+1]
			i++
			continue
		}
		out[key] = ""
	}
	return out
}

var nonIdent = regexp.MustCompile(`[^A-Z0-9_]`)

// ArgEnvName is the environment variable an additional arg is exported as.
func ArgEnvName(key string) string {
	return "STEPQ_ARG_" + nonIdent.ReplaceAllString(strings.ToUpper(key), "_")
}

// ExportArgs exposes args to the steps of this worker (and to commands run
// by exec steps) as STEPQ_ARG_<KEY> environment variables.
func ExportArgs(args map[string]string) error {
	for k, v := range args {
		if err := os.Setenv(ArgEnvName(k), v); err != nil {
			return err
		}
	}
	return nil
}
