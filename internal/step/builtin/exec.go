package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/loykin/stepq/internal/env"
	"github.com/loykin/stepq/internal/process"
	"github.com/loykin/stepq/internal/step"
)

// execStep runs a command line. The current data is written to its stdin;
// stdout becomes the new data when it is valid JSON.
type execStep struct {
	Command string            `json:"command"`
	WorkDir string            `json:"work_dir"`
	Env     map[string]string `json:"env"`
}

func newExec(params json.RawMessage) (step.Step, error) {
	var s execStep
	if err := decode(params, &s); err != nil {
		return nil, err
	}
	if strings.TrimSpace(s.Command) == "" {
		return nil, errors.New("exec: command is required")
	}
	return s, nil
}

func (s execStep) Execute(ctx context.Context, data json.RawMessage) (json.RawMessage, error) {
	cmd := process.Command(ctx, s.Command)
	process.Isolate(cmd)
	cmd.Dir = s.WorkDir
	cmd.Env = env.New().SetAll(s.Env).Merge(nil)
	cmd.Stdin = bytes.NewReader(data)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) > 0 && json.Valid(out) {
		return out, nil
	}
	return json.Marshal(map[string]string{"stdout": stdout.String()})
}
