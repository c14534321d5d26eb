package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/loykin/stepq"
)

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func readSteps(path string) (stepq.Steps, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var steps stepq.Steps
	if err := json.Unmarshal(b, &steps); err != nil {
		return nil, fmt.Errorf("steps file %s: %w", path, err)
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("steps file %s: no steps", path)
	}
	return steps, nil
}

// jsonArg validates a JSON flag value; empty means absent.
func jsonArg(name, s string) (json.RawMessage, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if !json.Valid([]byte(s)) {
		return nil, fmt.Errorf("--%s is not valid JSON", name)
	}
	return json.RawMessage(s), nil
}

// parseKV turns key=value entries into a map.
func parseKV(kvs []string) (map[string]string, error) {
	if len(kvs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid argument %q, expected key=value", kv)
		}
		out[k] = v
	}
	return out, nil
}
