package process

import (
	"context"
	"os/exec"
	"strings"
)

const shellMeta = "|&;<>*?`$\"'(){}[]~"

// Command builds an *exec.Cmd for a command line. A shell is only used when
// the line needs one; an explicit "sh -c ..." prefix is honoured without
// wrapping it in a second shell.
func Command(ctx context.Context, line string) *exec.Cmd {
	line = strings.TrimSpace(line)
	if line == "" {
		// #nosec G204
		return exec.CommandContext(ctx, trueCommand[0], trueCommand[1:]...)
	}
	if script, ok := explicitShell(line); ok {
		// #nosec G204
		return exec.CommandContext(ctx, shellBinary, shellFlag, script)
	}
	if strings.ContainsAny(line, shellMeta) {
		// #nosec G204
		return exec.CommandContext(ctx, shellBinary, shellFlag, line)
	}
	parts := strings.Fields(line)
	// #nosec G204
	return exec.CommandContext(ctx, parts[0], parts[1:]...)
}

// explicitShell returns the script following a leading "sh -c". One pair of
// surrounding quotes is stripped so the shell parses the script itself.
func explicitShell(line string) (string, bool) {
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(line, p) {
			continue
		}
		after := line[len(p):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return after, true
	}
	return "", false
}
