package executor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
)

// ShellExecutor runs shell commands subject to a regex allowlist, independent
// of (and in addition to) the policy engine's own rule checks.
type ShellExecutor struct {
	shell     string
	allowlist []*regexp.Regexp
}

// NewShellExecutor builds a ShellExecutor that invokes commands via the given
// shell binary (e.g. "/bin/sh", "-c") and rejects any command not matching
// at least one allowlist pattern.
func NewShellExecutor(shell string, allowPatterns []string) (*ShellExecutor, error) {
	allow := make([]*regexp.Regexp, 0, len(allowPatterns))
	for _, p := range allowPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile allowlist pattern %q: %w", p, err)
		}
		allow = append(allow, re)
	}
	return &ShellExecutor{shell: shell, allowlist: allow}, nil
}

// Allowed reports whether command matches at least one allowlist pattern.
func (s *ShellExecutor) Allowed(command string) bool {
	for _, re := range s.allowlist {
		if re.MatchString(command) {
			return true
		}
	}
	return false
}

// Impl returns a ToolImpl dispatching the "command" argument through the
// configured shell, truncating captured output to DefaultMaxOutputSize.
func (s *ShellExecutor) Impl() ToolImpl {
	return func(ctx context.Context, args map[string]any) (string, string, int, error) {
		command, _ := args["command"].(string)
		if !s.Allowed(command) {
			return "", "", 0, fmt.Errorf("command %q is not in the shell allowlist", command)
		}

		cmd := exec.CommandContext(ctx, s.shell, "-c", command)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		runErr := cmd.Run()
		returnCode := 0
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			returnCode = exitErr.ExitCode()
			runErr = nil
		}

		out := capOutput(stdout.String(), DefaultMaxOutputSize)
		errOut := capOutput(stderr.String(), DefaultMaxOutputSize)
		if runErr != nil {
			return out, errOut, returnCode, runErr
		}
		return out, errOut, returnCode, nil
	}
}
