package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"unicode/utf8"
)

// ExecResult holds the result of a command execution.
type ExecResult struct {
	Command  string   `json:"command"`
	Args     []string `json:"args"`
	ExitCode int      `json:"exit_code"`
	Stdout   string   `json:"stdout"`
	Stderr   string   `json:"stderr"`
}

// runCommand runs cmd to completion. A non-zero exit is reported in the
// result, not as an error; err is set only when the process could not run.
func runCommand(ctx context.Context, dir string, env []string, cmd string, args []string) (*ExecResult, error) {
	execCmd := exec.CommandContext(ctx, cmd, args...)
	if dir != "" {
		execCmd.Dir = dir
	}
	execCmd.Env = append(os.Environ(), env...)

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	err := execCmd.Run()

	exitCode := 0
	if err != nil {
		var exitError *exec.ExitError
		if !errors.As(err, &exitError) {
			return nil, fmt.Errorf("exec %s: %w", cmd, err)
		}
		exitCode = exitError.ExitCode()
	}

	return &ExecResult{
		Command:  cmd,
		Args:     args,
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// reasonForExit maps an exit status to a reason code the classifier knows.
func reasonForExit(code int) string {
	switch code {
	case 124:
		return "TIMEOUT"
	case 126, 127:
		return "MISSING_COMMAND"
	case 137:
		return "OOM"
	}
	return fmt.Sprintf("EXIT_%d", code)
}

// tail returns at most n trailing bytes of s, trimmed.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	cut := len(s) - n
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return s[cut:]
}
