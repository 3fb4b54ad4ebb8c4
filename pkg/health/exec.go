package health

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"time"
)

// ExecChecker succeeds when Command exits 0
type ExecChecker struct {
	Command []string
	Timeout time.Duration

	kind CheckType
}

// NewExecChecker creates an exec checker with a 10 second timeout
func NewExecChecker(command []string) *ExecChecker {
	return &ExecChecker{
		Command: command,
		Timeout: 10 * time.Second,
		kind:    CheckTypeExec,
	}
}

// NewPingChecker sends a single ICMP echo to ip through the system ping
func NewPingChecker(ip string, timeout time.Duration) *ExecChecker {
	wait := int(timeout.Seconds())
	if wait < 1 {
		wait = 1
	}
	c := NewExecChecker([]string{"ping", "-c", "1", "-W", strconv.Itoa(wait), ip})
	c.Timeout = timeout + time.Second
	c.kind = CheckTypePing
	return c
}

// Check runs the command once
func (e *ExecChecker) Check(ctx context.Context) Result {
	start := time.Now()

	if len(e.Command) == 0 {
		return failed(start, "no command specified")
	}

	execCtx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, e.Command[0], e.Command[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	message := fmt.Sprintf("Command: %v", e.Command)
	if err := cmd.Run(); err != nil {
		message = fmt.Sprintf("%s, Error: %v", message, err)
		if stderr.Len() > 0 {
			message = fmt.Sprintf("%s, Stderr: %s", message, truncate(stderr.String()))
		}
		return failed(start, "%s", message)
	}

	if stdout.Len() > 0 {
		message = fmt.Sprintf("%s, Output: %s", message, truncate(stdout.String()))
	}
	return succeeded(start, "%s", message)
}

// Type returns CheckTypeExec, or CheckTypePing for ping checkers
func (e *ExecChecker) Type() CheckType {
	if e.kind == "" {
		return CheckTypeExec
	}
	return e.kind
}

// WithTimeout sets the execution timeout
func (e *ExecChecker) WithTimeout(timeout time.Duration) *ExecChecker {
	e.Timeout = timeout
	return e
}

func truncate(s string) string {
	if len(s) > 100 {
		return s[:100] + "..."
	}
	return s
}
