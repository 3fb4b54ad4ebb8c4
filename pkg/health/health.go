package health

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"
)

// CheckType represents the type of probe
type CheckType string

const (
	CheckTypeHTTP CheckType = "http"
	CheckTypeTCP  CheckType = "tcp"
	CheckTypeExec CheckType = "exec"
	CheckTypePing CheckType = "ping"
)

// Result represents the outcome of one probe
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is implemented by every probe
type Checker interface {
	// Check runs the probe once
	Check(ctx context.Context) Result

	// Type returns the probe type
	Type() CheckType
}

// CheckerFunc adapts a function to the Checker interface
type CheckerFunc func(ctx context.Context) Result

func (f CheckerFunc) Check(ctx context.Context) Result { return f(ctx) }

func (f CheckerFunc) Type() CheckType { return CheckTypeExec }

// Parse builds a checker from a target description:
//
//	tcp://10.99.0.2:22
//	http://10.99.0.2:8080/healthz
//	ping://10.99.0.2
//	10.99.0.2        (same as ping://)
//	10.99.0.2:22     (same as tcp://)
func Parse(target string, timeout time.Duration) (Checker, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	scheme, rest, found := strings.Cut(target, "://")
	if !found {
		rest = target
		scheme = "ping"
		if _, _, err := net.SplitHostPort(target); err == nil {
			scheme = "tcp"
		}
	}
	if rest == "" {
		return nil, fmt.Errorf("empty probe target %q", target)
	}

	switch scheme {
	case "tcp":
		if _, _, err := net.SplitHostPort(rest); err != nil {
			return nil, fmt.Errorf("tcp probe target %q: %w", target, err)
		}
		return NewTCPChecker(rest).WithTimeout(timeout), nil
	case "http", "https":
		return NewHTTPChecker(target).WithTimeout(timeout), nil
	case "ping":
		if net.ParseIP(rest) == nil {
			return nil, fmt.Errorf("ping probe target %q is not an IP address", target)
		}
		return NewPingChecker(rest, timeout), nil
	default:
		return nil, fmt.Errorf("unsupported probe scheme %q", scheme)
	}
}

func failed(start time.Time, format string, args ...any) Result {
	return Result{
		Healthy:   false,
		Message:   fmt.Sprintf(format, args...),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

func succeeded(start time.Time, format string, args ...any) Result {
	return Result{
		Healthy:   true,
		Message:   fmt.Sprintf(format, args...),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}
