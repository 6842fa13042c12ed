// Package runner executes external programs with a hard deadline. The
// controller, prober and route manager only see the Runner interface.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

var (
	// ErrTimeout is returned when the command outlived its deadline and was killed.
	ErrTimeout = errors.New("command timed out")
)

// Result is what a finished command left behind.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// OK reports a zero exit status.
func (r Result) OK() bool {
	return r.ExitCode == 0
}

// Runner runs name with args and waits at most timeout. A non-zero exit is
// reported through Result, not as an error; errors mean the command could
// not be started or was killed.
type Runner interface {
	Run(ctx context.Context, timeout time.Duration, name string, args ...string) (Result, error)
}

// Exec runs commands on the local host.
type Exec struct{}

func (Exec) Run(ctx context.Context, timeout time.Duration, name string, args ...string) (Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	res := Result{
		Stdout: strings.TrimSpace(stdout.String()),
		Stderr: strings.TrimSpace(stderr.String()),
	}
	if ctx.Err() != nil {
		res.ExitCode = -1
		return res, fmt.Errorf("%s: %w", name, ErrTimeout)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	if err != nil {
		res.ExitCode = -1
		return res, fmt.Errorf("%s: %w", name, err)
	}
	return res, nil
}

// CommandLine joins name and args for log lines.
func CommandLine(name string, args ...string) string {
	return strings.TrimSpace(name + " " + strings.Join(args, " "))
}
