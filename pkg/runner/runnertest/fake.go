// Package runnertest provides a scripted Runner for tests.
package runnertest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ebobo/uplink_failover_go/pkg/runner"
)

// Call is one recorded invocation.
type Call struct {
	Name    string
	Args    []string
	Timeout time.Duration
}

// Line renders the call the way a shell would show it.
func (c Call) Line() string {
	return runner.CommandLine(c.Name, c.Args...)
}

// Handler answers a call.
type Handler func(c Call) (runner.Result, error)

// Fake dispatches calls to handlers keyed by command-line prefix. The longest
// matching prefix wins; unmatched calls get Default, or exit status 0.
type Fake struct {
	mu       sync.Mutex
	handlers map[string]Handler
	calls    []Call

	Default Handler
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{handlers: make(map[string]Handler)}
}

// On registers h for every call whose command line starts with prefix.
func (f *Fake) On(prefix string, h Handler) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[prefix] = h
	return f
}

// Exit registers a fixed exit status for prefix.
func (f *Fake) Exit(prefix string, code int) *Fake {
	return f.On(prefix, func(Call) (runner.Result, error) {
		return runner.Result{ExitCode: code}, nil
	})
}

func (f *Fake) Run(_ context.Context, timeout time.Duration, name string, args ...string) (runner.Result, error) {
	c := Call{Name: name, Args: append([]string(nil), args...), Timeout: timeout}

	f.mu.Lock()
	f.calls = append(f.calls, c)
	line := c.Line()
	var (
		best    Handler
		bestLen = -1
	)
	for prefix, h := range f.handlers {
		if strings.HasPrefix(line, prefix) && len(prefix) > bestLen {
			best, bestLen = h, len(prefix)
		}
	}
	if best == nil {
		best = f.Default
	}
	f.mu.Unlock()

	if best == nil {
		return runner.Result{}, nil
	}
	return best(c)
}

// Calls returns every recorded call.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Lines returns the command lines of every recorded call starting with prefix.
func (f *Fake) Lines(prefix string) []string {
	var out []string
	for _, c := range f.Calls() {
		if line := c.Line(); strings.HasPrefix(line, prefix) {
			out = append(out, line)
		}
	}
	return out
}

// Reset forgets recorded calls, keeping handlers.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}
