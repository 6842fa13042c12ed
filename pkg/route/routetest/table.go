// Package routetest simulates the ip tool's view of the IPv4 routing table.
package routetest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ebobo/uplink_failover_go/pkg/runner"
)

// Route is one entry of the simulated table.
type Route struct {
	Dest   string
	Via    string
	Dev    string
	Metric int
}

func (r Route) String() string {
	var b strings.Builder
	b.WriteString(r.Dest)
	if r.Via != "" {
		b.WriteString(" via " + r.Via)
	}
	b.WriteString(" dev " + r.Dev)
	if r.Metric > 0 {
		b.WriteString(" metric " + strconv.Itoa(r.Metric))
	}
	return b.String()
}

// Table implements runner.Runner for "ip -4 route" and "ip link set".
// Anything else falls through to Next, if set.
type Table struct {
	mu     sync.Mutex
	devs   map[string]bool // name -> link up
	routes []Route

	// FailNext makes the next mutation matching the prefix fail with exit 1.
	FailNext string

	Next runner.Runner
}

// New creates a table with the given devices, all up.
func New(devs ...string) *Table {
	t := &Table{devs: make(map[string]bool)}
	for _, d := range devs {
		t.devs[d] = true
	}
	return t
}

// Add inserts a route.
func (t *Table) Add(r Route) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes = append(t.routes, r)
}

// Routes returns a sorted copy of the table.
func (t *Table) Routes() []Route {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := append([]Route(nil), t.routes...)
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Defaults returns the default routes only.
func (t *Table) Defaults() []Route {
	var out []Route
	for _, r := range t.Routes() {
		if r.Dest == "default" {
			out = append(out, r)
		}
	}
	return out
}

// LinkUp reports the simulated link state of dev.
func (t *Table) LinkUp(dev string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.devs[dev]
}

func (t *Table) Run(ctx context.Context, timeout time.Duration, name string, args ...string) (runner.Result, error) {
	if name != "ip" {
		if t.Next != nil {
			return t.Next.Run(ctx, timeout, name, args...)
		}
		return runner.Result{}, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	line := strings.Join(args, " ")
	if t.FailNext != "" && strings.HasPrefix(line, t.FailNext) {
		t.FailNext = ""
		return runner.Result{ExitCode: 2, Stderr: "RTNETLINK answers: Operation not permitted"}, nil
	}

	switch {
	case strings.HasPrefix(line, "-4 route show dev "):
		return t.show(args[4]), nil
	case strings.HasPrefix(line, "-4 route del default dev "):
		return t.del(args[5]), nil
	case strings.HasPrefix(line, "-4 route replace default via "):
		return t.replace(args), nil
	case strings.HasPrefix(line, "link set "):
		return t.link(args[2], args[3]), nil
	}
	return runner.Result{ExitCode: 1, Stderr: "unsupported: ip " + line}, nil
}

func (t *Table) noDevice(dev string) runner.Result {
	return runner.Result{ExitCode: 1, Stderr: fmt.Sprintf("Cannot find device %q", dev)}
}

func (t *Table) show(dev string) runner.Result {
	if _, ok := t.devs[dev]; !ok {
		return t.noDevice(dev)
	}
	var lines []string
	for _, r := range t.routes {
		if r.Dev != dev {
			continue
		}
		line := r.Dest
		if r.Via != "" {
			line += " via " + r.Via
		}
		if r.Metric > 0 {
			line += " metric " + strconv.Itoa(r.Metric)
		}
		lines = append(lines, line)
	}
	return runner.Result{Stdout: strings.Join(lines, "\n")}
}

func (t *Table) del(dev string) runner.Result {
	if _, ok := t.devs[dev]; !ok {
		return t.noDevice(dev)
	}
	for i, r := range t.routes {
		if r.Dest == "default" && r.Dev == dev {
			t.routes = append(t.routes[:i], t.routes[i+1:]...)
			return runner.Result{}
		}
	}
	return runner.Result{ExitCode: 2, Stderr: "RTNETLINK answers: No such process"}
}

// replace handles "-4 route replace default via G dev D metric M".
func (t *Table) replace(args []string) runner.Result {
	if len(args) != 10 {
		return runner.Result{ExitCode: 1, Stderr: "bad replace"}
	}
	gw, dev := args[5], args[7]
	metric, err := strconv.Atoi(args[9])
	if err != nil {
		return runner.Result{ExitCode: 1, Stderr: "bad metric"}
	}
	if _, ok := t.devs[dev]; !ok {
		return t.noDevice(dev)
	}
	kept := t.routes[:0]
	for _, r := range t.routes {
		if r.Dest == "default" && r.Metric == metric {
			continue
		}
		kept = append(kept, r)
	}
	t.routes = append(kept, Route{Dest: "default", Via: gw, Dev: dev, Metric: metric})
	return runner.Result{}
}

func (t *Table) link(dev, state string) runner.Result {
	if _, ok := t.devs[dev]; !ok {
		return t.noDevice(dev)
	}
	t.devs[dev] = state == "up"
	return runner.Result{}
}
