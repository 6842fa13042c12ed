// Package probe checks reachability of a host through a given interface.
package probe

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ebobo/uplink_failover_go/pkg/model"
	"github.com/ebobo/uplink_failover_go/pkg/runner"
)

var (
	// ErrUnknownInterface is returned for an interface the host does not have.
	ErrUnknownInterface = errors.New("unknown interface")

	// ErrInvalidProbe is returned for a probe that cannot be issued at all.
	ErrInvalidProbe = errors.New("invalid probe")
)

// InterfaceLookup resolves an interface name, failing if it does not exist.
type InterfaceLookup func(name string) error

// LookupSystemInterface checks the interface against the host's link table.
func LookupSystemInterface(name string) error {
	_, err := net.InterfaceByName(name)
	return err
}

// Prober pings a host through an interface using the system ping binary.
type Prober struct {
	runner runner.Runner
	lookup InterfaceLookup
	log    logrus.FieldLogger
	now    func() time.Time
}

// New creates a Prober. A nil lookup checks the host's interfaces.
func New(r runner.Runner, lookup InterfaceLookup, log logrus.FieldLogger) *Prober {
	if lookup == nil {
		lookup = LookupSystemInterface
	}
	return &Prober{runner: r, lookup: lookup, log: log, now: time.Now}
}

// Probe returns true as soon as one of attempts pings succeeds. Each attempt
// is killed once perAttempt elapses, so Probe returns within
// attempts*perAttempt. A host that does not answer is a false result, not an
// error.
func (p *Prober) Probe(ctx context.Context, host, iface string, attempts int, perAttempt time.Duration) (bool, error) {
	res, err := p.ProbeResult(ctx, host, iface, attempts, perAttempt)
	return res.Reachable, err
}

// ProbeResult is Probe with the measurement attached.
func (p *Prober) ProbeResult(ctx context.Context, host, iface string, attempts int, perAttempt time.Duration) (model.UplinkProbeResult, error) {
	res := model.UplinkProbeResult{Interface: iface, TargetHost: host}
	if host == "" || attempts <= 0 || perAttempt <= 0 {
		return res, fmt.Errorf("%w: host=%q attempts=%d timeout=%s", ErrInvalidProbe, host, attempts, perAttempt)
	}
	if err := p.lookup(iface); err != nil {
		return res, fmt.Errorf("%w %q: %v", ErrUnknownInterface, iface, err)
	}

	wait := strconv.Itoa(int(math.Max(1, math.Ceil(perAttempt.Seconds()))))
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			break
		}
		out, err := p.runner.Run(ctx, perAttempt, "ping", "-I", iface, "-c", "1", "-W", wait, host)
		if err == nil && out.OK() {
			res.Reachable = true
			break
		}
		p.log.WithFields(logrus.Fields{
			"host":    host,
			"iface":   iface,
			"attempt": i + 1,
			"exit":    out.ExitCode,
		}).Debug("ping attempt failed")
	}
	res.MeasuredAt = p.now().UTC()
	return res, nil
}
