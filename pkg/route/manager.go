// Package route switches the default route between the two uplinks.
package route

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ebobo/uplink_failover_go/pkg/runner"
)

const (
	defaultCommandTimeout = 5 * time.Second
	maxDeletes            = 8
)

var (
	// ErrNoSecondaryGateway means the secondary interface has no route with a
	// gateway, i.e. the cellular link is not actually up.
	ErrNoSecondaryGateway = errors.New("secondary interface has no gateway route")

	// ErrRouteMutation wraps a failed ip invocation.
	ErrRouteMutation = errors.New("route mutation failed")
)

// absentMarkers are ip errors meaning the route or device is already gone.
var absentMarkers = []string{"No such process", "Cannot find device", "No such device"}

// Manager applies default-route changes with the ip tool. Every operation
// is idempotent.
type Manager struct {
	runner  runner.Runner
	log     logrus.FieldLogger
	metric  int
	timeout time.Duration
}

// New creates a Manager installing default routes with the given metric.
func New(r runner.Runner, log logrus.FieldLogger, metric int) *Manager {
	return &Manager{runner: r, log: log, metric: metric, timeout: defaultCommandTimeout}
}

// SetMetric changes the metric used for routes installed from now on.
func (m *Manager) SetMetric(metric int) {
	m.metric = metric
}

// MakePrimaryActive removes the secondary default route, then installs the
// default route via gateway on primaryIf.
func (m *Manager) MakePrimaryActive(ctx context.Context, gateway, primaryIf, secondaryIf string) error {
	if net.ParseIP(gateway).To4() == nil {
		return fmt.Errorf("%w: invalid gateway %q", ErrRouteMutation, gateway)
	}
	if secondaryIf != "" {
		if err := m.deleteDefaults(ctx, secondaryIf); err != nil {
			return err
		}
	}
	return m.replaceDefault(ctx, gateway, primaryIf)
}

// MakeSecondaryActive discovers the gateway of secondaryIf, removes the
// primary default route, then installs the default route via that gateway.
func (m *Manager) MakeSecondaryActive(ctx context.Context, secondaryIf, primaryIf string) error {
	gateway, err := m.DiscoverGateway(ctx, secondaryIf)
	if err != nil {
		return err
	}
	if primaryIf != "" {
		if err := m.deleteDefaults(ctx, primaryIf); err != nil {
			return err
		}
	}
	return m.replaceDefault(ctx, gateway, secondaryIf)
}

// DiscoverGateway reads the gateway of iface from its current routes. A
// default route wins over any other gatewayed route.
func (m *Manager) DiscoverGateway(ctx context.Context, iface string) (string, error) {
	res, err := m.ip(ctx, "-4", "route", "show", "dev", iface)
	if err != nil {
		return "", err
	}
	if !res.OK() {
		return "", fmt.Errorf("%w: %s: %s", ErrNoSecondaryGateway, iface, res.Stderr)
	}

	var fallback string
	for _, line := range strings.Split(res.Stdout, "\n") {
		fields := strings.Fields(line)
		gw := viaOf(fields)
		if gw == "" {
			continue
		}
		if fields[0] == "default" {
			return gw, nil
		}
		if fallback == "" {
			fallback = gw
		}
	}
	if fallback == "" {
		return "", fmt.Errorf("%w: %s", ErrNoSecondaryGateway, iface)
	}
	return fallback, nil
}

// SetLink brings iface up or down.
func (m *Manager) SetLink(ctx context.Context, iface string, up bool) error {
	state := "down"
	if up {
		state = "up"
	}
	res, err := m.ip(ctx, "link", "set", iface, state)
	if err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("%w: ip link set %s %s: %s", ErrRouteMutation, iface, state, res.Stderr)
	}
	return nil
}

func (m *Manager) deleteDefaults(ctx context.Context, iface string) error {
	for i := 0; i < maxDeletes; i++ {
		res, err := m.ip(ctx, "-4", "route", "del", "default", "dev", iface)
		if err != nil {
			return err
		}
		if res.OK() {
			m.log.WithField("iface", iface).Info("removed default route")
			continue
		}
		if isAbsent(res.Stderr) {
			return nil
		}
		return fmt.Errorf("%w: ip route del default dev %s: %s", ErrRouteMutation, iface, res.Stderr)
	}
	return fmt.Errorf("%w: %s still has default routes after %d deletions", ErrRouteMutation, iface, maxDeletes)
}

func (m *Manager) replaceDefault(ctx context.Context, gateway, iface string) error {
	res, err := m.ip(ctx, "-4", "route", "replace", "default", "via", gateway, "dev", iface, "metric", strconv.Itoa(m.metric))
	if err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("%w: ip route replace default via %s dev %s: %s", ErrRouteMutation, gateway, iface, res.Stderr)
	}
	m.log.WithFields(logrus.Fields{"gateway": gateway, "iface": iface}).Info("installed default route")
	return nil
}

func (m *Manager) ip(ctx context.Context, args ...string) (runner.Result, error) {
	res, err := m.runner.Run(ctx, m.timeout, "ip", args...)
	if err != nil {
		return res, fmt.Errorf("%w: %s: %v", ErrRouteMutation, runner.CommandLine("ip", args...), err)
	}
	return res, nil
}

func viaOf(fields []string) string {
	for i := 0; i+1 < len(fields); i++ {
		if fields[i] == "via" && net.ParseIP(fields[i+1]).To4() != nil {
			return fields[i+1]
		}
	}
	return ""
}

func isAbsent(stderr string) bool {
	for _, marker := range absentMarkers {
		if strings.Contains(stderr, marker) {
			return true
		}
	}
	return false
}
