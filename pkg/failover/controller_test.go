package failover

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ebobo/uplink_failover_go/pkg/config"
	"github.com/ebobo/uplink_failover_go/pkg/model"
	"github.com/ebobo/uplink_failover_go/pkg/notify"
	"github.com/ebobo/uplink_failover_go/pkg/probe"
	"github.com/ebobo/uplink_failover_go/pkg/route"
	"github.com/ebobo/uplink_failover_go/pkg/route/routetest"
	"github.com/ebobo/uplink_failover_go/pkg/runner"
	"github.com/ebobo/uplink_failover_go/pkg/runner/runnertest"
)

const (
	gw         = "192.168.0.254"
	cellGw     = "10.64.64.64"
	linkScript = "/usr/local/sbin/connect_4g.sh"
)

// network decides which pings answer.
type network struct {
	mu        sync.Mutex
	gateway   bool
	internet  bool
	secondary bool
}

func (n *network) set(gateway, internet, secondary bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.gateway, n.internet, n.secondary = gateway, internet, secondary
}

func (n *network) primary(ok bool) { n.set(ok, ok, n.secondaryUp()) }

func (n *network) secondaryUp() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.secondary
}

func (n *network) answers(iface, host string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch iface {
	case "eth0":
		if host == gw {
			return n.gateway
		}
		return n.gateway && n.internet
	case "wwan0":
		return n.secondary
	}
	return false
}

type memHistory struct {
	mu      sync.Mutex
	samples []model.HistorySample
}

func (h *memHistory) AppendSample(_ context.Context, s model.HistorySample, capacity int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.samples = append(h.samples, s)
	if len(h.samples) > capacity {
		h.samples = h.samples[len(h.samples)-capacity:]
	}
	return nil
}

func (h *memHistory) indicators() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]int, len(h.samples))
	for i, s := range h.samples {
		out[i] = s.Indicator
	}
	return out
}

type memQueue struct {
	mu       sync.Mutex
	requests []model.NotificationRequest
}

func (q *memQueue) Submit(req model.NotificationRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.requests = append(q.requests, req)
}

func (q *memQueue) kinds() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []string
	for _, r := range q.requests {
		out = append(out, r.Kind)
	}
	return out
}

type memSender struct {
	requests []model.NotificationRequest
}

func (s *memSender) Notify(_ context.Context, req model.NotificationRequest) ([]model.RecipientResult, error) {
	s.requests = append(s.requests, req)
	results := make([]model.RecipientResult, len(req.Recipients))
	for i, r := range req.Recipients {
		results[i] = model.RecipientResult{Recipient: r, Sent: true}
	}
	return results, nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type harness struct {
	ctrl    *Controller
	net     *network
	table   *routetest.Table
	fake    *runnertest.Fake
	history *memHistory
	queue   *memQueue
	sender  *memSender
	clock   *clock
	hook    *logtest.Hook
	script  int
}

func testConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.Recipients = []string{"+33600000001"}
	cfg.QuiesceInterfaces = []string{"wlan0"}
	cfg.LinkUpCommand = []string{linkScript}
	return cfg
}

// standardTable has the primary default route installed and a carrier
// route on the cellular interface to discover its gateway from.
func standardTable() *routetest.Table {
	table := routetest.New("eth0", "wwan0", "wlan0")
	table.Add(routetest.Route{Dest: "192.168.0.0/24", Dev: "eth0"})
	table.Add(routetest.Route{Dest: "10.0.0.0/8", Via: cellGw, Dev: "wwan0"})
	table.Add(routetest.Route{Dest: "default", Via: gw, Dev: "eth0", Metric: 100})
	return table
}

func newHarness(t *testing.T, cfg config.Config) *harness {
	return newHarnessWithTable(t, cfg, standardTable())
}

func newHarnessWithTable(t *testing.T, cfg config.Config, table *routetest.Table) *harness {
	t.Helper()
	logger, hook := logtest.NewNullLogger()
	h := &harness{
		net:     &network{},
		table:   table,
		fake:    runnertest.New(),
		history: &memHistory{},
		queue:   &memQueue{},
		sender:  &memSender{},
		clock:   &clock{t: time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC)},
		hook:    hook,
	}
	h.table.Next = h.fake

	h.fake.On("ping", func(c runnertest.Call) (runner.Result, error) {
		if h.net.answers(c.Args[1], c.Args[len(c.Args)-1]) {
			return runner.Result{}, nil
		}
		return runner.Result{ExitCode: 1}, nil
	})
	h.fake.On(linkScript, func(runnertest.Call) (runner.Result, error) {
		h.script++
		return runner.Result{}, nil
	})

	h.ctrl = New(Deps{
		Config:  config.Static(cfg),
		Prober:  probe.New(h.table, func(string) error { return nil }, logger),
		Routes:  route.New(h.table, logger, cfg.RouteMetric),
		History: h.history,
		Queue:   h.queue,
		Sender:  h.sender,
		LinkUp:  NewScriptActivator(h.table, logger),
	}, logger)
	h.ctrl.now = h.clock.now
	return h
}

// tick advances the clock by one interval and runs a tick.
func (h *harness) tick() model.FailoverState {
	h.clock.advance(time.Minute)
	return h.ctrl.Tick(context.Background())
}

func (h *harness) assertRoutesMatch(t *testing.T, active model.Uplink) {
	t.Helper()
	var onMetric []routetest.Route
	for _, r := range h.table.Defaults() {
		if r.Metric == 100 {
			onMetric = append(onMetric, r)
		}
	}
	switch active {
	case model.UplinkPrimary:
		assert.Equal(t, []routetest.Route{{Dest: "default", Via: gw, Dev: "eth0", Metric: 100}}, onMetric)
	case model.UplinkSecondary:
		assert.Equal(t, []routetest.Route{{Dest: "default", Via: cellGw, Dev: "wwan0", Metric: 100}}, onMetric)
	}
}

func TestStartupWithPrimaryReachable(t *testing.T) {
	h := newHarness(t, testConfig())
	h.net.set(true, true, true)

	state := h.ctrl.Tick(context.Background())
	assert.Equal(t, model.UplinkPrimary, state.ActiveUplink)
	assert.True(t, state.Initialized)
	assert.Equal(t, []int{1}, h.history.indicators())
	assert.Empty(t, h.queue.kinds())
	assert.Equal(t, 0, h.script)
	h.assertRoutesMatch(t, model.UplinkPrimary)
	// secondary is not probed when primary answers
	assert.Empty(t, h.fake.Lines("ping -I wwan0"))

	// steady state: nothing more happens
	h.tick()
	assert.Equal(t, []int{1}, h.history.indicators())
	assert.Empty(t, h.queue.kinds())
	assert.Equal(t, model.UplinkPrimary, h.ctrl.Snapshot().ActiveUplink)
}

func TestPrimaryGatewayCheckedBeforeTargetHost(t *testing.T) {
	h := newHarness(t, testConfig())
	h.net.set(false, true, true)
	h.ctrl.Tick(context.Background())

	assert.Equal(t, []string{"ping -I eth0 -c 1 -W 1 " + gw}, h.fake.Lines("ping -I eth0"))
}

func TestFailoverAfterConsecutiveFailures(t *testing.T) {
	cfg := testConfig()
	cfg.FailureThreshold = 3
	h := newHarness(t, cfg)
	h.net.set(true, true, true)
	h.ctrl.Tick(context.Background())

	h.net.primary(false)
	for i := 1; i < 3; i++ {
		state := h.tick()
		assert.Equal(t, model.UplinkPrimary, state.ActiveUplink, "tick %d", i)
		assert.Equal(t, i, state.ConsecutiveFailureCount)
	}

	state := h.tick()
	assert.Equal(t, model.UplinkSecondary, state.ActiveUplink)
	assert.Equal(t, model.UplinkPrimary, state.PreviousUplink)
	assert.Equal(t, h.clock.t, state.LastTransitionAt)

	h.tick()
	h.tick()
	assert.Equal(t, []string{notify.KindFailoverEngaged}, h.queue.kinds())
	assert.Equal(t, []int{1, 0}, h.history.indicators())
	h.assertRoutesMatch(t, model.UplinkSecondary)
	assert.False(t, h.table.LinkUp("wlan0"))
	assert.Equal(t, 0, h.script)
}

func TestPrimaryRestored(t *testing.T) {
	h := newHarness(t, testConfig())
	h.net.set(false, false, true)
	h.ctrl.Tick(context.Background())
	require.Equal(t, model.UplinkSecondary, h.ctrl.Snapshot().ActiveUplink)

	h.net.primary(true)
	state := h.tick()
	assert.Equal(t, model.UplinkPrimary, state.ActiveUplink)
	assert.Equal(t, 0, state.ConsecutiveFailureCount)
	assert.Equal(t, []string{notify.KindFailoverEngaged, notify.KindRestored}, h.queue.kinds())
	assert.Equal(t, []int{0, 1}, h.history.indicators())
	assert.True(t, h.table.LinkUp("wlan0"))
	h.assertRoutesMatch(t, model.UplinkPrimary)
	for _, r := range h.table.Defaults() {
		assert.NotEqual(t, "wwan0", r.Dev)
	}
}

func TestBringUpRespectsBackoffButPassiveProbeTransitions(t *testing.T) {
	h := newHarness(t, testConfig())
	h.net.set(false, false, false)

	state := h.ctrl.Tick(context.Background())
	assert.Equal(t, model.UplinkNone, state.ActiveUplink)
	assert.Equal(t, 1, h.script)
	assert.Equal(t, h.clock.t, state.LastSecondaryAttemptAt)

	// 60s later: still inside the 90s backoff
	h.tick()
	assert.Equal(t, 1, h.script)

	// secondary comes back by itself 80s after the attempt
	h.clock.advance(-40 * time.Second)
	h.net.set(false, false, true)
	state = h.tick()
	assert.Equal(t, model.UplinkSecondary, state.ActiveUplink)
	assert.Equal(t, 1, h.script)

	// both lost again, backoff long elapsed
	h.net.set(false, false, false)
	state = h.tick()
	assert.Equal(t, model.UplinkNone, state.ActiveUplink)
	assert.Equal(t, 2, h.script)

	assert.Equal(t, []string{
		notify.KindNoConnectivity,
		notify.KindFailoverEngaged,
		notify.KindSecondaryLost + "," + notify.KindNoConnectivity,
	}, h.queue.kinds())
	assert.Equal(t, []int{0, 0, 0}, h.history.indicators())
}

func TestNoConnectivityNotifiedOnce(t *testing.T) {
	h := newHarness(t, testConfig())
	h.net.set(true, true, false)
	h.ctrl.Tick(context.Background())

	h.net.set(false, false, false)
	for i := 0; i < 4; i++ {
		h.tick()
	}
	assert.Equal(t, []string{notify.KindNoConnectivity}, h.queue.kinds())
	assert.Equal(t, []int{1, 0}, h.history.indicators())
	// ticks at +60s (attempt), +120s (backoff), +180s (attempt), +240s (backoff)
	assert.Equal(t, 2, h.script)
}

func TestRouteFailureRetriedNextTick(t *testing.T) {
	h := newHarness(t, testConfig())
	h.net.set(true, true, true)
	h.ctrl.Tick(context.Background())

	h.net.primary(false)
	h.table.FailNext = "-4 route replace default via " + cellGw
	state := h.tick()
	assert.Equal(t, model.UplinkPrimary, state.ActiveUplink)
	assert.Empty(t, h.queue.kinds())

	state = h.tick()
	assert.Equal(t, model.UplinkSecondary, state.ActiveUplink)
	h.assertRoutesMatch(t, model.UplinkSecondary)
	assert.Equal(t, []string{notify.KindFailoverEngaged}, h.queue.kinds())

	found := false
	for _, e := range h.hook.AllEntries() {
		if e.Message == "route mutation failed, retrying next tick" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestSecondaryWithoutGatewayIsTreatedAsDown(t *testing.T) {
	table := routetest.New("eth0", "wwan0")
	table.Add(routetest.Route{Dest: "default", Via: gw, Dev: "eth0", Metric: 100})
	h := newHarnessWithTable(t, testConfig(), table)
	h.net.set(true, true, true)
	h.ctrl.Tick(context.Background())

	// wwan0 answers pings but carries no route to take a gateway from
	h.net.primary(false)
	state := h.tick()
	assert.Equal(t, model.UplinkNone, state.ActiveUplink)
	assert.Equal(t, []string{notify.KindNoConnectivity}, h.queue.kinds())
	assert.Equal(t, 1, h.script, "bring-up must run to recover the cellular session")
	assert.Equal(t, []int{1, 0}, h.history.indicators())
	// the primary route was not torn down for nothing
	assert.Equal(t, []routetest.Route{{Dest: "default", Via: gw, Dev: "eth0", Metric: 100}}, table.Defaults())

	// still no gateway: no new notification, bring-up waits for the backoff
	state = h.tick()
	assert.Equal(t, model.UplinkNone, state.ActiveUplink)
	assert.Equal(t, []string{notify.KindNoConnectivity}, h.queue.kinds())
	assert.Equal(t, 1, h.script)

	// the bring-up installed the carrier route
	table.Add(routetest.Route{Dest: "10.0.0.0/8", Via: cellGw, Dev: "wwan0"})
	state = h.tick()
	assert.Equal(t, model.UplinkSecondary, state.ActiveUplink)
	h.assertRoutesMatch(t, model.UplinkSecondary)
}

func TestRepeatedRouteFailuresEscalateToNone(t *testing.T) {
	h := newHarness(t, testConfig())
	h.net.set(true, true, true)
	h.ctrl.Tick(context.Background())

	h.net.primary(false)
	for i := 1; i < routeFailureLimit; i++ {
		h.table.FailNext = "-4 route replace default via " + cellGw
		state := h.tick()
		require.Equal(t, model.UplinkPrimary, state.ActiveUplink, "tick %d", i)
	}
	assert.Empty(t, h.queue.kinds())

	h.table.FailNext = "-4 route replace default via " + cellGw
	state := h.tick()
	assert.Equal(t, model.UplinkNone, state.ActiveUplink)
	assert.Equal(t, []string{notify.KindNoConnectivity}, h.queue.kinds())
	assert.Equal(t, 1, h.script)

	found := false
	for _, e := range h.hook.AllEntries() {
		if e.Message == "secondary uplink unusable" {
			found = true
			assert.Equal(t, routeFailureLimit, e.Data["route_failures"])
		}
	}
	assert.True(t, found)

	// once the route goes in, the secondary takes over
	state = h.tick()
	assert.Equal(t, model.UplinkSecondary, state.ActiveUplink)
	h.assertRoutesMatch(t, model.UplinkSecondary)
	assert.Equal(t, []string{notify.KindNoConnectivity, notify.KindFailoverEngaged}, h.queue.kinds())
}

func TestLinkUpFailureIsRetriedAfterBackoff(t *testing.T) {
	h := newHarness(t, testConfig())
	h.fake.On(linkScript, func(runnertest.Call) (runner.Result, error) {
		h.script++
		return runner.Result{ExitCode: 3, Stderr: "qmicli: no SIM"}, nil
	})
	h.net.set(false, false, false)
	h.ctrl.Tick(context.Background())
	assert.Equal(t, 1, h.script)
	assert.Equal(t, h.clock.t, h.ctrl.Snapshot().LastSecondaryAttemptAt)

	h.tick()
	assert.Equal(t, 1, h.script)
	h.tick()
	assert.Equal(t, 2, h.script)

	calls := h.fake.Lines(linkScript)
	require.NotEmpty(t, calls)
	for _, c := range h.fake.Calls() {
		if c.Name == linkScript {
			assert.Equal(t, 120*time.Second, c.Timeout)
		}
	}
}

func TestStartupNotificationWhenEnabled(t *testing.T) {
	cfg := testConfig()
	cfg.NotifyOnStartup = true
	h := newHarness(t, cfg)
	h.net.set(true, true, true)
	h.ctrl.Tick(context.Background())

	require.Len(t, h.queue.requests, 1)
	req := h.queue.requests[0]
	assert.Equal(t, notify.KindStartup, req.Kind)
	assert.Contains(t, req.Text, "PRIMARY")
	assert.Equal(t, []string{"+33600000001"}, req.Recipients)
}

func TestNotificationSkippedWithoutRecipients(t *testing.T) {
	cfg := testConfig()
	cfg.Recipients = nil
	h := newHarness(t, cfg)
	h.net.set(false, false, true)
	h.ctrl.Tick(context.Background())

	assert.Equal(t, model.UplinkSecondary, h.ctrl.Snapshot().ActiveUplink)
	assert.Empty(t, h.queue.kinds())
}

func TestStateAndRoutesConsistentForAnyProbeSequence(t *testing.T) {
	h := newHarness(t, testConfig())
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 300; i++ {
		h.net.set(rng.Intn(3) > 0, rng.Intn(4) > 0, rng.Intn(2) == 0)
		var state model.FailoverState
		if i == 0 {
			state = h.ctrl.Tick(context.Background())
		} else {
			state = h.tick()
		}
		switch state.ActiveUplink {
		case model.UplinkPrimary, model.UplinkSecondary, model.UplinkNone:
		default:
			t.Fatalf("tick %d: invalid uplink %v", i, state.ActiveUplink)
		}
		h.assertRoutesMatch(t, state.ActiveUplink)
		assert.Equal(t, state, h.ctrl.Snapshot())
	}
}

func TestTransitionObservers(t *testing.T) {
	h := newHarness(t, testConfig())
	var seen []model.Transition
	h.ctrl.OnTransition(func(tr model.Transition) { seen = append(seen, tr) })

	h.net.set(true, true, true)
	h.ctrl.Tick(context.Background())
	h.net.primary(false)
	h.tick()

	require.Len(t, seen, 2)
	assert.Equal(t, "startup", seen[0].Reason)
	assert.Equal(t, model.UplinkPrimary, seen[0].To)
	assert.Equal(t, model.UplinkPrimary, seen[1].From)
	assert.Equal(t, model.UplinkSecondary, seen[1].To)
}

func TestForceSecondaryActivation(t *testing.T) {
	cfg := testConfig()
	cfg.CheckInterval = time.Hour
	h := newHarness(t, cfg)
	h.net.set(true, true, true)

	_, err := h.ctrl.ForceSecondaryActivation(context.Background())
	assert.ErrorIs(t, err, ErrNotRunning)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.ctrl.Run(ctx) }()

	require.Eventually(t, func() bool {
		return h.ctrl.Snapshot().Initialized
	}, 2*time.Second, 5*time.Millisecond)

	// the loop may not have entered its select yet
	var res ActivationResult
	require.Eventually(t, func() bool {
		res, err = h.ctrl.ForceSecondaryActivation(context.Background())
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, res.Error)
	assert.True(t, res.SecondaryReachable)
	assert.Equal(t, 1, h.script)
	assert.Equal(t, h.clock.t, h.ctrl.Snapshot().LastSecondaryAttemptAt)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("controller did not stop")
	}
}

func TestSendTestNotification(t *testing.T) {
	h := newHarness(t, testConfig())
	h.net.set(true, true, true)
	h.ctrl.Tick(context.Background())

	results, err := h.ctrl.SendTestNotification(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Sent)
	require.Len(t, h.sender.requests, 1)
	assert.Equal(t, notify.KindTest, h.sender.requests[0].Kind)
	assert.True(t, strings.Contains(h.sender.requests[0].Text, "PRIMARY"))
	// manual messages bypass the queue
	assert.Empty(t, h.queue.kinds())
}

func TestScriptActivatorWithoutCommand(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	a := NewScriptActivator(runnertest.New(), logger)
	cfg := testConfig()
	cfg.LinkUpCommand = nil
	assert.ErrorIs(t, a.Activate(context.Background(), cfg), ErrNoLinkUpCommand)
}

func TestScriptActivatorTimeout(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	fake := runnertest.New().On(linkScript, func(runnertest.Call) (runner.Result, error) {
		return runner.Result{ExitCode: -1}, runner.ErrTimeout
	})
	err := NewScriptActivator(fake, logger).Activate(context.Background(), testConfig())
	assert.ErrorIs(t, err, ErrLinkUp)
	assert.ErrorIs(t, err, runner.ErrTimeout)
}
