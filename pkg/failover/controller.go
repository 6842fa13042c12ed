// Package failover owns the uplink state machine.
package failover

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ebobo/uplink_failover_go/pkg/config"
	"github.com/ebobo/uplink_failover_go/pkg/model"
	"github.com/ebobo/uplink_failover_go/pkg/notify"
	"github.com/ebobo/uplink_failover_go/pkg/route"
)

// routeFailureLimit is how many ticks in a row the secondary route may fail
// to install before the secondary is treated as unreachable.
const routeFailureLimit = 3

var (
	// ErrNotRunning is returned by requests that need the control loop when
	// it is not running.
	ErrNotRunning = errors.New("failover controller not running")

	// ErrNoSender means manual notifications are not wired.
	ErrNoSender = errors.New("no notification sender configured")
)

// Prober checks reachability of a host through an interface.
type Prober interface {
	Probe(ctx context.Context, host, iface string, attempts int, perAttempt time.Duration) (bool, error)
}

// Routes mutates the default route and link state.
type Routes interface {
	SetMetric(metric int)
	MakePrimaryActive(ctx context.Context, gateway, primaryIf, secondaryIf string) error
	MakeSecondaryActive(ctx context.Context, secondaryIf, primaryIf string) error
	SetLink(ctx context.Context, iface string, up bool) error
}

// History stores the uplink chart samples.
type History interface {
	AppendSample(ctx context.Context, sample model.HistorySample, capacity int) error
}

// Queue accepts notifications without blocking the loop.
type Queue interface {
	Submit(req model.NotificationRequest)
}

// LinkUp (re)initiates the secondary link.
type LinkUp interface {
	Activate(ctx context.Context, cfg config.Config) error
}

// Deps are the collaborators of a Controller. Sender is used for manual
// test notifications, which are delivered synchronously.
type Deps struct {
	Config  config.Provider
	Prober  Prober
	Routes  Routes
	History History
	Queue   Queue
	Sender  notify.Sender
	LinkUp  LinkUp
}

// ActivationResult reports a forced secondary bring-up.
type ActivationResult struct {
	At                 time.Time `json:"at"`
	Error              string    `json:"error,omitempty"`
	SecondaryReachable bool      `json:"secondary_reachable"`
}

type activationRequest struct {
	reply chan ActivationResult
}

// Controller runs the periodic control loop. Only the loop mutates state;
// readers use Snapshot.
type Controller struct {
	deps Deps
	log  logrus.FieldLogger
	now  func() time.Time

	state     model.FailoverState
	routeErrs int
	snapshot  atomic.Pointer[model.FailoverState]
	running   atomic.Bool
	activate  chan activationRequest
	observers []func(model.Transition)
}

// New creates a controller in the uninitialized state.
func New(deps Deps, log logrus.FieldLogger) *Controller {
	c := &Controller{
		deps:     deps,
		log:      log,
		now:      time.Now,
		activate: make(chan activationRequest),
	}
	c.publish()
	return c
}

// OnTransition registers fn to be called from the loop after every change
// of active uplink. Register before Run.
func (c *Controller) OnTransition(fn func(model.Transition)) {
	c.observers = append(c.observers, fn)
}

// Snapshot returns a copy of the latest published state.
func (c *Controller) Snapshot() model.FailoverState {
	return *c.snapshot.Load()
}

// Run initializes the state and then ticks every check_interval until ctx
// is done. The interval is re-read after each tick.
func (c *Controller) Run(ctx context.Context) error {
	c.running.Store(true)
	defer c.running.Store(false)

	c.Tick(ctx)
	timer := time.NewTimer(c.deps.Config.Current().CheckInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Info("failover controller stopped")
			return nil
		case req := <-c.activate:
			req.reply <- c.forceActivation(ctx)
		case <-timer.C:
			c.Tick(ctx)
			timer.Reset(c.deps.Config.Current().CheckInterval)
		}
	}
}

// Tick runs one iteration of the state machine. It always completes: a
// cancelled ctx does not interrupt route mutations already started.
func (c *Controller) Tick(ctx context.Context) model.FailoverState {
	ctx = context.WithoutCancel(ctx)
	cfg := c.deps.Config.Current()
	c.deps.Routes.SetMetric(cfg.RouteMetric)

	var t tick
	if !c.state.Initialized {
		c.initialize(ctx, cfg, &t)
	} else {
		c.step(ctx, cfg, &t)
	}
	c.flush(cfg, t)
	c.publish()
	return c.state
}

// tick collects what one iteration wants to tell operators.
type tick struct {
	kinds []string
	texts []string
}

func (t *tick) notify(kind, subject string) {
	t.kinds = append(t.kinds, kind)
	t.texts = append(t.texts, notify.Message(kind, subject))
}

// initialize establishes the state from scratch. Nothing from a previous
// run is trusted.
func (c *Controller) initialize(ctx context.Context, cfg config.Config, t *tick) {
	c.state = model.FailoverState{Initialized: true, ActiveUplink: model.UplinkNone, PreviousUplink: model.UplinkNone}
	c.state.LastTransitionAt = c.now()

	primaryOK := c.primaryReachable(ctx, cfg)
	secondaryOK := !primaryOK && c.secondaryReachable(ctx, cfg)
	switch {
	case primaryOK:
		if err := c.deps.Routes.MakePrimaryActive(ctx, cfg.PrimaryGateway, cfg.PrimaryInterface, cfg.SecondaryInterface); err != nil {
			c.log.WithError(err).Error("cannot install primary default route at startup")
			break
		}
		c.setLinks(ctx, cfg, true)
		c.state.ActiveUplink = model.UplinkPrimary
	case secondaryOK:
		err := c.deps.Routes.MakeSecondaryActive(ctx, cfg.SecondaryInterface, cfg.PrimaryInterface)
		if err == nil {
			c.setLinks(ctx, cfg, false)
			c.state.ActiveUplink = model.UplinkSecondary
			t.notify(notify.KindFailoverEngaged, cfg.SecondaryInterface)
			break
		}
		c.log.WithError(err).Error("cannot install secondary default route at startup")
		if errors.Is(err, route.ErrNoSecondaryGateway) {
			t.notify(notify.KindNoConnectivity, "")
			c.bringUpSecondary(ctx, cfg)
		}
	default:
		t.notify(notify.KindNoConnectivity, "")
		c.bringUpSecondary(ctx, cfg)
	}

	if cfg.NotifyOnStartup {
		t.notify(notify.KindStartup, c.state.ActiveUplink.String())
	}

	c.log.WithField("active", c.state.ActiveUplink).Info("initial uplink state established")
	c.record(ctx, cfg, model.Transition{From: model.UplinkNone, To: c.state.ActiveUplink, At: c.state.LastTransitionAt, Reason: "startup"})
}

func (c *Controller) step(ctx context.Context, cfg config.Config, t *tick) {
	active := c.state.ActiveUplink
	primaryOK := c.primaryReachable(ctx, cfg)
	secondaryOK := false
	if !primaryOK || active == model.UplinkSecondary {
		secondaryOK = c.secondaryReachable(ctx, cfg)
	}

	if primaryOK {
		c.state.ConsecutiveFailureCount = 0
		c.routeErrs = 0
	} else {
		c.state.ConsecutiveFailureCount++
	}

	log := c.log.WithFields(logrus.Fields{
		"active":    active,
		"primary":   primaryOK,
		"secondary": secondaryOK,
		"failures":  c.state.ConsecutiveFailureCount,
	})

	if active == model.UplinkSecondary && !secondaryOK {
		log.Warn("secondary uplink lost")
		t.notify(notify.KindSecondaryLost, cfg.SecondaryInterface)
	}

	switch {
	case primaryOK && active == model.UplinkPrimary:
		log.Debug("primary uplink healthy")

	case primaryOK:
		if err := c.deps.Routes.MakePrimaryActive(ctx, cfg.PrimaryGateway, cfg.PrimaryInterface, cfg.SecondaryInterface); err != nil {
			log.WithError(err).Error("route mutation failed, retrying next tick")
			return
		}
		c.setLinks(ctx, cfg, true)
		c.transition(ctx, cfg, model.UplinkPrimary, "primary reachable")
		t.notify(notify.KindRestored, cfg.PrimaryInterface)

	case active == model.UplinkPrimary && c.state.ConsecutiveFailureCount < cfg.FailureThreshold:
		log.Info("primary probe failed, below failure threshold")

	case secondaryOK && active == model.UplinkSecondary:
		log.Debug("secondary uplink carrying traffic")

	case secondaryOK:
		err := c.deps.Routes.MakeSecondaryActive(ctx, cfg.SecondaryInterface, cfg.PrimaryInterface)
		if err == nil {
			c.routeErrs = 0
			c.setLinks(ctx, cfg, false)
			c.transition(ctx, cfg, model.UplinkSecondary, "primary unreachable, secondary reachable")
			t.notify(notify.KindFailoverEngaged, cfg.SecondaryInterface)
			break
		}
		c.routeErrs++
		// a secondary without a gateway route answers pings but cannot
		// carry the default route
		if errors.Is(err, route.ErrNoSecondaryGateway) || c.routeErrs >= routeFailureLimit {
			log.WithError(err).WithField("route_failures", c.routeErrs).Error("secondary uplink unusable")
			c.noUplink(ctx, cfg, t, log)
			return
		}
		log.WithError(err).Error("route mutation failed, retrying next tick")

	default:
		c.noUplink(ctx, cfg, t, log)
	}
}

// noUplink enters NONE, notifying once, and retries the bring-up trigger
// within the backoff.
func (c *Controller) noUplink(ctx context.Context, cfg config.Config, t *tick, log logrus.FieldLogger) {
	if c.state.ActiveUplink != model.UplinkNone {
		c.transition(ctx, cfg, model.UplinkNone, "no uplink reachable")
		t.notify(notify.KindNoConnectivity, "")
	} else {
		log.Debug("still no uplink reachable")
	}
	c.bringUpSecondary(ctx, cfg)
}

func (c *Controller) primaryReachable(ctx context.Context, cfg config.Config) bool {
	log := c.log.WithField("interface", cfg.PrimaryInterface)
	ok, err := c.deps.Prober.Probe(ctx, cfg.PrimaryGateway, cfg.PrimaryInterface, cfg.Probe.GatewayAttempts, cfg.Probe.GatewayTimeout)
	if err != nil {
		log.WithError(err).Warn("cannot probe primary gateway")
		return false
	}
	if !ok {
		log.WithField("host", cfg.PrimaryGateway).Debug("primary gateway unreachable")
		return false
	}
	ok, err = c.deps.Prober.Probe(ctx, cfg.TargetHost, cfg.PrimaryInterface, cfg.Probe.InternetAttempts, cfg.Probe.InternetTimeout)
	if err != nil {
		log.WithError(err).Warn("cannot probe target host over primary")
		return false
	}
	if !ok {
		log.WithField("host", cfg.TargetHost).Debug("target host unreachable over primary")
	}
	return ok
}

func (c *Controller) secondaryReachable(ctx context.Context, cfg config.Config) bool {
	ok, err := c.deps.Prober.Probe(ctx, cfg.TargetHost, cfg.SecondaryInterface, cfg.Probe.InternetAttempts, cfg.Probe.InternetTimeout)
	if err != nil {
		c.log.WithError(err).WithField("interface", cfg.SecondaryInterface).Debug("cannot probe secondary")
		return false
	}
	return ok
}

// bringUpSecondary runs the bring-up trigger once the backoff has elapsed
// since the previous attempt.
func (c *Controller) bringUpSecondary(ctx context.Context, cfg config.Config) {
	now := c.now()
	last := c.state.LastSecondaryAttemptAt
	if !last.IsZero() && now.Sub(last) < cfg.SecondaryBackoff {
		c.log.WithField("next_attempt", last.Add(cfg.SecondaryBackoff)).Debug("secondary bring-up in backoff")
		return
	}
	c.state.LastSecondaryAttemptAt = now
	c.runLinkUp(ctx, cfg)
}

func (c *Controller) runLinkUp(ctx context.Context, cfg config.Config) error {
	if c.deps.LinkUp == nil {
		return ErrNoLinkUpCommand
	}
	if err := c.deps.LinkUp.Activate(ctx, cfg); err != nil {
		c.log.WithError(err).Warn("secondary bring-up attempt failed")
		return err
	}
	c.log.Info("secondary bring-up command succeeded")
	return nil
}

// setLinks brings the quiesced interfaces up or down. Failures only log.
func (c *Controller) setLinks(ctx context.Context, cfg config.Config, up bool) {
	for _, iface := range cfg.QuiesceInterfaces {
		if err := c.deps.Routes.SetLink(ctx, iface, up); err != nil {
			c.log.WithError(err).WithField("interface", iface).Warn("cannot change link state")
		}
	}
}

func (c *Controller) transition(ctx context.Context, cfg config.Config, to model.Uplink, reason string) {
	now := c.now()
	tr := model.Transition{From: c.state.ActiveUplink, To: to, At: now, Reason: reason}
	c.state.PreviousUplink = c.state.ActiveUplink
	c.state.ActiveUplink = to
	c.state.LastTransitionAt = now

	c.log.WithFields(logrus.Fields{"from": tr.From, "to": tr.To, "reason": reason}).Info("uplink transition")
	c.record(ctx, cfg, tr)
}

// record appends the history sample of tr and tells the observers.
func (c *Controller) record(ctx context.Context, cfg config.Config, tr model.Transition) {
	if c.deps.History != nil {
		sample := model.HistorySample{Timestamp: tr.At, Indicator: tr.To.Indicator()}
		if err := c.deps.History.AppendSample(ctx, sample, cfg.HistoryCapacity); err != nil {
			c.log.WithError(err).Error("cannot append history sample")
		}
	}
	for _, fn := range c.observers {
		fn(tr)
	}
}

// flush sends what the tick collected as one request, so a single tick
// never competes with itself for the dispatcher's pending slot.
func (c *Controller) flush(cfg config.Config, t tick) {
	if len(t.kinds) == 0 || c.deps.Queue == nil {
		return
	}
	recipients := cfg.RecipientList()
	if len(recipients) == 0 {
		c.log.WithField("kind", strings.Join(t.kinds, ",")).Warn("no recipients configured, notification skipped")
		return
	}
	req := notify.NewRequest(strings.Join(t.kinds, ","), strings.Join(t.texts, "\n"), recipients, c.now())
	c.deps.Queue.Submit(req)
}

func (c *Controller) publish() {
	s := c.state
	c.snapshot.Store(&s)
}

// ForceSecondaryActivation asks the loop to run the bring-up trigger now,
// ignoring the backoff, and waits for the outcome.
func (c *Controller) ForceSecondaryActivation(ctx context.Context) (ActivationResult, error) {
	if !c.running.Load() {
		return ActivationResult{}, ErrNotRunning
	}
	req := activationRequest{reply: make(chan ActivationResult, 1)}
	select {
	case c.activate <- req:
	case <-ctx.Done():
		return ActivationResult{}, ctx.Err()
	}
	select {
	case res := <-req.reply:
		return res, nil
	case <-ctx.Done():
		return ActivationResult{}, ctx.Err()
	}
}

func (c *Controller) forceActivation(ctx context.Context) ActivationResult {
	ctx = context.WithoutCancel(ctx)
	cfg := c.deps.Config.Current()
	c.log.Info("manual secondary bring-up requested")

	res := ActivationResult{At: c.now()}
	c.state.LastSecondaryAttemptAt = res.At
	if err := c.runLinkUp(ctx, cfg); err != nil {
		res.Error = err.Error()
	}
	res.SecondaryReachable = c.secondaryReachable(ctx, cfg)
	c.publish()
	return res
}

// SendTestNotification delivers a test message synchronously and returns
// the per-recipient outcome.
func (c *Controller) SendTestNotification(ctx context.Context) ([]model.RecipientResult, error) {
	if c.deps.Sender == nil {
		return nil, ErrNoSender
	}
	cfg := c.deps.Config.Current()
	text := notify.Message(notify.KindTest, c.Snapshot().ActiveUplink.String())
	req := notify.NewRequest(notify.KindTest, text, cfg.RecipientList(), c.now())
	return c.deps.Sender.Notify(ctx, req)
}
