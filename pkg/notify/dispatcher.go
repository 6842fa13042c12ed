package notify

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ebobo/uplink_failover_go/pkg/model"
)

// Sender is what the dispatcher drives; *Notifier implements it.
type Sender interface {
	Notify(ctx context.Context, req model.NotificationRequest) ([]model.RecipientResult, error)
}

// Dispatcher runs notifications on one background worker fed by a
// single-slot queue: at most one request in flight and one pending. A
// request submitted while one is pending replaces it.
type Dispatcher struct {
	sender Sender
	log    logrus.FieldLogger

	mu      sync.Mutex
	pending *model.NotificationRequest
	wake    chan struct{}
	idle    *sync.Cond
	busy    bool
	stopped bool
}

// NewDispatcher creates a dispatcher. Run must be started for anything to
// be delivered.
func NewDispatcher(sender Sender, log logrus.FieldLogger) *Dispatcher {
	d := &Dispatcher{sender: sender, log: log, wake: make(chan struct{}, 1)}
	d.idle = sync.NewCond(&d.mu)
	return d
}

// Submit queues req without blocking.
func (d *Dispatcher) Submit(req model.NotificationRequest) {
	d.mu.Lock()
	if d.pending != nil {
		d.log.WithFields(logrus.Fields{
			"request":     d.pending.ID,
			"kind":        d.pending.Kind,
			"replaced_by": req.ID,
		}).Warn("pending notification dropped")
	}
	d.pending = &req
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run delivers queued requests until ctx is done. A request in flight when
// ctx ends is completed; a pending one is dropped.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	d.stopped = false
	d.mu.Unlock()
	defer d.stop()

	for ctx.Err() == nil {
		select {
		case <-ctx.Done():
			return nil
		case <-d.wake:
		}

		for {
			d.mu.Lock()
			req := d.pending
			d.pending = nil
			d.busy = req != nil
			if req == nil {
				d.idle.Broadcast()
			}
			d.mu.Unlock()
			if req == nil {
				break
			}

			results, err := d.sender.Notify(context.WithoutCancel(ctx), *req)
			log := d.log.WithFields(logrus.Fields{"request": req.ID, "kind": req.Kind})
			if err != nil {
				log.WithError(err).Error("notification failed")
			} else if failed := Failed(results); failed > 0 {
				log.WithField("failed", failed).Warn("notification partially delivered")
			}
		}
	}
	return nil
}

func (d *Dispatcher) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending != nil {
		d.log.WithFields(logrus.Fields{
			"request": d.pending.ID,
			"kind":    d.pending.Kind,
		}).Warn("pending notification dropped on shutdown")
		d.pending = nil
	}
	d.busy = false
	d.stopped = true
	d.idle.Broadcast()
}

// Wait blocks until nothing is pending or in flight, or until Run has
// returned.
func (d *Dispatcher) Wait() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for !d.stopped && (d.busy || d.pending != nil) {
		d.idle.Wait()
	}
}
