// Package notify delivers operator text messages through the modem.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ebobo/uplink_failover_go/pkg/config"
	"github.com/ebobo/uplink_failover_go/pkg/model"
	"github.com/ebobo/uplink_failover_go/pkg/modem"
	"github.com/ebobo/uplink_failover_go/pkg/utility"
)

// ErrNoRecipients means there is nobody to send to.
var ErrNoRecipients = errors.New("no notification recipients configured")

// Journal persists per-recipient outcomes, keeping at most capacity rows.
type Journal interface {
	RecordNotification(ctx context.Context, req model.NotificationRequest, results []model.RecipientResult, capacity int) error
}

// Notifier runs the modem send protocol once per request. Calls are
// serialized: the serial device is exclusive.
type Notifier struct {
	cfg     config.Provider
	open    modem.Opener
	journal Journal
	log     logrus.FieldLogger
	now     func() time.Time

	mu sync.Mutex
}

// New creates a Notifier. journal may be nil.
func New(cfg config.Provider, open modem.Opener, journal Journal, log logrus.FieldLogger) *Notifier {
	return &Notifier{cfg: cfg, open: open, journal: journal, log: log, now: time.Now}
}

// Notify delivers req to each of its recipients in order. The returned
// error is set only when the whole call aborted before any submission
// (modem dead, SIM locked, mode refused); every recipient is then reported
// failed. Per-recipient failures are reported in the results only.
func (n *Notifier) Notify(ctx context.Context, req model.NotificationRequest) ([]model.RecipientResult, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.ID == "" {
		req.ID = utility.NewRequestID()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = n.now()
	}
	log := n.log.WithFields(logrus.Fields{"request": req.ID, "kind": req.Kind})
	if len(req.Recipients) == 0 {
		log.Warn("notification skipped, no recipients")
		return nil, ErrNoRecipients
	}

	cfg := n.cfg.Current()
	text := modem.Normalize(req.Text)
	timeouts := modem.Timeouts{
		Command: cfg.Modem.CommandTimeout,
		PIN:     cfg.Modem.PINTimeout,
		Prompt:  cfg.Modem.PromptTimeout,
		Submit:  cfg.Modem.SubmitTimeout,
	}

	tr := modem.NewTransport(n.open, cfg.SerialPort, cfg.BaudRate, log)
	defer func() {
		if err := tr.Close(); err != nil {
			log.WithError(err).Debug("close modem port")
		}
	}()

	results := make([]model.RecipientResult, len(req.Recipients))
	for i, r := range req.Recipients {
		results[i].Recipient = r
	}

	if err := prepare(tr, cfg.SIMPin, timeouts); err != nil {
		for i := range results {
			results[i].Error = err.Error()
		}
		log.WithError(err).Error("notification aborted")
		n.record(ctx, log, cfg.JournalCapacity, req, results)
		return results, err
	}

	for i, r := range req.Recipients {
		rlog := log.WithField("recipient", r)
		if err := ctx.Err(); err != nil {
			results[i].Error = err.Error()
			continue
		}
		if tr.State() == modem.StateFaulted {
			results[i].Error = modem.ErrSessionFaulted.Error()
			rlog.Warn("message not sent, modem session faulted")
			continue
		}
		reply, err := tr.SendSMS(r, text, timeouts)
		results[i].Response = strings.TrimSpace(reply.Raw)
		if err != nil {
			results[i].Error = err.Error()
			rlog.WithError(err).Warn("message not sent")
			continue
		}
		results[i].Sent = true
		rlog.Info("message sent")
	}

	n.record(ctx, log, cfg.JournalCapacity, req, results)
	return results, nil
}

// prepare runs the once-per-call part of the protocol.
func prepare(tr *modem.Transport, pin string, to modem.Timeouts) error {
	if err := tr.CheckAlive(to.Command); err != nil {
		return fmt.Errorf("liveness check: %w", err)
	}
	if err := tr.UnlockSIM(pin, to); err != nil {
		return fmt.Errorf("SIM unlock: %w", err)
	}
	if err := tr.SetTextMode(to.Command); err != nil {
		return fmt.Errorf("mode set: %w", err)
	}
	return nil
}

func (n *Notifier) record(ctx context.Context, log logrus.FieldLogger, capacity int, req model.NotificationRequest, results []model.RecipientResult) {
	if n.journal == nil {
		return
	}
	if err := n.journal.RecordNotification(ctx, req, results, capacity); err != nil {
		log.WithError(err).Warn("failed to journal notification outcome")
	}
}

// Failed counts the recipients that did not get the message.
func Failed(results []model.RecipientResult) int {
	count := 0
	for _, r := range results {
		if !r.Sent {
			count++
		}
	}
	return count
}
