package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ebobo/uplink_failover_go/pkg/config"
	"github.com/ebobo/uplink_failover_go/pkg/model"
	"github.com/ebobo/uplink_failover_go/pkg/modem"
	"github.com/ebobo/uplink_failover_go/pkg/modem/modemtest"
)

type memJournal struct {
	mu       sync.Mutex
	requests []model.NotificationRequest
	results  [][]model.RecipientResult
	capacity int
}

func (j *memJournal) RecordNotification(_ context.Context, req model.NotificationRequest, results []model.RecipientResult, capacity int) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.capacity = capacity
	j.requests = append(j.requests, req)
	j.results = append(j.results, append([]model.RecipientResult(nil), results...))
	return nil
}

func testConfig() config.Static {
	cfg := config.DefaultConfig()
	cfg.Recipients = []string{"+33600000001", "+33600000002"}
	cfg.Modem = config.Modem{
		CommandTimeout: 300 * time.Millisecond,
		PINTimeout:     300 * time.Millisecond,
		PromptTimeout:  300 * time.Millisecond,
		SubmitTimeout:  300 * time.Millisecond,
	}
	return config.Static(cfg)
}

func opener(sim *modemtest.Modem) modem.Opener {
	return func(name string, baud int) (modem.Port, error) {
		p, err := sim.Open(name, baud)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

func newNotifier(cfg config.Static, sim *modemtest.Modem, j Journal) (*Notifier, *logtest.Hook) {
	logger, hook := logtest.NewNullLogger()
	return New(cfg, opener(sim), j, logger), hook
}

func request(cfg config.Static, text string) model.NotificationRequest {
	return NewRequest(KindTest, text, config.Config(cfg).RecipientList(), time.Now())
}

func TestNotifySendsToEveryRecipient(t *testing.T) {
	cfg := testConfig()
	sim := modemtest.New()
	j := &memJournal{}
	n, _ := newNotifier(cfg, sim, j)

	results, err := n.Notify(context.Background(), request(cfg, "✅ Connexion rétablie"))
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Sent)
	assert.True(t, results[1].Sent)
	assert.Equal(t, []modemtest.Message{
		{To: "+33600000001", Body: "OK: Connexion retablie"},
		{To: "+33600000002", Body: "OK: Connexion retablie"},
	}, sim.Messages())
	assert.Equal(t, []string{
		"AT", "AT+CPIN?", "AT+CMGF=1", `AT+CSCS="GSM"`,
		`AT+CMGS="+33600000001"`, `AT+CMGS="+33600000002"`,
	}, sim.Commands())
	assert.True(t, sim.Closed(), "port must be released after the call")

	require.Len(t, j.requests, 1)
	assert.Equal(t, results, j.results[0])
	assert.Equal(t, config.Config(cfg).JournalCapacity, j.capacity)
}

func TestNotifyIsolatesRecipientFailure(t *testing.T) {
	cfg := testConfig()
	sim := modemtest.New()
	sim.ServiceErrors["+33600000001"] = 500
	n, _ := newNotifier(cfg, sim, nil)

	results, err := n.Notify(context.Background(), request(cfg, "failover engaged"))
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.False(t, results[0].Sent)
	assert.Contains(t, results[0].Error, "+CMS ERROR: 500")
	assert.True(t, results[1].Sent)
	assert.Equal(t, 1, Failed(results))
}

func TestNotifyDuplicateRecipientsAttemptedIndependently(t *testing.T) {
	cfg := testConfig()
	cfg.Recipients = []string{"+33600000001", "+33600000001"}
	sim := modemtest.New()
	n, _ := newNotifier(cfg, sim, nil)

	results, err := n.Notify(context.Background(), request(cfg, "hello"))
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Len(t, sim.Messages(), 2)
}

func TestNotifyAbortsWhenPINMissing(t *testing.T) {
	cfg := testConfig()
	sim := modemtest.New()
	sim.PIN = "1234"
	j := &memJournal{}
	n, hook := newNotifier(cfg, sim, j)

	results, err := n.Notify(context.Background(), request(cfg, "hello"))
	assert.True(t, errors.Is(err, modem.ErrPINRequired))
	require.Len(t, results, 2)
	for _, r := range results {
		assert.False(t, r.Sent)
		assert.NotEmpty(t, r.Error)
	}
	assert.Empty(t, sim.Messages())
	assert.Len(t, j.requests, 1)
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
}

func TestNotifyUnlocksWithConfiguredPIN(t *testing.T) {
	cfg := testConfig()
	cfg.SIMPin = "1234"
	sim := modemtest.New()
	sim.PIN = "1234"
	n, _ := newNotifier(cfg, sim, nil)

	results, err := n.Notify(context.Background(), request(cfg, "hello"))
	require.NoError(t, err)
	assert.Equal(t, 0, Failed(results))
}

func TestNotifyDeadModem(t *testing.T) {
	cfg := testConfig()
	sim := modemtest.New()
	sim.Silent = true
	n, _ := newNotifier(cfg, sim, nil)

	results, err := n.Notify(context.Background(), request(cfg, "hello"))
	assert.True(t, errors.Is(err, modem.ErrNoReply))
	assert.Equal(t, 2, Failed(results))
}

func TestNotifyUnpluggedModem(t *testing.T) {
	cfg := testConfig()
	sim := modemtest.New()
	sim.Unplug()
	n, _ := newNotifier(cfg, sim, nil)

	results, err := n.Notify(context.Background(), request(cfg, "hello"))
	assert.True(t, errors.Is(err, modem.ErrSessionFaulted))
	assert.Equal(t, 2, Failed(results))
}

func TestNotifyWithoutRecipients(t *testing.T) {
	cfg := testConfig()
	cfg.Recipients = nil
	sim := modemtest.New()
	n, _ := newNotifier(cfg, sim, nil)

	results, err := n.Notify(context.Background(), request(cfg, "hello"))
	assert.True(t, errors.Is(err, ErrNoRecipients))
	assert.Empty(t, results)
	assert.Equal(t, 0, sim.Opens())
}

func TestNotifyUsesLegacyPhone(t *testing.T) {
	cfg := testConfig()
	cfg.Recipients = nil
	cfg.SMSPhone = " +33600000009 "
	sim := modemtest.New()
	n, _ := newNotifier(cfg, sim, nil)

	results, err := n.Notify(context.Background(), request(cfg, "hello"))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "+33600000009", sim.Messages()[0].To)
}

func TestMessageCatalog(t *testing.T) {
	for _, kind := range []string{KindRestored, KindFailoverEngaged, KindNoConnectivity, KindSecondaryLost, KindStartup, KindTest} {
		text := modem.Normalize(Message(kind, "eth0"))
		assert.NotEmpty(t, text, kind)
		for _, r := range text {
			assert.True(t, modem.InRepertoire(r), "%s: %q", kind, r)
		}
	}
	assert.Contains(t, Message(KindRestored, "eth0"), "eth0")
}
