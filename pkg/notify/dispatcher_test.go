package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ebobo/uplink_failover_go/pkg/model"
)

// gatedSender blocks each Notify until released.
type gatedSender struct {
	mu      sync.Mutex
	seen    []string
	started chan string
	release chan struct{}
}

func newGatedSender() *gatedSender {
	return &gatedSender{started: make(chan string, 10), release: make(chan struct{})}
}

func (s *gatedSender) Notify(_ context.Context, req model.NotificationRequest) ([]model.RecipientResult, error) {
	s.started <- req.Kind
	<-s.release
	s.mu.Lock()
	s.seen = append(s.seen, req.Kind)
	s.mu.Unlock()
	return []model.RecipientResult{{Recipient: "+33600000001", Sent: true}}, nil
}

func (s *gatedSender) kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.seen...)
}

func TestDispatcherReplacesPendingRequest(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	sender := newGatedSender()
	d := NewDispatcher(sender, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	d.Submit(model.NotificationRequest{ID: "1", Kind: KindFailoverEngaged})
	select {
	case kind := <-sender.started:
		assert.Equal(t, KindFailoverEngaged, kind)
	case <-time.After(2 * time.Second):
		t.Fatal("first request never started")
	}

	// one in flight: the next two compete for the single pending slot
	d.Submit(model.NotificationRequest{ID: "2", Kind: KindSecondaryLost})
	d.Submit(model.NotificationRequest{ID: "3", Kind: KindNoConnectivity})

	close(sender.release)
	d.Wait()

	assert.Equal(t, []string{KindFailoverEngaged, KindNoConnectivity}, sender.kinds())
	dropped := false
	for _, e := range hook.AllEntries() {
		if e.Message == "pending notification dropped" && e.Data["request"] == "2" {
			dropped = true
		}
	}
	assert.True(t, dropped)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestDispatcherSubmitDoesNotBlock(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	d := NewDispatcher(newGatedSender(), logger)

	finished := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			d.Submit(model.NotificationRequest{Kind: KindTest})
		}
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("Submit blocked without a running worker")
	}
}

func TestDispatcherDropsPendingOnShutdown(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	sender := newGatedSender()
	d := NewDispatcher(sender, logger)

	d.Submit(model.NotificationRequest{ID: "late", Kind: KindRestored})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, d.Run(ctx))

	waited := make(chan struct{})
	go func() {
		d.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait blocked after the dispatcher stopped")
	}

	assert.Empty(t, sender.started)
	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "pending notification dropped on shutdown", entry.Message)
	assert.Equal(t, "late", entry.Data["request"])
}
