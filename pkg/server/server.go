package server

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ebobo/uplink_failover_go/pkg/failover"
	"github.com/ebobo/uplink_failover_go/pkg/model"
)

// Core is what the daemon exposes to the admin surface.
type Core interface {
	Snapshot() model.FailoverState
	SendTestNotification(ctx context.Context) ([]model.RecipientResult, error)
	ForceSecondaryActivation(ctx context.Context) (failover.ActivationResult, error)
}

// Store is the read side of the history and journal.
type Store interface {
	Samples(ctx context.Context, limit int) ([]model.HistorySample, error)
	ListNotifications(ctx context.Context, limit int) ([]model.NotificationRecord, error)
}

// Server takes care of instantiating and running service and other dependencies.
type Server struct {
	httpListenAddr string
	httpStarted    *sync.WaitGroup
	httpStopped    *sync.WaitGroup
	ctx            context.Context
	cancel         context.CancelFunc
	core           Core
	db             Store
	events         *EventHub
	log            logrus.FieldLogger
}

// Config is the server configuration
type Config struct {
	HTTPListenAddr string
	Core           Core
	DB             Store
	Events         *EventHub
	Log            logrus.FieldLogger
}

func New(c Config) *Server {
	return &Server{
		httpListenAddr: c.HTTPListenAddr,
		httpStarted:    &sync.WaitGroup{},
		httpStopped:    &sync.WaitGroup{},
		core:           c.Core,
		db:             c.DB,
		events:         c.Events,
		log:            c.Log,
	}
}

func (s *Server) Start() error {
	s.ctx, s.cancel = context.WithCancel(context.Background())

	// Start the HTTP interface
	s.httpStarted.Add(1)
	s.httpStopped.Add(1)
	err := s.startHTTP()
	if err != nil {
		return err
	}
	s.httpStarted.Wait()

	return nil
}

func (s *Server) Shutdown() {
	s.log.Info("server shut down")
	if s.cancel != nil {
		s.cancel()
	}
	if s.events != nil {
		s.events.Close()
	}
	s.httpStopped.Wait()
}
