package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/ebobo/uplink_failover_go/pkg/failover"
	"github.com/ebobo/uplink_failover_go/pkg/model"
	"github.com/ebobo/uplink_failover_go/pkg/notify"
)

const defaultListLimit = 100

func (s *Server) startHTTP() error {
	httpServer := &http.Server{
		Addr:              s.httpListenAddr,
		Handler:           s.handler(),
		ReadTimeout:       (10 * time.Second),
		ReadHeaderTimeout: (8 * time.Second),
		// a test message waits for the modem to transmit
		WriteTimeout: (3 * time.Minute),
	}

	// Set up shutdown handler
	go func() {
		<-s.ctx.Done()
		err := httpServer.Shutdown(context.Background())
		if err != nil {
			s.log.WithError(err).Errorf("error shutting down HTTP interface '%s'", s.httpListenAddr)
		}
	}()

	// Start HTTP server
	go func() {
		s.log.Infof("starting HTTP interface '%s'", s.httpListenAddr)

		// This isn't entirely true and really represents a race condition, but
		// doing this properly is a pain in the neck.
		s.httpStarted.Done()

		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Errorf("HTTP interface '%s' failed", s.httpListenAddr)
		} else {
			s.log.Infof("HTTP interface '%s' down", s.httpListenAddr)
		}
		s.httpStopped.Done()
	}()

	return nil
}

func (s *Server) handler() http.Handler {
	m := mux.NewRouter()

	// Add CORS
	cors := cors.New(cors.Options{
		AllowCredentials: true,
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"POST", "GET", "OPTIONS"},
		MaxAge:           31,
		Debug:            false,
	})

	m.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "Uplink failover daemon")
	}).Methods("GET")

	// Current failover state
	m.HandleFunc("/api/v1/status", s.GetStatus).Methods("GET")

	// Uplink history chart, oldest first
	m.HandleFunc("/api/v1/history", s.GetHistory).Methods("GET")

	// Notification journal, newest first
	m.HandleFunc("/api/v1/notifications", s.GetNotifications).Methods("GET")

	// Send a manual test message and wait for the outcome
	m.HandleFunc("/api/v1/notifications/test", s.SendTestNotification).Methods("POST")

	// Force a secondary link bring-up attempt
	m.HandleFunc("/api/v1/failover/test", s.ForceFailoverTest).Methods("POST")

	// Transition stream
	if s.events != nil {
		m.HandleFunc("/api/v1/events", s.events.HandleEvents).Methods("GET")
	}

	return handlers.ProxyHeaders(cors.Handler(m))
}

func (s *Server) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.core.Snapshot())
}

func (s *Server) GetHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	samples, err := s.db.Samples(r.Context(), limit)
	if err != nil {
		s.log.WithError(err).Error("failed to read history")
		http.Error(w, "failed to read history", http.StatusInternalServerError)
		return
	}
	if samples == nil {
		samples = []model.HistorySample{}
	}
	writeJSON(w, http.StatusOK, samples)
}

func (s *Server) GetNotifications(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	records, err := s.db.ListNotifications(r.Context(), limit)
	if err != nil {
		s.log.WithError(err).Error("failed to read notification journal")
		http.Error(w, "failed to read notification journal", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []model.NotificationRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

type testNotificationResponse struct {
	Results []model.RecipientResult `json:"results"`
	Error   string                  `json:"error,omitempty"`
}

func (s *Server) SendTestNotification(w http.ResponseWriter, r *http.Request) {
	s.log.Info("manual test notification requested")
	results, err := s.core.SendTestNotification(r.Context())
	resp := testNotificationResponse{Results: results}
	if resp.Results == nil {
		resp.Results = []model.RecipientResult{}
	}

	status := http.StatusOK
	switch {
	case errors.Is(err, notify.ErrNoRecipients):
		status = http.StatusConflict
	case err != nil:
		status = http.StatusBadGateway
	case notify.Failed(results) > 0:
		status = http.StatusMultiStatus
	}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, status, resp)
}

func (s *Server) ForceFailoverTest(w http.ResponseWriter, r *http.Request) {
	s.log.Info("manual failover test requested")
	res, err := s.core.ForceSecondaryActivation(r.Context())
	if errors.Is(err, failover.ErrNotRunning) {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestTimeout)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return limit, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
