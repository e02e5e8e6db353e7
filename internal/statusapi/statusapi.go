// Package statusapi serves the Status & Metrics Surface (spec 4.N): a
// plain JSON status endpoint over the Crash Guardian's snapshot, and
// the Prometheus metrics endpoint. Grounded on pkg/dashboard/server.go's
// net/http.ServeMux wiring, trimmed to the JSON-only surface the spec
// calls for (the GUI dashboard itself is a named Non-goal).
package statusapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/tpu-agent/core/internal/guardian"
	"github.com/tpu-agent/core/internal/scheduler"
)

// StatusSource is the narrow capability the surface reads from.
type StatusSource interface {
	Status() guardian.StatusSnapshot
}

// SchedulerSource optionally adds the scheduler's current profile and
// throttle table to the status payload.
type SchedulerSource interface {
	Current() scheduler.Snapshot
}

// Server hosts /status and /metrics on one net/http.ServeMux.
type Server struct {
	addr      string
	guardian  StatusSource
	scheduler SchedulerSource
	srv       *http.Server

	// Heartbeat, if set, is called on a fixed tick while Run is
	// serving, so the crash guardian sees this loop as alive.
	Heartbeat func()
}

func New(addr string, g StatusSource, s SchedulerSource) *Server {
	return &Server{addr: addr, guardian: g, scheduler: s}
}

type statusPayload struct {
	TS        time.Time                 `json:"ts"`
	Guardian  guardian.StatusSnapshot   `json:"guardian,omitempty"`
	Scheduler *schedulerPayload         `json:"scheduler,omitempty"`
}

type schedulerPayload struct {
	Profile      scheduler.Profile  `json:"profile"`
	MarketHeat   float64            `json:"market_heat"`
	SystemStress float64            `json:"system_stress"`
	Throttles    map[string]float64 `json:"throttles"`
	Notes        string             `json:"notes"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	payload := statusPayload{TS: time.Now()}
	if s.guardian != nil {
		payload.Guardian = s.guardian.Status()
	}
	if s.scheduler != nil {
		snap := s.scheduler.Current()
		payload.Scheduler = &schedulerPayload{
			Profile: snap.Profile, MarketHeat: snap.MarketHeat,
			SystemStress: snap.SystemStress, Throttles: snap.Throttles, Notes: snap.Notes,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("statusapi: failed to encode status payload")
	}
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{Addr: s.addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.addr).Msg("statusapi: listening")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	heartbeat := time.NewTicker(10 * time.Second)
	defer heartbeat.Stop()
	s.beat()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = s.srv.Shutdown(shutdownCtx)
			return ctx.Err()
		case err := <-errCh:
			return err
		case <-heartbeat.C:
			s.beat()
		}
	}
}

func (s *Server) beat() {
	if s.Heartbeat != nil {
		s.Heartbeat()
	}
}
