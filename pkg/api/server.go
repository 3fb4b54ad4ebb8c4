package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/cuemby/outpost/pkg/events"
	"github.com/cuemby/outpost/pkg/log"
	"github.com/cuemby/outpost/pkg/metrics"
	"github.com/cuemby/outpost/pkg/types"
	"github.com/rs/zerolog"
)

// StatusSource reports exposure status; *manager.Manager satisfies it
type StatusSource interface {
	Statuses() []types.ExposureStatus
	Status(domain string) (types.ExposureStatus, bool)
}

// EventSource returns recent lifecycle events; *events.Broker satisfies it
type EventSource interface {
	Recent() []*events.Event
}

// Server is the read-only status endpoint
type Server struct {
	source  StatusSource
	events  EventSource
	version string
	mux     *http.ServeMux
	server  *http.Server
	logger  zerolog.Logger
}

// StatusResponse is the body of GET /status
type StatusResponse struct {
	Timestamp time.Time              `json:"timestamp"`
	Exposures []types.ExposureStatus `json:"exposures"`
}

// NewServer creates the status server. eventSource may be nil.
func NewServer(source StatusSource, eventSource EventSource, version string) *Server {
	s := &Server{
		source:  source,
		events:  eventSource,
		version: version,
		mux:     http.NewServeMux(),
		logger:  log.WithComponent("api"),
	}

	s.mux.HandleFunc("GET /health", s.healthHandler)
	s.mux.HandleFunc("GET /ready", s.readyHandler)
	s.mux.HandleFunc("GET /status", s.statusHandler)
	s.mux.HandleFunc("GET /status/{domain}", s.exposureHandler)
	s.mux.HandleFunc("GET /events", s.eventsHandler)
	s.mux.Handle("GET /metrics", metrics.Handler())
	return s
}

// Handler returns the HTTP handler for embedding in other servers
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start listens on addr and serves until Shutdown
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	s.server = &http.Server{
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Status server stopped")
		}
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Status server listening")
	return nil
}

// Shutdown stops the listener
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	statuses := []types.ExposureStatus{}
	if s.source != nil {
		statuses = s.source.Statuses()
	}
	writeJSON(w, http.StatusOK, StatusResponse{Timestamp: time.Now(), Exposures: statuses})
}

func (s *Server) exposureHandler(w http.ResponseWriter, r *http.Request) {
	if s.source == nil {
		http.Error(w, "Unknown exposure", http.StatusNotFound)
		return
	}
	st, ok := s.source.Status(r.PathValue("domain"))
	if !ok {
		http.Error(w, "Unknown exposure", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// eventsHandler returns recent events, oldest first, optionally for one domain
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	out := []*events.Event{}
	if s.events != nil {
		domain := r.URL.Query().Get("domain")
		for _, ev := range s.events.Recent() {
			if domain == "" || ev.Domain == domain {
				out = append(out, ev)
			}
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
