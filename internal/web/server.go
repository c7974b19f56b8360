package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/RCrewX/ton-provider-system/internal/manager"
	"github.com/RCrewX/ton-provider-system/internal/recovery"
)

// Server exposes the manager over HTTP: a JSON status surface, the
// Prometheus endpoint and a websocket state stream.
type Server struct {
	mgr    *manager.Manager
	hub    *Hub
	http   *http.Server
	logger *slog.Logger
	unsub  func()
}

func NewServer(addr string, mgr *manager.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		mgr:    mgr,
		hub:    NewHub(logger),
		logger: logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/api/probe", s.handleProbe)
	mux.HandleFunc("/api/select", s.handleSelect)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", s.hub.HandleWS)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start runs the hub and the HTTP listener, and bridges manager state
// changes into the websocket stream.
func (s *Server) Start(ctx context.Context) {
	recovery.Go(s.logger, "state_hub", func() { s.hub.Run(ctx) })

	s.unsub = s.mgr.Subscribe(func(st manager.State) {
		s.hub.Broadcast(Event{Type: "state", Data: st})
	})

	recovery.Go(s.logger, "http_server", func() {
		s.logger.Info("http_server_listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http_server_failed", "error", err.Error())
		}
	})
}

// Stop shuts the listener down and detaches from the manager.
func (s *Server) Stop(ctx context.Context) {
	if s.unsub != nil {
		s.unsub()
	}
	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Warn("http_server_shutdown_error", "error", err.Error())
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.mgr.GetState())
}

// handleProbe triggers an on-demand sweep.
func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	go s.mgr.ProbeAll(context.Background())
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "probing"})
}

// handleSelect applies override controls: manual pin, auto-select,
// custom endpoint.
func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		ProviderID     *string `json:"providerId"`
		AutoSelect     *bool   `json:"autoSelect"`
		CustomEndpoint *string `json:"customEndpoint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.CustomEndpoint != nil {
		s.mgr.SetCustomEndpoint(*req.CustomEndpoint)
	}
	if req.ProviderID != nil {
		s.mgr.SetSelectedProvider(*req.ProviderID)
	}
	if req.AutoSelect != nil {
		s.mgr.SetAutoSelect(*req.AutoSelect)
	}
	writeJSON(w, http.StatusOK, s.mgr.GetState())
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
