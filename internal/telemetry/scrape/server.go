// Copyright 2025 The Njord Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package scrape

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"njord/internal/telemetry/ops"
	"njord/internal/telemetry/registry"
)

// Environment variables gating the public endpoints. An unset variable
// disables authentication for that endpoint.
const (
	EnvMetricsToken   = "NJORD_METRICS_TOKEN"
	EnvDashboardToken = "NJORD_DASHBOARD_TOKEN"
)

// ServerConfig holds the HTTP surface settings.
type ServerConfig struct {
	BindHost string `yaml:"bind_host"`
	Port     int    `yaml:"port"`
}

// Server is the scrape/dashboard HTTP front end over a shared registry.
type Server struct {
	cfg      ServerConfig
	registry *registry.Registry
	logger   *zap.Logger
	opsm     *ops.Metrics

	metricsToken   string
	dashboardToken string

	httpSrv *http.Server
	started time.Time
}

// NewServer builds a server; tokens are read from the environment once, at
// construction.
func NewServer(cfg ServerConfig, reg *registry.Registry, logger *zap.Logger, opsm *ops.Metrics) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:            cfg,
		registry:       reg,
		logger:         logger,
		opsm:           opsm,
		metricsToken:   os.Getenv(EnvMetricsToken),
		dashboardToken: os.Getenv(EnvDashboardToken),
		started:        time.Now(),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/stream", s.handleStream)
	mux.Handle("/internal/metrics", opsm.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.BindHost, cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // SSE connections are long-lived
	}
	return s
}

// Handler exposes the mux for httptest-driven tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// ListenAndServe binds the configured address and serves until ctx is
// cancelled, then drains with a bounded shutdown timeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("scrape: listen %s: %w", s.httpSrv.Addr, err)
	}
	s.logger.Info("scrape server listening", zap.String("addr", ln.Addr().String()))

	errChan := make(chan error, 1)
	go func() {
		errChan <- s.httpSrv.Serve(ln)
	}()
	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

// authorized enforces the optional Bearer check for one endpoint.
func (s *Server) authorized(w http.ResponseWriter, r *http.Request, token string) bool {
	if token == "" {
		return true
	}
	if r.Header.Get("Authorization") == "Bearer "+token {
		return true
	}
	http.Error(w, "unauthorized", http.StatusUnauthorized)
	return false
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(w, r, s.metricsToken) {
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Connection", "close")
	_, _ = w.Write([]byte(Render(s.registry.CollectAll())))
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(w, r, s.dashboardToken) {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	// First frame immediately, then one per second.
	if err := s.writeFrame(w); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := s.writeFrame(w); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) writeFrame(w http.ResponseWriter) error {
	snap := BuildDashboardSnapshot(s.registry.CollectAll(), time.Now(), s.started)
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Connection", "close")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}
