// Package server exposes the HTTP surface of dialvox: the carrier
// media-stream WebSocket endpoint plus metrics and health probes.
//
// This is transport plumbing only. Everything a bridge does happens in
// internal/bridge; the server's job is to accept a carrier connection, hand
// the resulting call leg to the manager, and keep the HTTP connection open
// for the lifetime of the stream.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dialvox/dialvox/internal/bridge"
	"github.com/dialvox/dialvox/internal/config"
	"github.com/dialvox/dialvox/internal/health"
	"github.com/dialvox/dialvox/internal/observe"
	"github.com/dialvox/dialvox/pkg/callleg/twilio"
	"github.com/dialvox/dialvox/pkg/speech"
)

// shutdownDrain bounds the HTTP server's own graceful stop; bridge teardown
// has its own budget in the manager.
const shutdownDrain = 5 * time.Second

// Server is the dialvox HTTP server.
type Server struct {
	cfg     config.ServerConfig
	speech  config.SpeechConfig
	manager *bridge.Manager
	httpSrv *http.Server
}

// New assembles the server with its routes: the Twilio media-stream endpoint
// under /media, Prometheus metrics under /metrics, and the health probes.
func New(cfg config.ServerConfig, speechCfg config.SpeechConfig, mgr *bridge.Manager, hh *health.Handler, metrics *observe.Metrics) *Server {
	s := &Server{
		cfg:     cfg,
		speech:  speechCfg,
		manager: mgr,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /media", s.handleMedia)
	mux.Handle("GET /metrics", promhttp.Handler())
	hh.Register(mux)

	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.TLS != nil {
			err = s.httpSrv.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			err = s.httpSrv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("http server listening", "addr", s.cfg.ListenAddr, "tls", s.cfg.TLS != nil)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownDrain)
	defer cancel()
	return s.httpSrv.Shutdown(drainCtx)
}

// handleMedia upgrades a carrier media-stream connection, adapts it to a
// call leg, and creates the bridge. The handler stays blocked until the
// bridge is done because returning would close the underlying connection.
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("media websocket accept failed", "err", err)
		return
	}

	leg, err := twilio.Accept(r.Context(), conn)
	if err != nil {
		slog.Warn("media stream rejected", "err", err)
		conn.Close(websocket.StatusPolicyViolation, "bad media stream")
		return
	}

	sess := speech.SessionConfig{
		CallID:   leg.CallID(),
		AgentID:  s.speech.AgentID,
		Language: s.speech.Language,
	}
	b, err := s.manager.Create(r.Context(), leg, sess)
	if err != nil {
		slog.Error("bridge create failed", "call_id", leg.CallID(), "err", err)
		_ = leg.Close()
		return
	}

	select {
	case <-b.Done():
	case <-r.Context().Done():
		// Carrier transport gone; the leg notices on its own read path.
	}
}
