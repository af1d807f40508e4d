// Command dialvox is the main entry point for the dialvox audio bridge
// server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dialvox/dialvox/internal/bridge"
	"github.com/dialvox/dialvox/internal/config"
	"github.com/dialvox/dialvox/internal/health"
	"github.com/dialvox/dialvox/internal/observe"
	"github.com/dialvox/dialvox/internal/server"
	pgsink "github.com/dialvox/dialvox/internal/sink/postgres"
	"github.com/dialvox/dialvox/pkg/speech/wsagent"
)

// shutdownBudget bounds the whole graceful stop: live bridges drain first,
// exporters flush after.
const shutdownBudget = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "dialvox: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "dialvox: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("dialvox starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ─────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "dialvox",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics := observe.DefaultMetrics()

	// ── Speech dialer ─────────────────────────────────────────────────────────
	dialer, err := wsagent.New(cfg.Speech.Endpoint, cfg.Speech.APIKey,
		wsagent.WithQueueDepth(cfg.Speech.QueueDepth),
		wsagent.WithReconnect(
			cfg.Speech.Reconnect.MaxAttempts,
			cfg.Speech.Reconnect.Backoff,
			cfg.Speech.Reconnect.MaxBackoff,
		),
	)
	if err != nil {
		slog.Error("failed to create speech dialer", "err", err)
		return 1
	}

	// ── Transcript sink (optional) ────────────────────────────────────────────
	var sink *pgsink.Sink
	checkers := []health.Checker{speechChecker(cfg.Speech.Endpoint)}
	if cfg.Transcripts.PostgresDSN != "" {
		sink, err = pgsink.New(ctx, cfg.Transcripts.PostgresDSN)
		if err != nil {
			slog.Error("failed to create transcript sink", "err", err)
			return 1
		}
		checkers = append(checkers, health.Checker{Name: "transcripts", Check: sink.Ping})
		slog.Info("transcript sink enabled")
	}

	// ── Bridge manager ────────────────────────────────────────────────────────
	mgrCfg := bridge.ManagerConfig{
		Dialer: dialer,
		Bridge: bridge.Config{
			HandshakeTimeout: cfg.Speech.HandshakeTimeout,
			GracePeriod:      cfg.Bridge.GracePeriod,
			IdleTimeout:      cfg.Bridge.IdleTimeout,
			ListenerBuffer:   cfg.Bridge.ListenerBuffer,
			Metrics:          metrics,
		},
	}
	if sink != nil {
		mgrCfg.OnCreate = sink.Attach
	}
	mgr := bridge.NewManager(mgrCfg)

	// ── HTTP server ───────────────────────────────────────────────────────────
	srv := server.New(cfg.Server, cfg.Speech, mgr, health.New(checkers...), metrics)

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := mgr.Shutdown(shutdownCtx); err != nil {
		slog.Warn("bridge shutdown error", "err", err)
	}
	if sink != nil {
		sink.Close()
	}
	if err := otelShutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// speechChecker probes TCP reachability of the speech backend host. A full
// session handshake would consume backend quota, so readiness settles for
// the transport.
func speechChecker(endpoint string) health.Checker {
	return health.Checker{
		Name: "speech_backend",
		Check: func(ctx context.Context) error {
			u, err := url.Parse(endpoint)
			if err != nil {
				return err
			}
			host := u.Host
			if u.Port() == "" {
				if u.Scheme == "wss" {
					host = net.JoinHostPort(u.Hostname(), "443")
				} else {
					host = net.JoinHostPort(u.Hostname(), "80")
				}
			}
			var d net.Dialer
			conn, err := d.DialContext(ctx, "tcp", host)
			if err != nil {
				return err
			}
			return conn.Close()
		},
	}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
