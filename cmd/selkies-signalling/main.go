package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/selkies-project/selkies-signalling/internal/config"
	"github.com/selkies-project/selkies-signalling/internal/httpserver"
	"github.com/selkies-project/selkies-signalling/internal/metrics"
	"github.com/selkies-project/selkies-signalling/internal/signalling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	envFileLoaded, err := config.LoadEnvFile(config.EnvFilePath())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting selkies-signalling",
		"listen_addr", cfg.ListenAddr(),
		"mode", cfg.Mode,
		"env_file_loaded", envFileLoaded,
		"static_dir", cfg.StaticDir,
		"root_websocket", cfg.RootWebSocket,
		"turn_stub", cfg.TURNStub,
		"ice_servers", len(cfg.ICEServers),
		"echo_mode", cfg.EchoMode,
		"ws_idle_timeout", cfg.WSIdleTimeout,
		"ws_ping_interval", cfg.WSPingInterval,
		"max_message_bytes", cfg.MaxMessageBytes,
		"max_messages_per_second", cfg.MaxMessagesPerSecond,
	)

	commit, buildTime := resolveBuildInfo(buildCommit, buildTime)

	m := metrics.New()
	sig := signalling.NewServer(signalling.Config{
		Logger:               logger,
		Metrics:              m,
		EchoMode:             echoMode(cfg.EchoMode),
		IdleTimeout:          cfg.WSIdleTimeout,
		PingInterval:         cfg.WSPingInterval,
		MaxMessageBytes:      cfg.MaxMessageBytes,
		MaxMessagesPerSecond: cfg.MaxMessagesPerSecond,
	})
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: buildTime}, sig, m)

	logStartupWarnings(logger, cfg, srv.StaticAvailable())

	ln, err := net.Listen("tcp", cfg.ListenAddr())
	if err != nil {
		logger.Error("failed to listen", "err", err)
		sig.Close()
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		sig.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Shutdown does not touch hijacked connections, so the WebSocket sessions
	// are closed separately.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	sig.Close()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func echoMode(mode config.EchoMode) signalling.EchoMode {
	switch mode {
	case config.EchoModeAlways:
		return signalling.EchoAlways
	default:
		// Validated by config.Load.
		return signalling.EchoWhenEstablished
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
