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

	"github.com/wilsonzlin/aero/proxy/geosignal-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/geosignal-relay/internal/directory"
	"github.com/wilsonzlin/aero/proxy/geosignal-relay/internal/geofence"
	"github.com/wilsonzlin/aero/proxy/geosignal-relay/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/geosignal-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/geosignal-relay/internal/poi"
	"github.com/wilsonzlin/aero/proxy/geosignal-relay/internal/session"
	"github.com/wilsonzlin/aero/proxy/geosignal-relay/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/geosignal-relay/internal/turnrest"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
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

	pois := poi.LoadOrEmpty(cfg.POIFile, logger)

	logger.Info("starting geosignal-relay",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"env_file", cfg.EnvFile,
		"poi_file", cfg.POIFile,
		"pois", len(pois),
		"session_ttl", cfg.SessionTTL,
		"session_sweep_interval", cfg.SessionSweepInterval,
		"phone_static_dir", cfg.PhoneStaticDir,
		"ice_servers", len(cfg.ICEServers),
		"turn_rest", cfg.TURNREST.Enabled(),
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
	)

	logStartupWarnings(logger, cfg, len(pois))

	var turnIssuer *turnrest.Issuer
	if cfg.TURNREST.Enabled() {
		turnIssuer, err = turnrest.NewIssuer(turnrest.Config{
			SharedSecret:   cfg.TURNREST.SharedSecret,
			TTL:            cfg.TURNREST.TTL,
			UsernamePrefix: cfg.TURNREST.UsernamePrefix,
		})
		if err != nil {
			logger.Error("invalid TURN REST config", "err", err)
			os.Exit(2)
		}
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, builtAt := resolveBuildInfo(buildCommit, buildTime)

	m := metrics.New()
	hub := signaling.NewHub(signaling.HubConfig{
		Directory:     directory.New(session.NewRegistry(cfg.SessionTTL)),
		Geofence:      geofence.NewEvaluator(pois),
		Logger:        logger,
		Metrics:       m,
		SweepInterval: cfg.SessionSweepInterval,
	})

	hubCtx, stopHub := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hub.Run(hubCtx)
	}()

	ws := signaling.NewWebSocketServer(hub, signaling.WebSocketConfig{
		Logger:            logger,
		Metrics:           m,
		MaxMessageBytes:   cfg.MaxSignalingMessageBytes,
		MessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		BytesPerSecond:    cfg.MaxSignalingBytesPerSecond,
		SendQueueSize:     cfg.SendQueueSize,
		IdleTimeout:       cfg.SignalingWSIdleTimeout,
		PingInterval:      cfg.SignalingWSPingInterval,
	})

	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: builtAt}, httpserver.Handlers{
		Signaling: ws,
		Metrics:   m.Handler(),
		Ready:     hub.Running,
		TURN:      turnIssuer,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		stopHub()
		<-hubDone
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

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	// Stopping the hub closes every signaling socket with 1001.
	stopHub()
	<-hubDone

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// ldflags values win; VCS stamps cover `go run` and dev builds.
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
