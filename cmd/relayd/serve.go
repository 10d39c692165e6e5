package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"streamrelay/internal/api"
	"streamrelay/internal/config"
	"streamrelay/internal/events"
	"streamrelay/internal/launcher"
	"streamrelay/internal/observability/logging"
	"streamrelay/internal/observability/metrics"
	"streamrelay/internal/serverutil"
	"streamrelay/internal/store"
	"streamrelay/internal/supervisor"
)

// shutdownSlack is added to the grace period when bounding supervisor
// shutdown, covering the SIGKILL wait and event delivery.
const shutdownSlack = 10 * time.Second

// serve resumes stored sessions, serves the control API until ctx is done and
// then detaches every relay, leaving the store intact for the next start.
func serve(ctx context.Context, cfg config.Config, stdout io.Writer, ready chan<- net.Addr) (err error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	logCfg := logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Writer: stdout}
	if path, ok := cfg.EventLogPath(); ok {
		eventLog, err := logging.OpenEventLog(path)
		if err != nil {
			return err
		}
		defer eventLog.Close()
		logCfg.EventLog = eventLog
	}
	logger := logging.Init(logCfg)
	logger.Info("relayd starting", "version", version, "data_dir", cfg.DataDir, "store", cfg.Store.Driver)

	recorder := metrics.New()
	metrics.SetDefault(recorder)

	st, err := store.Open(ctx, cfg.StoreConfig())
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer func() {
		if cerr := st.Close(); cerr != nil {
			logger.Warn("close session store", "error", cerr)
		}
	}()

	checks := map[string]api.HealthCheck{"store": st.Ping}
	publishers := []events.Publisher{events.NewLogPublisher(logging.WithComponent(logger, "events"))}
	if cfg.Events.Redis.Enabled() {
		pub, err := events.NewRedisPublisher(ctx, cfg.Events.Redis)
		if err != nil {
			return fmt.Errorf("connect event stream: %w", err)
		}
		defer pub.Close()
		publishers = append(publishers, pub)
		checks["event_stream"] = pub.Ping
	}

	sup, err := supervisor.New(supervisor.Config{
		Launcher: launcher.New(launcher.Config{
			Binary:    cfg.FFmpeg.Binary,
			Profile:   cfg.FFmpeg.EncodingProfile(),
			Logger:    logging.WithComponent(logger, "launcher"),
			TailLines: cfg.FFmpeg.StderrTail,
		}),
		Capturer: launcher.NewCapturer(launcher.CaptureConfig{
			Binary:  cfg.FFmpeg.Binary,
			Timeout: cfg.FFmpeg.CaptureTimeout,
			Offset:  cfg.FFmpeg.CaptureOffset,
			Logger:  logging.WithComponent(logger, "preview"),
		}),
		Store:                st,
		DataDir:              cfg.DataDir,
		Logger:               logger,
		Metrics:              recorder,
		Publishers:           publishers,
		EventBuffer:          cfg.Supervisor.EventBuffer,
		PollInterval:         cfg.Supervisor.PollInterval,
		GracePeriod:          cfg.Supervisor.GracePeriod,
		StoreTimeout:         cfg.Supervisor.StoreTimeout,
		ReconcileConcurrency: cfg.Supervisor.ReconcileConcurrency,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Supervisor.GracePeriod+shutdownSlack)
		defer cancel()
		if serr := sup.Shutdown(shutdownCtx); serr != nil {
			err = errors.Join(err, fmt.Errorf("shutdown supervisor: %w", serr))
		}
	}()

	if err := sup.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile sessions: %w", err)
	}

	handler, err := api.New(api.Config{
		Supervisor:   sup,
		Logger:       logging.WithComponent(logger, "api"),
		Metrics:      recorder,
		Token:        cfg.HTTP.Token,
		RateLimit:    cfg.HTTP.RateLimit,
		HealthChecks: checks,
	})
	if err != nil {
		return fmt.Errorf("build control api: %w", err)
	}
	if cfg.HTTP.Token == "" {
		logger.Warn("control api has no token configured; /v1 is open to anyone who can reach it", "addr", cfg.HTTP.Addr)
	}

	return serverutil.Run(ctx, serverutil.Config{
		Server:          &http.Server{Addr: cfg.HTTP.Addr, Handler: handler},
		TLS:             cfg.HTTP.TLS,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
		Logger:          logging.WithComponent(logger, "http"),
		Ready:           ready,
	})
}
