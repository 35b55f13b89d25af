package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dgnsrekt/tz_agent/internal/api"
	"github.com/dgnsrekt/tz_agent/internal/browser"
	"github.com/dgnsrekt/tz_agent/internal/cdpcontrol"
	"github.com/dgnsrekt/tz_agent/internal/config"
	"github.com/dgnsrekt/tz_agent/internal/controller"
	"github.com/dgnsrekt/tz_agent/internal/netutil"
	"github.com/dgnsrekt/tz_agent/internal/prefs"
	"github.com/dgnsrekt/tz_agent/internal/relay"
	"github.com/dgnsrekt/tz_agent/internal/router"
	"github.com/dgnsrekt/tz_agent/internal/session"
	"github.com/dgnsrekt/tz_agent/internal/storage"
	"github.com/dgnsrekt/tz_agent/internal/types"
)

func main() {
	cfg, err := config.LoadController()
	if err != nil {
		slog.Error("failed to load controller config", "error", err)
		os.Exit(1)
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		if _, writeErr := io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n"); writeErr != nil {
			slog.Debug("logger setup stderr write failed", "error", writeErr)
		}
		os.Exit(1)
	}

	slog.Info("tz_controller config loaded",
		"cdp_url", cfg.ControllerCDPURL(),
		"protocol_version", cfg.ProtocolVersion,
		"bind_addr", cfg.BindAddr,
		"command_timeout_ms", cfg.CommandTimeoutMS,
		"reload_on_apply", cfg.ReloadOnApply,
		"apply_default_timezone", cfg.ApplyDefaultTimezone,
		"prefs_file", cfg.PrefsFile,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
		"journal_dir", cfg.JournalDir,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("tz_controller failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.ControllerConfig) error {
	if cfg.BrowserLaunch {
		launcher := browser.NewLauncher(browser.Config{
			CDPAddress: cfg.CDPAddress,
			CDPPort:    cfg.CDPPort,
			ProfileDir: cfg.BrowserProfileDir,
			StartURL:   cfg.BrowserStartURL,
		})
		if err := launcher.Launch(ctx); err != nil {
			return err
		}
		defer launcher.Stop()
	}

	store, err := prefs.Open(cfg.PrefsFile)
	if err != nil {
		return err
	}

	broker := relay.NewBroker()
	indicator := relay.NewIndicatorPublisher(broker)
	if cfg.JournalDir != "" {
		journal := storage.NewJournal(cfg.JournalDir, 25)
		defer journal.Close()
		go journal.Follow(ctx, broker)
	}

	host := cdpcontrol.NewHost(cfg.ControllerCDPURL(), cfg.ProtocolVersion, cfg.CommandTimeout())
	registry := session.NewRegistry()
	ctrl := session.NewController(host, registry, indicator)
	watcher := session.NewWatcher(ctrl, store, cfg.ApplyDefaultTimezone)
	host.SetEventSink(func(ev types.TabEvent) { watcher.HandleEvent(ctx, ev) })

	if err := host.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		watcher.Stop()
		if err := host.Close(); err != nil {
			slog.Debug("CDP host close failed", "error", err)
		}
	}()
	go host.Run(ctx)

	var reloader router.Reloader
	if cfg.ReloadOnApply {
		reloader = host
	}
	svc := controller.NewService(host, router.New(ctrl, reloader), registry, store)
	h := api.NewServer(svc, relay.SSEHandler(broker, indicator))

	ln, err := netutil.Listen(cfg.BindAddr, cfg.PortCandidates, cfg.PortAutoFallback)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		// Event streams end with ctx so Shutdown does not wait on them.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	serveErr := make(chan error, 1)
	go func() {
		addr := ln.Addr().String()
		slog.Info("tz_controller listening", "addr", addr, "docs", "http://"+addr+"/docs")
		serveErr <- srv.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("tz_controller shutdown failed", "error", err)
	}
	slog.Info("tz_controller stopped", "sessions_left", registry.Len(), "indicator_drops", broker.Dropped())
	return nil
}

func setupLogger(level, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	h := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}
