package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dgnsrekt/webreplay/internal/api"
	"github.com/dgnsrekt/webreplay/internal/artifact"
	"github.com/dgnsrekt/webreplay/internal/browser"
	"github.com/dgnsrekt/webreplay/internal/cdp"
	"github.com/dgnsrekt/webreplay/internal/config"
	"github.com/dgnsrekt/webreplay/internal/controller"
	"github.com/dgnsrekt/webreplay/internal/diag"
	"github.com/dgnsrekt/webreplay/internal/netutil"
	"github.com/dgnsrekt/webreplay/internal/notify"
	"github.com/dgnsrekt/webreplay/internal/recordings"
	"github.com/dgnsrekt/webreplay/internal/screenshot"
	"github.com/dgnsrekt/webreplay/internal/settings"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		_, _ = io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n")
		os.Exit(1)
	}

	slog.Info("controller config loaded",
		"bind_addr", cfg.BindAddr,
		"cdp_url", cfg.CDPURL(),
		"tab_url_filter", cfg.TabURLFilter,
		"eval_timeout_ms", cfg.EvalTimeoutMS,
		"artifact_dir", cfg.ArtifactDir,
		"recordings_dir", cfg.RecordingsDir,
		"settings_file", cfg.SettingsFile,
		"record_inputs", cfg.Engine.RecordInputs,
		"screenshot_spacing_ms", cfg.Engine.ScreenshotSpacingMS,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
	)

	ln, err := netutil.Listen(cfg.BindAddr, cfg.PortCandidates, cfg.PortAutoFallback)
	if err != nil {
		slog.Error("failed to bind control api", "preferred", cfg.BindAddr, "error", err)
		os.Exit(1)
	}
	bindAddr := ln.Addr().String()

	var launcher *browser.Launcher
	if cfg.LaunchBrowser {
		launcher = browser.NewLauncher(browser.Config{
			CDPAddress: cfg.CDPAddress,
			CDPPort:    cfg.CDPPort,
			StartURL:   cfg.StartURL,
			ProfileDir: cfg.ProfileDir,
			Headless:   cfg.Headless,
			Binary:     cfg.BrowserBinary,
		}, slog.Default())
		if err := launcher.Launch(context.Background()); err != nil {
			slog.Error("failed to launch browser", "error", err)
			os.Exit(1)
		}
		defer launcher.Stop()
	}

	artifacts, err := artifact.NewStore(cfg.ArtifactDir)
	if err != nil {
		slog.Error("failed to open artifact store", "dir", cfg.ArtifactDir, "error", err)
		os.Exit(1)
	}
	recs, err := recordings.NewStore(cfg.RecordingsDir)
	if err != nil {
		slog.Error("failed to open recordings store", "dir", cfg.RecordingsDir, "error", err)
		os.Exit(1)
	}
	settingsStore := settings.NewStore(cfg.SettingsFile)
	if st, err := settingsStore.Load(); err != nil {
		slog.Warn("settings file unreadable, replays will fail until it is fixed", "path", cfg.SettingsFile, "error", err)
	} else {
		slog.Info("replay settings loaded",
			"max_locator_search_depth", st.MaxLocatorSearchDepth,
			"element_wait_timeout_ms", st.ElementWaitTimeoutMs,
			"post_action_settle_delay_ms", st.PostActionSettleDelayMs,
			"actionable_only", st.ActionableOnly,
		)
	}

	journal := diag.NewJournal(cfg.JournalDir, cfg.JournalBufferSize, cfg.JournalMaxSizeMB)
	broker := diag.NewBroker()
	hub := diag.NewHub(slog.Default(), journal, broker)
	var reporter diag.Reporter = hub
	var notifier *notify.Notifier
	if cfg.NotifyURL != "" {
		notifier = notify.NewNotifier(cfg.NotifyURL, nil, slog.Default())
		reporter = diag.Multi(hub, notifier)
	}

	cdpClient := cdp.NewClient(cfg.CDPURL(), cfg.TabURLFilter, cfg.EvalTimeout())
	if err := cdpClient.Connect(context.Background()); err != nil {
		slog.Error("failed to connect to browser", "cdp_url", cfg.CDPURL(), "error", err)
		slog.Info("start chromium with --remote-debugging-port or set REPLAY_LAUNCH_BROWSER=true")
		os.Exit(1)
	}

	queue := screenshot.NewQueue(cdpClient, artifacts, screenshot.Options{
		Spacing:  cfg.Engine.ScreenshotSpacing(),
		Attempts: cfg.Engine.ScreenshotAttempts,
		Backoff:  cfg.Engine.ScreenshotBackoff(),
		Reporter: reporter,
	})

	svc := controller.NewService(controller.Deps{
		Browser:    cdpClient,
		Shots:      queue,
		Artifacts:  artifacts,
		Recordings: recs,
		Settings:   settingsStore,
		Reporter:   reporter,
		Engine:     cfg.Engine,
	})
	h := api.NewServer(svc, broker)

	srv := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		slog.Info("controller listening", "addr", bindAddr, "docs", "http://"+bindAddr+"/docs")
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("controller server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("controller shutdown failed", "error", err)
	}
	svc.Close()
	if err := queue.Wait(ctx); err != nil {
		slog.Warn("pending screenshots abandoned", "pending", queue.Len(), "error", err)
	}
	queue.Close()
	if notifier != nil {
		notifier.Close()
	}
	broker.Close()
	if err := journal.Close(); err != nil {
		slog.Warn("diag journal close failed", "error", err)
	}
	if err := cdpClient.Close(); err != nil {
		slog.Warn("cdp client close failed", "error", err)
	}
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
