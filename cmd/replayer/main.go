// Command replayer replays one action log file against the browser tab
// matching REPLAY_TAB_URL_FILTER and prints the run summary as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"

	"github.com/dgnsrekt/webreplay/internal/actionlog"
	"github.com/dgnsrekt/webreplay/internal/artifact"
	"github.com/dgnsrekt/webreplay/internal/cdp"
	"github.com/dgnsrekt/webreplay/internal/config"
	"github.com/dgnsrekt/webreplay/internal/diag"
	"github.com/dgnsrekt/webreplay/internal/replay"
	"github.com/dgnsrekt/webreplay/internal/screenshot"
	"github.com/dgnsrekt/webreplay/internal/settings"
)

func main() {
	file := flag.String("file", "", "action log document to replay (bare array or versioned envelope)")
	noShots := flag.Bool("no-screenshots", false, "skip the per-step screenshots")
	tab := flag.String("tab", "", "target id to replay on instead of the first matching tab")
	flag.Parse()

	if *file == "" {
		_, _ = fmt.Fprintln(os.Stderr, "usage: replayer -file log.json [-tab TARGET_ID] [-no-screenshots]")
		os.Exit(2)
	}
	if err := run(*file, *tab, !*noShots); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "replayer failed: %v\n", err)
		os.Exit(1)
	}
}

func run(file, tabID string, shots bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogger(cfg.LogLevel)

	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	actions, err := actionlog.Unmarshal(data)
	if err != nil {
		return err
	}
	st, err := settings.NewStore(cfg.SettingsFile).Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := cdp.NewClient(cfg.CDPURL(), cfg.TabURLFilter, cfg.EvalTimeout())
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer func() { _ = client.Close() }()
	if tabID != "" {
		if _, err := client.SelectTab(ctx, tabID); err != nil {
			return err
		}
	}
	target, err := client.ActiveTarget()
	if err != nil {
		return err
	}

	reporter := diag.NewHub(slog.Default(), nil, nil)
	var requester replay.Requester
	var queue *screenshot.Queue
	shotsLog := newShotLog()
	if shots {
		store, err := artifact.NewStore(cfg.ArtifactDir)
		if err != nil {
			return err
		}
		queue = screenshot.NewQueue(client, store, screenshot.Options{
			Spacing:  cfg.Engine.ScreenshotSpacing(),
			Attempts: cfg.Engine.ScreenshotAttempts,
			Backoff:  cfg.Engine.ScreenshotBackoff(),
			Reporter: reporter,
			OnResult: shotsLog.record,
		})
		defer queue.Close()
		requester = queue
	}

	runID := uuid.New().String()
	slog.Info("replaying", "file", file, "actions", len(actions), "run_id", runID, "target_id", target.TargetID())
	sum := replay.New(target, requester, replay.Options{Reporter: reporter}).
		Run(ctx, runID, actions, replay.ConfigFrom(st))

	if queue != nil {
		if err := queue.Wait(ctx); err != nil {
			slog.Warn("pending screenshots abandoned", "pending", queue.Len(), "error", err)
		}
		queue.Close()
		if missing := shotsLog.apply(&sum); missing > 0 {
			slog.Warn("some screenshots were not saved", "run_id", runID, "missing", missing)
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(sum)
}

// shotLog collects screenshot outcomes by step.
type shotLog struct {
	mu     sync.Mutex
	byStep map[int]screenshot.Result
}

func newShotLog() *shotLog {
	return &shotLog{byStep: make(map[int]screenshot.Result)}
}

func (l *shotLog) record(res screenshot.Result) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byStep[res.Request.Step] = res
}

// apply clears the screenshot name of every step whose capture was dropped
// or never ran, and returns how many were cleared.
func (l *shotLog) apply(sum *replay.Summary) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	missing := 0
	for i := range sum.Steps {
		step := &sum.Steps[i]
		if step.Screenshot == "" {
			continue
		}
		if res, ok := l.byStep[step.Step]; !ok || res.Err != nil {
			step.Screenshot = ""
			missing++
		}
	}
	return missing
}

func setupLogger(level string) {
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
	// stdout carries the summary.
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
}
