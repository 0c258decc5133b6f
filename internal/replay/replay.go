// Package replay drives a page through a recorded action log one step at a
// time, waiting for each step's precondition, then settling and requesting a
// screenshot before moving on.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgnsrekt/webreplay/internal/actionlog"
	"github.com/dgnsrekt/webreplay/internal/diag"
	"github.com/dgnsrekt/webreplay/internal/page"
	"github.com/dgnsrekt/webreplay/internal/screenshot"
	"github.com/dgnsrekt/webreplay/internal/settings"
)

var (
	// ErrNotFound marks a step whose target never resolved.
	ErrNotFound = errors.New("replay: element not found")
	// ErrTimeout marks a wait that ran out: an element that stayed hidden or
	// a page that never finished loading.
	ErrTimeout = errors.New("replay: wait timed out")
	// ErrInvalidLocator marks a step whose locator cannot address anything.
	ErrInvalidLocator = errors.New("replay: invalid locator")
)

// State of a run. There is no failed state: per-step failures are contained.
type State string

const (
	StateRunning   State = "running"
	StateCompleted State = "completed"
)

// Outcome of a single step.
type Outcome string

const (
	OutcomeDone Outcome = "done"
	// OutcomeSkipped means the effect was not applied.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeDegraded means the effect was applied but its wait timed out.
	OutcomeDegraded Outcome = "degraded"
)

// Config holds the timings a run uses.
type Config struct {
	ElementWaitTimeout time.Duration
	SettleDelay        time.Duration
}

func DefaultConfig() Config {
	return ConfigFrom(settings.Defaults())
}

// ConfigFrom converts the stored replay configuration.
func ConfigFrom(s settings.Settings) Config {
	return Config{ElementWaitTimeout: s.ElementWaitTimeout(), SettleDelay: s.SettleDelay()}
}

// StepResult records what happened to one action.
type StepResult struct {
	Step       int              `json:"step"`
	Action     actionlog.Action `json:"action"`
	Outcome    Outcome          `json:"outcome"`
	Error      string           `json:"error,omitempty"`
	Screenshot string           `json:"screenshot,omitempty"`
	Duration   time.Duration    `json:"duration_ns"`
	Err        error            `json:"-"`
}

// Summary is the result of a whole run.
type Summary struct {
	RunID      string       `json:"run_id"`
	State      State        `json:"state"`
	Total      int          `json:"total"`
	Done       int          `json:"done"`
	Skipped    int          `json:"skipped"`
	Degraded   int          `json:"degraded"`
	Cancelled  bool         `json:"cancelled"`
	Steps      []StepResult `json:"steps"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at,omitempty"`
}

// Requester accepts screenshot requests. *screenshot.Queue implements it.
type Requester interface {
	Enqueue(req screenshot.Request) error
}

// targetIdentifier is implemented by pages that know their browser target
// id; it becomes the fallback for screenshot retries.
type targetIdentifier interface {
	TargetID() string
}

// Options configure a Runner. All fields are optional.
type Options struct {
	Reporter diag.Reporter
	Logger   *slog.Logger
	// OnStep observes each finished step on the run goroutine.
	OnStep func(StepResult)
}

// Runner replays action logs against one page.
type Runner struct {
	page   page.Page
	shots  Requester
	opts   Options
	logger *slog.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

// New returns a Runner. shots may be nil to replay without screenshots.
func New(p page.Page, shots Requester, opts Options) *Runner {
	if opts.Reporter == nil {
		opts.Reporter = diag.Discard
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{page: p, shots: shots, opts: opts, logger: logger, now: time.Now, sleep: sleepCtx}
}

// Run replays actions strictly in order and returns once every action has
// been processed or ctx is cancelled. It never fails as a whole.
func (r *Runner) Run(ctx context.Context, runID string, actions []actionlog.Action, cfg Config) Summary {
	if cfg.ElementWaitTimeout <= 0 {
		cfg.ElementWaitTimeout = DefaultConfig().ElementWaitTimeout
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	sum := Summary{RunID: runID, State: StateRunning, Total: len(actions), StartedAt: r.now()}
	r.opts.Reporter.Report(diag.Event{
		Kind:    diag.ReplayStarted,
		RunID:   runID,
		Message: fmt.Sprintf("replay started with %d actions", len(actions)),
	})

	for i, a := range actions {
		if ctx.Err() != nil {
			sum.Cancelled = true
			break
		}
		step := i + 1
		res := r.runStep(ctx, runID, step, a, cfg)
		if ctx.Err() != nil && res.Outcome != OutcomeDone {
			sum.Cancelled = true
			break
		}

		if err := r.sleep(ctx, cfg.SettleDelay); err != nil {
			sum.Cancelled = true
			r.record(&sum, res)
			break
		}
		res.Screenshot = r.requestScreenshot(ctx, runID, step)
		r.record(&sum, res)
	}

	sum.State = StateCompleted
	sum.FinishedAt = r.now()
	msg := "replay completed"
	if sum.Cancelled {
		msg = "replay cancelled"
	}
	r.opts.Reporter.Report(diag.Event{
		Kind:    diag.ReplayCompleted,
		RunID:   runID,
		Message: fmt.Sprintf("%s: %d done, %d skipped, %d degraded of %d", msg, sum.Done, sum.Skipped, sum.Degraded, sum.Total),
	})
	return sum
}

func (r *Runner) record(sum *Summary, res StepResult) {
	switch res.Outcome {
	case OutcomeDone:
		sum.Done++
	case OutcomeSkipped:
		sum.Skipped++
	case OutcomeDegraded:
		sum.Degraded++
	}
	sum.Steps = append(sum.Steps, res)
	if r.opts.OnStep != nil {
		r.opts.OnStep(res)
	}
}

func (r *Runner) runStep(ctx context.Context, runID string, step int, a actionlog.Action, cfg Config) StepResult {
	start := r.now()
	res := StepResult{Step: step, Action: a, Outcome: OutcomeDone}
	r.logger.Debug("replay step", "run_id", runID, "step", step, "action", a.String())

	err := r.apply(ctx, a, cfg)
	res.Duration = r.now().Sub(start)
	switch {
	case err == nil:
		r.opts.Reporter.Report(diag.Event{Kind: diag.StepDone, RunID: runID, Step: step, Action: string(a.Kind)})
		return res
	case ctx.Err() != nil:
		res.Outcome = OutcomeSkipped
		res.Err = ctx.Err()
		res.Error = res.Err.Error()
		return res
	case a.Kind == actionlog.KindNavigate && errors.Is(err, ErrTimeout):
		res.Outcome = OutcomeDegraded
		r.opts.Reporter.Report(diag.Event{
			Kind:    diag.NavigationTimeout,
			RunID:   runID,
			Step:    step,
			Action:  string(a.Kind),
			Error:   err.Error(),
			Message: "replay page load timed out",
		})
	default:
		res.Outcome = OutcomeSkipped
		r.opts.Reporter.Report(diag.Event{
			Kind:    diag.StepSkipped,
			RunID:   runID,
			Step:    step,
			Action:  string(a.Kind),
			Error:   err.Error(),
			Message: "replay step skipped",
		})
	}
	res.Err = err
	res.Error = err.Error()
	return res
}

func (r *Runner) apply(ctx context.Context, a actionlog.Action, cfg Config) error {
	switch a.Kind {
	case actionlog.KindClick:
		if err := r.waitForTarget(ctx, a, cfg.ElementWaitTimeout, true); err != nil {
			return err
		}
		return r.targetErr(a, r.page.Click(ctx, a.Locator))
	case actionlog.KindChange:
		if err := r.waitForTarget(ctx, a, cfg.ElementWaitTimeout, false); err != nil {
			return err
		}
		return r.targetErr(a, r.page.SetValue(ctx, a.Locator, a.Value))
	case actionlog.KindKeyDown:
		if err := r.waitForTarget(ctx, a, cfg.ElementWaitTimeout, false); err != nil {
			return err
		}
		return r.targetErr(a, r.page.DispatchKey(ctx, a.Locator, a.Key))
	case actionlog.KindScroll:
		if err := r.page.ScrollTo(ctx, a.X, a.Y); err != nil {
			return fmt.Errorf("scroll to %v,%v: %w", a.X, a.Y, err)
		}
		return nil
	case actionlog.KindNavigate:
		return r.navigate(ctx, a.URL, cfg.ElementWaitTimeout)
	default:
		return fmt.Errorf("replay: unsupported action %q", a.Kind)
	}
}

func (r *Runner) targetErr(a actionlog.Action, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, page.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrNotFound, a.Locator)
	default:
		return fmt.Errorf("%s %s: %w", a.Kind, a.Locator, err)
	}
}

// waitForTarget suspends until the action's target resolves (and is
// visible when visible is set) or timeout elapses. The first check is
// immediate; later checks run on each page change notification.
func (r *Runner) waitForTarget(ctx context.Context, a actionlog.Action, timeout time.Duration, visible bool) error {
	if a.Locator.Empty() {
		return fmt.Errorf("%w: %s has no usable locator", ErrInvalidLocator, a.Kind)
	}
	var last page.Probe
	var lastErr error
	err := r.waitUntil(ctx, timeout, func(ctx context.Context) bool {
		p, err := r.page.Probe(ctx, a.Locator)
		if err != nil {
			lastErr = err
			return false
		}
		last = p
		return p.Found && (p.Visible || !visible)
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	switch {
	case last.Found:
		return fmt.Errorf("%w: %s present but not visible after %v", ErrTimeout, a.Locator, timeout)
	case lastErr != nil:
		return fmt.Errorf("%w: %s: %v", ErrNotFound, a.Locator, lastErr)
	default:
		return fmt.Errorf("%w: %s after %v", ErrNotFound, a.Locator, timeout)
	}
}

// navigate sets the location and waits for the document to report
// readyState "complete". The document being replaced can still report
// "complete", so readiness is only checked once the page has signalled a
// change after the navigation started.
func (r *Runner) navigate(ctx context.Context, url string, timeout time.Duration) error {
	changes, cancel := r.page.Changes()
	defer cancel()
	nctx, ncancel := context.WithTimeout(ctx, timeout)
	defer ncancel()

	if err := r.page.Navigate(nctx, url); err != nil {
		if ctx.Err() == nil && nctx.Err() != nil {
			return fmt.Errorf("%w: %s did not start loading within %v", ErrTimeout, url, timeout)
		}
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	select {
	case <-changes:
	case <-nctx.Done():
		if err := ctx.Err(); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s did not start loading within %v", ErrTimeout, url, timeout)
	}
	err := r.waitOn(nctx, changes, timeout, func(ctx context.Context) bool {
		state, err := r.page.ReadyState(ctx)
		return err == nil && state == page.ReadyComplete
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("%w: %s did not finish loading within %v", ErrTimeout, url, timeout)
	}
	return err
}

func (r *Runner) waitUntil(ctx context.Context, timeout time.Duration, check func(context.Context) bool) error {
	changes, cancel := r.page.Changes()
	defer cancel()
	return r.waitOn(ctx, changes, timeout, check)
}

func (r *Runner) waitOn(ctx context.Context, changes <-chan struct{}, timeout time.Duration, check func(context.Context) bool) error {
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		if check(wctx) {
			return nil
		}
		select {
		case <-changes:
		case <-wctx.Done():
			if err := ctx.Err(); err != nil {
				return err
			}
			return ErrTimeout
		}
	}
}

func (r *Runner) requestScreenshot(ctx context.Context, runID string, step int) string {
	if r.shots == nil {
		return ""
	}
	name := fmt.Sprintf("screenshot_%d.png", step)
	req := screenshot.Request{FilenameHint: name, RunID: runID, Step: step}
	if loc, err := r.page.Location(ctx); err == nil {
		req.PageURL = loc
	}
	if t, ok := r.page.(targetIdentifier); ok {
		req.Fallback = t.TargetID()
	}
	if err := r.shots.Enqueue(req); err != nil {
		r.logger.Warn("replay screenshot request rejected", "run_id", runID, "step", step, "error", err)
		return ""
	}
	return name
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
