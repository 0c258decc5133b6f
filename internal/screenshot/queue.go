// Package screenshot serializes capture requests against a rate-limited
// capture primitive.
package screenshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dgnsrekt/webreplay/internal/diag"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("screenshot: queue closed")

const (
	DefaultSpacing  = time.Second
	DefaultAttempts = 3
	DefaultBackoff  = time.Second
)

// Request asks for one screenshot.
type Request struct {
	FilenameHint string
	// Fallback is the target captured when the request was made; retries go
	// there when the active target fails.
	Fallback string
	RunID    string
	Step     int
	PageURL  string
}

// Capturer grabs the rendered viewport of a target. An empty target means
// whichever target is currently active.
type Capturer interface {
	Capture(ctx context.Context, target string) ([]byte, error)
}

// Saver persists captured bytes and returns the stored artifact id.
type Saver interface {
	Save(ctx context.Context, req Request, png []byte) (string, error)
}

// Result is the terminal outcome of one request.
type Result struct {
	Request    Request
	ArtifactID string
	Attempts   int
	Err        error
}

// Options configure a Queue. Zero values select the defaults; a negative
// Backoff disables the pause between attempts.
type Options struct {
	// Spacing is the minimum interval between two capture dispatches.
	Spacing  time.Duration
	Attempts int
	Backoff  time.Duration
	Reporter diag.Reporter
	// OnResult observes every finished request on the drain goroutine.
	OnResult func(Result)
	Logger   *slog.Logger
}

// Queue is a single-slot request queue: one drain goroutine, at most one
// capture in flight, and a spacing floor between dispatches and after each
// completed request.
type Queue struct {
	capt    Capturer
	saver   Saver
	opts    Options
	limiter *rate.Limiter
	logger  *slog.Logger

	mu       sync.Mutex
	pending  []Request
	inFlight bool
	closed   bool
	// idle is closed whenever nothing is pending or in flight.
	idle     chan struct{}
	idleDone bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQueue starts the drain goroutine. Close releases it.
func NewQueue(capt Capturer, saver Saver, opts Options) *Queue {
	if opts.Spacing <= 0 {
		opts.Spacing = DefaultSpacing
	}
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	switch {
	case opts.Backoff == 0:
		opts.Backoff = DefaultBackoff
	case opts.Backoff < 0:
		opts.Backoff = 0
	}
	if opts.Reporter == nil {
		opts.Reporter = diag.Discard
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		capt:    capt,
		saver:   saver,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Every(opts.Spacing), 1),
		logger:  opts.Logger,
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
	q.idle = make(chan struct{})
	close(q.idle)
	q.idleDone = true
	q.wg.Add(1)
	go q.drain()
	return q
}

// Enqueue appends req and returns immediately.
func (q *Queue) Enqueue(req Request) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.pending = append(q.pending, req)
	if q.idleDone {
		q.idle = make(chan struct{})
		q.idleDone = false
	}
	depth := len(q.pending)
	q.mu.Unlock()

	q.logger.Debug("screenshot queued", "filename", req.FilenameHint, "depth", depth)
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Len reports queued plus in-flight requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.pending)
	if q.inFlight {
		n++
	}
	return n
}

// Wait blocks until the queue is empty and nothing is in flight, or ctx ends.
func (q *Queue) Wait(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting requests, abandons anything still pending and
// waits for the in-flight capture to finish.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	dropped := len(q.pending)
	q.pending = nil
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
	q.markIdle()
	if dropped > 0 {
		q.logger.Warn("screenshot queue closed with pending requests", "dropped", dropped)
	}
}

func (q *Queue) next() (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.pending) == 0 {
		return Request{}, false
	}
	req := q.pending[0]
	q.pending = q.pending[1:]
	q.inFlight = true
	return req, true
}

func (q *Queue) finish() {
	q.mu.Lock()
	q.inFlight = false
	empty := len(q.pending) == 0
	q.mu.Unlock()
	if empty {
		q.markIdle()
	}
}

func (q *Queue) markIdle() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.idleDone && len(q.pending) == 0 && !q.inFlight {
		close(q.idle)
		q.idleDone = true
	}
}

func (q *Queue) drain() {
	defer q.wg.Done()
	var lastDone time.Time
	for {
		req, ok := q.next()
		if !ok {
			select {
			case <-q.wake:
				continue
			case <-q.ctx.Done():
				return
			}
		}
		// The spacing floor also runs from the previous completion, so a
		// slow capture does not let the next one follow right behind it.
		if !lastDone.IsZero() {
			_ = sleepCtx(q.ctx, q.opts.Spacing-time.Since(lastDone))
		}
		res := q.process(req)
		lastDone = time.Now()
		if q.opts.OnResult != nil {
			q.opts.OnResult(res)
		}
		q.finish()
	}
}

// process runs the bounded retry loop for one request. The first attempt
// targets the active page; later attempts use the fallback when one was
// captured.
func (q *Queue) process(req Request) Result {
	res := Result{Request: req}
	var lastErr error
	for attempt := 1; attempt <= q.opts.Attempts; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(q.ctx, q.opts.Backoff); err != nil {
				lastErr = err
				break
			}
		}
		if err := q.limiter.Wait(q.ctx); err != nil {
			lastErr = err
			break
		}
		target := ""
		if attempt > 1 {
			target = req.Fallback
		}
		res.Attempts = attempt

		id, err := q.attempt(req, target)
		if err == nil {
			res.ArtifactID = id
			q.opts.Reporter.Report(diag.Event{
				Kind:     diag.ScreenshotSaved,
				RunID:    req.RunID,
				Step:     req.Step,
				Attempt:  attempt,
				Target:   target,
				Artifact: id,
			})
			return res
		}
		lastErr = err
		if attempt < q.opts.Attempts {
			q.opts.Reporter.Report(diag.Event{
				Kind:    diag.ScreenshotRetry,
				RunID:   req.RunID,
				Step:    req.Step,
				Attempt: attempt,
				Target:  target,
				Error:   err.Error(),
				Message: "screenshot attempt failed",
			})
		}
	}
	res.Err = fmt.Errorf("screenshot %s: %w", req.FilenameHint, lastErr)
	q.opts.Reporter.Report(diag.Event{
		Kind:    diag.ScreenshotDropped,
		RunID:   req.RunID,
		Step:    req.Step,
		Attempt: res.Attempts,
		Error:   lastErr.Error(),
		Message: "screenshot dropped",
	})
	return res
}

func (q *Queue) attempt(req Request, target string) (string, error) {
	data, err := q.capt.Capture(q.ctx, target)
	if err != nil {
		return "", fmt.Errorf("capture: %w", err)
	}
	id, err := q.saver.Save(q.ctx, req, data)
	if err != nil {
		return "", fmt.Errorf("save: %w", err)
	}
	return id, nil
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
