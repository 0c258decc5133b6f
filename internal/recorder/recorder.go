// Package recorder turns raw page interactions into an action log.
package recorder

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dgnsrekt/webreplay/internal/actionlog"
	"github.com/dgnsrekt/webreplay/internal/locator"
	"github.com/dgnsrekt/webreplay/internal/page"
)

// State is the recorder lifecycle state.
type State int

const (
	Idle State = iota
	Recording
)

func (s State) String() string {
	if s == Recording {
		return "recording"
	}
	return "idle"
}

const (
	DefaultClickNavigationDelay = 500 * time.Millisecond
	DefaultScrollDebounce       = 500 * time.Millisecond

	locationProbeTimeout = 2 * time.Second
)

// Options configure a Recorder. Zero durations select the defaults.
type Options struct {
	// ClickNavigationDelay is how long after a click the location is
	// re-checked to decide whether the click navigated.
	ClickNavigationDelay time.Duration
	// ScrollDebounce is the trailing window that coalesces one scroll
	// gesture into one entry.
	ScrollDebounce time.Duration
	// RecordInputs enables change and keydown capture.
	RecordInputs bool
	Locator      locator.Options
	// OnFinish receives the frozen log once per Stop.
	OnFinish func(*actionlog.Log)
}

type pendingClick struct {
	index    int
	location string
	timer    *time.Timer
	done     bool
}

// Recorder is a single recording session bound to one event source. All
// methods are safe for concurrent use; events arrive on the source's
// goroutines.
type Recorder struct {
	src    page.EventSource
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	state   State
	log     *actionlog.Log
	ctx     context.Context
	stop    func()
	pending []*pendingClick
	scrollX float64
	scrollY float64
	scroll  *time.Timer
	wg      sync.WaitGroup
}

// New returns an idle recorder for src.
func New(src page.EventSource, opts Options, logger *slog.Logger) *Recorder {
	if opts.ClickNavigationDelay <= 0 {
		opts.ClickNavigationDelay = DefaultClickNavigationDelay
	}
	if opts.ScrollDebounce <= 0 {
		opts.ScrollDebounce = DefaultScrollDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{src: src, opts: opts, logger: logger, log: actionlog.New()}
}

// State reports the current lifecycle state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Len reports how many actions the current recording holds.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.log.Len()
}

// Start clears the log and begins capturing. Starting an active recorder
// is a no-op. ctx bounds the capture session, not the call.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state == Recording {
		r.mu.Unlock()
		return nil
	}
	r.log = actionlog.New()
	r.pending = nil
	r.scroll = nil
	r.ctx = ctx
	r.state = Recording
	r.mu.Unlock()

	stop, err := r.src.Capture(ctx, page.CaptureOptions{Inputs: r.opts.RecordInputs}, r.handle)
	if err != nil {
		r.mu.Lock()
		r.state = Idle
		r.mu.Unlock()
		return err
	}

	r.mu.Lock()
	r.stop = stop
	r.mu.Unlock()
	r.logger.Info("recorder started", "record_inputs", r.opts.RecordInputs)
	return nil
}

// Stop removes the listeners, completes any pending click or scroll work,
// freezes the log and hands it to OnFinish. Stopping an idle recorder
// returns nil and emits nothing.
func (r *Recorder) Stop() *actionlog.Log {
	r.mu.Lock()
	if r.state != Recording {
		r.mu.Unlock()
		return nil
	}
	r.state = Idle
	stop := r.stop
	r.stop = nil
	r.mu.Unlock()

	if stop != nil {
		stop()
	}
	r.flush()

	r.mu.Lock()
	log := r.log
	log.Freeze()
	r.mu.Unlock()

	r.logger.Info("recorder stopped", "actions", log.Len())
	if r.opts.OnFinish != nil {
		r.opts.OnFinish(log)
	}
	return log
}

// flush settles every in-flight timer synchronously.
func (r *Recorder) flush() {
	r.mu.Lock()
	var now []*pendingClick
	for _, pc := range r.pending {
		if !pc.done && pc.timer.Stop() {
			now = append(now, pc)
		}
	}
	commitScroll := r.scroll != nil && r.scroll.Stop()
	if commitScroll {
		r.scroll = nil
	}
	r.mu.Unlock()

	for _, pc := range now {
		r.resolveClick(pc)
		r.wg.Done()
	}
	if commitScroll {
		r.commitScroll()
		r.wg.Done()
	}
	r.wg.Wait()
}

func (r *Recorder) handle(ev page.RawEvent) {
	r.mu.Lock()
	active := r.state == Recording
	r.mu.Unlock()
	if !active {
		return
	}

	switch ev.Type {
	case page.EventClick:
		r.onClick(ev)
	case page.EventScroll:
		r.onScroll(ev)
	case page.EventChange:
		if r.opts.RecordInputs {
			r.append(actionlog.Change(locator.Derive(ev.Target, r.opts.Locator), ev.Value))
		}
	case page.EventKeyDown:
		if r.opts.RecordInputs && ev.Key != "" {
			r.append(actionlog.KeyDown(locator.Derive(ev.Target, r.opts.Locator), ev.Key))
		}
	}
}

func (r *Recorder) append(a actionlog.Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Recording {
		return
	}
	if _, err := r.log.Append(a); err != nil {
		r.logger.Warn("recorder append failed", "action", a.String(), "error", err)
		return
	}
	r.logger.Debug("recorder action", "action", a.String())
}

func (r *Recorder) onClick(ev page.RawEvent) {
	loc := locator.Derive(ev.Target, r.opts.Locator)
	where := ev.Location
	if where == "" {
		where = r.location()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Recording {
		return
	}
	a := actionlog.Click(loc)
	idx, err := r.log.Append(a)
	if err != nil {
		r.logger.Warn("recorder append failed", "action", a.String(), "error", err)
		return
	}
	r.logger.Debug("recorder action", "action", a.String())

	pc := &pendingClick{index: idx, location: where}
	r.wg.Add(1)
	pc.timer = time.AfterFunc(r.opts.ClickNavigationDelay, func() {
		defer r.wg.Done()
		r.resolveClick(pc)
	})
	r.pending = append(r.pending, pc)
}

// resolveClick replaces the click with a navigation when the location moved
// during the disambiguation delay.
func (r *Recorder) resolveClick(pc *pendingClick) {
	current := r.location()

	r.mu.Lock()
	defer r.mu.Unlock()
	if pc.done {
		return
	}
	pc.done = true
	r.dropPendingLocked(pc)
	if current == "" || current == pc.location {
		return
	}
	if _, ok, err := r.log.Retract(pc.index); err != nil || !ok {
		return
	}
	for _, other := range r.pending {
		if other.index > pc.index {
			other.index--
		}
	}
	// Several clicks in one delay window all observe the same navigation.
	if n := r.log.Len(); n > 0 {
		if last := r.log.At(n - 1); last.Kind == actionlog.KindNavigate && last.URL == current {
			return
		}
	}
	if _, err := r.log.Append(actionlog.Navigate(current)); err != nil {
		return
	}
	r.logger.Debug("recorder click became navigation", "from", pc.location, "to", current)
}

func (r *Recorder) dropPendingLocked(pc *pendingClick) {
	for i, p := range r.pending {
		if p == pc {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			return
		}
	}
}

func (r *Recorder) onScroll(ev page.RawEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Recording {
		return
	}
	r.scrollX, r.scrollY = ev.X, ev.Y
	if r.scroll != nil && r.scroll.Stop() {
		r.wg.Done()
	}
	r.wg.Add(1)
	r.scroll = time.AfterFunc(r.opts.ScrollDebounce, func() {
		defer r.wg.Done()
		r.commitScroll()
	})
}

func (r *Recorder) commitScroll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := actionlog.Scroll(r.scrollX, r.scrollY)
	if _, err := r.log.Append(a); err != nil {
		return
	}
	r.logger.Debug("recorder action", "action", a.String())
}

func (r *Recorder) location() string {
	r.mu.Lock()
	ctx := r.ctx
	r.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), locationProbeTimeout)
	defer cancel()
	loc, err := r.src.Location(ctx)
	if err != nil {
		r.logger.Warn("recorder location probe failed", "error", err)
		return ""
	}
	return loc
}
