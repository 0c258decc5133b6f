package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/cdproto/input"
	cdppage "github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/dgnsrekt/webreplay/internal/locator"
	"github.com/dgnsrekt/webreplay/internal/page"
)

// Tab is one attached browser tab. It implements page.Page and
// page.EventSource: page work runs as injected scripts, interaction events
// and DOM change pings come back through runtime bindings.
type Tab struct {
	id          target.ID
	ctx         context.Context
	cancel      context.CancelFunc
	evalTimeout time.Duration
	registry    *TabRegistry

	mu            sync.Mutex
	nextID        int
	changes       map[int]chan struct{}
	listeners     map[int]captureListener
	captureScript cdppage.ScriptIdentifier
	captureInputs bool

	// committed is closed and replaced on every main-frame commit.
	committed chan struct{}

	// capture payloads, delivered in order off the event handler goroutine
	events chan string
}

type captureListener struct {
	opts page.CaptureOptions
	fn   func(page.RawEvent)
}

// capturePayload is what the capture script sends through the event
// binding.
type capturePayload struct {
	Type     string     `json:"type"`
	Chain    page.Chain `json:"chain"`
	Location string     `json:"location"`
	X        float64    `json:"x"`
	Y        float64    `json:"y"`
	Value    string     `json:"value"`
	Key      string     `json:"key"`
}

type evalEnvelope struct {
	OK           bool            `json:"ok"`
	Data         json.RawMessage `json:"data,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

func newTab(id target.ID, ctx context.Context, cancel context.CancelFunc, evalTimeout time.Duration, registry *TabRegistry) *Tab {
	return &Tab{
		id:          id,
		ctx:         ctx,
		cancel:      cancel,
		evalTimeout: evalTimeout,
		registry:    registry,
		changes:     make(map[int]chan struct{}),
		listeners:   make(map[int]captureListener),
		committed:   make(chan struct{}),
		events:      make(chan string, 256),
	}
}

func (t *Tab) commit() {
	t.mu.Lock()
	defer t.mu.Unlock()
	close(t.committed)
	t.committed = make(chan struct{})
}

// attach prepares the tab: domains, bindings and the change observer for
// this and every future document.
func (t *Tab) attach() error {
	err := chromedp.Run(t.ctx,
		cdppage.Enable(),
		runtime.Enable(),
		runtime.AddBinding(eventBinding),
		runtime.AddBinding(mutationBinding),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := cdppage.AddScriptToEvaluateOnNewDocument(jsObserver).Do(ctx)
			return err
		}),
		chromedp.Evaluate(jsObserver, nil),
	)
	if err != nil {
		return err
	}
	go t.deliver()
	chromedp.ListenTarget(t.ctx, t.handleEvent)
	return nil
}

// deliver hands capture payloads to listeners until the tab closes.
// Listeners may issue CDP commands, which must not happen on the
// ListenTarget goroutine.
func (t *Tab) deliver() {
	for {
		select {
		case <-t.ctx.Done():
			return
		case payload := <-t.events:
			t.dispatch(payload)
		}
	}
}

// TargetID returns the browser target id of the tab.
func (t *Tab) TargetID() string { return string(t.id) }

func (t *Tab) handleEvent(ev interface{}) {
	switch e := ev.(type) {
	case *runtime.EventBindingCalled:
		switch e.Name {
		case mutationBinding:
			t.notify()
		case eventBinding:
			select {
			case t.events <- e.Payload:
			default:
				slog.Warn("cdp capture event dropped", "target_id", t.id)
			}
		}
	case *cdppage.EventFrameNavigated:
		if e.Frame.ParentID == "" {
			t.registry.Register(t.id, e.Frame.URL)
			t.commit()
			t.notify()
		}
	case *cdppage.EventNavigatedWithinDocument:
		t.registry.Register(t.id, e.URL)
		t.notify()
	case *cdppage.EventDomContentEventFired, *cdppage.EventLoadEventFired:
		t.notify()
	}
}

// run executes actions on the tab under the eval timeout and ctx. Derived
// contexts never close the tab when they end.
func (t *Tab) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(t.ctx, t.evalTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return NewError(CodeEvalTimeout, "evaluation timed out", err)
	}
	return NewError(CodeEvalFailure, "evaluation failed", err)
}

func (t *Tab) eval(ctx context.Context, js string, out any) error {
	var raw string
	if err := t.run(ctx, chromedp.Evaluate(js, &raw)); err != nil {
		slog.Debug("cdp eval failed", "target_id", t.id, "error", err)
		return err
	}
	return decodeEnvelope(raw, out)
}

func decodeEnvelope(raw string, out any) error {
	var env evalEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return NewError(CodeEvalFailure, "invalid evaluation envelope", err)
	}
	if !env.OK {
		if env.ErrorCode == CodeNotFound {
			return page.ErrNotFound
		}
		code := env.ErrorCode
		if code == "" {
			code = CodeEvalFailure
		}
		return NewError(code, env.ErrorMessage, nil)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return NewError(CodeEvalFailure, "invalid evaluation data", err)
	}
	return nil
}

func (t *Tab) Location(ctx context.Context) (string, error) {
	var loc string
	if err := t.run(ctx, chromedp.Location(&loc)); err != nil {
		return "", err
	}
	return loc, nil
}

// Navigate starts loading url in the main frame and returns once the new
// document has committed, without waiting for it to finish loading.
// Same-document navigations return as soon as the browser accepts them.
func (t *Tab) Navigate(ctx context.Context, url string) error {
	t.mu.Lock()
	committed := t.committed
	t.mu.Unlock()

	sameDocument := false
	err := t.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, loaderID, errText, _, err := cdppage.Navigate(url).Do(ctx)
		if err != nil {
			return err
		}
		if errText != "" {
			// Chromium still commits an error page for most failures.
			slog.Warn("cdp navigation reported an error", "target_id", t.id, "url", truncateURL(url), "error", errText)
		}
		sameDocument = loaderID == ""
		return nil
	}))
	if err != nil || sameDocument {
		return err
	}

	select {
	case <-committed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.ctx.Done():
		return NewError(CodeCDPUnavailable, "tab closed during navigation", t.ctx.Err())
	}
}

func (t *Tab) ReadyState(ctx context.Context) (string, error) {
	var state string
	if err := t.eval(ctx, jsReadyState, &state); err != nil {
		return "", err
	}
	return state, nil
}

func (t *Tab) ScrollTo(ctx context.Context, x, y float64) error {
	return t.eval(ctx, jsScrollTo(x, y), nil)
}

func (t *Tab) Probe(ctx context.Context, loc locator.Locator) (page.Probe, error) {
	var out struct {
		Found   bool `json:"found"`
		Visible bool `json:"visible"`
	}
	if err := t.eval(ctx, jsProbe(loc), &out); err != nil {
		return page.Probe{}, err
	}
	return page.Probe{Found: out.Found, Visible: out.Visible}, nil
}

func (t *Tab) Click(ctx context.Context, loc locator.Locator) error {
	return t.eval(ctx, jsClick(loc), nil)
}

func (t *Tab) SetValue(ctx context.Context, loc locator.Locator, value string) error {
	return t.eval(ctx, jsSetValue(loc, value), nil)
}

// DispatchKey focuses the element, then sends a trusted key press.
func (t *Tab) DispatchKey(ctx context.Context, loc locator.Locator, key string) error {
	if err := t.eval(ctx, jsFocus(loc), nil); err != nil {
		return err
	}
	down := input.DispatchKeyEvent(input.KeyDown).WithKey(key)
	if text := keyText(key); text != "" {
		down = down.WithText(text)
	}
	return t.run(ctx, down, input.DispatchKeyEvent(input.KeyUp).WithKey(key))
}

// keyText is the text a key inserts, which also makes Enter submit forms.
func keyText(key string) string {
	if key == "Enter" {
		return "\r"
	}
	if len([]rune(key)) == 1 {
		return key
	}
	return ""
}

// Screenshot captures the tab's viewport as PNG.
func (t *Tab) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := t.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, err
	}
	return buf, nil
}

func (t *Tab) Changes() (<-chan struct{}, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	ch := make(chan struct{}, 1)
	t.changes[id] = ch
	return ch, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.changes, id)
	}
}

func (t *Tab) notify() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range t.changes {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Capture installs the capture script in the current document and every
// later one, and delivers events to fn until stop is called or ctx ends.
func (t *Tab) Capture(ctx context.Context, opts page.CaptureOptions, fn func(page.RawEvent)) (func(), error) {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = captureListener{opts: opts, fn: fn}
	t.mu.Unlock()

	if err := t.syncCaptureScript(ctx); err != nil {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
		return nil, err
	}

	return onceUntil(ctx, func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
		if err := t.syncCaptureScript(context.Background()); err != nil {
			slog.Warn("cdp capture script removal failed", "target_id", t.id, "error", err)
		}
	}), nil
}

// onceUntil returns a func that runs fn at most once; fn also runs when ctx
// ends first.
func onceUntil(ctx context.Context, fn func()) func() {
	var once sync.Once
	run := func() { once.Do(fn) }
	release := context.AfterFunc(ctx, run)
	return func() {
		release()
		run()
	}
}

// syncCaptureScript makes the installed script match the listeners: none
// when nobody listens, with input events when any listener wants them.
func (t *Tab) syncCaptureScript(ctx context.Context) error {
	t.mu.Lock()
	want := len(t.listeners) > 0
	inputs := false
	for _, l := range t.listeners {
		inputs = inputs || l.opts.Inputs
	}
	installed := t.captureScript
	same := installed != "" && want && inputs == t.captureInputs
	t.mu.Unlock()
	if same || (installed == "" && !want) {
		return nil
	}

	var actions []chromedp.Action
	if installed != "" {
		actions = append(actions, cdppage.RemoveScriptToEvaluateOnNewDocument(installed))
	}
	var next cdppage.ScriptIdentifier
	if want {
		src := jsCaptureInstall(inputs)
		actions = append(actions,
			chromedp.ActionFunc(func(ctx context.Context) error {
				var err error
				next, err = cdppage.AddScriptToEvaluateOnNewDocument(src).Do(ctx)
				return err
			}),
			chromedp.Evaluate(src, nil),
		)
	} else {
		actions = append(actions, chromedp.Evaluate(jsCaptureStop, nil))
	}
	if err := t.run(ctx, actions...); err != nil {
		return fmt.Errorf("install capture script: %w", err)
	}

	t.mu.Lock()
	t.captureScript = next
	t.captureInputs = inputs
	t.mu.Unlock()
	slog.Debug("cdp capture script synced", "target_id", t.id, "active", want, "inputs", inputs)
	return nil
}

func (t *Tab) dispatch(payload string) {
	ev, err := decodeCapture(payload)
	if err != nil {
		slog.Debug("cdp capture payload rejected", "target_id", t.id, "error", err)
		return
	}
	t.mu.Lock()
	var fns []func(page.RawEvent)
	for _, l := range t.listeners {
		if (ev.Type == page.EventChange || ev.Type == page.EventKeyDown) && !l.opts.Inputs {
			continue
		}
		fns = append(fns, l.fn)
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func decodeCapture(payload string) (page.RawEvent, error) {
	var p capturePayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return page.RawEvent{}, err
	}
	ev := page.RawEvent{
		Type:     page.EventType(p.Type),
		Location: p.Location,
		X:        p.X,
		Y:        p.Y,
		Value:    p.Value,
		Key:      p.Key,
	}
	switch ev.Type {
	case page.EventClick, page.EventChange, page.EventKeyDown:
		if len(p.Chain) > 0 {
			ev.Target = p.Chain.Element()
		}
	case page.EventScroll:
	default:
		return page.RawEvent{}, fmt.Errorf("unknown event type %q", p.Type)
	}
	return ev, nil
}
