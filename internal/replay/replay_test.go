package replay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/antchfx/htmlquery"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
	"golang.org/x/net/html"

	"github.com/dgnsrekt/webreplay/internal/actionlog"
	"github.com/dgnsrekt/webreplay/internal/diag"
	"github.com/dgnsrekt/webreplay/internal/locator"
	"github.com/dgnsrekt/webreplay/internal/page"
	"github.com/dgnsrekt/webreplay/internal/recorder"
	"github.com/dgnsrekt/webreplay/internal/screenshot"
)

const formPage = `<html><body>
<div style="height:2000px">
  <form>
    <input id="q" name="q">
    <button data-testid="submit" type="button">Go</button>
  </form>
  <div id="late" style="display:none"><button data-testid="later">Later</button></div>
  <a id="next" href="/next">next</a>
</div>
</body></html>`

func newFormPage(t *testing.T) *page.Static {
	t.Helper()
	p, err := page.NewStatic("https://app.test/", formPage)
	if err != nil {
		t.Fatalf("NewStatic() failed: %v", err)
	}
	p.AddDocument("https://app.test/next", `<html><body><h1 id="title">next</h1></body></html>`)
	return p
}

type trace struct {
	mu    sync.Mutex
	steps []string
}

func (tr *trace) add(s string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.steps = append(tr.steps, s)
}

func (tr *trace) get() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.steps...)
}

// tracePage records the engine's calls into a shared timeline.
type tracePage struct {
	*page.Static
	tr     *trace
	target string
}

func (p tracePage) ScrollTo(ctx context.Context, x, y float64) error {
	p.tr.add(fmt.Sprintf("scroll %v,%v", x, y))
	return p.Static.ScrollTo(ctx, x, y)
}

func (p tracePage) Probe(ctx context.Context, loc locator.Locator) (page.Probe, error) {
	p.tr.add("resolve")
	return p.Static.Probe(ctx, loc)
}

func (p tracePage) Click(ctx context.Context, loc locator.Locator) error {
	p.tr.add("click")
	return p.Static.Click(ctx, loc)
}

func (p tracePage) TargetID() string { return p.target }

type fakeRequester struct {
	tr   *trace
	mu   sync.Mutex
	reqs []screenshot.Request
}

func (f *fakeRequester) Enqueue(req screenshot.Request) error {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.tr != nil {
		f.tr.add("screenshot " + req.FilenameHint)
	}
	return nil
}

type eventLog struct {
	mu     sync.Mutex
	events []diag.Event
}

func (l *eventLog) Report(e diag.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) ofKind(k diag.Kind) []diag.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []diag.Event
	for _, e := range l.events {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

func fastConfig() Config {
	return Config{ElementWaitTimeout: 50 * time.Millisecond, SettleDelay: time.Millisecond}
}

func TestRunOrdersEffectsSettleAndScreenshots(t *testing.T) {
	defer goleak.VerifyNone(t)
	tr := &trace{}
	p := tracePage{Static: newFormPage(t), tr: tr, target: "tab-1"}
	shots := &fakeRequester{tr: tr}
	r := New(p, shots, Options{})
	r.sleep = func(ctx context.Context, d time.Duration) error {
		tr.add("settle " + d.String())
		return nil
	}

	doc := `[{"action":"scroll","x":0,"y":400},{"action":"click","locator":{"type":"css","value":"[data-testid=\"submit\"]"}}]`
	actions, err := actionlog.Unmarshal([]byte(doc))
	if err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}
	sum := r.Run(context.Background(), "run-1", actions, Config{ElementWaitTimeout: time.Second, SettleDelay: 500 * time.Millisecond})

	want := []string{
		"scroll 0,400",
		"settle 500ms",
		"screenshot screenshot_1.png",
		"resolve",
		"click",
		"settle 500ms",
		"screenshot screenshot_2.png",
	}
	if diff := cmp.Diff(want, tr.get()); diff != "" {
		t.Fatalf("timeline mismatch (-want +got):\n%s", diff)
	}
	if sum.State != StateCompleted || sum.Done != 2 || sum.Skipped != 0 {
		t.Fatalf("Run() = %+v; want completed with 2 done", sum)
	}
	for i, req := range shots.reqs {
		if req.Step != i+1 || req.RunID != "run-1" || req.Fallback != "tab-1" || req.PageURL != "https://app.test/" {
			t.Fatalf("request %d = %+v", i+1, req)
		}
	}
}

func TestRunContinuesPastMissingElement(t *testing.T) {
	defer goleak.VerifyNone(t)
	p := newFormPage(t)
	shots := &fakeRequester{}
	events := &eventLog{}
	r := New(p, shots, Options{Reporter: events})

	actions := []actionlog.Action{
		actionlog.Click(locator.Attr("data-testid", "missing")),
		actionlog.Scroll(0, 120),
		actionlog.Click(locator.Attr("data-testid", "submit")),
	}
	sum := r.Run(context.Background(), "run-2", actions, fastConfig())

	if sum.State != StateCompleted || sum.Cancelled {
		t.Fatalf("Run() state = %s cancelled=%v; want completed", sum.State, sum.Cancelled)
	}
	if sum.Skipped != 1 || sum.Done != 2 || len(sum.Steps) != 3 {
		t.Fatalf("Run() = %+v; want 1 skipped, 2 done", sum)
	}
	if !errors.Is(sum.Steps[0].Err, ErrNotFound) {
		t.Fatalf("step 1 error = %v; want ErrNotFound", sum.Steps[0].Err)
	}
	if len(shots.reqs) != 3 {
		t.Fatalf("screenshot requests = %d; want 3", len(shots.reqs))
	}
	skipped := events.ofKind(diag.StepSkipped)
	if len(skipped) != 1 || skipped[0].Step != 1 || skipped[0].Action != "click" {
		t.Fatalf("skip events = %+v; want one for step 1", skipped)
	}
	var kinds []string
	for _, e := range p.Effects() {
		kinds = append(kinds, e.Kind)
	}
	if diff := cmp.Diff([]string{"scroll", "click"}, kinds); diff != "" {
		t.Fatalf("effects mismatch (-want +got):\n%s", diff)
	}
}

func TestRunWaitsForElementToBecomeVisible(t *testing.T) {
	defer goleak.VerifyNone(t)
	p := newFormPage(t)
	r := New(p, nil, Options{})

	go func() {
		time.Sleep(30 * time.Millisecond)
		p.Mutate(func(doc *html.Node) {
			n := htmlquery.FindOne(doc, `//div[@id='late']`)
			n.Attr = []html.Attribute{{Key: "id", Val: "late"}}
		})
	}()

	start := time.Now()
	sum := r.Run(context.Background(), "run-3", []actionlog.Action{
		actionlog.Click(locator.Attr("data-testid", "later")),
	}, Config{ElementWaitTimeout: 2 * time.Second})
	if sum.Done != 1 {
		t.Fatalf("Run() = %+v; want the click done", sum)
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Fatalf("click dispatched after %v; want it to wait for the mutation", elapsed)
	}
}

func TestRunSkipsElementThatStaysHidden(t *testing.T) {
	defer goleak.VerifyNone(t)
	p := newFormPage(t)
	r := New(p, nil, Options{})

	sum := r.Run(context.Background(), "run-4", []actionlog.Action{
		actionlog.Click(locator.Attr("data-testid", "later")),
	}, fastConfig())
	if sum.Skipped != 1 || !errors.Is(sum.Steps[0].Err, ErrTimeout) {
		t.Fatalf("Run() = %+v; want skip with ErrTimeout", sum)
	}
	if len(p.Effects()) != 0 {
		t.Fatalf("hidden element was clicked: %+v", p.Effects())
	}
}

func TestRunSkipsEmptyLocatorImmediately(t *testing.T) {
	p := newFormPage(t)
	r := New(p, nil, Options{})
	start := time.Now()
	sum := r.Run(context.Background(), "run-5", []actionlog.Action{actionlog.Click(locator.Path())},
		Config{ElementWaitTimeout: time.Hour})
	if !errors.Is(sum.Steps[0].Err, ErrInvalidLocator) {
		t.Fatalf("step error = %v; want ErrInvalidLocator", sum.Steps[0].Err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("empty locator waited for the element timeout")
	}
}

func TestRunWaitsForPageLoad(t *testing.T) {
	defer goleak.VerifyNone(t)
	p := newFormPage(t)
	p.SetLoadDelay(40 * time.Millisecond)
	r := New(p, nil, Options{})

	sum := r.Run(context.Background(), "run-6", []actionlog.Action{
		actionlog.Navigate("https://app.test/next"),
		actionlog.Click(locator.ID("title")),
	}, Config{ElementWaitTimeout: 2 * time.Second})

	if sum.Done != 2 {
		t.Fatalf("Run() = %+v; want both steps done", sum)
	}
	state, _ := p.ReadyState(context.Background())
	if state != page.ReadyComplete {
		t.Fatalf("ReadyState() = %q after run; want complete", state)
	}
}

// lagPage commits navigations late, the way a browser keeps the previous
// document (and its "complete" readyState) until the new one arrives.
type lagPage struct {
	*page.Static
	lag time.Duration
}

func (p lagPage) Navigate(ctx context.Context, url string) error {
	time.AfterFunc(p.lag, func() { _ = p.Static.Navigate(context.Background(), url) })
	return nil
}

func TestRunNavigateWaitsForNewDocument(t *testing.T) {
	defer goleak.VerifyNone(t)
	p := newFormPage(t)
	p.SetLoadDelay(40 * time.Millisecond)
	shots := &fakeRequester{}
	r := New(lagPage{Static: p, lag: 30 * time.Millisecond}, shots, Options{})

	sum := r.Run(context.Background(), "run-nav", []actionlog.Action{
		actionlog.Navigate("https://app.test/next"),
	}, Config{ElementWaitTimeout: 2 * time.Second})

	if sum.Done != 1 {
		t.Fatalf("Run() = %+v; want navigate done", sum)
	}
	if len(shots.reqs) != 1 || shots.reqs[0].PageURL != "https://app.test/next" {
		t.Fatalf("screenshot requests = %+v; want one taken on the new page", shots.reqs)
	}
	state, _ := p.ReadyState(context.Background())
	if state != page.ReadyComplete {
		t.Fatalf("ReadyState() = %q after run; want complete", state)
	}
}

func TestRunContinuesAfterPageLoadTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)
	p := newFormPage(t)
	p.SetLoadDelay(time.Hour)
	events := &eventLog{}
	r := New(p, &fakeRequester{}, Options{Reporter: events})

	sum := r.Run(context.Background(), "run-7", []actionlog.Action{
		actionlog.Navigate("https://app.test/next"),
		actionlog.Scroll(0, 50),
	}, fastConfig())

	if sum.Degraded != 1 || sum.Done != 1 {
		t.Fatalf("Run() = %+v; want 1 degraded, 1 done", sum)
	}
	if sum.Steps[0].Outcome != OutcomeDegraded || !errors.Is(sum.Steps[0].Err, ErrTimeout) {
		t.Fatalf("step 1 = %+v; want degraded with ErrTimeout", sum.Steps[0])
	}
	if got := events.ofKind(diag.NavigationTimeout); len(got) != 1 {
		t.Fatalf("navigation timeout events = %d; want 1", len(got))
	}
}

func TestRunAppliesInputs(t *testing.T) {
	p := newFormPage(t)
	r := New(p, nil, Options{})
	sum := r.Run(context.Background(), "run-8", []actionlog.Action{
		actionlog.Change(locator.ID("q"), "gopher"),
		actionlog.KeyDown(locator.ID("q"), "Enter"),
	}, fastConfig())
	if sum.Done != 2 {
		t.Fatalf("Run() = %+v; want 2 done", sum)
	}
	effects := p.Effects()
	if len(effects) != 2 || effects[0].Value != "gopher" || effects[1].Key != "Enter" {
		t.Fatalf("effects = %+v; want change then keydown", effects)
	}
}

func TestRunCancellation(t *testing.T) {
	defer goleak.VerifyNone(t)
	p := newFormPage(t)
	shots := &fakeRequester{}
	events := &eventLog{}
	r := New(p, shots, Options{Reporter: events})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)
	sum := r.Run(ctx, "run-9", []actionlog.Action{
		actionlog.Scroll(0, 10),
		actionlog.Scroll(0, 20),
	}, Config{ElementWaitTimeout: time.Second, SettleDelay: time.Hour})

	if !sum.Cancelled || sum.State != StateCompleted {
		t.Fatalf("Run() = %+v; want completed and cancelled", sum)
	}
	if len(sum.Steps) != 1 || len(shots.reqs) != 0 {
		t.Fatalf("steps = %d, screenshots = %d; want 1 step and no screenshots", len(sum.Steps), len(shots.reqs))
	}
	done := events.ofKind(diag.ReplayCompleted)
	if len(done) != 1 || !strings.Contains(done[0].Message, "cancelled") {
		t.Fatalf("completion events = %+v", done)
	}
}

func TestRecordThenReplayReproducesEffects(t *testing.T) {
	defer goleak.VerifyNone(t)
	src := newFormPage(t)
	rec := recorder.New(src, recorder.Options{
		ClickNavigationDelay: 10 * time.Millisecond,
		ScrollDebounce:       10 * time.Millisecond,
		Locator:              locator.DefaultOptions(),
	}, nil)
	if err := rec.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	src.UserClick(src.Query(`//button[@data-testid='submit']`))
	src.UserScroll(0, 250)
	src.UserScroll(0, 640)
	log := rec.Stop()

	dst := newFormPage(t)
	sum := New(dst, nil, Options{}).Run(context.Background(), "run-10", log.Actions(), fastConfig())
	if sum.Done != log.Len() {
		t.Fatalf("Run() = %+v; want all %d steps done", sum, log.Len())
	}

	var recorded, replayed []string
	for _, a := range log.Actions() {
		recorded = append(recorded, string(a.Kind))
	}
	for _, e := range dst.Effects() {
		replayed = append(replayed, e.Kind)
	}
	if diff := cmp.Diff(recorded, replayed); diff != "" {
		t.Fatalf("effect kinds mismatch (-recorded +replayed):\n%s", diff)
	}
	if x, y := dst.ScrollOffsets(); x != 0 || y != 640 {
		t.Fatalf("ScrollOffsets() = %v,%v; want 0,640", x, y)
	}
}

type timedCapturer struct {
	mu    sync.Mutex
	calls []time.Time
}

func (c *timedCapturer) Capture(ctx context.Context, target string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, time.Now())
	return []byte("png"), nil
}

type nopSaver struct{}

func (nopSaver) Save(ctx context.Context, req screenshot.Request, png []byte) (string, error) {
	return req.FilenameHint, nil
}

func TestRunScreenshotsRespectSpacingFloor(t *testing.T) {
	defer goleak.VerifyNone(t)
	capt := &timedCapturer{}
	const spacing = 50 * time.Millisecond
	q := screenshot.NewQueue(capt, nopSaver{}, screenshot.Options{Spacing: spacing})
	defer q.Close()

	p := newFormPage(t)
	r := New(p, q, Options{})
	r.Run(context.Background(), "run-11", []actionlog.Action{
		actionlog.Scroll(0, 1), actionlog.Scroll(0, 2), actionlog.Scroll(0, 3),
	}, Config{ElementWaitTimeout: time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Wait(ctx); err != nil {
		t.Fatalf("Wait() failed: %v", err)
	}
	capt.mu.Lock()
	defer capt.mu.Unlock()
	if len(capt.calls) != 3 {
		t.Fatalf("captures = %d; want 3", len(capt.calls))
	}
	for i := 1; i < len(capt.calls); i++ {
		if gap := capt.calls[i].Sub(capt.calls[i-1]); gap < spacing-5*time.Millisecond {
			t.Fatalf("capture %d followed %d after %v; want >= %v", i+1, i, gap, spacing)
		}
	}
}
