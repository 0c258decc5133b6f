package page

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"

	"github.com/dgnsrekt/webreplay/internal/locator"
)

const blankDocument = "<html><head></head><body></body></html>"

// Effect is one observable change the static page applied, in order.
type Effect struct {
	Kind   string // click, scroll, navigate, change, keydown
	Target *html.Node
	X, Y   float64
	URL    string
	Value  string
	Key    string
}

// Static is an in-memory page over parsed HTML documents addressed by URL.
// Links navigate between registered documents; everything else about the
// page (scroll offsets, readiness, effects) is simulated. It implements both
// Page and EventSource and is safe for concurrent use.
type Static struct {
	mu        sync.Mutex
	site      map[string]string
	doc       *html.Node
	location  string
	ready     string
	scrollX   float64
	scrollY   float64
	loadDelay time.Duration
	effects   []Effect
	onClick   []func(*Static, *html.Node)

	nextID    int
	changes   map[int]chan struct{}
	listeners map[int]listener
}

type listener struct {
	opts CaptureOptions
	fn   func(RawEvent)
}

// NewStatic returns a page showing src at pageURL.
func NewStatic(pageURL, src string) (*Static, error) {
	s := &Static{
		site:      map[string]string{pageURL: src},
		changes:   make(map[int]chan struct{}),
		listeners: make(map[int]listener),
	}
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", pageURL, err)
	}
	s.doc = doc
	s.location = pageURL
	s.ready = ReadyComplete
	return s, nil
}

// AddDocument registers src as the document served at pageURL.
func (s *Static) AddDocument(pageURL, src string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.site[pageURL] = src
}

// SetLoadDelay makes navigations report "loading" for d before completing.
func (s *Static) SetLoadDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadDelay = d
}

// OnClick registers fn to run after every click, user or programmatic,
// before any link navigation.
func (s *Static) OnClick(fn func(*Static, *html.Node)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClick = append(s.onClick, fn)
}

// Query returns the first node matching xpath in the current document.
func (s *Static) Query(xpath string) *html.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := htmlquery.Query(s.doc, xpath)
	if err != nil {
		return nil
	}
	return n
}

// Mutate runs fn against the live document and notifies change subscribers.
func (s *Static) Mutate(fn func(doc *html.Node)) {
	s.mu.Lock()
	fn(s.doc)
	s.notifyLocked()
	s.mu.Unlock()
}

// Effects returns everything applied to the page so far.
func (s *Static) Effects() []Effect {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Effect, len(s.effects))
	copy(out, s.effects)
	return out
}

// ScrollOffsets returns the current scroll position.
func (s *Static) ScrollOffsets() (float64, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scrollX, s.scrollY
}

func (s *Static) Location(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.location, nil
}

func (s *Static) ReadyState(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready, nil
}

func (s *Static) Navigate(ctx context.Context, pageURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.effects = append(s.effects, Effect{Kind: "navigate", URL: pageURL})
	return s.loadLocked(pageURL)
}

// loadLocked swaps in the document for pageURL. Unknown URLs load a blank
// document, the way a browser shows an error page rather than refusing.
func (s *Static) loadLocked(pageURL string) error {
	src, ok := s.site[pageURL]
	if !ok {
		src = blankDocument
	}
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return fmt.Errorf("parse %s: %w", pageURL, err)
	}
	s.doc = doc
	s.location = pageURL
	s.scrollX, s.scrollY = 0, 0
	if s.loadDelay <= 0 {
		s.ready = ReadyComplete
		s.notifyLocked()
		return nil
	}
	s.ready = "loading"
	s.notifyLocked()
	time.AfterFunc(s.loadDelay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.location == pageURL && s.doc == doc {
			s.ready = ReadyComplete
			s.notifyLocked()
		}
	})
	return nil
}

func (s *Static) ScrollTo(ctx context.Context, x, y float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scrollX, s.scrollY = x, y
	s.effects = append(s.effects, Effect{Kind: "scroll", X: x, Y: y})
	return nil
}

func (s *Static) Probe(ctx context.Context, loc locator.Locator) (Probe, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := locator.ResolveHTML(s.doc, loc)
	if !ok {
		return Probe{}, nil
	}
	return Probe{Found: true, Visible: Visible(n)}, nil
}

func (s *Static) Click(ctx context.Context, loc locator.Locator) error {
	s.mu.Lock()
	n, ok := locator.ResolveHTML(s.doc, loc)
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	s.effects = append(s.effects, Effect{Kind: "click", Target: n})
	s.mu.Unlock()
	return s.activate(n)
}

func (s *Static) SetValue(ctx context.Context, loc locator.Locator, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := locator.ResolveHTML(s.doc, loc)
	if !ok {
		return ErrNotFound
	}
	setAttr(n, "value", value)
	s.effects = append(s.effects, Effect{Kind: "change", Target: n, Value: value})
	s.notifyLocked()
	return nil
}

func (s *Static) DispatchKey(ctx context.Context, loc locator.Locator, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := locator.ResolveHTML(s.doc, loc)
	if !ok {
		return ErrNotFound
	}
	s.effects = append(s.effects, Effect{Kind: "keydown", Target: n, Key: key})
	return nil
}

func (s *Static) Changes() (<-chan struct{}, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	ch := make(chan struct{}, 1)
	s.changes[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.changes, id)
	}
}

func (s *Static) notifyLocked() {
	for _, ch := range s.changes {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *Static) Capture(ctx context.Context, opts CaptureOptions, fn func(RawEvent)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = listener{opts: opts, fn: fn}
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.listeners, id)
		})
	}, nil
}

// UserClick simulates a user clicking n: listeners observe the event first,
// then the click's default action runs.
func (s *Static) UserClick(n *html.Node) error {
	s.emit(RawEvent{Type: EventClick, Target: locator.FromHTML(n)})
	return s.activate(n)
}

// UserScroll simulates the user scrolling to (x, y).
func (s *Static) UserScroll(x, y float64) {
	s.mu.Lock()
	s.scrollX, s.scrollY = x, y
	s.mu.Unlock()
	s.emit(RawEvent{Type: EventScroll, X: x, Y: y})
}

// UserChange simulates the user committing value into n.
func (s *Static) UserChange(n *html.Node, value string) {
	s.mu.Lock()
	setAttr(n, "value", value)
	s.notifyLocked()
	s.mu.Unlock()
	s.emit(RawEvent{Type: EventChange, Target: locator.FromHTML(n), Value: value})
}

// UserKey simulates a key press with focus on n.
func (s *Static) UserKey(n *html.Node, key string) {
	s.emit(RawEvent{Type: EventKeyDown, Target: locator.FromHTML(n), Key: key})
}

func (s *Static) emit(ev RawEvent) {
	s.mu.Lock()
	ev.Location = s.location
	var fns []func(RawEvent)
	for _, l := range s.listeners {
		if (ev.Type == EventChange || ev.Type == EventKeyDown) && !l.opts.Inputs {
			continue
		}
		fns = append(fns, l.fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// activate runs click hooks and follows links.
func (s *Static) activate(n *html.Node) error {
	s.mu.Lock()
	hooks := append([]func(*Static, *html.Node){}, s.onClick...)
	s.mu.Unlock()
	for _, h := range hooks {
		h(s, n)
	}

	href := ""
	for cur := n; cur != nil && cur.Type == html.ElementNode; cur = cur.Parent {
		if strings.EqualFold(cur.Data, "a") && hasAttr(cur, "href") {
			href = attrValue(cur, "href")
			break
		}
	}
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	target, err := resolveURL(s.location, href)
	if err != nil {
		return nil
	}
	return s.loadLocked(target)
}

func resolveURL(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(r).String(), nil
}
