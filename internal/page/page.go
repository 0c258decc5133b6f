// Package page defines the host-page boundary the recorder and replay engine
// drive, plus an in-memory implementation over parsed HTML.
package page

import (
	"context"
	"errors"

	"github.com/dgnsrekt/webreplay/internal/locator"
)

// ErrNotFound is returned by element operations whose locator matches nothing.
var ErrNotFound = errors.New("page: element not found")

// ReadyComplete is the document.readyState value of a fully loaded page.
const ReadyComplete = "complete"

// Probe is the result of resolving a locator against the live document.
type Probe struct {
	Found   bool
	Visible bool
}

// Page is the surface replay needs from a host page.
type Page interface {
	Location(ctx context.Context) (string, error)
	Navigate(ctx context.Context, url string) error
	ReadyState(ctx context.Context) (string, error)
	ScrollTo(ctx context.Context, x, y float64) error
	Probe(ctx context.Context, loc locator.Locator) (Probe, error)
	Click(ctx context.Context, loc locator.Locator) error
	SetValue(ctx context.Context, loc locator.Locator, value string) error
	DispatchKey(ctx context.Context, loc locator.Locator, key string) error
	// Changes delivers a signal after every DOM mutation or lifecycle
	// transition. Signals coalesce; a receiver that is slow sees at least one
	// signal after the latest change. cancel releases the subscription.
	Changes() (ch <-chan struct{}, cancel func())
}

// EventType names a raw interaction event.
type EventType string

const (
	EventClick   EventType = "click"
	EventScroll  EventType = "scroll"
	EventChange  EventType = "change"
	EventKeyDown EventType = "keydown"
)

// RawEvent is one user interaction as observed in the page, before it is
// turned into an action.
type RawEvent struct {
	Type EventType
	// Target is nil for scroll events and for targets detached before the
	// event could be described.
	Target locator.Element
	// Location is the page URL when the event fired.
	Location string
	X, Y     float64
	Value    string
	Key      string
}

// CaptureOptions selects which event types a subscription delivers.
type CaptureOptions struct {
	Inputs bool // change and keydown
}

// EventSource is the surface the recorder needs from a host page.
type EventSource interface {
	Location(ctx context.Context) (string, error)
	// Capture installs listeners and delivers events to fn until stop is
	// called. fn may be invoked from any goroutine.
	Capture(ctx context.Context, opts CaptureOptions, fn func(RawEvent)) (stop func(), err error)
}

// Target is a page that can be both recorded and replayed, addressed by its
// browser target id.
type Target interface {
	Page
	EventSource
	TargetID() string
}
