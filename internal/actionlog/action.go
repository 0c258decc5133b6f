// Package actionlog holds the recorded interaction model: the Action variants,
// the append-only Log a recorder fills, and the JSON document both sides of a
// record/replay round trip exchange.
package actionlog

import (
	"fmt"
	"strconv"

	"github.com/dgnsrekt/webreplay/internal/locator"
)

// Kind is the discriminator written as "action" in the log document.
type Kind string

const (
	KindClick    Kind = "click"
	KindScroll   Kind = "scroll"
	KindNavigate Kind = "navigate"
	KindChange   Kind = "change"
	KindKeyDown  Kind = "keydown"
)

// Valid reports whether k is a known action kind.
func (k Kind) Valid() bool {
	switch k {
	case KindClick, KindScroll, KindNavigate, KindChange, KindKeyDown:
		return true
	}
	return false
}

// Targeted reports whether actions of this kind carry a locator.
func (k Kind) Targeted() bool {
	return k == KindClick || k == KindChange || k == KindKeyDown
}

// Action is one recorded step. Fields outside the kind's variant are zero.
type Action struct {
	Kind Kind

	// Click, Change, KeyDown
	Locator locator.Locator

	// Scroll
	X, Y float64

	// Navigate
	URL string

	// Change
	Value string

	// KeyDown
	Key string
}

func Click(loc locator.Locator) Action { return Action{Kind: KindClick, Locator: loc} }

func Scroll(x, y float64) Action { return Action{Kind: KindScroll, X: x, Y: y} }

func Navigate(url string) Action { return Action{Kind: KindNavigate, URL: url} }

func Change(loc locator.Locator, value string) Action {
	return Action{Kind: KindChange, Locator: loc, Value: value}
}

func KeyDown(loc locator.Locator, key string) Action {
	return Action{Kind: KindKeyDown, Locator: loc, Key: key}
}

// Validate checks the variant invariants: targeted kinds carry a locator,
// navigations carry a URL, key presses name a key.
func (a Action) Validate() error {
	if !a.Kind.Valid() {
		return fmt.Errorf("unknown action %q", a.Kind)
	}
	if a.Kind.Targeted() && a.Locator.Kind == 0 {
		return fmt.Errorf("%s action requires a locator", a.Kind)
	}
	switch a.Kind {
	case KindNavigate:
		if a.URL == "" {
			return fmt.Errorf("navigate action requires a url")
		}
	case KindKeyDown:
		if a.Key == "" {
			return fmt.Errorf("keydown action requires a key")
		}
	}
	return nil
}

func (a Action) String() string {
	switch a.Kind {
	case KindClick:
		return "click " + a.Locator.String()
	case KindScroll:
		return "scroll " + formatOffset(a.X) + "," + formatOffset(a.Y)
	case KindNavigate:
		return "navigate " + a.URL
	case KindChange:
		return "change " + a.Locator.String() + " = " + strconv.Quote(a.Value)
	case KindKeyDown:
		return "keydown " + a.Locator.String() + " " + a.Key
	default:
		return string(a.Kind)
	}
}

func formatOffset(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
