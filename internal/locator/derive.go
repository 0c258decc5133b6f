package locator

import (
	"sort"
	"strings"
)

// Attribute is one name/value pair on an element, in document order.
type Attribute struct {
	Name  string
	Value string
}

// Element is the read-only view of a DOM element that Derive needs. It is
// implemented over parsed HTML documents and over the ancestor chains the
// browser capture script reports.
type Element interface {
	// TagName is the lower-case tag name.
	TagName() string
	Attributes() []Attribute
	// Parent returns nil above the root element.
	Parent() Element
	// SiblingIndex reports the 1-based position among element siblings with
	// the same tag name, and how many such siblings exist (including self).
	SiblingIndex() (index, count int)
}

// PreferredAttributes are tested in order before any other attribute.
var PreferredAttributes = []string{
	"data-locator",
	"data-testid",
	"data-test-id",
	"data-test",
	"data-qa",
	"data-cy",
	"aria-label",
}

var actionableTags = map[string]bool{
	"a":      true,
	"button": true,
	"input":  true,
	"select": true,
}

// Options bound the ancestor walk.
type Options struct {
	// MaxDepth is the number of ancestor hops examined; 0 examines only the
	// target itself.
	MaxDepth int
	// ActionableOnly restricts attribute matching to links, buttons, inputs
	// and selects, so an icon inside a button binds to the button.
	ActionableOnly bool
}

// DefaultOptions matches the default replay configuration.
func DefaultOptions() Options {
	return Options{MaxDepth: 5}
}

// Derive returns a locator for el. The walk stops at MaxDepth or before
// <body>, whichever comes first; the nearest stable ancestor wins, otherwise
// a structural path to the original target is returned.
func Derive(el Element, opts Options) Locator {
	if el == nil {
		return Path()
	}
	maxDepth := opts.MaxDepth
	if maxDepth < 0 {
		maxDepth = 0
	}

	cur := el
	for depth := 0; cur != nil && depth <= maxDepth; depth++ {
		if cur.TagName() == "body" {
			break
		}
		if !opts.ActionableOnly || actionableTags[cur.TagName()] {
			if loc, ok := stableLocator(cur); ok {
				return loc
			}
		}
		cur = cur.Parent()
	}
	return PathOf(el)
}

func stableLocator(el Element) (Locator, bool) {
	attrs := el.Attributes()

	for _, name := range PreferredAttributes {
		if v, ok := lookup(attrs, name); ok {
			return Attr(name, v), true
		}
	}

	var data []Attribute
	for _, a := range attrs {
		if strings.HasPrefix(a.Name, "data-") && !isPreferred(a.Name) {
			data = append(data, a)
		}
	}
	if len(data) > 0 {
		sort.Slice(data, func(i, j int) bool { return data[i].Name < data[j].Name })
		return Attr(data[0].Name, data[0].Value), true
	}

	if id, ok := lookup(attrs, "id"); ok && id != "" {
		return ID(id), true
	}
	return Locator{}, false
}

// PathOf builds the structural path from the document root down to el.
func PathOf(el Element) Locator {
	var steps []Step
	for cur := el; cur != nil; cur = cur.Parent() {
		tag := cur.TagName()
		if tag == "" {
			continue
		}
		step := Step{Tag: tag}
		if idx, count := cur.SiblingIndex(); count > 1 {
			step.Index = idx
		}
		if id, ok := lookup(cur.Attributes(), "id"); ok && id != "" {
			if _, quotable := xpathLiteral(id); quotable {
				step.ID = id
			}
		}
		steps = append(steps, step)
	}
	for i, j := 0, len(steps)-1; i < j; i, j = i+1, j-1 {
		steps[i], steps[j] = steps[j], steps[i]
	}
	return Path(steps...)
}

func lookup(attrs []Attribute, name string) (string, bool) {
	for _, a := range attrs {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

func isPreferred(name string) bool {
	for _, p := range PreferredAttributes {
		if p == name {
			return true
		}
	}
	return false
}
