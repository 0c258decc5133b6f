package locator

import (
	"strings"

	"github.com/andybalholm/cascadia"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

// HTMLElement adapts a parsed *html.Node element to Element.
type HTMLElement struct {
	Node *html.Node
}

// FromHTML wraps n; it returns nil for anything but an element node.
func FromHTML(n *html.Node) Element {
	if n == nil || n.Type != html.ElementNode {
		return nil
	}
	return HTMLElement{Node: n}
}

func (e HTMLElement) TagName() string { return strings.ToLower(e.Node.Data) }

func (e HTMLElement) Attributes() []Attribute {
	out := make([]Attribute, 0, len(e.Node.Attr))
	for _, a := range e.Node.Attr {
		if a.Namespace != "" {
			continue
		}
		out = append(out, Attribute{Name: a.Key, Value: a.Val})
	}
	return out
}

func (e HTMLElement) Parent() Element {
	p := e.Node.Parent
	if p == nil || p.Type != html.ElementNode {
		return nil
	}
	return HTMLElement{Node: p}
}

func (e HTMLElement) SiblingIndex() (int, int) {
	tag := e.TagName()
	index, count := 0, 0
	parent := e.Node.Parent
	if parent == nil {
		return 1, 1
	}
	for c := parent.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode || strings.ToLower(c.Data) != tag {
			continue
		}
		count++
		if c == e.Node {
			index = count
		}
	}
	return index, count
}

// ResolveHTML finds the first element in doc matching loc. Malformed or stale
// locators report false rather than an error.
func ResolveHTML(doc *html.Node, loc Locator) (*html.Node, bool) {
	if doc == nil || loc.Empty() {
		return nil, false
	}
	expr := loc.Expression()
	switch loc.QuerySyntax() {
	case XPath:
		n, err := htmlquery.Query(doc, expr)
		if err != nil || n == nil || n.Type != html.ElementNode {
			return nil, false
		}
		return n, true
	default:
		sel, err := cascadia.Compile(expr)
		if err != nil {
			return nil, false
		}
		n := sel.MatchFirst(doc)
		return n, n != nil
	}
}
