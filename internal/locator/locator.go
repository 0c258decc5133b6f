// Package locator derives stable, re-findable descriptions of DOM elements
// at record time and turns them back into query expressions at replay time.
package locator

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind tags which variant of a Locator is populated.
type Kind int

const (
	// ByAttribute matches an element carrying a stable attribute value.
	ByAttribute Kind = iota + 1
	// ByID matches an element by its DOM id.
	ByID
	// ByPath walks a structural path from the document root. It is the
	// least stable variant and only produced as a last resort.
	ByPath
	// BySelector carries a selector decoded verbatim from a log that did not
	// fit any of the canonical grammars. Derive never produces it.
	BySelector
)

func (k Kind) String() string {
	switch k {
	case ByAttribute:
		return "attribute"
	case ByID:
		return "id"
	case ByPath:
		return "path"
	case BySelector:
		return "selector"
	default:
		return "unknown"
	}
}

// Syntax is the query language a locator serializes to.
type Syntax string

const (
	CSS   Syntax = "css"
	XPath Syntax = "xpath"
)

// Step is one hop of a structural path. Index is the 1-based position among
// siblings sharing Tag; zero means the element is the only one of its tag.
// ID, when set, is embedded as an anchor predicate.
type Step struct {
	Tag   string `json:"tag"`
	Index int    `json:"index,omitempty"`
	ID    string `json:"id,omitempty"`
}

// Locator describes how to re-find an element. Exactly one variant's fields
// are meaningful, selected by Kind.
type Locator struct {
	Kind Kind

	// ByAttribute
	Attribute string
	// ByAttribute value, or the id for ByID.
	Value string

	// ByPath
	Steps []Step

	// BySelector
	Syntax Syntax
	Raw    string
}

// Attr returns a ByAttribute locator.
func Attr(name, value string) Locator {
	return Locator{Kind: ByAttribute, Attribute: name, Value: value}
}

// ID returns a ByID locator.
func ID(id string) Locator {
	return Locator{Kind: ByID, Value: id}
}

// Path returns a ByPath locator from root-first steps.
func Path(steps ...Step) Locator {
	return Locator{Kind: ByPath, Steps: steps}
}

// Selector wraps a raw selector string of the given syntax.
func Selector(syntax Syntax, raw string) Locator {
	return Locator{Kind: BySelector, Syntax: syntax, Raw: raw}
}

// QuerySyntax reports which query engine Expression targets.
func (l Locator) QuerySyntax() Syntax {
	switch l.Kind {
	case ByAttribute, ByID:
		return CSS
	case ByPath:
		return XPath
	case BySelector:
		return l.Syntax
	default:
		return CSS
	}
}

// Expression renders the locator as a CSS attribute-equality predicate
// (ByAttribute, ByID) or an absolute XPath (ByPath).
func (l Locator) Expression() string {
	switch l.Kind {
	case ByAttribute:
		return "[" + cssIdent(l.Attribute) + "=" + cssQuote(l.Value) + "]"
	case ByID:
		return "[id=" + cssQuote(l.Value) + "]"
	case ByPath:
		return pathExpression(l.Steps)
	case BySelector:
		return l.Raw
	default:
		return ""
	}
}

// Empty reports whether the locator cannot possibly match anything, e.g. a
// path derived from a detached node.
func (l Locator) Empty() bool {
	switch l.Kind {
	case ByAttribute:
		return l.Attribute == ""
	case ByID:
		return l.Value == ""
	case ByPath:
		return len(l.Steps) == 0
	case BySelector:
		return strings.TrimSpace(l.Raw) == ""
	default:
		return true
	}
}

func (l Locator) String() string {
	return fmt.Sprintf("%s:%s", l.QuerySyntax(), l.Expression())
}

// Equal compares two locators variant-wise.
func (l Locator) Equal(o Locator) bool {
	if l.Kind != o.Kind {
		return false
	}
	switch l.Kind {
	case ByAttribute:
		return l.Attribute == o.Attribute && l.Value == o.Value
	case ByID:
		return l.Value == o.Value
	case ByPath:
		if len(l.Steps) != len(o.Steps) {
			return false
		}
		for i := range l.Steps {
			if l.Steps[i] != o.Steps[i] {
				return false
			}
		}
		return true
	case BySelector:
		return l.Syntax == o.Syntax && l.Raw == o.Raw
	}
	return false
}

func pathExpression(steps []Step) string {
	if len(steps) == 0 {
		return ""
	}
	var b strings.Builder
	for _, s := range steps {
		b.WriteByte('/')
		b.WriteString(s.Tag)
		if s.Index > 0 {
			b.WriteByte('[')
			b.WriteString(strconv.Itoa(s.Index))
			b.WriteByte(']')
		}
		if s.ID != "" {
			if lit, ok := xpathLiteral(s.ID); ok {
				b.WriteString("[@id=")
				b.WriteString(lit)
				b.WriteByte(']')
			}
		}
	}
	return b.String()
}

// xpathLiteral quotes v for XPath 1.0, which has no escape sequences; a value
// containing both quote kinds cannot be written as a single literal.
func xpathLiteral(v string) (string, bool) {
	switch {
	case !strings.Contains(v, "'"):
		return "'" + v + "'", true
	case !strings.Contains(v, `"`):
		return `"` + v + `"`, true
	default:
		return "", false
	}
}
