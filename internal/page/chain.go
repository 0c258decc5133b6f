package page

import (
	"strings"

	"github.com/dgnsrekt/webreplay/internal/locator"
)

// NodeInfo describes one element of an ancestor chain reported by a page
// that cannot hand out live nodes, such as a browser capture script.
type NodeInfo struct {
	Tag   string              `json:"tag"`
	Attrs []locator.Attribute `json:"attrs"`
	// Index is the 1-based position among same-tag element siblings.
	Index int `json:"index"`
	Count int `json:"count"`
}

// Chain is a target-first ancestor chain ending at the root element.
type Chain []NodeInfo

// Element returns the chain's target as a locator.Element, or nil for an
// empty chain.
func (c Chain) Element() locator.Element {
	if len(c) == 0 {
		return nil
	}
	return chainElement{chain: c, pos: 0}
}

type chainElement struct {
	chain Chain
	pos   int
}

func (e chainElement) TagName() string { return strings.ToLower(e.chain[e.pos].Tag) }

func (e chainElement) Attributes() []locator.Attribute { return e.chain[e.pos].Attrs }

func (e chainElement) Parent() locator.Element {
	if e.pos+1 >= len(e.chain) {
		return nil
	}
	return chainElement{chain: e.chain, pos: e.pos + 1}
}

func (e chainElement) SiblingIndex() (int, int) {
	n := e.chain[e.pos]
	return n.Index, n.Count
}
