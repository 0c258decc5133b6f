package page

import (
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

var unrendered = map[string]bool{
	"head":     true,
	"script":   true,
	"style":    true,
	"template": true,
	"title":    true,
	"noscript": true,
}

// Visible approximates the browser visibility test on a static document:
// display is not none on the element or any ancestor, the nearest declared
// visibility is not hidden, no ancestor is fully transparent, and the element
// takes part in layout. Only inline styles and the hidden attribute are
// consulted.
func Visible(n *html.Node) bool {
	if n == nil || n.Type != html.ElementNode {
		return false
	}
	visibilityDecided := false
	for cur := n; cur != nil && cur.Type == html.ElementNode; cur = cur.Parent {
		if unrendered[strings.ToLower(cur.Data)] {
			return false
		}
		if hasAttr(cur, "hidden") {
			return false
		}
		style := parseStyle(attrValue(cur, "style"))
		if style["display"] == "none" {
			return false
		}
		if v, ok := style["opacity"]; ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil && f <= 0 {
				return false
			}
		}
		if v, ok := style["visibility"]; ok && !visibilityDecided {
			visibilityDecided = true
			if v == "hidden" || v == "collapse" {
				return false
			}
		}
	}
	return true
}

// parseStyle splits an inline style attribute into lower-cased declarations.
func parseStyle(s string) map[string]string {
	out := make(map[string]string)
	for _, decl := range strings.Split(s, ";") {
		name, value, ok := strings.Cut(decl, ":")
		if !ok {
			continue
		}
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.ToLower(strings.TrimSpace(value))
		value = strings.TrimSpace(strings.TrimSuffix(value, "!important"))
		if name != "" {
			out[name] = value
		}
	}
	return out
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return true
		}
	}
	return false
}

func attrValue(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val
		}
	}
	return ""
}

func setAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}
