package locator

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/net/html"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name  string
		typ   string
		value string
		want  Locator
	}{
		{"attribute", "css", `[data-testid="submit"]`, Attr("data-testid", "submit")},
		{"single quoted", "css", `[data-qa='row 1']`, Attr("data-qa", "row 1")},
		{"hash id", "css", `#main`, ID("main")},
		{"id attribute", "css", `[id="x y"]`, ID("x y")},
		{"hex escape", "css", `[data-x="a\31 b"]`, Attr("data-x", "a1b")},
		{"escaped name", "css", `[data-foo\.bar="v"]`, Attr("data-foo.bar", "v")},
		{"unescaped dot", "css", `[data-foo.bar="v"]`, Selector(CSS, `[data-foo.bar="v"]`)},
		{"compound css", "css", `div > a.btn`, Selector(CSS, `div > a.btn`)},
		{"unterminated", "css", `[data-x="open]`, Selector(CSS, `[data-x="open]`)},
		{"path", "xpath", `/html/body/div[2]/p`, Path(Step{Tag: "html"}, Step{Tag: "body"}, Step{Tag: "div", Index: 2}, Step{Tag: "p"})},
		{"legacy double slash", "xpath", `//html/body/div[2]`, Path(Step{Tag: "html"}, Step{Tag: "body"}, Step{Tag: "div", Index: 2})},
		{"anchored", "xpath", `/html/body/nav[@id='menu']/a`, Path(Step{Tag: "html"}, Step{Tag: "body"}, Step{Tag: "nav", ID: "menu"}, Step{Tag: "a"})},
		{"free xpath", "xpath", `//div[@class='x']`, Selector(XPath, `//div[@class='x']`)},
		{"legacy data-locator", "data-locator", "save", Attr("data-locator", "save")},
		{"legacy id", "id", "main", ID("main")},
		{"type case", "CSS", `#main`, ID("main")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.typ, tt.value)
			if err != nil {
				t.Fatalf("Parse(%q, %q) failed: %v", tt.typ, tt.value, err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("Parse(%q, %q) = %v; want %v", tt.typ, tt.value, got, tt.want)
			}
		})
	}
}

func TestParseUnknownType(t *testing.T) {
	if _, err := Parse("aria", "x"); err == nil {
		t.Fatalf("Parse(aria) error = nil; want error")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	locs := []Locator{
		Attr("data-testid", "submit"),
		Attr("aria-label", `say "hi" \ now`),
		Attr("data-note", "tab\there"),
		Attr("data-x:y", "v"),
		Attr("data-2col", "v"),
		ID("main-content"),
		Path(Step{Tag: "html"}, Step{Tag: "body"}, Step{Tag: "ul", ID: "list"}, Step{Tag: "li", Index: 3}),
		Path(Step{Tag: "html"}, Step{Tag: "body"}, Step{Tag: "div", ID: `it's "x"`}),
		Selector(CSS, "div > span"),
	}
	for _, loc := range locs {
		data, err := json.Marshal(loc)
		if err != nil {
			t.Fatalf("json.Marshal(%v) failed: %v", loc, err)
		}
		var got Locator
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("json.Unmarshal(%s) failed: %v", data, err)
		}
		if got.Expression() != loc.Expression() || got.QuerySyntax() != loc.QuerySyntax() {
			t.Fatalf("round trip of %v = %v (wire %s)", loc, got, data)
		}
	}
}

func TestMarshalShape(t *testing.T) {
	data, err := json.Marshal(Attr("data-testid", "submit"))
	if err != nil {
		t.Fatalf("json.Marshal() failed: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("json.Unmarshal() failed: %v", err)
	}
	want := map[string]string{"type": "css", "value": `[data-testid="submit"]`}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("wire shape mismatch (-want +got):\n%s", diff)
	}

	if _, err := json.Marshal(Locator{}); err == nil {
		t.Fatalf("json.Marshal(unset) error = nil; want error")
	}
}

func TestPathDropsUnquotableAnchor(t *testing.T) {
	doc, err := html.Parse(strings.NewReader(`<html><body><div id="a'b&quot;c"><p>x</p></div></body></html>`))
	if err != nil {
		t.Fatalf("html.Parse() failed: %v", err)
	}
	p := mustFind(t, doc, `//p`)
	loc := PathOf(FromHTML(p))
	if got, want := loc.Expression(), "/html/body/div/p"; got != want {
		t.Fatalf("Expression() = %q; want %q", got, want)
	}
	if got, ok := ResolveHTML(doc, loc); !ok || got != p {
		t.Fatalf("ResolveHTML() = %v, %v; want the paragraph", got, ok)
	}
}

func TestResolveQuotedAttributeValue(t *testing.T) {
	doc, err := html.Parse(strings.NewReader(`<html><body><button aria-label="say &quot;hi&quot; \ now">go</button></body></html>`))
	if err != nil {
		t.Fatalf("html.Parse() failed: %v", err)
	}
	loc := Attr("aria-label", `say "hi" \ now`)
	got, ok := ResolveHTML(doc, loc)
	if !ok || got.Data != "button" {
		t.Fatalf("ResolveHTML(%s) = %v, %v; want the button", loc.Expression(), got, ok)
	}
}

func TestResolveMalformedReportsNotFound(t *testing.T) {
	doc := parseFixture(t)
	for _, loc := range []Locator{
		Selector(CSS, `[data-x="open]`),
		Selector(XPath, `/html/body/[`),
		Attr("data-testid", "missing"),
		Path(Step{Tag: "html"}, Step{Tag: "body"}, Step{Tag: "table"}),
	} {
		if got, ok := ResolveHTML(doc, loc); ok {
			t.Fatalf("ResolveHTML(%v) = %v; want not found", loc, got)
		}
	}
}
