package locator

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// wire is the {type, value} object embedded in action log documents.
type wire struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// MarshalJSON encodes the locator as {type:"css"|"xpath", value}.
func (l Locator) MarshalJSON() ([]byte, error) {
	if l.Kind == 0 {
		return nil, fmt.Errorf("locator: cannot encode unset locator")
	}
	return json.Marshal(wire{Type: string(l.QuerySyntax()), Value: l.Expression()})
}

// UnmarshalJSON decodes {type, value}. Values that do not fit the canonical
// grammars are kept verbatim as BySelector; only an unknown type is an error.
func (l *Locator) UnmarshalJSON(data []byte) error {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("locator: %w", err)
	}
	loc, err := Parse(w.Type, w.Value)
	if err != nil {
		return err
	}
	*l = loc
	return nil
}

// Parse turns a serialized {type, value} pair back into a typed locator.
// Besides "css" and "xpath" it accepts the "data-locator" and "id" types
// written by early recorder builds.
func Parse(typ, value string) (Locator, error) {
	switch strings.ToLower(strings.TrimSpace(typ)) {
	case string(CSS):
		return parseCSS(value), nil
	case string(XPath):
		if steps, ok := parsePath(value); ok {
			return Path(steps...), nil
		}
		return Selector(XPath, value), nil
	case "data-locator":
		return Attr("data-locator", value), nil
	case "id":
		return ID(value), nil
	default:
		return Locator{}, fmt.Errorf("locator: unknown type %q", typ)
	}
}

// ParseCSS is the css branch of Parse, exposed for logs that carry a bare
// selector string.
func ParseCSS(value string) Locator { return parseCSS(value) }

var simpleIDSelector = regexp.MustCompile(`^#([A-Za-z_][A-Za-z0-9_-]*)$`)

func parseCSS(value string) Locator {
	v := strings.TrimSpace(value)
	if m := simpleIDSelector.FindStringSubmatch(v); m != nil {
		return ID(m[1])
	}
	if name, val, ok := parseAttributeSelector(v); ok {
		if name == "id" {
			return ID(val)
		}
		return Attr(name, val)
	}
	return Selector(CSS, value)
}

// parseAttributeSelector accepts exactly `[name="value"]` or `[name='value']`
// with CSS string escapes.
func parseAttributeSelector(s string) (name, value string, ok bool) {
	if len(s) < 5 || s[0] != '[' || s[len(s)-1] != ']' {
		return "", "", false
	}
	body := strings.TrimSpace(s[1 : len(s)-1])
	eq := strings.IndexByte(body, '=')
	if eq <= 0 {
		return "", "", false
	}
	name, ok = readCSSIdent(strings.TrimSpace(body[:eq]))
	if !ok {
		return "", "", false
	}
	quoted := strings.TrimSpace(body[eq+1:])
	value, rest, ok := readCSSString(quoted)
	if !ok || rest != "" {
		return "", "", false
	}
	return name, value, true
}

// readCSSString consumes one quoted CSS string and returns the unescaped
// contents plus whatever follows the closing quote.
func readCSSString(s string) (string, string, bool) {
	if s == "" || (s[0] != '"' && s[0] != '\'') {
		return "", "", false
	}
	quote := s[0]
	var b strings.Builder
	for i := 1; i < len(s); {
		c := s[i]
		switch {
		case c == quote:
			return b.String(), strings.TrimSpace(s[i+1:]), true
		case c == '\\':
			if i+1 < len(s) && s[i+1] == '\n' {
				i += 2
				continue
			}
			r, next, ok := readEscape(s, i+1)
			if !ok {
				return "", "", false
			}
			b.WriteRune(r)
			i = next
		case c == '\n':
			return "", "", false
		default:
			r, size := utf8.DecodeRuneInString(s[i:])
			b.WriteRune(r)
			i += size
		}
	}
	return "", "", false
}

// readEscape decodes the CSS escape whose body starts at s[i], just past the
// backslash, and returns the rune and the index after the escape.
func readEscape(s string, i int) (rune, int, bool) {
	if i >= len(s) {
		return 0, 0, false
	}
	if isHex(s[i]) {
		j := i
		for j < len(s) && j-i < 6 && isHex(s[j]) {
			j++
		}
		cp, _ := strconv.ParseUint(s[i:j], 16, 32)
		if cp == 0 || cp > utf8.MaxRune {
			cp = utf8.RuneError
		}
		if j < len(s) && (s[j] == ' ' || s[j] == '\t' || s[j] == '\n') {
			j++
		}
		return rune(cp), j, true
	}
	r, size := utf8.DecodeRuneInString(s[i:])
	return r, i + size, true
}

// readCSSIdent unescapes a CSS identifier such as an attribute name.
func readCSSIdent(s string) (string, bool) {
	var b strings.Builder
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == '\\':
			r, next, ok := readEscape(s, i+1)
			if !ok {
				return "", false
			}
			b.WriteRune(r)
			i = next
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c >= 0x80:
			r, size := utf8.DecodeRuneInString(s[i:])
			b.WriteRune(r)
			i += size
		default:
			return "", false
		}
	}
	if b.Len() == 0 {
		return "", false
	}
	return b.String(), true
}

// cssIdent escapes name so it reads back as one CSS identifier.
func cssIdent(name string) string {
	var b strings.Builder
	for i, r := range name {
		leadingDigit := r >= '0' && r <= '9' && (i == 0 || (i == 1 && name[0] == '-'))
		switch {
		case r == 0:
			b.WriteString(`\fffd `)
		case r < 0x20 || r == 0x7f || leadingDigit:
			b.WriteString(`\` + strconv.FormatInt(int64(r), 16) + " ")
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r >= 0x80:
			b.WriteRune(r)
		default:
			b.WriteByte('\\')
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// cssQuote renders v as a double-quoted CSS string.
func cssQuote(v string) string {
	var b strings.Builder
	b.Grow(len(v) + 2)
	b.WriteByte('"')
	for _, r := range v {
		switch {
		case r == '"' || r == '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		case r < 0x20 || r == 0x7f:
			b.WriteString(`\` + strconv.FormatInt(int64(r), 16) + " ")
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}

var pathStep = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9_:.-]*)(?:\[([0-9]+)\])?(?:\[@id=(?:'([^']*)'|"([^"]*)")\])?$`)

// parsePath accepts the absolute paths pathExpression writes. Recorders of
// an earlier generation prefixed paths with a doubled slash; that form is
// read as absolute too.
func parsePath(expr string) ([]Step, bool) {
	s := strings.TrimSpace(expr)
	if !strings.HasPrefix(s, "/") {
		return nil, false
	}
	s = strings.TrimPrefix(s, "/")
	s = strings.TrimPrefix(s, "/")
	if s == "" {
		return nil, false
	}
	parts := strings.Split(s, "/")
	steps := make([]Step, 0, len(parts))
	for _, p := range parts {
		m := pathStep.FindStringSubmatch(p)
		if m == nil {
			return nil, false
		}
		step := Step{Tag: strings.ToLower(m[1])}
		if m[2] != "" {
			n, err := strconv.Atoi(m[2])
			if err != nil || n < 1 {
				return nil, false
			}
			// [1] on a tag with no same-tag siblings is the same element;
			// keep it so the expression round-trips unchanged.
			step.Index = n
		}
		if m[3] != "" {
			step.ID = m[3]
		} else if m[4] != "" {
			step.ID = m[4]
		}
		steps = append(steps, step)
	}
	return steps, true
}
