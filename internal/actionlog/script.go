package actionlog

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/dgnsrekt/webreplay/internal/locator"
)

// ScriptFormat selects the export flavour.
type ScriptFormat string

const (
	// FormatSteps is a numbered, human-readable list.
	FormatSteps ScriptFormat = "steps"
	// FormatPlaywright is a runnable @playwright/test file.
	FormatPlaywright ScriptFormat = "playwright"
)

// ScriptOptions tune export.
type ScriptOptions struct {
	Title string
	// BaseURL, when set, replaces the origin of every navigation URL.
	BaseURL string
	// Screenshots adds a screenshot after each Playwright step, named the way
	// replay names its artifacts.
	Screenshots bool
}

// Script renders actions as a reproduction script.
func Script(actions []Action, format ScriptFormat, opts ScriptOptions) (string, error) {
	switch format {
	case FormatSteps, "":
		return stepsScript(actions, opts), nil
	case FormatPlaywright:
		return playwrightScript(actions, opts), nil
	default:
		return "", fmt.Errorf("unknown script format %q", format)
	}
}

func stepsScript(actions []Action, opts ScriptOptions) string {
	if len(actions) == 0 {
		return "# No actions recorded\n"
	}
	var b strings.Builder
	title := opts.Title
	if title == "" {
		title = "recorded session"
	}
	fmt.Fprintf(&b, "# Replay: %s\n", title)
	fmt.Fprintf(&b, "# %d actions\n\n", len(actions))
	for i, a := range actions {
		fmt.Fprintf(&b, "%d. %s\n", i+1, describeStep(a, opts))
	}
	return b.String()
}

func describeStep(a Action, opts ScriptOptions) string {
	switch a.Kind {
	case KindClick:
		return "Click: " + describeLocator(a.Locator)
	case KindScroll:
		return fmt.Sprintf("Scroll to: x=%s, y=%s", formatOffset(a.X), formatOffset(a.Y))
	case KindNavigate:
		return "Navigate: " + rewriteURL(a.URL, opts.BaseURL)
	case KindChange:
		return fmt.Sprintf("Set %s to %q", describeLocator(a.Locator), a.Value)
	case KindKeyDown:
		return fmt.Sprintf("Press %s on %s", a.Key, describeLocator(a.Locator))
	default:
		return string(a.Kind)
	}
}

func describeLocator(loc locator.Locator) string {
	if loc.Empty() {
		return "(unknown element)"
	}
	return loc.Expression()
}

func playwrightScript(actions []Action, opts ScriptOptions) string {
	title := opts.Title
	if title == "" {
		title = "replay recorded session"
	}
	var b strings.Builder
	b.WriteString("import { test, expect } from '@playwright/test';\n\n")
	fmt.Fprintf(&b, "test('%s', async ({ page }) => {\n", escapeJS(title))
	for i, a := range actions {
		fmt.Fprintf(&b, "  %s\n", playwrightStep(a, opts))
		if opts.Screenshots {
			fmt.Fprintf(&b, "  await page.screenshot({ path: 'screenshot_%d.png' });\n", i+1)
		}
	}
	b.WriteString("});\n")
	return b.String()
}

func playwrightStep(a Action, opts ScriptOptions) string {
	switch a.Kind {
	case KindClick:
		return locatorCall(a.Locator, "click()", "click")
	case KindScroll:
		return fmt.Sprintf("await page.evaluate(() => window.scrollTo(%s, %s));", formatOffset(a.X), formatOffset(a.Y))
	case KindNavigate:
		return fmt.Sprintf("await page.goto('%s');", escapeJS(rewriteURL(a.URL, opts.BaseURL)))
	case KindChange:
		return locatorCall(a.Locator, fmt.Sprintf("fill('%s')", escapeJS(a.Value)), "change")
	case KindKeyDown:
		return locatorCall(a.Locator, fmt.Sprintf("press('%s')", escapeJS(a.Key)), "keydown")
	default:
		return "// unsupported action " + string(a.Kind)
	}
}

func locatorCall(loc locator.Locator, call, label string) string {
	pw := playwrightLocator(loc)
	if pw == "" {
		return fmt.Sprintf("// %s - no locator available", label)
	}
	return fmt.Sprintf("await page.%s.%s;", pw, call)
}

// playwrightLocator prefers Playwright's semantic getters where the attribute
// maps onto one.
func playwrightLocator(loc locator.Locator) string {
	if loc.Empty() {
		return ""
	}
	switch loc.Kind {
	case locator.ByAttribute:
		switch loc.Attribute {
		case "data-testid":
			return fmt.Sprintf("getByTestId('%s')", escapeJS(loc.Value))
		case "aria-label":
			return fmt.Sprintf("getByLabel('%s')", escapeJS(loc.Value))
		}
	case locator.ByPath:
		return fmt.Sprintf("locator('xpath=%s')", escapeJS(loc.Expression()))
	case locator.BySelector:
		if loc.Syntax == locator.XPath {
			return fmt.Sprintf("locator('xpath=%s')", escapeJS(loc.Expression()))
		}
	}
	return fmt.Sprintf("locator('%s')", escapeJS(loc.Expression()))
}

func escapeJS(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`, "\n", `\n`, "\r", `\r`, "\t", `\t`)
	return r.Replace(s)
}

func rewriteURL(raw, base string) string {
	if base == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	out := strings.TrimRight(base, "/") + u.EscapedPath()
	if u.RawQuery != "" {
		out += "?" + u.RawQuery
	}
	if u.Fragment != "" {
		out += "#" + u.Fragment
	}
	return out
}
