package cdp

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func withDefaultHTTPClient(t *testing.T, transport http.RoundTripper) {
	t.Helper()
	origClient := http.DefaultClient
	t.Cleanup(func() {
		http.DefaultClient = origClient
	})
	http.DefaultClient = &http.Client{
		Transport: transport,
	}
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(body))}
}

func TestListTabsWrapsListTargetsError(t *testing.T) {
	withDefaultHTTPClient(t, roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if req.URL.Path == "/json/list" {
			return jsonResponse(http.StatusInternalServerError, `oops`), nil
		}
		return jsonResponse(http.StatusNotFound, ``), nil
	}))

	c := NewClient("http://example.com", "", 0)
	_, err := c.ListTabs(context.Background())
	if err == nil {
		t.Fatal("expected ListTabs() to fail")
	}
	var codedErr *CodedError
	if !errors.As(err, &codedErr) {
		t.Fatalf("expected *CodedError, got %T", err)
	}
	if codedErr.Code != CodeCDPUnavailable {
		t.Fatalf("error code = %s; want %s", codedErr.Code, CodeCDPUnavailable)
	}
}

func TestListTabsAppliesURLFilter(t *testing.T) {
	withDefaultHTTPClient(t, roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, `[
			{"id":"B","type":"page","title":"Shop","url":"https://Shop.example.com/cart"},
			{"id":"A","type":"page","title":"Docs","url":"https://docs.example.com/"},
			{"id":"W","type":"service_worker","url":"https://shop.example.com/sw.js"},
			{"id":"C","type":"page","title":"Shop 2","url":"https://shop.example.com/"}
		]`), nil
	}))

	c := NewClient("http://example.com/", "shop.example", 0)
	tabs, err := c.ListTabs(context.Background())
	if err != nil {
		t.Fatalf("ListTabs() error = %v", err)
	}
	if len(tabs) != 2 || tabs[0].TargetID != "B" || tabs[1].TargetID != "C" {
		t.Fatalf("ListTabs() = %+v; want B and C", tabs)
	}
	if c.tabRegistry.Count() != 3 {
		t.Fatalf("registry count = %d; want 3 pages", c.tabRegistry.Count())
	}
}

func TestSelectTabUnknownTarget(t *testing.T) {
	withDefaultHTTPClient(t, roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, `[{"id":"A","type":"page","url":"about:blank"}]`), nil
	}))

	c := NewClient("http://example.com", "", 0)
	_, err := c.SelectTab(context.Background(), "missing")
	var codedErr *CodedError
	if !errors.As(err, &codedErr) || codedErr.Code != CodeTabNotFound {
		t.Fatalf("SelectTab() error = %v; want %s", err, CodeTabNotFound)
	}
}

func TestCaptureWithoutActiveTab(t *testing.T) {
	c := NewClient("http://example.com", "", 0)
	_, err := c.Capture(context.Background(), "")
	var codedErr *CodedError
	if !errors.As(err, &codedErr) || codedErr.Code != CodeTabNotFound {
		t.Fatalf("Capture() error = %v; want %s", err, CodeTabNotFound)
	}
	if _, err := c.Capture(context.Background(), "T1"); err == nil {
		t.Fatal("Capture(T1) without a browser connection should fail")
	}
}

func TestRefreshDropsClosedActiveTab(t *testing.T) {
	body := `[{"id":"A","type":"page","url":"about:blank"},{"id":"B","type":"page","url":"about:blank"}]`
	withDefaultHTTPClient(t, roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, body), nil
	}))

	c := NewClient("http://example.com", "", 0)
	if _, err := c.ListTabs(context.Background()); err != nil {
		t.Fatalf("ListTabs() error = %v", err)
	}
	c.tabRegistry.SetActive("A")

	body = `[{"id":"B","type":"page","url":"about:blank"}]`
	if _, err := c.ListTabs(context.Background()); err != nil {
		t.Fatalf("ListTabs() error = %v", err)
	}
	if id, ok := c.tabRegistry.Active(); ok {
		t.Fatalf("Active() = %q; want none after the tab closed", id)
	}
}

func TestTruncateURL(t *testing.T) {
	long := "https://example.com/" + strings.Repeat("a", 200)
	if got := truncateURL(long); len(got) != 123 || !strings.HasSuffix(got, "...") {
		t.Fatalf("truncateURL() len = %d; want 123 with ellipsis", len(got))
	}
	if got := truncateURL("about:blank"); got != "about:blank" {
		t.Fatalf("truncateURL(short) = %q", got)
	}
}
