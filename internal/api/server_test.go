package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/webreplay/internal/artifact"
	"github.com/dgnsrekt/webreplay/internal/cdp"
	"github.com/dgnsrekt/webreplay/internal/config"
	"github.com/dgnsrekt/webreplay/internal/controller"
	"github.com/dgnsrekt/webreplay/internal/diag"
	"github.com/dgnsrekt/webreplay/internal/page"
	"github.com/dgnsrekt/webreplay/internal/recordings"
	"github.com/dgnsrekt/webreplay/internal/settings"
)

const shopPage = `<html><body>
<button data-testid="add" type="button">Add</button>
</body></html>`

type staticTarget struct {
	*page.Static
}

func (staticTarget) TargetID() string { return "T1" }

type fakeBrowser struct {
	target page.Target
}

func (b fakeBrowser) ActiveTarget() (page.Target, error) { return b.target, nil }

func (b fakeBrowser) ListTabs(ctx context.Context) ([]cdp.TabInfo, error) {
	return []cdp.TabInfo{{TargetID: "T1", URL: "https://shop.test/", Active: true}}, nil
}

func (b fakeBrowser) SelectTab(ctx context.Context, targetID string) (cdp.TabInfo, error) {
	if targetID != "T1" {
		return cdp.TabInfo{}, cdp.NewError(cdp.CodeTabNotFound, "tab not found: "+targetID, nil)
	}
	return cdp.TabInfo{TargetID: targetID, Active: true}, nil
}

func (b fakeBrowser) Version(ctx context.Context) (cdp.BrowserVersion, error) {
	return cdp.BrowserVersion{Product: "Chrome/130.0"}, nil
}

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	p, err := page.NewStatic("https://shop.test/", shopPage)
	if err != nil {
		t.Fatalf("NewStatic() failed: %v", err)
	}
	dir := t.TempDir()
	recs, err := recordings.NewStore(filepath.Join(dir, "recordings"))
	if err != nil {
		t.Fatalf("recordings.NewStore() failed: %v", err)
	}
	arts, err := artifact.NewStore(filepath.Join(dir, "artifacts"))
	if err != nil {
		t.Fatalf("artifact.NewStore() failed: %v", err)
	}
	st := settings.NewStore(filepath.Join(dir, "settings.yaml"))
	if err := st.Save(settings.Settings{MaxLocatorSearchDepth: 5, ElementWaitTimeoutMs: 200}); err != nil {
		t.Fatalf("settings Save() failed: %v", err)
	}
	svc := controller.NewService(controller.Deps{
		Browser:    fakeBrowser{target: staticTarget{p}},
		Artifacts:  arts,
		Recordings: recs,
		Settings:   st,
		Engine:     config.Engine{ClickNavDelayMS: 20, ScrollDebounceMS: 20},
	})
	t.Cleanup(svc.Close)
	broker := diag.NewBroker()
	t.Cleanup(broker.Close)
	return NewServer(svc, broker)
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return out
}

func TestDocsDarkMode(t *testing.T) {
	h := newTestServer(t)
	w := do(t, h, http.MethodGet, "/docs", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), `data-theme="dark"`) {
		t.Fatalf("docs missing dark theme marker")
	}
}

func TestOpenAPISchemasForStoredRecords(t *testing.T) {
	h := newTestServer(t)
	w := do(t, h, http.MethodGet, "/openapi.json", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /openapi.json = %d", w.Code)
	}
	doc := decode[struct {
		Components struct {
			Schemas map[string]json.RawMessage `json:"schemas"`
		} `json:"components"`
	}](t, w)
	for _, name := range []string{"Artifact", "Meta"} {
		if _, ok := doc.Components.Schemas[name]; !ok {
			t.Fatalf("openapi schemas missing %q", name)
		}
	}
}

func TestHealth(t *testing.T) {
	h := newTestServer(t)
	w := do(t, h, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"ok"`) {
		t.Fatalf("GET /health = %d %s", w.Code, w.Body.String())
	}
}

func TestImportExportAndReplay(t *testing.T) {
	h := newTestServer(t)

	w := do(t, h, http.MethodPost, "/api/v1/recordings",
		`{"name":"add","document":[{"action":"click","locator":{"type":"css","value":"[data-testid=\"add\"]"}}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("POST /recordings = %d %s", w.Code, w.Body.String())
	}
	meta := decode[recordings.Meta](t, w)
	if meta.ID == "" || meta.ActionCount != 1 {
		t.Fatalf("imported recording = %+v", meta)
	}

	w = do(t, h, http.MethodGet, "/api/v1/recordings", "")
	list := decode[struct {
		Recordings []recordings.Meta `json:"recordings"`
	}](t, w)
	if len(list.Recordings) != 1 || list.Recordings[0].ID != meta.ID {
		t.Fatalf("GET /recordings = %s", w.Body.String())
	}

	w = do(t, h, http.MethodGet, "/api/v1/recordings/"+meta.ID+"/script?format=playwright", "")
	if w.Code != http.StatusOK || !strings.HasPrefix(w.Header().Get("Content-Type"), "text/plain") {
		t.Fatalf("GET script = %d %q", w.Code, w.Header().Get("Content-Type"))
	}
	if !strings.Contains(w.Body.String(), "@playwright/test") {
		t.Fatalf("script body = %s", w.Body.String())
	}

	w = do(t, h, http.MethodPost, "/api/v1/replays", `{"recording_id":"`+meta.ID+`"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("POST /replays = %d %s", w.Code, w.Body.String())
	}
	run := decode[controller.RunStatus](t, w)

	deadline := time.Now().Add(5 * time.Second)
	for {
		w = do(t, h, http.MethodGet, "/api/v1/replays/"+run.RunID, "")
		got := decode[controller.RunStatus](t, w)
		if got.State == "completed" {
			if got.Done != 1 || len(got.Steps) != 1 {
				t.Fatalf("run = %s", w.Body.String())
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run %s did not complete: %s", run.RunID, w.Body.String())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestReplayErrorsMapToStatus(t *testing.T) {
	h := newTestServer(t)
	tests := []struct {
		name string
		body string
		want int
	}{
		{"no source", `{}`, http.StatusBadRequest},
		{"bad document", `{"document":{"version":9,"actions":[]}}`, http.StatusUnprocessableEntity},
		{"unknown recording", `{"recording_id":"6f1c2d3e-0000-4000-8000-000000000000"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, http.MethodPost, "/api/v1/replays", tt.body)
			if w.Code != tt.want {
				t.Fatalf("POST /replays %s = %d %s; want %d", tt.body, w.Code, w.Body.String(), tt.want)
			}
		})
	}

	if w := do(t, h, http.MethodGet, "/api/v1/replays/nope", ""); w.Code != http.StatusNotFound {
		t.Fatalf("GET /replays/nope = %d; want 404", w.Code)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	h := newTestServer(t)

	w := do(t, h, http.MethodPut, "/api/v1/settings",
		`{"maxLocatorSearchDepth":3,"elementWaitTimeoutMs":1500,"postActionSettleDelayMs":250,"actionableOnly":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("PUT /settings = %d %s", w.Code, w.Body.String())
	}
	w = do(t, h, http.MethodGet, "/api/v1/settings", "")
	got := decode[settings.Settings](t, w)
	want := settings.Settings{MaxLocatorSearchDepth: 3, ElementWaitTimeoutMs: 1500, PostActionSettleDelayMs: 250, ActionableOnly: true}
	if got != want {
		t.Fatalf("GET /settings = %+v; want %+v", got, want)
	}

	w = do(t, h, http.MethodPut, "/api/v1/settings",
		`{"maxLocatorSearchDepth":3,"elementWaitTimeoutMs":0,"postActionSettleDelayMs":250,"actionableOnly":false}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("PUT invalid /settings = %d; want 400", w.Code)
	}
}

func TestRecordingLifecycle(t *testing.T) {
	h := newTestServer(t)

	if w := do(t, h, http.MethodPost, "/api/v1/recording/stop", `{}`); w.Code != http.StatusBadRequest {
		t.Fatalf("stop while idle = %d; want 400", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/api/v1/recording/start", ""); w.Code != http.StatusOK {
		t.Fatalf("start = %d %s", w.Code, w.Body.String())
	}
	if w := do(t, h, http.MethodPost, "/api/v1/recording/start", ""); w.Code != http.StatusConflict {
		t.Fatalf("second start = %d; want 409", w.Code)
	}
	w := do(t, h, http.MethodGet, "/api/v1/recording/status", "")
	if st := decode[controller.RecordingStatus](t, w); st.State != "recording" {
		t.Fatalf("status = %+v", st)
	}
	w = do(t, h, http.MethodPost, "/api/v1/recording/stop", `{"name":"empty"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("stop = %d %s", w.Code, w.Body.String())
	}
	res := decode[struct {
		Recording recordings.Meta `json:"recording"`
		Actions   []any           `json:"actions"`
	}](t, w)
	if res.Recording.Name != "empty" || res.Actions == nil || len(res.Actions) != 0 {
		t.Fatalf("stop result = %s", w.Body.String())
	}
}

func TestTabsAndArtifacts(t *testing.T) {
	h := newTestServer(t)

	if w := do(t, h, http.MethodGet, "/api/v1/tabs", ""); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"T1"`) {
		t.Fatalf("GET /tabs = %d %s", w.Code, w.Body.String())
	}
	if w := do(t, h, http.MethodPost, "/api/v1/tabs/T9/activate", ""); w.Code != http.StatusNotFound {
		t.Fatalf("activate unknown tab = %d; want 404", w.Code)
	}
	w := do(t, h, http.MethodGet, "/api/v1/artifacts", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"artifacts":[]`) {
		t.Fatalf("GET /artifacts = %d %s", w.Code, w.Body.String())
	}
	if w := do(t, h, http.MethodGet, "/api/v1/artifacts/not-a-uuid/image", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("GET bad artifact image = %d; want 400", w.Code)
	}
}

func TestMapErr(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{cdp.NewError(cdp.CodeValidation, "x", nil), http.StatusBadRequest},
		{cdp.NewError(cdp.CodeParse, "x", nil), http.StatusUnprocessableEntity},
		{cdp.NewError(cdp.CodeNotFound, "x", nil), http.StatusNotFound},
		{cdp.NewError(cdp.CodeTabNotFound, "x", nil), http.StatusNotFound},
		{cdp.NewError(cdp.CodeBusy, "x", nil), http.StatusConflict},
		{cdp.NewError(cdp.CodeEvalTimeout, "x", nil), http.StatusGatewayTimeout},
		{cdp.NewError(cdp.CodeCDPUnavailable, "x", nil), http.StatusBadGateway},
		{cdp.NewError(cdp.CodeEvalFailure, "x", nil), http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		var se huma.StatusError
		if !errors.As(mapErr(tt.err), &se) || se.GetStatus() != tt.want {
			t.Fatalf("mapErr(%v) status = %v; want %d", tt.err, se, tt.want)
		}
	}
	if mapErr(nil) != nil {
		t.Fatal("mapErr(nil) != nil")
	}
}

func TestQuietPath(t *testing.T) {
	tests := map[string]bool{
		"/health":                    true,
		"/api/v1/diagnostics/stream": true,
		"/api/v1/replays/abc":        true,
		"/api/v1/replays/abc/cancel": false,
		"/api/v1/recordings":         false,
		"/api/v1/recording/start":    false,
	}
	for path, want := range tests {
		if got := quietPath(path); got != want {
			t.Fatalf("quietPath(%q) = %v; want %v", path, got, want)
		}
	}
}
