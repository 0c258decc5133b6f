package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/dgnsrekt/webreplay/internal/screenshot"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() failed: %v", err)
	}
	return store
}

func TestPutUniquifiesFilenames(t *testing.T) {
	store := newTestStore(t)

	var got []string
	for i := 0; i < 3; i++ {
		meta, err := store.Put(Artifact{Filename: "screenshot_1.png"}, []byte{byte(i)})
		if err != nil {
			t.Fatalf("Put() failed: %v", err)
		}
		got = append(got, meta.Filename)
	}
	want := []string{
		"web-action-recorder/screenshot_1.png",
		"web-action-recorder/screenshot_1 (1).png",
		"web-action-recorder/screenshot_1 (2).png",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("filenames mismatch (-want +got):\n%s", diff)
	}
	for i, name := range want {
		data, err := os.ReadFile(filepath.Join(store.dir, filepath.FromSlash(name)))
		if err != nil {
			t.Fatalf("ReadFile(%s) failed: %v", name, err)
		}
		if !bytes.Equal(data, []byte{byte(i)}) {
			t.Fatalf("%s content = %v; want [%d]", name, data, i)
		}
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"screenshot_3.png", "screenshot_3.png"},
		{"../../etc/passwd", "passwd.png"},
		{`dir\shot.png`, "shot.png"},
		{"", "screenshot.png"},
		{"  ", "screenshot.png"},
		{"report", "report.png"},
	}
	for _, tt := range tests {
		if got := sanitizeFilename(tt.in); got != tt.want {
			t.Fatalf("sanitizeFilename(%q) = %q; want %q", tt.in, got, tt.want)
		}
	}
}

func TestSaveImplementsSaver(t *testing.T) {
	store := newTestStore(t)
	var saver screenshot.Saver = store

	id, err := saver.Save(context.Background(), screenshot.Request{
		FilenameHint: "screenshot_2.png",
		RunID:        "run-1",
		Step:         2,
		PageURL:      "https://example.test/a",
	}, []byte("png-bytes"))
	if err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	meta, err := store.Get(id)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if meta.RunID != "run-1" || meta.Step != 2 || meta.SizeBytes != 9 || meta.Format != "png" {
		t.Fatalf("Get() = %+v; want run-1 step 2 with 9 png bytes", meta)
	}
	raw, err := os.ReadFile(store.metaPath(id))
	if err != nil {
		t.Fatalf("read sidecar: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("unmarshal sidecar: %v", err)
	}
	var keys []string
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	wantKeys := []string{"created_at", "filename", "format", "id", "page_url", "run_id", "size_bytes", "step"}
	if diff := cmp.Diff(wantKeys, keys); diff != "" {
		t.Fatalf("sidecar fields mismatch (-want +got):\n%s", diff)
	}
	data, format, err := store.ReadImage(id)
	if err != nil {
		t.Fatalf("ReadImage() failed: %v", err)
	}
	if string(data) != "png-bytes" || format != "png" {
		t.Fatalf("ReadImage() = %q, %q; want png-bytes, png", data, format)
	}
}

func TestListOrdering(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	store.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	for _, m := range []Artifact{
		{Filename: "b.png", RunID: "r1", Step: 2},
		{Filename: "a.png", RunID: "r1", Step: 1},
		{Filename: "c.png", RunID: "r2", Step: 1},
	} {
		if _, err := store.Put(m, []byte("x")); err != nil {
			t.Fatalf("Put() failed: %v", err)
		}
	}

	all, err := store.List("")
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	var names []string
	for _, m := range all {
		names = append(names, m.Filename)
	}
	want := []string{"web-action-recorder/c.png", "web-action-recorder/a.png", "web-action-recorder/b.png"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Fatalf("List(\"\") order mismatch (-want +got):\n%s", diff)
	}

	run, err := store.List("r1")
	if err != nil {
		t.Fatalf("List(r1) failed: %v", err)
	}
	if len(run) != 2 || run[0].Step != 1 || run[1].Step != 2 {
		t.Fatalf("List(r1) = %+v; want steps 1, 2", run)
	}
}

func TestGetRejectsInvalidID(t *testing.T) {
	store := newTestStore(t)
	for _, id := range []string{"", "../meta/x", "not-a-uuid"} {
		if _, err := store.Get(id); !errors.Is(err, ErrInvalidID) {
			t.Fatalf("Get(%q) error = %v; want ErrInvalidID", id, err)
		}
	}
	if _, err := store.Get("00000000-0000-0000-0000-000000000000"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) error = %v; want ErrNotFound", err)
	}
}

func TestDeleteLogsImageCleanupFailure(t *testing.T) {
	store := newTestStore(t)
	meta, err := store.Put(Artifact{Filename: "gone.png"}, []byte("x"))
	if err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if err := os.Remove(filepath.Join(store.dir, filepath.FromSlash(meta.Filename))); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}

	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	defer slog.SetDefault(prev)

	if err := store.Delete(meta.ID); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if !strings.Contains(buf.String(), "artifact image cleanup failed") {
		t.Fatalf("log output missing cleanup message:\n%s", buf.String())
	}
	if _, err := store.Get(meta.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() after Delete error = %v; want ErrNotFound", err)
	}
}
