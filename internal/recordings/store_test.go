package recordings

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/dgnsrekt/webreplay/internal/actionlog"
	"github.com/dgnsrekt/webreplay/internal/locator"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() failed: %v", err)
	}
	return st
}

func sampleActions() []actionlog.Action {
	return []actionlog.Action{
		actionlog.Navigate("https://example.test/start"),
		actionlog.Click(locator.Attr("data-testid", "go")),
		actionlog.Scroll(0, 400),
	}
}

func TestSaveAndGet(t *testing.T) {
	st := newTestStore(t)
	meta, err := st.Save("  checkout  ", sampleActions())
	if err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	if meta.Name != "checkout" || meta.ActionCount != 3 || meta.StartURL != "https://example.test/start" {
		t.Fatalf("Save() meta = %+v", meta)
	}

	got, actions, err := st.Get(meta.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.ID != meta.ID || len(actions) != 3 {
		t.Fatalf("Get() = %+v, %d actions; want id %s, 3 actions", got, len(actions), meta.ID)
	}
	if !actions[1].Locator.Equal(locator.Attr("data-testid", "go")) {
		t.Fatalf("Get() action 2 locator = %v", actions[1].Locator)
	}

	doc, err := st.Document(meta.ID)
	if err != nil {
		t.Fatalf("Document() failed: %v", err)
	}
	if len(doc) == 0 || doc[0] != '[' {
		t.Fatalf("Document() = %q; want a bare array document", doc)
	}
}

func TestImportRejectsMalformed(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.Import("bad", []byte(`[{"action":"teleport"}]`)); err == nil {
		t.Fatalf("Import() succeeded; want parse error")
	}
	list, _ := st.List()
	if len(list) != 0 {
		t.Fatalf("List() after failed import = %d entries; want 0", len(list))
	}
}

func TestListNewestFirst(t *testing.T) {
	st := newTestStore(t)
	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	n := 0
	st.now = func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
	first, _ := st.Save("first", nil)
	second, _ := st.Save("second", nil)

	list, err := st.List()
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != second.ID || list[1].ID != first.ID {
		t.Fatalf("List() = %+v; want second then first", list)
	}
}

func TestDelete(t *testing.T) {
	st := newTestStore(t)
	meta, _ := st.Save("x", sampleActions())
	if err := st.Delete(meta.ID); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if _, _, err := st.Get(meta.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() after Delete error = %v; want ErrNotFound", err)
	}
	if _, err := os.Stat(st.docPath(meta.ID)); !os.IsNotExist(err) {
		t.Fatalf("log document still present after Delete")
	}
	if err := st.Delete("nope"); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("Delete(nope) error = %v; want ErrInvalidID", err)
	}
}
