// Package recordings keeps finished action logs on disk so they can be
// replayed or exported later by id.
package recordings

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dgnsrekt/webreplay/internal/actionlog"
)

var (
	ErrNotFound  = errors.New("recording not found")
	ErrInvalidID = errors.New("invalid recording id")
)

var uuidRe = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// Meta describes a stored recording. The action log itself lives next to
// it as a plain document any replayer can read.
type Meta struct {
	ID          string    `json:"id"`
	Name        string    `json:"name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ActionCount int       `json:"action_count"`
	StartURL    string    `json:"start_url,omitempty"`
}

type Store struct {
	dir string
	mu  sync.RWMutex
	now func() time.Time
}

// NewStore creates a Store and ensures its directory exists.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("recording store: mkdir: %w", err)
	}
	return &Store{dir: dir, now: time.Now}, nil
}

func validateID(id string) error {
	if !uuidRe.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

func (s *Store) docPath(id string) string  { return filepath.Join(s.dir, id+".json") }
func (s *Store) metaPath(id string) string { return filepath.Join(s.dir, id+".meta.json") }

// Save stores actions under a fresh id.
func (s *Store) Save(name string, actions []actionlog.Action) (Meta, error) {
	doc, err := actionlog.Marshal(actions)
	if err != nil {
		return Meta{}, fmt.Errorf("recording store: %w", err)
	}
	meta := Meta{
		ID:          uuid.NewString(),
		Name:        strings.TrimSpace(name),
		CreatedAt:   s.now().UTC(),
		ActionCount: len(actions),
		StartURL:    startURL(actions),
	}
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return Meta{}, fmt.Errorf("recording store: marshal meta: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.WriteFile(s.docPath(meta.ID), doc, 0o644); err != nil {
		return Meta{}, fmt.Errorf("recording store: write log: %w", err)
	}
	if err := os.WriteFile(s.metaPath(meta.ID), raw, 0o644); err != nil {
		_ = os.Remove(s.docPath(meta.ID))
		return Meta{}, fmt.Errorf("recording store: write meta: %w", err)
	}
	slog.Debug("recording saved", "id", meta.ID, "actions", meta.ActionCount)
	return meta, nil
}

// Import validates an externally produced document and stores it.
func (s *Store) Import(name string, doc []byte) (Meta, error) {
	actions, err := actionlog.Unmarshal(doc)
	if err != nil {
		return Meta{}, err
	}
	return s.Save(name, actions)
}

func startURL(actions []actionlog.Action) string {
	for _, a := range actions {
		if a.Kind == actionlog.KindNavigate {
			return a.URL
		}
	}
	return ""
}

// Get returns the metadata and decoded actions of a recording.
func (s *Store) Get(id string) (Meta, []actionlog.Action, error) {
	meta, err := s.Meta(id)
	if err != nil {
		return Meta{}, nil, err
	}
	doc, err := s.Document(id)
	if err != nil {
		return Meta{}, nil, err
	}
	actions, err := actionlog.Unmarshal(doc)
	if err != nil {
		return Meta{}, nil, fmt.Errorf("recording store: %s: %w", id, err)
	}
	return meta, actions, nil
}

func (s *Store) Meta(id string) (Meta, error) {
	if err := validateID(id); err != nil {
		return Meta{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return readMeta(s.metaPath(id), id)
}

// Document returns the raw stored action log document.
func (s *Store) Document(id string) ([]byte, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := os.ReadFile(s.docPath(id))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("recording store: read log: %w", err)
	}
	return data, nil
}

func readMeta(path, id string) (Meta, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Meta{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Meta{}, fmt.Errorf("recording store: read meta: %w", err)
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return Meta{}, fmt.Errorf("recording store: unmarshal meta: %w", err)
	}
	return meta, nil
}

// List returns all recordings, newest first.
func (s *Store) List() ([]Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matches, err := filepath.Glob(filepath.Join(s.dir, "*.meta.json"))
	if err != nil {
		return nil, fmt.Errorf("recording store: glob: %w", err)
	}
	out := make([]Meta, 0, len(matches))
	for _, path := range matches {
		id := strings.TrimSuffix(filepath.Base(path), ".meta.json")
		meta, err := readMeta(path, id)
		if err != nil {
			continue
		}
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) Delete(id string) error {
	if _, err := s.Meta(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.docPath(id)); err != nil {
		slog.Debug("recording log cleanup failed", "id", id, "error", err)
	}
	if err := os.Remove(s.metaPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("recording store: delete meta: %w", err)
	}
	return nil
}
