// Package artifact stores replay screenshots on disk: the image under a
// namespacing prefix with a collision-free name, and a JSON sidecar per
// artifact addressed by id.
package artifact

import (
	"context"
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

	"github.com/dgnsrekt/webreplay/internal/screenshot"
)

// Prefix is the directory every image is written under.
const Prefix = "web-action-recorder"

const maxUniquify = 10000

var (
	ErrNotFound  = errors.New("artifact not found")
	ErrInvalidID = errors.New("invalid artifact id")
)

var uuidRe = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// Artifact describes one stored screenshot.
type Artifact struct {
	ID        string    `json:"id"`
	Filename  string    `json:"filename"`
	Format    string    `json:"format"`
	SizeBytes int       `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
	RunID     string    `json:"run_id,omitempty"`
	Step      int       `json:"step,omitempty"`
	PageURL   string    `json:"page_url,omitempty"`
}

// Store manages artifact files under one root directory.
type Store struct {
	dir string
	mu  sync.RWMutex
	now func() time.Time
}

// NewStore creates a Store and ensures its directories exist.
func NewStore(dir string) (*Store, error) {
	for _, d := range []string{filepath.Join(dir, Prefix), filepath.Join(dir, "meta")} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("artifact store: mkdir %s: %w", d, err)
		}
	}
	return &Store{dir: dir, now: time.Now}, nil
}

func validateID(id string) error {
	if !uuidRe.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// Save implements screenshot.Saver.
func (s *Store) Save(ctx context.Context, req screenshot.Request, png []byte) (string, error) {
	meta, err := s.Put(Artifact{
		Filename: req.FilenameHint,
		RunID:    req.RunID,
		Step:     req.Step,
		PageURL:  req.PageURL,
	}, png)
	if err != nil {
		return "", err
	}
	return meta.ID, nil
}

// Put writes data under Prefix using meta.Filename as the preferred name,
// appending " (n)" before the extension while the name is taken, then writes
// the sidecar. The stored record is returned.
func (s *Store) Put(meta Artifact, data []byte) (Artifact, error) {
	if meta.ID == "" {
		meta.ID = uuid.NewString()
	}
	if err := validateID(meta.ID); err != nil {
		return Artifact{}, err
	}
	base := sanitizeFilename(meta.Filename)
	meta.Format = strings.TrimPrefix(filepath.Ext(base), ".")

	s.mu.Lock()
	defer s.mu.Unlock()

	name, f, err := s.createUnique(base)
	if err != nil {
		return Artifact{}, err
	}
	imgPath := filepath.Join(s.dir, Prefix, name)
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = os.Remove(imgPath)
		return Artifact{}, fmt.Errorf("artifact store: write image: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(imgPath)
		return Artifact{}, fmt.Errorf("artifact store: close image: %w", err)
	}

	meta.Filename = Prefix + "/" + name
	meta.SizeBytes = len(data)
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = s.now().UTC()
	}
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		_ = os.Remove(imgPath)
		return Artifact{}, fmt.Errorf("artifact store: marshal meta: %w", err)
	}
	if err := os.WriteFile(s.metaPath(meta.ID), raw, 0o644); err != nil {
		_ = os.Remove(imgPath)
		return Artifact{}, fmt.Errorf("artifact store: write meta: %w", err)
	}
	slog.Debug("artifact saved", "id", meta.ID, "file", meta.Filename, "bytes", meta.SizeBytes)
	return meta, nil
}

func (s *Store) createUnique(base string) (string, *os.File, error) {
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	for n := 0; n < maxUniquify; n++ {
		name := base
		if n > 0 {
			name = fmt.Sprintf("%s (%d)%s", stem, n, ext)
		}
		f, err := os.OpenFile(filepath.Join(s.dir, Prefix, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return name, f, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", nil, fmt.Errorf("artifact store: create image: %w", err)
		}
	}
	return "", nil, fmt.Errorf("artifact store: no free name for %s", base)
}

// sanitizeFilename keeps only the final path element and forces a .png
// extension when none is given.
func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(strings.TrimSpace(name))
	if name == "." || name == "/" || name == "" || name == ".." {
		name = "screenshot"
	}
	if filepath.Ext(name) == "" {
		name += ".png"
	}
	return name
}

func (s *Store) metaPath(id string) string {
	return filepath.Join(s.dir, "meta", id+".json")
}

// Get reads artifact metadata by id.
func (s *Store) Get(id string) (Artifact, error) {
	if err := validateID(id); err != nil {
		return Artifact{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readMeta(s.metaPath(id))
}

func (s *Store) readMeta(path string) (Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Artifact{}, fmt.Errorf("%w: %s", ErrNotFound, strings.TrimSuffix(filepath.Base(path), ".json"))
		}
		return Artifact{}, fmt.Errorf("artifact store: read meta: %w", err)
	}
	var meta Artifact
	if err := json.Unmarshal(data, &meta); err != nil {
		return Artifact{}, fmt.Errorf("artifact store: unmarshal meta: %w", err)
	}
	return meta, nil
}

// List returns artifacts newest first; a non-empty runID keeps only that
// run's artifacts, ordered by step.
func (s *Store) List(runID string) ([]Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches, err := filepath.Glob(filepath.Join(s.dir, "meta", "*.json"))
	if err != nil {
		return nil, fmt.Errorf("artifact store: glob: %w", err)
	}
	metas := make([]Artifact, 0, len(matches))
	for _, path := range matches {
		meta, err := s.readMeta(path)
		if err != nil {
			continue
		}
		if runID != "" && meta.RunID != runID {
			continue
		}
		metas = append(metas, meta)
	}
	if runID != "" {
		sort.Slice(metas, func(i, j int) bool { return metas[i].Step < metas[j].Step })
	} else {
		sort.Slice(metas, func(i, j int) bool { return metas[i].CreatedAt.After(metas[j].CreatedAt) })
	}
	return metas, nil
}

// ReadImage returns the image bytes and format.
func (s *Store) ReadImage(id string) ([]byte, string, error) {
	meta, err := s.Get(id)
	if err != nil {
		return nil, "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := os.ReadFile(filepath.Join(s.dir, filepath.FromSlash(meta.Filename)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", fmt.Errorf("%w: image for %s", ErrNotFound, id)
		}
		return nil, "", fmt.Errorf("artifact store: read image: %w", err)
	}
	return data, meta.Format, nil
}

// Delete removes the image and the sidecar.
func (s *Store) Delete(id string) error {
	meta, err := s.Get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(filepath.Join(s.dir, filepath.FromSlash(meta.Filename))); err != nil {
		slog.Debug("artifact image cleanup failed", "id", id, "error", err)
	}
	if err := os.Remove(s.metaPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("artifact store: delete meta: %w", err)
	}
	return nil
}
