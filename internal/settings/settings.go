// Package settings persists the replay configuration as a YAML document.
package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dgnsrekt/webreplay/internal/locator"
)

const (
	DefaultMaxLocatorSearchDepth   = 5
	DefaultElementWaitTimeoutMs    = 5000
	DefaultPostActionSettleDelayMs = 500

	maxLocatorSearchDepthCeiling = 64
)

// Settings is the replay configuration document.
type Settings struct {
	MaxLocatorSearchDepth   int  `yaml:"maxLocatorSearchDepth" json:"maxLocatorSearchDepth"`
	ElementWaitTimeoutMs    int  `yaml:"elementWaitTimeoutMs" json:"elementWaitTimeoutMs"`
	PostActionSettleDelayMs int  `yaml:"postActionSettleDelayMs" json:"postActionSettleDelayMs"`
	ActionableOnly          bool `yaml:"actionableOnly" json:"actionableOnly"`
}

// Defaults returns the configuration used when nothing is stored.
func Defaults() Settings {
	return Settings{
		MaxLocatorSearchDepth:   DefaultMaxLocatorSearchDepth,
		ElementWaitTimeoutMs:    DefaultElementWaitTimeoutMs,
		PostActionSettleDelayMs: DefaultPostActionSettleDelayMs,
	}
}

// Validate rejects values no replay could use.
func (s Settings) Validate() error {
	switch {
	case s.MaxLocatorSearchDepth < 0 || s.MaxLocatorSearchDepth > maxLocatorSearchDepthCeiling:
		return fmt.Errorf("maxLocatorSearchDepth must be between 0 and %d, got %d", maxLocatorSearchDepthCeiling, s.MaxLocatorSearchDepth)
	case s.ElementWaitTimeoutMs <= 0:
		return fmt.Errorf("elementWaitTimeoutMs must be positive, got %d", s.ElementWaitTimeoutMs)
	case s.PostActionSettleDelayMs < 0:
		return fmt.Errorf("postActionSettleDelayMs must not be negative, got %d", s.PostActionSettleDelayMs)
	}
	return nil
}

func (s Settings) ElementWaitTimeout() time.Duration {
	return time.Duration(s.ElementWaitTimeoutMs) * time.Millisecond
}

func (s Settings) SettleDelay() time.Duration {
	return time.Duration(s.PostActionSettleDelayMs) * time.Millisecond
}

// LocatorOptions is the derivation config recording should use.
func (s Settings) LocatorOptions() locator.Options {
	return locator.Options{MaxDepth: s.MaxLocatorSearchDepth, ActionableOnly: s.ActionableOnly}
}

// Decode parses a YAML document over the defaults, so keys the document
// leaves out keep their default values.
func Decode(data []byte) (Settings, error) {
	s := Defaults()
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, fmt.Errorf("settings: %w", err)
	}
	return s, nil
}

// Store reads and writes the settings document at a fixed path.
type Store struct {
	path string
	mu   sync.Mutex
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (st *Store) Path() string { return st.path }

// Load returns the stored settings, or the defaults when no document exists.
func (st *Store) Load() (Settings, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	data, err := os.ReadFile(st.path)
	if errors.Is(err, os.ErrNotExist) {
		return Defaults(), nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("settings: read %s: %w", st.path, err)
	}
	return Decode(data)
}

// Save validates s and replaces the document atomically.
func (st *Store) Save(s Settings) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("settings: %w", err)
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("settings: marshal: %w", err)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if dir := filepath.Dir(st.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("settings: mkdir: %w", err)
		}
	}
	tmp := st.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("settings: write: %w", err)
	}
	if err := os.Rename(tmp, st.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("settings: rename: %w", err)
	}
	return nil
}
