package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all process configuration for the recorder/replayer.
type Config struct {
	// CDP connection settings
	CDPAddress    string
	CDPPort       int
	TabURLFilter  string
	EvalTimeoutMS int

	// HTTP control API
	BindAddr         string
	PortCandidates   []string
	PortAutoFallback bool

	// Logging
	LogLevel string
	LogFile  string

	// Storage
	ArtifactDir       string
	RecordingsDir     string
	JournalDir        string
	JournalMaxSizeMB  int
	JournalBufferSize int
	SettingsFile      string

	// NotifyURL receives a text/plain POST when a replay finishes or a
	// recording is stored. Empty disables notifications.
	NotifyURL string

	// Browser launch
	LaunchBrowser bool
	StartURL      string
	ProfileDir    string
	Headless      bool
	BrowserBinary string

	Engine Engine
}

// Load reads configuration from environment variables and optional .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := &Config{
		CDPAddress:        getEnvOrDefault("CHROMIUM_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:           getEnvIntOrDefault("CHROMIUM_CDP_PORT", 9220),
		TabURLFilter:      getEnvOrDefault("REPLAY_TAB_URL_FILTER", ""),
		EvalTimeoutMS:     getEnvIntOrDefault("REPLAY_EVAL_TIMEOUT_MS", 5000),
		BindAddr:          getEnvOrDefault("REPLAY_BIND_ADDR", "127.0.0.1:8190"),
		PortCandidates:    getEnvListOrDefault("REPLAY_PORT_CANDIDATES", []string{"127.0.0.1:8191", "127.0.0.1:8192"}),
		PortAutoFallback:  getEnvBoolOrDefault("REPLAY_PORT_AUTO_FALLBACK", true),
		LogLevel:          strings.ToLower(getEnvOrDefault("REPLAY_LOG_LEVEL", "info")),
		LogFile:           getEnvOrDefault("REPLAY_LOG_FILE", "logs/webreplay.log"),
		ArtifactDir:       getEnvOrDefault("REPLAY_ARTIFACT_DIR", "./artifacts"),
		RecordingsDir:     getEnvOrDefault("REPLAY_RECORDINGS_DIR", "./recordings"),
		JournalDir:        getEnvOrDefault("REPLAY_JOURNAL_DIR", "./diagnostics"),
		JournalMaxSizeMB:  getEnvIntOrDefault("REPLAY_JOURNAL_MAX_SIZE_MB", 50),
		JournalBufferSize: getEnvIntOrDefault("REPLAY_JOURNAL_BUFFER_SIZE", 1000),
		SettingsFile:      getEnvOrDefault("SETTINGS_FILE", "./settings.yaml"),
		NotifyURL:         getEnvOrDefault("REPLAY_NOTIFY_URL", ""),
		LaunchBrowser:     getEnvBoolOrDefault("REPLAY_LAUNCH_BROWSER", false),
		StartURL:          getEnvOrDefault("REPLAY_START_URL", "about:blank"),
		ProfileDir:        getEnvOrDefault("REPLAY_PROFILE_DIR", "./browser_profile"),
		Headless:          getEnvBoolOrDefault("REPLAY_BROWSER_HEADLESS", false),
		BrowserBinary:     getEnvOrDefault("REPLAY_BROWSER_BINARY", ""),
		Engine:            loadEngine(),
	}
	if cfg.EvalTimeoutMS < 1000 {
		cfg.EvalTimeoutMS = 1000
	}
	if cfg.JournalMaxSizeMB < 1 {
		cfg.JournalMaxSizeMB = 1
	}
	if cfg.JournalBufferSize < 1 {
		cfg.JournalBufferSize = 1
	}
	return cfg, nil
}

// CDPURL returns the full CDP HTTP endpoint used by chromedp remote allocator.
func (c *Config) CDPURL() string {
	return fmt.Sprintf("http://%s:%d", c.CDPAddress, c.CDPPort)
}

func (c *Config) EvalTimeout() time.Duration {
	return time.Duration(c.EvalTimeoutMS) * time.Millisecond
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvListOrDefault(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
