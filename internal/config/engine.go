package config

import "time"

// Engine holds recorder and screenshot timings. Durations are whole
// milliseconds in the environment.
type Engine struct {
	ClickNavDelayMS     int
	ScrollDebounceMS    int
	RecordInputs        bool
	ScreenshotSpacingMS int
	ScreenshotAttempts  int
	ScreenshotBackoffMS int
}

func loadEngine() Engine {
	e := Engine{
		ClickNavDelayMS:     getEnvIntOrDefault("REPLAY_CLICK_NAV_DELAY_MS", 500),
		ScrollDebounceMS:    getEnvIntOrDefault("REPLAY_SCROLL_DEBOUNCE_MS", 500),
		RecordInputs:        getEnvBoolOrDefault("REPLAY_RECORD_INPUTS", false),
		ScreenshotSpacingMS: getEnvIntOrDefault("REPLAY_SCREENSHOT_SPACING_MS", 1000),
		ScreenshotAttempts:  getEnvIntOrDefault("REPLAY_SCREENSHOT_ATTEMPTS", 3),
		ScreenshotBackoffMS: getEnvIntOrDefault("REPLAY_SCREENSHOT_BACKOFF_MS", 1000),
	}
	if e.ClickNavDelayMS < 50 {
		e.ClickNavDelayMS = 50
	}
	if e.ScrollDebounceMS < 50 {
		e.ScrollDebounceMS = 50
	}
	// The capture quota rejects bursts below one second.
	if e.ScreenshotSpacingMS < 1000 {
		e.ScreenshotSpacingMS = 1000
	}
	if e.ScreenshotAttempts < 1 {
		e.ScreenshotAttempts = 1
	}
	if e.ScreenshotBackoffMS < 0 {
		e.ScreenshotBackoffMS = 0
	}
	return e
}

func (e Engine) ClickNavDelay() time.Duration {
	return time.Duration(e.ClickNavDelayMS) * time.Millisecond
}

func (e Engine) ScrollDebounce() time.Duration {
	return time.Duration(e.ScrollDebounceMS) * time.Millisecond
}

func (e Engine) ScreenshotSpacing() time.Duration {
	return time.Duration(e.ScreenshotSpacingMS) * time.Millisecond
}

// ScreenshotBackoff returns the pause between capture attempts; a
// configured zero is reported as negative so the queue skips the pause.
func (e Engine) ScreenshotBackoff() time.Duration {
	if e.ScreenshotBackoffMS == 0 {
		return -1
	}
	return time.Duration(e.ScreenshotBackoffMS) * time.Millisecond
}
