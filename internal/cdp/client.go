package cdp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/dgnsrekt/webreplay/internal/page"
)

// Client manages the CDP connection to the browser and the tabs attached
// for recording and replay.
type Client struct {
	cdpURL      string
	tabFilter   string
	evalTimeout time.Duration

	raw         *rawCDP
	tabRegistry *TabRegistry
	allocCtx    context.Context
	allocCancel context.CancelFunc
	tabs        map[target.ID]*Tab
	tabsMu      sync.RWMutex
}

func NewClient(cdpURL, tabFilter string, evalTimeout time.Duration) *Client {
	return &Client{
		cdpURL:      cdpURL,
		tabFilter:   tabFilter,
		evalTimeout: evalTimeout,
		raw:         newRawCDP(cdpURL),
		tabRegistry: NewTabRegistry(),
		tabs:        make(map[target.ID]*Tab),
	}
}

// Connect attaches to the browser and selects the first tab whose URL
// matches the tab filter as the active tab.
func (c *Client) Connect(ctx context.Context) error {
	slog.Info("connecting to chromium", "url", c.cdpURL)

	if err := c.raw.connect(ctx); err != nil {
		return NewError(CodeCDPUnavailable, "failed to connect to browser", err)
	}
	c.allocCtx, c.allocCancel = chromedp.NewRemoteAllocator(context.Background(), c.cdpURL)

	matches, err := c.refresh(ctx)
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		return NewError(CodeTabNotFound, fmt.Sprintf("no tabs found matching REPLAY_TAB_URL_FILTER=%q", c.tabFilter), nil)
	}
	if _, err := c.SelectTab(ctx, matches[0].TargetID); err != nil {
		return err
	}
	slog.Info("attached to tab", "target_id", matches[0].TargetID, "url", truncateURL(matches[0].URL), "tab_url_filter", c.tabFilter)
	return nil
}

func (c *Client) refresh(ctx context.Context) ([]TabInfo, error) {
	infos, err := c.raw.listTargets(ctx)
	if err != nil {
		return nil, NewError(CodeCDPUnavailable, "failed to enumerate targets", err)
	}
	active, hasActive := c.tabRegistry.Active()
	c.tabRegistry.Sync(infos)
	if hasActive {
		if _, ok := c.tabRegistry.Get(active); ok {
			c.tabRegistry.SetActive(active)
		} else {
			slog.Warn("active tab closed", "target_id", active)
			c.dropTab(active)
		}
	}
	return c.tabRegistry.Match(c.tabFilter), nil
}

// ListTabs returns the page targets that match the tab filter.
func (c *Client) ListTabs(ctx context.Context) ([]TabInfo, error) {
	return c.refresh(ctx)
}

// SelectTab makes targetID the active tab, attaching to it if needed and
// bringing it to the foreground.
func (c *Client) SelectTab(ctx context.Context, targetID string) (TabInfo, error) {
	id := target.ID(targetID)
	if _, ok := c.tabRegistry.Get(id); !ok {
		if _, err := c.refresh(ctx); err != nil {
			return TabInfo{}, err
		}
		if _, ok := c.tabRegistry.Get(id); !ok {
			return TabInfo{}, NewError(CodeTabNotFound, "tab not found: "+targetID, nil)
		}
	}
	if _, err := c.tab(id); err != nil {
		return TabInfo{}, err
	}
	if err := c.raw.activateTarget(ctx, targetID); err != nil {
		slog.Warn("tab activation failed", "target_id", targetID, "error", err)
	}
	c.tabRegistry.SetActive(id)
	info, _ := c.tabRegistry.Get(id)
	return info, nil
}

// ActiveTab returns the attached active tab.
func (c *Client) ActiveTab() (*Tab, error) {
	id, ok := c.tabRegistry.Active()
	if !ok {
		return nil, NewError(CodeTabNotFound, "no active tab", nil)
	}
	c.tabsMu.RLock()
	tab, ok := c.tabs[id]
	c.tabsMu.RUnlock()
	if !ok {
		return nil, NewError(CodeTabNotFound, "active tab is not attached", nil)
	}
	return tab, nil
}

// ActiveTarget is ActiveTab behind the page boundary.
func (c *Client) ActiveTarget() (page.Target, error) {
	tab, err := c.ActiveTab()
	if err != nil {
		return nil, err
	}
	return tab, nil
}

// tab returns the attached tab for id, attaching on first use.
func (c *Client) tab(id target.ID) (*Tab, error) {
	c.tabsMu.Lock()
	defer c.tabsMu.Unlock()
	if tab, ok := c.tabs[id]; ok {
		return tab, nil
	}
	if c.allocCtx == nil {
		return nil, NewError(CodeCDPUnavailable, "browser not connected", nil)
	}

	tabCtx, tabCancel := chromedp.NewContext(c.allocCtx, chromedp.WithTargetID(id))
	tab := newTab(id, tabCtx, tabCancel, c.evalTimeout, c.tabRegistry)
	if err := tab.attach(); err != nil {
		tabCancel()
		return nil, NewError(CodeCDPUnavailable, "failed to attach to tab", err)
	}
	c.tabs[id] = tab
	slog.Debug("tab attached", "target_id", id)
	return tab, nil
}

// dropTab forgets a tab whose target is gone. Its context is not cancelled:
// cancelling a chromedp tab context closes the target.
func (c *Client) dropTab(id target.ID) {
	c.tabsMu.Lock()
	delete(c.tabs, id)
	c.tabsMu.Unlock()
	c.tabRegistry.Remove(id)
}

// Capture implements screenshot.Capturer. An empty target means the active
// tab.
func (c *Client) Capture(ctx context.Context, targetID string) ([]byte, error) {
	var tab *Tab
	var err error
	if targetID == "" {
		tab, err = c.ActiveTab()
	} else {
		tab, err = c.tab(target.ID(targetID))
	}
	if err != nil {
		return nil, err
	}
	return tab.Screenshot(ctx)
}

func (c *Client) Version(ctx context.Context) (BrowserVersion, error) {
	v, err := c.raw.version(ctx)
	if err != nil {
		return BrowserVersion{}, NewError(CodeCDPUnavailable, "browser version unavailable", err)
	}
	return v, nil
}

func (c *Client) GetTabCount() int {
	c.tabsMu.RLock()
	defer c.tabsMu.RUnlock()
	return len(c.tabs)
}

// Close disconnects from the browser.
func (c *Client) Close() error {
	c.tabsMu.Lock()
	c.tabs = make(map[target.ID]*Tab)
	c.tabsMu.Unlock()

	if c.allocCancel != nil {
		c.allocCancel()
	}
	c.raw.close()
	slog.Info("cdp client closed")
	return nil
}

func truncateURL(url string) string {
	if len(url) > 120 {
		return url[:120] + "..."
	}
	return url
}
