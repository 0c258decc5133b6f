package cdp

import (
	"sort"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/target"
)

// TabRegistry tracks the page targets seen in the browser and which one is
// the active replay/recording tab.
type TabRegistry struct {
	tabs   map[target.ID]*TabInfo
	active target.ID
	mu     sync.RWMutex
}

func NewTabRegistry() *TabRegistry {
	return &TabRegistry{tabs: make(map[target.ID]*TabInfo)}
}

// Sync replaces the known tabs with the given page targets.
func (r *TabRegistry) Sync(infos []*target.Info) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make(map[target.ID]*TabInfo, len(infos))
	for _, t := range infos {
		if t.Type != "page" {
			continue
		}
		next[t.TargetID] = &TabInfo{TargetID: string(t.TargetID), URL: t.URL, Title: t.Title}
	}
	r.tabs = next
}

func (r *TabRegistry) Register(targetID target.ID, url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.tabs[targetID]; ok {
		info.URL = url
		return
	}
	r.tabs[targetID] = &TabInfo{TargetID: string(targetID), URL: url}
}

func (r *TabRegistry) SetActive(targetID target.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = targetID
}

func (r *TabRegistry) Active() (target.ID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active, r.active != ""
}

func (r *TabRegistry) Get(targetID target.ID) (TabInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.tabs[targetID]
	if !ok {
		return TabInfo{}, false
	}
	out := *info
	out.Active = targetID == r.active
	return out, true
}

func (r *TabRegistry) Remove(targetID target.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tabs, targetID)
	if r.active == targetID {
		r.active = ""
	}
}

// Match returns the tabs whose URL contains filter (case-insensitive),
// ordered by target id for stable selection.
func (r *TabRegistry) Match(filter string) []TabInfo {
	filter = strings.ToLower(strings.TrimSpace(filter))
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TabInfo, 0, len(r.tabs))
	for id, info := range r.tabs {
		if filter != "" && !strings.Contains(strings.ToLower(info.URL), filter) {
			continue
		}
		t := *info
		t.Active = id == r.active
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TargetID < out[j].TargetID })
	return out
}

func (r *TabRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tabs)
}
