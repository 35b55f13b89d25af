package cdpcontrol

import (
	"sort"
	"sync"

	"github.com/chromedp/cdproto/target"

	"github.com/dgnsrekt/tz_agent/internal/types"
)

// TabTable maps CDP page targets to small integer tab IDs. The lowest free
// ID is handed out first, so IDs recur after tabs close.
type TabTable struct {
	mu       sync.RWMutex
	byTarget map[target.ID]*types.TabInfo
	byTab    map[types.TabID]*types.TabInfo
}

func NewTabTable() *TabTable {
	return &TabTable{
		byTarget: make(map[target.ID]*types.TabInfo),
		byTab:    make(map[types.TabID]*types.TabInfo),
	}
}

// Upsert records the target's current URL and title. changed reports whether
// the URL differs from what was recorded before; a new entry always counts
// as changed.
func (t *TabTable) Upsert(targetID target.ID, url, title string) (info types.TabInfo, changed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	origin, _ := types.OriginOf(url)
	if cur, ok := t.byTarget[targetID]; ok {
		changed = cur.URL != url
		cur.URL = url
		cur.Title = title
		cur.Origin = origin
		return *cur, changed
	}

	id := t.lowestFreeLocked()
	entry := &types.TabInfo{
		TabID:    id,
		TargetID: string(targetID),
		URL:      url,
		Title:    title,
		Origin:   origin,
	}
	t.byTarget[targetID] = entry
	t.byTab[id] = entry
	return *entry, true
}

// Remove drops the target and frees its tab ID.
func (t *TabTable) Remove(targetID target.ID) (types.TabInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.byTarget[targetID]
	if !ok {
		return types.TabInfo{}, false
	}
	delete(t.byTarget, targetID)
	delete(t.byTab, entry.TabID)
	return *entry, true
}

func (t *TabTable) Lookup(tab types.TabID) (types.TabInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.byTab[tab]
	if !ok {
		return types.TabInfo{}, false
	}
	return *entry, true
}

func (t *TabTable) ByTarget(targetID target.ID) (types.TabInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.byTarget[targetID]
	if !ok {
		return types.TabInfo{}, false
	}
	return *entry, true
}

// List returns all tabs ordered by ID.
func (t *TabTable) List() []types.TabInfo {
	t.mu.RLock()
	out := make([]types.TabInfo, 0, len(t.byTab))
	for _, entry := range t.byTab {
		out = append(out, *entry)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TabID < out[j].TabID })
	return out
}

// Retain removes every target not in keep and returns the removed tabs.
func (t *TabTable) Retain(keep map[target.ID]bool) []types.TabInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	var removed []types.TabInfo
	for targetID, entry := range t.byTarget {
		if keep[targetID] {
			continue
		}
		removed = append(removed, *entry)
		delete(t.byTarget, targetID)
		delete(t.byTab, entry.TabID)
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].TabID < removed[j].TabID })
	return removed
}

func (t *TabTable) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byTab)
}

func (t *TabTable) lowestFreeLocked() types.TabID {
	for id := types.TabID(1); ; id++ {
		if _, taken := t.byTab[id]; !taken {
			return id
		}
	}
}
