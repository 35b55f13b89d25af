package session

import (
	"sort"
	"sync"

	"github.com/dgnsrekt/tz_agent/internal/types"
)

// TabSession is the debugging attachment held for one tab.
type TabSession struct {
	TabID      types.TabID `json:"tab_id"`
	Attached   bool        `json:"attached"`
	TimezoneID string      `json:"timezone_id,omitempty"`
}

// generation tags every mutation window for a tab. A host call captures the
// value before it suspends and may only write back if it is unchanged.
type generation struct {
	value    uint64
	closedAt uint64 // value assigned by the most recent tab close
}

// Registry is the single source of truth for which tabs are under a
// debugging session. It is empty at process start and holds no other cache.
type Registry struct {
	mu       sync.RWMutex
	sessions map[types.TabID]*TabSession
	gens     map[types.TabID]generation
	nextGen  uint64
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[types.TabID]*TabSession),
		gens:     make(map[types.TabID]generation),
	}
}

// Has reports whether the tab is currently attached.
func (r *Registry) Has(tab types.TabID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[tab]
	return ok && s.Attached
}

func (r *Registry) Get(tab types.TabID) (TabSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[tab]
	if !ok {
		return TabSession{}, false
	}
	return *s, true
}

// MarkAttached records a confirmed attachment. Idempotent.
func (r *Registry) MarkAttached(tab types.TabID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markAttachedLocked(tab)
}

// MarkDetached drops the tab's entry. Idempotent.
func (r *Registry) MarkDetached(tab types.TabID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, tab)
}

// SetTimezone records the last successfully applied override.
func (r *Registry) SetTimezone(tab types.TabID, timezoneID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[tab]
	if !ok {
		return false
	}
	s.TimezoneID = timezoneID
	return true
}

func (r *Registry) List() []TabSession {
	r.mu.RLock()
	out := make([]TabSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].TabID < out[j].TabID })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Generation returns the tab's current generation token.
func (r *Registry) Generation(tab types.TabID) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gens[tab].value
}

// Invalidate removes the tab's entry and moves it to a fresh generation that
// no in-flight operation can hold. closed marks the invalidation as a tab
// close, which makes it final for every operation queued before it.
func (r *Registry) Invalidate(tab types.TabID, closed bool) (TabSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextGen++
	g := r.gens[tab]
	g.value = r.nextGen
	if closed {
		g.closedAt = r.nextGen
	}
	r.gens[tab] = g

	s, ok := r.sessions[tab]
	if !ok {
		return TabSession{}, false
	}
	delete(r.sessions, tab)
	return *s, true
}

// closedSince reports whether the tab was closed after gen was captured.
func (r *Registry) closedSince(tab types.TabID, gen uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gens[tab].closedAt > gen
}

// generationSince returns the tab's current generation, or false when the
// tab was closed after base. Both are read under one lock, so a close that
// lands later always moves the returned generation.
func (r *Registry) generationSince(tab types.TabID, base uint64) (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g := r.gens[tab]
	if g.closedAt > base {
		return 0, false
	}
	return g.value, true
}

func (r *Registry) markAttachedAt(tab types.TabID, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gens[tab].value != gen {
		return false
	}
	r.markAttachedLocked(tab)
	return true
}

// setTimezoneAt records timezoneID if gen is still current. onSet runs under
// the registry lock, so no invalidation can slip in between the write and
// whatever onSet announces.
func (r *Registry) setTimezoneAt(tab types.TabID, gen uint64, timezoneID string, onSet func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gens[tab].value != gen {
		return false
	}
	s, ok := r.sessions[tab]
	if !ok {
		return false
	}
	s.TimezoneID = timezoneID
	if onSet != nil {
		onSet()
	}
	return true
}

func (r *Registry) markDetachedAt(tab types.TabID, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gens[tab].value != gen {
		return false
	}
	if _, ok := r.sessions[tab]; !ok {
		return false
	}
	delete(r.sessions, tab)
	return true
}

func (r *Registry) markAttachedLocked(tab types.TabID) {
	if s, ok := r.sessions[tab]; ok {
		s.Attached = true
		return
	}
	r.sessions[tab] = &TabSession{TabID: tab, Attached: true}
}
