package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/dgnsrekt/tz_agent/internal/cdpcontrol"
	"github.com/dgnsrekt/tz_agent/internal/types"
)

// Debugger is the host's remote-debugging primitive. Detaching implicitly
// clears any override the session was holding.
type Debugger interface {
	Attach(ctx context.Context, tab types.TabID) error
	SetTimezoneOverride(ctx context.Context, tab types.TabID, timezoneID string) error
	Detach(ctx context.Context, tab types.TabID) error
}

// Indicator receives the two-valued active/inactive state per tab.
type Indicator interface {
	SetTabState(tab types.TabID, active bool, timezoneID string)
}

type nopIndicator struct{}

func (nopIndicator) SetTabState(types.TabID, bool, string) {}

// Controller drives the attach → override → detach transitions for a tab.
type Controller struct {
	debugger  Debugger
	registry  *Registry
	indicator Indicator

	tabLocksMu sync.Mutex
	tabLocks   map[types.TabID]*tabLock
}

// tabLock serializes operations on one tab. refs counts holders and
// waiters; the entry is dropped when it reaches zero.
type tabLock struct {
	mu   sync.Mutex
	refs int
}

func NewController(debugger Debugger, registry *Registry, indicator Indicator) *Controller {
	if registry == nil {
		registry = NewRegistry()
	}
	if indicator == nil {
		indicator = nopIndicator{}
	}
	return &Controller{
		debugger:  debugger,
		registry:  registry,
		indicator: indicator,
		tabLocks:  make(map[types.TabID]*tabLock),
	}
}

func (c *Controller) Registry() *Registry { return c.registry }

// ApplyOverride attaches to the tab when needed and applies timezoneID.
// Requests for the same tab run one at a time; a request still waiting when
// the tab closes fails with TAB_GONE.
func (c *Controller) ApplyOverride(ctx context.Context, tab types.TabID, timezoneID string) error {
	return c.applySince(ctx, tab, timezoneID, c.registry.Generation(tab))
}

// applySince is ApplyOverride for a request issued at generation base.
func (c *Controller) applySince(ctx context.Context, tab types.TabID, timezoneID string, base uint64) error {
	timezoneID = strings.TrimSpace(timezoneID)
	if timezoneID == "" {
		return cdpcontrol.NewError(cdpcontrol.CodeValidation, "timezone_id is required", nil)
	}

	unlock := c.lockTab(tab)
	defer unlock()

	gen, open := c.registry.generationSince(tab, base)
	if !open {
		slog.Debug("apply skipped: tab closed since request", "tab_id", tab)
		return cdpcontrol.NewError(cdpcontrol.CodeTabGone, "tab closed before override", nil)
	}

	if !c.registry.Has(tab) {
		slog.Debug("session attach start", "tab_id", tab)
		if err := c.debugger.Attach(ctx, tab); err != nil {
			slog.Warn("session attach failed", "tab_id", tab, "error", err)
			if cdpcontrol.HasCode(err, cdpcontrol.CodeTabGone) {
				return err
			}
			return cdpcontrol.NewError(cdpcontrol.CodeAttachFailed, "attach to tab failed", err)
		}
		if !c.registry.markAttachedAt(tab, gen) {
			return c.abandonAttach(ctx, tab, gen)
		}
		slog.Info("session attached", "tab_id", tab)
	}

	if err := c.debugger.SetTimezoneOverride(ctx, tab, timezoneID); err != nil {
		slog.Warn("timezone override failed", "tab_id", tab, "timezone_id", timezoneID, "error", err)
		if c.registry.closedSince(tab, gen) {
			return cdpcontrol.NewError(cdpcontrol.CodeTabGone, "tab closed during override", err)
		}
		return cdpcontrol.NewError(cdpcontrol.CodeOverrideCommandFailed, "set timezone override failed", err)
	}

	publish := func() { c.indicator.SetTabState(tab, true, timezoneID) }
	if !c.registry.setTimezoneAt(tab, gen, timezoneID, publish) {
		slog.Warn("override superseded by detach", "tab_id", tab, "timezone_id", timezoneID)
		if c.registry.closedSince(tab, gen) {
			return cdpcontrol.NewError(cdpcontrol.CodeTabGone, "tab closed during override", nil)
		}
		return cdpcontrol.NewError(cdpcontrol.CodeOverrideCommandFailed, "session detached by host during override", nil)
	}

	slog.Info("timezone override applied", "tab_id", tab, "timezone_id", timezoneID)
	return nil
}

// ClearOverride detaches the tab's session. A tab without a session is
// already clear and no host call is made.
func (c *Controller) ClearOverride(ctx context.Context, tab types.TabID) error {
	return c.clearSince(ctx, tab, c.registry.Generation(tab))
}

// clearSince is ClearOverride for a request issued at generation base. A tab
// closed since then has nothing left to clear.
func (c *Controller) clearSince(ctx context.Context, tab types.TabID, base uint64) error {
	unlock := c.lockTab(tab)
	defer unlock()

	gen, open := c.registry.generationSince(tab, base)
	if !open {
		slog.Debug("clear skipped: tab closed since request", "tab_id", tab)
		return nil
	}
	if _, ok := c.registry.Get(tab); !ok {
		slog.Debug("clear override: no session", "tab_id", tab)
		return nil
	}

	if err := c.debugger.Detach(ctx, tab); err != nil {
		// Host state is unknown; keep the entry so a later call can retry.
		slog.Warn("session detach failed", "tab_id", tab, "error", err)
		return cdpcontrol.NewError(cdpcontrol.CodeDetachFailed, "detach from tab failed", err)
	}

	if c.registry.markDetachedAt(tab, gen) {
		c.indicator.SetTabState(tab, false, "")
	}
	slog.Info("timezone override cleared", "tab_id", tab)
	return nil
}

// abandonAttach handles an attach that resolved after the tab was closed or
// force-detached. The stale attachment never reaches the registry.
func (c *Controller) abandonAttach(ctx context.Context, tab types.TabID, gen uint64) error {
	if c.registry.closedSince(tab, gen) {
		slog.Info("attach resolved after tab close; dropping", "tab_id", tab)
		return cdpcontrol.NewError(cdpcontrol.CodeTabGone, "tab closed while attaching", nil)
	}

	slog.Info("attach resolved after host detach; dropping", "tab_id", tab)
	if err := c.debugger.Detach(ctx, tab); err != nil {
		slog.Debug("stale attach cleanup failed", "tab_id", tab, "error", err)
	}
	return cdpcontrol.NewError(cdpcontrol.CodeAttachFailed, "session detached by host while attaching", nil)
}

// lockTab acquires the tab's lock and returns its release.
func (c *Controller) lockTab(tab types.TabID) func() {
	c.tabLocksMu.Lock()
	l, ok := c.tabLocks[tab]
	if !ok {
		l = &tabLock{}
		c.tabLocks[tab] = l
	}
	l.refs++
	c.tabLocksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.tabLocksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.tabLocks, tab)
		}
		c.tabLocksMu.Unlock()
	}
}
