package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/dgnsrekt/tz_agent/internal/types"
)

const tabQueueSize = 16

// Preferences is the read side of the per-origin preference store.
type Preferences interface {
	Get(ctx context.Context, origin string) (string, bool, error)
	DefaultTimezone(ctx context.Context) (string, bool, error)
}

// Watcher keeps override state consistent with the real tab lifecycle.
type Watcher struct {
	ctrl       *Controller
	prefs      Preferences
	useDefault bool

	mu     sync.Mutex
	queues map[types.TabID]chan queuedNav
	wg     sync.WaitGroup
}

// queuedNav is a navigation waiting for its tab's drain goroutine. gen is the
// tab's generation when the event arrived; a close after that voids it.
type queuedNav struct {
	url string
	gen uint64
}

func NewWatcher(ctrl *Controller, prefs Preferences, useDefault bool) *Watcher {
	return &Watcher{
		ctrl:       ctrl,
		prefs:      prefs,
		useDefault: useDefault,
		queues:     make(map[types.TabID]chan queuedNav),
	}
}

// OnNavigation applies or clears the override for a tab that started loading
// rawURL. Non-network destinations are ignored.
func (w *Watcher) OnNavigation(ctx context.Context, tab types.TabID, rawURL string) error {
	return w.navigated(ctx, tab, rawURL, w.ctrl.registry.Generation(tab))
}

func (w *Watcher) navigated(ctx context.Context, tab types.TabID, rawURL string, gen uint64) error {
	if w.ctrl.registry.closedSince(tab, gen) {
		slog.Debug("navigation dropped, tab closed since", "tab_id", tab, "url", truncateURL(rawURL))
		return nil
	}
	origin, ok := types.OriginOf(rawURL)
	if !ok {
		slog.Debug("navigation ignored (not network-addressable)", "tab_id", tab, "url", truncateURL(rawURL))
		return nil
	}

	tz, found, err := w.prefs.Get(ctx, origin)
	if err != nil {
		slog.Error("preference lookup failed", "tab_id", tab, "origin", origin, "error", err)
		return err
	}
	if !found && w.useDefault {
		tz, found, err = w.prefs.DefaultTimezone(ctx)
		if err != nil {
			slog.Error("default timezone lookup failed", "tab_id", tab, "error", err)
			return err
		}
	}

	if found {
		slog.Debug("navigation: applying stored timezone", "tab_id", tab, "origin", origin, "timezone_id", tz)
		return w.ctrl.applySince(ctx, tab, tz, gen)
	}

	if !w.ctrl.registry.Has(tab) {
		return nil
	}
	slog.Debug("navigation: no preference, clearing", "tab_id", tab, "origin", origin)
	return w.ctrl.clearSince(ctx, tab, gen)
}

// OnTabClosed drops all state for a closed tab. The registry entry is always
// removed and navigations still queued for the tab are voided; the detach is
// best-effort and its failure is only logged.
func (w *Watcher) OnTabClosed(ctx context.Context, tab types.TabID) {
	w.dropQueue(tab)

	_, had := w.ctrl.registry.Invalidate(tab, true)
	if !had {
		return
	}
	w.ctrl.indicator.SetTabState(tab, false, "")

	if err := w.ctrl.debugger.Detach(ctx, tab); err != nil {
		slog.Debug("closed tab detach failed", "tab_id", tab, "error", err)
	}
	slog.Info("cleaned up closed tab", "tab_id", tab)
}

// OnForcedDetach records a detach the controller did not initiate. It takes
// effect immediately, ahead of any in-flight ApplyOverride for the tab.
func (w *Watcher) OnForcedDetach(tab types.TabID, reason string) {
	_, had := w.ctrl.registry.Invalidate(tab, false)
	if !had {
		slog.Debug("host detach for untracked tab", "tab_id", tab, "reason", reason)
		return
	}
	w.ctrl.indicator.SetTabState(tab, false, "")
	slog.Info("session detached by host", "tab_id", tab, "reason", reason)
}

// HandleEvent dispatches one host event. Close and detach are applied
// synchronously; navigations are queued per tab and handled in order.
func (w *Watcher) HandleEvent(ctx context.Context, ev types.TabEvent) {
	switch ev.Kind {
	case types.TabClosed:
		w.OnTabClosed(ctx, ev.TabID)
	case types.TabDetached:
		w.OnForcedDetach(ev.TabID, ev.Reason)
	case types.TabNavigated:
		w.enqueue(ctx, ev)
	default:
		slog.Debug("unknown tab event", "kind", ev.Kind, "tab_id", ev.TabID)
	}
}

func (w *Watcher) enqueue(ctx context.Context, ev types.TabEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()

	q, ok := w.queues[ev.TabID]
	if !ok {
		q = make(chan queuedNav, tabQueueSize)
		w.queues[ev.TabID] = q
		w.wg.Add(1)
		go w.drain(ctx, ev.TabID, q)
	}

	select {
	case q <- queuedNav{url: ev.URL, gen: w.ctrl.registry.Generation(ev.TabID)}:
	default:
		slog.Warn("navigation queue full, dropping event", "tab_id", ev.TabID, "url", truncateURL(ev.URL))
	}
}

func (w *Watcher) drain(ctx context.Context, tab types.TabID, q <-chan queuedNav) {
	defer w.wg.Done()
	for nav := range q {
		if ctx.Err() != nil {
			continue
		}
		if err := w.navigated(ctx, tab, nav.url, nav.gen); err != nil {
			slog.Warn("navigation handling failed", "tab_id", tab, "url", truncateURL(nav.url), "error", err)
		}
	}
}

func (w *Watcher) dropQueue(tab types.TabID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if q, ok := w.queues[tab]; ok {
		close(q)
		delete(w.queues, tab)
	}
}

// Stop closes every navigation queue and waits for queued navigations to
// finish. Cancel the context passed to HandleEvent first to skip them.
func (w *Watcher) Stop() {
	w.mu.Lock()
	for tab, q := range w.queues {
		close(q)
		delete(w.queues, tab)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

func truncateURL(url string) string {
	if len(url) > 120 {
		return url[:120] + "..."
	}
	return url
}
