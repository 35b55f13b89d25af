package cdpcontrol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/target"

	"github.com/dgnsrekt/tz_agent/internal/types"
)

const (
	reasonHostDetached   = "detached_by_host"
	reasonConnectionLost = "connection_lost"

	maxReconnectBackoff = 30 * time.Second
)

// EventSink receives tab lifecycle events. It runs on the CDP read
// goroutine, so it must return promptly and must not wait on host commands
// for a tab it was told has closed.
type EventSink func(types.TabEvent)

// Host owns the browser connection, the tab table and the per-tab debugging
// sessions.
type Host struct {
	cdpURL          string
	protocolVersion string
	callTimeout     time.Duration

	tabs *TabTable

	connMu sync.Mutex // serializes Connect / Close

	mu        sync.Mutex
	cdp       *rawCDP
	sink      EventSink
	connected bool // at least one successful Connect
	closing   bool
	unregs    []func()
	sessions  map[target.ID]target.SessionID
	owners    map[target.SessionID]target.ID
	attaching map[target.ID]bool
	lost      map[target.SessionID]target.ID // detached before attach returned
	detaching map[target.SessionID]bool      // detaches we issued ourselves
}

func NewHost(cdpURL, protocolVersion string, callTimeout time.Duration) *Host {
	return &Host{
		cdpURL:          strings.TrimRight(cdpURL, "/"),
		protocolVersion: strings.TrimSpace(protocolVersion),
		callTimeout:     callTimeout,
		tabs:            NewTabTable(),
		sessions:        make(map[target.ID]target.SessionID),
		owners:          make(map[target.SessionID]target.ID),
		attaching:       make(map[target.ID]bool),
		lost:            make(map[target.SessionID]target.ID),
		detaching:       make(map[target.SessionID]bool),
	}
}

func (h *Host) Tabs() *TabTable { return h.tabs }

func (h *Host) CDPURL() string { return h.cdpURL }

// SetEventSink installs the tab event consumer. Call before Connect.
func (h *Host) SetEventSink(sink EventSink) {
	h.mu.Lock()
	h.sink = sink
	h.mu.Unlock()
}

func (h *Host) Connect(ctx context.Context) error {
	h.connMu.Lock()
	defer h.connMu.Unlock()

	if h.cdpURL == "" {
		return newError(CodeCDPUnavailable, "missing CDP URL", nil)
	}
	slog.Info("cdpcontrol connect start", "cdp_url", h.cdpURL)
	h.teardown(false)

	raw := newRawCDP(h.cdpURL)
	ver, err := raw.version(ctx)
	if err != nil {
		return newError(CodeCDPUnavailable, "read browser version failed", err)
	}
	if !protocolCompatible(h.protocolVersion, ver.ProtocolVersion) {
		return newError(CodeCDPUnavailable, fmt.Sprintf("browser speaks protocol %s, need %s", ver.ProtocolVersion, h.protocolVersion), nil)
	}
	if err := raw.connect(ctx, ver.WebSocketDebuggerURL); err != nil {
		return newError(CodeCDPUnavailable, "connect to CDP failed", err)
	}

	unregs := []func(){
		raw.registerEventHandler(string(cdproto.EventTargetTargetCreated), h.onTargetInfo),
		raw.registerEventHandler(string(cdproto.EventTargetTargetInfoChanged), h.onTargetInfo),
		raw.registerEventHandler(string(cdproto.EventTargetTargetDestroyed), h.onTargetDestroyed),
		raw.registerEventHandler(string(cdproto.EventTargetDetachedFromTarget), h.onDetachedFromTarget),
	}

	h.mu.Lock()
	h.cdp = raw
	h.unregs = unregs
	firstConnect := !h.connected
	h.mu.Unlock()

	if err := h.syncTabs(ctx, !firstConnect); err != nil {
		slog.Error("cdpcontrol initial tab sync failed", "error", err)
		h.teardown(false)
		return err
	}

	callCtx, cancel := h.callCtx(ctx)
	defer cancel()
	if _, err := raw.send(callCtx, target.CommandSetDiscoverTargets, target.SetDiscoverTargets(true)); err != nil {
		h.teardown(false)
		return newError(CodeCDPUnavailable, "enable target discovery failed", err)
	}

	h.mu.Lock()
	h.connected = true
	h.mu.Unlock()
	slog.Info("cdpcontrol connect ok", "cdp_url", h.cdpURL, "browser", ver.Browser, "protocol", ver.ProtocolVersion, "tabs", h.tabs.Count())
	return nil
}

// Run keeps the connection alive until ctx is done, reconnecting with
// backoff when the browser goes away. Sessions lost with the connection are
// reported as host detaches.
func (h *Host) Run(ctx context.Context) {
	backoff := time.Second
	for {
		h.mu.Lock()
		raw := h.cdp
		h.mu.Unlock()

		if raw != nil {
			select {
			case <-ctx.Done():
				return
			case <-raw.done():
			}
		}

		h.mu.Lock()
		closing := h.closing
		h.mu.Unlock()
		if closing || ctx.Err() != nil {
			return
		}

		slog.Warn("cdpcontrol connection lost; reconnecting")
		h.dropSessions(reasonConnectionLost)
		for {
			err := h.Connect(ctx)
			if err == nil {
				backoff = time.Second
				break
			}
			slog.Warn("cdpcontrol reconnect failed", "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxReconnectBackoff)
		}
	}
}

// Close detaches every session without closing targets and drops the
// connection.
func (h *Host) Close() error {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()
	h.teardown(true)
	return nil
}

func (h *Host) teardown(detach bool) {
	h.mu.Lock()
	raw := h.cdp
	unregs := h.unregs
	sessions := make([]target.SessionID, 0, len(h.owners))
	for sid := range h.owners {
		sessions = append(sessions, sid)
		h.detaching[sid] = true
	}
	h.cdp = nil
	h.unregs = nil
	h.sessions = make(map[target.ID]target.SessionID)
	h.owners = make(map[target.SessionID]target.ID)
	h.mu.Unlock()

	if raw == nil {
		return
	}
	for _, fn := range unregs {
		fn()
	}
	if detach {
		for _, sid := range sessions {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			if err := raw.detachFromTarget(ctx, sid); err != nil {
				slog.Debug("cdpcontrol detach cleanup failed", "session_id", sid, "error", err)
			}
			cancel()
		}
	}
	raw.close()

	h.mu.Lock()
	h.detaching = make(map[target.SessionID]bool)
	h.mu.Unlock()
}

// syncTabs reconciles the tab table with /json/list. Targets that vanished
// are reported closed; URL changes are reported as navigations when
// emitNav is set.
func (h *Host) syncTabs(ctx context.Context, emitNav bool) error {
	h.mu.Lock()
	raw := h.cdp
	h.mu.Unlock()
	if raw == nil {
		return newError(CodeCDPUnavailable, "CDP client not connected", nil)
	}

	targets, err := raw.listTargets(ctx)
	if err != nil {
		return newError(CodeCDPUnavailable, "failed to list targets", err)
	}

	keep := make(map[target.ID]bool)
	for _, t := range targets {
		if t.Type == "page" {
			keep[t.TargetID] = true
		}
	}
	for _, gone := range h.tabs.Retain(keep) {
		h.emit(types.TabEvent{Kind: types.TabClosed, TabID: gone.TabID})
	}
	for _, t := range targets {
		if t.Type != "page" {
			continue
		}
		info, changed := h.tabs.Upsert(t.TargetID, t.URL, t.Title)
		if changed && emitNav {
			h.emit(types.TabEvent{Kind: types.TabNavigated, TabID: info.TabID, URL: info.URL})
		}
	}
	return nil
}

// Attach opens a flat debugging session on the tab. Attaching an already
// attached tab is a no-op.
func (h *Host) Attach(ctx context.Context, tab types.TabID) error {
	info, ok := h.tabs.Lookup(tab)
	if !ok {
		return newError(CodeTabGone, "tab not found: "+tab.String(), nil)
	}
	targetID := target.ID(info.TargetID)

	h.mu.Lock()
	raw := h.cdp
	if raw == nil {
		h.mu.Unlock()
		return newError(CodeCDPUnavailable, "CDP client not connected", nil)
	}
	if _, ok := h.sessions[targetID]; ok {
		h.mu.Unlock()
		return nil
	}
	h.attaching[targetID] = true
	h.mu.Unlock()

	callCtx, cancel := h.callCtx(ctx)
	defer cancel()
	sid, err := raw.attachToTarget(callCtx, targetID)

	h.mu.Lock()
	delete(h.attaching, targetID)
	if err != nil {
		h.forgetLostLocked(targetID)
		h.mu.Unlock()
		if !h.sameTarget(tab, targetID) {
			return newError(CodeTabGone, "tab closed while attaching", err)
		}
		return fmt.Errorf("attach to target %s: %w", targetID, err)
	}
	if _, gone := h.lost[sid]; gone {
		delete(h.lost, sid)
		h.mu.Unlock()
		return fmt.Errorf("session %s detached before attach completed", sid)
	}
	if !h.sameTarget(tab, targetID) {
		h.detaching[sid] = true
		h.mu.Unlock()
		go h.detachQuiet(raw, sid)
		return newError(CodeTabGone, "tab closed while attaching", nil)
	}
	h.sessions[targetID] = sid
	h.owners[sid] = targetID
	h.mu.Unlock()

	slog.Debug("cdpcontrol session attached", "tab_id", tab, "target_id", targetID, "session_id", sid)
	return nil
}

func (h *Host) SetTimezoneOverride(ctx context.Context, tab types.TabID, timezoneID string) error {
	raw, sid, err := h.sessionFor(tab)
	if err != nil {
		return err
	}
	callCtx, cancel := h.callCtx(ctx)
	defer cancel()
	if _, err := raw.sendFlat(callCtx, string(sid), emulation.CommandSetTimezoneOverride, emulation.SetTimezoneOverride(timezoneID)); err != nil {
		return err
	}
	return nil
}

// Detach ends the tab's session. Tabs that are gone or have no session are
// already detached.
func (h *Host) Detach(ctx context.Context, tab types.TabID) error {
	info, ok := h.tabs.Lookup(tab)
	if !ok {
		return nil
	}
	targetID := target.ID(info.TargetID)

	h.mu.Lock()
	raw := h.cdp
	sid, ok := h.sessions[targetID]
	if !ok || raw == nil {
		h.mu.Unlock()
		return nil
	}
	delete(h.sessions, targetID)
	delete(h.owners, sid)
	h.detaching[sid] = true
	h.mu.Unlock()

	callCtx, cancel := h.callCtx(ctx)
	defer cancel()
	err := raw.detachFromTarget(callCtx, sid)
	if err == nil || isNoSession(err) {
		return nil
	}

	h.mu.Lock()
	delete(h.detaching, sid)
	if h.sameTarget(tab, targetID) && h.cdp == raw {
		h.sessions[targetID] = sid
		h.owners[sid] = targetID
	}
	h.mu.Unlock()
	return fmt.Errorf("detach session %s: %w", sid, err)
}

// IsAttached reports whether the host holds a session for the tab.
func (h *Host) IsAttached(tab types.TabID) bool {
	info, ok := h.tabs.Lookup(tab)
	if !ok {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok = h.sessions[target.ID(info.TargetID)]
	return ok
}

func (h *Host) ListTabs(_ context.Context) ([]types.TabInfo, error) {
	h.mu.Lock()
	raw := h.cdp
	h.mu.Unlock()
	if raw == nil {
		return nil, newError(CodeCDPUnavailable, "CDP client not connected", nil)
	}
	return h.tabs.List(), nil
}

// ActiveTab returns the most recently focused page. /json/list orders page
// targets by last activation.
func (h *Host) ActiveTab(ctx context.Context) (types.TabInfo, error) {
	h.mu.Lock()
	raw := h.cdp
	h.mu.Unlock()
	if raw == nil {
		return types.TabInfo{}, newError(CodeCDPUnavailable, "CDP client not connected", nil)
	}
	targets, err := raw.listTargets(ctx)
	if err != nil {
		return types.TabInfo{}, newError(CodeCDPUnavailable, "failed to list targets", err)
	}
	for _, t := range targets {
		if t.Type != "page" {
			continue
		}
		if info, ok := h.tabs.ByTarget(t.TargetID); ok {
			return info, nil
		}
	}
	return types.TabInfo{}, newError(CodeTabGone, "no open tab", nil)
}

func (h *Host) onTargetInfo(_ string, params json.RawMessage) {
	var ev struct {
		TargetInfo struct {
			TargetID target.ID `json:"targetId"`
			Type     string    `json:"type"`
			Title    string    `json:"title"`
			URL      string    `json:"url"`
		} `json:"targetInfo"`
	}
	if err := json.Unmarshal(params, &ev); err != nil {
		slog.Debug("cdpcontrol bad target info event", "error", err)
		return
	}
	ti := ev.TargetInfo
	if ti.Type != "page" || ti.TargetID == "" {
		return
	}
	info, changed := h.tabs.Upsert(ti.TargetID, ti.URL, ti.Title)
	if !changed {
		return
	}
	slog.Debug("cdpcontrol tab navigated", "tab_id", info.TabID, "target_id", ti.TargetID, "url", truncateURL(ti.URL))
	h.emit(types.TabEvent{Kind: types.TabNavigated, TabID: info.TabID, URL: info.URL})
}

func (h *Host) onTargetDestroyed(_ string, params json.RawMessage) {
	var ev struct {
		TargetID target.ID `json:"targetId"`
	}
	if err := json.Unmarshal(params, &ev); err != nil {
		return
	}
	info, ok := h.tabs.Remove(ev.TargetID)
	if !ok {
		return
	}

	h.mu.Lock()
	if sid, ok := h.sessions[ev.TargetID]; ok {
		delete(h.sessions, ev.TargetID)
		delete(h.owners, sid)
	}
	h.mu.Unlock()

	slog.Debug("cdpcontrol tab closed", "tab_id", info.TabID, "target_id", ev.TargetID)
	h.emit(types.TabEvent{Kind: types.TabClosed, TabID: info.TabID})
}

func (h *Host) onDetachedFromTarget(_ string, params json.RawMessage) {
	var ev struct {
		SessionID target.SessionID `json:"sessionId"`
		TargetID  target.ID        `json:"targetId"`
	}
	if err := json.Unmarshal(params, &ev); err != nil {
		return
	}

	h.mu.Lock()
	if h.detaching[ev.SessionID] {
		delete(h.detaching, ev.SessionID)
		h.mu.Unlock()
		return
	}
	targetID, ok := h.owners[ev.SessionID]
	if ok {
		delete(h.owners, ev.SessionID)
		delete(h.sessions, targetID)
	} else if ev.TargetID != "" && h.attaching[ev.TargetID] {
		h.lost[ev.SessionID] = ev.TargetID
		targetID, ok = ev.TargetID, true
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	info, found := h.tabs.ByTarget(targetID)
	if !found {
		return
	}
	h.emit(types.TabEvent{Kind: types.TabDetached, TabID: info.TabID, Reason: reasonHostDetached})
}

// dropSessions forgets every session after a connection loss.
func (h *Host) dropSessions(reason string) {
	h.mu.Lock()
	targets := make([]target.ID, 0, len(h.sessions))
	for targetID := range h.sessions {
		targets = append(targets, targetID)
	}
	h.sessions = make(map[target.ID]target.SessionID)
	h.owners = make(map[target.SessionID]target.ID)
	h.attaching = make(map[target.ID]bool)
	h.lost = make(map[target.SessionID]target.ID)
	h.detaching = make(map[target.SessionID]bool)
	h.mu.Unlock()

	for _, targetID := range targets {
		if info, ok := h.tabs.ByTarget(targetID); ok {
			h.emit(types.TabEvent{Kind: types.TabDetached, TabID: info.TabID, Reason: reason})
		}
	}
}

func (h *Host) emit(ev types.TabEvent) {
	h.mu.Lock()
	sink := h.sink
	h.mu.Unlock()
	if sink != nil {
		sink(ev)
	}
}

func (h *Host) sessionFor(tab types.TabID) (*rawCDP, target.SessionID, error) {
	info, ok := h.tabs.Lookup(tab)
	if !ok {
		return nil, "", newError(CodeTabGone, "tab not found: "+tab.String(), nil)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cdp == nil {
		return nil, "", newError(CodeCDPUnavailable, "CDP client not connected", nil)
	}
	sid, ok := h.sessions[target.ID(info.TargetID)]
	if !ok {
		return nil, "", fmt.Errorf("no debugging session for tab %d", tab)
	}
	return h.cdp, sid, nil
}

// forgetLostLocked drops early-detach records for an attach that failed and
// so never learned its session id.
func (h *Host) forgetLostLocked(targetID target.ID) {
	for sid, owner := range h.lost {
		if owner == targetID {
			delete(h.lost, sid)
		}
	}
}

func (h *Host) sameTarget(tab types.TabID, targetID target.ID) bool {
	cur, ok := h.tabs.Lookup(tab)
	return ok && cur.TargetID == string(targetID)
}

func (h *Host) detachQuiet(raw *rawCDP, sid target.SessionID) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := raw.detachFromTarget(ctx, sid); err != nil && !isNoSession(err) {
		slog.Debug("cdpcontrol stale session detach failed", "session_id", sid, "error", err)
	}
}

func (h *Host) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, h.callTimeout)
}

// protocolCompatible applies the debugger version rule: same major version,
// browser minor at least the requested one.
func protocolCompatible(want, have string) bool {
	if want == "" {
		return true
	}
	wMaj, wMin, ok1 := splitVersion(want)
	hMaj, hMin, ok2 := splitVersion(have)
	if !ok1 || !ok2 {
		return false
	}
	return wMaj == hMaj && hMin >= wMin
}

func splitVersion(v string) (int, int, bool) {
	major, minor, found := strings.Cut(strings.TrimSpace(v), ".")
	maj, err := strconv.Atoi(major)
	if err != nil {
		return 0, 0, false
	}
	if !found {
		return maj, 0, true
	}
	mnr, err := strconv.Atoi(minor)
	if err != nil {
		return 0, 0, false
	}
	return maj, mnr, true
}

func isNoSession(err error) bool {
	var ce *cdpError
	if !errors.As(err, &ce) {
		return false
	}
	msg := strings.ToLower(ce.Message)
	return strings.Contains(msg, "no session") || strings.Contains(msg, "session not found")
}

func truncateURL(url string) string {
	if len(url) > 120 {
		return url[:120] + "..."
	}
	return url
}
