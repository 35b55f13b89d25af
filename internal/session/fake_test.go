package session

import (
	"context"
	"errors"
	"sync"

	"github.com/dgnsrekt/tz_agent/internal/types"
)

type hostCall struct {
	Op         string
	Tab        types.TabID
	TimezoneID string
}

// fakeDebugger records host calls. attachGate, when set, blocks Attach until
// a value is received; the value is the error Attach returns.
type fakeDebugger struct {
	mu    sync.Mutex
	calls []hostCall

	attachErr   error
	overrideErr error
	detachErr   error

	attachGate    chan error
	attachStarted chan struct{}
}

func (f *fakeDebugger) record(c hostCall) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
}

func (f *fakeDebugger) Attach(ctx context.Context, tab types.TabID) error {
	f.record(hostCall{Op: "attach", Tab: tab})
	if f.attachStarted != nil {
		f.attachStarted <- struct{}{}
	}
	if f.attachGate != nil {
		select {
		case err := <-f.attachGate:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.attachErr
}

func (f *fakeDebugger) SetTimezoneOverride(_ context.Context, tab types.TabID, timezoneID string) error {
	f.record(hostCall{Op: "override", Tab: tab, TimezoneID: timezoneID})
	return f.overrideErr
}

func (f *fakeDebugger) Detach(_ context.Context, tab types.TabID) error {
	f.record(hostCall{Op: "detach", Tab: tab})
	return f.detachErr
}

func (f *fakeDebugger) Calls() []hostCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]hostCall, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeDebugger) count(op string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Op == op {
			n++
		}
	}
	return n
}

type indicatorEvent struct {
	Tab        types.TabID
	Active     bool
	TimezoneID string
}

type fakeIndicator struct {
	mu     sync.Mutex
	events []indicatorEvent
}

func (f *fakeIndicator) SetTabState(tab types.TabID, active bool, timezoneID string) {
	f.mu.Lock()
	f.events = append(f.events, indicatorEvent{Tab: tab, Active: active, TimezoneID: timezoneID})
	f.mu.Unlock()
}

func (f *fakeIndicator) Events() []indicatorEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]indicatorEvent, len(f.events))
	copy(out, f.events)
	return out
}

type fakePrefs struct {
	sites     map[string]string
	defaultTZ string
	err       error
	lookedUp  []string
}

func (f *fakePrefs) Get(_ context.Context, origin string) (string, bool, error) {
	f.lookedUp = append(f.lookedUp, origin)
	if f.err != nil {
		return "", false, f.err
	}
	tz, ok := f.sites[origin]
	return tz, ok, nil
}

func (f *fakePrefs) DefaultTimezone(context.Context) (string, bool, error) {
	if f.defaultTZ == "" {
		return "", false, nil
	}
	return f.defaultTZ, true, nil
}

var errHostRejected = errors.New("Another debugger is already attached to the tab")
