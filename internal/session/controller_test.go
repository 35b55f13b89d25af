package session

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/dgnsrekt/tz_agent/internal/cdpcontrol"
	"github.com/dgnsrekt/tz_agent/internal/types"
)

func requireCode(t *testing.T, err error, want string) {
	t.Helper()
	var coded *cdpcontrol.CodedError
	if !errors.As(err, &coded) {
		t.Fatalf("error = %v (%T); want *cdpcontrol.CodedError", err, err)
	}
	if coded.Code != want {
		t.Fatalf("error code = %q; want %q (err=%v)", coded.Code, want, err)
	}
}

func TestApplyOverrideFreshTab(t *testing.T) {
	dbg := &fakeDebugger{}
	ind := &fakeIndicator{}
	c := NewController(dbg, NewRegistry(), ind)

	if err := c.ApplyOverride(context.Background(), 7, "America/New_York"); err != nil {
		t.Fatalf("ApplyOverride() error = %v", err)
	}

	want := []hostCall{
		{Op: "attach", Tab: 7},
		{Op: "override", Tab: 7, TimezoneID: "America/New_York"},
	}
	if got := dbg.Calls(); !reflect.DeepEqual(got, want) {
		t.Fatalf("host calls = %+v; want %+v", got, want)
	}

	got, ok := c.Registry().Get(7)
	if !ok {
		t.Fatal("registry has no entry for tab 7")
	}
	wantSession := TabSession{TabID: 7, Attached: true, TimezoneID: "America/New_York"}
	if got != wantSession {
		t.Fatalf("registry entry = %+v; want %+v", got, wantSession)
	}

	events := ind.Events()
	if len(events) != 1 || !events[0].Active || events[0].Tab != 7 {
		t.Fatalf("indicator events = %+v; want one active event for tab 7", events)
	}
}

func TestApplyOverrideTwiceAttachesOnce(t *testing.T) {
	dbg := &fakeDebugger{}
	c := NewController(dbg, NewRegistry(), nil)
	ctx := context.Background()

	if err := c.ApplyOverride(ctx, 3, "UTC"); err != nil {
		t.Fatalf("first ApplyOverride() error = %v", err)
	}
	if err := c.ApplyOverride(ctx, 3, "Asia/Tokyo"); err != nil {
		t.Fatalf("second ApplyOverride() error = %v", err)
	}

	if n := dbg.count("attach"); n != 1 {
		t.Fatalf("attach calls = %d; want 1", n)
	}
	if n := dbg.count("override"); n != 2 {
		t.Fatalf("override calls = %d; want 2", n)
	}
	s, _ := c.Registry().Get(3)
	if s.TimezoneID != "Asia/Tokyo" {
		t.Fatalf("timezone = %q; want %q", s.TimezoneID, "Asia/Tokyo")
	}
}

func TestApplyOverrideAttachFailureLeavesNoEntry(t *testing.T) {
	dbg := &fakeDebugger{attachErr: errHostRejected}
	ind := &fakeIndicator{}
	c := NewController(dbg, NewRegistry(), ind)

	err := c.ApplyOverride(context.Background(), 9, "UTC")
	requireCode(t, err, cdpcontrol.CodeAttachFailed)
	if !errors.Is(err, errHostRejected) {
		t.Fatalf("error does not wrap host rejection: %v", err)
	}
	if _, ok := c.Registry().Get(9); ok {
		t.Fatal("registry has entry for tab 9 after failed attach")
	}
	if n := dbg.count("override"); n != 0 {
		t.Fatalf("override calls = %d; want 0", n)
	}
	if len(ind.Events()) != 0 {
		t.Fatalf("indicator events = %+v; want none", ind.Events())
	}
}

func TestApplyOverrideAttachTabGonePassesThrough(t *testing.T) {
	dbg := &fakeDebugger{attachErr: cdpcontrol.NewError(cdpcontrol.CodeTabGone, "tab not found: 4", nil)}
	c := NewController(dbg, NewRegistry(), nil)

	err := c.ApplyOverride(context.Background(), 4, "UTC")
	requireCode(t, err, cdpcontrol.CodeTabGone)
}

func TestApplyOverrideCommandFailureKeepsAttachment(t *testing.T) {
	dbg := &fakeDebugger{overrideErr: errors.New("Invalid timezone ID")}
	ind := &fakeIndicator{}
	c := NewController(dbg, NewRegistry(), ind)
	ctx := context.Background()

	err := c.ApplyOverride(ctx, 5, "Mars/Olympus")
	requireCode(t, err, cdpcontrol.CodeOverrideCommandFailed)

	s, ok := c.Registry().Get(5)
	if !ok || !s.Attached {
		t.Fatalf("registry entry = %+v, %v; want attached", s, ok)
	}
	if s.TimezoneID != "" {
		t.Fatalf("timezone = %q; want unchanged empty", s.TimezoneID)
	}
	if len(ind.Events()) != 0 {
		t.Fatalf("indicator events = %+v; want none", ind.Events())
	}

	// A retry goes straight to the command.
	dbg.overrideErr = nil
	if err := c.ApplyOverride(ctx, 5, "UTC"); err != nil {
		t.Fatalf("retry ApplyOverride() error = %v", err)
	}
	if n := dbg.count("attach"); n != 1 {
		t.Fatalf("attach calls = %d; want 1", n)
	}
}

func TestApplyOverrideRequiresTimezone(t *testing.T) {
	dbg := &fakeDebugger{}
	c := NewController(dbg, NewRegistry(), nil)

	err := c.ApplyOverride(context.Background(), 1, "   ")
	requireCode(t, err, cdpcontrol.CodeValidation)
	if len(dbg.Calls()) != 0 {
		t.Fatalf("host calls = %+v; want none", dbg.Calls())
	}
}

func TestClearOverrideWithoutSessionMakesNoHostCalls(t *testing.T) {
	dbg := &fakeDebugger{}
	c := NewController(dbg, NewRegistry(), nil)

	if err := c.ClearOverride(context.Background(), 7); err != nil {
		t.Fatalf("ClearOverride() error = %v", err)
	}
	if len(dbg.Calls()) != 0 {
		t.Fatalf("host calls = %+v; want none", dbg.Calls())
	}
}

func TestClearOverrideDetaches(t *testing.T) {
	dbg := &fakeDebugger{}
	ind := &fakeIndicator{}
	c := NewController(dbg, NewRegistry(), ind)
	ctx := context.Background()

	if err := c.ApplyOverride(ctx, 7, "UTC"); err != nil {
		t.Fatalf("ApplyOverride() error = %v", err)
	}
	if err := c.ClearOverride(ctx, 7); err != nil {
		t.Fatalf("ClearOverride() error = %v", err)
	}
	if n := dbg.count("detach"); n != 1 {
		t.Fatalf("detach calls = %d; want 1", n)
	}
	if c.Registry().Has(7) {
		t.Fatal("registry still has tab 7")
	}
	events := ind.Events()
	if last := events[len(events)-1]; last.Active {
		t.Fatalf("last indicator event = %+v; want inactive", last)
	}
}

func TestClearOverrideDetachFailureRetainsEntry(t *testing.T) {
	dbg := &fakeDebugger{}
	c := NewController(dbg, NewRegistry(), nil)
	ctx := context.Background()

	if err := c.ApplyOverride(ctx, 2, "UTC"); err != nil {
		t.Fatalf("ApplyOverride() error = %v", err)
	}
	dbg.detachErr = errors.New("detach rejected")
	requireCode(t, c.ClearOverride(ctx, 2), cdpcontrol.CodeDetachFailed)
	if !c.Registry().Has(2) {
		t.Fatal("registry entry removed after failed detach")
	}

	dbg.detachErr = nil
	if err := c.ClearOverride(ctx, 2); err != nil {
		t.Fatalf("retry ClearOverride() error = %v", err)
	}
	if c.Registry().Has(2) {
		t.Fatal("registry entry kept after successful retry")
	}
}

func TestConcurrentApplySerializesAttach(t *testing.T) {
	dbg := &fakeDebugger{
		attachGate:    make(chan error),
		attachStarted: make(chan struct{}, 2),
	}
	c := NewController(dbg, NewRegistry(), nil)
	ctx := context.Background()

	errs := make(chan error, 2)
	go func() { errs <- c.ApplyOverride(ctx, 8, "UTC") }()
	<-dbg.attachStarted
	go func() { errs <- c.ApplyOverride(ctx, 8, "Europe/Paris") }()

	// The second request must wait behind the pending attach.
	select {
	case <-dbg.attachStarted:
		t.Fatal("second attach started while first was pending")
	case <-time.After(50 * time.Millisecond):
	}

	dbg.attachGate <- nil
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("ApplyOverride() error = %v", err)
		}
	}
	if n := dbg.count("attach"); n != 1 {
		t.Fatalf("attach calls = %d; want 1", n)
	}
	if n := dbg.count("override"); n != 2 {
		t.Fatalf("override calls = %d; want 2", n)
	}
}

func TestForcedDetachWinsOverPendingAttach(t *testing.T) {
	dbg := &fakeDebugger{
		attachGate:    make(chan error),
		attachStarted: make(chan struct{}, 1),
	}
	ind := &fakeIndicator{}
	c := NewController(dbg, NewRegistry(), ind)
	w := NewWatcher(c, &fakePrefs{}, false)

	errc := make(chan error, 1)
	go func() { errc <- c.ApplyOverride(context.Background(), 11, "UTC") }()
	<-dbg.attachStarted

	w.OnForcedDetach(11, "replaced_with_devtools")
	dbg.attachGate <- nil

	err := <-errc
	requireCode(t, err, cdpcontrol.CodeAttachFailed)
	if c.Registry().Has(11) {
		t.Fatal("registry shows tab 11 attached after forced detach")
	}
	if n := dbg.count("override"); n != 0 {
		t.Fatalf("override calls = %d; want 0", n)
	}
	// The stale attachment is released.
	if n := dbg.count("detach"); n != 1 {
		t.Fatalf("detach calls = %d; want 1", n)
	}
	for _, ev := range ind.Events() {
		if ev.Active {
			t.Fatalf("indicator went active: %+v", ev)
		}
	}
}

func TestTabCloseWinsOverPendingAttach(t *testing.T) {
	dbg := &fakeDebugger{
		attachGate:    make(chan error),
		attachStarted: make(chan struct{}, 1),
	}
	c := NewController(dbg, NewRegistry(), nil)
	w := NewWatcher(c, &fakePrefs{}, false)

	errc := make(chan error, 1)
	go func() { errc <- c.ApplyOverride(context.Background(), 12, "UTC") }()
	<-dbg.attachStarted

	w.OnTabClosed(context.Background(), 12)
	dbg.attachGate <- nil

	requireCode(t, <-errc, cdpcontrol.CodeTabGone)
	if _, ok := c.Registry().Get(12); ok {
		t.Fatal("registry re-created entry for closed tab 12")
	}
}

func TestForcedDetachThenApplyReattaches(t *testing.T) {
	dbg := &fakeDebugger{}
	c := NewController(dbg, NewRegistry(), nil)
	w := NewWatcher(c, &fakePrefs{}, false)
	ctx := context.Background()

	if err := c.ApplyOverride(ctx, 6, "UTC"); err != nil {
		t.Fatalf("ApplyOverride() error = %v", err)
	}
	w.OnForcedDetach(6, "target_closed")
	if c.Registry().Has(6) {
		t.Fatal("registry still attached after forced detach")
	}
	if err := c.ApplyOverride(ctx, 6, "UTC"); err != nil {
		t.Fatalf("ApplyOverride() after detach error = %v", err)
	}
	if n := dbg.count("attach"); n != 2 {
		t.Fatalf("attach calls = %d; want 2", n)
	}
}

func TestApplyOverrideAcrossTabsIsIndependent(t *testing.T) {
	dbg := &fakeDebugger{}
	c := NewController(dbg, NewRegistry(), nil)
	ctx := context.Background()

	for _, tab := range []types.TabID{1, 2, 3} {
		if err := c.ApplyOverride(ctx, tab, "UTC"); err != nil {
			t.Fatalf("ApplyOverride(%d) error = %v", tab, err)
		}
	}
	if n := len(c.Registry().List()); n != 3 {
		t.Fatalf("registry size = %d; want 3", n)
	}
}

// orderedIndicator runs onActive before recording an active state.
type orderedIndicator struct {
	fakeIndicator
	onActive func()
}

func (o *orderedIndicator) SetTabState(tab types.TabID, active bool, timezoneID string) {
	if active && o.onActive != nil {
		o.onActive()
	}
	o.fakeIndicator.SetTabState(tab, active, timezoneID)
}

func TestForcedDetachDuringPublishLeavesIndicatorInactive(t *testing.T) {
	dbg := &fakeDebugger{}
	ind := &orderedIndicator{}
	c := NewController(dbg, NewRegistry(), ind)
	w := NewWatcher(c, &fakePrefs{}, false)

	detached := make(chan struct{})
	ind.onActive = func() {
		go func() {
			w.OnForcedDetach(5, "target_closed")
			close(detached)
		}()
		time.Sleep(20 * time.Millisecond)
	}

	if err := c.ApplyOverride(context.Background(), 5, "UTC"); err != nil {
		t.Fatalf("ApplyOverride() error = %v", err)
	}
	select {
	case <-detached:
	case <-time.After(2 * time.Second):
		t.Fatal("forced detach never completed")
	}

	if c.Registry().Has(5) {
		t.Fatal("tab 5 still attached after forced detach")
	}
	events := ind.Events()
	if len(events) != 2 || !events[0].Active || events[1].Active {
		t.Fatalf("indicator events = %+v; want active then inactive", events)
	}
}

func TestApplyWaitingOnClosedTabFails(t *testing.T) {
	dbg := &fakeDebugger{
		attachGate:    make(chan error),
		attachStarted: make(chan struct{}, 2),
	}
	c := NewController(dbg, NewRegistry(), nil)
	w := NewWatcher(c, &fakePrefs{}, false)
	ctx := context.Background()

	first := make(chan error, 1)
	go func() { first <- c.ApplyOverride(ctx, 3, "UTC") }()
	<-dbg.attachStarted

	// Issued before the close; must not survive it.
	second := make(chan error, 1)
	base := c.Registry().Generation(3)
	go func() { second <- c.applySince(ctx, 3, "Asia/Tokyo", base) }()

	w.OnTabClosed(ctx, 3)
	dbg.attachGate <- nil

	requireCode(t, <-first, cdpcontrol.CodeTabGone)
	requireCode(t, <-second, cdpcontrol.CodeTabGone)
	if n := dbg.count("attach"); n != 1 {
		t.Fatalf("attach calls = %d; want 1", n)
	}
	if _, ok := c.Registry().Get(3); ok {
		t.Fatal("registry re-created entry for closed tab 3")
	}
}

func TestTabLocksAreReleased(t *testing.T) {
	dbg := &fakeDebugger{}
	c := NewController(dbg, NewRegistry(), nil)
	ctx := context.Background()

	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		tab := types.TabID(i%3 + 1)
		go func() { errs <- c.ApplyOverride(ctx, tab, "UTC") }()
	}
	for i := 0; i < 10; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("ApplyOverride() error = %v", err)
		}
	}
	if err := c.ClearOverride(ctx, 1); err != nil {
		t.Fatalf("ClearOverride() error = %v", err)
	}

	c.tabLocksMu.Lock()
	n := len(c.tabLocks)
	c.tabLocksMu.Unlock()
	if n != 0 {
		t.Fatalf("tab locks left = %d; want 0", n)
	}
}
