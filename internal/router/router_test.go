package router

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/dgnsrekt/tz_agent/internal/cdpcontrol"
	"github.com/dgnsrekt/tz_agent/internal/types"
)

type stubOverrider struct {
	applied  []string
	cleared  []types.TabID
	applyErr error
	clearErr error
	panicOn  string
}

func (s *stubOverrider) ApplyOverride(_ context.Context, tab types.TabID, tz string) error {
	if s.panicOn == "apply" {
		panic("boom")
	}
	s.applied = append(s.applied, tab.String()+"="+tz)
	return s.applyErr
}

func (s *stubOverrider) ClearOverride(_ context.Context, tab types.TabID) error {
	s.cleared = append(s.cleared, tab)
	return s.clearErr
}

type stubReloader struct {
	reloaded []types.TabID
	err      error
}

func (s *stubReloader) ReloadTab(_ context.Context, tab types.TabID) error {
	s.reloaded = append(s.reloaded, tab)
	return s.err
}

func strPtr(s string) *string { return &s }

func TestHandleApply(t *testing.T) {
	ctrl := &stubOverrider{}
	rl := &stubReloader{}
	r := New(ctrl, rl)

	resp := r.Handle(context.Background(), Message{Type: TypeApplyTimezone, TabID: 7, Timezone: strPtr("America/New_York")})
	if !resp.Success {
		t.Fatalf("Handle() = %+v; want success", resp)
	}
	if resp.Message != "Timezone set to America/New_York" {
		t.Fatalf("Handle() message = %q", resp.Message)
	}
	if len(ctrl.applied) != 1 || ctrl.applied[0] != "7=America/New_York" {
		t.Fatalf("applied = %v", ctrl.applied)
	}
	if len(rl.reloaded) != 1 || rl.reloaded[0] != 7 {
		t.Fatalf("reloaded = %v; want [7]", rl.reloaded)
	}
}

func TestHandleClearOnNullOrEmpty(t *testing.T) {
	ctrl := &stubOverrider{}
	rl := &stubReloader{}
	r := New(ctrl, rl)

	for _, tz := range []*string{nil, strPtr(""), strPtr("  ")} {
		resp := r.Handle(context.Background(), Message{Type: TypeApplyTimezone, TabID: 3, Timezone: tz})
		if !resp.Success {
			t.Fatalf("Handle() = %+v; want success", resp)
		}
	}
	if len(ctrl.cleared) != 3 || len(ctrl.applied) != 0 {
		t.Fatalf("cleared=%v applied=%v", ctrl.cleared, ctrl.applied)
	}
	if len(rl.reloaded) != 0 {
		t.Fatalf("reloaded = %v; want none on clear", rl.reloaded)
	}
}

func TestHandleReportsControllerErrors(t *testing.T) {
	ctrl := &stubOverrider{applyErr: cdpcontrol.NewError(cdpcontrol.CodeAttachFailed, "attach to tab failed", errors.New("already attached"))}
	rl := &stubReloader{}
	r := New(ctrl, rl)

	resp := r.Handle(context.Background(), Message{Type: TypeApplyTimezone, TabID: 9, Timezone: strPtr("UTC")})
	if resp.Success {
		t.Fatal("Handle() success = true; want false")
	}
	if resp.Code != cdpcontrol.CodeAttachFailed {
		t.Fatalf("Handle() code = %q; want %q", resp.Code, cdpcontrol.CodeAttachFailed)
	}
	if !strings.Contains(resp.Error, "already attached") {
		t.Fatalf("Handle() error = %q; want host reason", resp.Error)
	}
	if len(rl.reloaded) != 0 {
		t.Fatalf("reloaded = %v; want none after failure", rl.reloaded)
	}
}

func TestHandleClearFailure(t *testing.T) {
	ctrl := &stubOverrider{clearErr: cdpcontrol.NewError(cdpcontrol.CodeDetachFailed, "detach from tab failed", nil)}
	resp := New(ctrl, nil).Handle(context.Background(), Message{Type: TypeApplyTimezone, TabID: 2})
	if resp.Success || resp.Code != cdpcontrol.CodeDetachFailed {
		t.Fatalf("Handle() = %+v; want DETACH_FAILED", resp)
	}
}

func TestHandleRejectsUnknownTimezone(t *testing.T) {
	ctrl := &stubOverrider{}
	resp := New(ctrl, nil).Handle(context.Background(), Message{Type: TypeApplyTimezone, TabID: 1, Timezone: strPtr("Mars/Olympus")})
	if resp.Success || resp.Code != cdpcontrol.CodeValidation {
		t.Fatalf("Handle() = %+v; want validation failure", resp)
	}
	if len(ctrl.applied) != 0 {
		t.Fatalf("applied = %v; want none", ctrl.applied)
	}
}

func TestHandleUnknownType(t *testing.T) {
	ctrl := &stubOverrider{}
	resp := New(ctrl, nil).Handle(context.Background(), Message{Type: "getTimezone", TabID: 1})
	if resp.Success {
		t.Fatal("Handle() success = true for unknown type")
	}
	if len(ctrl.applied)+len(ctrl.cleared) != 0 {
		t.Fatal("controller invoked for unknown message type")
	}
}

func TestHandleRecoversPanic(t *testing.T) {
	ctrl := &stubOverrider{panicOn: "apply"}
	resp := New(ctrl, nil).Handle(context.Background(), Message{Type: TypeApplyTimezone, TabID: 1, Timezone: strPtr("UTC")})
	if resp.Success {
		t.Fatal("Handle() success = true after panic")
	}
	if !strings.Contains(resp.Error, "boom") {
		t.Fatalf("Handle() error = %q; want panic value", resp.Error)
	}
}

func TestHandleReloadFailureStillSucceeds(t *testing.T) {
	ctrl := &stubOverrider{}
	rl := &stubReloader{err: errors.New("reload failed")}
	resp := New(ctrl, rl).Handle(context.Background(), Message{Type: TypeApplyTimezone, TabID: 4, Timezone: strPtr("UTC")})
	if !resp.Success {
		t.Fatalf("Handle() = %+v; want success", resp)
	}
}
