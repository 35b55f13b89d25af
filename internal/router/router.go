// Package router turns cross-context messages into override operations.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dgnsrekt/tz_agent/internal/cdpcontrol"
	"github.com/dgnsrekt/tz_agent/internal/types"
	"github.com/dgnsrekt/tz_agent/internal/tzdb"
)

// TypeApplyTimezone is the only message type the router accepts.
const TypeApplyTimezone = "applyTimezone"

// Message is the inbound cross-context request. A nil or blank Timezone asks
// for the override to be cleared.
type Message struct {
	Type     string      `json:"type" doc:"Message type; only applyTimezone is handled"`
	TabID    types.TabID `json:"tabId" doc:"Target tab ID"`
	Timezone *string     `json:"timezone,omitempty" nullable:"true" doc:"IANA timezone ID; null or empty clears the override"`
}

// Response is always produced, whatever happened downstream.
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// Overrider is the controller surface the router drives.
type Overrider interface {
	ApplyOverride(ctx context.Context, tab types.TabID, timezoneID string) error
	ClearOverride(ctx context.Context, tab types.TabID) error
}

// Reloader reloads a tab so already-loaded documents pick up the override.
type Reloader interface {
	ReloadTab(ctx context.Context, tab types.TabID) error
}

type Router struct {
	ctrl     Overrider
	reloader Reloader
}

// New builds a Router. reloader may be nil to skip reloads.
func New(ctrl Overrider, reloader Reloader) *Router {
	return &Router{ctrl: ctrl, reloader: reloader}
}

// Handle dispatches msg and reports the outcome. It never panics.
func (r *Router) Handle(ctx context.Context, msg Message) (resp Response) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("message handler panic", "type", msg.Type, "tab_id", msg.TabID, "panic", p)
			resp = Response{Success: false, Error: fmt.Sprintf("internal error: %v", p), Code: cdpcontrol.CodeInternal}
		}
	}()

	if msg.Type != TypeApplyTimezone {
		return Response{Success: false, Error: fmt.Sprintf("unknown message type %q", msg.Type), Code: cdpcontrol.CodeValidation}
	}

	tz := ""
	if msg.Timezone != nil {
		tz = strings.TrimSpace(*msg.Timezone)
	}

	if tz == "" {
		if err := r.ctrl.ClearOverride(ctx, msg.TabID); err != nil {
			return failure(err)
		}
		return Response{Success: true, Message: "Timezone override cleared"}
	}

	if !tzdb.Valid(tz) {
		return Response{Success: false, Error: fmt.Sprintf("unknown timezone %q", tz), Code: cdpcontrol.CodeValidation}
	}
	if err := r.ctrl.ApplyOverride(ctx, msg.TabID, tz); err != nil {
		return failure(err)
	}

	if r.reloader != nil {
		if err := r.reloader.ReloadTab(ctx, msg.TabID); err != nil {
			// The override is in place; a failed reload only delays its effect.
			slog.Warn("tab reload after override failed", "tab_id", msg.TabID, "error", err)
		}
	}
	return Response{Success: true, Message: "Timezone set to " + tz}
}

func failure(err error) Response {
	return Response{Success: false, Error: err.Error(), Code: cdpcontrol.CodeOf(err)}
}
