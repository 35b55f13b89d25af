package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dgnsrekt/tz_agent/internal/cdpcontrol"
	"github.com/dgnsrekt/tz_agent/internal/controller"
	"github.com/dgnsrekt/tz_agent/internal/prefs"
	"github.com/dgnsrekt/tz_agent/internal/router"
	"github.com/dgnsrekt/tz_agent/internal/session"
	"github.com/dgnsrekt/tz_agent/internal/types"
	"github.com/dgnsrekt/tz_agent/internal/tzdb"
)

type Service interface {
	ListTabs(ctx context.Context) ([]types.TabState, error)
	ActiveTab(ctx context.Context) (types.TabState, error)
	HandleMessage(ctx context.Context, msg router.Message) router.Response
	ApplyTimezone(ctx context.Context, tab types.TabID, timezoneID string) (router.Response, error)
	ClearTimezone(ctx context.Context, tab types.TabID) (router.Response, error)
	Sessions() []session.TabSession
	Sites(ctx context.Context) map[string]string
	SetSite(ctx context.Context, origin, timezoneID string) (controller.SiteUpdate, error)
	RemoveSite(ctx context.Context, origin string) (controller.SiteUpdate, error)
	Favorites(ctx context.Context) []string
	ToggleFavorite(ctx context.Context, timezoneID string) ([]string, bool, error)
	Settings(ctx context.Context) prefs.Settings
	SetSettings(ctx context.Context, in prefs.Settings) (prefs.Settings, error)
	Timezones(ctx context.Context, query string) []tzdb.Zone
}

type tabIDInput struct {
	TabID int `path:"tab_id" minimum:"1" doc:"Tab ID from /api/v1/tabs"`
}

type routedOutput struct {
	Body router.Response
}

// NewServer builds the HTTP handler. events, when non-nil, is mounted as the
// indicator stream at /api/v1/events.
func NewServer(svc Service, events http.Handler) http.Handler {
	mux := chi.NewMux()
	mux.Use(middleware.RequestID)
	mux.Use(requestLogger)
	mux.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("TZ Agent Controller API", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(mux, cfg)

	mux.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(docsHTML)); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})
	if events != nil {
		mux.Method(http.MethodGet, "/api/v1/events", events)
	}

	registerTabHandlers(api, svc)
	registerSiteHandlers(api, svc)
	registerMiscHandlers(api, svc)

	return mux
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *cdpcontrol.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case cdpcontrol.CodeValidation:
			return huma.Error400BadRequest(coded.Message)
		case cdpcontrol.CodeTabGone, cdpcontrol.CodePreferenceNotFound:
			return huma.Error404NotFound(coded.Message)
		case cdpcontrol.CodeAttachFailed, cdpcontrol.CodeDetachFailed:
			return huma.Error409Conflict(coded.Message)
		case cdpcontrol.CodeOverrideCommandFailed, cdpcontrol.CodeCDPUnavailable:
			return huma.Error502BadGateway(coded.Message)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	return huma.Error500InternalServerError(err.Error())
}
