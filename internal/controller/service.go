// Package controller joins the tab host, the session registry, the message
// router and the preference store into the operations the HTTP API exposes.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dgnsrekt/tz_agent/internal/cdpcontrol"
	"github.com/dgnsrekt/tz_agent/internal/prefs"
	"github.com/dgnsrekt/tz_agent/internal/router"
	"github.com/dgnsrekt/tz_agent/internal/session"
	"github.com/dgnsrekt/tz_agent/internal/types"
	"github.com/dgnsrekt/tz_agent/internal/tzdb"
)

// TabSource lists the browser's page tabs.
type TabSource interface {
	ListTabs(ctx context.Context) ([]types.TabInfo, error)
	ActiveTab(ctx context.Context) (types.TabInfo, error)
}

// Messenger handles cross-context messages.
type Messenger interface {
	Handle(ctx context.Context, msg router.Message) router.Response
}

// TabResult is the routed outcome for one tab of a fan-out.
type TabResult struct {
	TabID    types.TabID     `json:"tab_id"`
	Response router.Response `json:"response"`
}

// SiteUpdate reports a preference change and what it did to open tabs.
type SiteUpdate struct {
	Origin     string      `json:"origin"`
	TimezoneID string      `json:"timezone_id,omitempty"`
	Tabs       []TabResult `json:"tabs"`
}

// Service wraps timezone override operations.
type Service struct {
	tabs     TabSource
	router   Messenger
	registry *session.Registry
	prefs    *prefs.Store
	now      func() time.Time
}

func NewService(tabs TabSource, rt Messenger, registry *session.Registry, store *prefs.Store) *Service {
	return &Service{tabs: tabs, router: rt, registry: registry, prefs: store, now: time.Now}
}

func (s *Service) requireNonEmpty(value, fieldName string) error {
	if strings.TrimSpace(value) == "" {
		return &cdpcontrol.CodedError{Code: cdpcontrol.CodeValidation, Message: fieldName + " is required"}
	}
	return nil
}

func (s *Service) requireTimezone(tz string) error {
	if err := s.requireNonEmpty(tz, "timezone_id"); err != nil {
		return err
	}
	if !tzdb.Valid(tz) {
		return &cdpcontrol.CodedError{Code: cdpcontrol.CodeValidation, Message: fmt.Sprintf("unknown timezone %q", tz)}
	}
	return nil
}

func (s *Service) stateOf(info types.TabInfo) types.TabState {
	st := types.TabState{TabInfo: info}
	if sess, ok := s.registry.Get(info.TabID); ok {
		st.Attached = sess.Attached
		st.TimezoneID = sess.TimezoneID
	}
	return st
}

// ListTabs returns every page tab joined with its override state.
func (s *Service) ListTabs(ctx context.Context) ([]types.TabState, error) {
	infos, err := s.tabs.ListTabs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]types.TabState, 0, len(infos))
	for _, info := range infos {
		out = append(out, s.stateOf(info))
	}
	return out, nil
}

func (s *Service) ActiveTab(ctx context.Context) (types.TabState, error) {
	info, err := s.tabs.ActiveTab(ctx)
	if err != nil {
		return types.TabState{}, err
	}
	return s.stateOf(info), nil
}

// HandleMessage routes a raw cross-context message. The response always
// describes the outcome; it is never an error.
func (s *Service) HandleMessage(ctx context.Context, msg router.Message) router.Response {
	return s.router.Handle(ctx, msg)
}

// ApplyTimezone overrides one tab's timezone.
func (s *Service) ApplyTimezone(ctx context.Context, tab types.TabID, timezoneID string) (router.Response, error) {
	if err := s.requireNonEmpty(timezoneID, "timezone_id"); err != nil {
		return router.Response{}, err
	}
	tz := strings.TrimSpace(timezoneID)
	return responseErr(s.router.Handle(ctx, router.Message{Type: router.TypeApplyTimezone, TabID: tab, Timezone: &tz}))
}

// ClearTimezone removes one tab's override.
func (s *Service) ClearTimezone(ctx context.Context, tab types.TabID) (router.Response, error) {
	return responseErr(s.router.Handle(ctx, router.Message{Type: router.TypeApplyTimezone, TabID: tab}))
}

func (s *Service) Sessions() []session.TabSession {
	return s.registry.List()
}

func (s *Service) Sites(ctx context.Context) map[string]string {
	return s.prefs.GetAll(ctx)
}

// SetSite stores timezoneID for origin and routes an apply to every open tab
// of that origin.
func (s *Service) SetSite(ctx context.Context, origin, timezoneID string) (SiteUpdate, error) {
	if err := s.requireNonEmpty(origin, "origin"); err != nil {
		return SiteUpdate{}, err
	}
	if err := s.requireTimezone(strings.TrimSpace(timezoneID)); err != nil {
		return SiteUpdate{}, err
	}
	tz := strings.TrimSpace(timezoneID)
	key, err := s.prefs.Set(ctx, origin, tz)
	if err != nil {
		return SiteUpdate{}, err
	}
	slog.Info("site preference saved", "origin", key, "timezone_id", tz)
	return SiteUpdate{Origin: key, TimezoneID: tz, Tabs: s.fanOut(ctx, key, &tz)}, nil
}

// RemoveSite deletes the preference for origin and clears the override on
// its open tabs.
func (s *Service) RemoveSite(ctx context.Context, origin string) (SiteUpdate, error) {
	if err := s.requireNonEmpty(origin, "origin"); err != nil {
		return SiteUpdate{}, err
	}
	key, err := s.prefs.Remove(ctx, origin)
	if err != nil {
		return SiteUpdate{}, err
	}
	slog.Info("site preference removed", "origin", key)
	return SiteUpdate{Origin: key, Tabs: s.fanOut(ctx, key, nil)}, nil
}

// fanOut sends one message per open tab of origin. A tab list failure is
// logged; the preference change already stands.
func (s *Service) fanOut(ctx context.Context, origin string, tz *string) []TabResult {
	infos, err := s.tabs.ListTabs(ctx)
	if err != nil {
		slog.Warn("site fan-out skipped, tab list unavailable", "origin", origin, "error", err)
		return []TabResult{}
	}
	results := []TabResult{}
	for _, info := range infos {
		if info.Origin != origin {
			continue
		}
		resp := s.router.Handle(ctx, router.Message{Type: router.TypeApplyTimezone, TabID: info.TabID, Timezone: tz})
		if !resp.Success {
			slog.Warn("site fan-out failed for tab", "origin", origin, "tab_id", info.TabID, "error", resp.Error)
		}
		results = append(results, TabResult{TabID: info.TabID, Response: resp})
	}
	return results
}

func (s *Service) Favorites(ctx context.Context) []string {
	return s.prefs.Favorites(ctx)
}

func (s *Service) ToggleFavorite(ctx context.Context, timezoneID string) ([]string, bool, error) {
	if err := s.requireNonEmpty(timezoneID, "timezone_id"); err != nil {
		return nil, false, err
	}
	return s.prefs.ToggleFavorite(ctx, timezoneID)
}

func (s *Service) Settings(ctx context.Context) prefs.Settings {
	return s.prefs.Settings(ctx)
}

func (s *Service) SetSettings(ctx context.Context, in prefs.Settings) (prefs.Settings, error) {
	return s.prefs.SetSettings(ctx, in)
}

// Timezones searches the zone catalogue, favorites first.
func (s *Service) Timezones(ctx context.Context, query string) []tzdb.Zone {
	return tzdb.Search(query, s.prefs.Favorites(ctx), s.now())
}

// responseErr turns a failed routed response into a *CodedError so HTTP
// handlers can map it to a status.
func responseErr(resp router.Response) (router.Response, error) {
	if resp.Success {
		return resp, nil
	}
	code := resp.Code
	if code == "" {
		code = cdpcontrol.CodeInternal
	}
	return resp, &cdpcontrol.CodedError{Code: code, Message: resp.Error}
}
