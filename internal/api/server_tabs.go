package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/tz_agent/internal/router"
	"github.com/dgnsrekt/tz_agent/internal/session"
	"github.com/dgnsrekt/tz_agent/internal/types"
)

func registerTabHandlers(api huma.API, svc Service) {
	type messageInput struct {
		Body router.Message
	}
	huma.Register(api, huma.Operation{
		OperationID: "send-message",
		Method:      http.MethodPost,
		Path:        "/api/v1/messages",
		Summary:     "Send a cross-context message",
		Description: "Routes an applyTimezone message. The reply always carries success; failures are reported in the body, not the status.",
		Tags:        []string{"Messages"},
	}, func(ctx context.Context, input *messageInput) (*routedOutput, error) {
		return &routedOutput{Body: svc.HandleMessage(ctx, input.Body)}, nil
	})

	type tabsOutput struct {
		Body struct {
			Tabs []types.TabState `json:"tabs"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-tabs", Method: http.MethodGet, Path: "/api/v1/tabs", Summary: "List page tabs with override state", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct{}) (*tabsOutput, error) {
			tabs, err := svc.ListTabs(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &tabsOutput{}
			out.Body.Tabs = tabs
			return out, nil
		})

	type tabOutput struct {
		Body types.TabState
	}
	huma.Register(api, huma.Operation{OperationID: "active-tab", Method: http.MethodGet, Path: "/api/v1/tabs/active", Summary: "Get the active tab", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct{}) (*tabOutput, error) {
			tab, err := svc.ActiveTab(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			return &tabOutput{Body: tab}, nil
		})

	type applyInput struct {
		tabIDInput
		Body struct {
			TimezoneID string `json:"timezone_id" doc:"IANA timezone ID, e.g. Asia/Tokyo"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "set-tab-timezone", Method: http.MethodPut, Path: "/api/v1/tabs/{tab_id}/timezone", Summary: "Override a tab's timezone", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *applyInput) (*routedOutput, error) {
			resp, err := svc.ApplyTimezone(ctx, types.TabID(input.TabID), input.Body.TimezoneID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &routedOutput{Body: resp}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "clear-tab-timezone", Method: http.MethodDelete, Path: "/api/v1/tabs/{tab_id}/timezone", Summary: "Clear a tab's timezone override", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *tabIDInput) (*routedOutput, error) {
			resp, err := svc.ClearTimezone(ctx, types.TabID(input.TabID))
			if err != nil {
				return nil, mapErr(err)
			}
			return &routedOutput{Body: resp}, nil
		})

	type sessionsOutput struct {
		Body struct {
			Sessions []session.TabSession `json:"sessions"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-sessions", Method: http.MethodGet, Path: "/api/v1/sessions", Summary: "List debugger sessions", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct{}) (*sessionsOutput, error) {
			out := &sessionsOutput{}
			out.Body.Sessions = svc.Sessions()
			return out, nil
		})
}
