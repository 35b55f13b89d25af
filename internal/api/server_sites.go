package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/tz_agent/internal/controller"
	"github.com/dgnsrekt/tz_agent/internal/prefs"
	"github.com/dgnsrekt/tz_agent/internal/tzdb"
)

func registerSiteHandlers(api huma.API, svc Service) {
	type sitesOutput struct {
		Body struct {
			Sites map[string]string `json:"sites"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-sites", Method: http.MethodGet, Path: "/api/v1/sites", Summary: "List per-site timezone preferences", Tags: []string{"Sites"}},
		func(ctx context.Context, input *struct{}) (*sitesOutput, error) {
			out := &sitesOutput{}
			out.Body.Sites = svc.Sites(ctx)
			return out, nil
		})

	type siteOutput struct {
		Body controller.SiteUpdate
	}
	type setSiteInput struct {
		Body struct {
			Origin     string `json:"origin" doc:"Site origin or any URL on it"`
			TimezoneID string `json:"timezone_id" doc:"IANA timezone ID"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "set-site",
		Method:      http.MethodPut,
		Path:        "/api/v1/sites",
		Summary:     "Save a site preference",
		Description: "Stores the preference, then applies it to every open tab of the origin.",
		Tags:        []string{"Sites"},
	}, func(ctx context.Context, input *setSiteInput) (*siteOutput, error) {
		upd, err := svc.SetSite(ctx, input.Body.Origin, input.Body.TimezoneID)
		if err != nil {
			return nil, mapErr(err)
		}
		return &siteOutput{Body: upd}, nil
	})

	type removeSiteInput struct {
		Origin string `query:"origin" required:"true" doc:"Site origin"`
	}
	huma.Register(api, huma.Operation{OperationID: "remove-site", Method: http.MethodDelete, Path: "/api/v1/sites", Summary: "Remove a site preference", Tags: []string{"Sites"}},
		func(ctx context.Context, input *removeSiteInput) (*siteOutput, error) {
			upd, err := svc.RemoveSite(ctx, input.Origin)
			if err != nil {
				return nil, mapErr(err)
			}
			return &siteOutput{Body: upd}, nil
		})

	type favoritesOutput struct {
		Body struct {
			Favorites []string `json:"favorites"`
			Added     *bool    `json:"added,omitempty"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-favorites", Method: http.MethodGet, Path: "/api/v1/favorites", Summary: "List favorite timezones", Tags: []string{"Timezones"}},
		func(ctx context.Context, input *struct{}) (*favoritesOutput, error) {
			out := &favoritesOutput{}
			out.Body.Favorites = svc.Favorites(ctx)
			if out.Body.Favorites == nil {
				out.Body.Favorites = []string{}
			}
			return out, nil
		})

	type toggleInput struct {
		Body struct {
			TimezoneID string `json:"timezone_id"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "toggle-favorite", Method: http.MethodPost, Path: "/api/v1/favorites/toggle", Summary: "Add or remove a favorite timezone", Tags: []string{"Timezones"}},
		func(ctx context.Context, input *toggleInput) (*favoritesOutput, error) {
			favs, added, err := svc.ToggleFavorite(ctx, input.Body.TimezoneID)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &favoritesOutput{}
			out.Body.Favorites = favs
			out.Body.Added = &added
			return out, nil
		})

	type settingsOutput struct {
		Body prefs.Settings
	}
	huma.Register(api, huma.Operation{OperationID: "get-settings", Method: http.MethodGet, Path: "/api/v1/settings", Summary: "Get settings", Tags: []string{"Settings"}},
		func(ctx context.Context, input *struct{}) (*settingsOutput, error) {
			return &settingsOutput{Body: svc.Settings(ctx)}, nil
		})

	type setSettingsInput struct {
		Body struct {
			DefaultTimezone string `json:"default_timezone,omitempty" doc:"Applied to sites without a preference when enabled"`
			TimeFormat      string `json:"time_format,omitempty" enum:"12,24"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "set-settings", Method: http.MethodPut, Path: "/api/v1/settings", Summary: "Update settings", Tags: []string{"Settings"}},
		func(ctx context.Context, input *setSettingsInput) (*settingsOutput, error) {
			st, err := svc.SetSettings(ctx, prefs.Settings{
				DefaultTimezone: input.Body.DefaultTimezone,
				TimeFormat:      input.Body.TimeFormat,
			})
			if err != nil {
				return nil, mapErr(err)
			}
			return &settingsOutput{Body: st}, nil
		})

	type zonesInput struct {
		Query string `query:"q" doc:"Case-insensitive filter; underscores match spaces"`
	}
	type zonesOutput struct {
		Body struct {
			Zones []tzdb.Zone `json:"zones"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-timezones", Method: http.MethodGet, Path: "/api/v1/timezones", Summary: "Search the timezone catalogue", Tags: []string{"Timezones"}},
		func(ctx context.Context, input *zonesInput) (*zonesOutput, error) {
			out := &zonesOutput{}
			out.Body.Zones = svc.Timezones(ctx, input.Query)
			return out, nil
		})
}
