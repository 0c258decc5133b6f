package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/webreplay/internal/artifact"
	"github.com/dgnsrekt/webreplay/internal/cdp"
	"github.com/dgnsrekt/webreplay/internal/settings"
)

func registerMiscHandlers(api huma.API, svc Service) {
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/health", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*statusOutput, error) {
			return newStatus("ok"), nil
		})

	type browserOutput struct {
		Body cdp.BrowserVersion
	}
	huma.Register(api, huma.Operation{OperationID: "browser-version", Method: http.MethodGet, Path: "/api/v1/browser", Summary: "Connected browser version", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*browserOutput, error) {
			v, err := svc.BrowserVersion(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			return &browserOutput{Body: v}, nil
		})

	// --- Tabs ---

	type listTabsOutput struct {
		Body struct {
			Tabs []cdp.TabInfo `json:"tabs"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-tabs", Method: http.MethodGet, Path: "/api/v1/tabs", Summary: "List browser tabs matching the tab filter", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct{}) (*listTabsOutput, error) {
			tabs, err := svc.ListTabs(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &listTabsOutput{}
			out.Body.Tabs = tabs
			if out.Body.Tabs == nil {
				out.Body.Tabs = []cdp.TabInfo{}
			}
			return out, nil
		})

	type tabOutput struct {
		Body cdp.TabInfo
	}
	huma.Register(api, huma.Operation{OperationID: "activate-tab", Method: http.MethodPost, Path: "/api/v1/tabs/{target_id}/activate", Summary: "Make a tab the recording and replay target", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct {
			TargetID string `path:"target_id"`
		}) (*tabOutput, error) {
			info, err := svc.SelectTab(ctx, input.TargetID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &tabOutput{Body: info}, nil
		})

	// --- Settings ---

	type settingsOutput struct {
		Body settings.Settings
	}
	huma.Register(api, huma.Operation{OperationID: "get-settings", Method: http.MethodGet, Path: "/api/v1/settings", Summary: "Get the replay configuration", Tags: []string{"Settings"}},
		func(ctx context.Context, input *struct{}) (*settingsOutput, error) {
			st, err := svc.GetSettings(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			return &settingsOutput{Body: st}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "put-settings", Method: http.MethodPut, Path: "/api/v1/settings", Summary: "Replace the replay configuration", Tags: []string{"Settings"}},
		func(ctx context.Context, input *struct {
			Body settings.Settings
		}) (*settingsOutput, error) {
			st, err := svc.UpdateSettings(ctx, input.Body)
			if err != nil {
				return nil, mapErr(err)
			}
			return &settingsOutput{Body: st}, nil
		})

	// --- Artifact endpoints ---

	type listArtifactsOutput struct {
		Body struct {
			Artifacts []artifact.Artifact `json:"artifacts"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-artifacts", Method: http.MethodGet, Path: "/api/v1/artifacts", Summary: "List screenshot artifacts", Tags: []string{"Artifacts"}},
		func(ctx context.Context, input *struct {
			RunID string `query:"run_id" doc:"Only artifacts of this replay run, ordered by step"`
		}) (*listArtifactsOutput, error) {
			metas, err := svc.ListArtifacts(ctx, input.RunID)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &listArtifactsOutput{}
			out.Body.Artifacts = metas
			if out.Body.Artifacts == nil {
				out.Body.Artifacts = []artifact.Artifact{}
			}
			return out, nil
		})

	type artifactIDInput struct {
		ArtifactID string `path:"artifact_id"`
	}
	type getArtifactOutput struct {
		Body artifact.Artifact
	}
	huma.Register(api, huma.Operation{OperationID: "get-artifact", Method: http.MethodGet, Path: "/api/v1/artifacts/{artifact_id}", Summary: "Get artifact metadata", Tags: []string{"Artifacts"}},
		func(ctx context.Context, input *artifactIDInput) (*getArtifactOutput, error) {
			meta, err := svc.GetArtifact(ctx, input.ArtifactID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &getArtifactOutput{Body: meta}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "delete-artifact", Method: http.MethodDelete, Path: "/api/v1/artifacts/{artifact_id}", Summary: "Delete an artifact", Tags: []string{"Artifacts"}},
		func(ctx context.Context, input *artifactIDInput) (*statusOutput, error) {
			if err := svc.DeleteArtifact(ctx, input.ArtifactID); err != nil {
				return nil, mapErr(err)
			}
			return newStatus("deleted"), nil
		})

	type artifactImageOutput struct {
		ContentType string `header:"Content-Type"`
		Body        []byte
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-artifact-image",
		Method:      http.MethodGet,
		Path:        "/api/v1/artifacts/{artifact_id}/image",
		Summary:     "Get artifact image",
		Tags:        []string{"Artifacts"},
		Responses: map[string]*huma.Response{
			"200": {
				Description: "Artifact image",
				Content: map[string]*huma.MediaType{
					"image/png": {
						Schema: &huma.Schema{Type: "string", Format: "binary"},
					},
				},
			},
		},
	}, func(ctx context.Context, input *artifactIDInput) (*artifactImageOutput, error) {
		data, format, err := svc.ReadArtifactImage(ctx, input.ArtifactID)
		if err != nil {
			return nil, mapErr(err)
		}
		ct := "image/png"
		if format == "jpeg" {
			ct = "image/jpeg"
		}
		return &artifactImageOutput{ContentType: ct, Body: data}, nil
	})
}
