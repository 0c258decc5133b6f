package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/webreplay/internal/controller"
)

type runIDInput struct {
	RunID string `path:"run_id"`
}

type runOutput struct {
	Body controller.RunStatus
}

func registerReplayHandlers(api huma.API, svc Service) {
	// --- Replay endpoints ---

	huma.Register(api, huma.Operation{
		OperationID:   "start-replay",
		Method:        http.MethodPost,
		Path:          "/api/v1/replays",
		Summary:       "Replay a stored recording or an inline action log",
		Description:   "Starts replaying on the active tab and returns immediately. Poll the run for progress. Only one run may be active.",
		Tags:          []string{"Replay"},
		DefaultStatus: http.StatusAccepted,
	}, func(ctx context.Context, input *struct {
		Body struct {
			RecordingID string `json:"recording_id,omitempty" doc:"Id of a stored recording"`
			Document    any    `json:"document,omitempty" doc:"Inline action log document"`
		}
	}) (*runOutput, error) {
		doc, err := encodeDocument(input.Body.Document)
		if err != nil {
			return nil, err
		}
		status, err := svc.StartReplay(ctx, controller.ReplayRequest{RecordingID: input.Body.RecordingID, Document: doc})
		if err != nil {
			return nil, mapErr(err)
		}
		return &runOutput{Body: status}, nil
	})

	type listRunsOutput struct {
		Body struct {
			Runs []controller.RunStatus `json:"runs"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-replays", Method: http.MethodGet, Path: "/api/v1/replays", Summary: "List replay runs", Tags: []string{"Replay"}},
		func(ctx context.Context, input *struct{}) (*listRunsOutput, error) {
			out := &listRunsOutput{}
			out.Body.Runs = svc.ListReplays(ctx)
			if out.Body.Runs == nil {
				out.Body.Runs = []controller.RunStatus{}
			}
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "get-replay", Method: http.MethodGet, Path: "/api/v1/replays/{run_id}", Summary: "Get replay run status and step results", Tags: []string{"Replay"}},
		func(ctx context.Context, input *runIDInput) (*runOutput, error) {
			status, err := svc.Replay(ctx, input.RunID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &runOutput{Body: status}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "cancel-replay", Method: http.MethodPost, Path: "/api/v1/replays/{run_id}/cancel", Summary: "Cancel a running replay after its current step", Tags: []string{"Replay"}},
		func(ctx context.Context, input *runIDInput) (*runOutput, error) {
			status, err := svc.CancelReplay(ctx, input.RunID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &runOutput{Body: status}, nil
		})
}
