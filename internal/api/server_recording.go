package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/webreplay/internal/actionlog"
	"github.com/dgnsrekt/webreplay/internal/controller"
	"github.com/dgnsrekt/webreplay/internal/recordings"
)

type recordingIDInput struct {
	RecordingID string `path:"recording_id"`
}

func registerRecordingHandlers(api huma.API, svc Service) {
	// --- Recorder endpoints ---

	type recordingStatusOutput struct {
		Body controller.RecordingStatus
	}
	huma.Register(api, huma.Operation{OperationID: "start-recording", Method: http.MethodPost, Path: "/api/v1/recording/start", Summary: "Start recording on the active tab", Tags: []string{"Recording"}},
		func(ctx context.Context, input *struct{}) (*recordingStatusOutput, error) {
			status, err := svc.StartRecording(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			return &recordingStatusOutput{Body: status}, nil
		})

	type stopRecordingOutput struct {
		Body controller.StopResult
	}
	huma.Register(api, huma.Operation{OperationID: "stop-recording", Method: http.MethodPost, Path: "/api/v1/recording/stop", Summary: "Stop recording and store the action log", Tags: []string{"Recording"}},
		func(ctx context.Context, input *struct {
			Body struct {
				Name string `json:"name,omitempty" doc:"Name for the stored recording"`
			} `required:"false"`
		}) (*stopRecordingOutput, error) {
			res, err := svc.StopRecording(ctx, input.Body.Name)
			if err != nil {
				return nil, mapErr(err)
			}
			if res.Actions == nil {
				res.Actions = []actionlog.Action{}
			}
			return &stopRecordingOutput{Body: res}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "recording-status", Method: http.MethodGet, Path: "/api/v1/recording/status", Summary: "Get recorder state", Tags: []string{"Recording"}},
		func(ctx context.Context, input *struct{}) (*recordingStatusOutput, error) {
			return &recordingStatusOutput{Body: svc.RecordingStatus()}, nil
		})

	// --- Stored recordings ---

	type listRecordingsOutput struct {
		Body struct {
			Recordings []recordings.Meta `json:"recordings"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-recordings", Method: http.MethodGet, Path: "/api/v1/recordings", Summary: "List stored recordings", Tags: []string{"Recordings"}},
		func(ctx context.Context, input *struct{}) (*listRecordingsOutput, error) {
			metas, err := svc.ListRecordings(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &listRecordingsOutput{}
			out.Body.Recordings = metas
			if out.Body.Recordings == nil {
				out.Body.Recordings = []recordings.Meta{}
			}
			return out, nil
		})

	type recordingMetaOutput struct {
		Body recordings.Meta
	}
	huma.Register(api, huma.Operation{OperationID: "import-recording", Method: http.MethodPost, Path: "/api/v1/recordings", Summary: "Import an action log document", Tags: []string{"Recordings"}},
		func(ctx context.Context, input *struct {
			Body struct {
				Name     string `json:"name,omitempty"`
				Document any    `json:"document" doc:"Action log: a bare array or a {version, actions} envelope"`
			}
		}) (*recordingMetaOutput, error) {
			doc, err := encodeDocument(input.Body.Document)
			if err != nil {
				return nil, err
			}
			meta, err := svc.ImportRecording(ctx, input.Body.Name, doc)
			if err != nil {
				return nil, mapErr(err)
			}
			return &recordingMetaOutput{Body: meta}, nil
		})

	type getRecordingOutput struct {
		Body struct {
			Recording recordings.Meta    `json:"recording"`
			Actions   []actionlog.Action `json:"actions"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "get-recording", Method: http.MethodGet, Path: "/api/v1/recordings/{recording_id}", Summary: "Get a stored recording", Tags: []string{"Recordings"}},
		func(ctx context.Context, input *recordingIDInput) (*getRecordingOutput, error) {
			meta, actions, err := svc.GetRecording(ctx, input.RecordingID)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &getRecordingOutput{}
			out.Body.Recording = meta
			out.Body.Actions = actions
			if out.Body.Actions == nil {
				out.Body.Actions = []actionlog.Action{}
			}
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "delete-recording", Method: http.MethodDelete, Path: "/api/v1/recordings/{recording_id}", Summary: "Delete a stored recording", Tags: []string{"Recordings"}},
		func(ctx context.Context, input *recordingIDInput) (*statusOutput, error) {
			if err := svc.DeleteRecording(ctx, input.RecordingID); err != nil {
				return nil, mapErr(err)
			}
			return newStatus("deleted"), nil
		})

	type scriptOutput struct {
		ContentType string `header:"Content-Type"`
		Body        []byte
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-recording-script",
		Method:      http.MethodGet,
		Path:        "/api/v1/recordings/{recording_id}/script",
		Summary:     "Export a recording as a reproduction script",
		Tags:        []string{"Recordings"},
		Responses: map[string]*huma.Response{
			"200": {
				Description: "Script source",
				Content: map[string]*huma.MediaType{
					"text/plain": {Schema: &huma.Schema{Type: "string"}},
				},
			},
		},
	}, func(ctx context.Context, input *struct {
		RecordingID string `path:"recording_id"`
		Format      string `query:"format" default:"steps" enum:"steps,playwright" doc:"Script flavour"`
		BaseURL     string `query:"base_url" doc:"Replace the origin of every navigation URL"`
	}) (*scriptOutput, error) {
		script, err := svc.RecordingScript(ctx, input.RecordingID, input.Format, input.BaseURL)
		if err != nil {
			return nil, mapErr(err)
		}
		return &scriptOutput{ContentType: "text/plain; charset=utf-8", Body: []byte(script)}, nil
	})
}

// encodeDocument turns a decoded JSON body member back into the document
// bytes the action log codec reads.
func encodeDocument(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	doc, err := json.Marshal(v)
	if err != nil {
		return nil, huma.Error400BadRequest("document is not valid JSON", err)
	}
	return doc, nil
}
