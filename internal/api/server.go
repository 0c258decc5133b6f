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

	"github.com/dgnsrekt/webreplay/internal/actionlog"
	"github.com/dgnsrekt/webreplay/internal/artifact"
	"github.com/dgnsrekt/webreplay/internal/cdp"
	"github.com/dgnsrekt/webreplay/internal/controller"
	"github.com/dgnsrekt/webreplay/internal/diag"
	"github.com/dgnsrekt/webreplay/internal/recordings"
	"github.com/dgnsrekt/webreplay/internal/settings"
)

type Service interface {
	StartRecording(ctx context.Context) (controller.RecordingStatus, error)
	StopRecording(ctx context.Context, name string) (controller.StopResult, error)
	RecordingStatus() controller.RecordingStatus

	ListRecordings(ctx context.Context) ([]recordings.Meta, error)
	GetRecording(ctx context.Context, id string) (recordings.Meta, []actionlog.Action, error)
	ImportRecording(ctx context.Context, name string, doc []byte) (recordings.Meta, error)
	DeleteRecording(ctx context.Context, id string) error
	RecordingScript(ctx context.Context, id, format, baseURL string) (string, error)

	StartReplay(ctx context.Context, req controller.ReplayRequest) (controller.RunStatus, error)
	Replay(ctx context.Context, runID string) (controller.RunStatus, error)
	ListReplays(ctx context.Context) []controller.RunStatus
	CancelReplay(ctx context.Context, runID string) (controller.RunStatus, error)

	GetSettings(ctx context.Context) (settings.Settings, error)
	UpdateSettings(ctx context.Context, st settings.Settings) (settings.Settings, error)

	ListArtifacts(ctx context.Context, runID string) ([]artifact.Artifact, error)
	GetArtifact(ctx context.Context, id string) (artifact.Artifact, error)
	ReadArtifactImage(ctx context.Context, id string) ([]byte, string, error)
	DeleteArtifact(ctx context.Context, id string) error

	ListTabs(ctx context.Context) ([]cdp.TabInfo, error)
	SelectTab(ctx context.Context, targetID string) (cdp.TabInfo, error)
	BrowserVersion(ctx context.Context) (cdp.BrowserVersion, error)
}

type statusOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

func newStatus(status string) *statusOutput {
	out := &statusOutput{}
	out.Body.Status = status
	return out
}

// NewServer builds the control API. broker may be nil, in which case the
// diagnostics stream routes are not mounted.
func NewServer(svc Service, broker *diag.Broker) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("Web Replay Controller API", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(docsHTML)); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})

	if broker != nil {
		router.Get("/api/v1/diagnostics/stream", diag.SSEHandler(broker))
		router.Get("/api/v1/diagnostics/ws", diag.WSHandler(broker))
	}

	registerRecordingHandlers(api, svc)
	registerReplayHandlers(api, svc)
	registerMiscHandlers(api, svc)

	return router
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *cdp.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case cdp.CodeValidation:
			return huma.Error400BadRequest(coded.Message)
		case cdp.CodeParse:
			return huma.Error422UnprocessableEntity(coded.Message)
		case cdp.CodeNotFound, cdp.CodeTabNotFound:
			return huma.Error404NotFound(coded.Message)
		case cdp.CodeBusy:
			return huma.Error409Conflict(coded.Message)
		case cdp.CodeEvalTimeout:
			return huma.Error504GatewayTimeout(coded.Message)
		case cdp.CodeCDPUnavailable:
			return huma.Error502BadGateway(coded.Message)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	return huma.Error500InternalServerError(err.Error())
}
