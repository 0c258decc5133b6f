package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dgnsrekt/webreplay/internal/actionlog"
	"github.com/dgnsrekt/webreplay/internal/artifact"
	"github.com/dgnsrekt/webreplay/internal/cdp"
	"github.com/dgnsrekt/webreplay/internal/config"
	"github.com/dgnsrekt/webreplay/internal/diag"
	"github.com/dgnsrekt/webreplay/internal/page"
	"github.com/dgnsrekt/webreplay/internal/recorder"
	"github.com/dgnsrekt/webreplay/internal/recordings"
	"github.com/dgnsrekt/webreplay/internal/replay"
	"github.com/dgnsrekt/webreplay/internal/settings"
)

// maxRuns bounds how many finished replay runs are kept for status queries.
const maxRuns = 50

// Browser is the part of the CDP client the service drives.
type Browser interface {
	ActiveTarget() (page.Target, error)
	ListTabs(ctx context.Context) ([]cdp.TabInfo, error)
	SelectTab(ctx context.Context, targetID string) (cdp.TabInfo, error)
	Version(ctx context.Context) (cdp.BrowserVersion, error)
}

// Deps are the collaborators of a Service. Reporter and Logger are
// optional.
type Deps struct {
	Browser    Browser
	Shots      replay.Requester
	Artifacts  *artifact.Store
	Recordings *recordings.Store
	Settings   *settings.Store
	Reporter   diag.Reporter
	Engine     config.Engine
	Logger     *slog.Logger
}

// RecordingStatus describes the recorder.
type RecordingStatus struct {
	State           string    `json:"state"`
	Actions         int       `json:"actions"`
	TargetID        string    `json:"target_id,omitempty"`
	StartedAt       time.Time `json:"started_at,omitempty"`
	LastRecordingID string    `json:"last_recording_id,omitempty"`
}

// StopResult is the finalized log of a recording and where it was stored.
type StopResult struct {
	Recording recordings.Meta    `json:"recording"`
	Actions   []actionlog.Action `json:"actions"`
}

// ReplayRequest names the log to replay: a stored recording or an inline
// document, exactly one of them.
type ReplayRequest struct {
	RecordingID string
	Document    []byte
}

// RunStatus is a snapshot of a replay run.
type RunStatus struct {
	replay.Summary
	RecordingID string `json:"recording_id,omitempty"`
	TargetID    string `json:"target_id,omitempty"`
}

type run struct {
	status RunStatus
	cancel context.CancelFunc
}

// Service orchestrates recording, replay and the stores behind the control
// API.
type Service struct {
	deps   Deps
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	now    func() time.Time

	mu         sync.Mutex
	rec        *recorder.Recorder
	recTarget  string
	recStarted time.Time
	lastRecID  string
	runs       map[string]*run
	runOrder   []string
	activeRun  string
	wg         sync.WaitGroup
}

func NewService(deps Deps) *Service {
	if deps.Reporter == nil {
		deps.Reporter = diag.Discard
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		deps:   deps,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		now:    time.Now,
		runs:   make(map[string]*run),
	}
}

func (s *Service) requireNonEmpty(value, fieldName string) error {
	if strings.TrimSpace(value) == "" {
		return &cdp.CodedError{Code: cdp.CodeValidation, Message: fieldName + " is required"}
	}
	return nil
}

func (s *Service) loadSettings() (settings.Settings, error) {
	if s.deps.Settings == nil {
		return settings.Defaults(), nil
	}
	st, err := s.deps.Settings.Load()
	if err != nil {
		return settings.Settings{}, &cdp.CodedError{Code: cdp.CodeParse, Message: "load settings", Cause: err}
	}
	return st, nil
}

// StartRecording begins capturing on the active tab.
func (s *Service) StartRecording(ctx context.Context) (RecordingStatus, error) {
	st, err := s.loadSettings()
	if err != nil {
		return RecordingStatus{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec != nil && s.rec.State() == recorder.Recording {
		return RecordingStatus{}, &cdp.CodedError{Code: cdp.CodeBusy, Message: "recording already in progress"}
	}
	if s.activeRun != "" {
		return RecordingStatus{}, &cdp.CodedError{Code: cdp.CodeBusy, Message: "replay " + s.activeRun + " is running"}
	}
	if s.deps.Browser == nil {
		return RecordingStatus{}, &cdp.CodedError{Code: cdp.CodeCDPUnavailable, Message: "browser not connected"}
	}
	target, err := s.deps.Browser.ActiveTarget()
	if err != nil {
		return RecordingStatus{}, err
	}

	rec := recorder.New(target, recorder.Options{
		ClickNavigationDelay: s.deps.Engine.ClickNavDelay(),
		ScrollDebounce:       s.deps.Engine.ScrollDebounce(),
		RecordInputs:         s.deps.Engine.RecordInputs,
		Locator:              st.LocatorOptions(),
	}, s.logger)
	// The capture session outlives the request; it ends on stop or shutdown.
	if err := rec.Start(s.ctx); err != nil {
		return RecordingStatus{}, &cdp.CodedError{Code: cdp.CodeEvalFailure, Message: "start recording", Cause: err}
	}
	s.rec = rec
	s.recTarget = target.TargetID()
	s.recStarted = s.now().UTC()
	s.deps.Reporter.Report(diag.Event{Kind: diag.RecordingStarted, Target: s.recTarget, Message: "recording started"})
	return s.recordingStatusLocked(), nil
}

// StopRecording finalizes the log and stores it as a recording.
func (s *Service) StopRecording(ctx context.Context, name string) (StopResult, error) {
	s.mu.Lock()
	rec := s.rec
	s.mu.Unlock()
	if rec == nil || rec.State() != recorder.Recording {
		return StopResult{}, &cdp.CodedError{Code: cdp.CodeValidation, Message: "no recording in progress"}
	}

	log := rec.Stop()
	if log == nil {
		return StopResult{}, &cdp.CodedError{Code: cdp.CodeValidation, Message: "no recording in progress"}
	}
	actions := log.Actions()

	name = strings.TrimSpace(name)
	if name == "" {
		name = "recording " + s.now().UTC().Format(time.RFC3339)
	}
	meta, err := s.deps.Recordings.Save(name, actions)
	if err != nil {
		return StopResult{}, &cdp.CodedError{Code: cdp.CodeEvalFailure, Message: "save recording", Cause: err}
	}

	s.mu.Lock()
	s.lastRecID = meta.ID
	s.mu.Unlock()
	s.deps.Reporter.Report(diag.Event{
		Kind:    diag.RecordingStopped,
		Message: fmt.Sprintf("recording %s stopped with %d actions", meta.ID, len(actions)),
	})
	return StopResult{Recording: meta, Actions: actions}, nil
}

func (s *Service) RecordingStatus() RecordingStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordingStatusLocked()
}

func (s *Service) recordingStatusLocked() RecordingStatus {
	out := RecordingStatus{State: recorder.Idle.String(), LastRecordingID: s.lastRecID}
	if s.rec == nil {
		return out
	}
	out.State = s.rec.State().String()
	out.Actions = s.rec.Len()
	if s.rec.State() == recorder.Recording {
		out.TargetID = s.recTarget
		out.StartedAt = s.recStarted
	}
	return out
}

func (s *Service) ListRecordings(ctx context.Context) ([]recordings.Meta, error) {
	return s.deps.Recordings.List()
}

func (s *Service) GetRecording(ctx context.Context, id string) (recordings.Meta, []actionlog.Action, error) {
	if err := s.requireNonEmpty(id, "recording_id"); err != nil {
		return recordings.Meta{}, nil, err
	}
	meta, actions, err := s.deps.Recordings.Get(strings.TrimSpace(id))
	if err != nil {
		return recordings.Meta{}, nil, mapStoreErr(err, "recording")
	}
	return meta, actions, nil
}

// ImportRecording validates and stores an externally produced log.
func (s *Service) ImportRecording(ctx context.Context, name string, doc []byte) (recordings.Meta, error) {
	if len(doc) == 0 {
		return recordings.Meta{}, &cdp.CodedError{Code: cdp.CodeValidation, Message: "document is required"}
	}
	meta, err := s.deps.Recordings.Import(name, doc)
	if err != nil {
		var perr *actionlog.ParseError
		if errors.As(err, &perr) {
			return recordings.Meta{}, &cdp.CodedError{Code: cdp.CodeParse, Message: perr.Error(), Cause: err}
		}
		return recordings.Meta{}, &cdp.CodedError{Code: cdp.CodeEvalFailure, Message: "import recording", Cause: err}
	}
	return meta, nil
}

func (s *Service) DeleteRecording(ctx context.Context, id string) error {
	if err := s.requireNonEmpty(id, "recording_id"); err != nil {
		return err
	}
	if err := s.deps.Recordings.Delete(strings.TrimSpace(id)); err != nil {
		return mapStoreErr(err, "recording")
	}
	return nil
}

// RecordingScript renders a stored recording as a reproduction script.
func (s *Service) RecordingScript(ctx context.Context, id, format, baseURL string) (string, error) {
	meta, actions, err := s.GetRecording(ctx, id)
	if err != nil {
		return "", err
	}
	f := actionlog.ScriptFormat(strings.ToLower(strings.TrimSpace(format)))
	out, err := actionlog.Script(actions, f, actionlog.ScriptOptions{
		Title:       meta.Name,
		BaseURL:     strings.TrimSpace(baseURL),
		Screenshots: true,
	})
	if err != nil {
		return "", &cdp.CodedError{Code: cdp.CodeValidation, Message: err.Error()}
	}
	return out, nil
}

// StartReplay begins replaying a log on the active tab and returns the new
// run. Only one run may be active at a time.
func (s *Service) StartReplay(ctx context.Context, req ReplayRequest) (RunStatus, error) {
	hasID := strings.TrimSpace(req.RecordingID) != ""
	if hasID == (len(req.Document) > 0) {
		return RunStatus{}, &cdp.CodedError{Code: cdp.CodeValidation, Message: "exactly one of recording_id or document is required"}
	}

	var actions []actionlog.Action
	if hasID {
		var err error
		if _, actions, err = s.GetRecording(ctx, req.RecordingID); err != nil {
			return RunStatus{}, err
		}
	} else {
		var err error
		if actions, err = actionlog.Unmarshal(req.Document); err != nil {
			return RunStatus{}, &cdp.CodedError{Code: cdp.CodeParse, Message: err.Error(), Cause: err}
		}
	}
	if len(actions) == 0 {
		return RunStatus{}, &cdp.CodedError{Code: cdp.CodeValidation, Message: "action log is empty"}
	}

	st, err := s.loadSettings()
	if err != nil {
		return RunStatus{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeRun != "" {
		return RunStatus{}, &cdp.CodedError{Code: cdp.CodeBusy, Message: "replay " + s.activeRun + " is running"}
	}
	if s.rec != nil && s.rec.State() == recorder.Recording {
		return RunStatus{}, &cdp.CodedError{Code: cdp.CodeBusy, Message: "recording in progress"}
	}
	if s.deps.Browser == nil {
		return RunStatus{}, &cdp.CodedError{Code: cdp.CodeCDPUnavailable, Message: "browser not connected"}
	}
	target, err := s.deps.Browser.ActiveTarget()
	if err != nil {
		return RunStatus{}, err
	}

	runID := uuid.New().String()
	runCtx, cancel := context.WithCancel(s.ctx)
	r := &run{
		status: RunStatus{
			Summary: replay.Summary{
				RunID:     runID,
				State:     replay.StateRunning,
				Total:     len(actions),
				StartedAt: s.now().UTC(),
			},
			RecordingID: strings.TrimSpace(req.RecordingID),
			TargetID:    target.TargetID(),
		},
		cancel: cancel,
	}
	s.addRunLocked(r)
	s.activeRun = runID

	runner := replay.New(target, s.deps.Shots, replay.Options{
		Reporter: s.deps.Reporter,
		Logger:   s.logger,
		OnStep:   func(res replay.StepResult) { s.onStep(runID, res) },
	})
	cfg := replay.ConfigFrom(st)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		sum := runner.Run(runCtx, runID, actions, cfg)
		s.finishRun(runID, sum)
	}()

	s.logger.Info("replay run started", "run_id", runID, "actions", len(actions), "target_id", r.status.TargetID)
	return r.status, nil
}

func (s *Service) addRunLocked(r *run) {
	s.runs[r.status.RunID] = r
	s.runOrder = append(s.runOrder, r.status.RunID)
	for len(s.runOrder) > maxRuns {
		oldest := s.runOrder[0]
		if oldest == s.activeRun {
			break
		}
		delete(s.runs, oldest)
		s.runOrder = s.runOrder[1:]
	}
}

func (s *Service) onStep(runID string, res replay.StepResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return
	}
	sum := &r.status.Summary
	sum.Steps = append(sum.Steps, res)
	switch res.Outcome {
	case replay.OutcomeDone:
		sum.Done++
	case replay.OutcomeSkipped:
		sum.Skipped++
	case replay.OutcomeDegraded:
		sum.Degraded++
	}
}

func (s *Service) finishRun(runID string, sum replay.Summary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runs[runID]; ok {
		sum.StartedAt = r.status.StartedAt
		r.status.Summary = sum
	}
	if s.activeRun == runID {
		s.activeRun = ""
	}
	s.logger.Info("replay run finished", "run_id", runID, "done", sum.Done, "skipped", sum.Skipped, "degraded", sum.Degraded, "cancelled", sum.Cancelled)
}

// Replay returns a snapshot of a run.
func (s *Service) Replay(ctx context.Context, runID string) (RunStatus, error) {
	if err := s.requireNonEmpty(runID, "run_id"); err != nil {
		return RunStatus{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[strings.TrimSpace(runID)]
	if !ok {
		return RunStatus{}, &cdp.CodedError{Code: cdp.CodeNotFound, Message: "replay run not found: " + runID}
	}
	return snapshotRun(r), nil
}

// ListReplays returns known runs, newest first.
func (s *Service) ListReplays(ctx context.Context) []RunStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RunStatus, 0, len(s.runOrder))
	for i := len(s.runOrder) - 1; i >= 0; i-- {
		if r, ok := s.runs[s.runOrder[i]]; ok {
			st := snapshotRun(r)
			st.Steps = nil
			out = append(out, st)
		}
	}
	return out
}

// CancelReplay stops a running replay after its current step.
func (s *Service) CancelReplay(ctx context.Context, runID string) (RunStatus, error) {
	if err := s.requireNonEmpty(runID, "run_id"); err != nil {
		return RunStatus{}, err
	}
	s.mu.Lock()
	r, ok := s.runs[strings.TrimSpace(runID)]
	if ok && r.status.State == replay.StateRunning {
		r.cancel()
	}
	s.mu.Unlock()
	if !ok {
		return RunStatus{}, &cdp.CodedError{Code: cdp.CodeNotFound, Message: "replay run not found: " + runID}
	}
	return s.Replay(ctx, runID)
}

func snapshotRun(r *run) RunStatus {
	out := r.status
	out.Steps = append([]replay.StepResult(nil), r.status.Steps...)
	return out
}

func (s *Service) GetSettings(ctx context.Context) (settings.Settings, error) {
	return s.loadSettings()
}

func (s *Service) UpdateSettings(ctx context.Context, st settings.Settings) (settings.Settings, error) {
	if err := st.Validate(); err != nil {
		return settings.Settings{}, &cdp.CodedError{Code: cdp.CodeValidation, Message: err.Error()}
	}
	if err := s.deps.Settings.Save(st); err != nil {
		return settings.Settings{}, &cdp.CodedError{Code: cdp.CodeEvalFailure, Message: "save settings", Cause: err}
	}
	return st, nil
}

func (s *Service) ListArtifacts(ctx context.Context, runID string) ([]artifact.Artifact, error) {
	return s.deps.Artifacts.List(strings.TrimSpace(runID))
}

func (s *Service) GetArtifact(ctx context.Context, id string) (artifact.Artifact, error) {
	if err := s.requireNonEmpty(id, "artifact_id"); err != nil {
		return artifact.Artifact{}, err
	}
	meta, err := s.deps.Artifacts.Get(strings.TrimSpace(id))
	if err != nil {
		return artifact.Artifact{}, mapStoreErr(err, "artifact")
	}
	return meta, nil
}

func (s *Service) ReadArtifactImage(ctx context.Context, id string) ([]byte, string, error) {
	if err := s.requireNonEmpty(id, "artifact_id"); err != nil {
		return nil, "", err
	}
	data, format, err := s.deps.Artifacts.ReadImage(strings.TrimSpace(id))
	if err != nil {
		return nil, "", mapStoreErr(err, "artifact")
	}
	return data, format, nil
}

func (s *Service) DeleteArtifact(ctx context.Context, id string) error {
	if err := s.requireNonEmpty(id, "artifact_id"); err != nil {
		return err
	}
	if err := s.deps.Artifacts.Delete(strings.TrimSpace(id)); err != nil {
		return mapStoreErr(err, "artifact")
	}
	return nil
}

func (s *Service) ListTabs(ctx context.Context) ([]cdp.TabInfo, error) {
	if s.deps.Browser == nil {
		return nil, &cdp.CodedError{Code: cdp.CodeCDPUnavailable, Message: "browser not connected"}
	}
	return s.deps.Browser.ListTabs(ctx)
}

// SelectTab switches the active tab. Refused while recording or replaying.
func (s *Service) SelectTab(ctx context.Context, targetID string) (cdp.TabInfo, error) {
	if err := s.requireNonEmpty(targetID, "target_id"); err != nil {
		return cdp.TabInfo{}, err
	}
	if s.deps.Browser == nil {
		return cdp.TabInfo{}, &cdp.CodedError{Code: cdp.CodeCDPUnavailable, Message: "browser not connected"}
	}
	s.mu.Lock()
	busy := s.activeRun != "" || (s.rec != nil && s.rec.State() == recorder.Recording)
	s.mu.Unlock()
	if busy {
		return cdp.TabInfo{}, &cdp.CodedError{Code: cdp.CodeBusy, Message: "cannot switch tabs while recording or replaying"}
	}
	return s.deps.Browser.SelectTab(ctx, strings.TrimSpace(targetID))
}

func (s *Service) BrowserVersion(ctx context.Context) (cdp.BrowserVersion, error) {
	if s.deps.Browser == nil {
		return cdp.BrowserVersion{}, &cdp.CodedError{Code: cdp.CodeCDPUnavailable, Message: "browser not connected"}
	}
	return s.deps.Browser.Version(ctx)
}

// Close stops any recording and running replay and waits for them.
func (s *Service) Close() {
	s.mu.Lock()
	rec := s.rec
	s.mu.Unlock()
	if rec != nil && rec.State() == recorder.Recording {
		if _, err := s.StopRecording(context.Background(), ""); err != nil {
			s.logger.Warn("recording not saved on shutdown", "error", err)
		}
	}
	s.cancel()
	s.wg.Wait()
}

func mapStoreErr(err error, what string) error {
	switch {
	case errors.Is(err, recordings.ErrNotFound), errors.Is(err, artifact.ErrNotFound):
		return &cdp.CodedError{Code: cdp.CodeNotFound, Message: what + " not found", Cause: err}
	case errors.Is(err, recordings.ErrInvalidID), errors.Is(err, artifact.ErrInvalidID):
		return &cdp.CodedError{Code: cdp.CodeValidation, Message: "invalid " + what + " id", Cause: err}
	default:
		return &cdp.CodedError{Code: cdp.CodeEvalFailure, Message: what + " store failure", Cause: err}
	}
}
