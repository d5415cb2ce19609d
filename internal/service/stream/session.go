// Package stream implements the per-connection session and batch state machine.
//
// A Session is owned by exactly one connection worker. Every inbound message goes
// through Dispatch, which applies the transition, calls the collaborators and returns
// the events to send back, in order.
package stream

import (
	"context"
	"encoding/json"
	"time"

	"saltdetect/internal/apperr"
	"saltdetect/internal/config"
	"saltdetect/internal/dto"
	"saltdetect/internal/logger"
	"saltdetect/internal/metrics"
	"saltdetect/internal/model"
	"saltdetect/internal/repository"
	"saltdetect/internal/service/ai"
	"saltdetect/internal/service/roi"
)

// State of a connection.
type State int

const (
	Idle State = iota
	Streaming
	BatchActive
)

func (s State) String() string {
	switch s {
	case Streaming:
		return "streaming"
	case BatchActive:
		return "batch_active"
	}
	return "idle"
}

const (
	defaultHistoryLimit = 10
	maxHistoryLimit     = 100
)

// Detector runs a frame through the inference pipeline.
type Detector interface {
	Ready() bool
	Detect(ctx context.Context, data []byte, confidence float64) (*ai.Result, error)
}

// EvidenceSink receives frames that showed impure crystals inside the ROI.
type EvidenceSink interface {
	AddFrame(sessionID string, batchNumber, impureCount int, data []byte)
}

// Deps are the collaborators shared by every connection.
type Deps struct {
	Detector   Detector
	Sessions   repository.SessionRepository
	Batches    repository.BatchRepository
	Detections repository.DetectionRepository
	Evidence   EvidenceSink // optional
	Logger     *logger.Logger
	Metrics    *metrics.Metrics
}

// Session is the state of one connection.
type Session struct {
	deps     Deps
	state    State
	settings dto.StreamSettings
}

// NewSession returns an idle session with default settings.
func NewSession(config *config.Config, deps Deps) *Session {
	return &Session{
		deps: deps,
		settings: dto.StreamSettings{
			ROI:                 model.DefaultROI(),
			SaveDetections:      true,
			ConfidenceThreshold: config.ConfidenceThreshold,
		},
	}
}

// State returns the current state.
func (s *Session) State() State {
	return s.state
}

// Settings returns a copy of the current settings.
func (s *Session) Settings() dto.StreamSettings {
	return s.settings
}

// Hello is the event sent when the connection opens.
func (s *Session) Hello() dto.Outbound {
	return dto.Outbound{
		Event: dto.EventConnectionStatus,
		Data:  dto.ConnectionStatus{Connected: true, ModelLoaded: s.deps.Detector.Ready()},
	}
}

// Dispatch handles one inbound message. Errors never escape: they become error events.
func (s *Session) Dispatch(ctx context.Context, msg dto.Inbound) []dto.Outbound {
	var (
		events []dto.Outbound
		err    error
	)

	switch msg.Event {
	case dto.EventStartStream:
		var req dto.StartStreamRequest
		if err = decode(msg.Data, &req); err == nil {
			events, err = s.startStream(ctx, req)
		}
	case dto.EventStopStream:
		events, err = s.stopStream(ctx)
	case dto.EventStartBatch:
		var req dto.StartBatchRequest
		if err = decode(msg.Data, &req); err == nil {
			events, err = s.startBatch(ctx, req)
		}
	case dto.EventEndBatch:
		events, err = s.endBatch(ctx)
	case dto.EventUpdateROI:
		var req dto.UpdateROIRequest
		if err = decode(msg.Data, &req); err == nil {
			events, err = s.updateROI(req)
		}
	case dto.EventUpdateSettings:
		var req dto.UpdateSettingsRequest
		if err = decode(msg.Data, &req); err == nil {
			events, err = s.updateSettings(req)
		}
	case dto.EventFrame:
		var req dto.FrameRequest
		if err = decode(msg.Data, &req); err == nil {
			events, err = s.frame(ctx, req)
		}
	case dto.EventGetBatchHistory:
		var req dto.BatchHistoryRequest
		if err = decode(msg.Data, &req); err == nil {
			events, err = s.batchHistory(ctx, req)
		}
	default:
		err = apperr.Wrapf(apperr.ErrUnknownEvent, "event %q", msg.Event)
	}

	if err != nil {
		events = append(events, s.errorEvent(msg.Event, err))
	}
	return events
}

// Close ends the stream on disconnect. Failures are logged since nobody is left to tell.
func (s *Session) Close(ctx context.Context) {
	if s.state == Idle {
		return
	}
	if _, err := s.stopStream(ctx); err != nil {
		s.deps.Logger.Error("Cleanup of session %s failed: %v", s.settings.SessionID, err)
	}
}

func (s *Session) errorEvent(event string, err error) dto.Outbound {
	code := apperr.Code(err)
	s.deps.Metrics.MessageError(code)
	if code == apperr.CodePersistence || code == apperr.CodeFrameProcessing {
		s.deps.Logger.Error("%s failed: %v", event, err)
	} else {
		s.deps.Logger.Warning("%s rejected: %v", event, err)
	}
	return dto.NewError(code, err.Error())
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apperr.Mark(apperr.Wrap(err, "decode payload"), apperr.ErrInvalidMessage)
	}
	return nil
}

func (s *Session) requireSession() error {
	if s.state == Idle {
		return apperr.ErrNoActiveSession
	}
	return nil
}

func (s *Session) startStream(ctx context.Context, req dto.StartStreamRequest) ([]dto.Outbound, error) {
	if req.ROI != nil {
		if err := validateROI(*req.ROI); err != nil {
			return nil, err
		}
	}

	var existing *model.Session
	if req.SessionID != "" {
		found, err := s.deps.Sessions.GetByID(ctx, req.SessionID)
		if err != nil {
			return nil, err
		}
		if found == nil {
			return nil, apperr.Wrapf(apperr.ErrSessionNotFound, "session %s", req.SessionID)
		}
		existing = found
	}

	var events []dto.Outbound
	if s.state != Idle {
		stopped, err := s.stopStream(ctx)
		events = append(events, stopped...)
		if err != nil {
			return events, err
		}
	}

	// A resumed session may have been closed by an earlier stop or disconnect,
	// including the stop just above.
	if existing != nil {
		if err := s.deps.Sessions.Reopen(ctx, existing.ID); err != nil {
			return events, err
		}
	}

	roi := model.DefaultROI()
	if existing != nil {
		roi = existing.ROI
	}
	if req.ROI != nil {
		roi = *req.ROI
	}

	sessionID := req.SessionID
	if existing == nil {
		created, err := s.deps.Sessions.Create(ctx, req.CameraSource, roi)
		if err != nil {
			return events, err
		}
		sessionID = created.ID
	}

	s.state = Streaming
	s.settings.SessionID = sessionID
	s.settings.CameraSource = req.CameraSource
	s.settings.BatchID = ""
	s.settings.BatchNumber = 0
	s.settings.ROI = roi
	s.deps.Metrics.SessionStarted()
	s.deps.Logger.Info("Stream started, session %s", sessionID)

	return append(events, dto.Outbound{
		Event: dto.EventStreamStarted,
		Data:  dto.StreamStarted{SessionID: sessionID, ROI: roi},
	}), nil
}

func (s *Session) stopStream(ctx context.Context) ([]dto.Outbound, error) {
	if s.state == Idle {
		return []dto.Outbound{{Event: dto.EventStreamStopped, Data: dto.StreamStopped{}}}, nil
	}

	var events []dto.Outbound
	if s.state == BatchActive {
		ended, err := s.endBatch(ctx)
		events = append(events, ended...)
		if err != nil {
			return events, err
		}
	}

	sessionID := s.settings.SessionID
	summary, err := s.deps.Sessions.Close(ctx, sessionID)

	// The connection leaves the session even if closing it failed.
	s.state = Idle
	s.settings.SessionID = ""
	s.settings.BatchID = ""
	s.settings.BatchNumber = 0
	s.deps.Metrics.SessionEnded()

	if err != nil {
		return events, err
	}

	s.deps.Logger.Info("Stream stopped, session %s: %d frames, %.1f%% purity, %d batches",
		sessionID, summary.TotalFrames, summary.AvgPurity, summary.TotalBatches)

	return append(events, dto.Outbound{
		Event: dto.EventStreamStopped,
		Data:  dto.StreamStopped{SessionID: sessionID, Summary: summary},
	}), nil
}

func (s *Session) startBatch(ctx context.Context, req dto.StartBatchRequest) ([]dto.Outbound, error) {
	if err := s.requireSession(); err != nil {
		return nil, err
	}

	roi := s.settings.ROI
	if req.ROI != nil {
		if err := validateROI(*req.ROI); err != nil {
			return nil, err
		}
		roi = *req.ROI
	}

	var events []dto.Outbound
	if s.state == BatchActive {
		ended, err := s.endBatch(ctx)
		events = append(events, ended...)
		if err != nil {
			return events, err
		}
	}

	batch, err := s.deps.Batches.Create(ctx, s.settings.SessionID, roi)
	if err != nil {
		return events, err
	}

	s.state = BatchActive
	s.settings.BatchID = batch.ID
	s.settings.BatchNumber = batch.BatchNumber
	s.settings.ROI = roi
	s.deps.Logger.Info("Batch %d started in session %s", batch.BatchNumber, s.settings.SessionID)

	return append(events, dto.Outbound{
		Event: dto.EventBatchStarted,
		Data:  dto.BatchStarted{BatchID: batch.ID, BatchNumber: batch.BatchNumber, ROI: roi},
	}), nil
}

func (s *Session) endBatch(ctx context.Context) ([]dto.Outbound, error) {
	if s.state != BatchActive {
		return nil, apperr.ErrNoActiveBatch
	}

	batch, err := s.deps.Batches.Close(ctx, s.settings.BatchID)

	// A batch that failed to close is not resumed.
	s.state = Streaming
	s.settings.BatchID = ""

	if err != nil {
		return nil, err
	}

	s.deps.Logger.Info("Batch %d ended after %d frames", batch.BatchNumber, batch.FrameCount)
	return []dto.Outbound{{Event: dto.EventBatchEnded, Data: batch}}, nil
}

func (s *Session) updateROI(req dto.UpdateROIRequest) ([]dto.Outbound, error) {
	if req.ROI == nil {
		return nil, apperr.Wrap(apperr.ErrInvalidROI, "roi is required")
	}
	if err := validateROI(*req.ROI); err != nil {
		return nil, err
	}

	s.settings.ROI = *req.ROI
	return []dto.Outbound{{Event: dto.EventROIUpdated, Data: dto.ROIUpdated{ROI: s.settings.ROI}}}, nil
}

func (s *Session) updateSettings(req dto.UpdateSettingsRequest) ([]dto.Outbound, error) {
	if t := req.ConfidenceThreshold; t != nil && (*t < 0 || *t > 1) {
		return nil, apperr.Wrapf(apperr.ErrInvalidSettings, "confidence threshold %v outside [0,1]", *t)
	}

	if req.SaveDetections != nil {
		s.settings.SaveDetections = *req.SaveDetections
	}
	if req.ConfidenceThreshold != nil {
		s.settings.ConfidenceThreshold = *req.ConfidenceThreshold
	}
	return []dto.Outbound{{Event: dto.EventSettingsUpdated, Data: s.settings}}, nil
}

func (s *Session) batchHistory(ctx context.Context, req dto.BatchHistoryRequest) ([]dto.Outbound, error) {
	if err := s.requireSession(); err != nil {
		return nil, err
	}

	limit := req.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	limit = min(limit, maxHistoryLimit)

	batches, err := s.deps.Batches.GetRecentBySession(ctx, s.settings.SessionID, limit)
	if err != nil {
		return nil, err
	}
	return []dto.Outbound{{Event: dto.EventBatchHistory, Data: dto.BatchHistory{Batches: batches}}}, nil
}

func (s *Session) frame(ctx context.Context, req dto.FrameRequest) ([]dto.Outbound, error) {
	if err := s.requireSession(); err != nil {
		return nil, err
	}

	data, err := ai.DecodePayload(req.Data)
	if err != nil {
		return nil, err
	}

	res, err := s.deps.Detector.Detect(ctx, data, s.settings.ConfidenceThreshold)
	if err != nil {
		return nil, err
	}

	roiStats := markROI(res.Boxes, s.settings.ROI)
	whiteness := ai.AggregateStats(res.Boxes)
	roiWhiteness := ai.ROIAggregateStats(res.Boxes)

	result := dto.DetectionResult{
		FrameID:          res.FrameID,
		Timestamp:        res.Timestamp.UnixMilli(),
		ProcessingTimeMs: res.ProcessingTimeMs,
		FrameWidth:       res.Frame.Width,
		FrameHeight:      res.Frame.Height,
		BoundingBoxes:    res.Boxes,

		PureCount:        res.Counts.Pure,
		ImpureCount:      res.Counts.Impure,
		UnwantedCount:    res.Counts.Unwanted,
		TotalCount:       res.Counts.Total,
		PurityPercentage: res.PurityPercentage,

		ROIPureCount:        roiStats.Pure,
		ROIImpureCount:      roiStats.Impure,
		ROIUnwantedCount:    roiStats.Unwanted,
		ROITotalCount:       roiStats.Total,
		ROIPurityPercentage: roiStats.PurityPercentage,
		ROI:                 s.settings.ROI,

		AvgWhiteness:       whiteness.AvgWhiteness,
		AvgQualityScore:    whiteness.AvgQualityScore,
		ROIAvgWhiteness:    roiWhiteness.AvgWhiteness,
		ROIAvgQualityScore: roiWhiteness.AvgQualityScore,
	}
	if s.state == BatchActive {
		batchID, batchNumber := s.settings.BatchID, s.settings.BatchNumber
		result.CurrentBatchID = &batchID
		result.CurrentBatchNumber = &batchNumber
	}

	events := []dto.Outbound{{Event: dto.EventDetectionResult, Data: result}}

	if s.state == BatchActive && s.settings.SaveDetections {
		batch, err := s.record(ctx, res, roiStats, whiteness, roiWhiteness)
		if err != nil {
			return events, err
		}
		events = append(events, dto.Outbound{Event: dto.EventBatchStatsUpdated, Data: batch})
	}

	s.deps.Metrics.FrameProcessed(time.Duration(res.ProcessingTimeMs * float64(time.Millisecond)))
	return events, nil
}

// record persists a frame inside the active batch and returns the updated batch.
func (s *Session) record(ctx context.Context, res *ai.Result, roiStats roi.Stats, whiteness, roiWhiteness model.WhitenessStats) (*model.Batch, error) {
	rec := &model.DetectionRecord{
		SessionID:           s.settings.SessionID,
		BatchID:             s.settings.BatchID,
		Timestamp:           res.Timestamp,
		FrameWidth:          res.Frame.Width,
		FrameHeight:         res.Frame.Height,
		ProcessingTimeMs:    res.ProcessingTimeMs,
		Counts:              res.Counts,
		PurityPercentage:    res.PurityPercentage,
		ROICounts:           roiStats.Counts,
		ROIPurityPercentage: roiStats.PurityPercentage,
		AvgWhiteness:        whiteness.AvgWhiteness,
		AvgQualityScore:     whiteness.AvgQualityScore,
		ROIAvgWhiteness:     roiWhiteness.AvgWhiteness,
		ROIAvgQualityScore:  roiWhiteness.AvgQualityScore,
		BoundingBoxes:       res.Boxes,
	}
	snapshot := model.Snapshot{Counts: roiStats.Counts}
	if roiStats.Total > 0 {
		snapshot.AvgWhiteness = &roiWhiteness.AvgWhiteness
		snapshot.AvgQualityScore = &roiWhiteness.AvgQualityScore
	}
	batch, err := s.deps.Detections.RecordFrame(ctx, rec, snapshot)
	if err != nil {
		return nil, err
	}

	if roiStats.Impure > 0 && s.deps.Evidence != nil {
		s.deps.Evidence.AddFrame(s.settings.SessionID, s.settings.BatchNumber, roiStats.Impure, res.Frame.Data)
	}
	return batch, nil
}
