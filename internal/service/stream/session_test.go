package stream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"saltdetect/internal/apperr"
	"saltdetect/internal/config"
	"saltdetect/internal/dto"
	"saltdetect/internal/logger"
	"saltdetect/internal/model"
	"saltdetect/internal/repository/sqlite"
	"saltdetect/internal/service/ai"
)

// fakeDetector returns a queue of canned box sets, repeating the last one.
type fakeDetector struct {
	ready      bool
	frames     [][]model.Detection
	err        error
	thresholds []float64
}

func (d *fakeDetector) Ready() bool { return d.ready }

func (d *fakeDetector) Detect(ctx context.Context, data []byte, confidence float64) (*ai.Result, error) {
	d.thresholds = append(d.thresholds, confidence)
	if d.err != nil {
		return nil, d.err
	}
	var boxes []model.Detection
	if len(d.frames) > 0 {
		boxes = append(boxes, d.frames[0]...)
		if len(d.frames) > 1 {
			d.frames = d.frames[1:]
		}
	}
	counts := model.CountClasses(boxes)
	return &ai.Result{
		FrameID:          "frame-1",
		Timestamp:        time.Now(),
		Frame:            &ai.Frame{Width: 640, Height: 480, Data: data},
		Boxes:            boxes,
		Counts:           counts,
		PurityPercentage: counts.Purity(),
		ProcessingTimeMs: 5,
	}, nil
}

type fakeEvidence struct {
	frames int
	impure int
}

func (e *fakeEvidence) AddFrame(sessionID string, batchNumber, impureCount int, data []byte) {
	e.frames++
	e.impure += impureCount
}

// crystal returns a small box centred at (cx, cy).
func crystal(class int, cx, cy float64) model.Detection {
	w := 0.02
	return model.Detection{
		X: cx - w/2, Y: cy - w/2, Width: w, Height: w,
		ClassID: class, ClassName: model.ClassName(class), Confidence: 0.9, Color: model.ClassColor(class),
	}
}

func composition(pure, impure, unwanted int) []model.Detection {
	var boxes []model.Detection
	for i := 0; i < pure; i++ {
		boxes = append(boxes, crystal(model.ClassPure, 0.2+0.05*float64(i), 0.3))
	}
	for i := 0; i < impure; i++ {
		boxes = append(boxes, crystal(model.ClassImpure, 0.2+0.05*float64(i), 0.5))
	}
	for i := 0; i < unwanted; i++ {
		boxes = append(boxes, crystal(model.ClassUnwanted, 0.2+0.05*float64(i), 0.7))
	}
	return boxes
}

type harness struct {
	session  *Session
	detector *fakeDetector
	evidence *fakeEvidence
	db       *sqlite.DB
	sessions *sqlite.SessionRepository
	batches  *sqlite.BatchRepository
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := sqlite.New(filepath.Join(t.TempDir(), "stream.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	h := &harness{
		detector: &fakeDetector{ready: true},
		evidence: &fakeEvidence{},
		db:       db,
		sessions: sqlite.NewSessionRepository(db),
		batches:  sqlite.NewBatchRepository(db),
	}
	h.session = NewSession(&config.Config{ConfidenceThreshold: 0.5}, Deps{
		Detector:   h.detector,
		Sessions:   h.sessions,
		Batches:    h.batches,
		Detections: sqlite.NewDetectionRepository(db),
		Evidence:   h.evidence,
		Logger:     logger.NewNop(),
	})
	return h
}

func (h *harness) send(t *testing.T, event string, data any) []dto.Outbound {
	t.Helper()
	msg := dto.Inbound{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		require.NoError(t, err)
		msg.Data = raw
	}
	return h.session.Dispatch(context.Background(), msg)
}

func (h *harness) sendFrame(t *testing.T) []dto.Outbound {
	t.Helper()
	return h.send(t, dto.EventFrame, dto.FrameRequest{
		Data:      base64.StdEncoding.EncodeToString([]byte("jpeg bytes")),
		Timestamp: time.Now().UnixMilli(),
	})
}

func eventNames(events []dto.Outbound) []string {
	names := make([]string, len(events))
	for i, e := range events {
		names[i] = e.Event
	}
	return names
}

func errorCode(t *testing.T, e dto.Outbound) string {
	t.Helper()
	require.Equal(t, dto.EventError, e.Event)
	payload, ok := e.Data.(dto.ErrorPayload)
	require.True(t, ok)
	return payload.Code
}

func TestSession_Scenario(t *testing.T) {
	h := newHarness(t)

	events := h.send(t, dto.EventStartStream, nil)
	require.Equal(t, []string{dto.EventStreamStarted}, eventNames(events))
	started := events[0].Data.(dto.StreamStarted)
	assert.NotEmpty(t, started.SessionID)
	assert.Equal(t, model.DefaultROI(), started.ROI)
	assert.Equal(t, Streaming, h.session.State())

	events = h.send(t, dto.EventStartBatch, nil)
	require.Equal(t, []string{dto.EventBatchStarted}, eventNames(events))
	batchStarted := events[0].Data.(dto.BatchStarted)
	assert.Equal(t, 1, batchStarted.BatchNumber)
	assert.Equal(t, BatchActive, h.session.State())

	// One crystal of each class outside the ROI must not count
	boxes := composition(4, 1, 0)
	boxes = append(boxes, crystal(model.ClassImpure, 0.01, 0.01), crystal(model.ClassPure, 0.99, 0.99))
	h.detector.frames = [][]model.Detection{boxes}

	events = h.sendFrame(t)
	require.Equal(t, []string{dto.EventDetectionResult, dto.EventBatchStatsUpdated}, eventNames(events))

	result := events[0].Data.(dto.DetectionResult)
	assert.Equal(t, 4, result.ROIPureCount)
	assert.Equal(t, 1, result.ROIImpureCount)
	assert.Equal(t, 5, result.ROITotalCount)
	assert.InDelta(t, 80.0, result.ROIPurityPercentage, 1e-9)
	assert.Equal(t, 7, result.TotalCount)
	require.NotNil(t, result.CurrentBatchID)
	assert.Equal(t, batchStarted.BatchID, *result.CurrentBatchID)
	assert.Equal(t, 1, *result.CurrentBatchNumber)
	for _, b := range result.BoundingBoxes {
		assert.NotNil(t, b.InsideROI)
	}

	snapshot := events[1].Data.(*model.Batch)
	assert.Equal(t, 4, snapshot.PureCount)
	assert.Equal(t, 1, snapshot.ImpureCount)
	assert.InDelta(t, 80.0, snapshot.PurityPercentage, 1e-9)
	assert.Equal(t, 1, snapshot.FrameCount)
	assert.Equal(t, 1, h.evidence.frames)

	events = h.send(t, dto.EventEndBatch, nil)
	require.Equal(t, []string{dto.EventBatchEnded}, eventNames(events))
	ended := events[0].Data.(*model.Batch)
	assert.NotNil(t, ended.EndTime)
	assert.Equal(t, 4, ended.PureCount)
	assert.Equal(t, 1, ended.ImpureCount)
	assert.Equal(t, 5, ended.TotalCount)
	assert.InDelta(t, 80.0, ended.PurityPercentage, 1e-9)
	assert.Equal(t, Streaming, h.session.State())

	events = h.send(t, dto.EventStopStream, nil)
	require.Equal(t, []string{dto.EventStreamStopped}, eventNames(events))
	stopped := events[0].Data.(dto.StreamStopped)
	assert.Equal(t, started.SessionID, stopped.SessionID)
	require.NotNil(t, stopped.Summary)
	assert.Equal(t, 1, stopped.Summary.TotalBatches)
	assert.Equal(t, 1, stopped.Summary.TotalFrames)
	assert.Equal(t, 4, stopped.Summary.TotalPure)
	assert.Equal(t, 1, stopped.Summary.TotalImpure)
	assert.InDelta(t, 80.0, stopped.Summary.AvgPurity, 1e-9)
	assert.Equal(t, Idle, h.session.State())
}

func TestSession_BatchSnapshotOverwrites(t *testing.T) {
	h := newHarness(t)
	h.send(t, dto.EventStartStream, nil)
	h.send(t, dto.EventStartBatch, nil)

	h.detector.frames = [][]model.Detection{composition(2, 1, 0), composition(5, 0, 1)}

	events := h.sendFrame(t)
	first := events[1].Data.(*model.Batch)
	assert.Equal(t, 1, first.FrameCount)

	events = h.sendFrame(t)
	second := events[1].Data.(*model.Batch)
	assert.Equal(t, 5, second.PureCount)
	assert.Equal(t, 0, second.ImpureCount)
	assert.Equal(t, 1, second.UnwantedCount)
	assert.Equal(t, 6, second.TotalCount)
	assert.Equal(t, 2, second.FrameCount)

	// Session totals accumulate
	s, err := h.sessions.GetByID(context.Background(), h.session.Settings().SessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, s.TotalFrames)
	assert.Equal(t, 7, s.TotalPure)
	assert.Equal(t, 1, s.TotalImpure)
}

func TestSession_StartBatchEndsPrevious(t *testing.T) {
	h := newHarness(t)
	h.send(t, dto.EventStartStream, nil)
	h.send(t, dto.EventStartBatch, nil)

	roi := model.ROI{X: 0.1, Y: 0.1, Width: 0.5, Height: 0.5}
	events := h.send(t, dto.EventStartBatch, dto.StartBatchRequest{ROI: &roi})

	require.Equal(t, []string{dto.EventBatchEnded, dto.EventBatchStarted}, eventNames(events))
	assert.Equal(t, 1, events[0].Data.(*model.Batch).BatchNumber)
	assert.Equal(t, 2, events[1].Data.(dto.BatchStarted).BatchNumber)
	assert.Equal(t, roi, h.session.Settings().ROI)
}

func TestSession_StartBatchInvalidROIKeepsBatch(t *testing.T) {
	h := newHarness(t)
	h.send(t, dto.EventStartStream, nil)
	h.send(t, dto.EventStartBatch, nil)
	batchID := h.session.Settings().BatchID

	events := h.send(t, dto.EventStartBatch, dto.StartBatchRequest{ROI: &model.ROI{X: 0.5, Y: 0.5, Width: 0.8, Height: 0.2}})

	require.Len(t, events, 1)
	assert.Equal(t, apperr.CodeInvalidROI, errorCode(t, events[0]))
	assert.Equal(t, BatchActive, h.session.State())
	assert.Equal(t, batchID, h.session.Settings().BatchID)
}

func TestSession_WrongStateErrors(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		event string
		code  string
	}{
		{dto.EventFrame, apperr.CodeNoActiveSession},
		{dto.EventStartBatch, apperr.CodeNoActiveSession},
		{dto.EventGetBatchHistory, apperr.CodeNoActiveSession},
		{dto.EventEndBatch, apperr.CodeNoActiveBatch},
		{"dance", apperr.CodeUnknownEvent},
	}

	for _, tt := range tests {
		t.Run(tt.event, func(t *testing.T) {
			events := h.send(t, tt.event, nil)
			require.Len(t, events, 1)
			assert.Equal(t, tt.code, errorCode(t, events[0]))
		})
	}
	assert.Equal(t, Idle, h.session.State())
}

func TestSession_StopWhileIdle(t *testing.T) {
	h := newHarness(t)

	events := h.send(t, dto.EventStopStream, nil)

	require.Equal(t, []string{dto.EventStreamStopped}, eventNames(events))
	assert.Nil(t, events[0].Data.(dto.StreamStopped).Summary)
}

func TestSession_InvalidPayload(t *testing.T) {
	h := newHarness(t)

	events := h.session.Dispatch(context.Background(), dto.Inbound{Event: dto.EventUpdateROI, Data: json.RawMessage(`{"roi": "wide"}`)})

	require.Len(t, events, 1)
	assert.Equal(t, apperr.CodeInvalidMessage, errorCode(t, events[0]))
}

func TestSession_UpdateROI(t *testing.T) {
	h := newHarness(t)

	valid := model.ROI{X: 0.2, Y: 0.2, Width: 0.6, Height: 0.6}
	events := h.send(t, dto.EventUpdateROI, dto.UpdateROIRequest{ROI: &valid})
	require.Equal(t, []string{dto.EventROIUpdated}, eventNames(events))
	assert.Equal(t, valid, h.session.Settings().ROI)

	invalid := []model.ROI{
		{X: -0.1, Y: 0, Width: 0.5, Height: 0.5},
		{X: 0, Y: 0, Width: 0, Height: 0.5},
		{X: 0.6, Y: 0, Width: 0.5, Height: 0.5},
	}
	for _, r := range invalid {
		events = h.send(t, dto.EventUpdateROI, dto.UpdateROIRequest{ROI: &r})
		require.Len(t, events, 1)
		assert.Equal(t, apperr.CodeInvalidROI, errorCode(t, events[0]))
	}
	events = h.send(t, dto.EventUpdateROI, nil)
	assert.Equal(t, apperr.CodeInvalidROI, errorCode(t, events[0]))

	assert.Equal(t, valid, h.session.Settings().ROI)
}

func TestSession_UpdateSettings(t *testing.T) {
	h := newHarness(t)

	off := false
	events := h.send(t, dto.EventUpdateSettings, dto.UpdateSettingsRequest{SaveDetections: &off})
	require.Equal(t, []string{dto.EventSettingsUpdated}, eventNames(events))
	settings := events[0].Data.(dto.StreamSettings)
	assert.False(t, settings.SaveDetections)
	assert.InDelta(t, 0.5, settings.ConfidenceThreshold, 1e-9)

	threshold := 0.7
	h.send(t, dto.EventUpdateSettings, dto.UpdateSettingsRequest{ConfidenceThreshold: &threshold})
	assert.False(t, h.session.Settings().SaveDetections)
	assert.InDelta(t, 0.7, h.session.Settings().ConfidenceThreshold, 1e-9)

	bad := 1.5
	events = h.send(t, dto.EventUpdateSettings, dto.UpdateSettingsRequest{ConfidenceThreshold: &bad, SaveDetections: &off})
	require.Len(t, events, 1)
	assert.Equal(t, apperr.CodeInvalidSettings, errorCode(t, events[0]))
	assert.InDelta(t, 0.7, h.session.Settings().ConfidenceThreshold, 1e-9)

	// The threshold reaches the detector
	h.send(t, dto.EventStartStream, nil)
	h.sendFrame(t)
	assert.Equal(t, []float64{0.7}, h.detector.thresholds)
}

func TestSession_FrameWithoutBatchIsNotPersisted(t *testing.T) {
	h := newHarness(t)
	h.send(t, dto.EventStartStream, nil)
	h.detector.frames = [][]model.Detection{composition(1, 1, 0)}

	events := h.sendFrame(t)

	require.Equal(t, []string{dto.EventDetectionResult}, eventNames(events))
	result := events[0].Data.(dto.DetectionResult)
	assert.Nil(t, result.CurrentBatchID)
	assert.Nil(t, result.CurrentBatchNumber)

	s, err := h.sessions.GetByID(context.Background(), h.session.Settings().SessionID)
	require.NoError(t, err)
	assert.Zero(t, s.TotalFrames)
	assert.Zero(t, h.evidence.frames)
}

func TestSession_SaveDisabled(t *testing.T) {
	h := newHarness(t)
	h.send(t, dto.EventStartStream, nil)
	h.send(t, dto.EventStartBatch, nil)
	off := false
	h.send(t, dto.EventUpdateSettings, dto.UpdateSettingsRequest{SaveDetections: &off})

	events := h.sendFrame(t)

	require.Equal(t, []string{dto.EventDetectionResult}, eventNames(events))
	batch, err := h.batches.GetByID(context.Background(), h.session.Settings().BatchID)
	require.NoError(t, err)
	assert.Zero(t, batch.FrameCount)
}

func TestSession_FrameErrors(t *testing.T) {
	h := newHarness(t)
	h.send(t, dto.EventStartStream, nil)

	events := h.send(t, dto.EventFrame, dto.FrameRequest{Data: "***"})
	require.Len(t, events, 1)
	assert.Equal(t, apperr.CodeImageDecode, errorCode(t, events[0]))

	h.detector.err = apperr.ErrModelNotReady
	events = h.sendFrame(t)
	require.Len(t, events, 1)
	assert.Equal(t, apperr.CodeModelNotReady, errorCode(t, events[0]))

	// Still streaming after errors
	assert.Equal(t, Streaming, h.session.State())
}

func TestSession_PersistenceFailureKeepsConnection(t *testing.T) {
	h := newHarness(t)
	h.send(t, dto.EventStartStream, nil)
	h.send(t, dto.EventStartBatch, nil)
	require.NoError(t, h.db.Close())

	events := h.sendFrame(t)

	require.Equal(t, []string{dto.EventDetectionResult, dto.EventError}, eventNames(events))
	assert.Equal(t, apperr.CodePersistence, errorCode(t, events[1]))
	assert.Equal(t, BatchActive, h.session.State())
}

func TestSession_ResumeExistingSession(t *testing.T) {
	h := newHarness(t)
	roi := model.ROI{X: 0.1, Y: 0.1, Width: 0.3, Height: 0.3}
	existing, err := h.sessions.Create(context.Background(), "line-1", roi)
	require.NoError(t, err)

	events := h.send(t, dto.EventStartStream, dto.StartStreamRequest{SessionID: existing.ID})
	require.Equal(t, []string{dto.EventStreamStarted}, eventNames(events))
	assert.Equal(t, existing.ID, events[0].Data.(dto.StreamStarted).SessionID)
	assert.Equal(t, roi, events[0].Data.(dto.StreamStarted).ROI)

	events = h.send(t, dto.EventStartStream, dto.StartStreamRequest{SessionID: "nope"})
	require.Len(t, events, 1)
	assert.Equal(t, apperr.CodeSessionNotFound, errorCode(t, events[0]))
	assert.Equal(t, existing.ID, h.session.Settings().SessionID)
}

func TestSession_ResumeEndedSessionReopensIt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.detector.frames = [][]model.Detection{composition(3, 1, 0)}
	h.send(t, dto.EventStartStream, nil)
	h.send(t, dto.EventStartBatch, nil)
	h.sendFrame(t)
	sessionID := h.session.Settings().SessionID
	h.session.Close(ctx)

	closed, err := h.sessions.GetByID(ctx, sessionID)
	require.NoError(t, err)
	require.NotNil(t, closed.EndTime)

	events := h.send(t, dto.EventStartStream, dto.StartStreamRequest{SessionID: sessionID})
	require.Equal(t, []string{dto.EventStreamStarted}, eventNames(events))

	reopened, err := h.sessions.GetByID(ctx, sessionID)
	require.NoError(t, err)
	assert.Nil(t, reopened.EndTime)
	assert.Nil(t, reopened.AvgPurity)
	assert.Equal(t, 1, reopened.TotalFrames)
	assert.Equal(t, 3, reopened.TotalPure)

	// Restarting with the id of the stream being stopped leaves it open too
	events = h.send(t, dto.EventStartStream, dto.StartStreamRequest{SessionID: sessionID})
	require.Equal(t, []string{dto.EventStreamStopped, dto.EventStreamStarted}, eventNames(events))
	reopened, err = h.sessions.GetByID(ctx, sessionID)
	require.NoError(t, err)
	assert.Nil(t, reopened.EndTime)
}

func TestSession_RestartStopsActiveStream(t *testing.T) {
	h := newHarness(t)
	h.send(t, dto.EventStartStream, nil)
	h.send(t, dto.EventStartBatch, nil)
	first := h.session.Settings().SessionID

	events := h.send(t, dto.EventStartStream, dto.StartStreamRequest{CameraSource: "line-3"})

	require.Equal(t, []string{dto.EventBatchEnded, dto.EventStreamStopped, dto.EventStreamStarted}, eventNames(events))
	assert.NotEqual(t, first, h.session.Settings().SessionID)
	assert.Zero(t, h.session.Settings().BatchNumber)
	assert.Equal(t, Streaming, h.session.State())
}

func TestSession_BatchHistory(t *testing.T) {
	h := newHarness(t)
	h.send(t, dto.EventStartStream, nil)
	for i := 0; i < 3; i++ {
		h.send(t, dto.EventStartBatch, nil)
	}

	events := h.send(t, dto.EventGetBatchHistory, dto.BatchHistoryRequest{Limit: 2})
	require.Equal(t, []string{dto.EventBatchHistory}, eventNames(events))
	history := events[0].Data.(dto.BatchHistory)
	require.Len(t, history.Batches, 2)
	assert.Equal(t, 3, history.Batches[0].BatchNumber)

	events = h.send(t, dto.EventGetBatchHistory, nil)
	assert.Len(t, events[0].Data.(dto.BatchHistory).Batches, 3)
}

func TestSession_CloseOnDisconnect(t *testing.T) {
	h := newHarness(t)
	h.send(t, dto.EventStartStream, nil)
	h.send(t, dto.EventStartBatch, nil)
	sessionID := h.session.Settings().SessionID
	batchID := h.session.Settings().BatchID

	h.session.Close(context.Background())

	assert.Equal(t, Idle, h.session.State())
	s, err := h.sessions.GetByID(context.Background(), sessionID)
	require.NoError(t, err)
	assert.NotNil(t, s.EndTime)
	b, err := h.batches.GetByID(context.Background(), batchID)
	require.NoError(t, err)
	assert.NotNil(t, b.EndTime)

	// Closing again is a no-op
	h.session.Close(context.Background())
}

func TestSession_Hello(t *testing.T) {
	h := newHarness(t)

	hello := h.session.Hello()

	assert.Equal(t, dto.EventConnectionStatus, hello.Event)
	assert.Equal(t, dto.ConnectionStatus{Connected: true, ModelLoaded: true}, hello.Data)
}
