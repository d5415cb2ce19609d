package dto

import "saltdetect/internal/model"

type StartStreamRequest struct {
	SessionID    string     `json:"sessionId,omitempty"`
	CameraSource string     `json:"cameraSource,omitempty"`
	ROI          *model.ROI `json:"roi,omitempty"`
}

type StartBatchRequest struct {
	ROI *model.ROI `json:"roi,omitempty"`
}

// FrameRequest carries a base64 encoded image, optionally as a data URL.
type FrameRequest struct {
	Data      string `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

type UpdateROIRequest struct {
	ROI *model.ROI `json:"roi"`
}

type UpdateSettingsRequest struct {
	SaveDetections      *bool    `json:"saveDetections,omitempty"`
	ConfidenceThreshold *float64 `json:"confidenceThreshold,omitempty"`
}

type BatchHistoryRequest struct {
	Limit int `json:"limit,omitempty"`
}

type ConnectionStatus struct {
	Connected   bool `json:"connected"`
	ModelLoaded bool `json:"modelLoaded"`
}

type StreamStarted struct {
	SessionID string    `json:"sessionId"`
	ROI       model.ROI `json:"roi"`
}

// StreamStopped has no summary when the stream was never started.
type StreamStopped struct {
	SessionID string                `json:"sessionId,omitempty"`
	Summary   *model.SessionSummary `json:"summary"`
}

type BatchStarted struct {
	BatchID     string    `json:"batchId"`
	BatchNumber int       `json:"batchNumber"`
	ROI         model.ROI `json:"roi"`
}

type ROIUpdated struct {
	ROI model.ROI `json:"roi"`
}

// StreamSettings is the per-connection state reported by settings_updated.
type StreamSettings struct {
	SessionID           string    `json:"sessionId,omitempty"`
	BatchID             string    `json:"batchId,omitempty"`
	BatchNumber         int       `json:"batchNumber"`
	ROI                 model.ROI `json:"roi"`
	SaveDetections      bool      `json:"saveDetections"`
	ConfidenceThreshold float64   `json:"confidenceThreshold"`
	CameraSource        string    `json:"cameraSource,omitempty"`
}

type BatchHistory struct {
	Batches []model.Batch `json:"batches"`
}
