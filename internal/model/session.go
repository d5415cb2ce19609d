package model

import "time"

// Session is the top level streaming context. Totals accumulate across batches.
type Session struct {
	ID           string     `json:"id"`
	CameraSource string     `json:"cameraSource"`
	ROI          ROI        `json:"roi"`
	StartTime    time.Time  `json:"startTime"`
	EndTime      *time.Time `json:"endTime"`
	TotalFrames  int        `json:"totalFrames"`
	TotalPure    int        `json:"totalPureCount"`
	TotalImpure  int        `json:"totalImpureCount"`
	AvgPurity    *float64   `json:"avgPurityPercent"`
	TotalBatches int        `json:"totalBatches"`
}

// SessionSummary is reported when a session is closed.
type SessionSummary struct {
	SessionID    string  `json:"sessionId"`
	TotalFrames  int     `json:"totalFrames"`
	TotalPure    int     `json:"totalPure"`
	TotalImpure  int     `json:"totalImpure"`
	AvgPurity    float64 `json:"avgPurity"`
	TotalBatches int     `json:"totalBatches"`
	DurationMs   int64   `json:"duration"`
}
