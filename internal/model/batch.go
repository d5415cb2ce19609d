package model

import "time"

// Batch is a user delimited recording window inside a session.
// The counts are a snapshot of the most recent frame, FrameCount is a true counter.
type Batch struct {
	ID               string     `json:"id"`
	SessionID        string     `json:"sessionId"`
	BatchNumber      int        `json:"batchNumber"`
	StartTime        time.Time  `json:"startTime"`
	EndTime          *time.Time `json:"endTime"`
	ROI              ROI        `json:"roi"`
	PureCount        int        `json:"pureCount"`
	ImpureCount      int        `json:"impureCount"`
	UnwantedCount    int        `json:"unwantedCount"`
	TotalCount       int        `json:"totalCount"`
	PurityPercentage float64    `json:"purityPercentage"`
	FrameCount       int        `json:"frameCount"`
	AvgWhiteness     *float64   `json:"avgWhiteness"`
	AvgQualityScore  *float64   `json:"avgQualityScore"`
}

// Active reports whether the batch has not been closed yet.
func (b *Batch) Active() bool {
	return b.EndTime == nil
}

// Snapshot is what a single frame writes over a batch.
type Snapshot struct {
	Counts
	AvgWhiteness    *float64
	AvgQualityScore *float64
}
