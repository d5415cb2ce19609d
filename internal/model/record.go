package model

import "time"

// DetectionRecord is the persisted result of one saved frame.
type DetectionRecord struct {
	ID               string    `json:"id"`
	SessionID        string    `json:"sessionId"`
	BatchID          string    `json:"batchId,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
	FrameWidth       int       `json:"frameWidth"`
	FrameHeight      int       `json:"frameHeight"`
	ProcessingTimeMs float64   `json:"processingTimeMs"`

	Counts
	PurityPercentage float64 `json:"purityPercentage"`

	ROICounts           Counts  `json:"roiCounts"`
	ROIPurityPercentage float64 `json:"roiPurityPercentage"`

	AvgWhiteness       float64 `json:"avgWhiteness"`
	AvgQualityScore    float64 `json:"avgQualityScore"`
	ROIAvgWhiteness    float64 `json:"roiAvgWhiteness"`
	ROIAvgQualityScore float64 `json:"roiAvgQualityScore"`

	BoundingBoxes []Detection `json:"boundingBoxes"`
}

// StatisticsSummary aggregates stored detection records.
type StatisticsSummary struct {
	TotalDetections       int        `json:"totalDetections"`
	TotalPure             int        `json:"totalPure"`
	TotalImpure           int        `json:"totalImpure"`
	TotalUnwanted         int        `json:"totalUnwanted"`
	AveragePurity         float64    `json:"averagePurity"`
	AverageProcessingTime float64    `json:"averageProcessingTime"`
	PeriodStart           *time.Time `json:"periodStart"`
	PeriodEnd             *time.Time `json:"periodEnd"`
}
