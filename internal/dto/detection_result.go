package dto

import "saltdetect/internal/model"

// DetectionResult is sent for every processed frame.
type DetectionResult struct {
	FrameID          string            `json:"frameId"`
	Timestamp        int64             `json:"timestamp"`
	ProcessingTimeMs float64           `json:"processingTimeMs"`
	FrameWidth       int               `json:"frameWidth"`
	FrameHeight      int               `json:"frameHeight"`
	BoundingBoxes    []model.Detection `json:"boundingBoxes"`

	PureCount        int     `json:"pureCount"`
	ImpureCount      int     `json:"impureCount"`
	UnwantedCount    int     `json:"unwantedCount"`
	TotalCount       int     `json:"totalCount"`
	PurityPercentage float64 `json:"purityPercentage"`

	ROIPureCount        int       `json:"roiPureCount"`
	ROIImpureCount      int       `json:"roiImpureCount"`
	ROIUnwantedCount    int       `json:"roiUnwantedCount"`
	ROITotalCount       int       `json:"roiTotalCount"`
	ROIPurityPercentage float64   `json:"roiPurityPercentage"`
	ROI                 model.ROI `json:"roi"`

	AvgWhiteness       float64 `json:"avgWhiteness"`
	AvgQualityScore    float64 `json:"avgQualityScore"`
	ROIAvgWhiteness    float64 `json:"roiAvgWhiteness"`
	ROIAvgQualityScore float64 `json:"roiAvgQualityScore"`

	CurrentBatchID     *string `json:"currentBatchId"`
	CurrentBatchNumber *int    `json:"currentBatchNumber"`
}
