package dto

import (
	"time"

	"saltdetect/internal/model"
)

// BatchFilters narrow the batch list endpoint.
type BatchFilters struct {
	SessionID string
	Limit     int
	Offset    int
}

// DetectionFilters narrow the detection list endpoint.
type DetectionFilters struct {
	SessionID string
	After     time.Time
	Before    time.Time
	Limit     int
}

// BatchList is a page of batches.
type BatchList struct {
	Data   []model.Batch `json:"data"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"modelLoaded"`
	ModelPath   string `json:"modelPath"`
	Connections int    `json:"connections"`
}
