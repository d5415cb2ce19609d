package repository

import (
	"context"
	"time"

	"saltdetect/internal/dto"
	"saltdetect/internal/model"
)

// SessionRepository persists detection sessions.
// Getters return (nil, nil) when the row does not exist.
type SessionRepository interface {
	// Create operations
	Create(ctx context.Context, cameraSource string, roi model.ROI) (*model.Session, error)

	// Read operations
	GetByID(ctx context.Context, id string) (*model.Session, error)

	// Update operations
	Reopen(ctx context.Context, id string) error
	Close(ctx context.Context, id string) (*model.SessionSummary, error)
}

// BatchRepository persists batches inside a session.
type BatchRepository interface {
	// Create allocates the next batch number of the session and bumps its batch total.
	Create(ctx context.Context, sessionID string, roi model.ROI) (*model.Batch, error)

	// Read operations
	GetByID(ctx context.Context, id string) (*model.Batch, error)
	GetRecentBySession(ctx context.Context, sessionID string, limit int) ([]model.Batch, error)
	GetAll(ctx context.Context, filter dto.BatchFilters) ([]model.Batch, int, error)

	// Update operations
	Close(ctx context.Context, id string) (*model.Batch, error)

	// Delete operations
	Delete(ctx context.Context, id string) error
}

// DetectionRepository persists per-frame detection records and their boxes.
type DetectionRepository interface {
	Insert(ctx context.Context, record *model.DetectionRecord) (string, error)
	// RecordFrame inserts the record, adds its ROI counts to the session totals and
	// writes the batch snapshot in one transaction, returning the updated batch.
	RecordFrame(ctx context.Context, record *model.DetectionRecord, snapshot model.Snapshot) (*model.Batch, error)
	GetRecent(ctx context.Context, filter dto.DetectionFilters) ([]model.DetectionRecord, error)
}

// StatisticsRepository aggregates stored detection records.
type StatisticsRepository interface {
	Summary(ctx context.Context, after, before time.Time) (*model.StatisticsSummary, error)
}
