package handler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"saltdetect/internal/logger"
	"saltdetect/internal/model"
	"saltdetect/internal/repository/sqlite"
	"saltdetect/internal/service/ai"
	"saltdetect/internal/service/stream"
)

// blockingDetector waits on release before answering, or returns at once when release is nil.
type blockingDetector struct {
	release chan struct{}
}

func (d *blockingDetector) Ready() bool { return true }

func (d *blockingDetector) Detect(ctx context.Context, data []byte, confidence float64) (*ai.Result, error) {
	if d.release != nil {
		select {
		case <-d.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	boxes := []model.Detection{{X: 0.4, Y: 0.4, Width: 0.1, Height: 0.1, ClassID: model.ClassPure, ClassName: "pure"}}
	return &ai.Result{
		FrameID:          "f",
		Timestamp:        time.Now(),
		Frame:            &ai.Frame{Width: 64, Height: 48, Data: data},
		Boxes:            boxes,
		Counts:           model.CountClasses(boxes),
		PurityPercentage: 100,
	}, nil
}

type testStore struct {
	db         *sqlite.DB
	sessions   *sqlite.SessionRepository
	batches    *sqlite.BatchRepository
	detections *sqlite.DetectionRepository
	stats      *sqlite.StatisticsRepository
}

func setupStore(t *testing.T) *testStore {
	t.Helper()
	db, err := sqlite.New(filepath.Join(t.TempDir(), "handler.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return &testStore{
		db:         db,
		sessions:   sqlite.NewSessionRepository(db),
		batches:    sqlite.NewBatchRepository(db),
		detections: sqlite.NewDetectionRepository(db),
		stats:      sqlite.NewStatisticsRepository(db),
	}
}

func (s *testStore) streamDeps(detector stream.Detector) stream.Deps {
	return stream.Deps{
		Detector:   detector,
		Sessions:   s.sessions,
		Batches:    s.batches,
		Detections: s.detections,
		Logger:     logger.NewNop(),
	}
}
