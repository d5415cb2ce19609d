package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"saltdetect/internal/apperr"
	"saltdetect/internal/dto"
	"saltdetect/internal/model"
)

// BatchRepository implements repository.BatchRepository for SQLite.
type BatchRepository struct {
	db *DB
}

// NewBatchRepository creates a new SQLite batch repository.
func NewBatchRepository(db *DB) *BatchRepository {
	return &BatchRepository{db: db}
}

const batchColumns = `id, session_id, batch_number, start_time, end_time, roi_x, roi_y, roi_width, roi_height,
	pure_count, impure_count, unwanted_count, total_count, purity_percentage, frame_count,
	avg_whiteness, avg_quality_score`

type scanner interface {
	Scan(dest ...any) error
}

func scanBatch(row scanner) (*model.Batch, error) {
	var (
		b            model.Batch
		endTime      sql.NullTime
		avgWhiteness sql.NullFloat64
		avgQuality   sql.NullFloat64
	)

	err := row.Scan(
		&b.ID, &b.SessionID, &b.BatchNumber, &b.StartTime, &endTime,
		&b.ROI.X, &b.ROI.Y, &b.ROI.Width, &b.ROI.Height,
		&b.PureCount, &b.ImpureCount, &b.UnwantedCount, &b.TotalCount, &b.PurityPercentage, &b.FrameCount,
		&avgWhiteness, &avgQuality,
	)
	if err != nil {
		return nil, err
	}

	b.EndTime = timePtr(endTime)
	b.AvgWhiteness = floatPtr(avgWhiteness)
	b.AvgQualityScore = floatPtr(avgQuality)
	return &b, nil
}

func getBatch(ctx context.Context, q querier, id string) (*model.Batch, error) {
	b, err := scanBatch(q.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return b, err
}

// Create allocates the next batch number in the session, starting at 1.
func (r *BatchRepository) Create(ctx context.Context, sessionID string, roi model.ROI) (*model.Batch, error) {
	r.db.Lock()
	defer r.db.Unlock()

	tx, err := r.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Persistence(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	var next int
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(batch_number), 0) + 1 FROM batches WHERE session_id = ?
	`, sessionID).Scan(&next); err != nil {
		return nil, apperr.Persistence(err, "failed to allocate batch number")
	}

	batch := &model.Batch{
		ID:               uuid.NewString(),
		SessionID:        sessionID,
		BatchNumber:      next,
		StartTime:        time.Now().UTC(),
		ROI:              roi,
		PurityPercentage: 100,
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO batches (id, session_id, batch_number, start_time, roi_x, roi_y, roi_width, roi_height)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, batch.ID, sessionID, next, batch.StartTime, roi.X, roi.Y, roi.Width, roi.Height); err != nil {
		return nil, apperr.Persistence(err, "failed to insert batch")
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET total_batches = total_batches + 1 WHERE id = ?
	`, sessionID); err != nil {
		return nil, apperr.Persistence(err, "failed to update session batch total")
	}

	if err := tx.Commit(); err != nil {
		return nil, apperr.Persistence(err, "failed to commit batch")
	}
	return batch, nil
}

// GetByID retrieves a batch by its ID.
func (r *BatchRepository) GetByID(ctx context.Context, id string) (*model.Batch, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	b, err := getBatch(ctx, r.db.Conn(), id)
	if err != nil {
		return nil, apperr.Persistence(err, "failed to get batch")
	}
	return b, nil
}

// GetRecentBySession returns the newest batches of a session first.
func (r *BatchRepository) GetRecentBySession(ctx context.Context, sessionID string, limit int) ([]model.Batch, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	rows, err := r.db.Conn().QueryContext(ctx, `
		SELECT `+batchColumns+` FROM batches
		WHERE session_id = ?
		ORDER BY batch_number DESC
		LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, apperr.Persistence(err, "failed to query batches")
	}
	defer rows.Close()

	return collectBatches(rows)
}

// GetAll returns a page of batches, newest first, and the total matching count.
func (r *BatchRepository) GetAll(ctx context.Context, filter dto.BatchFilters) ([]model.Batch, int, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	var (
		where []string
		args  []any
	)
	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.db.Conn().QueryRowContext(ctx, `SELECT COUNT(*) FROM batches`+clause, args...).Scan(&total); err != nil {
		return nil, 0, apperr.Persistence(err, "failed to count batches")
	}

	rows, err := r.db.Conn().QueryContext(ctx,
		`SELECT `+batchColumns+` FROM batches`+clause+` ORDER BY start_time DESC LIMIT ? OFFSET ?`,
		append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, 0, apperr.Persistence(err, "failed to query batches")
	}
	defer rows.Close()

	batches, err := collectBatches(rows)
	if err != nil {
		return nil, 0, err
	}
	return batches, total, nil
}

// applySnapshot overwrites the batch counts with one frame's ROI counts and counts the frame.
func applySnapshot(ctx context.Context, q execer, id string, snapshot model.Snapshot) (*model.Batch, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE batches
		SET pure_count = ?, impure_count = ?, unwanted_count = ?, total_count = ?,
			purity_percentage = ?, frame_count = frame_count + 1,
			avg_whiteness = ?, avg_quality_score = ?
		WHERE id = ?
	`, snapshot.Pure, snapshot.Impure, snapshot.Unwanted, snapshot.Total, snapshot.Purity(),
		nullFloat(snapshot.AvgWhiteness), nullFloat(snapshot.AvgQualityScore), id)
	if err != nil {
		return nil, apperr.Persistence(err, "failed to update batch snapshot")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, apperr.Wrapf(apperr.ErrNoActiveBatch, "batch %s not found", id)
	}

	b, err := getBatch(ctx, q, id)
	if err != nil {
		return nil, apperr.Persistence(err, "failed to reload batch")
	}
	return b, nil
}

// Close sets the end time and returns the final batch. Counts are left untouched.
func (r *BatchRepository) Close(ctx context.Context, id string) (*model.Batch, error) {
	r.db.Lock()
	defer r.db.Unlock()

	if _, err := r.db.Conn().ExecContext(ctx, `
		UPDATE batches SET end_time = ? WHERE id = ? AND end_time IS NULL
	`, time.Now().UTC(), id); err != nil {
		return nil, apperr.Persistence(err, "failed to close batch")
	}

	b, err := getBatch(ctx, r.db.Conn(), id)
	if err != nil {
		return nil, apperr.Persistence(err, "failed to reload batch")
	}
	if b == nil {
		return nil, apperr.Wrapf(apperr.ErrNoActiveBatch, "batch %s not found", id)
	}
	return b, nil
}

// Delete removes a batch. Detection records keep their data and lose the batch link.
func (r *BatchRepository) Delete(ctx context.Context, id string) error {
	r.db.Lock()
	defer r.db.Unlock()

	if _, err := r.db.Conn().ExecContext(ctx, `DELETE FROM batches WHERE id = ?`, id); err != nil {
		return apperr.Persistence(err, "failed to delete batch")
	}
	return nil
}

func collectBatches(rows *sql.Rows) ([]model.Batch, error) {
	batches := []model.Batch{}
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, apperr.Persistence(err, "failed to scan batch")
		}
		batches = append(batches, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence(err, "failed to iterate batches")
	}
	return batches, nil
}
