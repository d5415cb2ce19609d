package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"saltdetect/internal/apperr"
	"saltdetect/internal/dto"
	"saltdetect/internal/model"
)

// DetectionRepository implements repository.DetectionRepository for SQLite.
type DetectionRepository struct {
	db *DB
}

// NewDetectionRepository creates a new SQLite detection repository.
func NewDetectionRepository(db *DB) *DetectionRepository {
	return &DetectionRepository{db: db}
}

// Insert stores a frame record and its boxes in a single transaction.
func (r *DetectionRepository) Insert(ctx context.Context, rec *model.DetectionRecord) (string, error) {
	r.db.Lock()
	defer r.db.Unlock()

	tx, err := r.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return "", apperr.Persistence(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if err := insertDetection(ctx, tx, rec); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", apperr.Persistence(err, "failed to commit detection")
	}
	return rec.ID, nil
}

// RecordFrame stores a frame record, adds its ROI counts to the session totals and
// writes the batch snapshot. Either all three land or none do.
func (r *DetectionRepository) RecordFrame(ctx context.Context, rec *model.DetectionRecord, snapshot model.Snapshot) (*model.Batch, error) {
	r.db.Lock()
	defer r.db.Unlock()

	tx, err := r.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Persistence(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if err := insertDetection(ctx, tx, rec); err != nil {
		return nil, err
	}
	if err := addSessionCounters(ctx, tx, rec.SessionID, 1, rec.ROICounts.Pure, rec.ROICounts.Impure); err != nil {
		return nil, err
	}
	batch, err := applySnapshot(ctx, tx, rec.BatchID, snapshot)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, apperr.Persistence(err, "failed to commit frame")
	}
	return batch, nil
}

func insertDetection(ctx context.Context, q execer, rec *model.DetectionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	rec.Timestamp = rec.Timestamp.UTC()

	_, err := q.ExecContext(ctx, `
		INSERT INTO detections (
			id, session_id, batch_id, timestamp, frame_width, frame_height, processing_time_ms,
			pure_count, impure_count, unwanted_count, total_count, purity_percentage,
			roi_pure_count, roi_impure_count, roi_unwanted_count, roi_total_count, roi_purity_percentage,
			avg_whiteness, avg_quality_score, roi_avg_whiteness, roi_avg_quality_score
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID, rec.SessionID, nullString(rec.BatchID), rec.Timestamp, rec.FrameWidth, rec.FrameHeight, rec.ProcessingTimeMs,
		rec.Pure, rec.Impure, rec.Unwanted, rec.Total, rec.PurityPercentage,
		rec.ROICounts.Pure, rec.ROICounts.Impure, rec.ROICounts.Unwanted, rec.ROICounts.Total, rec.ROIPurityPercentage,
		rec.AvgWhiteness, rec.AvgQualityScore, rec.ROIAvgWhiteness, rec.ROIAvgQualityScore,
	)
	if err != nil {
		return apperr.Persistence(err, "failed to insert detection")
	}

	if len(rec.BoundingBoxes) > 0 {
		stmt, err := q.PrepareContext(ctx, `
			INSERT INTO bounding_boxes (detection_id, x, y, width, height, class_id, class_name, confidence,
				inside_roi, whiteness, quality_score)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return apperr.Persistence(err, "failed to prepare statement")
		}
		defer stmt.Close()

		for _, b := range rec.BoundingBoxes {
			var inside sql.NullBool
			if b.InsideROI != nil {
				inside = sql.NullBool{Bool: *b.InsideROI, Valid: true}
			}
			if _, err := stmt.ExecContext(ctx, rec.ID, b.X, b.Y, b.Width, b.Height, b.ClassID, b.ClassName, b.Confidence,
				inside, nullFloat(b.WhitenessPercentage), nullFloat(b.QualityScore)); err != nil {
				return apperr.Persistence(err, "failed to insert bounding box")
			}
		}
	}

	return nil
}

// GetRecent returns the newest records matching the filter, boxes included.
func (r *DetectionRepository) GetRecent(ctx context.Context, filter dto.DetectionFilters) ([]model.DetectionRecord, error) {
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
	if !filter.After.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, filter.After.UTC())
	}
	if !filter.Before.IsZero() {
		where = append(where, "timestamp <= ?")
		args = append(args, filter.Before.UTC())
	}

	query := `
		SELECT id, session_id, batch_id, timestamp, frame_width, frame_height, processing_time_ms,
			pure_count, impure_count, unwanted_count, total_count, purity_percentage,
			roi_pure_count, roi_impure_count, roi_unwanted_count, roi_total_count, roi_purity_percentage,
			avg_whiteness, avg_quality_score, roi_avg_whiteness, roi_avg_quality_score
		FROM detections`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, filter.Limit)

	rows, err := r.db.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Persistence(err, "failed to query detections")
	}

	records := []model.DetectionRecord{}
	for rows.Next() {
		var (
			rec     model.DetectionRecord
			batchID sql.NullString
		)
		if err := rows.Scan(
			&rec.ID, &rec.SessionID, &batchID, &rec.Timestamp, &rec.FrameWidth, &rec.FrameHeight, &rec.ProcessingTimeMs,
			&rec.Pure, &rec.Impure, &rec.Unwanted, &rec.Total, &rec.PurityPercentage,
			&rec.ROICounts.Pure, &rec.ROICounts.Impure, &rec.ROICounts.Unwanted, &rec.ROICounts.Total, &rec.ROIPurityPercentage,
			&rec.AvgWhiteness, &rec.AvgQualityScore, &rec.ROIAvgWhiteness, &rec.ROIAvgQualityScore,
		); err != nil {
			rows.Close()
			return nil, apperr.Persistence(err, "failed to scan detection")
		}
		rec.BatchID = batchID.String
		records = append(records, rec)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, apperr.Persistence(err, "failed to iterate detections")
	}

	// The connection pool holds a single connection, so boxes are loaded after the rows are closed.
	for i := range records {
		boxes, err := r.boxes(ctx, records[i].ID)
		if err != nil {
			return nil, err
		}
		records[i].BoundingBoxes = boxes
	}
	return records, nil
}

func (r *DetectionRepository) boxes(ctx context.Context, detectionID string) ([]model.Detection, error) {
	rows, err := r.db.Conn().QueryContext(ctx, `
		SELECT x, y, width, height, class_id, class_name, confidence, inside_roi, whiteness, quality_score
		FROM bounding_boxes WHERE detection_id = ? ORDER BY id
	`, detectionID)
	if err != nil {
		return nil, apperr.Persistence(err, "failed to query bounding boxes")
	}
	defer rows.Close()

	boxes := []model.Detection{}
	for rows.Next() {
		var (
			b         model.Detection
			inside    sql.NullBool
			whiteness sql.NullFloat64
			quality   sql.NullFloat64
		)
		if err := rows.Scan(&b.X, &b.Y, &b.Width, &b.Height, &b.ClassID, &b.ClassName, &b.Confidence,
			&inside, &whiteness, &quality); err != nil {
			return nil, apperr.Persistence(err, "failed to scan bounding box")
		}
		if inside.Valid {
			v := inside.Bool
			b.InsideROI = &v
		}
		b.WhitenessPercentage = floatPtr(whiteness)
		b.QualityScore = floatPtr(quality)
		b.Color = model.ClassColor(b.ClassID)
		boxes = append(boxes, b)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence(err, "failed to iterate bounding boxes")
	}
	return boxes, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
