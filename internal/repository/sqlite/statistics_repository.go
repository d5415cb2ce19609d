package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"saltdetect/internal/apperr"
	"saltdetect/internal/model"
)

// StatisticsRepository implements repository.StatisticsRepository for SQLite.
type StatisticsRepository struct {
	db *DB
}

// NewStatisticsRepository creates a new SQLite statistics repository.
func NewStatisticsRepository(db *DB) *StatisticsRepository {
	return &StatisticsRepository{db: db}
}

// Summary aggregates detection records in [after, before]. Zero times leave that side open.
func (r *StatisticsRepository) Summary(ctx context.Context, after, before time.Time) (*model.StatisticsSummary, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	var (
		where []string
		args  []any
	)
	if !after.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, after.UTC())
	}
	if !before.IsZero() {
		where = append(where, "timestamp <= ?")
		args = append(args, before.UTC())
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var (
		s          model.StatisticsSummary
		avgPurity  sql.NullFloat64
		avgProcess sql.NullFloat64
	)
	err := r.db.Conn().QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(pure_count), 0), COALESCE(SUM(impure_count), 0),
			COALESCE(SUM(unwanted_count), 0), AVG(purity_percentage), AVG(processing_time_ms)
		FROM detections`+clause, args...).Scan(
		&s.TotalDetections, &s.TotalPure, &s.TotalImpure, &s.TotalUnwanted, &avgPurity, &avgProcess,
	)
	if err != nil {
		return nil, apperr.Persistence(err, "failed to aggregate detections")
	}
	s.AveragePurity = avgPurity.Float64
	s.AverageProcessingTime = avgProcess.Float64

	if s.TotalDetections == 0 {
		return &s, nil
	}

	// Aggregates lose the DATETIME column type, so the bounds are read as plain rows.
	if s.PeriodStart, err = r.edge(ctx, clause, "ASC", args); err != nil {
		return nil, err
	}
	if s.PeriodEnd, err = r.edge(ctx, clause, "DESC", args); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *StatisticsRepository) edge(ctx context.Context, clause, order string, args []any) (*time.Time, error) {
	var t time.Time
	err := r.db.Conn().QueryRowContext(ctx,
		`SELECT timestamp FROM detections`+clause+` ORDER BY timestamp `+order+` LIMIT 1`, args...).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Persistence(err, "failed to read statistics period")
	}
	return &t, nil
}
