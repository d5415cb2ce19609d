package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"saltdetect/internal/apperr"
	"saltdetect/internal/model"
)

// SessionRepository implements repository.SessionRepository for SQLite.
type SessionRepository struct {
	db *DB
}

// NewSessionRepository creates a new SQLite session repository.
func NewSessionRepository(db *DB) *SessionRepository {
	return &SessionRepository{db: db}
}

const sessionColumns = `id, camera_source, roi_x, roi_y, roi_width, roi_height, start_time, end_time,
	total_frames, total_pure, total_impure, avg_purity, total_batches`

// Create inserts a new open session.
func (r *SessionRepository) Create(ctx context.Context, cameraSource string, roi model.ROI) (*model.Session, error) {
	r.db.Lock()
	defer r.db.Unlock()

	session := &model.Session{
		ID:           uuid.NewString(),
		CameraSource: cameraSource,
		ROI:          roi,
		StartTime:    time.Now().UTC(),
	}

	_, err := r.db.Conn().ExecContext(ctx, `
		INSERT INTO sessions (id, camera_source, roi_x, roi_y, roi_width, roi_height, start_time)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, session.ID, session.CameraSource, roi.X, roi.Y, roi.Width, roi.Height, session.StartTime)
	if err != nil {
		return nil, apperr.Persistence(err, "failed to insert session")
	}

	return session, nil
}

// GetByID retrieves a session by its ID.
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*model.Session, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	session, err := getSession(ctx, r.db.Conn(), id)
	if err != nil {
		return nil, apperr.Persistence(err, "failed to get session")
	}
	return session, nil
}

func addSessionCounters(ctx context.Context, q execer, id string, frames, pure, impure int) error {
	_, err := q.ExecContext(ctx, `
		UPDATE sessions
		SET total_frames = total_frames + ?, total_pure = total_pure + ?, total_impure = total_impure + ?
		WHERE id = ?
	`, frames, pure, impure, id)
	if err != nil {
		return apperr.Persistence(err, "failed to update session counters")
	}
	return nil
}

// Reopen clears the end time and average purity of an ended session so it can take
// frames again. Totals and start time are kept.
func (r *SessionRepository) Reopen(ctx context.Context, id string) error {
	r.db.Lock()
	defer r.db.Unlock()

	res, err := r.db.Conn().ExecContext(ctx, `
		UPDATE sessions SET end_time = NULL, avg_purity = NULL WHERE id = ?
	`, id)
	if err != nil {
		return apperr.Persistence(err, "failed to reopen session")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperr.Wrapf(apperr.ErrSessionNotFound, "session %s", id)
	}
	return nil
}

// Close stamps the end time, stores the average purity and returns the summary.
func (r *SessionRepository) Close(ctx context.Context, id string) (*model.SessionSummary, error) {
	r.db.Lock()
	defer r.db.Unlock()

	tx, err := r.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Persistence(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	session, err := getSession(ctx, tx, id)
	if err != nil {
		return nil, apperr.Persistence(err, "failed to get session")
	}
	if session == nil {
		return nil, apperr.Wrapf(apperr.ErrSessionNotFound, "session %s", id)
	}

	end := time.Now().UTC()
	avgPurity := model.Purity(session.TotalPure, session.TotalImpure)

	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET end_time = ?, avg_purity = ? WHERE id = ?
	`, end, avgPurity, id); err != nil {
		return nil, apperr.Persistence(err, "failed to close session")
	}

	if err := tx.Commit(); err != nil {
		return nil, apperr.Persistence(err, "failed to commit session close")
	}

	return &model.SessionSummary{
		SessionID:    session.ID,
		TotalFrames:  session.TotalFrames,
		TotalPure:    session.TotalPure,
		TotalImpure:  session.TotalImpure,
		AvgPurity:    avgPurity,
		TotalBatches: session.TotalBatches,
		DurationMs:   end.Sub(session.StartTime).Milliseconds(),
	}, nil
}

func getSession(ctx context.Context, q querier, id string) (*model.Session, error) {
	var (
		s         model.Session
		endTime   sql.NullTime
		avgPurity sql.NullFloat64
	)

	err := q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id).Scan(
		&s.ID, &s.CameraSource, &s.ROI.X, &s.ROI.Y, &s.ROI.Width, &s.ROI.Height, &s.StartTime, &endTime,
		&s.TotalFrames, &s.TotalPure, &s.TotalImpure, &avgPurity, &s.TotalBatches,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	s.EndTime = timePtr(endTime)
	s.AvgPurity = floatPtr(avgPurity)
	return &s, nil
}
