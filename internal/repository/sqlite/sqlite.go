package sqlite

import (
	"context"
	"database/sql"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"saltdetect/internal/apperr"
)

// DB is the single SQLite connection shared by all repositories.
// Writers hold Lock and readers RLock for the whole statement or transaction.
type DB struct {
	conn *sql.DB
	mu   sync.RWMutex
}

// New opens dbPath in WAL mode with foreign keys on and applies the schema.
func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, apperr.Wrap(err, "failed to open database")
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	db := &DB{conn: conn}

	if err := db.Migrate(context.Background()); err != nil {
		conn.Close()
		return nil, apperr.Wrap(err, "failed to migrate database")
	}

	return db, nil
}

// NewWithConn wraps an already opened connection without migrating it.
func NewWithConn(conn *sql.DB) *DB {
	return &DB{conn: conn}
}

// Migrate creates the necessary tables if they don't exist.
func (db *DB) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		camera_source TEXT NOT NULL DEFAULT '',
		roi_x REAL NOT NULL,
		roi_y REAL NOT NULL,
		roi_width REAL NOT NULL,
		roi_height REAL NOT NULL,
		start_time DATETIME NOT NULL,
		end_time DATETIME,
		total_frames INTEGER NOT NULL DEFAULT 0,
		total_pure INTEGER NOT NULL DEFAULT 0,
		total_impure INTEGER NOT NULL DEFAULT 0,
		avg_purity REAL,
		total_batches INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS batches (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		batch_number INTEGER NOT NULL,
		start_time DATETIME NOT NULL,
		end_time DATETIME,
		roi_x REAL NOT NULL,
		roi_y REAL NOT NULL,
		roi_width REAL NOT NULL,
		roi_height REAL NOT NULL,
		pure_count INTEGER NOT NULL DEFAULT 0,
		impure_count INTEGER NOT NULL DEFAULT 0,
		unwanted_count INTEGER NOT NULL DEFAULT 0,
		total_count INTEGER NOT NULL DEFAULT 0,
		purity_percentage REAL NOT NULL DEFAULT 100,
		frame_count INTEGER NOT NULL DEFAULT 0,
		avg_whiteness REAL,
		avg_quality_score REAL,
		UNIQUE (session_id, batch_number),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS detections (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		batch_id TEXT,
		timestamp DATETIME NOT NULL,
		frame_width INTEGER NOT NULL,
		frame_height INTEGER NOT NULL,
		processing_time_ms REAL NOT NULL DEFAULT 0,
		pure_count INTEGER NOT NULL DEFAULT 0,
		impure_count INTEGER NOT NULL DEFAULT 0,
		unwanted_count INTEGER NOT NULL DEFAULT 0,
		total_count INTEGER NOT NULL DEFAULT 0,
		purity_percentage REAL NOT NULL DEFAULT 100,
		roi_pure_count INTEGER NOT NULL DEFAULT 0,
		roi_impure_count INTEGER NOT NULL DEFAULT 0,
		roi_unwanted_count INTEGER NOT NULL DEFAULT 0,
		roi_total_count INTEGER NOT NULL DEFAULT 0,
		roi_purity_percentage REAL NOT NULL DEFAULT 100,
		avg_whiteness REAL NOT NULL DEFAULT 0,
		avg_quality_score REAL NOT NULL DEFAULT 0,
		roi_avg_whiteness REAL NOT NULL DEFAULT 0,
		roi_avg_quality_score REAL NOT NULL DEFAULT 0,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE,
		FOREIGN KEY (batch_id) REFERENCES batches(id) ON DELETE SET NULL
	);

	CREATE TABLE IF NOT EXISTS bounding_boxes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		detection_id TEXT NOT NULL,
		x REAL NOT NULL,
		y REAL NOT NULL,
		width REAL NOT NULL,
		height REAL NOT NULL,
		class_id INTEGER NOT NULL,
		class_name TEXT NOT NULL,
		confidence REAL NOT NULL,
		inside_roi INTEGER,
		whiteness REAL,
		quality_score REAL,
		FOREIGN KEY (detection_id) REFERENCES detections(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_batches_session ON batches(session_id, batch_number);
	CREATE INDEX IF NOT EXISTS idx_detections_session ON detections(session_id);
	CREATE INDEX IF NOT EXISTS idx_detections_batch ON detections(batch_id);
	CREATE INDEX IF NOT EXISTS idx_detections_timestamp ON detections(timestamp);
	CREATE INDEX IF NOT EXISTS idx_bounding_boxes_detection ON bounding_boxes(detection_id);
	`

	_, err := db.conn.ExecContext(ctx, schema)
	return err
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Lock, Unlock, RLock and RUnlock guard the connection.
func (db *DB) Lock() {
	db.mu.Lock()
}

func (db *DB) Unlock() {
	db.mu.Unlock()
}

func (db *DB) RLock() {
	db.mu.RLock()
}

func (db *DB) RUnlock() {
	db.mu.RUnlock()
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type execer interface {
	querier
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
