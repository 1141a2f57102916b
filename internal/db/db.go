// Package db stores the per-frame control history and request outcomes in
// SQLite.
package db

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/camctl/internal/framebuffer"
	"github.com/banshee-data/camctl/internal/ipa/controller"
	"github.com/banshee-data/camctl/internal/monitoring"
	"github.com/banshee-data/camctl/internal/pipeline"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrations returns the embedded schema migrations.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

type DB struct {
	*sql.DB
	path string
}

// Open opens or creates the database at path and applies pending
// migrations. Use ":memory:" for a throwaway database.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection keeps ":memory:" databases and migrations on
	// the same handle.
	sqlDB.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
	} {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	db := &DB{DB: sqlDB, path: path}
	if err := db.MigrateUp(Migrations()); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// RecordFrame implements controller.Recorder.
func (db *DB) RecordFrame(r controller.FrameRecord) error {
	_, err := db.Exec(`INSERT OR REPLACE INTO frames (
			session_id, sequence, timestamp_unix, sensor_exposure, sensor_gain,
			exposure_lines, analogue_gain, focus_step, af_variance, af_stable, elapsed_us
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.SessionID.String(), r.Sequence, r.Timestamp.UnixNano(),
		r.Sensor.Exposure, r.Sensor.Gain,
		r.Controls.ExposureLines, r.Controls.AnalogueGain, r.Controls.FocusStep,
		r.AFVariance, r.AFStable, r.Elapsed.Microseconds(),
	)
	if err != nil {
		monitoring.Logf("record frame %d: %v", r.Sequence, err)
		return fmt.Errorf("record frame %d: %w", r.Sequence, err)
	}
	return nil
}

// RecordRequest implements pipeline.RequestRecorder.
func (db *DB) RecordRequest(r pipeline.RequestRecord) error {
	_, err := db.Exec(`INSERT OR REPLACE INTO requests (
			request_id, camera_id, status, buffers, queued_unix, completed_unix
		) VALUES (?, ?, ?, ?, ?, ?)`,
		r.RequestID.String(), r.CameraID, r.Status.String(), r.Buffers,
		r.QueuedAt.UnixNano(), r.CompletedAt.UnixNano(),
	)
	if err != nil {
		monitoring.Logf("record request %s: %v", r.RequestID, err)
		return fmt.Errorf("record request %s: %w", r.RequestID, err)
	}
	return nil
}

// RecentFrames returns up to limit frames of session, oldest first.
func (db *DB) RecentFrames(session uuid.UUID, limit int) ([]controller.FrameRecord, error) {
	rows, err := db.Query(`SELECT sequence, timestamp_unix, sensor_exposure, sensor_gain,
			exposure_lines, analogue_gain, focus_step, af_variance, af_stable, elapsed_us
		FROM (SELECT * FROM frames WHERE session_id = ? ORDER BY sequence DESC LIMIT ?)
		ORDER BY sequence ASC`, session.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []controller.FrameRecord
	for rows.Next() {
		var (
			rec       = controller.FrameRecord{SessionID: session}
			ts        int64
			elapsedUS int64
		)
		if err := rows.Scan(&rec.Sequence, &ts, &rec.Sensor.Exposure, &rec.Sensor.Gain,
			&rec.Controls.ExposureLines, &rec.Controls.AnalogueGain, &rec.Controls.FocusStep,
			&rec.AFVariance, &rec.AFStable, &elapsedUS); err != nil {
			return nil, err
		}
		rec.Timestamp = time.Unix(0, ts)
		rec.Elapsed = time.Duration(elapsedUS) * time.Microsecond
		rec.Controls.Sequence = rec.Sequence
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LatestSession returns the session with the most recently recorded frame.
func (db *DB) LatestSession() (uuid.UUID, error) {
	var id string
	err := db.QueryRow(`SELECT session_id FROM frames ORDER BY timestamp_unix DESC LIMIT 1`).Scan(&id)
	if err != nil {
		return uuid.Nil, err
	}
	return uuid.Parse(id)
}

// RequestCounts returns the number of recorded requests per completion
// status for camera.
func (db *DB) RequestCounts(camera string) (map[framebuffer.CompletionStatus]int, error) {
	rows, err := db.Query(`SELECT status, COUNT(*) FROM requests WHERE camera_id = ? GROUP BY status`, camera)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byName := map[string]framebuffer.CompletionStatus{}
	for _, s := range []framebuffer.CompletionStatus{
		framebuffer.RequestPending, framebuffer.RequestComplete,
		framebuffer.RequestPartialFailure, framebuffer.RequestCancelled,
	} {
		byName[s.String()] = s
	}

	out := make(map[framebuffer.CompletionStatus]int)
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return nil, err
		}
		s, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown request status %q", name)
		}
		out[s] = n
	}
	return out, rows.Err()
}

var (
	_ controller.Recorder      = (*DB)(nil)
	_ pipeline.RequestRecorder = (*DB)(nil)
)
