package db

import (
	"compress/gzip"
	"io"
	"net/http"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/camctl/internal/framebuffer"
	"github.com/banshee-data/camctl/internal/ipa"
	"github.com/banshee-data/camctl/internal/ipa/controller"
	"github.com/banshee-data/camctl/internal/pipeline"
	"github.com/banshee-data/camctl/internal/testutil"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "camctl.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpen_AppliesMigrations(t *testing.T) {
	db := openTestDB(t)

	version, dirty, err := db.MigrateVersion(Migrations())
	require.NoError(t, err)
	assert.False(t, dirty)

	latest, err := LatestMigrationVersion(Migrations())
	require.NoError(t, err)
	assert.Equal(t, latest, version)
	assert.Equal(t, uint(2), latest)

	var journal string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journal))
	assert.Equal(t, "wal", journal)
}

func TestMigrateDown(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.MigrateDown(Migrations()))

	version, _, err := db.MigrateVersion(Migrations())
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='requests'`).Scan(&n))
	assert.Equal(t, 0, n)
}

func TestLatestMigrationVersion_Empty(t *testing.T) {
	_, err := LatestMigrationVersion(fstest.MapFS{"README": {Data: []byte("x")}})
	assert.Error(t, err)
}

func TestRecordFrame_RoundTrip(t *testing.T) {
	db := openTestDB(t)
	session := uuid.New()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var want []controller.FrameRecord
	for seq := uint32(0); seq < 5; seq++ {
		rec := controller.FrameRecord{
			SessionID:  session,
			Sequence:   seq,
			Timestamp:  base.Add(time.Duration(seq) * 33 * time.Millisecond),
			Sensor:     ipa.SensorState{Exposure: 100 * seq, Gain: 1.5},
			Controls:   ipa.SensorControls{Sequence: seq, ExposureLines: 100*seq + 50, AnalogueGain: 2, FocusStep: 5 * seq},
			AFVariance: float64(seq) * 10,
			AFStable:   seq == 4,
			Elapsed:    250 * time.Microsecond,
		}
		require.NoError(t, db.RecordFrame(rec))
		want = append(want, rec)
	}
	// Another session must not leak into the query.
	require.NoError(t, db.RecordFrame(controller.FrameRecord{SessionID: uuid.New(), Sequence: 99, Timestamp: base}))

	got, err := db.RecentFrames(session, 3)
	require.NoError(t, err)
	if diff := cmp.Diff(want[2:], got, cmp.Comparer(func(a, b time.Time) bool { return a.Equal(b) })); diff != "" {
		t.Errorf("RecentFrames mismatch (-want +got):\n%s", diff)
	}

	latest, err := db.LatestSession()
	require.NoError(t, err)
	assert.Equal(t, session, latest)
}

func TestRecordRequest_Counts(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()
	for i, st := range []framebuffer.CompletionStatus{
		framebuffer.RequestComplete, framebuffer.RequestComplete,
		framebuffer.RequestCancelled, framebuffer.RequestPartialFailure,
	} {
		require.NoError(t, db.RecordRequest(pipeline.RequestRecord{
			CameraID:    "cam0",
			RequestID:   uuid.New(),
			Status:      st,
			Buffers:     2,
			QueuedAt:    now.Add(time.Duration(i) * time.Millisecond),
			CompletedAt: now.Add(time.Duration(i+1) * time.Millisecond),
		}))
	}

	counts, err := db.RequestCounts("cam0")
	require.NoError(t, err)
	assert.Equal(t, map[framebuffer.CompletionStatus]int{
		framebuffer.RequestComplete:       2,
		framebuffer.RequestCancelled:      1,
		framebuffer.RequestPartialFailure: 1,
	}, counts)

	counts, err = db.RequestCounts("cam1")
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestAdminRoutes(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.RecordFrame(controller.FrameRecord{SessionID: uuid.New(), Timestamp: time.Now()}))

	mux := http.NewServeMux()
	require.NoError(t, db.AttachAdminRoutes(mux))

	rec := testutil.ServeDebug(mux, "/debug/backup")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "-backup-")

	gz, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	data, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Equal(t, "SQLite format 3\x00", string(data[:16]))

	rec = testutil.ServeDebug(mux, "/debug/tailsql/")
	assert.NotEqual(t, http.StatusNotFound, rec.Code)
}
