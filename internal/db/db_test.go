package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/flowmeter/internal/flow"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNewDBMigratesSchema(t *testing.T) {
	db := newTestDB(t)

	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint(1), version)

	// Re-running is a no-op on a current schema.
	require.NoError(t, db.MigrateUp())
}

func TestMigrateDown(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.MigrateDown())
	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint(0), version)
}

func TestSessionLifecycle(t *testing.T) {
	db := newTestDB(t)

	id, err := db.StartSession("/dev/ttyUSB0")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	sessions, err := db.Sessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, id, sessions[0].ID)
	assert.Equal(t, "/dev/ttyUSB0", sessions[0].Port)
	assert.Nil(t, sessions[0].EndedAt)

	require.NoError(t, db.EndSession(id))
	sessions, err = db.Sessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.NotNil(t, sessions[0].EndedAt)

	// Ending an already ended or unknown session is harmless.
	require.NoError(t, db.EndSession(id))
	require.NoError(t, db.EndSession("no-such-session"))
}

func TestRecordAndReadPoints(t *testing.T) {
	db := newTestDB(t)

	id, err := db.StartSession("/dev/ttyUSB0")
	require.NoError(t, err)

	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	points := []flow.Point{
		{Time: base, Raw: 2.5, Smoothed: 2.5, Volume: 0.0417, Status: flow.StatusConnected},
		{Time: base.Add(time.Second), Raw: 2.48, Smoothed: 2.49, Volume: 0.0834, Status: flow.StatusConnected},
	}
	for _, p := range points {
		require.NoError(t, db.RecordPoint(id, p))
	}

	got, err := db.SessionPoints(id)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 2.5, got[0].Raw)
	assert.Equal(t, 0.0834, got[1].Volume)
	assert.Equal(t, flow.StatusConnected, got[1].Status)
	assert.True(t, got[0].Time.Before(got[1].Time))

	sessions, err := db.Sessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, 2, sessions[0].Samples)
}

func TestSessionsNewestFirst(t *testing.T) {
	db := newTestDB(t)

	first, err := db.StartSession("/dev/ttyUSB0")
	require.NoError(t, err)
	// sqlite stores times with enough resolution that back-to-back
	// sessions still order; nudge the clock to be safe.
	time.Sleep(2 * time.Millisecond)
	second, err := db.StartSession("/dev/ttyUSB1")
	require.NoError(t, err)

	sessions, err := db.Sessions()
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, second, sessions[0].ID)
	assert.Equal(t, first, sessions[1].ID)
}

func TestSessionPointsUnknownSession(t *testing.T) {
	db := newTestDB(t)

	points, err := db.SessionPoints("no-such-session")
	require.NoError(t, err)
	assert.Empty(t, points)
}
