package history_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/axectl/internal/history"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServiceDisabled(t *testing.T) {
	rec, err := history.NewService(history.Config{Enabled: false}, "run-1")
	require.NoError(t, err)

	err = rec.Record(context.Background(), &history.Entry{})
	assert.NoError(t, err, "No-op recorder accepts entries")
	assert.NoError(t, rec.Close())
}

func TestRecordAndFlush(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	cfg := history.Config{
		Enabled:       true,
		DBPath:        dbPath,
		BufferSize:    1, // flush on every record
		FlushInterval: time.Minute,
	}

	rec, err := history.NewService(cfg, "run-42")
	require.NoError(t, err)

	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, rec.Record(context.Background(), &history.Entry{
		At:           at,
		TempC:        58.5,
		PowerW:       13.2,
		HashrateGHS:  492.5,
		VoltageMV:    1210,
		FrequencyMHz: 475,
		Mode:         "normal",
		Reason:       "pid",
	}))
	require.NoError(t, rec.Record(context.Background(), &history.Entry{
		At:           at.Add(5 * time.Second),
		TempC:        59.0,
		PowerW:       13.4,
		HashrateGHS:  497.0,
		VoltageMV:    1210,
		FrequencyMHz: 475,
		Mode:         "normal",
		Reason:       "hold",
	}))
	require.NoError(t, rec.Close())

	db, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	defer db.Close()

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM tuning_history").Scan(&count))
	assert.Equal(t, 2, count, "Expected both entries flushed")

	var (
		runID, mode, reason string
		voltage, frequency  int
		hashrate            float64
	)
	require.NoError(t, db.QueryRow(`
        SELECT run_id, voltage, frequency, hashrate, mode, reason
        FROM tuning_history ORDER BY id LIMIT 1
    `).Scan(&runID, &voltage, &frequency, &hashrate, &mode, &reason))
	assert.Equal(t, "run-42", runID, "Entries are stamped with the run ID")
	assert.Equal(t, 1210, voltage)
	assert.Equal(t, 475, frequency)
	assert.InDelta(t, 492.5, hashrate, 0.001)
	assert.Equal(t, "normal", mode)
	assert.Equal(t, "pid", reason)
}

func TestRecordNilEntry(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	rec, err := history.NewService(history.Config{
		Enabled:       true,
		DBPath:        dbPath,
		BufferSize:    8,
		FlushInterval: time.Minute,
	}, "run-1")
	require.NoError(t, err)
	defer rec.Close()

	err = rec.Record(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "history_invalid_entry")
}

func TestValidate(t *testing.T) {
	cfg := history.DefaultConfig()
	assert.NoError(t, cfg.Validate(), "Defaults are valid")

	cfg.Enabled = true
	cfg.DBPath = ""
	assert.Error(t, cfg.Validate(), "Enabled history requires a database path")

	cfg = history.DefaultConfig()
	cfg.Enabled = true
	cfg.BufferSize = 0
	assert.Error(t, cfg.Validate(), "Buffer size must be positive")
}
