package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tablequeue/internal/models"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoad_DefaultsAndEnvExpansion(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TQ_TEST_REDIS", "localhost:6390")

	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, `
database:
  path: "`+filepath.Join(dir, "db", "queue.db")+`"
redis:
  address: "${TQ_TEST_REDIS}"
queue:
  hold_seconds: 0
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "localhost:6390", cfg.Redis.Address)
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, 180*time.Second, cfg.HoldDuration())
	assert.Equal(t, time.Second, cfg.TickInterval())
	assert.Equal(t, 15*time.Minute, cfg.NoticeWindow())
	assert.Equal(t, "tablequeue.events", cfg.RabbitMQ.Exchange)
	assert.DirExists(t, filepath.Join(dir, "db"))

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "Asia/Kolkata", loc.String())
}

func TestLoad_HoldWindowLimit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	dbPath := filepath.Join(dir, "db", "queue.db")

	writeFile(t, path, "database:\n  path: \""+dbPath+"\"\nqueue:\n  hold_seconds: 181\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hold_seconds")

	writeFile(t, path, "database:\n  path: \""+dbPath+"\"\nqueue:\n  hold_seconds: 90\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.HoldDuration())

	cfg.Queue.HoldSeconds = 600
	assert.Equal(t, 180*time.Second, cfg.HoldDuration())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadFloorPlan(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing file falls back to default layout", func(t *testing.T) {
		fp, err := LoadFloorPlan(filepath.Join(dir, "none.yaml"))
		require.NoError(t, err)
		assert.Len(t, fp.Tables, 12)
	})

	t.Run("normalizes ids and halls", func(t *testing.T) {
		path := filepath.Join(dir, "plan.yaml")
		writeFile(t, path, `
tables:
  - number: 2
    hall: "main hall"
    segment: "Back side"
    capacity: 2
  - number: 1
    name: "Window"
    hall: "VIP"
    segment: "Front"
    capacity: 4
`)
		fp, err := LoadFloorPlan(path)
		require.NoError(t, err)
		require.Len(t, fp.Tables, 2)
		assert.Equal(t, "T001", fp.Tables[0].ID)
		assert.Equal(t, models.HallMain, fp.Tables[1].Hall)
		assert.Equal(t, models.SegmentBack, fp.Tables[1].Segment)
		assert.Equal(t, "Main Table 2", fp.Tables[1].Name)
	})

	t.Run("rejects wildcard hall", func(t *testing.T) {
		path := filepath.Join(dir, "bad.yaml")
		writeFile(t, path, `
tables:
  - number: 1
    hall: "Any"
    segment: "Front"
    capacity: 2
`)
		_, err := LoadFloorPlan(path)
		assert.Error(t, err)
	})
}

func TestFloorPlan_Lookup(t *testing.T) {
	fp := NewFloorPlan(models.DefaultFloorPlan())
	tbl, ok := fp.Table("T007")
	require.True(t, ok)
	assert.Equal(t, 2, tbl.Capacity)

	_, ok = fp.Table("T099")
	assert.False(t, ok)

	fp.Set(models.DefaultFloorPlan()[:1])
	assert.Len(t, fp.Tables(), 1)
}

func TestWatchFloorPlan(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plan.yaml")
	writeFile(t, path, "tables:\n  - number: 1\n    hall: AC\n    segment: Front\n    capacity: 2\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := zerolog.Nop()
	var calls atomic.Int32
	var lastCount atomic.Int32
	err := WatchFloorPlan(ctx, path, 10*time.Millisecond, &logger, func(c *FloorPlanConfig) {
		calls.Add(1)
		lastCount.Store(int32(len(c.Tables)))
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	touch := func(offset time.Duration) {
		ts := time.Now().Add(offset)
		require.NoError(t, os.Chtimes(path, ts, ts))
	}

	writeFile(t, path, "tables:\n  - number: 0\n")
	touch(time.Minute)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load(), "invalid plan must not replace the current one")

	writeFile(t, path, "tables:\n  - number: 1\n    hall: AC\n    segment: Front\n    capacity: 2\n  - number: 2\n    hall: VIP\n    segment: Back\n    capacity: 8\n")
	touch(2 * time.Minute)

	assert.Eventually(t, func() bool { return lastCount.Load() == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
}
