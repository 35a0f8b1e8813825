package slotclock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalogDisplay(t *testing.T) {
	slots := Catalog()
	require.Len(t, slots, 6)

	assert.Equal(t, "07:30-08:50", slots[0].ID)
	assert.Equal(t, "7:30 AM - 8:50 AM", slots[0].Display)
	assert.Equal(t, "7:30 AM – 8:50 AM", slots[0].Label)
	assert.Equal(t, "12:00 PM - 1:20 PM", Display("12:00-13:20"))
	assert.Equal(t, "8:20 PM – 9:40 PM", Label("20:20-21:40"))
	assert.Equal(t, "bogus", Display("bogus"))
}

func TestResolve(t *testing.T) {
	for _, in := range []string{"18:40-20:00", "6:40 PM - 8:00 PM", "6:40 PM – 8:00 PM", " 18:40-20:00 "} {
		s, ok := Resolve(in)
		require.True(t, ok, in)
		assert.Equal(t, "18:40-20:00", s.ID)
	}
	_, ok := Resolve("18:40")
	assert.False(t, ok)
}

func TestWindow(t *testing.T) {
	clock := New(time.UTC)
	w, err := clock.Window("2026-02-10", "07:30-08:50")
	require.NoError(t, err)

	tests := []struct {
		name    string
		now     time.Time
		started bool
		ended   bool
		minutes float64
	}{
		{"an hour before", time.Date(2026, 2, 10, 6, 30, 0, 0, time.UTC), false, false, 60},
		{"at start", time.Date(2026, 2, 10, 7, 30, 0, 0, time.UTC), true, false, 0},
		{"during", time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC), true, false, -30},
		{"at end", time.Date(2026, 2, 10, 8, 50, 0, 0, time.UTC), true, true, -80},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.started, w.IsStarted(tt.now))
			assert.Equal(t, tt.ended, w.IsEnded(tt.now))
			assert.InDelta(t, tt.minutes, w.MinutesUntilStart(tt.now), 0.001)
		})
	}
}

func TestWindowErrors(t *testing.T) {
	clock := New(nil)
	_, err := clock.Window("2026-02-10", "07:00-08:00")
	assert.Error(t, err)
	_, err = clock.Window("10-02-2026", "07:30-08:50")
	assert.Error(t, err)
}

func TestSlotsFor(t *testing.T) {
	clock := New(time.UTC)
	now := time.Date(2026, 2, 10, 12, 30, 0, 0, time.UTC)

	t.Run("today excludes started slots", func(t *testing.T) {
		slots, err := clock.SlotsFor("2026-02-10", now)
		require.NoError(t, err)
		ids := make([]string, 0, len(slots))
		for _, s := range slots {
			ids = append(ids, s.ID)
		}
		assert.Equal(t, []string{"13:40-15:00", "18:40-20:00", "20:20-21:40"}, ids)
	})

	t.Run("future date has full catalog", func(t *testing.T) {
		slots, err := clock.SlotsFor("2026-02-11", now)
		require.NoError(t, err)
		assert.Len(t, slots, 6)
	})

	t.Run("past date has none", func(t *testing.T) {
		slots, err := clock.SlotsFor("2026-02-09", now)
		require.NoError(t, err)
		assert.Empty(t, slots)
	})

	t.Run("invalid date", func(t *testing.T) {
		_, err := clock.SlotsFor("tomorrow", now)
		assert.Error(t, err)
	})
}

func TestSlotsForUsesClockZone(t *testing.T) {
	loc := time.FixedZone("IST", 5*3600+1800)
	clock := New(loc)
	// 02:00 UTC is 07:30 IST, so the first slot has just started.
	now := time.Date(2026, 2, 10, 2, 0, 0, 0, time.UTC)
	slots, err := clock.SlotsFor("2026-02-10", now)
	require.NoError(t, err)
	require.Len(t, slots, 5)
	assert.Equal(t, "09:10-10:30", slots[0].ID)
	assert.Equal(t, "2026-02-10", clock.Today(now))
}

func TestEstimatedWaitMinutes(t *testing.T) {
	clock := New(time.UTC)
	now := time.Date(2026, 2, 10, 7, 0, 30, 0, time.UTC)

	assert.Equal(t, 30, clock.EstimatedWaitMinutes("2026-02-10", "07:30-08:50", now))
	assert.Equal(t, 0, clock.EstimatedWaitMinutes("2026-02-09", "07:30-08:50", now))
	assert.Equal(t, DefaultWaitMinutes, clock.EstimatedWaitMinutes("2026-02-10", "nope", now))
}
