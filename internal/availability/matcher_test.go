package availability

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tablequeue/internal/models"
)

type staticFloor []models.Table

func (f staticFloor) Tables() []models.Table { return f }

type fakeSource struct {
	reserved []models.Reservation
	holds    []models.QueueEntry
	calls    int
}

func (f *fakeSource) ReservedTables(_ context.Context, date, slot string) ([]models.Reservation, error) {
	f.calls++
	var out []models.Reservation
	for _, r := range f.reserved {
		if r.Date == date && r.TimeSlot == slot {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeSource) LiveHolds(_ context.Context, date, slot string, now time.Time) ([]models.QueueEntry, error) {
	var out []models.QueueEntry
	for _, h := range f.holds {
		if h.QueueDate == date && h.TimeSlot == slot && h.HoldLive(now) {
			out = append(out, h)
		}
	}
	return out, nil
}

var now = time.Date(2026, 2, 10, 1, 0, 0, 0, time.UTC)

func newMatcher(src Source, opts ...Option) *Matcher {
	logger := zerolog.Nop()
	opts = append(opts, WithClock(func() time.Time { return now }))
	return NewMatcher(staticFloor(models.DefaultFloorPlan()), src, &logger, opts...)
}

func reservation(table string, user string) models.Reservation {
	return models.Reservation{ID: "R" + table, UserID: user, TableID: table, Date: "2026-02-10", TimeSlot: "07:30-08:50", Status: models.ReservationConfirmed}
}

func TestCheck_NoConflictIsAvailable(t *testing.T) {
	m := newMatcher(&fakeSource{})
	res, err := m.Check(context.Background(), Query{
		Date: "2026-02-10", Slot: "07:30-08:50", Guests: 2, Hall: models.HallAny, Segment: models.SegmentAny,
	})
	require.NoError(t, err)
	assert.True(t, res.Available)
	require.NotNil(t, res.Table)
	// smallest adequate table, lowest number
	assert.Equal(t, "T007", res.Table.ID)
}

func TestCheck_Matching(t *testing.T) {
	src := &fakeSource{reserved: []models.Reservation{reservation("T001", "u9"), reservation("T002", "u9"), reservation("T003", "u9")}}
	m := newMatcher(src)
	ctx := context.Background()

	tests := []struct {
		name      string
		q         Query
		available bool
		table     string
	}{
		{"vip fully reserved", Query{Guests: 2, Hall: models.HallVIP, Segment: models.SegmentAny}, false, ""},
		{"own reservation still blocks", Query{Guests: 2, Hall: models.HallVIP, Segment: models.SegmentAny, ExcludeUserID: "u9"}, false, ""},
		{"segment prefix", Query{Guests: 4, Hall: models.HallMain, Segment: models.SegmentBack}, true, "T012"},
		{"too many guests", Query{Guests: 9, Hall: models.HallAny, Segment: models.SegmentAny}, false, ""},
		{"ac front", Query{Guests: 3, Hall: models.HallAC, Segment: models.SegmentFront}, true, "T004"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.q.Date = "2026-02-10"
			tt.q.Slot = "07:30-08:50"
			res, err := m.Check(ctx, tt.q)
			require.NoError(t, err)
			assert.Equal(t, tt.available, res.Available)
			if tt.table != "" {
				require.NotNil(t, res.Table)
				assert.Equal(t, tt.table, res.Table.ID)
			}
		})
	}
}

func TestCheck_LiveHoldBlocksOthers(t *testing.T) {
	expires := now.Add(time.Minute)
	src := &fakeSource{holds: []models.QueueEntry{{
		UserID: "u1", QueueDate: "2026-02-10", TimeSlot: "07:30-08:50",
		Status: models.StatusNotified, NotificationExpiresAt: &expires, HeldTableID: "T007",
	}}}
	m := newMatcher(src)
	ctx := context.Background()

	q := Query{Date: "2026-02-10", Slot: "07:30-08:50", Guests: 2, Hall: models.HallAC, Segment: models.SegmentBack}
	res, err := m.Check(ctx, q)
	require.NoError(t, err)
	assert.False(t, res.Available)

	q.ExcludeUserID = "u1"
	res, err = m.Check(ctx, q)
	require.NoError(t, err)
	assert.True(t, res.Available)
}

func TestTablesFor_WaitingQueueOption(t *testing.T) {
	src := &fakeSource{reserved: []models.Reservation{reservation("T007", "u1")}}
	m := newMatcher(src)

	listing, err := m.TablesFor(context.Background(), Query{
		Date: "2026-02-10", Slot: "07:30-08:50", Guests: 2, Hall: models.HallAC, Segment: models.SegmentBack,
	})
	require.NoError(t, err)
	require.Len(t, listing.Tables, 1)
	assert.False(t, listing.Tables[0].IsAvailable)
	assert.Equal(t, "ac hall", listing.Tables[0].Location)
	assert.True(t, listing.ShowWaitingQueueOption)

	listing, err = m.TablesFor(context.Background(), Query{
		Date: "2026-02-10", Slot: "07:30-08:50", Guests: 20, Hall: models.HallAny, Segment: models.SegmentAny,
	})
	require.NoError(t, err)
	assert.Empty(t, listing.Tables)
	assert.False(t, listing.ShowWaitingQueueOption)
}

func TestCheck_CachesReservationsInRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	src := &fakeSource{reserved: []models.Reservation{reservation("T007", "u1")}}
	m := newMatcher(src, WithCache(client, time.Minute))
	ctx := context.Background()
	q := Query{Date: "2026-02-10", Slot: "07:30-08:50", Guests: 2, Hall: models.HallAC, Segment: models.SegmentBack}

	for i := 0; i < 3; i++ {
		res, err := m.Check(ctx, q)
		require.NoError(t, err)
		assert.False(t, res.Available)
	}
	assert.Equal(t, 1, src.calls)
	assert.True(t, mr.Exists("tablequeue:reserved:2026-02-10:07:30-08:50"))

	src.reserved = nil
	m.Invalidate(ctx, "2026-02-10", "07:30-08:50")
	res, err := m.Check(ctx, q)
	require.NoError(t, err)
	assert.True(t, res.Available)
	assert.Equal(t, 2, src.calls)
}
