package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tablequeue/internal/availability"
	"tablequeue/internal/config"
	"tablequeue/internal/database"
	"tablequeue/internal/events"
	"tablequeue/internal/hold"
	"tablequeue/internal/ledger"
	"tablequeue/internal/models"
	"tablequeue/internal/notify"
	"tablequeue/internal/slotclock"
)

const (
	day  = "2026-02-10"
	slot = "07:30-08:50"
)

func window(t *testing.T) slotclock.Window {
	t.Helper()
	w, err := slotclock.New(time.UTC).Window(day, slot)
	require.NoError(t, err)
	return w
}

func TestEvaluate(t *testing.T) {
	w := window(t)
	at := func(hhmm string) time.Time {
		ts, err := time.Parse("2006-01-02 15:04", day+" "+hhmm)
		require.NoError(t, err)
		return ts
	}

	tests := []struct {
		name  string
		entry models.QueueEntry
		now   time.Time
		want  Decision
	}{
		{
			name:  "far from start",
			entry: models.QueueEntry{Status: models.StatusWaiting},
			now:   at("06:00"),
			want:  Decision{WaitMinutes: 90},
		},
		{
			name:  "inside fifteen minutes",
			entry: models.QueueEntry{Status: models.StatusWaiting},
			now:   at("07:20"),
			want:  Decision{FifteenMinute: true, WaitMinutes: 10},
		},
		{
			name:  "exactly fifteen minutes",
			entry: models.QueueEntry{Status: models.StatusWaiting},
			now:   at("07:15"),
			want:  Decision{FifteenMinute: true, WaitMinutes: 15},
		},
		{
			name:  "fifteen minute notice already sent",
			entry: models.QueueEntry{Status: models.StatusWaiting, NotifiedAt15Min: true},
			now:   at("07:20"),
			want:  Decision{WaitMinutes: 10},
		},
		{
			name:  "already holding a table",
			entry: models.QueueEntry{Status: models.StatusNotified, TableAvailable: true},
			now:   at("07:20"),
			want:  Decision{WaitMinutes: 10},
		},
		{
			name:  "slot started",
			entry: models.QueueEntry{Status: models.StatusWaiting, NotifiedAt15Min: true},
			now:   at("07:31"),
			want:  Decision{StartNotice: true},
		},
		{
			name:  "slot started notice already sent",
			entry: models.QueueEntry{Status: models.StatusWaiting, SlotStartNotified: true},
			now:   at("07:31"),
			want:  Decision{},
		},
		{
			name:  "slot ended regardless of flags",
			entry: models.QueueEntry{Status: models.StatusWaiting, NotifiedAt15Min: true, SlotStartNotified: true},
			now:   at("08:50"),
			want:  Decision{EndSlot: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(&tt.entry, w, tt.now))
		})
	}
}

type notices struct {
	mu   sync.Mutex
	sent []notify.Notice
}

func (n *notices) Send(_ context.Context, notice notify.Notice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notice)
	return nil
}

func (n *notices) count(kind notify.Kind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, s := range n.sent {
		if s.Kind == kind {
			c++
		}
	}
	return c
}

type rig struct {
	db      *database.DB
	ledger  *ledger.Ledger
	sched   *Scheduler
	notices *notices

	mu  sync.Mutex
	now time.Time
}

func (r *rig) clock() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.now
}

func (r *rig) set(hhmm string) {
	ts, _ := time.Parse("2006-01-02 15:04", day+" "+hhmm)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = ts
}

func newRig(t *testing.T) *rig {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "sched.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	r := &rig{db: db, notices: &notices{}}
	r.set("06:00")
	floor := config.NewFloorPlan(models.DefaultFloorPlan())
	clock := slotclock.New(time.UTC)
	bus := events.NewEventBus(&logger)
	r.ledger = ledger.New(db, bus, &logger)
	holds := hold.NewManager(db, r.ledger, floor, clock, r.notices, bus, &logger, hold.WithClock(r.clock))
	t.Cleanup(holds.Close)
	matcher := availability.NewMatcher(floor, db, &logger, availability.WithClock(r.clock))

	r.sched = New(Config{Interval: 10 * time.Millisecond, Workers: 2}, db, holds, matcher, clock, r.notices, &logger)
	r.sched.now = r.clock
	return r
}

func (r *rig) join(t *testing.T, id, user string, hall models.Hall, guests int) {
	t.Helper()
	now := r.clock()
	_, err := r.ledger.Insert(context.Background(), &models.QueueEntry{
		ID: id, UserID: user, Name: user, Guests: guests, Contact: user, NotificationMethod: models.NotifySMS,
		Hall: hall, Segment: models.SegmentAny, QueueDate: day, TimeSlot: slot,
		JoinedAt: now, Status: models.StatusWaiting, UpdatedAt: now,
	})
	require.NoError(t, err)
}

func (r *rig) advance(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = r.now.Add(d)
}

func (r *rig) reserve(t *testing.T, keep func(models.Table) bool) {
	t.Helper()
	for _, tb := range models.DefaultFloorPlan() {
		if !keep(tb) {
			continue
		}
		require.NoError(t, r.db.CreateReservation(context.Background(), &models.Reservation{
			ID: "R-" + tb.ID, UserID: "walkin", TableNumber: tb.Number, TableID: tb.ID, Date: day, TimeSlot: slot,
			Guests: 2, Location: tb.Hall.Location(), Segment: string(tb.Segment), Status: models.ReservationConfirmed,
			CreatedAt: r.clock(), UpdatedAt: r.clock(),
		}, r.clock()))
	}
}

func (r *rig) reserveAll(t *testing.T, hall models.Hall) {
	t.Helper()
	r.reserve(t, func(tb models.Table) bool { return tb.Hall == hall })
}

func TestTick_RefreshesWaitEstimate(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	r.join(t, "Q1", "U1", models.HallVIP, 2)

	r.sched.Tick(ctx)
	e, err := r.db.GetEntry(ctx, "Q1")
	require.NoError(t, err)
	assert.Equal(t, 90, e.EstimatedWaitMinutes)
	assert.False(t, e.NotifiedAt15Min)
}

func TestTick_FifteenMinuteNoTable(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	r.reserveAll(t, models.HallVIP)
	r.join(t, "Q1", "U1", models.HallVIP, 2)

	r.set("07:20")
	r.sched.Tick(ctx)
	r.sched.Tick(ctx)

	e, err := r.db.GetEntry(ctx, "Q1")
	require.NoError(t, err)
	assert.True(t, e.NotifiedAt15Min)
	assert.Equal(t, models.StatusWaiting, e.Status)
	assert.Equal(t, 1, r.notices.count(notify.KindNoTableYet), "fires once per entry")
}

func TestTick_FifteenMinuteOffersFreeTable(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	r.join(t, "Q1", "U1", models.HallVIP, 2)

	r.set("07:20")
	r.sched.Tick(ctx)

	e, err := r.db.GetEntry(ctx, "Q1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusNotified, e.Status)
	assert.Equal(t, models.ReasonImmediate, e.OfferReason)
	assert.Equal(t, "T001", e.HeldTableID)
	assert.True(t, e.NotifiedAt15Min)
	assert.Equal(t, 1, r.notices.count(notify.KindHoldOffered))
}

func TestTick_FifteenMinuteOfferGoesToEarliestJoiner(t *testing.T) {
	for round := 0; round < 20; round++ {
		r := newRig(t)
		ctx := context.Background()
		r.reserve(t, func(tb models.Table) bool { return tb.ID != "T001" })

		ids := []string{"Q1", "Q2", "Q3", "Q4"}
		for i, id := range ids {
			r.join(t, id, fmt.Sprintf("U%d", i+1), models.HallVIP, 2)
			r.advance(time.Second)
		}

		r.set("07:20")
		r.sched.Tick(ctx)

		first, err := r.db.GetEntry(ctx, "Q1")
		require.NoError(t, err)
		require.Equal(t, models.StatusNotified, first.Status, "round %d", round)
		assert.Equal(t, "T001", first.HeldTableID)
		assert.Equal(t, models.ReasonImmediate, first.OfferReason)

		for _, id := range ids[1:] {
			e, err := r.db.GetEntry(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, models.StatusWaiting, e.Status, "round %d entry %s", round, id)
			assert.True(t, e.NotifiedAt15Min)
		}
		assert.Equal(t, 1, r.notices.count(notify.KindHoldOffered))
		assert.Equal(t, 3, r.notices.count(notify.KindNoTableYet), "only the entries left without a table")
	}
}

func TestTick_SlotStartNoticeKeepsEntry(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	r.reserveAll(t, models.HallVIP)
	r.join(t, "Q1", "U1", models.HallVIP, 2)

	r.set("07:35")
	r.sched.Tick(ctx)
	r.sched.Tick(ctx)

	e, err := r.db.GetEntry(ctx, "Q1")
	require.NoError(t, err)
	assert.True(t, e.SlotStartNotified)
	assert.Equal(t, 0, e.EstimatedWaitMinutes)
	assert.Equal(t, 1, r.notices.count(notify.KindSlotStarted))
}

func TestTick_SlotEndExpiresEntry(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	r.reserveAll(t, models.HallVIP)
	r.join(t, "Q1", "U1", models.HallVIP, 2)

	r.set("07:20")
	r.sched.Tick(ctx)
	r.set("07:40")
	r.sched.Tick(ctx)
	r.set("08:51")
	r.sched.Tick(ctx)

	_, err := r.db.GetEntry(ctx, "Q1")
	assert.ErrorIs(t, err, database.ErrNotFound)

	history, err := r.db.ListHistoryByDate(ctx, day)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.OutcomeSlotEnded, history[0].Outcome)
	assert.Equal(t, 1, r.notices.count(notify.KindSlotEnded))
}

func TestStartStop(t *testing.T) {
	r := newRig(t)
	r.join(t, "Q1", "U1", models.HallVIP, 2)

	go r.sched.Start(context.Background())
	require.Eventually(t, func() bool {
		e, err := r.db.GetEntry(context.Background(), "Q1")
		return err == nil && e.EstimatedWaitMinutes == 90
	}, time.Second, 10*time.Millisecond)

	r.sched.Stop()
	r.sched.Stop()
}
