package hold

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tablequeue/internal/apperr"
	"tablequeue/internal/config"
	"tablequeue/internal/database"
	"tablequeue/internal/events"
	"tablequeue/internal/ledger"
	"tablequeue/internal/models"
	"tablequeue/internal/notify"
	"tablequeue/internal/slotclock"
)

var t0 = time.Date(2026, 2, 10, 1, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu      sync.Mutex
	notices []notify.Notice
}

func (r *recordingNotifier) Send(_ context.Context, n notify.Notice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
	return nil
}

func (r *recordingNotifier) kinds() []notify.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Kind
	for _, n := range r.notices {
		out = append(out, n.Kind)
	}
	return out
}

type fixture struct {
	db       *database.DB
	ledger   *ledger.Ledger
	manager  *Manager
	notifier *recordingNotifier
	bus      *events.EventBus
	now      time.Time
	mu       sync.Mutex
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "hold.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &fixture{db: db, now: t0, notifier: &recordingNotifier{}}
	f.bus = events.NewEventBus(&logger)
	f.ledger = ledger.New(db, f.bus, &logger)
	f.manager = NewManager(db, f.ledger, config.NewFloorPlan(models.DefaultFloorPlan()), slotclock.New(time.UTC),
		f.notifier, f.bus, &logger, WithClock(f.clock))
	t.Cleanup(f.manager.Close)
	return f
}

func (f *fixture) join(t *testing.T, id, user string, hall models.Hall, guests int) {
	t.Helper()
	joined := f.clock()
	f.advance(time.Second)
	_, err := f.ledger.Insert(context.Background(), &models.QueueEntry{
		ID: id, UserID: user, Name: user, Guests: guests, Contact: user, NotificationMethod: models.NotifySMS,
		Hall: hall, Segment: models.SegmentAny, QueueDate: "2026-02-10", TimeSlot: "07:30-08:50",
		JoinedAt: joined, Status: models.StatusWaiting, UpdatedAt: joined,
	})
	require.NoError(t, err)
}

func table(id string) models.Table {
	for _, tb := range models.DefaultFloorPlan() {
		if tb.ID == id {
			return tb
		}
	}
	panic("unknown table " + id)
}

func freed(id string) FreedTable {
	return FreedTable{Date: "2026-02-10", Slot: "07:30-08:50", Table: table(id)}
}

func TestFSM(t *testing.T) {
	fsm := NewFSM()
	tests := []struct {
		from, to State
		allowed  bool
	}{
		{StateWaiting, StateNotified, true},
		{StateWaiting, StateExpired, true},
		{StateWaiting, StateConfirmed, false},
		{StateWaiting, StateDeclined, false},
		{StateNotified, StateConfirmed, true},
		{StateNotified, StateDeclined, true},
		{StateNotified, StateExpired, true},
		{StateConfirmed, StateNotified, false},
		{StateExpired, StateWaiting, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s to %s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, fsm.CanTransition(tt.from, tt.to))
		})
	}
	assert.Equal(t, models.OutcomeDeclined, StateDeclined.Outcome())
	assert.True(t, StateExpired.IsTerminal())
}

func TestWithHoldDuration_CappedAtDefault(t *testing.T) {
	logger := zerolog.Nop()
	build := func(d time.Duration) *Manager {
		m := NewManager(nil, nil, nil, nil, nil, nil, &logger, WithHoldDuration(d))
		t.Cleanup(m.Close)
		return m
	}
	assert.Equal(t, 90*time.Second, build(90*time.Second).HoldDuration())
	assert.Equal(t, DefaultHoldDuration, build(10*time.Minute).HoldDuration())
	assert.Equal(t, DefaultHoldDuration, build(0).HoldDuration())
}

func TestOfferFreedTable_SetsDeadline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.join(t, "Q1", "U1", models.HallAny, 2)

	e, err := f.manager.OfferFreedTable(ctx, freed("T007"), models.ReasonCancellation)
	require.NoError(t, err)
	require.NotNil(t, e)

	assert.Equal(t, models.StatusNotified, e.Status)
	assert.True(t, e.TableAvailable)
	assert.True(t, e.FromReservationCancellation)
	require.NotNil(t, e.NotificationExpiresAt)
	assert.LessOrEqual(t, e.NotificationExpiresAt.Sub(*e.NotifiedAt), 180*time.Second)
	assert.Equal(t, 1, f.manager.PendingTimers())
	assert.Equal(t, []notify.Kind{notify.KindHoldOffered}, f.notifier.kinds())
}

func TestOfferFreedTable_NobodyEligible(t *testing.T) {
	f := newFixture(t)
	f.join(t, "Q1", "U1", models.HallVIP, 2)

	e, err := f.manager.OfferFreedTable(context.Background(), freed("T007"), models.ReasonCancellation)
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestOfferFreedTable_SlotEnded(t *testing.T) {
	f := newFixture(t)
	f.join(t, "Q1", "U1", models.HallAny, 2)
	f.advance(8 * time.Hour)

	e, err := f.manager.OfferFreedTable(context.Background(), freed("T007"), models.ReasonCancellation)
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestExpireDue_MovesTableToNextEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.join(t, "Q1", "U1", models.HallAny, 2)
	f.join(t, "Q2", "U2", models.HallAny, 2)

	first, err := f.manager.OfferFreedTable(ctx, freed("T007"), models.ReasonCancellation)
	require.NoError(t, err)
	require.Equal(t, "Q1", first.ID)

	f.advance(179 * time.Second)
	expired, err := f.manager.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Empty(t, expired)

	f.advance(2 * time.Second)
	expired, err = f.manager.ExpireDue(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "Q1", expired[0].ID)

	_, err = f.db.GetEntry(ctx, "Q1")
	assert.ErrorIs(t, err, database.ErrNotFound)

	next, err := f.db.GetEntry(ctx, "Q2")
	require.NoError(t, err)
	assert.Equal(t, models.StatusNotified, next.Status)
	assert.Equal(t, "T007", next.HeldTableID)
	assert.Equal(t, models.ReasonCancellation, next.OfferReason)
	assert.Equal(t, 1, f.manager.PendingTimers())
}

func TestDecline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.join(t, "Q1", "U1", models.HallAny, 2)
	f.join(t, "Q2", "U2", models.HallAny, 2)

	t.Run("waiting entry cannot decline", func(t *testing.T) {
		err := f.manager.Decline(ctx, "Q1")
		assert.True(t, apperr.IsConflict(err))
	})

	_, err := f.manager.OfferFreedTable(ctx, freed("T007"), models.ReasonImmediate)
	require.NoError(t, err)

	require.NoError(t, f.manager.Decline(ctx, "Q1"))
	_, err = f.db.GetEntry(ctx, "Q1")
	assert.ErrorIs(t, err, database.ErrNotFound)

	next, err := f.db.GetEntry(ctx, "Q2")
	require.NoError(t, err)
	assert.Equal(t, models.StatusNotified, next.Status)
	assert.Equal(t, models.ReasonImmediate, next.OfferReason)

	t.Run("unknown entry", func(t *testing.T) {
		assert.True(t, apperr.IsNotFound(f.manager.Decline(ctx, "Q1")))
	})
}

func TestCancel_IdempotentAndStopsTimer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.join(t, "Q1", "U1", models.HallAny, 2)

	_, err := f.manager.OfferFreedTable(ctx, freed("T007"), models.ReasonCancellation)
	require.NoError(t, err)
	require.Equal(t, 1, f.manager.PendingTimers())

	require.NoError(t, f.manager.Cancel(ctx, "Q1"))
	assert.Equal(t, 0, f.manager.PendingTimers())
	require.NoError(t, f.manager.Cancel(ctx, "Q1"))

	_, err = f.db.GetEntry(ctx, "Q1")
	assert.ErrorIs(t, err, database.ErrNotFound)

	hist, err := f.db.ListHistoryByDate(ctx, "2026-02-10")
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func TestEndSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.join(t, "Q1", "U1", models.HallAny, 2)

	removed, err := f.manager.EndSlot(ctx, "Q1")
	require.NoError(t, err)
	require.NotNil(t, removed)
	assert.Equal(t, models.StatusExpired, removed.Status)
	assert.Equal(t, []notify.Kind{notify.KindSlotEnded}, f.notifier.kinds())
}

func TestOfferFreedTable_ConcurrentSingleHolder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		f.join(t, fmt.Sprintf("Q%d", i), fmt.Sprintf("U%d", i), models.HallAny, 2)
	}

	var wg sync.WaitGroup
	results := make(chan string, 6)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := f.manager.OfferFreedTable(ctx, freed("T007"), models.ReasonCancellation)
			if err == nil && e != nil {
				results <- e.ID
			}
		}()
	}
	wg.Wait()
	close(results)

	var winners []string
	for id := range results {
		winners = append(winners, id)
	}
	assert.Equal(t, []string{"Q0"}, winners)
}

func TestRestore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.join(t, "Q1", "U1", models.HallAny, 2)
	_, err := f.manager.OfferFreedTable(ctx, freed("T007"), models.ReasonCancellation)
	require.NoError(t, err)

	f.manager.stopTimer("Q1")
	require.NoError(t, f.manager.Restore(ctx))
	assert.Equal(t, 1, f.manager.PendingTimers())
}

func TestTimerFiringForfeitsHold(t *testing.T) {
	f := newFixture(t)
	f.manager.holdFor = 20 * time.Millisecond
	f.manager.now = time.Now
	ctx := context.Background()

	now := time.Now().UTC()
	_, err := f.ledger.Insert(ctx, &models.QueueEntry{
		ID: "Q1", UserID: "U1", Name: "U1", Guests: 2, Contact: "U1", NotificationMethod: models.NotifySMS,
		Hall: models.HallAny, Segment: models.SegmentAny, QueueDate: now.AddDate(0, 0, 1).Format("2006-01-02"),
		TimeSlot: "07:30-08:50", JoinedAt: now, Status: models.StatusWaiting, UpdatedAt: now,
	})
	require.NoError(t, err)

	ft := FreedTable{Date: now.AddDate(0, 0, 1).Format("2006-01-02"), Slot: "07:30-08:50", Table: table("T007")}
	_, err = f.manager.OfferFreedTable(ctx, ft, models.ReasonCancellation)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, err := f.db.GetEntry(ctx, "Q1")
		return err == database.ErrNotFound
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRedisLock(t *testing.T) {
	client, mock := redismock.NewClientMock()
	lock := NewRedisLock(client, 5*time.Second)
	lock.newToken = func() string { return "tok" }

	mock.ExpectSetNX("tablequeue:lock:offer:2026-02-10|07:30-08:50", "tok", 5*time.Second).SetVal(true)
	mock.ExpectEval(releaseScript, []string{"tablequeue:lock:offer:2026-02-10|07:30-08:50"}, "tok").SetVal(int64(1))

	release, err := lock.Acquire(context.Background(), "offer:2026-02-10|07:30-08:50")
	require.NoError(t, err)
	release()
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisLock_Busy(t *testing.T) {
	client, mock := redismock.NewClientMock()
	lock := NewRedisLock(client, time.Second)
	lock.wait = 0
	lock.newToken = func() string { return "tok" }

	mock.ExpectSetNX("tablequeue:lock:k", "tok", time.Second).SetVal(false)

	_, err := lock.Acquire(context.Background(), "k")
	assert.ErrorIs(t, err, ErrLockBusy)
}
