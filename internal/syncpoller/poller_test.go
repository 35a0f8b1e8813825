package syncpoller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"tablequeue/internal/models"
)

type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) Poll(ctx context.Context, userID string) (*models.PollResult, error) {
	args := m.Called(ctx, userID)
	res, _ := args.Get(0).(*models.PollResult)
	return res, args.Error(1)
}

func (m *mockBackend) ListEntries(ctx context.Context, date, userID string) ([]models.QueueEntry, error) {
	args := m.Called(ctx, date, userID)
	entries, _ := args.Get(0).([]models.QueueEntry)
	return entries, args.Error(1)
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) add(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func waiting(position, wait int) models.QueueEntry {
	return models.QueueEntry{ID: "Q1", UserID: "U1", Status: models.StatusWaiting, Position: position, EstimatedWaitMinutes: wait}
}

func newPoller(t *testing.T, b *mockBackend) (*Poller, *recorder) {
	t.Helper()
	logger := zerolog.Nop()
	rec := &recorder{}
	p := New(b, "U1", 10*time.Millisecond, rec.add, &logger)
	b.On("ListEntries", mock.Anything, "", "U1").Return([]models.QueueEntry{waiting(2, 30)}, nil).Once()
	require.NoError(t, p.Load(context.Background()))
	return p, rec
}

func TestPollOnce_MergesChangedFields(t *testing.T) {
	b := &mockBackend{}
	p, rec := newPoller(t, b)

	cur := waiting(1, 25)
	cur.Name = "ignored"
	b.On("Poll", mock.Anything, "U1").Return(&models.PollResult{Entry: &cur}, nil).Once()
	require.NoError(t, p.PollOnce(context.Background()))

	got := p.Entries()
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Position)
	assert.Equal(t, 25, got[0].EstimatedWaitMinutes)
	assert.Empty(t, got[0].Name, "only tracked fields are merged")
	assert.Equal(t, []EventKind{Updated}, rec.kinds())

	b.On("Poll", mock.Anything, "U1").Return(&models.PollResult{Entry: &cur}, nil).Once()
	require.NoError(t, p.PollOnce(context.Background()))
	assert.Len(t, rec.kinds(), 1, "unchanged poll emits nothing")
	b.AssertExpectations(t)
}

func TestPollOnce_SurfacesHoldOnce(t *testing.T) {
	b := &mockBackend{}
	p, rec := newPoller(t, b)

	held := waiting(1, 5)
	held.Status = models.StatusNotified
	held.TableAvailable = true
	b.On("Poll", mock.Anything, "U1").Return(&models.PollResult{Entry: &held, TableAvailable: true}, nil).Twice()

	require.NoError(t, p.PollOnce(context.Background()))
	require.NoError(t, p.PollOnce(context.Background()))
	assert.Equal(t, []EventKind{HoldOffered}, rec.kinds())
}

func TestPollOnce_NoopWhileDialogOpen(t *testing.T) {
	b := &mockBackend{}
	p, rec := newPoller(t, b)

	p.SetDialogOpen(true)
	require.NoError(t, p.PollOnce(context.Background()))
	assert.Empty(t, rec.kinds())
	b.AssertNotCalled(t, "Poll", mock.Anything, mock.Anything)
}

func TestPollOnce_EntryGoneResolvesAndReloads(t *testing.T) {
	b := &mockBackend{}
	p, rec := newPoller(t, b)

	b.On("Poll", mock.Anything, "U1").Return(&models.PollResult{}, nil).Once()
	b.On("ListEntries", mock.Anything, "", "U1").Return([]models.QueueEntry{}, nil).Once()
	require.NoError(t, p.PollOnce(context.Background()))

	assert.Equal(t, []EventKind{Resolved}, rec.kinds())
	assert.Empty(t, p.Entries())
	b.AssertExpectations(t)
}

func TestPollOnce_AutoExpired(t *testing.T) {
	b := &mockBackend{}
	p, rec := newPoller(t, b)

	b.On("Poll", mock.Anything, "U1").Return(&models.PollResult{AutoExpired: true}, nil).Once()
	b.On("ListEntries", mock.Anything, "", "U1").Return([]models.QueueEntry{}, nil).Once()
	require.NoError(t, p.PollOnce(context.Background()))

	assert.Equal(t, []EventKind{AutoExpired}, rec.kinds())
	b.AssertExpectations(t)
}

func TestPollOnce_ErrorKeepsState(t *testing.T) {
	b := &mockBackend{}
	p, rec := newPoller(t, b)

	b.On("Poll", mock.Anything, "U1").Return(nil, errors.New("connection refused")).Once()
	assert.Error(t, p.PollOnce(context.Background()))
	assert.Len(t, p.Entries(), 1)
	assert.Empty(t, rec.kinds())
}

func TestStartStop(t *testing.T) {
	b := &mockBackend{}
	logger := zerolog.Nop()
	rec := &recorder{}
	p := New(b, "U1", 5*time.Millisecond, rec.add, &logger)

	b.On("ListEntries", mock.Anything, "", "U1").Return([]models.QueueEntry{waiting(3, 40)}, nil).Once()
	moved := waiting(2, 40)
	b.On("Poll", mock.Anything, "U1").Return(&models.PollResult{Entry: &moved}, nil)

	go p.Start(context.Background())
	require.Eventually(t, func() bool { return len(rec.kinds()) > 0 }, time.Second, 5*time.Millisecond)
	p.Stop()
	p.Stop()

	assert.Equal(t, Updated, rec.kinds()[0])
}
