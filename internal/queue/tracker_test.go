package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"queuesync/internal/api"
	"queuesync/internal/domain"
	"queuesync/internal/models"
	"queuesync/internal/repository"
	"queuesync/internal/worker"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type queueBackendFunc func(ctx context.Context, appointmentID int64) (models.QueueSnapshot, error)

func (f queueBackendFunc) QueuePosition(ctx context.Context, appointmentID int64) (models.QueueSnapshot, error) {
	return f(ctx, appointmentID)
}

type dialerFunc func(ctx context.Context, appointmentID int64, token string) (domain.QueueStream, error)

func (f dialerFunc) DialQueue(ctx context.Context, appointmentID int64, token string) (domain.QueueStream, error) {
	return f(ctx, appointmentID, token)
}

// recordingObserver collects callbacks so tests can assert on delivery
// order and absence after Stop.
type recordingObserver struct {
	mu        sync.Mutex
	snapshots []models.QueueSnapshot
	staleErrs []error
	staleLast []*models.QueueSnapshot
}

func (o *recordingObserver) OnSnapshot(snap models.QueueSnapshot) {
	o.mu.Lock()
	o.snapshots = append(o.snapshots, snap)
	o.mu.Unlock()
}

func (o *recordingObserver) OnStale(err error, last *models.QueueSnapshot) {
	o.mu.Lock()
	o.staleErrs = append(o.staleErrs, err)
	o.staleLast = append(o.staleLast, last)
	o.mu.Unlock()
}

func (o *recordingObserver) snapshotCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.snapshots)
}

func (o *recordingObserver) staleCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.staleErrs)
}

func (o *recordingObserver) lastSnapshot() models.QueueSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshots[len(o.snapshots)-1]
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func newPollTracker(backend domain.QueueBackend, interval time.Duration) *Tracker {
	logger := zerolog.Nop()
	return NewTracker(backend, nil, nil, nil, nil, nil, interval, worker.RetryPolicy{}, &logger)
}

func intPtr(v int) *int { return &v }

func TestPolling_DeliversSnapshots(t *testing.T) {
	backend := queueBackendFunc(func(ctx context.Context, id int64) (models.QueueSnapshot, error) {
		return models.QueueSnapshot{YourToken: 8, CurrentToken: intPtr(5), Position: 3, WaitMinutes: 20}, nil
	})

	tracker := newPollTracker(backend, 10*time.Millisecond)
	obs := &recordingObserver{}
	sub := tracker.Start(context.Background(), 42, obs)
	defer sub.Stop()

	waitFor(t, func() bool { return obs.snapshotCount() >= 2 })

	assert.Equal(t, StateLive, sub.State())
	snap := obs.lastSnapshot()
	assert.Equal(t, 8, snap.YourToken)
	assert.Equal(t, 3, snap.Position)

	latest := sub.Latest()
	require.NotNil(t, latest)
	assert.Equal(t, 20, latest.WaitMinutes)
}

func TestPolling_ErrorKeepsPreviousSnapshot(t *testing.T) {
	var mu sync.Mutex
	failing := false
	backend := queueBackendFunc(func(ctx context.Context, id int64) (models.QueueSnapshot, error) {
		mu.Lock()
		defer mu.Unlock()
		if failing {
			return models.QueueSnapshot{}, errors.New("backend unavailable")
		}
		return models.QueueSnapshot{YourToken: 8, Position: 2}, nil
	})

	tracker := newPollTracker(backend, 10*time.Millisecond)
	obs := &recordingObserver{}
	sub := tracker.Start(context.Background(), 42, obs)
	defer sub.Stop()

	waitFor(t, func() bool { return obs.snapshotCount() >= 1 })

	mu.Lock()
	failing = true
	mu.Unlock()

	waitFor(t, func() bool { return obs.staleCount() >= 1 })

	assert.Equal(t, StateError, sub.State())

	obs.mu.Lock()
	last := obs.staleLast[0]
	obs.mu.Unlock()
	require.NotNil(t, last, "stale callback must carry the retained snapshot")
	assert.Equal(t, 8, last.YourToken)
	assert.Equal(t, 2, last.Position)

	latest := sub.Latest()
	require.NotNil(t, latest)
	assert.Equal(t, 8, latest.YourToken)

	// Recovery flips back to live.
	mu.Lock()
	failing = false
	mu.Unlock()
	before := obs.snapshotCount()
	waitFor(t, func() bool { return obs.snapshotCount() > before })
	assert.Equal(t, StateLive, sub.State())
}

func TestStop_NoCallbacksAfterReturn(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	backend := queueBackendFunc(func(ctx context.Context, id int64) (models.QueueSnapshot, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return models.QueueSnapshot{YourToken: 8, Position: 1}, nil
	})

	tracker := newPollTracker(backend, 10*time.Millisecond)
	obs := &recordingObserver{}
	sub := tracker.Start(context.Background(), 42, obs)

	<-started
	sub.Stop()
	assert.Equal(t, StateStopped, sub.State())

	// Let the in-flight fetch complete after Stop has returned.
	close(release)
	<-sub.Done()
	time.Sleep(20 * time.Millisecond)

	assert.Zero(t, obs.snapshotCount(), "no snapshot may be delivered after Stop")
	assert.Zero(t, obs.staleCount())
}

func TestStop_Idempotent(t *testing.T) {
	backend := queueBackendFunc(func(ctx context.Context, id int64) (models.QueueSnapshot, error) {
		return models.QueueSnapshot{YourToken: 8}, nil
	})

	tracker := newPollTracker(backend, 10*time.Millisecond)
	sub := tracker.Start(context.Background(), 42, &recordingObserver{})

	sub.Stop()
	sub.Stop()
	assert.Equal(t, StateStopped, sub.State())
}

func TestStart_DuplicateStopsPrior(t *testing.T) {
	backend := queueBackendFunc(func(ctx context.Context, id int64) (models.QueueSnapshot, error) {
		return models.QueueSnapshot{YourToken: 8}, nil
	})

	tracker := newPollTracker(backend, 10*time.Millisecond)
	first := tracker.Start(context.Background(), 42, &recordingObserver{})
	second := tracker.Start(context.Background(), 42, &recordingObserver{})
	defer second.Stop()

	assert.Equal(t, StateStopped, first.State())
	assert.NotEqual(t, first.ID, second.ID)

	select {
	case <-first.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("prior subscription goroutine did not exit")
	}
}

func TestApply_DiscardsOutOfOrderSnapshot(t *testing.T) {
	tracker := newPollTracker(queueBackendFunc(func(ctx context.Context, id int64) (models.QueueSnapshot, error) {
		return models.QueueSnapshot{}, errors.New("unused")
	}), time.Hour)

	obs := &recordingObserver{}
	sub := &Subscription{
		appointmentID: 42,
		tracker:       tracker,
		interval:      time.Hour,
		cancel:        func() {},
		done:          make(chan struct{}),
		observers:     []domain.SnapshotObserver{obs},
	}

	sub.apply(context.Background(), models.QueueSnapshot{YourToken: 8, Position: 1, Seq: 2}, "poll")
	sub.apply(context.Background(), models.QueueSnapshot{YourToken: 8, Position: 5, Seq: 1}, "poll")

	require.Equal(t, 1, obs.snapshotCount(), "late response must be discarded")
	assert.Equal(t, 1, obs.lastSnapshot().Position)
	assert.Equal(t, 1, sub.Latest().Position)
}

func TestCachedSnapshotDeliveredBeforeFirstFetch(t *testing.T) {
	cache := repository.NewMemoryCache(time.Hour)
	require.NoError(t, cache.SaveSnapshot(context.Background(), 42, models.QueueSnapshot{YourToken: 8, Position: 4}))

	fetched := make(chan struct{})
	backend := queueBackendFunc(func(ctx context.Context, id int64) (models.QueueSnapshot, error) {
		<-fetched
		return models.QueueSnapshot{YourToken: 8, Position: 3}, nil
	})

	logger := zerolog.Nop()
	tracker := NewTracker(backend, nil, nil, cache, nil, nil, 10*time.Millisecond, worker.RetryPolicy{}, &logger)

	obs := &recordingObserver{}
	sub := tracker.Start(context.Background(), 42, obs)
	defer sub.Stop()

	// The cached snapshot arrives synchronously from Start, before the
	// backend has answered anything.
	require.GreaterOrEqual(t, obs.snapshotCount(), 1)
	assert.Equal(t, 4, obs.lastSnapshot().Position)

	close(fetched)
	waitFor(t, func() bool { return obs.snapshotCount() >= 2 })
	assert.Equal(t, 3, obs.lastSnapshot().Position)
}

func TestRestart_CachedSeqDoesNotOutrankFreshFetches(t *testing.T) {
	cache := repository.NewMemoryCache(time.Hour)

	var mu sync.Mutex
	position := 2
	backend := queueBackendFunc(func(ctx context.Context, id int64) (models.QueueSnapshot, error) {
		mu.Lock()
		defer mu.Unlock()
		return models.QueueSnapshot{YourToken: 8, Position: position}, nil
	})

	logger := zerolog.Nop()
	tracker := NewTracker(backend, nil, nil, cache, nil, nil, 10*time.Millisecond, worker.RetryPolicy{}, &logger)

	first := &recordingObserver{}
	sub := tracker.Start(context.Background(), 42, first)
	waitFor(t, func() bool { return first.snapshotCount() >= 3 })
	sub.Stop()

	// The queue advances while nobody watches.
	mu.Lock()
	position = 0
	mu.Unlock()

	second := &recordingObserver{}
	restarted := tracker.Start(context.Background(), 42, second)
	defer restarted.Stop()

	waitFor(t, func() bool { return second.snapshotCount() >= 2 })

	// First callback replays the cached snapshot, then fresh fetches must
	// win even though the prior subscription stamped higher sequences.
	second.mu.Lock()
	replayed := second.snapshots[0]
	second.mu.Unlock()
	assert.Equal(t, 2, replayed.Position)
	assert.Equal(t, 0, second.lastSnapshot().Position)
	require.NotNil(t, restarted.Latest())
	assert.Equal(t, 0, restarted.Latest().Position)
}

type fakeInvalidator struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeInvalidator) Invalidate(ctx context.Context) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
}

func (f *fakeInvalidator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestPolling_UnauthorizedStopsAndInvalidatesSession(t *testing.T) {
	var mu sync.Mutex
	fetches := 0
	backend := queueBackendFunc(func(ctx context.Context, id int64) (models.QueueSnapshot, error) {
		mu.Lock()
		fetches++
		mu.Unlock()
		return models.QueueSnapshot{}, fmt.Errorf("queue position: %w", api.ErrUnauthorized)
	})

	sessions := &fakeInvalidator{}
	logger := zerolog.Nop()
	tracker := NewTracker(backend, nil, nil, nil, nil, sessions, 5*time.Millisecond, worker.RetryPolicy{}, &logger)

	obs := &recordingObserver{}
	sub := tracker.Start(context.Background(), 42, obs)

	waitFor(t, func() bool { return sub.State() == StateStopped })
	<-sub.Done()

	assert.Equal(t, 1, sessions.count())
	assert.Equal(t, 1, obs.staleCount(), "one final stale callback, then silence")

	obs.mu.Lock()
	assert.ErrorIs(t, obs.staleErrs[0], api.ErrUnauthorized)
	obs.mu.Unlock()

	// No further polling after the terminal stop.
	mu.Lock()
	seen := fetches
	mu.Unlock()
	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, seen, fetches)
	mu.Unlock()
}

func TestStream_UnauthorizedDialStopsSubscription(t *testing.T) {
	dialer := dialerFunc(func(ctx context.Context, id int64, token string) (domain.QueueStream, error) {
		return nil, fmt.Errorf("dial: %w", api.ErrUnauthorized)
	})
	backend := queueBackendFunc(func(ctx context.Context, id int64) (models.QueueSnapshot, error) {
		t.Error("poll fallback must not engage on a rejected credential")
		return models.QueueSnapshot{}, nil
	})

	sessions := &fakeInvalidator{}
	logger := zerolog.Nop()
	tracker := NewTracker(backend, dialer, staticToken("tok-1"), nil, nil, sessions, time.Hour, worker.RetryPolicy{MaxRetries: 3}, &logger)

	sub := tracker.Start(context.Background(), 42, &recordingObserver{})

	waitFor(t, func() bool { return sub.State() == StateStopped })
	<-sub.Done()
	assert.Equal(t, 1, sessions.count())
}

type scriptedStream struct {
	frames []models.QueueSnapshot
	idx    int
	closed chan struct{}
	once   sync.Once
}

func (s *scriptedStream) Next() (models.QueueSnapshot, error) {
	if s.idx < len(s.frames) {
		snap := s.frames[s.idx]
		s.idx++
		return snap, nil
	}
	<-s.closed
	return models.QueueSnapshot{}, errors.New("connection closed")
}

func (s *scriptedStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func TestStream_PreferredOverPolling(t *testing.T) {
	dialer := dialerFunc(func(ctx context.Context, id int64, token string) (domain.QueueStream, error) {
		assert.Equal(t, "tok-1", token)
		return &scriptedStream{
			frames: []models.QueueSnapshot{
				{YourToken: 8, Position: 2},
				{YourToken: 8, Position: 1},
			},
			closed: make(chan struct{}),
		}, nil
	})
	backend := queueBackendFunc(func(ctx context.Context, id int64) (models.QueueSnapshot, error) {
		t.Error("poll must not run while the push channel is healthy")
		return models.QueueSnapshot{}, nil
	})

	logger := zerolog.Nop()
	tracker := NewTracker(backend, dialer, staticToken("tok-1"), nil, nil, nil, time.Hour, worker.RetryPolicy{MaxRetries: 0}, &logger)

	obs := &recordingObserver{}
	sub := tracker.Start(context.Background(), 42, obs)

	waitFor(t, func() bool { return obs.snapshotCount() >= 2 })
	assert.Equal(t, 1, obs.lastSnapshot().Position)
	assert.Equal(t, StateLive, sub.State())
	sub.Stop()
}

func TestStream_DialFailureFallsBackToPolling(t *testing.T) {
	dialer := dialerFunc(func(ctx context.Context, id int64, token string) (domain.QueueStream, error) {
		return nil, errors.New("dial refused")
	})
	backend := queueBackendFunc(func(ctx context.Context, id int64) (models.QueueSnapshot, error) {
		return models.QueueSnapshot{YourToken: 8, Position: 3}, nil
	})

	logger := zerolog.Nop()
	retry := worker.RetryPolicy{MaxRetries: 1, InitialDelay: time.Millisecond, BackoffFactor: 2}
	tracker := NewTracker(backend, dialer, nil, nil, nil, nil, 10*time.Millisecond, retry, &logger)

	obs := &recordingObserver{}
	sub := tracker.Start(context.Background(), 42, obs)
	defer sub.Stop()

	waitFor(t, func() bool { return obs.snapshotCount() >= 1 })
	assert.Equal(t, 3, obs.lastSnapshot().Position)
	assert.Equal(t, StateLive, sub.State())
}

type staticToken string

func (s staticToken) Token() string { return string(s) }

func TestStopAll(t *testing.T) {
	backend := queueBackendFunc(func(ctx context.Context, id int64) (models.QueueSnapshot, error) {
		return models.QueueSnapshot{YourToken: int(id)}, nil
	})

	tracker := newPollTracker(backend, 10*time.Millisecond)
	first := tracker.Start(context.Background(), 1, &recordingObserver{})
	second := tracker.Start(context.Background(), 2, &recordingObserver{})

	tracker.StopAll()

	assert.Equal(t, StateStopped, first.State())
	assert.Equal(t, StateStopped, second.State())
	<-first.Done()
	<-second.Done()
}
