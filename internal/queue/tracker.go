package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"queuesync/internal/api"
	"queuesync/internal/domain"
	"queuesync/internal/events"
	"queuesync/internal/metrics"
	"queuesync/internal/models"
	"queuesync/internal/worker"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// State is the lifecycle phase of one subscription.
// IDLE -> CONNECTING -> LIVE -> (ERROR -> LIVE | CONNECTING) -> STOPPED.
// STOPPED is terminal; re-starting requires a new subscription.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateLive
	StateError
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateLive:
		return "live"
	case StateError:
		return "error"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Tracker maintains live queue views, one subscription per appointment.
// It prefers the push channel and degrades to fixed-interval polling
// when the channel cannot be established or keeps dropping.
type Tracker struct {
	backend  domain.QueueBackend
	dialer   domain.StreamDialer // nil disables the push channel
	tokens   domain.TokenSource
	cache    domain.ClientCache // nil disables snapshot persistence
	bus      domain.EventPublisher
	sessions domain.SessionInvalidator // nil skips session teardown on auth rejection
	logger   *zerolog.Logger
	interval time.Duration
	retry    worker.RetryPolicy

	mu   sync.Mutex
	subs map[int64]*Subscription
}

func NewTracker(
	backend domain.QueueBackend,
	dialer domain.StreamDialer,
	tokens domain.TokenSource,
	cache domain.ClientCache,
	bus domain.EventPublisher,
	sessions domain.SessionInvalidator,
	interval time.Duration,
	retry worker.RetryPolicy,
	logger *zerolog.Logger,
) *Tracker {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Tracker{
		backend:  backend,
		dialer:   dialer,
		tokens:   tokens,
		cache:    cache,
		bus:      bus,
		sessions: sessions,
		logger:   logger,
		interval: interval,
		retry:    retry,
		subs:     make(map[int64]*Subscription),
	}
}

// Start opens a subscription for one appointment and delivers snapshots
// to the given observers. Starting a second subscription for an
// appointment that is already live stops the prior one first, so there
// is never more than one socket or timer per appointment. If a cached
// snapshot exists it is delivered immediately, before the first fetch.
func (t *Tracker) Start(ctx context.Context, appointmentID int64, observers ...domain.SnapshotObserver) *Subscription {
	t.mu.Lock()
	prev := t.subs[appointmentID]
	t.mu.Unlock()
	if prev != nil {
		t.logger.Warn().Int64("appointment_id", appointmentID).Msg("duplicate subscription requested, stopping prior one")
		prev.Stop()
	}

	runCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		ID:            uuid.NewString(),
		appointmentID: appointmentID,
		tracker:       t,
		interval:      t.interval,
		cancel:        cancel,
		done:          make(chan struct{}),
		state:         StateIdle,
		observers:     observers,
	}

	t.mu.Lock()
	t.subs[appointmentID] = sub
	t.mu.Unlock()

	if t.cache != nil {
		if cached, err := t.cache.LoadSnapshot(ctx, appointmentID); err != nil {
			t.logger.Warn().Err(err).Int64("appointment_id", appointmentID).Msg("snapshot cache unavailable")
		} else if cached != nil {
			sub.apply(ctx, *cached, "cache")
		}
	}

	go sub.run(runCtx)
	return sub
}

// StopAll stops every live subscription.
func (t *Tracker) StopAll() {
	t.mu.Lock()
	subs := make([]*Subscription, 0, len(t.subs))
	for _, sub := range t.subs {
		subs = append(subs, sub)
	}
	t.mu.Unlock()

	for _, sub := range subs {
		sub.Stop()
	}
}

func (t *Tracker) remove(sub *Subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.subs[sub.appointmentID] == sub {
		delete(t.subs, sub.appointmentID)
	}
}

// Subscription is the disposable handle for one appointment's live view.
type Subscription struct {
	ID            string
	appointmentID int64
	tracker       *Tracker
	interval      time.Duration
	cancel        context.CancelFunc
	done          chan struct{}
	seq           atomic.Uint64

	// mu guards the fields below and gates observer dispatch: callbacks
	// run while it is held, so none can fire once Stop has returned.
	mu        sync.Mutex
	stopped   bool
	state     State
	applied   uint64
	latest    *models.QueueSnapshot
	observers []domain.SnapshotObserver
}

// AppointmentID returns the appointment this subscription tracks.
func (s *Subscription) AppointmentID() int64 {
	return s.appointmentID
}

// State returns the current lifecycle phase.
func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Latest returns a copy of the most recent snapshot, nil before the
// first delivery.
func (s *Subscription) Latest() *models.QueueSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return nil
	}
	snap := *s.latest
	return &snap
}

// Done is closed when the subscription's goroutine has exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Stop terminates the subscription. Idempotent; once it returns, no
// observer callback will fire even if an in-flight response arrives
// later.
func (s *Subscription) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.state = StateStopped
	s.mu.Unlock()

	s.cancel()
	s.tracker.remove(s)
}

func (s *Subscription) run(ctx context.Context) {
	defer close(s.done)

	if s.tracker.dialer != nil {
		for attempt := 0; attempt <= s.tracker.retry.MaxRetries; attempt++ {
			if ctx.Err() != nil {
				return
			}
			if attempt > 0 {
				metrics.IncStreamReconnect()
				select {
				case <-ctx.Done():
					return
				case <-time.After(s.tracker.retry.NextDelay(attempt)):
				}
			}
			s.setState(StateConnecting)
			err := s.streamOnce(ctx)
			if ctx.Err() != nil {
				return
			}
			s.tracker.logger.Warn().Err(err).
				Int64("appointment_id", s.appointmentID).
				Int("attempt", attempt+1).
				Msg("push channel lost")
		}
		s.tracker.logger.Info().
			Int64("appointment_id", s.appointmentID).
			Dur("interval", s.interval).
			Msg("push channel exhausted, falling back to polling")
	}

	s.setState(StateConnecting)
	s.pollLoop(ctx)
}

// streamOnce runs one push channel session until it fails or the
// subscription is cancelled.
func (s *Subscription) streamOnce(ctx context.Context) error {
	token := ""
	if s.tracker.tokens != nil {
		token = s.tracker.tokens.Token()
	}

	stream, err := s.tracker.dialer.DialQueue(ctx, s.appointmentID, token)
	if err != nil {
		if errors.Is(err, api.ErrUnauthorized) {
			s.authFailed(ctx, err)
			return err
		}
		s.markError(err)
		return err
	}

	// Unblock stream.Next when the subscription is cancelled.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = stream.Close()
		case <-watchDone:
			_ = stream.Close()
		}
	}()

	for {
		snap, err := stream.Next()
		if err != nil {
			if ctx.Err() == nil {
				if errors.Is(err, api.ErrUnauthorized) {
					s.authFailed(ctx, err)
				} else {
					s.markError(err)
				}
			}
			return err
		}
		snap.Seq = s.seq.Add(1)
		snap.ReceivedAt = time.Now()
		s.apply(ctx, snap, "stream")
	}
}

// pollLoop pulls the queue position at a fixed interval. Fetches run
// synchronously in this goroutine: a slow response makes the ticker
// drop intervening ticks instead of overlapping requests.
func (s *Subscription) pollLoop(ctx context.Context) {
	s.fetchOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fetchOnce(ctx)
		}
	}
}

func (s *Subscription) fetchOnce(ctx context.Context) {
	// The sequence is stamped at request start so a slow response that
	// arrives after a newer one cannot regress the displayed snapshot.
	seq := s.seq.Add(1)

	fetchCtx, cancel := context.WithTimeout(ctx, 2*s.interval)
	defer cancel()

	snap, err := s.tracker.backend.QueuePosition(fetchCtx, s.appointmentID)
	if err != nil {
		if ctx.Err() == nil {
			if errors.Is(err, api.ErrUnauthorized) {
				s.authFailed(ctx, err)
			} else {
				s.markError(err)
			}
		}
		return
	}
	snap.Seq = seq
	snap.ReceivedAt = time.Now()
	s.apply(ctx, snap, "poll")
}

// apply installs a snapshot and notifies observers, unless the snapshot
// is older than one already applied or the subscription has stopped.
func (s *Subscription) apply(ctx context.Context, snap models.QueueSnapshot, source string) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if snap.Seq < s.applied {
		s.mu.Unlock()
		metrics.IncSnapshotDiscarded()
		s.tracker.logger.Debug().
			Int64("appointment_id", s.appointmentID).
			Uint64("seq", snap.Seq).
			Uint64("applied", s.applied).
			Msg("discarded out-of-order snapshot")
		return
	}
	s.applied = snap.Seq
	s.latest = &snap
	s.state = StateLive
	for _, obs := range s.observers {
		obs.OnSnapshot(snap)
	}
	s.mu.Unlock()

	metrics.IncSnapshotApplied(source)

	if s.tracker.cache != nil && source != "cache" {
		if err := s.tracker.cache.SaveSnapshot(ctx, s.appointmentID, snap); err != nil {
			s.tracker.logger.Warn().Err(err).Int64("appointment_id", s.appointmentID).Msg("failed to cache snapshot")
		}
	}
	if s.tracker.bus != nil {
		_ = s.tracker.bus.PublishJSON(events.EventSnapshotApplied, events.SnapshotEventPayload{
			AppointmentID: s.appointmentID,
			YourToken:     snap.YourToken,
			Position:      snap.Position,
			WaitMinutes:   snap.WaitMinutes,
			Source:        source,
		})
	}
}

// markError flags the subscription stale while retaining the previous
// snapshot, so consumers keep showing data instead of a blank screen.
func (s *Subscription) markError(err error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.state = StateError
	var last *models.QueueSnapshot
	if s.latest != nil {
		snap := *s.latest
		last = &snap
	}
	for _, obs := range s.observers {
		obs.OnStale(err, last)
	}
	s.mu.Unlock()

	metrics.IncStaleTick()
	s.tracker.logger.Warn().Err(err).
		Int64("appointment_id", s.appointmentID).
		Bool("has_prior_snapshot", last != nil).
		Msg("queue refresh failed, keeping previous snapshot")

	if s.tracker.bus != nil {
		_ = s.tracker.bus.PublishJSON(events.EventSnapshotStale, events.SnapshotEventPayload{
			AppointmentID: s.appointmentID,
		})
	}
}

// authFailed terminates the subscription after the backend rejected the
// bearer credential. Auth rejections are terminal: observers get one
// final stale callback, the subscription stops and the session is
// invalidated instead of retrying with a dead token.
func (s *Subscription) authFailed(ctx context.Context, err error) {
	s.markError(err)
	s.Stop()
	s.tracker.logger.Error().Err(err).
		Int64("appointment_id", s.appointmentID).
		Msg("bearer token rejected, stopping subscription")
	if s.tracker.sessions != nil {
		s.tracker.sessions.Invalidate(ctx)
	}
}

func (s *Subscription) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.state = state
}
