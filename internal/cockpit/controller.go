package cockpit

import (
	"context"
	"errors"
	"sync"
	"time"

	"queuesync/internal/api"
	"queuesync/internal/domain"
	"queuesync/internal/events"
	"queuesync/internal/metrics"
	"queuesync/internal/models"

	"github.com/rs/zerolog"
)

// ErrActionPending is returned when a queue mutation (or its follow-up
// refresh) is still in flight. A double click must never advance the
// queue twice.
var ErrActionPending = errors.New("another queue action is still pending")

// Controller drives the provider-side serving cockpit: it serializes
// call-next/finish mutations against the shared queue and keeps a
// waiting-list board fresh.
type Controller struct {
	backend  domain.CockpitBackend
	bus      domain.EventPublisher
	sessions domain.SessionInvalidator // nil skips session teardown on auth rejection
	logger   *zerolog.Logger
	interval time.Duration

	// mu guards board/observers and gates observer dispatch the same
	// way the queue subscription does.
	mu        sync.Mutex
	closed    bool
	board     *models.Board
	observers []domain.BoardObserver

	// pending serializes mutations and refreshes; it is a separate
	// mutex-guarded flag (not mu) so Board() reads never block on a
	// slow backend call.
	pendingMu sync.Mutex
	pending   bool
}

func NewController(backend domain.CockpitBackend, bus domain.EventPublisher, sessions domain.SessionInvalidator, interval time.Duration, logger *zerolog.Logger, observers ...domain.BoardObserver) *Controller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Controller{
		backend:   backend,
		bus:       bus,
		sessions:  sessions,
		logger:    logger,
		interval:  interval,
		observers: observers,
	}
}

// begin claims the single action slot. Callers must end() when done.
func (c *Controller) begin() bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if c.pending {
		return false
	}
	c.pending = true
	return true
}

func (c *Controller) end() {
	c.pendingMu.Lock()
	c.pending = false
	c.pendingMu.Unlock()
}

// CallNext asks the backend to advance the queue, then refreshes the
// board. A second invocation while one is pending is rejected with
// ErrActionPending, never dispatched concurrently.
func (c *Controller) CallNext(ctx context.Context) error {
	if !c.begin() {
		metrics.IncCockpitAction("call_next", "rejected_pending")
		return ErrActionPending
	}
	defer c.end()

	if err := c.backend.CallNext(ctx); err != nil {
		metrics.IncCockpitAction("call_next", "error")
		c.noteAuthFailure(ctx, err)
		return err
	}
	metrics.IncCockpitAction("call_next", "ok")

	board := c.refreshBoard(ctx)
	if c.bus != nil {
		payload := events.CockpitEventPayload{Action: "call_next"}
		if board != nil {
			payload.WaitingCount = len(board.Waiting)
			if board.CurrentlyServing != nil {
				payload.ServingToken = board.CurrentlyServing.TokenNumber
			}
		}
		_ = c.bus.PublishJSON(events.EventQueueAdvanced, payload)
	}
	return nil
}

// FinishCurrent marks the in-progress appointment complete, then
// refreshes the board. Same serialization rules as CallNext.
func (c *Controller) FinishCurrent(ctx context.Context) error {
	if !c.begin() {
		metrics.IncCockpitAction("finish_current", "rejected_pending")
		return ErrActionPending
	}
	defer c.end()

	if err := c.backend.FinishCurrent(ctx); err != nil {
		metrics.IncCockpitAction("finish_current", "error")
		c.noteAuthFailure(ctx, err)
		return err
	}
	metrics.IncCockpitAction("finish_current", "ok")

	board := c.refreshBoard(ctx)
	if c.bus != nil {
		payload := events.CockpitEventPayload{Action: "finish_current"}
		if board != nil {
			payload.WaitingCount = len(board.Waiting)
		}
		_ = c.bus.PublishJSON(events.EventAppointmentFinished, payload)
	}
	return nil
}

// Refresh fetches the provider's appointments and rebuilds the board.
// Rejected with ErrActionPending while a mutation is in flight.
func (c *Controller) Refresh(ctx context.Context) (*models.Board, error) {
	if !c.begin() {
		return nil, ErrActionPending
	}
	defer c.end()
	return c.doRefresh(ctx)
}

// refreshBoard is the follow-up refresh after a mutation; the action
// already succeeded, so a refresh failure is logged, not surfaced.
func (c *Controller) refreshBoard(ctx context.Context) *models.Board {
	board, err := c.doRefresh(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("board refresh after queue action failed, keeping previous board")
		return c.Board()
	}
	return board
}

func (c *Controller) doRefresh(ctx context.Context) (*models.Board, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, 2*c.interval)
	defer cancel()

	appts, err := c.backend.ProviderAppointments(fetchCtx)
	if err != nil {
		metrics.IncStaleTick()
		c.noteAuthFailure(ctx, err)
		return nil, err
	}

	board := buildBoard(appts, time.Now(), c.logger)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return board, nil
	}
	c.board = board
	for _, obs := range c.observers {
		obs.OnBoard(*board)
	}
	c.mu.Unlock()
	return board, nil
}

// noteAuthFailure invalidates the session when the backend rejected the
// bearer credential. The caller still surfaces the error; auth
// rejections are never retried silently.
func (c *Controller) noteAuthFailure(ctx context.Context, err error) {
	if c.sessions == nil || !errors.Is(err, api.ErrUnauthorized) {
		return
	}
	c.logger.Error().Err(err).Msg("bearer token rejected, invalidating session")
	c.sessions.Invalidate(ctx)
}

// buildBoard partitions appointments into at most one in-progress entry
// and today's scheduled waiting list, sorted ascending by token number.
func buildBoard(appts []models.Appointment, now time.Time, logger *zerolog.Logger) *models.Board {
	board := &models.Board{FetchedAt: now}

	for i := range appts {
		a := appts[i]
		switch a.Status {
		case models.StatusInProgress:
			if board.CurrentlyServing != nil {
				// Protocol violation: the backend promised at most one.
				metrics.IncProtocolViolation()
				logger.Error().
					Int("kept_token", board.CurrentlyServing.TokenNumber).
					Int("extra_token", a.TokenNumber).
					Msg("backend returned more than one in-progress appointment, keeping the first")
				continue
			}
			serving := a
			board.CurrentlyServing = &serving
		case models.StatusScheduled:
			if a.SameDay(now) {
				board.Waiting = append(board.Waiting, models.EntryFromAppointment(a))
			}
		}
	}

	models.SortWaitingList(board.Waiting)
	return board
}

// Board returns a copy of the latest board, nil before the first refresh.
func (c *Controller) Board() *models.Board {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.board == nil {
		return nil
	}
	board := *c.board
	board.Waiting = append([]models.WaitingListEntry(nil), c.board.Waiting...)
	if c.board.CurrentlyServing != nil {
		serving := *c.board.CurrentlyServing
		board.CurrentlyServing = &serving
	}
	return &board
}

// Run refreshes the board at a fixed interval until the context is
// cancelled or the backend rejects the bearer credential. Ticks that
// land while an operator action is in flight are skipped; refreshes
// never overlap.
func (c *Controller) Run(ctx context.Context) {
	if _, err := c.Refresh(ctx); err != nil {
		if errors.Is(err, api.ErrUnauthorized) {
			c.logger.Error().Err(err).Msg("bearer token rejected, stopping board refresh")
			return
		}
		if !errors.Is(err, ErrActionPending) {
			c.logger.Warn().Err(err).Msg("initial board refresh failed")
		}
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Refresh(ctx); err != nil {
				if errors.Is(err, api.ErrUnauthorized) {
					c.logger.Error().Err(err).Msg("bearer token rejected, stopping board refresh")
					return
				}
				if !errors.Is(err, ErrActionPending) {
					c.logger.Warn().Err(err).Msg("board refresh failed, keeping previous board")
				}
			}
		}
	}
}

// Close prevents further observer callbacks; in-flight actions finish
// but their board updates are dropped.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// WaitingTokens lists the waiting tokens in serving order, mostly for
// logs and tests.
func WaitingTokens(board *models.Board) []int {
	if board == nil {
		return nil
	}
	tokens := make([]int, 0, len(board.Waiting))
	for _, e := range board.Waiting {
		tokens = append(tokens, e.TokenNumber)
	}
	return tokens
}
