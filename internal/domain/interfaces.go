package domain

import (
	"context"

	"queuesync/internal/models"
)

// AuthBackend is the authentication surface of the appointment backend.
type AuthBackend interface {
	Register(ctx context.Context, email, secret, username string) error
	Login(ctx context.Context, username, secret string) (string, error)
	Me(ctx context.Context) (models.Session, error)
}

// QueueBackend serves live queue positions for a single appointment.
type QueueBackend interface {
	QueuePosition(ctx context.Context, appointmentID int64) (models.QueueSnapshot, error)
}

// CockpitBackend is the provider-side queue mutation surface.
type CockpitBackend interface {
	ProviderAppointments(ctx context.Context) ([]models.Appointment, error)
	CallNext(ctx context.Context) error
	FinishCurrent(ctx context.Context) error
}

// BookingBackend covers the customer booking surface.
type BookingBackend interface {
	ListProviders(ctx context.Context, search, profession string) ([]models.Provider, error)
	ProviderServices(ctx context.Context, providerID int64) ([]models.Service, error)
	CreateAppointment(ctx context.Context, providerID, serviceID int64, startTime string, notes string) (models.Appointment, error)
	UserAppointments(ctx context.Context, userID int64) ([]models.Appointment, error)
	CancelAppointment(ctx context.Context, appointmentID int64) error
}

// TokenSink receives the bearer credential after login and drops it on
// logout. The HTTP client implements it.
type TokenSink interface {
	SetToken(token string)
	ClearToken()
}

// TokenSource exposes the current bearer credential to transports that
// authenticate out of band (the WebSocket dialer).
type TokenSource interface {
	Token() string
}

// SessionInvalidator drops the session after the backend rejected the
// bearer credential. The session store implements it.
type SessionInvalidator interface {
	Invalidate(ctx context.Context)
}

// ClientCache persists the bearer credential per profile and the last
// queue snapshot per appointment, so a restarted client can show
// stale-but-valid data immediately.
type ClientCache interface {
	SaveToken(ctx context.Context, profile, token string) error
	LoadToken(ctx context.Context, profile string) (string, error)
	ClearToken(ctx context.Context, profile string) error
	SaveSnapshot(ctx context.Context, appointmentID int64, snap models.QueueSnapshot) error
	LoadSnapshot(ctx context.Context, appointmentID int64) (*models.QueueSnapshot, error)
}

// SnapshotObserver receives queue updates from a subscription. Callbacks
// are dispatched under the subscription's lock: they never fire after
// Stop returns, and they must not call back into the subscription.
type SnapshotObserver interface {
	// OnSnapshot delivers a fresh (or, at startup, cached) snapshot.
	OnSnapshot(snap models.QueueSnapshot)
	// OnStale reports a failed refresh. last is the retained snapshot,
	// nil when no snapshot was ever received.
	OnStale(err error, last *models.QueueSnapshot)
}

// BoardObserver receives cockpit board snapshots after each refresh.
type BoardObserver interface {
	OnBoard(board models.Board)
}

// QueueStream is an open push channel for one appointment. Next blocks
// until a frame arrives, the stream fails, or Close is called.
type QueueStream interface {
	Next() (models.QueueSnapshot, error)
	Close() error
}

// StreamDialer opens push channels. Implementations return an error
// when the channel cannot be established, letting the caller fall back
// to polling.
type StreamDialer interface {
	DialQueue(ctx context.Context, appointmentID int64, token string) (QueueStream, error)
}

// EventPublisher decouples components from the in-process event bus.
type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}
