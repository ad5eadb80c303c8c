package session

import (
	"context"
	"strings"
	"sync"

	"queuesync/internal/api"
	"queuesync/internal/domain"
	"queuesync/internal/events"
	"queuesync/internal/models"

	"github.com/rs/zerolog"
)

// Store owns the authenticated session. Components never read ambient
// credential state; they are handed the store (or its TokenSource view)
// explicitly.
type Store struct {
	auth    domain.AuthBackend
	sink    domain.TokenSink
	cache   domain.ClientCache
	bus     domain.EventPublisher
	logger  *zerolog.Logger
	profile string

	mu      sync.Mutex // login saga must not interleave
	current *models.Session
}

func NewStore(auth domain.AuthBackend, sink domain.TokenSink, cache domain.ClientCache, bus domain.EventPublisher, profile string, logger *zerolog.Logger) *Store {
	return &Store{
		auth:    auth,
		sink:    sink,
		cache:   cache,
		bus:     bus,
		logger:  logger,
		profile: profile,
	}
}

// Login authenticates the identifier. When the backend rejects the
// credentials and the identifier looks like an email, the store attempts
// a one-shot auto-registration and retries login exactly once; if that
// also fails, the original login error is surfaced. Transport failures
// never trigger registration.
func (s *Store) Login(ctx context.Context, identifier, secret string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, loginErr := s.auth.Login(ctx, identifier, secret)
	if loginErr != nil {
		if !api.IsCredentialError(loginErr) || !strings.Contains(identifier, "@") {
			return nil, loginErr
		}

		username := identifier[:strings.Index(identifier, "@")]
		if regErr := s.auth.Register(ctx, identifier, secret, username); regErr != nil {
			s.logger.Debug().Err(regErr).Str("identifier", identifier).Msg("auto-registration failed")
			return nil, loginErr
		}

		retryToken, retryErr := s.auth.Login(ctx, identifier, secret)
		if retryErr != nil {
			s.logger.Debug().Err(retryErr).Str("identifier", identifier).Msg("login retry after registration failed")
			return nil, loginErr
		}
		s.logger.Info().Str("identifier", identifier).Msg("auto-registered account on first login")
		token = retryToken
	}

	return s.establish(ctx, token)
}

// Resume restores a session from the cached bearer token, if any.
func (s *Store) Resume(ctx context.Context) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, err := s.cache.LoadToken(ctx, s.profile)
	if err != nil {
		s.logger.Warn().Err(err).Msg("credential cache unavailable")
		return nil, nil
	}
	if token == "" {
		return nil, nil
	}

	sess, err := s.establish(ctx, token)
	if err != nil {
		// A rejected cached token means logged out, not a login failure.
		s.logger.Info().Err(err).Msg("cached credential rejected")
		return nil, nil
	}
	return sess, nil
}

// establish installs the token, resolves the user and persists the
// credential. Called with the store lock held.
func (s *Store) establish(ctx context.Context, token string) (*models.Session, error) {
	s.sink.SetToken(token)

	sess, err := s.auth.Me(ctx)
	if err != nil {
		s.sink.ClearToken()
		s.clearLocked(ctx)
		return nil, err
	}
	sess.Token = token

	if err := s.cache.SaveToken(ctx, s.profile, token); err != nil {
		s.logger.Warn().Err(err).Msg("failed to persist credential")
	}

	s.current = &sess
	_ = s.bus.PublishJSON(events.EventSessionChanged, events.SessionEventPayload{
		UserID:   sess.UserID,
		Username: sess.Username,
		Role:     sess.Role,
		LoggedIn: true,
	})
	s.logger.Info().Int64("user_id", sess.UserID).Str("role", sess.Role).Msg("session established")
	return &sess, nil
}

// Logout clears the session and the persisted credential.
func (s *Store) Logout(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sink.ClearToken()
	s.clearLocked(ctx)
	_ = s.bus.PublishJSON(events.EventSessionChanged, events.SessionEventPayload{LoggedIn: false})
	return nil
}

// Invalidate drops the session after the backend rejected the bearer
// token. Unlike Logout it keeps quiet on purpose: callers report the
// auth error themselves.
func (s *Store) Invalidate(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sink.ClearToken()
	s.clearLocked(ctx)
}

func (s *Store) clearLocked(ctx context.Context) {
	s.current = nil
	if err := s.cache.ClearToken(ctx, s.profile); err != nil {
		s.logger.Warn().Err(err).Msg("failed to clear persisted credential")
	}
}

// Current returns a copy of the active session, or nil when logged out.
func (s *Store) Current() *models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	sess := *s.current
	return &sess
}

// Token implements domain.TokenSource for transports that authenticate
// out of band.
func (s *Store) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return ""
	}
	return s.current.Token
}
