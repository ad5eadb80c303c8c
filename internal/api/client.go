package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"queuesync/internal/config"
	"queuesync/internal/metrics"
	"queuesync/internal/models"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Client is the HTTP client for the appointment backend. It owns the
// bearer credential (fed by the session store through TokenSink) and
// throttles outgoing requests so sync loops cannot hammer the backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zerolog.Logger

	mu    sync.RWMutex
	token string
}

// New constructs a client from backend config. A zero rate limit means
// unthrottled.
func New(cfg config.BackendConfig, logger *zerolog.Logger) *Client {
	limit := rate.Limit(cfg.RateLimit.RPS)
	burst := cfg.RateLimit.Burst
	if limit <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout()},
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logger,
	}
}

// SetToken installs the bearer credential used on authenticated calls.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// ClearToken drops the bearer credential.
func (c *Client) ClearToken() {
	c.SetToken("")
}

// Token returns the current bearer credential ("" when logged out).
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Username string `json:"username"`
}

// Register creates an account. The backend ignores the role field for
// self-registration; new accounts are customers.
func (c *Client) Register(ctx context.Context, email, secret, username string) error {
	body := registerRequest{Email: email, Password: secret, Username: username}
	err := c.doJSON(ctx, http.MethodPost, "/auth/register", body, nil)
	c.count("register", err)
	return err
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// Login exchanges credentials for a bearer token. The backend expects
// an OAuth2-style form body, not JSON.
func (c *Client) Login(ctx context.Context, username, secret string) (string, error) {
	form := url.Values{}
	form.Set("username", username)
	form.Set("password", secret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/login", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var resp loginResponse
	err = c.do(req, &resp)
	c.count("login", err)
	if err != nil {
		return "", err
	}
	if resp.AccessToken == "" {
		return "", &StatusError{Code: http.StatusOK, Detail: "login response missing access_token"}
	}
	return resp.AccessToken, nil
}

// Me resolves the authenticated user. The returned session carries the
// client's current token.
func (c *Client) Me(ctx context.Context) (models.Session, error) {
	var sess models.Session
	err := c.doJSON(ctx, http.MethodGet, "/auth/me", nil, &sess)
	c.count("me", err)
	if err != nil {
		return models.Session{}, err
	}
	sess.Token = c.Token()
	return sess, nil
}

// ListProviders fetches providers with optional search and profession filters.
func (c *Client) ListProviders(ctx context.Context, search, profession string) ([]models.Provider, error) {
	q := url.Values{}
	if search != "" {
		q.Set("search", search)
	}
	if profession != "" {
		q.Set("profession", profession)
	}
	endpoint := "/providers"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	var providers []models.Provider
	err := c.doJSON(ctx, http.MethodGet, endpoint, nil, &providers)
	c.count("list_providers", err)
	return providers, err
}

// ProviderServices fetches the services offered by one provider.
func (c *Client) ProviderServices(ctx context.Context, providerID int64) ([]models.Service, error) {
	var services []models.Service
	endpoint := fmt.Sprintf("/services?provider_id=%d", providerID)
	err := c.doJSON(ctx, http.MethodGet, endpoint, nil, &services)
	c.count("provider_services", err)
	return services, err
}

type createAppointmentRequest struct {
	ProviderID int64  `json:"provider_id"`
	ServiceID  int64  `json:"service_id"`
	StartTime  string `json:"start_time"`
	Notes      string `json:"notes,omitempty"`
}

// CreateAppointment books a slot. The response carries the token number
// assigned by the backend.
func (c *Client) CreateAppointment(ctx context.Context, providerID, serviceID int64, startTime, notes string) (models.Appointment, error) {
	body := createAppointmentRequest{
		ProviderID: providerID,
		ServiceID:  serviceID,
		StartTime:  startTime,
		Notes:      notes,
	}
	var appt models.Appointment
	err := c.doJSON(ctx, http.MethodPost, "/appointments", body, &appt)
	c.count("create_appointment", err)
	return appt, err
}

// UserAppointments fetches all appointments of a user.
func (c *Client) UserAppointments(ctx context.Context, userID int64) ([]models.Appointment, error) {
	var appts []models.Appointment
	endpoint := fmt.Sprintf("/appointments/user/%d", userID)
	err := c.doJSON(ctx, http.MethodGet, endpoint, nil, &appts)
	c.count("user_appointments", err)
	return appts, err
}

// CancelAppointment cancels one appointment.
func (c *Client) CancelAppointment(ctx context.Context, appointmentID int64) error {
	endpoint := fmt.Sprintf("/appointments/%d/cancel", appointmentID)
	err := c.doJSON(ctx, http.MethodPost, endpoint, nil, nil)
	c.count("cancel_appointment", err)
	return err
}

// QueuePosition fetches the live queue snapshot for one appointment.
func (c *Client) QueuePosition(ctx context.Context, appointmentID int64) (models.QueueSnapshot, error) {
	var snap models.QueueSnapshot
	endpoint := fmt.Sprintf("/appointments/%d/queue-position", appointmentID)
	err := c.doJSON(ctx, http.MethodGet, endpoint, nil, &snap)
	c.count("queue_position", err)
	return snap, err
}

// ProviderAppointments fetches the authenticated provider's appointments.
func (c *Client) ProviderAppointments(ctx context.Context) ([]models.Appointment, error) {
	var appts []models.Appointment
	err := c.doJSON(ctx, http.MethodGet, "/appointments/provider/me", nil, &appts)
	c.count("provider_appointments", err)
	return appts, err
}

// CallNext asks the backend to advance the queue to the next token.
func (c *Client) CallNext(ctx context.Context) error {
	err := c.doJSON(ctx, http.MethodPost, "/appointments/queue/next", nil, nil)
	c.count("call_next", err)
	return mapQueueActionError(err, ErrNoOneWaiting)
}

// FinishCurrent marks the in-progress appointment complete.
func (c *Client) FinishCurrent(ctx context.Context) error {
	err := c.doJSON(ctx, http.MethodPost, "/appointments/queue/finish", nil, nil)
	c.count("finish_current", err)
	return mapQueueActionError(err, ErrNothingInProgress)
}

// mapQueueActionError turns an "action impossible right now" rejection
// into its sentinel; auth and transport errors pass through unchanged.
func mapQueueActionError(err, sentinel error) error {
	if err == nil || errors.Is(err, ErrUnauthorized) {
		return err
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch se.Code {
		case http.StatusBadRequest, http.StatusNotFound, http.StatusConflict:
			return fmt.Errorf("%w: %s", sentinel, se.Detail)
		}
	}
	return err
}

func (c *Client) doJSON(ctx context.Context, method, endpoint string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return err
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return c.decodeError(resp)
	}
	if out == nil {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// decodeError extracts the backend's {"detail": ...} message when present.
func (c *Client) decodeError(resp *http.Response) error {
	var payload struct {
		Detail string `json:"detail"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&payload); err != nil {
		payload.Detail = ""
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		if payload.Detail != "" {
			c.logger.Debug().Int("status", resp.StatusCode).Str("detail", payload.Detail).Msg("auth rejected")
		}
		return ErrUnauthorized
	}
	return &StatusError{Code: resp.StatusCode, Detail: payload.Detail}
}

func (c *Client) count(endpoint string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.IncAPIRequest(endpoint, outcome)
}
