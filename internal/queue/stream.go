package queue

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"queuesync/internal/api"
	"queuesync/internal/domain"
	"queuesync/internal/models"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// WSDialer opens the backend's per-appointment push channel
// (/ws/queue/{id}?token=). A failed dial is not fatal: the tracker
// falls back to polling.
type WSDialer struct {
	baseURL string
	dialer  *websocket.Dialer
	logger  *zerolog.Logger
}

func NewWSDialer(wsURL string, logger *zerolog.Logger) *WSDialer {
	return &WSDialer{
		baseURL: strings.TrimRight(wsURL, "/"),
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

func (d *WSDialer) DialQueue(ctx context.Context, appointmentID int64, token string) (domain.QueueStream, error) {
	endpoint := fmt.Sprintf("%s/ws/queue/%d", d.baseURL, appointmentID)
	if token != "" {
		endpoint += "?token=" + url.QueryEscape(token)
	}

	conn, resp, err := d.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				return nil, fmt.Errorf("%w: websocket dial rejected with status %d", api.ErrUnauthorized, resp.StatusCode)
			}
			return nil, fmt.Errorf("websocket dial failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	d.logger.Debug().Int64("appointment_id", appointmentID).Msg("push channel established")
	return &wsStream{conn: conn, logger: d.logger}, nil
}

type wsStream struct {
	conn   *websocket.Conn
	logger *zerolog.Logger
}

// queueFrame is the wire shape of a push update. Newer backends push the
// snapshot fields flat; the original endpoint wraps a queue entry list
// where the entry's position field carries the token number.
type queueFrame struct {
	Type  string `json:"type"`
	Queue []struct {
		Position  int    `json:"position"`
		Status    string `json:"status"`
		Highlight bool   `json:"highlight"`
	} `json:"queue"`

	YourToken    *int `json:"your_token"`
	CurrentToken *int `json:"current_token"`
	Position     *int `json:"position"`
	WaitTime     *int `json:"wait_time"`
}

// Next blocks until a translatable frame arrives. Frames that carry no
// usable queue state (keepalives, entries for appointments still
// waiting) are skipped; the poller fallback covers those gaps.
func (s *wsStream) Next() (models.QueueSnapshot, error) {
	for {
		var frame queueFrame
		if err := s.conn.ReadJSON(&frame); err != nil {
			return models.QueueSnapshot{}, err
		}

		if snap, ok := translateFrame(frame); ok {
			return snap, nil
		}
		s.logger.Debug().Str("type", frame.Type).Msg("skipping untranslatable queue frame")
	}
}

func (s *wsStream) Close() error {
	err := s.conn.Close()
	if err != nil && errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}

// translateFrame maps a wire frame to a QueueSnapshot. The flat form is
// authoritative; the entry-list form only identifies "being served now"
// reliably, so anything else is left for the next poll.
func translateFrame(frame queueFrame) (models.QueueSnapshot, bool) {
	if frame.YourToken != nil && frame.Position != nil {
		snap := models.QueueSnapshot{
			YourToken:    *frame.YourToken,
			CurrentToken: frame.CurrentToken,
			Position:     *frame.Position,
		}
		if frame.WaitTime != nil {
			snap.WaitMinutes = *frame.WaitTime
		}
		return snap, true
	}

	for _, entry := range frame.Queue {
		if !entry.Highlight {
			continue
		}
		if entry.Status == models.StatusInProgress {
			token := entry.Position
			return models.QueueSnapshot{
				YourToken:    token,
				CurrentToken: &token,
				Position:     -1,
			}, true
		}
	}
	return models.QueueSnapshot{}, false
}
