// Package stream provides a cancellable subscription to the backend's
// push-event websocket. Consumers receive a sequence of typed events and
// stay independent of the transport's reconnect policy.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/hedgedesk/console/internal/domain"
)

// Subscription yields typed events from the push stream until closed.
// Closing the subscription tears down the transport.
type Subscription struct {
	Events <-chan domain.StreamEvent

	conn   *websocket.Conn
	cancel context.CancelFunc
	once   sync.Once
}

// Subscribe dials the stream endpoint and starts the read loop. The
// caller owns the returned subscription and must Close it.
func Subscribe(ctx context.Context, url string, logger *slog.Logger) (*Subscription, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("failed to dial stream: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	events := make(chan domain.StreamEvent, 64)
	sub := &Subscription{Events: events, conn: conn, cancel: cancel}

	go func() {
		defer close(events)
		defer conn.Close()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err,
					websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Warn("stream read failed", "error", err)
				}
				return
			}

			var ev domain.StreamEvent
			if err := json.Unmarshal(raw, &ev); err != nil {
				logger.Warn("dropping malformed stream message", "error", err)
				continue
			}

			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	// Tear the connection down when the context is cancelled so the
	// read loop unblocks.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	return sub, nil
}

// Close cancels the subscription and closes the transport. Safe to call
// more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.cancel()
		s.conn.Close()
	})
}
