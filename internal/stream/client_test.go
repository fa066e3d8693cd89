package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hedgedesk/console/internal/domain"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func streamServer(t *testing.T, messages []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, msg := range messages {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestSubscribeDeliversTypedEvents(t *testing.T) {
	server := streamServer(t, []string{
		`{"type":"agent_status","data":{"mode":"confirmation","healthy":true}}`,
		`{"type":"order_status","data":{"trade_id":3,"status":"filled"}}`,
	})
	defer server.Close()

	sub, err := Subscribe(context.Background(), wsURL(server), nil)
	require.NoError(t, err)
	defer sub.Close()

	first := <-sub.Events
	assert.Equal(t, domain.StreamTypeAgentStatus, first.Type)

	second := <-sub.Events
	assert.Equal(t, domain.StreamTypeOrderStatus, second.Type)

	var order domain.OrderStatusPush
	require.NoError(t, json.Unmarshal(second.Data, &order))
	assert.Equal(t, 3, order.TradeID)
}

func TestSubscribeSkipsMalformedMessages(t *testing.T) {
	server := streamServer(t, []string{
		`{broken`,
		`{"type":"greeks","data":{"delta":-1}}`,
	})
	defer server.Close()

	sub, err := Subscribe(context.Background(), wsURL(server), nil)
	require.NoError(t, err)
	defer sub.Close()

	ev := <-sub.Events
	assert.Equal(t, domain.StreamTypeGreeks, ev.Type)
}

func TestChannelClosesOnServerClose(t *testing.T) {
	server := streamServer(t, nil)
	defer server.Close()

	sub, err := Subscribe(context.Background(), wsURL(server), nil)
	require.NoError(t, err)
	defer sub.Close()

	select {
	case _, open := <-sub.Events:
		assert.False(t, open, "channel should close when the server hangs up")
	case <-time.After(5 * time.Second):
		t.Fatal("events channel never closed")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	server := streamServer(t, nil)
	defer server.Close()

	sub, err := Subscribe(context.Background(), wsURL(server), nil)
	require.NoError(t, err)

	sub.Close()
	sub.Close()

	select {
	case _, open := <-sub.Events:
		assert.False(t, open)
	case <-time.After(5 * time.Second):
		t.Fatal("events channel never closed after Close")
	}
}

func TestSubscribeDialFailure(t *testing.T) {
	_, err := Subscribe(context.Background(), "ws://127.0.0.1:1/stream", nil)
	require.Error(t, err)
}
