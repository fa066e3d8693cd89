package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hedgedesk/console/internal/domain"
)

func TestChatSendsAuthAndDecodesReply(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/clients/client-1/agent/chat", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "hedge the book", body["message"])

		json.NewEncoder(w).Encode(domain.ChatReply{
			Message:    "Proposed trade #42.",
			ProposalID: 42,
		})
	}))
	defer server.Close()

	client := New(server.URL, "client-1", "secret")
	reply, err := client.Chat(context.Background(), "hedge the book")
	require.NoError(t, err)
	assert.Equal(t, 42, reply.ProposalID)
	assert.Equal(t, "Proposed trade #42.", reply.Message)
}

func TestApproveAndRejectPaths(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(domain.ProposalAck{ProposalID: 7, Status: "ok"})
	}))
	defer server.Close()

	client := New(server.URL, "client-1", "")

	_, err := client.Approve(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "/clients/client-1/agent/approve/7", gotPath)

	_, err = client.Reject(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "/clients/client-1/agent/reject/7", gotPath)
}

func TestErrorStatusIncludesBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"no pending proposal"}`, http.StatusNotFound)
	}))
	defer server.Close()

	client := New(server.URL, "client-1", "")
	_, err := client.Approve(context.Background(), 99)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "no pending proposal")
}

func TestRecentTradesLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/clients/client-1/trades", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("limit"))
		json.NewEncoder(w).Encode([]domain.Trade{{ID: 3, Status: "filled"}})
	}))
	defer server.Close()

	client := New(server.URL, "client-1", "")
	trades, err := client.RecentTrades(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "filled", trades[0].Status)
}

func TestReadinessAndHalt(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/clients/client-1/agent/readiness":
			json.NewEncoder(w).Encode(domain.Readiness{Ready: false, LastError: "feed down"})
		case "/clients/client-1/agent/emergency-halt":
			json.NewEncoder(w).Encode(domain.HaltState{Halted: true, Reason: "manual"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := New(server.URL, "client-1", "")

	readiness, err := client.Readiness(context.Background())
	require.NoError(t, err)
	assert.False(t, readiness.Ready)
	assert.Equal(t, "feed down", readiness.LastError)

	halt, err := client.Halt(context.Background())
	require.NoError(t, err)
	assert.True(t, halt.Halted)
	assert.Equal(t, "manual", halt.Reason)
}

func TestContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	client := New(server.URL, "client-1", "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Proposals(ctx)
	require.Error(t, err)
}
