// Package backend provides the HTTP client for the console's backend
// collaborator. The backend owns auth, proposal CRUD, trade CRUD,
// readiness and halt queries, and chat completion; the console only
// consumes them.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hedgedesk/console/internal/domain"
)

// Client talks to the backend API on behalf of one client identity.
type Client struct {
	baseURL    string
	clientID   string
	token      string
	httpClient *http.Client
}

// New creates a backend client bound to one client identity.
func New(baseURL, clientID, token string) *Client {
	return &Client{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		clientID: clientID,
		token:    token,
		httpClient: &http.Client{
			Timeout: 2 * time.Minute, // chat turns can run tools
		},
	}
}

// ClientID returns the identity this client is bound to.
func (c *Client) ClientID() string {
	return c.clientID
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call backend: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("backend returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Chat submits a free-text message and returns the structured reply.
func (c *Client) Chat(ctx context.Context, message string) (*domain.ChatReply, error) {
	var reply domain.ChatReply
	path := "/clients/" + c.clientID + "/agent/chat"
	if err := c.do(ctx, http.MethodPost, path, map[string]string{"message": message}, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// Proposals lists the agent's proposals, most recent first.
func (c *Client) Proposals(ctx context.Context) ([]domain.Proposal, error) {
	var proposals []domain.Proposal
	path := "/clients/" + c.clientID + "/agent/proposals"
	if err := c.do(ctx, http.MethodGet, path, nil, &proposals); err != nil {
		return nil, err
	}
	return proposals, nil
}

// Approve asks the backend to execute the proposal.
func (c *Client) Approve(ctx context.Context, proposalID int) (*domain.ProposalAck, error) {
	var ack domain.ProposalAck
	path := "/clients/" + c.clientID + "/agent/approve/" + strconv.Itoa(proposalID)
	if err := c.do(ctx, http.MethodPost, path, nil, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// Reject dismisses the proposal without executing it.
func (c *Client) Reject(ctx context.Context, proposalID int) (*domain.ProposalAck, error) {
	var ack domain.ProposalAck
	path := "/clients/" + c.clientID + "/agent/reject/" + strconv.Itoa(proposalID)
	if err := c.do(ctx, http.MethodPost, path, nil, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// Readiness fetches the current broker/market-data readiness.
func (c *Client) Readiness(ctx context.Context) (*domain.Readiness, error) {
	var readiness domain.Readiness
	path := "/clients/" + c.clientID + "/agent/readiness"
	if err := c.do(ctx, http.MethodGet, path, nil, &readiness); err != nil {
		return nil, err
	}
	return &readiness, nil
}

// Halt fetches the global trading halt flag.
func (c *Client) Halt(ctx context.Context) (*domain.HaltState, error) {
	var halt domain.HaltState
	path := "/clients/" + c.clientID + "/agent/emergency-halt"
	if err := c.do(ctx, http.MethodGet, path, nil, &halt); err != nil {
		return nil, err
	}
	return &halt, nil
}

// RecentTrades lists recent trade records, most recent first.
func (c *Client) RecentTrades(ctx context.Context, limit int) ([]domain.Trade, error) {
	var trades []domain.Trade
	path := "/clients/" + c.clientID + "/trades"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &trades); err != nil {
		return nil, err
	}
	return trades, nil
}
