// Command deskstub is an in-memory stand-in for the trading backend,
// used to develop and demo the console without a broker connection. It
// serves the agent API plus a websocket push stream with 1 Hz status
// frames.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/hedgedesk/console/internal/domain"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type desk struct {
	mu        sync.Mutex
	nextID    int
	proposals map[int]*domain.Proposal
	trades    []domain.Trade
	halted    bool
	ready     bool
	mode      string
}

func newDesk() *desk {
	return &desk{
		nextID:    100,
		proposals: make(map[int]*domain.Proposal),
		ready:     true,
		mode:      domain.ModeConfirmation,
	}
}

func main() {
	d := newDesk()

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	e.POST("/clients/:id/agent/chat", d.handleChat)
	e.GET("/clients/:id/agent/proposals", d.handleProposals)
	e.POST("/clients/:id/agent/approve/:pid", d.handleApprove)
	e.POST("/clients/:id/agent/reject/:pid", d.handleReject)
	e.GET("/clients/:id/agent/readiness", d.handleReadiness)
	e.GET("/clients/:id/agent/emergency-halt", d.handleHalt)
	e.POST("/clients/:id/agent/emergency-halt", d.handleSetHalt)
	e.GET("/clients/:id/trades", d.handleTrades)
	e.GET("/clients/:id/stream", d.handleStream)

	port := os.Getenv("DESKSTUB_PORT")
	if port == "" {
		port = "8080"
	}
	e.Logger.Fatal(e.Start(":" + port))
}

// handleChat fakes one agent turn: it always reports a tool trace, and
// any message that smells like a trade intent yields a pending proposal.
func (d *desk) handleChat(c echo.Context) error {
	var req struct {
		Message string `json:"message"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	traceID := "trc_" + uuid.New().String()[:8]
	useID := "tu_" + uuid.New().String()[:8]
	ok := true
	reply := domain.ChatReply{
		Mode:        d.currentMode(),
		Message:     "Reviewed portfolio exposure for: " + req.Message,
		ToolTraceID: traceID,
		ToolCalls: []domain.ToolCall{{
			ToolUseID: useID,
			Name:      "get_portfolio_greeks",
			Input:     json.RawMessage(`{"scope":"net"}`),
		}},
		ToolResults: []domain.ToolResult{{
			ToolUseID:  useID,
			Name:       "get_portfolio_greeks",
			Output:     json.RawMessage(`{"delta":-120.5,"vega":310.0}`),
			Success:    &ok,
			DurationMs: 42,
		}},
	}

	lower := strings.ToLower(req.Message)
	if strings.Contains(lower, "hedge") || strings.Contains(lower, "trade") || strings.Contains(lower, "roll") {
		p := d.createProposal(c.Param("id"), req.Message)
		reply.ProposalID = p.ID
		raw, _ := json.Marshal(p)
		reply.Proposal = raw
		reply.Message = fmt.Sprintf("Proposed trade #%d to hedge the current exposure. Awaiting your approval.", p.ID)
	}

	return c.JSON(http.StatusOK, reply)
}

func (d *desk) createProposal(clientID, reason string) *domain.Proposal {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	p := &domain.Proposal{
		ID:             d.nextID,
		Timestamp:      time.Now().UTC(),
		TradePayload:   json.RawMessage(`{"action":"SELL","symbol":"NIFTY","instrument":"FUT","qty":50}`),
		AgentReasoning: "Operator request: " + reason,
		Status:         "pending",
	}
	d.proposals[p.ID] = p
	return p
}

func (d *desk) handleProposals(c echo.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]domain.Proposal, 0, len(d.proposals))
	for _, p := range d.proposals {
		out = append(out, *p)
	}
	return c.JSON(http.StatusOK, out)
}

func (d *desk) handleApprove(c echo.Context) error {
	pid, err := strconv.Atoi(c.Param("pid"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid proposal id")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.halted {
		return echo.NewHTTPError(http.StatusConflict, "trading halted")
	}
	if !d.ready {
		return echo.NewHTTPError(http.StatusConflict, "broker not ready")
	}
	p, ok := d.proposals[pid]
	if !ok || p.Status != "pending" {
		return echo.NewHTTPError(http.StatusNotFound, "no pending proposal")
	}

	now := time.Now().UTC()
	p.Status = "approved"
	p.ResolvedAt = &now
	fill := 187.25
	d.trades = append([]domain.Trade{{
		ID:        len(d.trades) + 1,
		Timestamp: now,
		Action:    "SELL",
		Symbol:    "NIFTY",
		Qty:       50,
		FillPrice: &fill,
		OrderID:   "ord_" + uuid.New().String()[:8],
		Mode:      d.mode,
		Status:    "filled",
	}}, d.trades...)

	return c.JSON(http.StatusOK, domain.ProposalAck{ProposalID: pid, Status: "approved"})
}

func (d *desk) handleReject(c echo.Context) error {
	pid, err := strconv.Atoi(c.Param("pid"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid proposal id")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.proposals[pid]
	if !ok || p.Status != "pending" {
		return echo.NewHTTPError(http.StatusNotFound, "no pending proposal")
	}
	now := time.Now().UTC()
	p.Status = "rejected"
	p.ResolvedAt = &now
	return c.JSON(http.StatusOK, domain.ProposalAck{ProposalID: pid, Status: "rejected"})
}

func (d *desk) handleReadiness(c echo.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	readiness := domain.Readiness{
		ClientID:     c.Param("id"),
		Ready:        d.ready && !d.halted,
		Connected:    d.ready,
		MarketDataOK: d.ready,
		Mode:         d.mode,
		UpdatedAt:    time.Now().UTC(),
	}
	if !d.ready {
		readiness.LastError = "broker session disconnected"
	}
	return c.JSON(http.StatusOK, readiness)
}

func (d *desk) handleHalt(c echo.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return c.JSON(http.StatusOK, domain.HaltState{Halted: d.halted, Reason: haltReason(d.halted)})
}

func (d *desk) handleSetHalt(c echo.Context) error {
	var req struct {
		Halted bool `json:"halted"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	d.mu.Lock()
	d.halted = req.Halted
	d.mu.Unlock()
	return c.JSON(http.StatusOK, domain.HaltState{Halted: req.Halted, Reason: haltReason(req.Halted)})
}

func haltReason(halted bool) string {
	if halted {
		return "manual emergency halt"
	}
	return ""
}

func (d *desk) handleTrades(c echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	trades := d.trades
	if limit > 0 && limit < len(trades) {
		trades = trades[:limit]
	}
	out := make([]domain.Trade, len(trades))
	copy(out, trades)
	return c.JSON(http.StatusOK, out)
}

func (d *desk) currentMode() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// handleStream upgrades to a websocket and pushes agent_status and
// greeks frames once per second, plus an order_status frame whenever a
// new trade shows up.
func (d *desk) handleStream(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	clientID := c.Param("id")
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	lastTradeID := 0
	for {
		select {
		case <-c.Request().Context().Done():
			return nil
		case <-ticker.C:
		}

		d.mu.Lock()
		status := domain.AgentStatus{
			ClientID:   clientID,
			Mode:       d.mode,
			LastAction: "monitoring",
			Healthy:    d.ready,
			NetGreeks:  map[string]float64{"delta": -120.5, "vega": 310.0},
		}
		var newest *domain.Trade
		if len(d.trades) > 0 && d.trades[0].ID != lastTradeID {
			t := d.trades[0]
			newest = &t
			lastTradeID = t.ID
		}
		d.mu.Unlock()

		if err := push(conn, domain.StreamTypeAgentStatus, status); err != nil {
			return nil
		}
		if err := push(conn, domain.StreamTypeGreeks, status.NetGreeks); err != nil {
			return nil
		}
		if newest != nil {
			order := domain.OrderStatusPush{
				ClientID:  clientID,
				TradeID:   newest.ID,
				OrderID:   newest.OrderID,
				Symbol:    newest.Symbol,
				Action:    newest.Action,
				Qty:       newest.Qty,
				Status:    newest.Status,
				FillPrice: newest.FillPrice,
				Timestamp: newest.Timestamp.Format(time.RFC3339),
			}
			if err := push(conn, domain.StreamTypeOrderStatus, order); err != nil {
				return nil
			}
		}
	}
}

func push(conn *websocket.Conn, eventType string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return conn.WriteJSON(domain.StreamEvent{Type: eventType, Data: raw})
}
