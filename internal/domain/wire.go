package domain

import (
	"encoding/json"
	"time"
)

// Operating modes for the agent.
const (
	ModeConfirmation = "confirmation"
	ModeAutonomous   = "autonomous"
)

// PlannedTool is a tool the agent declared it intends to run before any
// execution happened.
type PlannedTool struct {
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolCall is one executed tool invocation reported by the chat endpoint.
type ToolCall struct {
	ToolUseID   string          `json:"tool_use_id,omitempty"`
	Name        string          `json:"name"`
	Input       json.RawMessage `json:"input,omitempty"`
	StartedAt   string          `json:"started_at,omitempty"`
	CompletedAt string          `json:"completed_at,omitempty"`
	DurationMs  int64           `json:"duration_ms,omitempty"`
}

// ToolResult is the outcome of one tool invocation. Success is a pointer
// so an explicit false can be told apart from an absent field.
type ToolResult struct {
	ToolUseID   string          `json:"tool_use_id,omitempty"`
	Name        string          `json:"name"`
	Output      json.RawMessage `json:"output,omitempty"`
	Success     *bool           `json:"success,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   string          `json:"started_at,omitempty"`
	CompletedAt string          `json:"completed_at,omitempty"`
	DurationMs  int64           `json:"duration_ms,omitempty"`
}

// ChatReply is the structured response from the chat endpoint.
type ChatReply struct {
	Mode         string          `json:"mode,omitempty"`
	Message      string          `json:"message,omitempty"`
	Executed     bool            `json:"executed,omitempty"`
	ToolTraceID  string          `json:"tool_trace_id,omitempty"`
	PlannedTools []PlannedTool   `json:"planned_tools,omitempty"`
	ToolCalls    []ToolCall      `json:"tool_calls,omitempty"`
	ToolResults  []ToolResult    `json:"tool_results,omitempty"`
	ProposalID   int             `json:"proposal_id,omitempty"`
	Proposal     json.RawMessage `json:"proposal,omitempty"`
}

// Proposal is a trade proposal produced by the agent.
type Proposal struct {
	ID             int             `json:"id"`
	Timestamp      time.Time       `json:"timestamp"`
	TradePayload   json.RawMessage `json:"trade_payload,omitempty"`
	AgentReasoning string          `json:"agent_reasoning,omitempty"`
	Status         string          `json:"status"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty"`
}

// ProposalAck acknowledges an approve or reject call.
type ProposalAck struct {
	ProposalID int    `json:"proposal_id"`
	Status     string `json:"status"`
}

// Readiness reports whether the broker link can accept an execution.
type Readiness struct {
	ClientID     string    `json:"client_id,omitempty"`
	Ready        bool      `json:"ready"`
	Connected    bool      `json:"connected"`
	MarketDataOK bool      `json:"market_data_ok"`
	Mode         string    `json:"mode,omitempty"`
	RiskBlocked  bool      `json:"risk_blocked"`
	LastError    string    `json:"last_error,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

// Trade is one trade record reported by the backend.
type Trade struct {
	ID             int       `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	Action         string    `json:"action"`
	Symbol         string    `json:"symbol"`
	Instrument     string    `json:"instrument,omitempty"`
	Qty            int       `json:"qty"`
	FillPrice      *float64  `json:"fill_price,omitempty"`
	OrderID        string    `json:"order_id,omitempty"`
	AgentReasoning string    `json:"agent_reasoning,omitempty"`
	Mode           string    `json:"mode,omitempty"`
	Status         string    `json:"status"`
	PnL            float64   `json:"pnl,omitempty"`
}

// HaltState is the global trading halt flag, sourced from an
// admin-scoped endpoint.
type HaltState struct {
	Halted    bool       `json:"halted"`
	Reason    string     `json:"reason"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
	UpdatedBy string     `json:"updated_by,omitempty"`
}

// AgentStatus is the ambient agent status snapshot.
type AgentStatus struct {
	ClientID   string             `json:"client_id,omitempty"`
	Mode       string             `json:"mode"`
	LastAction string             `json:"last_action,omitempty"`
	Healthy    bool               `json:"healthy"`
	NetGreeks  map[string]float64 `json:"net_greeks,omitempty"`
}

// OrderStatusPush mirrors the order_status stream payload.
type OrderStatusPush struct {
	ClientID  string   `json:"client_id,omitempty"`
	TradeID   int      `json:"trade_id"`
	OrderID   string   `json:"order_id,omitempty"`
	Symbol    string   `json:"symbol,omitempty"`
	Action    string   `json:"action,omitempty"`
	Qty       int      `json:"qty,omitempty"`
	Status    string   `json:"status"`
	FillPrice *float64 `json:"fill_price,omitempty"`
	Timestamp string   `json:"timestamp,omitempty"`
}
