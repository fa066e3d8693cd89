// Package domain defines the core data model for the operator console.
package domain

import (
	"encoding/json"
	"time"
)

// ItemKind identifies the kind of a timeline item.
type ItemKind string

const (
	ItemKindUser       ItemKind = "user"
	ItemKindAssistant  ItemKind = "assistant"
	ItemKindToolCall   ItemKind = "tool_call"
	ItemKindToolResult ItemKind = "tool_result"
	ItemKindProposal   ItemKind = "proposal"
	ItemKindStatus     ItemKind = "status"
	ItemKindSystem     ItemKind = "system"
)

// RunStatus represents the status of a timeline run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
)

// Resolution records the outcome of a proposal.
type Resolution string

const (
	ResolutionApproved Resolution = "approved"
	ResolutionRejected Resolution = "rejected"
)

// TimelineItem is one atomic event in the conversation. Items are
// immutable once appended; only the owning run's status may change.
type TimelineItem struct {
	ID         string          `json:"id"`
	Kind       ItemKind        `json:"kind"`
	Text       string          `json:"text"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ProposalID int             `json:"proposal_id,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// TimelineRun is one conversational turn. Items are append-only,
// insertion-ordered, and bounded to the most recent entries.
type TimelineRun struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	Status    RunStatus      `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	Items     []TimelineItem `json:"items"`
}

// PersistedTimelineState is the durable snapshot for one session
// identity. A version mismatch discards the whole blob.
type PersistedTimelineState struct {
	Version            int                `json:"version"`
	Runs               []TimelineRun      `json:"runs"`
	ResolvedProposals  map[int]Resolution `json:"resolved_proposals"`
	ProposalRunEntries map[int]string     `json:"proposal_run_entries"`
}

// StepStatus is the status of a derived tool step.
type StepStatus string

const (
	StepQueued    StepStatus = "queued"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// ToolStep is the derived workflow view of one tool invocation. It is
// recomputed from a run's items on every read and never persisted.
type ToolStep struct {
	ID         string
	Name       string
	Input      json.RawMessage
	Output     json.RawMessage
	Status     StepStatus
	DurationMs int64
}

// ExecutionPhase is the phase of the execution guard state machine.
type ExecutionPhase string

const (
	PhaseIdle             ExecutionPhase = "idle"
	PhasePreflightBlocked ExecutionPhase = "preflight_blocked"
	PhaseReady            ExecutionPhase = "ready"
	PhaseExecuting        ExecutionPhase = "executing"
	PhaseExecuted         ExecutionPhase = "executed"
	PhaseFailed           ExecutionPhase = "failed"
)
