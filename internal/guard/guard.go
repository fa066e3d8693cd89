// Package guard implements the safety-gated execution state machine. It
// is the sole authority that permits sending a trade proposal to the
// broker: global halt, broker readiness, operating mode, and explicit
// operator confirmation are all consulted before any money moves.
package guard

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hedgedesk/console/internal/domain"
)

// ErrExecutionInFlight is returned when an attempt is already executing.
var ErrExecutionInFlight = errors.New("an execution attempt is already in flight")

// GateInput is the full set of values the gate decision depends on. The
// gate is a pure function of these inputs, not remembered state.
type GateInput struct {
	Halted     bool
	HaltReason string
	Ready      bool
	LastError  string
	Mode       string
	Confirmed  bool
}

// Decision is a gate outcome with a user-facing explanation. Gate
// blocks are expected states, never errors.
type Decision struct {
	Allowed bool
	Message string
}

// Broker is the subset of backend operations the guard needs.
type Broker interface {
	Readiness(ctx context.Context) (*domain.Readiness, error)
	Approve(ctx context.Context, proposalID int) (*domain.ProposalAck, error)
	RecentTrades(ctx context.Context, limit int) ([]domain.Trade, error)
}

// Attempt is a snapshot of the current execution attempt. Approved
// reports whether the approval call itself succeeded; it stays true
// even when a follow-up fetch fails the attempt, because money has
// moved at that point.
type Attempt struct {
	Phase      domain.ExecutionPhase
	ProposalID int
	Message    string
	Approved   bool
	SentAt     *time.Time
	ResolvedAt *time.Time
	LastTrade  *domain.Trade
}

// Machine drives the execution phases for one console instance. Only
// one attempt may be in flight at a time.
type Machine struct {
	policy *PolicyEngine
	broker Broker
	logger *slog.Logger

	mu         sync.Mutex
	phase      domain.ExecutionPhase
	proposalID int
	message    string
	approved   bool
	sentAt     *time.Time
	resolvedAt *time.Time
	lastTrade  *domain.Trade
	inFlight   bool
}

// NewMachine creates a machine in the idle phase.
func NewMachine(policy *PolicyEngine, broker Broker, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Machine{
		policy: policy,
		broker: broker,
		logger: logger,
		phase:  domain.PhaseIdle,
	}
}

// Gate recomputes the entry decision from the current inputs. It never
// returns an error: a policy failure fails closed.
func (m *Machine) Gate(ctx context.Context, in GateInput) Decision {
	allow, reason, err := m.policy.Evaluate(ctx, in)
	if err != nil {
		m.logger.Error("gate policy evaluation failed", "error", err)
		return Decision{Allowed: false, Message: "Execution gate unavailable: " + err.Error()}
	}
	if allow {
		return Decision{Allowed: true}
	}
	return Decision{Allowed: false, Message: gateMessage(reason, in)}
}

func gateMessage(reason string, in GateInput) string {
	switch reason {
	case "halted":
		if in.HaltReason != "" {
			return "Trading halted: " + in.HaltReason
		}
		return "Trading halted"
	case "not_ready":
		if in.LastError != "" {
			return in.LastError
		}
		return "Broker not ready"
	case "unconfirmed":
		return "Tick the confirmation box before executing."
	}
	return "Execution blocked"
}

// SelectProposal resets the machine to idle for a new attempt. It
// refuses to switch while an execution is in flight.
func (m *Machine) SelectProposal(proposalID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inFlight {
		return ErrExecutionInFlight
	}
	m.phase = domain.PhaseIdle
	m.proposalID = proposalID
	m.message = ""
	m.approved = false
	m.sentAt = nil
	m.resolvedAt = nil
	m.lastTrade = nil
	return nil
}

// Reset clears the machine entirely, for a session identity change.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phase = domain.PhaseIdle
	m.proposalID = 0
	m.message = ""
	m.approved = false
	m.sentAt = nil
	m.resolvedAt = nil
	m.lastTrade = nil
	m.inFlight = false
}

// Preflight runs an explicit readiness check against the broker and
// moves the machine to ready or preflight_blocked. Halt, mode, and
// confirmation come from in; readiness is fetched fresh.
func (m *Machine) Preflight(ctx context.Context, in GateInput) Decision {
	readiness, err := m.broker.Readiness(ctx)
	if err != nil {
		in.Ready = false
		in.LastError = err.Error()
	} else {
		in.Ready = readiness.Ready
		in.LastError = readiness.LastError
	}

	dec := m.Gate(ctx, in)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inFlight {
		return dec
	}
	if dec.Allowed {
		m.phase = domain.PhaseReady
		m.message = ""
	} else {
		m.phase = domain.PhasePreflightBlocked
		m.message = dec.Message
	}
	return dec
}

// Execute performs the gated approval call for the selected proposal.
// The gate is evaluated twice: once against the caller's current inputs
// before any network traffic, and once more against a fresh readiness
// fetch immediately before the executing transition. A blocked attempt
// issues no approval call. On success the trade list is polled once and
// the most recent record attached to the attempt.
func (m *Machine) Execute(ctx context.Context, in GateInput) Attempt {
	m.mu.Lock()
	if m.inFlight {
		m.mu.Unlock()
		return m.Snapshot()
	}
	proposalID := m.proposalID
	m.mu.Unlock()

	if proposalID <= 0 {
		m.block("No proposal selected.")
		return m.Snapshot()
	}

	if dec := m.Gate(ctx, in); !dec.Allowed {
		m.block(dec.Message)
		return m.Snapshot()
	}

	// Final re-check with a fresh readiness fetch.
	readiness, err := m.broker.Readiness(ctx)
	if err != nil {
		m.block("Readiness check failed: " + err.Error())
		return m.Snapshot()
	}
	in.Ready = readiness.Ready
	in.LastError = readiness.LastError
	if dec := m.Gate(ctx, in); !dec.Allowed {
		m.block(dec.Message)
		return m.Snapshot()
	}

	m.mu.Lock()
	if m.inFlight {
		m.mu.Unlock()
		return m.Snapshot()
	}
	m.inFlight = true
	m.phase = domain.PhaseExecuting
	m.message = ""
	now := time.Now().UTC()
	m.sentAt = &now
	m.mu.Unlock()

	ack, err := m.broker.Approve(ctx, proposalID)
	if err != nil {
		m.fail(err.Error())
		return m.Snapshot()
	}
	m.logger.Info("proposal approved", "proposal_id", ack.ProposalID, "status", ack.Status)

	m.mu.Lock()
	m.approved = true
	m.mu.Unlock()

	trades, err := m.broker.RecentTrades(ctx, 1)

	m.mu.Lock()
	resolved := time.Now().UTC()
	m.resolvedAt = &resolved
	if err != nil {
		m.phase = domain.PhaseFailed
		m.message = err.Error()
	} else {
		if len(trades) > 0 {
			trade := trades[0]
			m.lastTrade = &trade
		}
		m.phase = domain.PhaseExecuted
	}
	m.inFlight = false
	m.mu.Unlock()

	return m.Snapshot()
}

// Cancel aborts the attempt before the executing transition. No side
// effects have occurred at that point, so nothing is compensated.
func (m *Machine) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inFlight {
		return
	}
	m.phase = domain.PhaseIdle
	m.message = ""
}

// Snapshot returns a copy of the current attempt state.
func (m *Machine) Snapshot() Attempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := Attempt{
		Phase:      m.phase,
		ProposalID: m.proposalID,
		Message:    m.message,
		Approved:   m.approved,
	}
	if m.sentAt != nil {
		sent := *m.sentAt
		out.SentAt = &sent
	}
	if m.resolvedAt != nil {
		resolved := *m.resolvedAt
		out.ResolvedAt = &resolved
	}
	if m.lastTrade != nil {
		trade := *m.lastTrade
		out.LastTrade = &trade
	}
	return out
}

func (m *Machine) block(message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inFlight {
		return
	}
	m.phase = domain.PhasePreflightBlocked
	m.message = message
}

func (m *Machine) fail(message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	resolved := time.Now().UTC()
	m.resolvedAt = &resolved
	m.phase = domain.PhaseFailed
	m.message = message
	m.inFlight = false
}
