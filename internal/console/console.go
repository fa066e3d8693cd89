// Package console wires the timeline store, reconciliation engine, live
// status projector, and execution guard into one operator session over a
// single client identity.
package console

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/hedgedesk/console/internal/domain"
	"github.com/hedgedesk/console/internal/guard"
	"github.com/hedgedesk/console/internal/livestatus"
	"github.com/hedgedesk/console/internal/reconcile"
	"github.com/hedgedesk/console/internal/storage"
	"github.com/hedgedesk/console/internal/timeline"
)

// ErrChatInFlight is returned while a previous chat reply is pending.
// Chat submission is serialized so concurrent replies cannot race for
// the active run.
var ErrChatInFlight = errors.New("a chat reply is still pending")

// ErrEmptyMessage is returned for a blank chat submission.
var ErrEmptyMessage = errors.New("message must not be empty")

// Backend is the API surface the console consumes.
type Backend interface {
	guard.Broker
	Chat(ctx context.Context, message string) (*domain.ChatReply, error)
	Proposals(ctx context.Context) ([]domain.Proposal, error)
	Reject(ctx context.Context, proposalID int) (*domain.ProposalAck, error)
	Halt(ctx context.Context) (*domain.HaltState, error)
}

// Console is one operator session. All entry points may be called from
// different goroutines (stream pump, poll tick, operator input); the
// console serializes what must not interleave and the underlying
// components guard their own state.
type Console struct {
	logger    *slog.Logger
	store     *timeline.Store
	engine    *reconcile.Engine
	projector *livestatus.Projector
	guard     *guard.Machine
	backend   Backend

	mu            sync.Mutex
	identity      string
	mode          string
	halt          domain.HaltState
	confirmed     bool
	chatInFlight  bool
	lastReadiness *domain.Readiness
}

// New assembles a console over the given backend and storage.
func New(backend Backend, kv storage.KV, policy *guard.PolicyEngine, logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	store := timeline.New(kv, logger)
	projector := livestatus.New()
	return &Console{
		logger:    logger,
		store:     store,
		engine:    reconcile.New(store, projector, logger),
		projector: projector,
		guard:     guard.NewMachine(policy, backend, logger),
		backend:   backend,
		mode:      domain.ModeConfirmation,
	}
}

// Store exposes the timeline store for rendering.
func (c *Console) Store() *timeline.Store { return c.store }

// Projector exposes the live status snapshots for rendering.
func (c *Console) Projector() *livestatus.Projector { return c.projector }

// Guard exposes the execution guard for rendering.
func (c *Console) Guard() *guard.Machine { return c.guard }

// SwitchIdentity swaps the persisted timeline wholesale for the new
// session identity and resets all transient state. Replies to calls
// still in flight for the previous identity are silently discarded.
func (c *Console) SwitchIdentity(identity string) {
	c.mu.Lock()
	c.identity = identity
	c.confirmed = false
	c.lastReadiness = nil
	c.mu.Unlock()

	c.store.Load(identity)
	c.projector.Reset()
	c.engine.Reset()
	c.guard.Reset()
}

// SetMode records the operating mode (confirmation or autonomous).
func (c *Console) SetMode(mode string) {
	if mode != domain.ModeConfirmation && mode != domain.ModeAutonomous {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = mode
}

// Mode returns the current operating mode.
func (c *Console) Mode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// SetConfirmed records the state of the explicit confirmation control.
func (c *Console) SetConfirmed(confirmed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirmed = confirmed
}

// Confirmed returns the confirmation control state.
func (c *Console) Confirmed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.confirmed
}

// SetHalt records the global halt flag surfaced by the host.
func (c *Console) SetHalt(halt domain.HaltState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.halt = halt
}

// HaltState returns the last known global halt flag.
func (c *Console) HaltState() domain.HaltState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.halt
}

// RefreshHalt fetches the global halt flag from the backend.
func (c *Console) RefreshHalt(ctx context.Context) error {
	halt, err := c.backend.Halt(ctx)
	if err != nil {
		return err
	}
	c.SetHalt(*halt)
	return nil
}

// RefreshReadiness fetches readiness and remembers it for gating and
// display.
func (c *Console) RefreshReadiness(ctx context.Context) (*domain.Readiness, error) {
	readiness, err := c.backend.Readiness(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.lastReadiness = readiness
	if readiness.Mode != "" {
		c.mode = readiness.Mode
	}
	c.mu.Unlock()
	return readiness, nil
}

// gateInput assembles the gate inputs from the latest observed values.
// With no readiness check on record yet, readiness is left to the
// guard's mandatory fresh fetch.
func (c *Console) gateInput() guard.GateInput {
	c.mu.Lock()
	defer c.mu.Unlock()
	in := guard.GateInput{
		Halted:     c.halt.Halted,
		HaltReason: c.halt.Reason,
		Mode:       c.mode,
		Confirmed:  c.confirmed,
		Ready:      true,
	}
	if c.lastReadiness != nil {
		in.Ready = c.lastReadiness.Ready
		in.LastError = c.lastReadiness.LastError
	}
	return in
}

// SubmitChat starts a run for the prompt, submits it, and reconciles the
// reply into that run. Returns ErrChatInFlight while a previous reply is
// pending.
func (c *Console) SubmitChat(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	c.mu.Lock()
	if c.chatInFlight {
		c.mu.Unlock()
		return ErrChatInFlight
	}
	c.chatInFlight = true
	identity := c.identity
	c.mu.Unlock()

	runID := c.store.StartRun(text)
	reply, err := c.backend.Chat(ctx, text)

	c.mu.Lock()
	c.chatInFlight = false
	stale := c.identity != identity
	c.mu.Unlock()
	if stale {
		c.logger.Info("discarding chat reply for switched identity", "run_id", runID)
		return nil
	}

	if err != nil {
		item := timeline.NewItem(domain.ItemKindSystem, "Chat failed: "+err.Error())
		c.store.AppendToRun(runID, []domain.TimelineItem{item})
		c.store.CompleteRun(runID)
		return err
	}

	c.engine.IngestChatReply(runID, reply)
	c.store.CompleteRun(runID)
	if reply.Mode != "" {
		c.SetMode(reply.Mode)
	}
	return nil
}

// ChatInFlight reports whether a chat reply is pending; hosts use it to
// disable the send control.
func (c *Console) ChatInFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chatInFlight
}

// RefreshProposals polls the pending-proposal snapshot and surfaces
// anything not yet announced.
func (c *Console) RefreshProposals(ctx context.Context) error {
	c.mu.Lock()
	identity := c.identity
	c.mu.Unlock()

	proposals, err := c.backend.Proposals(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	stale := c.identity != identity
	c.mu.Unlock()
	if stale {
		return nil
	}

	c.engine.IngestProposals(proposals)
	return nil
}

// HandleStreamEvent feeds one push message through reconciliation.
func (c *Console) HandleStreamEvent(ev domain.StreamEvent) {
	c.engine.IngestStreamEvent(ev)
}

// Pump consumes stream events until the channel closes.
func (c *Console) Pump(events <-chan domain.StreamEvent) {
	for ev := range events {
		c.HandleStreamEvent(ev)
	}
}

// SelectProposal arms the execution guard for the proposal.
func (c *Console) SelectProposal(proposalID int) error {
	return c.guard.SelectProposal(proposalID)
}

// Preflight runs an explicit readiness check through the guard.
func (c *Console) Preflight(ctx context.Context) guard.Decision {
	dec := c.guard.Preflight(ctx, c.gateInput())
	return dec
}

// ExecuteSelected performs the gated approval of the selected proposal.
// The resolution is recorded whenever the approval call itself
// succeeded: even if a follow-up fetch fails the attempt, the trade was
// sent and its outcome must survive. Only an attempt that never got the
// approval through leaves a failure note instead.
func (c *Console) ExecuteSelected(ctx context.Context) guard.Attempt {
	attempt := c.guard.Execute(ctx, c.gateInput())
	switch {
	case attempt.Approved:
		c.engine.RecordResolution(attempt.ProposalID, domain.ResolutionApproved)
	case attempt.Phase == domain.PhaseFailed:
		item := timeline.NewItem(domain.ItemKindSystem, "Execution failed: "+attempt.Message)
		item.ProposalID = attempt.ProposalID
		c.store.AppendToActiveRunOrStandalone(item)
	}
	return attempt
}

// CancelExecution aborts the pending attempt before execution.
func (c *Console) CancelExecution() {
	c.guard.Cancel()
}

// Reject dismisses a proposal. Rejection moves no money and is not
// gated; a backend failure is surfaced and noted on the timeline.
func (c *Console) Reject(ctx context.Context, proposalID int) error {
	if _, err := c.backend.Reject(ctx, proposalID); err != nil {
		item := timeline.NewItem(domain.ItemKindSystem, "Reject failed: "+err.Error())
		item.ProposalID = proposalID
		c.store.AppendToActiveRunOrStandalone(item)
		return err
	}
	c.engine.RecordResolution(proposalID, domain.ResolutionRejected)
	return nil
}

// ToolSteps summarizes the named run, or the most recent one when runID
// is empty.
func (c *Console) ToolSteps(runID string) []domain.ToolStep {
	if runID == "" {
		runs := c.store.Runs()
		if len(runs) == 0 {
			return nil
		}
		return timeline.SummarizeToolSteps(runs[0])
	}
	run, ok := c.store.Run(runID)
	if !ok {
		return nil
	}
	return timeline.SummarizeToolSteps(run)
}
