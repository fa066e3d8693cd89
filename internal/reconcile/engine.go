// Package reconcile is the single point where the console's inbound
// sources (synchronous chat replies, polled proposal snapshots, and the
// push event stream) are translated into timeline operations, with
// cross-source deduplication.
package reconcile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/hedgedesk/console/internal/domain"
	"github.com/hedgedesk/console/internal/livestatus"
	"github.com/hedgedesk/console/internal/timeline"
)

// Engine normalizes inbound events into Timeline Store mutations.
// Ingestion never returns an error: a malformed payload from any source
// is treated as "nothing to add".
type Engine struct {
	store     *timeline.Store
	projector *livestatus.Projector
	logger    *slog.Logger

	mu      sync.Mutex
	lastRaw []byte // serialized form of the previous stream event
}

// New creates an engine over the given store and projector.
func New(store *timeline.Store, projector *livestatus.Projector, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{store: store, projector: projector, logger: logger}
}

// Reset clears the stream dedup marker, for a session identity change.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastRaw = nil
}

// IngestChatReply decomposes a structured agent reply into timeline
// items in a fixed order: trace marker, assistant text, tool calls (or
// synthetic calls from planned tools), tool results, proposal. A
// proposal is registered in the seen set before anything is appended,
// so a concurrent poll cannot slip in between; an id another path
// already announced yields no second proposal item.
func (e *Engine) IngestChatReply(runID string, reply *domain.ChatReply) {
	if reply == nil {
		return
	}

	newProposal := false
	if reply.ProposalID > 0 {
		newProposal = e.store.MarkProposalSeen(reply.ProposalID)
		if newProposal {
			e.store.BindProposalRun(reply.ProposalID, runID)
		}
	}

	var items []domain.TimelineItem

	if reply.ToolTraceID != "" {
		item := timeline.NewItem(domain.ItemKindStatus, "Tool trace "+reply.ToolTraceID)
		item.Payload, _ = json.Marshal(map[string]string{"tool_trace_id": reply.ToolTraceID})
		items = append(items, item)
	}

	if strings.TrimSpace(reply.Message) != "" {
		items = append(items, timeline.NewItem(domain.ItemKindAssistant, reply.Message))
	}

	for _, call := range reply.ToolCalls {
		item := timeline.NewItem(domain.ItemKindToolCall, call.Name)
		item.Payload, _ = json.Marshal(call)
		items = append(items, item)
	}
	if len(reply.ToolCalls) == 0 {
		// A reply that only announces intent renders each planned tool
		// as a synthetic call.
		for _, planned := range reply.PlannedTools {
			item := timeline.NewItem(domain.ItemKindToolCall, planned.Name)
			item.Payload, _ = json.Marshal(planned)
			items = append(items, item)
		}
	} else if len(reply.PlannedTools) > 0 {
		e.logger.Warn("chat reply carried both planned and executed tools; ignoring planned list",
			"run_id", runID)
	}

	for _, result := range reply.ToolResults {
		item := timeline.NewItem(domain.ItemKindToolResult, result.Name)
		item.Payload, _ = json.Marshal(result)
		items = append(items, item)
	}

	if newProposal {
		item := timeline.NewItem(domain.ItemKindProposal, proposalLabel(reply.ProposalID))
		item.ProposalID = reply.ProposalID
		item.Payload = reply.Proposal
		items = append(items, item)
	}

	e.store.AppendToRun(runID, items)
}

// IngestProposals surfaces proposals from the current pending snapshot
// that no path announced yet. The seen set is consulted before any
// append, so a proposal the chat path already surfaced is never
// double-announced.
func (e *Engine) IngestProposals(snapshot []domain.Proposal) {
	for _, p := range snapshot {
		if p.ID <= 0 || !strings.EqualFold(p.Status, "pending") {
			continue
		}
		if !e.store.MarkProposalSeen(p.ID) {
			continue
		}

		item := timeline.NewItem(domain.ItemKindProposal, proposalLabel(p.ID))
		item.ProposalID = p.ID
		item.Payload, _ = json.Marshal(p)

		if runID := e.store.ActiveRunID(); runID != "" && e.store.AppendToRun(runID, []domain.TimelineItem{item}) {
			e.store.BindProposalRun(p.ID, runID)
			continue
		}
		runID := e.store.AppendStandalone(proposalLabel(p.ID), item)
		e.store.BindProposalRun(p.ID, runID)
	}
}

// IngestStreamEvent routes one push message: ambient state goes to the
// projector, everything else lands on the timeline as a status item. An
// event byte-identical to the immediately preceding stream event is
// dropped, guarding against transports that redeliver the last message
// on reconnect.
func (e *Engine) IngestStreamEvent(ev domain.StreamEvent) {
	raw := ev.Encode()
	e.mu.Lock()
	if raw != nil && bytes.Equal(raw, e.lastRaw) {
		e.mu.Unlock()
		return
	}
	e.lastRaw = raw
	e.mu.Unlock()

	if livestatus.IsAmbient(ev.Type) {
		if e.projector != nil {
			e.projector.Apply(ev)
		}
		return
	}

	if e.projector != nil {
		e.projector.Record(ev)
	}
	if ev.Type == "" {
		return
	}
	item := timeline.NewItem(domain.ItemKindStatus, ev.Type)
	item.Payload = ev.Data
	e.store.AppendToActiveRunOrStandalone(item)
}

// RecordResolution records an approve/reject outcome and appends a
// system note to the run that introduced the proposal, falling back to
// the active run and then to a standalone run.
func (e *Engine) RecordResolution(proposalID int, resolution domain.Resolution) {
	e.store.ResolveProposal(proposalID, resolution)

	item := timeline.NewItem(domain.ItemKindSystem,
		fmt.Sprintf("Proposal #%d %s.", proposalID, resolution))
	item.ProposalID = proposalID

	if runID, ok := e.store.ProposalRun(proposalID); ok {
		if e.store.AppendToRun(runID, []domain.TimelineItem{item}) {
			return
		}
	}
	e.store.AppendToActiveRunOrStandalone(item)
}

func proposalLabel(proposalID int) string {
	return fmt.Sprintf("Proposal #%d", proposalID)
}
