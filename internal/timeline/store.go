// Package timeline owns the durable, de-duplicated conversational
// timeline: runs, their items, the proposal bookkeeping maps, and the
// persistence of all of it per session identity.
package timeline

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hedgedesk/console/internal/domain"
	"github.com/hedgedesk/console/internal/storage"
)

const (
	// schemaVersion gates persisted blobs; bumping it invalidates all
	// previously stored state.
	schemaVersion = 2

	maxRuns        = 20
	maxItemsPerRun = 200
	maxTitleLen    = 60

	storageKeyPrefix = "hedgedesk.timeline."
)

// Store owns the conversational timeline for one session identity at a
// time. All mutations persist best-effort; storage failures degrade to
// an unpersisted timeline and are never surfaced to callers.
type Store struct {
	mu     sync.Mutex
	kv     storage.KV
	logger *slog.Logger

	identity    string
	runs        []domain.TimelineRun // most-recent-first
	activeRunID string

	resolved     map[int]domain.Resolution
	proposalRuns map[int]string
	seen         map[int]bool
}

// New creates a Store backed by kv. A nil kv disables persistence.
func New(kv storage.KV, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{
		kv:           kv,
		logger:       logger,
		resolved:     make(map[int]domain.Resolution),
		proposalRuns: make(map[int]string),
		seen:         make(map[int]bool),
	}
}

// NewItem builds a timeline item with a fresh id. The timestamp is
// assigned when the item is appended to a run.
func NewItem(kind domain.ItemKind, text string) domain.TimelineItem {
	return domain.TimelineItem{
		ID:   "itm_" + uuid.New().String()[:8],
		Kind: kind,
		Text: text,
	}
}

func newRunID() string {
	return "run_" + uuid.New().String()[:8]
}

func storageKey(identity string) string {
	return storageKeyPrefix + identity
}

func truncateTitle(text string) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) > maxTitleLen {
		return string(runes[:maxTitleLen-1]) + "…"
	}
	return text
}

// Load swaps in the persisted state for identity, replacing whatever was
// loaded before. Corrupt, missing, or version-mismatched blobs yield an
// empty timeline. The proposal→run map and the seen set are rebuilt from
// the restored runs so reconciliation state matches what is rendered.
func (s *Store) Load(identity string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.identity = identity
	s.runs = nil
	s.activeRunID = ""
	s.resolved = make(map[int]domain.Resolution)
	s.proposalRuns = make(map[int]string)
	s.seen = make(map[int]bool)

	if s.kv == nil || identity == "" {
		return
	}

	raw, ok, err := s.kv.Get(storageKey(identity))
	if err != nil {
		s.logger.Warn("failed to read persisted timeline", "identity", identity, "error", err)
		return
	}
	if !ok {
		return
	}

	var state domain.PersistedTimelineState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		s.logger.Warn("discarding corrupt timeline blob", "identity", identity, "error", err)
		return
	}
	if state.Version != schemaVersion {
		s.logger.Info("discarding timeline blob with stale schema",
			"identity", identity, "stored_version", state.Version, "want_version", schemaVersion)
		return
	}

	s.runs = state.Runs
	if len(s.runs) > maxRuns {
		s.runs = s.runs[:maxRuns]
	}
	if state.ResolvedProposals != nil {
		s.resolved = state.ResolvedProposals
	}
	if state.ProposalRunEntries != nil {
		s.proposalRuns = state.ProposalRunEntries
	}

	for _, run := range s.runs {
		// A persisted running run becomes the active run again.
		if run.Status == domain.RunStatusRunning && s.activeRunID == "" {
			s.activeRunID = run.ID
		}
		for _, item := range run.Items {
			if item.Kind != domain.ItemKindProposal || item.ProposalID == 0 {
				continue
			}
			s.seen[item.ProposalID] = true
			if _, bound := s.proposalRuns[item.ProposalID]; !bound {
				s.proposalRuns[item.ProposalID] = run.ID
			}
		}
	}
}

// Persist writes the current state to storage.
func (s *Store) Persist() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persistLocked()
}

func (s *Store) persistLocked() {
	if s.kv == nil || s.identity == "" {
		return
	}
	state := domain.PersistedTimelineState{
		Version:            schemaVersion,
		Runs:               s.runs,
		ResolvedProposals:  s.resolved,
		ProposalRunEntries: s.proposalRuns,
	}
	raw, err := json.Marshal(state)
	if err != nil {
		s.logger.Warn("failed to encode timeline state", "error", err)
		return
	}
	if err := s.kv.Set(storageKey(s.identity), string(raw)); err != nil {
		s.logger.Warn("failed to persist timeline", "identity", s.identity, "error", err)
	}
}

// StartRun creates a new running run seeded with a user item, marks it
// active, and prepends it to the run list. Callers must pass a non-empty
// prompt.
func (s *Store) StartRun(promptText string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Only one run may be live at a time.
	if s.activeRunID != "" {
		s.completeLocked(s.activeRunID)
	}

	run := domain.TimelineRun{
		ID:        newRunID(),
		Title:     truncateTitle(promptText),
		Status:    domain.RunStatusRunning,
		CreatedAt: time.Now().UTC(),
	}
	appendItems(&run, []domain.TimelineItem{NewItem(domain.ItemKindUser, promptText)})

	s.prependRunLocked(run)
	s.activeRunID = run.ID
	s.persistLocked()
	return run.ID
}

// AppendToRun appends items to the named run, trimming to the item cap.
// It reports whether the append happened; a vanished run (e.g. after a
// session switch) is logged and dropped, never an error.
func (s *Store) AppendToRun(runID string, items []domain.TimelineItem) bool {
	if len(items) == 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	run := s.findLocked(runID)
	if run == nil {
		s.logger.Warn("append to unknown run dropped", "run_id", runID, "items", len(items))
		return false
	}
	appendItems(run, items)
	s.persistLocked()
	return true
}

// AppendToActiveRunOrStandalone appends to the active run when one
// exists; otherwise it synthesizes an already-completed standalone run
// holding just the item, so no event is ever lost. Returns the id of the
// run that received the item.
func (s *Store) AppendToActiveRunOrStandalone(item domain.TimelineItem) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.activeRunID != "" {
		if run := s.findLocked(s.activeRunID); run != nil {
			appendItems(run, []domain.TimelineItem{item})
			s.persistLocked()
			return run.ID
		}
	}
	return s.standaloneLocked(truncateTitle(item.Text), item)
}

// AppendStandalone synthesizes an already-completed run titled title
// holding the single item, regardless of any active run.
func (s *Store) AppendStandalone(title string, item domain.TimelineItem) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.standaloneLocked(title, item)
}

func (s *Store) standaloneLocked(title string, item domain.TimelineItem) string {
	run := domain.TimelineRun{
		ID:        newRunID(),
		Title:     title,
		Status:    domain.RunStatusCompleted,
		CreatedAt: time.Now().UTC(),
	}
	appendItems(&run, []domain.TimelineItem{item})
	s.prependRunLocked(run)
	s.persistLocked()
	return run.ID
}

// CompleteRun marks the run completed and clears the active-run pointer
// if it was the active run.
func (s *Store) CompleteRun(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completeLocked(runID)
	s.persistLocked()
}

func (s *Store) completeLocked(runID string) {
	if run := s.findLocked(runID); run != nil {
		run.Status = domain.RunStatusCompleted
	}
	if s.activeRunID == runID {
		s.activeRunID = ""
	}
}

func (s *Store) prependRunLocked(run domain.TimelineRun) {
	s.runs = append([]domain.TimelineRun{run}, s.runs...)
	if len(s.runs) > maxRuns {
		s.runs = s.runs[:maxRuns]
	}
}

func (s *Store) findLocked(runID string) *domain.TimelineRun {
	for i := range s.runs {
		if s.runs[i].ID == runID {
			return &s.runs[i]
		}
	}
	return nil
}

// appendItems stamps ingestion timestamps, keeping them monotonic within
// the run, and trims the item list to its cap (oldest first).
func appendItems(run *domain.TimelineRun, items []domain.TimelineItem) {
	for _, item := range items {
		ts := time.Now().UTC()
		if n := len(run.Items); n > 0 {
			if last := run.Items[n-1].CreatedAt; !ts.After(last) {
				ts = last.Add(time.Millisecond)
			}
		}
		item.CreatedAt = ts
		run.Items = append(run.Items, item)
	}
	if len(run.Items) > maxItemsPerRun {
		run.Items = run.Items[len(run.Items)-maxItemsPerRun:]
	}
}

// ActiveRunID returns the id of the active run, or "".
func (s *Store) ActiveRunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeRunID
}

// Identity returns the currently loaded session identity.
func (s *Store) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Runs returns a copy of the run list, most-recent-first.
func (s *Store) Runs() []domain.TimelineRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.TimelineRun, len(s.runs))
	for i, run := range s.runs {
		out[i] = run
		out[i].Items = append([]domain.TimelineItem(nil), run.Items...)
	}
	return out
}

// Run returns a copy of the named run.
func (s *Store) Run(runID string) (domain.TimelineRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run := s.findLocked(runID)
	if run == nil {
		return domain.TimelineRun{}, false
	}
	out := *run
	out.Items = append([]domain.TimelineItem(nil), run.Items...)
	return out, true
}

// MarkProposalSeen records a proposal id in the seen set, reporting
// whether it was newly seen. This is the sole cross-source deduplication
// mechanism for proposal announcements.
func (s *Store) MarkProposalSeen(proposalID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen[proposalID] {
		return false
	}
	s.seen[proposalID] = true
	return true
}

// ProposalSeen reports whether the proposal id has been surfaced.
func (s *Store) ProposalSeen(proposalID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen[proposalID]
}

// BindProposalRun records which run first surfaced the proposal, so
// later system notes can be routed back to it.
func (s *Store) BindProposalRun(proposalID int, runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, bound := s.proposalRuns[proposalID]; bound {
		return
	}
	s.proposalRuns[proposalID] = runID
	s.persistLocked()
}

// ProposalRun returns the run that first surfaced the proposal.
func (s *Store) ProposalRun(proposalID int) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	runID, ok := s.proposalRuns[proposalID]
	return runID, ok
}

// ResolveProposal records an approve/reject outcome. Outcomes survive
// even after the proposal disappears from the live pending list.
func (s *Store) ResolveProposal(proposalID int, resolution domain.Resolution) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolved[proposalID] = resolution
	s.persistLocked()
}

// Resolution returns the recorded outcome for the proposal, if any.
func (s *Store) Resolution(proposalID int) (domain.Resolution, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.resolved[proposalID]
	return res, ok
}

// ResolvedProposals returns a copy of the resolution map.
func (s *Store) ResolvedProposals() map[int]domain.Resolution {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]domain.Resolution, len(s.resolved))
	for id, res := range s.resolved {
		out[id] = res
	}
	return out
}
