package timeline

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/hedgedesk/console/internal/domain"
	"github.com/hedgedesk/console/internal/storage"
)

func newTestStore(t *testing.T) (*Store, storage.KV) {
	t.Helper()
	kv := storage.NewMemoryKV()
	s := New(kv, nil)
	s.Load("client-1")
	return s, kv
}

func TestStartRunCompletesPreviousRun(t *testing.T) {
	s, _ := newTestStore(t)

	first := s.StartRun("check the delta exposure")
	second := s.StartRun("hedge it")

	if got := s.ActiveRunID(); got != second {
		t.Fatalf("active run = %q, want %q", got, second)
	}

	run, ok := s.Run(first)
	if !ok {
		t.Fatalf("first run %q not found", first)
	}
	if run.Status != domain.RunStatusCompleted {
		t.Fatalf("first run status = %q, want completed", run.Status)
	}

	running := 0
	for _, r := range s.Runs() {
		if r.Status == domain.RunStatusRunning {
			running++
		}
	}
	if running != 1 {
		t.Fatalf("running runs = %d, want 1", running)
	}
}

func TestStartRunSeedsUserItemAndTruncatesTitle(t *testing.T) {
	s, _ := newTestStore(t)

	long := ""
	for i := 0; i < 30; i++ {
		long += "abcde"
	}
	runID := s.StartRun(long)

	run, _ := s.Run(runID)
	if len(run.Items) != 1 || run.Items[0].Kind != domain.ItemKindUser {
		t.Fatalf("run items = %+v, want single user item", run.Items)
	}
	if run.Items[0].Text != long {
		t.Fatalf("user item text truncated, want full prompt")
	}
	if got := len([]rune(run.Title)); got > maxTitleLen {
		t.Fatalf("title length = %d, want <= %d", got, maxTitleLen)
	}
}

func TestRunCapDropsOldest(t *testing.T) {
	s, _ := newTestStore(t)

	oldest := s.StartRun("run 0")
	for i := 1; i <= maxRuns; i++ {
		s.StartRun(fmt.Sprintf("run %d", i))
	}

	runs := s.Runs()
	if len(runs) != maxRuns {
		t.Fatalf("runs = %d, want %d", len(runs), maxRuns)
	}
	if _, ok := s.Run(oldest); ok {
		t.Fatalf("oldest run %q should have been evicted", oldest)
	}
}

func TestItemCapKeepsNewest(t *testing.T) {
	s, _ := newTestStore(t)
	runID := s.StartRun("busy run")

	for i := 0; i < maxItemsPerRun+10; i++ {
		s.AppendToRun(runID, []domain.TimelineItem{
			NewItem(domain.ItemKindStatus, fmt.Sprintf("event %d", i)),
		})
	}

	run, _ := s.Run(runID)
	if len(run.Items) != maxItemsPerRun {
		t.Fatalf("items = %d, want %d", len(run.Items), maxItemsPerRun)
	}
	last := run.Items[len(run.Items)-1]
	if last.Text != fmt.Sprintf("event %d", maxItemsPerRun+9) {
		t.Fatalf("last item = %q, want newest event", last.Text)
	}
}

func TestAppendTimestampsAreMonotonic(t *testing.T) {
	s, _ := newTestStore(t)
	runID := s.StartRun("burst")

	items := make([]domain.TimelineItem, 5)
	for i := range items {
		items[i] = NewItem(domain.ItemKindStatus, fmt.Sprintf("e%d", i))
	}
	s.AppendToRun(runID, items)

	run, _ := s.Run(runID)
	for i := 1; i < len(run.Items); i++ {
		if !run.Items[i].CreatedAt.After(run.Items[i-1].CreatedAt) {
			t.Fatalf("item %d timestamp not after item %d", i, i-1)
		}
	}
}

func TestAppendToVanishedRunIsDropped(t *testing.T) {
	s, _ := newTestStore(t)
	s.StartRun("present")

	if ok := s.AppendToRun("run_gone", []domain.TimelineItem{
		NewItem(domain.ItemKindStatus, "late event"),
	}); ok {
		t.Fatalf("append to unknown run should report false")
	}
}

func TestAppendStandaloneIsCompleted(t *testing.T) {
	s, _ := newTestStore(t)

	runID := s.AppendStandalone("New trade proposal", NewItem(domain.ItemKindProposal, "Proposal #7"))
	run, _ := s.Run(runID)
	if run.Status != domain.RunStatusCompleted {
		t.Fatalf("standalone run status = %q, want completed", run.Status)
	}
	if got := s.ActiveRunID(); got != "" {
		t.Fatalf("standalone run must not become active, got %q", got)
	}
}

func TestAppendToActiveRunOrStandalone(t *testing.T) {
	s, _ := newTestStore(t)

	// No active run: synthesizes a standalone run.
	standalone := s.AppendToActiveRunOrStandalone(NewItem(domain.ItemKindStatus, "drift alert"))
	if run, _ := s.Run(standalone); run.Status != domain.RunStatusCompleted {
		t.Fatalf("expected completed standalone run")
	}

	active := s.StartRun("what changed?")
	got := s.AppendToActiveRunOrStandalone(NewItem(domain.ItemKindStatus, "order update"))
	if got != active {
		t.Fatalf("item routed to %q, want active run %q", got, active)
	}
}

func TestPersistAndReload(t *testing.T) {
	kv := storage.NewMemoryKV()
	s := New(kv, nil)
	s.Load("client-1")

	runID := s.StartRun("hedge the book")
	proposalItem := NewItem(domain.ItemKindProposal, "Proposal #42")
	proposalItem.ProposalID = 42
	s.AppendToRun(runID, []domain.TimelineItem{proposalItem})
	s.BindProposalRun(42, runID)
	s.MarkProposalSeen(42)
	s.ResolveProposal(42, domain.ResolutionApproved)
	s.CompleteRun(runID)

	reloaded := New(kv, nil)
	reloaded.Load("client-1")

	runs := reloaded.Runs()
	if len(runs) != 1 || runs[0].ID != runID {
		t.Fatalf("reloaded runs = %+v, want run %q", runs, runID)
	}
	if !reloaded.ProposalSeen(42) {
		t.Fatalf("seen set not rebuilt from persisted proposal item")
	}
	if got, ok := reloaded.ProposalRun(42); !ok || got != runID {
		t.Fatalf("proposal run = %q %v, want %q", got, ok, runID)
	}
	if res, ok := reloaded.Resolution(42); !ok || res != domain.ResolutionApproved {
		t.Fatalf("resolution = %q %v, want approved", res, ok)
	}
}

func TestReloadReactivatesRunningRun(t *testing.T) {
	kv := storage.NewMemoryKV()
	s := New(kv, nil)
	s.Load("client-1")
	runID := s.StartRun("still thinking")

	reloaded := New(kv, nil)
	reloaded.Load("client-1")
	if got := reloaded.ActiveRunID(); got != runID {
		t.Fatalf("active run after reload = %q, want %q", got, runID)
	}
}

func TestLoadDiscardsVersionMismatch(t *testing.T) {
	kv := storage.NewMemoryKV()
	state := domain.PersistedTimelineState{
		Version: schemaVersion + 1,
		Runs:    []domain.TimelineRun{{ID: "run_old", Title: "stale"}},
	}
	raw, _ := json.Marshal(state)
	if err := kv.Set(storageKey("client-1"), string(raw)); err != nil {
		t.Fatalf("seed kv: %v", err)
	}

	s := New(kv, nil)
	s.Load("client-1")
	if got := len(s.Runs()); got != 0 {
		t.Fatalf("runs after version mismatch = %d, want 0", got)
	}
}

func TestLoadDiscardsCorruptBlob(t *testing.T) {
	kv := storage.NewMemoryKV()
	if err := kv.Set(storageKey("client-1"), "{not json"); err != nil {
		t.Fatalf("seed kv: %v", err)
	}

	s := New(kv, nil)
	s.Load("client-1")
	if got := len(s.Runs()); got != 0 {
		t.Fatalf("runs after corrupt blob = %d, want 0", got)
	}

	// The store must still be usable.
	s.StartRun("fresh start")
	if got := len(s.Runs()); got != 1 {
		t.Fatalf("runs after recovery = %d, want 1", got)
	}
}

func TestLoadIsolatesIdentities(t *testing.T) {
	kv := storage.NewMemoryKV()
	s := New(kv, nil)

	s.Load("client-1")
	s.StartRun("client one work")

	s.Load("client-2")
	if got := len(s.Runs()); got != 0 {
		t.Fatalf("client-2 sees %d runs, want 0", got)
	}
	s.StartRun("client two work")

	s.Load("client-1")
	runs := s.Runs()
	if len(runs) != 1 || runs[0].Title != "client one work" {
		t.Fatalf("client-1 timeline lost across switch: %+v", runs)
	}
}

func TestMarkProposalSeenIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t)

	if !s.MarkProposalSeen(7) {
		t.Fatalf("first mark should report newly seen")
	}
	if s.MarkProposalSeen(7) {
		t.Fatalf("second mark should report already seen")
	}
}

func TestBindProposalRunFirstBindingWins(t *testing.T) {
	s, _ := newTestStore(t)

	s.BindProposalRun(7, "run_a")
	s.BindProposalRun(7, "run_b")
	if got, _ := s.ProposalRun(7); got != "run_a" {
		t.Fatalf("proposal run = %q, want run_a", got)
	}
}

func TestNilKVDisablesPersistence(t *testing.T) {
	s := New(nil, nil)
	s.Load("client-1")
	runID := s.StartRun("ephemeral")
	if _, ok := s.Run(runID); !ok {
		t.Fatalf("in-memory run missing")
	}
}
