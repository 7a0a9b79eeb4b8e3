package assembler

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/recall/internal/memstore/memstoretest"
	"github.com/haasonsaas/recall/internal/tokens"
	"github.com/haasonsaas/recall/pkg/models"
)

type stubSummarizer struct {
	reply    string
	err      error
	calls    int
	lastMems []*models.Memory
}

func (s *stubSummarizer) SummarizeFirstMessage(ctx context.Context, profile *models.AgentProfile, memories []*models.Memory) (string, error) {
	s.calls++
	s.lastMems = memories
	if s.err != nil {
		return "", s.err
	}
	return s.reply, nil
}

type stubProfiles struct {
	profile *models.AgentProfile
	err     error
	calls   int
}

func (s *stubProfiles) Get(ctx context.Context, agentID string) (*models.AgentProfile, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if s.profile != nil {
		return s.profile, nil
	}
	return &models.AgentProfile{AgentID: agentID, Profile: map[string]any{"name": "Ava"}}, nil
}

func seedMemory(store *memstoretest.Fake, id, agentID, content string, importance int, shareable bool, age time.Duration) *models.Memory {
	return store.Seed(&models.Memory{
		ID:             id,
		CallerID:       "+15551234567",
		OrganizationID: "org-1",
		AgentID:        agentID,
		Content:        content,
		Type:           models.MemoryFactual,
		Importance:     importance,
		Shareable:      shareable,
		CreatedAt:      time.Now().Add(-age),
	})
}

func TestAssemblePersonalizedGreeting(t *testing.T) {
	store := memstoretest.New()
	seedMemory(store, "m1", "A1", "tracked package XYZ-789", 7, false, time.Hour)

	summarizer := &stubSummarizer{reply: "Welcome back! Any news on package XYZ-789?"}
	a := New(store, &stubProfiles{}, summarizer, tokens.HeuristicCounter{}, Config{}, nil)

	resp, err := a.Assemble(context.Background(), "org-1", "A1", "+15551234567")
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if resp.FirstMessage == nil || !strings.Contains(*resp.FirstMessage, "XYZ-789") {
		t.Errorf("first_message = %v", resp.FirstMessage)
	}
	if len(resp.Context.Memories) != 1 || resp.Context.Memories[0].ID != "m1" {
		t.Errorf("context.memories = %+v", resp.Context.Memories)
	}
	if resp.Degraded {
		t.Error("healthy path must not be degraded")
	}
}

func TestAssembleAnonymousCaller(t *testing.T) {
	store := memstoretest.New()
	seedMemory(store, "m1", "A1", "should never be read", 7, true, time.Hour)

	summarizer := &stubSummarizer{reply: "should not be called"}
	a := New(store, &stubProfiles{}, summarizer, tokens.HeuristicCounter{}, Config{}, nil)

	resp, err := a.Assemble(context.Background(), "org-1", "A1", "")
	if err != nil {
		t.Fatal(err)
	}
	if resp.FirstMessage == nil || *resp.FirstMessage != "Hi, you've reached Ava. How can I help you today?" {
		t.Errorf("first_message = %v", resp.FirstMessage)
	}
	if len(resp.Context.Memories) != 0 || resp.Context.Preferences == nil {
		t.Errorf("context = %+v", resp.Context)
	}
	if resp.Degraded {
		t.Error("anonymous path must not be degraded")
	}
	if summarizer.calls != 0 {
		t.Error("anonymous path must not call the LLM")
	}
	if store.Calls["list_recent"] != 0 {
		t.Error("anonymous path must not read the store")
	}
}

func TestAssembleCrossAgentShare(t *testing.T) {
	store := memstoretest.New()
	// Stored by the support agent with importance 9, so shareable.
	seedMemory(store, "m1", "support", "enterprise account, renewal in september", 9, true, time.Hour)

	summarizer := &stubSummarizer{reply: "Hello again!"}
	a := New(store, &stubProfiles{}, summarizer, tokens.HeuristicCounter{}, Config{}, nil)

	resp, err := a.Assemble(context.Background(), "org-1", "billing", "+15551234567")
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Context.Memories) != 1 || resp.Context.Memories[0].ID != "m1" {
		t.Errorf("shareable memory not visible cross-agent: %+v", resp.Context.Memories)
	}
}

func TestAssembleMergePrefersAgentOwned(t *testing.T) {
	store := memstoretest.New()
	seedMemory(store, "m1", "A1", "agent owned and shareable", 9, true, time.Hour)
	seedMemory(store, "m2", "other", "other agent shareable", 9, true, 2*time.Hour)

	summarizer := &stubSummarizer{reply: "hi"}
	a := New(store, &stubProfiles{}, summarizer, tokens.HeuristicCounter{}, Config{}, nil)

	resp, err := a.Assemble(context.Background(), "org-1", "A1", "+15551234567")
	if err != nil {
		t.Fatal(err)
	}
	if got := len(resp.Context.Memories); got != 2 {
		t.Fatalf("merged %d memories, want 2 (m1 deduplicated)", got)
	}
}

func TestAssembleCapsAtMaxMemories(t *testing.T) {
	store := memstoretest.New()
	for i := 0; i < 30; i++ {
		seedMemory(store, "m"+string(rune('a'+i)), "other", "shareable fact "+strings.Repeat("x", i), 9, true, time.Duration(i)*time.Minute)
	}

	summarizer := &stubSummarizer{reply: "hi"}
	a := New(store, &stubProfiles{}, summarizer, tokens.HeuristicCounter{}, Config{MaxMemories: 5}, nil)

	resp, err := a.Assemble(context.Background(), "org-1", "A1", "+15551234567")
	if err != nil {
		t.Fatal(err)
	}
	total := len(resp.Context.Memories) + len(resp.Context.Preferences) +
		len(resp.Context.RelationshipInsights) + len(resp.Context.Conflicts)
	if total != 5 {
		t.Errorf("context holds %d memories, want 5", total)
	}
}

func TestAssembleTokenBudgetDropsLowestImportance(t *testing.T) {
	store := memstoretest.New()
	// ~50 heuristic tokens each; budget of 120 fits two.
	long := strings.Repeat("word ", 40)
	seedMemory(store, "hi1", "A1", "critical "+long, 10, false, time.Hour)
	seedMemory(store, "hi2", "A1", "important "+long, 8, false, time.Hour)
	seedMemory(store, "lo1", "A1", "trivia "+long, 2, false, time.Hour)

	summarizer := &stubSummarizer{reply: "hi"}
	a := New(store, &stubProfiles{}, summarizer, tokens.HeuristicCounter{}, Config{TokenBudget: 120}, nil)

	resp, err := a.Assemble(context.Background(), "org-1", "A1", "+15551234567")
	if err != nil {
		t.Fatal(err)
	}
	ids := map[string]bool{}
	for _, m := range resp.Context.Memories {
		ids[m.ID] = true
	}
	if !ids["hi1"] || !ids["hi2"] || ids["lo1"] {
		t.Errorf("budget kept %v, want the two highest-importance entries", ids)
	}
}

func TestAssembleDegradedOnStoreFailure(t *testing.T) {
	store := memstoretest.New()
	store.FailWith = errors.New("store down")

	summarizer := &stubSummarizer{reply: "hi"}
	a := New(store, &stubProfiles{}, summarizer, tokens.HeuristicCounter{}, Config{}, nil)

	resp, err := a.Assemble(context.Background(), "org-1", "A1", "+15551234567")
	if err != nil {
		t.Fatalf("store failure must degrade, not error: %v", err)
	}
	if !resp.Degraded {
		t.Error("degraded flag not set")
	}
	if resp.FirstMessage == nil || *resp.FirstMessage == "" {
		t.Error("first_message missing on degraded path")
	}
}

func TestAssembleGenericGreetingOnLLMFailure(t *testing.T) {
	store := memstoretest.New()
	seedMemory(store, "m1", "A1", "some fact", 5, false, time.Hour)

	summarizer := &stubSummarizer{err: errors.New("llm down")}
	a := New(store, &stubProfiles{}, summarizer, tokens.HeuristicCounter{}, Config{}, nil)

	resp, err := a.Assemble(context.Background(), "org-1", "A1", "+15551234567")
	if err != nil {
		t.Fatal(err)
	}
	if resp.FirstMessage == nil || *resp.FirstMessage != "Hi, you've reached Ava. How can I help you today?" {
		t.Errorf("first_message = %v", resp.FirstMessage)
	}
	if !resp.Degraded {
		t.Error("LLM fallback must set degraded")
	}
	// Context is still served from the store.
	if len(resp.Context.Memories) != 1 {
		t.Errorf("context.memories = %+v", resp.Context.Memories)
	}
}

func TestPartitionByTypeAndConflicts(t *testing.T) {
	mems := []*models.Memory{
		{ID: "f", Type: models.MemoryFactual},
		{ID: "p", Type: models.MemoryPreference},
		{ID: "r", Type: models.MemoryRelationship},
		{ID: "e", Type: models.MemoryEmotion},
		{ID: "c", Type: models.MemoryFactual, Metadata: map[string]any{models.MetaConflictGroupID: "g1"}},
	}
	cc := partition(mems)
	if len(cc.Memories) != 2 || len(cc.Preferences) != 1 ||
		len(cc.RelationshipInsights) != 1 || len(cc.Conflicts) != 1 {
		t.Errorf("partition = %+v", cc)
	}
	if cc.Conflicts[0].ID != "c" {
		t.Errorf("conflicts = %+v", cc.Conflicts)
	}
}
