package registry

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/haasonsaas/recall/pkg/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestTouchCallerFirstAndRepeat(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	if err := s.TouchCaller(ctx, "org-1", "+15551234567", first); err != nil {
		t.Fatal(err)
	}
	later := first.Add(48 * time.Hour)
	if err := s.TouchCaller(ctx, "org-1", "+15551234567", later); err != nil {
		t.Fatal(err)
	}

	c, err := s.GetCaller(ctx, "org-1", "+15551234567")
	if err != nil {
		t.Fatalf("GetCaller: %v", err)
	}
	if !c.FirstSeen.Equal(first) {
		t.Errorf("first_seen = %v, want %v", c.FirstSeen, first)
	}
	if !c.LastSeen.Equal(later) {
		t.Errorf("last_seen = %v, want %v", c.LastSeen, later)
	}
	if c.ConversationCount != 2 {
		t.Errorf("conversation_count = %d, want 2", c.ConversationCount)
	}
	if c.LastSeen.Before(c.FirstSeen) {
		t.Error("last_seen before first_seen")
	}
}

func TestTouchCallerOutOfOrderDelivery(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	later := time.Date(2026, 8, 2, 10, 0, 0, 0, time.UTC)
	if err := s.TouchCaller(ctx, "org-1", "C1", later); err != nil {
		t.Fatal(err)
	}
	// An event from before the recorded last_seen must not move it back.
	if err := s.TouchCaller(ctx, "org-1", "C1", later.Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}

	c, err := s.GetCaller(ctx, "org-1", "C1")
	if err != nil {
		t.Fatal(err)
	}
	if !c.LastSeen.Equal(later) {
		t.Errorf("last_seen = %v, want %v", c.LastSeen, later)
	}
}

func TestConversationLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	conv := &models.Conversation{
		ID:             "conv-1",
		OrganizationID: "org-1",
		AgentID:        "agent-1",
		CallerID:       "C1",
		StartedAt:      time.Now().UTC(),
	}
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatal(err)
	}

	steps := []models.ConversationStatus{
		models.StatusActive,
		models.StatusCompleted,
		models.StatusExtractionPending,
		models.StatusExtractionCompleted,
	}
	for _, next := range steps {
		if err := s.Transition(ctx, "conv-1", next); err != nil {
			t.Fatalf("transition to %s: %v", next, err)
		}
	}

	got, err := s.GetConversation(ctx, "conv-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusExtractionCompleted {
		t.Errorf("status = %s", got.Status)
	}
}

func TestTransitionRejectsIllegalMove(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateConversation(ctx, &models.Conversation{
		ID: "conv-1", OrganizationID: "org-1", AgentID: "agent-1",
		StartedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	err := s.Transition(ctx, "conv-1", models.StatusExtractionCompleted)
	var invalid *models.ErrInvalidTransition
	if !errors.As(err, &invalid) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	// The status must be unchanged after the rejected move.
	got, err := s.GetConversation(ctx, "conv-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusInitiated {
		t.Errorf("status = %s, want initiated", got.Status)
	}
}

func TestTransitionSameStatusIsNoop(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateConversation(ctx, &models.Conversation{
		ID: "conv-1", OrganizationID: "org-1", AgentID: "agent-1",
		StartedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.Transition(ctx, "conv-1", models.StatusInitiated); err != nil {
		t.Fatalf("same-status transition: %v", err)
	}
}

func TestFinishConversationStoresTranscript(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	started := time.Now().UTC().Add(-5 * time.Minute)
	if err := s.CreateConversation(ctx, &models.Conversation{
		ID: "conv-1", OrganizationID: "org-1", AgentID: "agent-1",
		StartedAt: started,
	}); err != nil {
		t.Fatal(err)
	}

	turns := []models.TranscriptTurn{
		{Role: models.RoleAgent, Text: "Hello!"},
		{Role: models.RoleUser, Text: "Hi, I need express shipping."},
	}
	ended := started.Add(4 * time.Minute)
	if err := s.FinishConversation(ctx, "conv-1", ended, 240, turns); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetConversation(ctx, "conv-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Transcript) != 2 || got.DurationSeconds != 240 {
		t.Errorf("conversation = %+v", got)
	}
	if got.Transcript[1].Role != models.RoleUser {
		t.Errorf("turn role = %s", got.Transcript[1].Role)
	}
}

func TestListByStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := s.CreateConversation(ctx, &models.Conversation{
			ID: id, OrganizationID: "org-1", AgentID: "agent-1",
			StartedAt: time.Now().UTC(),
			Status:    models.StatusExtractionPending,
		}); err != nil {
			t.Fatal(err)
		}
	}

	ids, err := s.ListByStatus(ctx, models.StatusExtractionPending, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 3 {
		t.Errorf("got %d ids, want 3", len(ids))
	}
}

func TestGetConversationNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetConversation(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
