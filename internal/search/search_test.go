package search

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/haasonsaas/recall/internal/faults"
	"github.com/haasonsaas/recall/internal/memstore/memstoretest"
	"github.com/haasonsaas/recall/pkg/models"
)

func seed(store *memstoretest.Fake, id, agentID, content string, importance int, shareable bool) {
	store.Seed(&models.Memory{
		ID:             id,
		CallerID:       "C1",
		OrganizationID: "org-1",
		AgentID:        agentID,
		Content:        content,
		Type:           models.MemoryFactual,
		Importance:     importance,
		Shareable:      shareable,
		CreatedAt:      time.Now(),
	})
}

func TestSearchExactContent(t *testing.T) {
	store := memstoretest.New()
	seed(store, "m1", "A1", "tracked package XYZ-789", 7, false)

	svc := New(store, nil)
	resp, err := svc.Search(context.Background(), "org-1", &models.SearchRequest{
		Query:    "tracked package XYZ-789",
		CallerID: "C1",
		AgentID:  "A1",
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(resp.Results) != 1 {
		t.Fatalf("got %d results", len(resp.Results))
	}
	if resp.Results[0].Score < 0.95 {
		t.Errorf("exact content score = %v, want >= 0.95", resp.Results[0].Score)
	}
	if resp.Scope != "agent" {
		t.Errorf("scope = %s", resp.Scope)
	}
	if !strings.Contains(resp.Summary, "XYZ-789") {
		t.Errorf("summary = %q", resp.Summary)
	}
}

func TestSearchOrgScope(t *testing.T) {
	store := memstoretest.New()
	seed(store, "m1", "support", "enterprise renewal in september", 9, true)
	seed(store, "m2", "support", "not shareable private note", 3, false)

	svc := New(store, nil)
	resp, err := svc.Search(context.Background(), "org-1", &models.SearchRequest{
		Query:           "enterprise renewal in september",
		CallerID:        "C1",
		AgentID:         "billing",
		SearchAllAgents: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Scope != "org" {
		t.Errorf("scope = %s", resp.Scope)
	}
	if len(resp.Results) != 1 || resp.Results[0].MemoryID != "m1" {
		t.Errorf("results = %+v", resp.Results)
	}
}

func TestSearchValidation(t *testing.T) {
	svc := New(memstoretest.New(), nil)
	tests := []struct {
		name string
		req  models.SearchRequest
	}{
		{"empty query", models.SearchRequest{CallerID: "C1"}},
		{"oversized query", models.SearchRequest{Query: strings.Repeat("q", MaxQueryLen+1), CallerID: "C1"}},
		{"missing caller", models.SearchRequest{Query: "hello"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Search(context.Background(), "org-1", &tt.req)
			if !faults.Is(err, faults.PayloadSchema) {
				t.Fatalf("err = %v, want PayloadSchema", err)
			}
		})
	}
}

func TestSearchDegradedOnStoreFailure(t *testing.T) {
	store := memstoretest.New()
	store.FailWith = errors.New("store down")

	svc := New(store, nil)
	resp, err := svc.Search(context.Background(), "org-1", &models.SearchRequest{
		Query:    "anything",
		CallerID: "C1",
		AgentID:  "A1",
	})
	if err != nil {
		t.Fatalf("store failure must degrade, not error: %v", err)
	}
	if !resp.Degraded || len(resp.Results) != 0 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestSummaryClipsOnRuneBoundary(t *testing.T) {
	store := memstoretest.New()
	// Two-byte runes ensure the 120-byte clip lands mid-rune.
	content := strings.Repeat("é", 200)
	seed(store, "m1", "A1", content, 5, false)

	svc := New(store, nil)
	resp, err := svc.Search(context.Background(), "org-1", &models.SearchRequest{
		Query:    content,
		CallerID: "C1",
		AgentID:  "A1",
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if !utf8.ValidString(resp.Summary) {
		t.Errorf("summary is not valid UTF-8: %q", resp.Summary)
	}
	if !strings.HasSuffix(resp.Summary, "…") {
		t.Errorf("summary not truncated: %q", resp.Summary)
	}
}

func TestSearchEmptyResultSummary(t *testing.T) {
	svc := New(memstoretest.New(), nil)
	resp, err := svc.Search(context.Background(), "org-1", &models.SearchRequest{
		Query:    "nothing stored about this",
		CallerID: "C1",
		AgentID:  "A1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Summary != "No matching memories found." {
		t.Errorf("summary = %q", resp.Summary)
	}
	if resp.Results == nil {
		t.Error("results must be an empty array, not null")
	}
}
