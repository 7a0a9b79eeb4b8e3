// Package search answers in-call memory lookups against the vector store.
package search

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/haasonsaas/recall/internal/faults"
	"github.com/haasonsaas/recall/internal/memstore"
	"github.com/haasonsaas/recall/internal/observability"
	"github.com/haasonsaas/recall/pkg/models"
)

const (
	// MaxQueryLen bounds the inbound query text.
	MaxQueryLen = 1000

	defaultLimit    = 5
	maxLimit        = 100
	defaultMinScore = 0.70
)

// Service executes scoped semantic searches for the in-call webhook.
type Service struct {
	store  memstore.Client
	logger *observability.Logger
}

// New creates the search service.
func New(store memstore.Client, logger *observability.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// Search runs one in-call query. Store failures degrade to empty results
// rather than erroring; only invalid requests fail.
func (s *Service) Search(ctx context.Context, organizationID string, req *models.SearchRequest) (*models.SearchResponse, error) {
	if req.Query == "" || len(req.Query) > MaxQueryLen {
		return nil, faults.New(faults.PayloadSchema, "query must be 1..%d characters", MaxQueryLen)
	}
	if req.CallerID == "" {
		return nil, faults.New(faults.PayloadSchema, "caller_id is required")
	}

	limit := req.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	minScore := req.MinScore
	if minScore <= 0 {
		minScore = defaultMinScore
	}

	scope := memstore.Scope{
		Kind:           memstore.ScopeCallerAgent,
		OrganizationID: organizationID,
		CallerID:       req.CallerID,
		AgentID:        req.AgentID,
	}
	scopeName := "agent"
	if req.SearchAllAgents {
		scope = memstore.Scope{
			Kind:           memstore.ScopeCallerOrgShareable,
			OrganizationID: organizationID,
			CallerID:       req.CallerID,
		}
		scopeName = "org"
	}

	hits, err := s.store.SemanticSearch(ctx, scope, req.Query, limit, minScore, memstore.Filters{})
	if err != nil {
		if s.logger != nil {
			s.logger.Warn(ctx, "search degraded, store unavailable", "error", err)
		}
		return &models.SearchResponse{
			Results:  []models.SearchResult{},
			Summary:  "Memory search is temporarily unavailable.",
			Scope:    scopeName,
			Degraded: true,
		}, nil
	}

	results := make([]models.SearchResult, 0, len(hits))
	for _, h := range hits {
		results = append(results, models.SearchResult{
			MemoryID:       h.Memory.ID,
			Content:        h.Memory.Content,
			Type:           h.Memory.Type,
			Importance:     h.Memory.Importance,
			Score:          h.Score,
			CreatedAt:      h.Memory.CreatedAt.UTC().Format(time.RFC3339),
			ConversationID: h.Memory.ConversationID,
			AgentID:        h.Memory.AgentID,
		})
	}

	return &models.SearchResponse{
		Results: results,
		Summary: summarize(results),
		Scope:   scopeName,
	}, nil
}

// summarize renders a one-line template summary of the results. No LLM on
// this path; the 3 s search budget leaves no room for one.
func summarize(results []models.SearchResult) string {
	switch len(results) {
	case 0:
		return "No matching memories found."
	case 1:
		return fmt.Sprintf("Found 1 matching memory: %s", clip(results[0].Content, 120))
	default:
		return fmt.Sprintf("Found %d matching memories; most relevant: %s",
			len(results), clip(results[0].Content, 120))
	}
}

// clip truncates to at most n bytes without splitting a rune.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n - 1
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
