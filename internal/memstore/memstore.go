// Package memstore adapts the external vector memory store to the needs of
// the core: CRUD, semantic search, batched similarity lookup, reinforcement
// and privacy erasure.
//
// The store itself is external; it owns embeddings and similarity ranking.
// The adapter's contract with it: results ordered by descending similarity,
// scores in [0,1], filter predicates ANDed. The store is NOT assumed to
// deduplicate by content hash; the extraction pipeline enforces dedup itself.
package memstore

import (
	"context"
	"time"

	"github.com/haasonsaas/recall/pkg/models"
)

// ScopeKind selects which memories are visible to an operation.
type ScopeKind string

const (
	// ScopeCallerOnly sees every memory of the caller regardless of agent.
	ScopeCallerOnly ScopeKind = "caller"
	// ScopeCallerAgent sees the caller's memories owned by one agent plus
	// agent-unscoped memories.
	ScopeCallerAgent ScopeKind = "caller_agent"
	// ScopeCallerOrgShareable sees the caller's shareable memories from any
	// agent in the organization.
	ScopeCallerOrgShareable ScopeKind = "caller_org_shareable"
)

// Scope identifies the memory visibility set for a store operation.
type Scope struct {
	Kind           ScopeKind `json:"kind"`
	OrganizationID string    `json:"organization_id"`
	CallerID       string    `json:"caller_id"`
	AgentID        string    `json:"agent_id,omitempty"` // required for ScopeCallerAgent
}

// Filters narrow a semantic search. Zero values mean "no constraint";
// predicates are ANDed by the store.
type Filters struct {
	Type          models.MemoryType `json:"type,omitempty"`
	MinImportance int               `json:"min_importance,omitempty"`
	MaxImportance int               `json:"max_importance,omitempty"`
	After         time.Time         `json:"after,omitempty"`
	Before        time.Time         `json:"before,omitempty"`
}

// ReinforceRequest reinforces an existing memory: increments the
// reinforcement count, advances last_reinforced_at, and appends the
// conversation id to provenance. Importance and Shareable, when set, also
// update those fields (used when a new candidate outranks the stored one).
type ReinforceRequest struct {
	MemoryID       string    `json:"memory_id"`
	ConversationID string    `json:"conversation_id"`
	Now            time.Time `json:"now"`
	Importance     *int      `json:"importance,omitempty"`
	Shareable      *bool     `json:"shareable,omitempty"`
}

// SimilarHit is the nearest existing memory for one probed text, or nil
// Memory when nothing clears the threshold.
type SimilarHit struct {
	Memory *models.Memory `json:"memory"`
	Score  float64        `json:"score"`
}

// Client is the memory-store adapter contract used by the assembler, the
// search service and the extraction pipeline.
type Client interface {
	// Store persists a new memory and returns its id.
	Store(ctx context.Context, memory *models.Memory) (string, error)

	// SemanticSearch returns up to limit memories ranked by descending
	// similarity to the query text, excluding scores below minScore.
	SemanticSearch(ctx context.Context, scope Scope, query string, limit int, minScore float64, filters Filters) ([]models.ScoredMemory, error)

	// BatchFindSimilar resolves, for each text, the nearest existing memory
	// with score >= threshold, in one network round trip. The returned slice
	// is positionally aligned with texts; entries with a nil Memory mean no
	// hit.
	BatchFindSimilar(ctx context.Context, scope Scope, texts []string, threshold float64) ([]SimilarHit, error)

	// ListRecent returns the scope's memories ordered by created_at
	// descending, capped at limit. Used by the pre-call assembler.
	ListRecent(ctx context.Context, scope Scope, limit int) ([]*models.Memory, error)

	// Reinforce applies a reinforcement atomically.
	Reinforce(ctx context.Context, req ReinforceRequest) error

	// MarkShareable flips a memory's cross-agent visibility.
	MarkShareable(ctx context.Context, memoryID string, shareable bool) error

	// TagConflict stamps a memory with a conflict group id. Both members of
	// a detected contradiction carry the same group id; resolution is left
	// to the consuming agent.
	TagConflict(ctx context.Context, memoryID, conflictGroupID string) error

	// DeleteByCaller erases every memory of a caller (privacy erasure).
	DeleteByCaller(ctx context.Context, organizationID, callerID string) error
}
