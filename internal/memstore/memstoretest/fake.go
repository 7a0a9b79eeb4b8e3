// Package memstoretest provides an in-memory memstore.Client for tests.
//
// Similarity is a word-overlap Jaccard score with exact normalized matches
// scoring 1.0. That is crude compared to a real embedding space, but it is
// deterministic and orders results the way the contract requires.
package memstoretest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/recall/internal/faults"
	"github.com/haasonsaas/recall/internal/memstore"
	"github.com/haasonsaas/recall/pkg/models"
)

// Fake is an in-memory memstore.Client.
type Fake struct {
	mu       sync.Mutex
	memories map[string]*models.Memory

	// FailWith, when set, makes every call return this error.
	FailWith error

	// Calls counts invocations per operation name.
	Calls map[string]int
}

// New returns an empty fake store.
func New() *Fake {
	return &Fake{
		memories: make(map[string]*models.Memory),
		Calls:    make(map[string]int),
	}
}

// Seed inserts a memory directly, assigning an id if missing.
func (f *Fake) Seed(m *models.Memory) *models.Memory {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.ContentHash == "" {
		m.ContentHash = models.ContentHashOf(m.Content)
	}
	if m.LastReinforcedAt.IsZero() {
		m.LastReinforcedAt = m.CreatedAt
	}
	f.memories[m.ID] = m
	return m
}

// Get returns a stored memory by id, or nil.
func (f *Fake) Get(id string) *models.Memory {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.memories[id]
}

// All returns every stored memory.
func (f *Fake) All() []*models.Memory {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.Memory, 0, len(f.memories))
	for _, m := range f.memories {
		out = append(out, m)
	}
	return out
}

func (f *Fake) begin(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls[op]++
	return f.FailWith
}

// Store implements memstore.Client.
func (f *Fake) Store(ctx context.Context, memory *models.Memory) (string, error) {
	if err := f.begin("store"); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	m := *memory
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	f.memories[m.ID] = &m
	return m.ID, nil
}

// SemanticSearch implements memstore.Client.
func (f *Fake) SemanticSearch(ctx context.Context, scope memstore.Scope, query string, limit int, minScore float64, filters memstore.Filters) ([]models.ScoredMemory, error) {
	if err := f.begin("search"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var hits []models.ScoredMemory
	for _, m := range f.memories {
		if !inScope(m, scope) || !matchFilters(m, filters) {
			continue
		}
		score := similarity(query, m.Content)
		if score >= minScore {
			hits = append(hits, models.ScoredMemory{Memory: m, Score: score})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		// Newer wins on retrieval tie-breaks.
		return hits[i].Memory.CreatedAt.After(hits[j].Memory.CreatedAt)
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// BatchFindSimilar implements memstore.Client in one logical round trip.
func (f *Fake) BatchFindSimilar(ctx context.Context, scope memstore.Scope, texts []string, threshold float64) ([]memstore.SimilarHit, error) {
	if err := f.begin("batch_find_similar"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	hits := make([]memstore.SimilarHit, len(texts))
	for i, text := range texts {
		var best *models.Memory
		bestScore := 0.0
		for _, m := range f.memories {
			if !inScope(m, scope) {
				continue
			}
			score := similarity(text, m.Content)
			if score >= threshold && score > bestScore {
				best, bestScore = m, score
			}
		}
		if best != nil {
			hits[i] = memstore.SimilarHit{Memory: best, Score: bestScore}
		}
	}
	return hits, nil
}

// ListRecent implements memstore.Client.
func (f *Fake) ListRecent(ctx context.Context, scope memstore.Scope, limit int) ([]*models.Memory, error) {
	if err := f.begin("list_recent"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*models.Memory
	for _, m := range f.memories {
		if inScope(m, scope) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Reinforce implements memstore.Client.
func (f *Fake) Reinforce(ctx context.Context, req memstore.ReinforceRequest) error {
	if err := f.begin("reinforce"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	m, ok := f.memories[req.MemoryID]
	if !ok {
		return faults.New(faults.StoreConflict, "memory %s not found", req.MemoryID)
	}
	m.ReinforcementCount++
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}
	m.LastReinforcedAt = now
	if req.Importance != nil {
		m.Importance = *req.Importance
	}
	if req.Shareable != nil {
		m.Shareable = *req.Shareable
	}
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	prov, _ := m.Metadata[models.MetaProvenance].([]string)
	m.Metadata[models.MetaProvenance] = append(prov, req.ConversationID)
	if m.Confidence < 0.95 {
		m.Confidence += 0.05
	}
	return nil
}

// MarkShareable implements memstore.Client.
func (f *Fake) MarkShareable(ctx context.Context, memoryID string, shareable bool) error {
	if err := f.begin("mark_shareable"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.memories[memoryID]
	if !ok {
		return faults.New(faults.StoreConflict, "memory %s not found", memoryID)
	}
	m.Shareable = shareable
	return nil
}

// TagConflict implements memstore.Client.
func (f *Fake) TagConflict(ctx context.Context, memoryID, conflictGroupID string) error {
	if err := f.begin("tag_conflict"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.memories[memoryID]
	if !ok {
		return faults.New(faults.StoreConflict, "memory %s not found", memoryID)
	}
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	m.Metadata[models.MetaConflictGroupID] = conflictGroupID
	return nil
}

// DeleteByCaller implements memstore.Client.
func (f *Fake) DeleteByCaller(ctx context.Context, organizationID, callerID string) error {
	if err := f.begin("delete_by_caller"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, m := range f.memories {
		if m.OrganizationID == organizationID && m.CallerID == callerID {
			delete(f.memories, id)
		}
	}
	return nil
}

func inScope(m *models.Memory, scope memstore.Scope) bool {
	if m.OrganizationID != scope.OrganizationID || m.CallerID != scope.CallerID {
		return false
	}
	switch scope.Kind {
	case memstore.ScopeCallerOnly:
		return true
	case memstore.ScopeCallerAgent:
		return m.AgentID == "" || m.AgentID == scope.AgentID
	case memstore.ScopeCallerOrgShareable:
		return m.Shareable
	}
	return false
}

func matchFilters(m *models.Memory, f memstore.Filters) bool {
	if f.Type != "" && m.Type != f.Type {
		return false
	}
	if f.MinImportance > 0 && m.Importance < f.MinImportance {
		return false
	}
	if f.MaxImportance > 0 && m.Importance > f.MaxImportance {
		return false
	}
	if !f.After.IsZero() && m.CreatedAt.Before(f.After) {
		return false
	}
	if !f.Before.IsZero() && m.CreatedAt.After(f.Before) {
		return false
	}
	return true
}

// similarity is 1.0 on exact normalized match, otherwise Jaccard word
// overlap scaled into [0, 0.99].
func similarity(a, b string) float64 {
	na, nb := models.NormalizeContent(a), models.NormalizeContent(b)
	if na == nb {
		return 1.0
	}
	aw, bw := strings.Fields(na), strings.Fields(nb)
	if len(aw) == 0 || len(bw) == 0 {
		return 0
	}
	set := make(map[string]bool, len(aw))
	for _, w := range aw {
		set[w] = true
	}
	inter := 0
	union := len(set)
	seen := make(map[string]bool, len(bw))
	for _, w := range bw {
		if seen[w] {
			continue
		}
		seen[w] = true
		if set[w] {
			inter++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	score := float64(inter) / float64(union)
	if score > 0.99 {
		score = 0.99
	}
	return score
}
