// Package extraction turns completed conversation transcripts into a
// canonical memory set.
//
// Stages: chunk -> extract -> normalize/hash -> intra-batch dedup ->
// store-side dedup (one batched round trip) -> per-candidate decision.
// The dedup-then-store section runs inside a per-caller critical section so
// concurrent conversations from one caller never race their reinforcements.
package extraction

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/recall/internal/faults"
	"github.com/haasonsaas/recall/internal/llm"
	"github.com/haasonsaas/recall/internal/memstore"
	"github.com/haasonsaas/recall/internal/observability"
	"github.com/haasonsaas/recall/internal/tokens"
	"github.com/haasonsaas/recall/pkg/models"
)

// Extractor mines memory candidates from one transcript chunk.
type Extractor interface {
	Extract(ctx context.Context, chunk string, profile *models.AgentProfile) ([]llm.ExtractedMemory, error)
}

// ProfileSource resolves agent profiles for extraction prompts.
type ProfileSource interface {
	Get(ctx context.Context, agentID string) (*models.AgentProfile, error)
}

// Config tunes the pipeline.
type Config struct {
	ChunkTokens         int
	Parallelism         int
	ShareThreshold      int
	SimilarityThreshold float64
	ConflictThreshold   float64
}

func (c Config) withDefaults() Config {
	if c.ChunkTokens <= 0 {
		c.ChunkTokens = 8000
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 3
	}
	if c.ShareThreshold <= 0 {
		c.ShareThreshold = 8
	}
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = 0.85
	}
	if c.ConflictThreshold <= 0 {
		c.ConflictThreshold = 0.70
	}
	return c
}

// Job outcomes. Success means every chunk extracted cleanly; partial means
// some chunks failed but at least one succeeded; failed means none did.
const (
	OutcomeSuccess = "success"
	OutcomePartial = "partial"
	OutcomeFailed  = "failed"
)

// Outcome is the job-level result of one extraction run.
type Outcome struct {
	Status       string
	TotalChunks  int
	FailedChunks []int
	Stored       int
	Reinforced   int
	Conflicts    int

	// FirstErr is a representative error from the first chunk or candidate
	// that failed. Its fault kind tells the scheduler whether a retry can
	// help.
	FirstErr error
}

// Pipeline runs extraction for completed conversations.
type Pipeline struct {
	extractor Extractor
	store     memstore.Client
	profiles  ProfileSource
	counter   tokens.Counter
	cfg       Config
	logger    *observability.Logger
	metrics   *observability.Metrics
	locks     *callerLocks
	now       func() time.Time
}

// NewPipeline assembles the pipeline.
func NewPipeline(extractor Extractor, store memstore.Client, profiles ProfileSource, counter tokens.Counter, cfg Config, logger *observability.Logger, metrics *observability.Metrics) *Pipeline {
	if counter == nil {
		counter = tokens.NewCounter()
	}
	return &Pipeline{
		extractor: extractor,
		store:     store,
		profiles:  profiles,
		counter:   counter,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		metrics:   metrics,
		locks:     newCallerLocks(),
		now:       time.Now,
	}
}

// candidate is one normalized, deduplicated memory candidate with the chunk
// indices it came from.
type candidate struct {
	content     string
	hash        string
	memType     models.MemoryType
	importance  int
	confidence  float64
	sourceQuote []string
	chunks      map[int]bool
}

// Run extracts memories for a completed conversation. Chunk-level failures
// do not abort the run; the outcome reports which chunks failed.
func (p *Pipeline) Run(ctx context.Context, conv *models.Conversation) (Outcome, error) {
	if conv.CallerID == "" {
		// Anonymous conversations have no identity to bind memories to.
		return Outcome{Status: OutcomeSuccess}, nil
	}

	chunks := ChunkTranscript(conv.Transcript, p.cfg.ChunkTokens, p.counter)
	outcome := Outcome{Status: OutcomeSuccess, TotalChunks: len(chunks)}
	if len(chunks) == 0 {
		return outcome, nil
	}

	profile := p.agentProfile(ctx, conv.AgentID)

	extracted := make([][]llm.ExtractedMemory, len(chunks))
	chunkErrs := make([]error, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Parallelism)
	for i, chunk := range chunks {
		g.Go(func() error {
			extracted[i], chunkErrs[i] = p.extractor.Extract(gctx, chunk, profile)
			return nil
		})
	}
	_ = g.Wait()

	failed := make(map[int]bool)
	for i, err := range chunkErrs {
		if err != nil {
			failed[i] = true
			if outcome.FirstErr == nil {
				outcome.FirstErr = err
			}
			p.warn(ctx, "chunk extraction failed", "chunk", i, "error", err)
		}
	}

	batch := p.collect(extracted)

	if len(batch) > 0 {
		release := p.locks.acquire(conv.CallerID)
		err := p.decideAll(ctx, conv, batch, failed, &outcome)
		release()
		if err != nil {
			return Outcome{Status: OutcomeFailed, TotalChunks: len(chunks)}, err
		}
	}

	for i := range chunks {
		if failed[i] {
			outcome.FailedChunks = append(outcome.FailedChunks, i)
		}
	}
	switch len(outcome.FailedChunks) {
	case 0:
	case len(chunks):
		outcome.Status = OutcomeFailed
	default:
		outcome.Status = OutcomePartial
	}
	return outcome, nil
}

func (p *Pipeline) agentProfile(ctx context.Context, agentID string) *models.AgentProfile {
	if p.profiles == nil {
		return nil
	}
	profile, err := p.profiles.Get(ctx, agentID)
	if err != nil {
		p.warn(ctx, "profile unavailable for extraction prompt", "agent_id", agentID, "error", err)
		return nil
	}
	return profile
}

// collect normalizes raw candidates and collapses intra-batch duplicates by
// content hash, keeping the highest importance and merging source quotes.
func (p *Pipeline) collect(extracted [][]llm.ExtractedMemory) []*candidate {
	byHash := make(map[string]*candidate)
	var order []string

	for chunkIdx, chunk := range extracted {
		for _, raw := range chunk {
			content := strings.TrimSpace(raw.Content)
			if content == "" || len(content) > models.MaxMemoryContentLen {
				continue
			}
			memType := models.MemoryType(raw.Type)
			if !models.ValidMemoryType(memType) {
				continue
			}
			importance := models.ClampImportance(raw.Importance)
			confidence := raw.Confidence
			if confidence <= 0 {
				confidence = 0.7
			}
			hash := models.ContentHashOf(content)

			c, ok := byHash[hash]
			if !ok {
				c = &candidate{
					content:    content,
					hash:       hash,
					memType:    memType,
					importance: importance,
					confidence: confidence,
					chunks:     map[int]bool{chunkIdx: true},
				}
				byHash[hash] = c
				order = append(order, hash)
			} else {
				if importance > c.importance {
					c.importance = importance
				}
				if confidence > c.confidence {
					c.confidence = confidence
				}
				c.chunks[chunkIdx] = true
			}
			if q := strings.TrimSpace(raw.SourceQuote); q != "" {
				c.sourceQuote = append(c.sourceQuote, q)
			}
		}
	}

	out := make([]*candidate, 0, len(order))
	for _, hash := range order {
		out = append(out, byHash[hash])
	}
	return out
}

// decideAll runs store-side dedup in one round trip, then applies the
// per-candidate decision. Called with the caller lock held.
func (p *Pipeline) decideAll(ctx context.Context, conv *models.Conversation, batch []*candidate, failed map[int]bool, outcome *Outcome) error {
	scope := memstore.Scope{
		Kind:           memstore.ScopeCallerOnly,
		OrganizationID: conv.OrganizationID,
		CallerID:       conv.CallerID,
	}

	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.content
	}
	hits, err := p.store.BatchFindSimilar(ctx, scope, texts, p.cfg.ConflictThreshold)
	if err != nil {
		return faults.Wrap(faults.KindOf(err), err, "batch similarity probe")
	}

	for i, c := range batch {
		if err := p.decide(ctx, conv, c, hits[i], outcome); err != nil {
			p.warn(ctx, "candidate decision failed", "content_hash", c.hash, "error", err)
			if outcome.FirstErr == nil {
				outcome.FirstErr = err
			}
			for chunk := range c.chunks {
				failed[chunk] = true
			}
		}
	}
	return nil
}

func (p *Pipeline) decide(ctx context.Context, conv *models.Conversation, c *candidate, hit memstore.SimilarHit, outcome *Outcome) error {
	now := p.now().UTC()

	switch {
	case hit.Memory != nil && hit.Memory.ContentHash == c.hash:
		// Pure duplicate.
		if err := p.store.Reinforce(ctx, memstore.ReinforceRequest{
			MemoryID:       hit.Memory.ID,
			ConversationID: conv.ID,
			Now:            now,
		}); err != nil {
			return err
		}
		outcome.Reinforced++
		p.countReinforced()
		return nil

	case hit.Memory != nil && hit.Score >= p.cfg.SimilarityThreshold:
		req := memstore.ReinforceRequest{
			MemoryID:       hit.Memory.ID,
			ConversationID: conv.ID,
			Now:            now,
		}
		if c.importance > hit.Memory.Importance {
			importance := c.importance
			shareable := importance >= p.cfg.ShareThreshold
			req.Importance = &importance
			req.Shareable = &shareable
		}
		if err := p.store.Reinforce(ctx, req); err != nil {
			return err
		}
		outcome.Reinforced++
		p.countReinforced()
		return nil

	case hit.Memory != nil && hit.Score >= p.cfg.ConflictThreshold &&
		(c.memType == models.MemoryFactual || c.memType == models.MemoryPreference) &&
		hit.Memory.ContentHash != c.hash:
		groupID := conflictGroup(hit.Memory)
		if _, err := p.storeNew(ctx, conv, c, now, groupID); err != nil {
			return err
		}
		if err := p.store.TagConflict(ctx, hit.Memory.ID, groupID); err != nil {
			return err
		}
		outcome.Stored++
		outcome.Conflicts++
		return nil

	default:
		if _, err := p.storeNew(ctx, conv, c, now, ""); err != nil {
			return err
		}
		outcome.Stored++
		return nil
	}
}

func (p *Pipeline) storeNew(ctx context.Context, conv *models.Conversation, c *candidate, now time.Time, conflictGroupID string) (string, error) {
	metadata := map[string]any{
		models.MetaProvenance: []string{conv.ID},
	}
	if len(c.sourceQuote) > 0 {
		metadata[models.MetaSourceQuote] = strings.Join(c.sourceQuote, " | ")
	}
	if conflictGroupID != "" {
		metadata[models.MetaConflictGroupID] = conflictGroupID
	}

	m := &models.Memory{
		CallerID:         conv.CallerID,
		ConversationID:   conv.ID,
		AgentID:          conv.AgentID,
		OrganizationID:   conv.OrganizationID,
		Content:          c.content,
		Type:             c.memType,
		Importance:       c.importance,
		Shareable:        c.importance >= p.cfg.ShareThreshold,
		CreatedAt:        now,
		LastReinforcedAt: now,
		Confidence:       c.confidence,
		ContentHash:      c.hash,
		Metadata:         metadata,
	}
	id, err := p.store.Store(ctx, m)
	if err != nil {
		return "", err
	}
	p.countStored(c.memType)
	return id, nil
}

// conflictGroup reuses the existing memory's group when it is already part
// of a conflict, otherwise mints a fresh one.
func conflictGroup(existing *models.Memory) string {
	if existing.Metadata != nil {
		if g, ok := existing.Metadata[models.MetaConflictGroupID].(string); ok && g != "" {
			return g
		}
	}
	return uuid.NewString()
}

func (p *Pipeline) warn(ctx context.Context, msg string, args ...any) {
	if p.logger != nil {
		p.logger.Warn(ctx, msg, args...)
	}
}

func (p *Pipeline) countStored(t models.MemoryType) {
	if p.metrics != nil {
		p.metrics.MemoriesStored.WithLabelValues(string(t)).Inc()
	}
}

func (p *Pipeline) countReinforced() {
	if p.metrics != nil {
		p.metrics.MemoriesReinforced.Inc()
	}
}
