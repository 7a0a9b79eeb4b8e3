// Package assembler builds the pre-call context envelope: recent and
// shareable memories merged under a token budget, plus a personalized
// first message.
package assembler

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/recall/internal/llm"
	"github.com/haasonsaas/recall/internal/memstore"
	"github.com/haasonsaas/recall/internal/observability"
	"github.com/haasonsaas/recall/internal/tokens"
	"github.com/haasonsaas/recall/pkg/models"
)

// Summarizer produces the agent's opening line from remembered details.
type Summarizer interface {
	SummarizeFirstMessage(ctx context.Context, profile *models.AgentProfile, memories []*models.Memory) (string, error)
}

// ProfileSource resolves agent profiles.
type ProfileSource interface {
	Get(ctx context.Context, agentID string) (*models.AgentProfile, error)
}

// Config tunes the assembler.
type Config struct {
	// MaxMemories caps the merged context size.
	MaxMemories int
	// TokenBudget bounds the summed content tokens of the context.
	TokenBudget int
	// RecentMemories is how many agent-scoped memories to fetch.
	RecentMemories int
}

func (c Config) withDefaults() Config {
	if c.MaxMemories <= 0 {
		c.MaxMemories = 20
	}
	if c.TokenBudget <= 0 {
		c.TokenBudget = 2000
	}
	if c.RecentMemories <= 0 {
		c.RecentMemories = 10
	}
	return c
}

// Assembler answers pre-call webhooks.
type Assembler struct {
	store      memstore.Client
	profiles   ProfileSource
	summarizer Summarizer
	counter    tokens.Counter
	cfg        Config
	logger     *observability.Logger
}

// New creates an assembler.
func New(store memstore.Client, profiles ProfileSource, summarizer Summarizer, counter tokens.Counter, cfg Config, logger *observability.Logger) *Assembler {
	if counter == nil {
		counter = tokens.NewCounter()
	}
	return &Assembler{
		store:      store,
		profiles:   profiles,
		summarizer: summarizer,
		counter:    counter,
		cfg:        cfg.withDefaults(),
		logger:     logger,
	}
}

// Assemble builds the pre-call response. Missing caller identity is never an
// error: anonymous callers get a generic greeting and empty context with no
// store reads. Upstream failures degrade the response instead of failing it.
func (a *Assembler) Assemble(ctx context.Context, organizationID, agentID, callerID string) (*models.PreCallResponse, error) {
	if callerID == "" {
		profile := a.profileBestEffort(ctx, agentID)
		greeting := llm.GenericGreeting(profile)
		return &models.PreCallResponse{
			FirstMessage: &greeting,
			Context:      models.EmptyCallContext(),
		}, nil
	}

	var (
		recent    []*models.Memory
		shareable []*models.Memory
		profile   *models.AgentProfile

		recentErr, shareableErr, profileErr error
	)

	// All three fetches run concurrently; each failure degrades rather than
	// aborts, so the group never returns an error.
	var g errgroup.Group
	g.Go(func() error {
		recent, recentErr = a.store.ListRecent(ctx, memstore.Scope{
			Kind:           memstore.ScopeCallerAgent,
			OrganizationID: organizationID,
			CallerID:       callerID,
			AgentID:        agentID,
		}, a.cfg.RecentMemories)
		return nil
	})
	g.Go(func() error {
		shareable, shareableErr = a.store.ListRecent(ctx, memstore.Scope{
			Kind:           memstore.ScopeCallerOrgShareable,
			OrganizationID: organizationID,
			CallerID:       callerID,
		}, a.cfg.MaxMemories)
		return nil
	})
	g.Go(func() error {
		profile, profileErr = a.profiles.Get(ctx, agentID)
		return nil
	})
	_ = g.Wait()

	degraded := false
	for _, err := range []error{recentErr, shareableErr, profileErr} {
		if err != nil {
			degraded = true
			a.warn(ctx, "pre-call fetch degraded", "error", err)
		}
	}

	merged := a.merge(recent, shareable)
	merged = a.applyBudget(merged)

	greeting, err := a.summarizer.SummarizeFirstMessage(ctx, profile, merged)
	if err != nil {
		a.warn(ctx, "greeting summarization failed, using generic greeting", "error", err)
		greeting = llm.GenericGreeting(profile)
		degraded = true
	}

	return &models.PreCallResponse{
		FirstMessage: &greeting,
		Context:      partition(merged),
		Degraded:     degraded,
	}, nil
}

func (a *Assembler) profileBestEffort(ctx context.Context, agentID string) *models.AgentProfile {
	profile, err := a.profiles.Get(ctx, agentID)
	if err != nil {
		a.warn(ctx, "profile unavailable for generic greeting", "agent_id", agentID, "error", err)
		return nil
	}
	return profile
}

// merge deduplicates by memory id, preferring the agent-owned copy, and
// orders by importance then recency.
func (a *Assembler) merge(recent, shareable []*models.Memory) []*models.Memory {
	seen := make(map[string]bool, len(recent)+len(shareable))
	merged := make([]*models.Memory, 0, len(recent)+len(shareable))
	for _, m := range recent {
		if m == nil || seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		merged = append(merged, m)
	}
	for _, m := range shareable {
		if m == nil || seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		merged = append(merged, m)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Importance != merged[j].Importance {
			return merged[i].Importance > merged[j].Importance
		}
		return merged[i].CreatedAt.After(merged[j].CreatedAt)
	})

	if len(merged) > a.cfg.MaxMemories {
		merged = merged[:a.cfg.MaxMemories]
	}
	return merged
}

// applyBudget drops lowest-importance entries until the summed content
// tokens fit the budget. The slice is already importance-ordered, so
// trimming from the tail drops the least important first.
func (a *Assembler) applyBudget(memories []*models.Memory) []*models.Memory {
	total := 0
	for i, m := range memories {
		n := a.counter.Count(m.Content)
		if total+n > a.cfg.TokenBudget {
			return memories[:i]
		}
		total += n
	}
	return memories
}

// partition splits memories into the context arrays by type. Memories
// carrying a conflict marker surface in conflicts regardless of type.
func partition(memories []*models.Memory) *models.CallContext {
	cc := models.EmptyCallContext()
	for _, m := range memories {
		if isConflict(m) {
			cc.Conflicts = append(cc.Conflicts, m)
			continue
		}
		switch m.Type {
		case models.MemoryPreference:
			cc.Preferences = append(cc.Preferences, m)
		case models.MemoryRelationship:
			cc.RelationshipInsights = append(cc.RelationshipInsights, m)
		default:
			cc.Memories = append(cc.Memories, m)
		}
	}
	return cc
}

func isConflict(m *models.Memory) bool {
	if m.Metadata == nil {
		return false
	}
	g, ok := m.Metadata[models.MetaConflictGroupID].(string)
	return ok && g != ""
}

func (a *Assembler) warn(ctx context.Context, msg string, args ...any) {
	if a.logger != nil {
		a.logger.Warn(ctx, msg, args...)
	}
}
