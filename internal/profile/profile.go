// Package profile caches agent profiles fetched from the remote profile API.
//
// The cache is a single-process TTL map. Concurrent misses for the same
// agent collapse into one upstream fetch; when the upstream is down and an
// expired entry exists, the stale value is served once per miss with a
// warning instead of failing the call.
package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/haasonsaas/recall/internal/faults"
	"github.com/haasonsaas/recall/internal/observability"
	"github.com/haasonsaas/recall/pkg/models"
)

// Fetcher retrieves an agent profile from the upstream API.
type Fetcher interface {
	FetchProfile(ctx context.Context, agentID string) (*models.AgentProfile, error)
}

// Cache is a TTL cache over a Fetcher with single-flight miss handling.
type Cache struct {
	fetcher Fetcher
	ttl     time.Duration
	logger  *observability.Logger
	metrics *observability.Metrics

	mu      sync.RWMutex
	entries map[string]*models.AgentProfile

	flight flightGroup[string, *models.AgentProfile]

	// now is swappable for tests.
	now func() time.Time
}

// NewCache creates a profile cache. TTL defaults to 24h.
func NewCache(fetcher Fetcher, ttl time.Duration, logger *observability.Logger, metrics *observability.Metrics) *Cache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Cache{
		fetcher: fetcher,
		ttl:     ttl,
		logger:  logger,
		metrics: metrics,
		entries: make(map[string]*models.AgentProfile),
		now:     time.Now,
	}
}

// Get returns the agent's profile, fetching on miss. N concurrent calls for
// the same agent produce exactly one outbound request.
func (c *Cache) Get(ctx context.Context, agentID string) (*models.AgentProfile, error) {
	now := c.now()

	c.mu.RLock()
	cached := c.entries[agentID]
	c.mu.RUnlock()

	if cached != nil && now.Sub(cached.FetchedAt) < c.ttl {
		c.count("hit")
		return cached, nil
	}

	p, err, _ := c.flight.Do(agentID, func() (*models.AgentProfile, error) {
		fetched, ferr := c.fetcher.FetchProfile(ctx, agentID)
		if ferr != nil {
			// Expired-but-present entries soften an upstream outage.
			c.mu.RLock()
			stale := c.entries[agentID]
			c.mu.RUnlock()
			if stale != nil {
				c.count("stale")
				if c.logger != nil {
					c.logger.Warn(ctx, "profile fetch failed, serving stale entry",
						"agent_id", agentID, "fetched_at", stale.FetchedAt, "error", ferr)
				}
				return stale, nil
			}
			return nil, faults.Wrap(faults.ProfileUnavailable, ferr, "profile fetch for agent %s", agentID)
		}

		fetched.FetchedAt = c.now()
		c.mu.Lock()
		c.entries[agentID] = fetched
		c.mu.Unlock()
		c.count("miss")
		return fetched, nil
	})
	return p, err
}

// Invalidate drops an agent's cached profile.
func (c *Cache) Invalidate(agentID string) {
	c.mu.Lock()
	delete(c.entries, agentID)
	c.mu.Unlock()
}

func (c *Cache) count(result string) {
	if c.metrics != nil {
		c.metrics.ProfileCache.WithLabelValues(result).Inc()
	}
}

// flightGroup suppresses duplicate in-flight work per key. Concurrent
// callers for the same key wait for the original call and share its result.
type flightGroup[K comparable, V any] struct {
	mu    sync.Mutex
	calls map[K]*flightCall[V]
}

type flightCall[V any] struct {
	wg     sync.WaitGroup
	val    V
	err    error
	shared bool
}

// Do executes fn for key, deduplicating concurrent executions. The third
// return reports whether the result was shared with another caller.
func (g *flightGroup[K, V]) Do(key K, fn func() (V, error)) (V, error, bool) {
	g.mu.Lock()
	if g.calls == nil {
		g.calls = make(map[K]*flightCall[V])
	}
	if c, ok := g.calls[key]; ok {
		c.shared = true
		g.mu.Unlock()
		c.wg.Wait()
		return c.val, c.err, true
	}

	c := new(flightCall[V])
	c.wg.Add(1)
	g.calls[key] = c
	g.mu.Unlock()

	c.val, c.err = fn()

	g.mu.Lock()
	delete(g.calls, key)
	g.mu.Unlock()
	c.wg.Done()

	return c.val, c.err, c.shared
}

// HTTPFetcher fetches profiles from the remote profile API.
type HTTPFetcher struct {
	baseURL     string
	apiKey      string
	callTimeout time.Duration
	httpc       *http.Client
}

// NewHTTPFetcher creates the upstream fetcher.
func NewHTTPFetcher(baseURL, apiKey string, callTimeout time.Duration) (*HTTPFetcher, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("profile base url is required")
	}
	if callTimeout <= 0 {
		callTimeout = 5 * time.Second
	}
	return &HTTPFetcher{
		baseURL:     baseURL,
		apiKey:      apiKey,
		callTimeout: callTimeout,
		httpc:       &http.Client{},
	}, nil
}

// FetchProfile implements Fetcher.
func (f *HTTPFetcher) FetchProfile(ctx context.Context, agentID string) (*models.AgentProfile, error) {
	ctx, cancel := context.WithTimeout(ctx, f.callTimeout)
	defer cancel()

	endpoint := f.baseURL + "/v1/agents/" + url.PathEscape(agentID) + "/profile"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if f.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.apiKey)
	}

	resp, err := f.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("profile api status %d: %s", resp.StatusCode, snippet)
	}

	var p models.AgentProfile
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	if p.AgentID == "" {
		p.AgentID = agentID
	}
	return &p, nil
}
