package memstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/haasonsaas/recall/internal/backoff"
	"github.com/haasonsaas/recall/internal/faults"
	"github.com/haasonsaas/recall/internal/observability"
	"github.com/haasonsaas/recall/pkg/models"
)

// readRetries is the number of extra attempts for read operations. Mutations
// are never retried here; a replayed store POST could duplicate a memory.
const readRetries = 2

// HTTPConfig configures the HTTP store client.
type HTTPConfig struct {
	BaseURL string
	APIKey  string

	// CallTimeout bounds each store call; the caller's context deadline
	// still applies when shorter.
	CallTimeout time.Duration

	// MaxConns bounds the connection pool shared by all handlers and
	// extraction workers.
	MaxConns int
}

// HTTPClient implements Client against the vector store's REST API.
type HTTPClient struct {
	cfg     HTTPConfig
	httpc   *http.Client
	metrics *observability.Metrics
}

// NewHTTPClient creates a store client with a bounded connection pool.
func NewHTTPClient(cfg HTTPConfig, metrics *observability.Metrics) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("store base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("store base url: %w", err)
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 20
	}

	transport := &http.Transport{
		MaxConnsPerHost:     cfg.MaxConns,
		MaxIdleConns:        cfg.MaxConns,
		MaxIdleConnsPerHost: cfg.MaxConns,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPClient{
		cfg:     cfg,
		httpc:   &http.Client{Transport: transport},
		metrics: metrics,
	}, nil
}

var _ Client = (*HTTPClient)(nil)

// Store persists a new memory and returns its id.
func (c *HTTPClient) Store(ctx context.Context, memory *models.Memory) (string, error) {
	var out struct {
		MemoryID string `json:"memory_id"`
	}
	if err := c.call(ctx, "store", http.MethodPost, "/v1/memories", memory, &out); err != nil {
		return "", err
	}
	if out.MemoryID == "" {
		return "", faults.New(faults.StoreUnavailable, "store returned empty memory_id")
	}
	return out.MemoryID, nil
}

type searchRequest struct {
	Scope    Scope   `json:"scope"`
	Query    string  `json:"query"`
	Limit    int     `json:"limit"`
	MinScore float64 `json:"min_score"`
	Filters  Filters `json:"filters"`
}

// SemanticSearch returns ranked hits for a query within a scope.
func (c *HTTPClient) SemanticSearch(ctx context.Context, scope Scope, query string, limit int, minScore float64, filters Filters) ([]models.ScoredMemory, error) {
	req := searchRequest{Scope: scope, Query: query, Limit: limit, MinScore: minScore, Filters: filters}
	var out struct {
		Results []models.ScoredMemory `json:"results"`
	}
	if err := c.read(ctx, "search", http.MethodPost, "/v1/memories/search", req, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

type batchSimilarRequest struct {
	Scope     Scope    `json:"scope"`
	Texts     []string `json:"texts"`
	Threshold float64  `json:"threshold"`
}

// BatchFindSimilar probes all texts in a single round trip.
func (c *HTTPClient) BatchFindSimilar(ctx context.Context, scope Scope, texts []string, threshold float64) ([]SimilarHit, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	req := batchSimilarRequest{Scope: scope, Texts: texts, Threshold: threshold}
	var out struct {
		Hits []SimilarHit `json:"hits"`
	}
	if err := c.read(ctx, "batch_find_similar", http.MethodPost, "/v1/memories/batch-similar", req, &out); err != nil {
		return nil, err
	}
	if len(out.Hits) != len(texts) {
		return nil, faults.New(faults.StoreUnavailable,
			"batch-similar returned %d hits for %d texts", len(out.Hits), len(texts))
	}
	return out.Hits, nil
}

// ListRecent returns the newest memories in a scope.
func (c *HTTPClient) ListRecent(ctx context.Context, scope Scope, limit int) ([]*models.Memory, error) {
	req := struct {
		Scope Scope `json:"scope"`
		Limit int   `json:"limit"`
	}{Scope: scope, Limit: limit}
	var out struct {
		Memories []*models.Memory `json:"memories"`
	}
	if err := c.read(ctx, "list_recent", http.MethodPost, "/v1/memories/recent", req, &out); err != nil {
		return nil, err
	}
	return out.Memories, nil
}

// Reinforce applies a reinforcement atomically on the store side.
func (c *HTTPClient) Reinforce(ctx context.Context, req ReinforceRequest) error {
	path := "/v1/memories/" + url.PathEscape(req.MemoryID) + "/reinforce"
	return c.call(ctx, "reinforce", http.MethodPost, path, req, nil)
}

// MarkShareable flips cross-agent visibility.
func (c *HTTPClient) MarkShareable(ctx context.Context, memoryID string, shareable bool) error {
	path := "/v1/memories/" + url.PathEscape(memoryID)
	body := struct {
		Shareable bool `json:"shareable"`
	}{Shareable: shareable}
	return c.call(ctx, "mark_shareable", http.MethodPatch, path, body, nil)
}

// TagConflict stamps a memory with a conflict group id.
func (c *HTTPClient) TagConflict(ctx context.Context, memoryID, conflictGroupID string) error {
	path := "/v1/memories/" + url.PathEscape(memoryID)
	body := struct {
		Metadata map[string]any `json:"metadata"`
	}{Metadata: map[string]any{models.MetaConflictGroupID: conflictGroupID}}
	return c.call(ctx, "tag_conflict", http.MethodPatch, path, body, nil)
}

// DeleteByCaller erases all memories of a caller.
func (c *HTTPClient) DeleteByCaller(ctx context.Context, organizationID, callerID string) error {
	path := "/v1/organizations/" + url.PathEscape(organizationID) +
		"/callers/" + url.PathEscape(callerID) + "/memories"
	return c.call(ctx, "delete_by_caller", http.MethodDelete, path, nil, nil)
}

// read performs a read operation with backoff retries on transient failures.
func (c *HTTPClient) read(ctx context.Context, op, method, path string, in, out any) error {
	policy := backoff.DefaultPolicy()
	var err error
	for attempt := 0; ; attempt++ {
		err = c.call(ctx, op, method, path, in, out)
		if err == nil || !faults.Transient(err) || attempt >= readRetries {
			return err
		}
		if serr := backoff.Sleep(ctx, backoff.Compute(policy, attempt+1)); serr != nil {
			return err
		}
	}
}

// call performs one store request with the call timeout, API key header and
// error kind mapping.
func (c *HTTPClient) call(ctx context.Context, op, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return faults.Wrap(faults.Internal, err, "marshal store request")
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return faults.Wrap(faults.Internal, err, "build store request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.httpc.Do(req)
	if c.metrics != nil {
		c.metrics.StoreDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if ctx.Err() != nil {
			return faults.Wrap(faults.DeadlineExceeded, err, "store %s timed out", op)
		}
		return faults.Wrap(faults.StoreUnavailable, err, "store %s failed", op)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		return faults.New(faults.StoreConflict, "store %s: conflict", op)
	case resp.StatusCode == http.StatusTooManyRequests:
		return faults.New(faults.UpstreamRateLimited, "store %s: rate limited", op)
	case resp.StatusCode >= 400:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return faults.New(faults.StoreUnavailable, "store %s: status %s: %s",
			op, strconv.Itoa(resp.StatusCode), string(snippet))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return faults.Wrap(faults.StoreUnavailable, err, "decode store %s response", op)
		}
	}
	return nil
}
