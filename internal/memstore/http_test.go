package memstore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/haasonsaas/recall/internal/faults"
	"github.com/haasonsaas/recall/pkg/models"
)

func newTestClient(t *testing.T, handler http.Handler) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewHTTPClient(HTTPConfig{
		BaseURL:     srv.URL,
		APIKey:      "test-key",
		CallTimeout: 2 * time.Second,
		MaxConns:    4,
	}, nil)
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}
	return c
}

func TestStoreReturnsID(t *testing.T) {
	var gotAuth string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/v1/memories" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var m models.Memory
		if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
			t.Errorf("decode body: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]string{"memory_id": "mem-1"})
	}))

	id, err := c.Store(context.Background(), &models.Memory{Content: "prefers express shipping"})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if id != "mem-1" {
		t.Errorf("id = %q", id)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("auth header = %q", gotAuth)
	}
}

func TestBatchFindSimilarAlignment(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req batchSimilarRequest
		json.NewDecoder(r.Body).Decode(&req)
		hits := make([]SimilarHit, len(req.Texts))
		hits[0] = SimilarHit{Memory: &models.Memory{ID: "m1"}, Score: 0.92}
		json.NewEncoder(w).Encode(map[string]any{"hits": hits})
	}))

	hits, err := c.BatchFindSimilar(context.Background(), Scope{Kind: ScopeCallerOnly}, []string{"a", "b"}, 0.85)
	if err != nil {
		t.Fatalf("BatchFindSimilar: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("len = %d", len(hits))
	}
	if hits[0].Memory == nil || hits[0].Memory.ID != "m1" {
		t.Errorf("hit[0] = %+v", hits[0])
	}
	if hits[1].Memory != nil {
		t.Errorf("hit[1] should be a miss, got %+v", hits[1])
	}
}

func TestBatchFindSimilarLengthMismatch(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"hits": []SimilarHit{{}}})
	}))
	_, err := c.BatchFindSimilar(context.Background(), Scope{}, []string{"a", "b"}, 0.85)
	if !faults.Is(err, faults.StoreUnavailable) {
		t.Fatalf("expected StoreUnavailable, got %v", err)
	}
}

func TestErrorKindMapping(t *testing.T) {
	tests := []struct {
		status int
		kind   faults.Kind
	}{
		{http.StatusConflict, faults.StoreConflict},
		{http.StatusTooManyRequests, faults.UpstreamRateLimited},
		{http.StatusBadGateway, faults.StoreUnavailable},
		{http.StatusBadRequest, faults.StoreUnavailable},
	}
	for _, tt := range tests {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		err := c.Reinforce(context.Background(), ReinforceRequest{MemoryID: "m1", ConversationID: "c1"})
		if !faults.Is(err, tt.kind) {
			t.Errorf("status %d: kind = %v, want %s", tt.status, faults.KindOf(err), tt.kind)
		}
	}
}

func TestCallTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	c, err := NewHTTPClient(HTTPConfig{BaseURL: srv.URL, CallTimeout: 2 * time.Second}, nil)
	if err != nil {
		t.Fatal(err)
	}
	// The caller's deadline is already tight, so the read retry loop must
	// give up instead of sleeping through its backoff.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.ListRecent(ctx, Scope{}, 5)
	if !faults.Is(err, faults.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestReadRetriesTransientFailure(t *testing.T) {
	var calls int
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"memories": []*models.Memory{{ID: "m1"}}})
	}))

	memories, err := c.ListRecent(context.Background(), Scope{}, 5)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(memories) != 1 || memories[0].ID != "m1" {
		t.Errorf("memories = %+v", memories)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestMutationsAreNotRetried(t *testing.T) {
	var calls int
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := c.Store(context.Background(), &models.Memory{Content: "x"})
	if !faults.Is(err, faults.StoreUnavailable) {
		t.Fatalf("expected StoreUnavailable, got %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDeleteByCallerPath(t *testing.T) {
	var gotPath, gotMethod string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotMethod = r.URL.Path, r.Method
		w.WriteHeader(http.StatusNoContent)
	}))
	if err := c.DeleteByCaller(context.Background(), "org-1", "+15551234567"); err != nil {
		t.Fatalf("DeleteByCaller: %v", err)
	}
	if gotMethod != http.MethodDelete {
		t.Errorf("method = %s", gotMethod)
	}
	if gotPath != "/v1/organizations/org-1/callers/+15551234567/memories" {
		t.Errorf("path = %s", gotPath)
	}
}
