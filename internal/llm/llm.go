// Package llm is the provider-agnostic LLM facade used by the extraction
// pipeline and the pre-call assembler.
//
// Two providers are configured (OpenAI primary, Anthropic secondary by
// default). Calls run against the preferred provider first and fall back to
// the other only on transient failures: timeouts, 5xx, rate limits. A
// deterministic failure, such as schema-invalid output, never triggers
// provider fallback; instead the same provider is re-prompted once with
// stricter instructions before the error propagates.
package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/haasonsaas/recall/internal/faults"
	"github.com/haasonsaas/recall/internal/observability"
	"github.com/haasonsaas/recall/pkg/models"
)

// ExtractedMemory is one candidate fact returned by the extraction model,
// before normalization and deduplication.
type ExtractedMemory struct {
	Content     string  `json:"content"`
	Type        string  `json:"type"`
	Importance  int     `json:"importance"`
	Confidence  float64 `json:"confidence"`
	SourceQuote string  `json:"source_quote"`
}

// CompletionRequest is a single non-streaming completion.
type CompletionRequest struct {
	System    string
	User      string
	MaxTokens int

	// JSONMode asks the provider for a JSON-object response where supported.
	JSONMode bool
}

// Completer is a minimal LLM provider: one prompt in, one text out.
type Completer interface {
	Name() string
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// Config configures the adapter.
type Config struct {
	// Preference selects the first provider tried: "primary" and "auto" try
	// the primary completer first, "secondary" inverts the order.
	Preference string

	// CallTimeout bounds each individual provider call.
	CallTimeout time.Duration

	// SummarizeMaxTokens caps the greeting summarization output.
	SummarizeMaxTokens int
}

// Adapter implements the two operations the core needs: transcript
// extraction and first-message summarization.
type Adapter struct {
	primary   Completer
	secondary Completer
	cfg       Config
	logger    *observability.Logger
	metrics   *observability.Metrics
}

// NewAdapter wires the two completers behind the fallback selector.
// secondary may be nil, in which case no fallback is attempted.
func NewAdapter(primary, secondary Completer, cfg Config, logger *observability.Logger, metrics *observability.Metrics) (*Adapter, error) {
	if primary == nil {
		return nil, fmt.Errorf("primary completer is required")
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.SummarizeMaxTokens <= 0 {
		cfg.SummarizeMaxTokens = 2000
	}
	return &Adapter{primary: primary, secondary: secondary, cfg: cfg, logger: logger, metrics: metrics}, nil
}

// order returns the providers in preference order.
func (a *Adapter) order() []Completer {
	first, second := a.primary, a.secondary
	if a.cfg.Preference == "secondary" && a.secondary != nil {
		first, second = a.secondary, a.primary
	}
	if second == nil {
		return []Completer{first}
	}
	return []Completer{first, second}
}

// Extract mines candidate memories from one transcript chunk. The output is
// validated against the extraction schema; invalid output triggers exactly
// one re-prompt with stricter instructions on the same provider.
func (a *Adapter) Extract(ctx context.Context, chunk string, profile *models.AgentProfile) ([]ExtractedMemory, error) {
	req := CompletionRequest{
		System:    extractSystemPrompt(profile),
		User:      chunk,
		MaxTokens: 4096,
		JSONMode:  true,
	}

	var lastErr error
	for i, provider := range a.order() {
		out, err := a.completeOnce(ctx, provider, "extract", req)
		if err == nil {
			memories, perr := ParseExtraction(out)
			if perr == nil {
				return memories, nil
			}
			// Schema-invalid output: one stricter re-prompt, same provider.
			a.logf(ctx, "extraction output failed validation, re-prompting", "provider", provider.Name(), "error", perr)
			strict := req
			strict.System = req.System + "\n\n" + strictReprompt
			out, err = a.completeOnce(ctx, provider, "extract", strict)
			if err == nil {
				memories, perr = ParseExtraction(out)
				if perr == nil {
					return memories, nil
				}
				return nil, perr
			}
		}
		lastErr = err
		if !faults.Transient(err) {
			return nil, err
		}
		if i == 0 && len(a.order()) > 1 {
			a.markFallback(provider, "extract")
			a.logf(ctx, "falling back to secondary llm provider", "from", provider.Name(), "error", err)
		}
	}
	return nil, lastErr
}

// SummarizeFirstMessage produces the personalized greeting from the agent
// profile and the merged recent memories.
func (a *Adapter) SummarizeFirstMessage(ctx context.Context, profile *models.AgentProfile, memories []*models.Memory) (string, error) {
	req := CompletionRequest{
		System:    summarizeSystemPrompt(profile),
		User:      summarizeUserPrompt(memories),
		MaxTokens: a.cfg.SummarizeMaxTokens,
	}

	var lastErr error
	for i, provider := range a.order() {
		out, err := a.completeOnce(ctx, provider, "summarize", req)
		if err == nil {
			return cleanGreeting(out), nil
		}
		lastErr = err
		if !faults.Transient(err) {
			return "", err
		}
		if i == 0 && len(a.order()) > 1 {
			a.markFallback(provider, "summarize")
			a.logf(ctx, "falling back to secondary llm provider", "from", provider.Name(), "error", err)
		}
	}
	return "", lastErr
}

func (a *Adapter) completeOnce(ctx context.Context, provider Completer, op string, req CompletionRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
	defer cancel()

	start := time.Now()
	out, err := provider.Complete(ctx, req)
	if a.metrics != nil {
		a.metrics.LLMDuration.WithLabelValues(provider.Name(), op).Observe(time.Since(start).Seconds())
		status := "success"
		if err != nil {
			status = "error"
		}
		a.metrics.LLMRequests.WithLabelValues(provider.Name(), op, status).Inc()
	}
	if err != nil && ctx.Err() != nil && faults.KindOf(err) == faults.Internal {
		err = faults.Wrap(faults.DeadlineExceeded, err, "%s %s timed out", provider.Name(), op)
	}
	return out, err
}

func (a *Adapter) markFallback(provider Completer, op string) {
	if a.metrics != nil {
		a.metrics.LLMRequests.WithLabelValues(provider.Name(), op, "fallback").Inc()
	}
}

func (a *Adapter) logf(ctx context.Context, msg string, args ...any) {
	if a.logger != nil {
		a.logger.Warn(ctx, msg, args...)
	}
}
