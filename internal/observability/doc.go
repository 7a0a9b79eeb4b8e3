// Package observability provides structured logging and Prometheus metrics
// for Recall. Log lines carry the request correlation id, organization id,
// conversation id and caller id extracted from the request context; metrics
// cover the three webhook paths, the LLM and store adapters, and the
// extraction job scheduler (including the queue depth gauge).
package observability
