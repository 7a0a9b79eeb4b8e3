package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/recall/internal/faults"
	"github.com/haasonsaas/recall/internal/observability"
)

// SignatureHeader carries the webhook HMAC: "t=<unix>,v0=<hex>".
const SignatureHeader = "webhook-signature"

// webhookHandler processes a verified, size-bounded body and returns the
// response payload.
type webhookHandler func(ctx context.Context, body []byte) (any, error)

// webhook is the shared middleware chain: correlation id, method and
// content-type checks, body cap, signature verification, per-endpoint
// deadline, uniform error envelope, metrics.
func (s *Server) webhook(endpoint string, deadline time.Duration, handler webhookHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := uuid.NewString()
		ctx := observability.WithRequestID(r.Context(), requestID)
		ctx = observability.WithOrganizationID(ctx, s.cfg.Organization.ID)

		status, err := s.serveWebhook(ctx, w, r, endpoint, deadline, handler, requestID)
		if err != nil {
			s.writeError(ctx, w, endpoint, requestID, err)
			status = faults.HTTPStatus(err)
		}

		if s.metrics != nil {
			s.metrics.WebhookRequests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
			s.metrics.WebhookDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		}
	})
}

func (s *Server) serveWebhook(ctx context.Context, w http.ResponseWriter, r *http.Request, endpoint string, deadline time.Duration, handler webhookHandler, requestID string) (int, error) {
	if r.Method != http.MethodPost {
		return 0, faults.New(faults.PayloadSchema, "method %s not allowed", r.Method)
	}
	if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		return 0, faults.New(faults.PayloadSchema, "content-type must be application/json")
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return 0, faults.New(faults.PayloadTooLarge, "body exceeds %d bytes", s.cfg.Server.MaxBodyBytes)
		}
		return 0, faults.Wrap(faults.Internal, err, "read request body")
	}

	// Authentication first: signature failures stop all downstream work.
	if err := s.verifier.Verify(body, r.Header.Get(SignatureHeader), time.Now()); err != nil {
		if s.metrics != nil {
			s.metrics.SignatureFailures.WithLabelValues(string(faults.KindOf(err))).Inc()
		}
		s.logger.Info(ctx, "webhook signature rejected",
			"endpoint", endpoint, "kind", string(faults.KindOf(err)))
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	resp, err := handler(ctx, body)
	if err != nil {
		if ctx.Err() != nil && faults.KindOf(err) == faults.Internal {
			err = faults.Wrap(faults.DeadlineExceeded, err, "%s deadline exceeded", endpoint)
		}
		return 0, err
	}

	writeJSON(w, http.StatusOK, resp)
	return http.StatusOK, nil
}

// validate checks a raw body against a compiled schema.
func validate(schema *jsonschema.Schema, body []byte) error {
	var generic any
	if err := json.Unmarshal(body, &generic); err != nil {
		return faults.Wrap(faults.PayloadSchema, err, "body is not valid JSON")
	}
	if err := schema.Validate(generic); err != nil {
		return faults.Wrap(faults.PayloadSchema, err, "body failed schema validation")
	}
	return nil
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
}

func (s *Server) writeError(ctx context.Context, w http.ResponseWriter, endpoint, requestID string, err error) {
	kind := faults.KindOf(err)
	status := faults.HTTPStatus(err)
	if status >= 500 {
		s.logger.Error(ctx, "webhook failed", "endpoint", endpoint, "kind", string(kind), "error", err)
	}
	writeJSON(w, status, errorEnvelope{Error: errorBody{
		Kind:      string(kind),
		Message:   err.Error(),
		RequestID: requestID,
	}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
