package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"github.com/haasonsaas/recall/internal/faults"
	"github.com/haasonsaas/recall/internal/observability"
	"github.com/haasonsaas/recall/internal/payloads"
	"github.com/haasonsaas/recall/internal/registry"
	"github.com/haasonsaas/recall/internal/scheduler"
	"github.com/haasonsaas/recall/pkg/models"
)

// handlePreCall answers the client-data webhook with assembled context and
// a first message. Missing caller identity is never an error.
func (s *Server) handlePreCall(ctx context.Context, body []byte) (any, error) {
	if err := validate(preCallSchema, body); err != nil {
		return nil, err
	}
	var req models.PreCallRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, faults.Wrap(faults.PayloadSchema, err, "decode pre-call request")
	}

	callerID := req.DynamicVariables.CallerID()
	ctx = observability.WithConversationID(ctx, req.ConversationID)
	if callerID != "" {
		ctx = observability.WithCallerID(ctx, callerID)
	}
	s.logger.Info(ctx, "pre-call webhook received", "agent_id", req.AgentID)

	s.trackCallStart(ctx, &req, callerID)

	resp, err := s.assembler.Assemble(ctx, s.cfg.Organization.ID, req.AgentID, callerID)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// handleSearch answers in-call memory lookups.
func (s *Server) handleSearch(ctx context.Context, body []byte) (any, error) {
	if err := validate(searchSchema, body); err != nil {
		return nil, err
	}
	var req models.SearchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, faults.Wrap(faults.PayloadSchema, err, "decode search request")
	}

	if req.ConversationID != "" {
		ctx = observability.WithConversationID(ctx, req.ConversationID)
	}
	ctx = observability.WithCallerID(ctx, req.CallerID)
	s.logger.Info(ctx, "in-call search received", "agent_id", req.AgentID, "all_agents", req.SearchAllAgents)

	return s.search.Search(ctx, s.cfg.Organization.ID, &req)
}

// handlePostCall persists the raw payload, then fans out on the
// discriminated type. The ack never waits for extraction.
func (s *Server) handlePostCall(ctx context.Context, body []byte) (any, error) {
	if err := validate(postCallSchema, body); err != nil {
		return nil, err
	}
	var envelope models.PostCallEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, faults.Wrap(faults.PayloadSchema, err, "decode post-call request")
	}
	conversationID := envelope.Data.ConversationID
	ctx = observability.WithConversationID(ctx, conversationID)

	var (
		queued string
		err    error
	)
	switch envelope.Type {
	case models.PostCallTranscription:
		queued, err = s.acceptTranscription(ctx, body, &envelope.Data)
	case models.PostCallAudio:
		queued, err = s.acceptAudio(ctx, &envelope.Data)
	case models.CallInitiationFailure:
		queued, err = s.acceptFailure(ctx, body, &envelope.Data)
	default:
		err = faults.New(faults.PayloadSchema, "unknown post-call type %q", envelope.Type)
	}
	if err != nil {
		return nil, err
	}

	return &models.PostCallResponse{
		RequestID: observability.RequestID(ctx),
		Data: models.PostCallAck{
			ConversationID: conversationID,
			Accepted:       true,
			Queued:         queued,
		},
	}, nil
}

// acceptTranscription archives the raw payload, records the conversation,
// and enqueues extraction. Queue overflow defers instead of failing.
func (s *Server) acceptTranscription(ctx context.Context, raw []byte, data *models.PostCallData) (string, error) {
	if err := s.archive.ArchiveTranscription(data.ConversationID, raw); err != nil {
		return "", faults.Wrap(faults.Internal, err, "archive transcription")
	}

	s.trackCallEnd(ctx, data)

	callerID := data.CallerID
	if callerID == "" {
		callerID = data.DynamicVariables.CallerID()
	}
	if callerID == "" {
		// Nothing to extract for an anonymous call; the archive is kept.
		s.logger.Info(ctx, "transcription archived for anonymous call")
		if err := s.archive.WriteState(data.ConversationID, payloads.ExtractionState{Status: payloads.StateDone}); err != nil {
			return "", faults.Wrap(faults.Internal, err, "write extraction state")
		}
		return "skipped", nil
	}

	if err := s.archive.WriteState(data.ConversationID, payloads.ExtractionState{Status: payloads.StateQueued}); err != nil {
		return "", faults.Wrap(faults.Internal, err, "write extraction state")
	}
	if err := s.jobs.Enqueue(scheduler.Job{ConversationID: data.ConversationID}); err != nil {
		if !faults.Is(err, faults.QueueOverflow) {
			return "", err
		}
		// Not an error to the caller: the payload is on disk and the sweep
		// will pick it up.
		s.logger.Warn(ctx, "extraction queue full, payload deferred")
		if werr := s.archive.WriteState(data.ConversationID, payloads.ExtractionState{Status: payloads.StateDeferred}); werr != nil {
			return "", faults.Wrap(faults.Internal, werr, "write deferred state")
		}
		return "deferred", nil
	}

	s.logger.Info(ctx, "extraction job queued", "queue_depth", s.jobs.Depth())
	return "queued", nil
}

// acceptAudio decodes and archives call audio. Audio is stored opaquely and
// never processed by the core.
func (s *Server) acceptAudio(ctx context.Context, data *models.PostCallData) (string, error) {
	if data.FullAudio == "" {
		return "", faults.New(faults.PayloadSchema, "post_call_audio requires full_audio")
	}
	decoded, err := base64.StdEncoding.DecodeString(data.FullAudio)
	if err != nil {
		return "", faults.Wrap(faults.PayloadSchema, err, "full_audio is not valid base64")
	}
	if err := s.archive.ArchiveAudio(data.ConversationID, decoded); err != nil {
		return "", faults.Wrap(faults.Internal, err, "archive audio")
	}
	s.logger.Info(ctx, "call audio archived", "bytes", len(decoded))
	return "skipped", nil
}

// acceptFailure archives the failure payload and marks the conversation
// failed: the call was never established, so there is nothing to extract.
func (s *Server) acceptFailure(ctx context.Context, raw []byte, data *models.PostCallData) (string, error) {
	if err := s.archive.ArchiveFailure(data.ConversationID, raw); err != nil {
		return "", faults.Wrap(faults.Internal, err, "archive failure payload")
	}
	if s.registry != nil {
		conv := &models.Conversation{
			ID:             data.ConversationID,
			AgentID:        data.AgentID,
			OrganizationID: s.cfg.Organization.ID,
			StartedAt:      time.Now().UTC(),
			Status:         models.StatusInitiated,
		}
		if err := s.registry.UpsertConversation(ctx, conv); err != nil {
			s.logger.Warn(ctx, "conversation upsert failed", "error", err)
		}
		if err := s.registry.Transition(ctx, data.ConversationID, models.StatusFailed); err != nil {
			var invalid *models.ErrInvalidTransition
			if !errors.As(err, &invalid) {
				s.logger.Warn(ctx, "conversation transition failed", "error", err)
			}
		}
	}
	s.logger.Info(ctx, "call initiation failure recorded", "reason", data.FailureReason)
	return "skipped", nil
}

// trackCallStart records the conversation and caller sighting at pre-call
// time. Best effort: registry trouble never fails the webhook.
func (s *Server) trackCallStart(ctx context.Context, req *models.PreCallRequest, callerID string) {
	if s.registry == nil {
		return
	}
	now := time.Now().UTC()
	conv := &models.Conversation{
		ID:             req.ConversationID,
		AgentID:        req.AgentID,
		CallerID:       callerID,
		OrganizationID: s.cfg.Organization.ID,
		StartedAt:      now,
		Status:         models.StatusInitiated,
	}
	if err := s.registry.UpsertConversation(ctx, conv); err != nil {
		s.logger.Warn(ctx, "conversation upsert failed", "error", err)
	}
	if callerID != "" {
		if err := s.registry.TouchCaller(ctx, s.cfg.Organization.ID, callerID, now); err != nil {
			s.logger.Warn(ctx, "caller touch failed", "error", err)
		}
	}
}

// trackCallEnd upserts the conversation for webhooks that arrive without a
// preceding pre-call, then records end-of-call facts.
func (s *Server) trackCallEnd(ctx context.Context, data *models.PostCallData) {
	if s.registry == nil {
		return
	}
	callerID := data.CallerID
	if callerID == "" {
		callerID = data.DynamicVariables.CallerID()
	}
	now := time.Now().UTC()

	_, getErr := s.registry.GetConversation(ctx, data.ConversationID)
	if errors.Is(getErr, registry.ErrNotFound) {
		conv := &models.Conversation{
			ID:             data.ConversationID,
			AgentID:        data.AgentID,
			CallerID:       callerID,
			OrganizationID: s.cfg.Organization.ID,
			StartedAt:      now.Add(-time.Duration(data.Duration) * time.Second),
			Status:         models.StatusExtractionPending,
		}
		if err := s.registry.CreateConversation(ctx, conv); err != nil {
			s.logger.Warn(ctx, "conversation create failed", "error", err)
		}
		if callerID != "" {
			if err := s.registry.TouchCaller(ctx, s.cfg.Organization.ID, callerID, now); err != nil {
				s.logger.Warn(ctx, "caller touch failed", "error", err)
			}
		}
	}

	// Walk the lifecycle forward to extraction_pending; steps already taken
	// report an invalid transition and are skipped.
	for _, next := range []models.ConversationStatus{
		models.StatusActive,
		models.StatusCompleted,
		models.StatusExtractionPending,
	} {
		if err := s.registry.Transition(ctx, data.ConversationID, next); err != nil {
			var invalid *models.ErrInvalidTransition
			if !errors.As(err, &invalid) {
				s.logger.Warn(ctx, "conversation transition failed", "to", string(next), "error", err)
			}
		}
	}

	if err := s.registry.FinishConversation(ctx, data.ConversationID, now, data.Duration, data.Transcript); err != nil {
		s.logger.Warn(ctx, "conversation finish failed", "error", err)
	}
}
