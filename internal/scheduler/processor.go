package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/recall/internal/extraction"
	"github.com/haasonsaas/recall/internal/faults"
	"github.com/haasonsaas/recall/internal/observability"
	"github.com/haasonsaas/recall/internal/payloads"
	"github.com/haasonsaas/recall/internal/registry"
	"github.com/haasonsaas/recall/pkg/models"
)

// ExtractionProcessor replays an archived transcription payload through the
// extraction pipeline and tracks conversation and state-file lifecycle.
type ExtractionProcessor struct {
	orgID    string
	pipeline *extraction.Pipeline
	archive  *payloads.Store
	registry *registry.Store
	logger   *observability.Logger
}

// NewExtractionProcessor creates the job processor.
func NewExtractionProcessor(orgID string, pipeline *extraction.Pipeline, archive *payloads.Store, reg *registry.Store, logger *observability.Logger) *ExtractionProcessor {
	return &ExtractionProcessor{
		orgID:    orgID,
		pipeline: pipeline,
		archive:  archive,
		registry: reg,
		logger:   logger,
	}
}

var _ Processor = (*ExtractionProcessor)(nil)

// Process implements Processor. A returned error means the attempt failed
// and the scheduler may retry; terminal bookkeeping happens in Abandon.
func (p *ExtractionProcessor) Process(ctx context.Context, conversationID string) error {
	state, err := p.archive.ReadState(conversationID)
	if err != nil && !errors.Is(err, payloads.ErrNotFound) {
		return err
	}
	state.Status = payloads.StateRunning
	state.Attempts++
	if err := p.archive.WriteState(conversationID, state); err != nil {
		return err
	}

	conv, err := p.loadConversation(conversationID)
	if err != nil {
		return p.fail(conversationID, state, err)
	}

	p.trackConversation(ctx, conv)

	outcome, err := p.pipeline.Run(ctx, conv)
	if err != nil {
		return p.fail(conversationID, state, err)
	}
	if outcome.Status == extraction.OutcomeFailed {
		cause := outcome.FirstErr
		if cause == nil {
			cause = faults.New(faults.Internal, "no chunk error recorded")
		}
		return p.fail(conversationID, state,
			fmt.Errorf("all %d chunks failed: %w", outcome.TotalChunks, cause))
	}

	state.Status = payloads.StateDone
	state.LastError = ""
	if outcome.Status == extraction.OutcomePartial {
		// Keep the failed-chunk list observable even though the job counts
		// as completed.
		state.LastError = fmt.Sprintf("partial: failed chunks %v", outcome.FailedChunks)
	}
	if err := p.archive.WriteState(conversationID, state); err != nil {
		return err
	}

	p.transition(ctx, conversationID, models.StatusExtractionCompleted)
	p.info(ctx, "extraction completed",
		"conversation_id", conversationID,
		"outcome", outcome.Status,
		"stored", outcome.Stored,
		"reinforced", outcome.Reinforced,
		"conflicts", outcome.Conflicts)
	return nil
}

// Abandon implements Processor: the retry budget is spent.
func (p *ExtractionProcessor) Abandon(ctx context.Context, conversationID string, cause error) {
	state, err := p.archive.ReadState(conversationID)
	if err == nil {
		state.Status = payloads.StateFailed
		if cause != nil {
			state.LastError = cause.Error()
		}
		_ = p.archive.WriteState(conversationID, state)
	}
	p.transition(ctx, conversationID, models.StatusExtractionFailed)
}

func (p *ExtractionProcessor) fail(conversationID string, state payloads.ExtractionState, cause error) error {
	state.Status = payloads.StateFailed
	state.LastError = cause.Error()
	_ = p.archive.WriteState(conversationID, state)
	return cause
}

// loadConversation rebuilds the conversation from the archived raw payload.
func (p *ExtractionProcessor) loadConversation(conversationID string) (*models.Conversation, error) {
	raw, err := p.archive.ReadTranscription(conversationID)
	if err != nil {
		return nil, fmt.Errorf("archived transcription: %w", err)
	}
	var envelope models.PostCallEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decode archived transcription: %w", err)
	}
	data := envelope.Data

	callerID := data.CallerID
	if callerID == "" {
		callerID = data.DynamicVariables.CallerID()
	}
	ended := time.Now().UTC()
	return &models.Conversation{
		ID:              conversationID,
		AgentID:         data.AgentID,
		CallerID:        callerID,
		OrganizationID:  p.orgID,
		StartedAt:       ended.Add(-time.Duration(data.Duration) * time.Second),
		EndedAt:         ended,
		DurationSeconds: data.Duration,
		Status:          models.StatusExtractionPending,
		Transcript:      data.Transcript,
	}, nil
}

func (p *ExtractionProcessor) trackConversation(ctx context.Context, conv *models.Conversation) {
	if p.registry == nil {
		return
	}
	if err := p.registry.UpsertConversation(ctx, conv); err != nil {
		p.warn(ctx, "conversation upsert failed", "conversation_id", conv.ID, "error", err)
	}
}

// transition is best-effort: a replayed job may find the conversation
// already in the target state.
func (p *ExtractionProcessor) transition(ctx context.Context, conversationID string, to models.ConversationStatus) {
	if p.registry == nil {
		return
	}
	err := p.registry.Transition(ctx, conversationID, to)
	var invalid *models.ErrInvalidTransition
	if err != nil && !errors.As(err, &invalid) && !errors.Is(err, registry.ErrNotFound) {
		p.warn(ctx, "conversation transition failed",
			"conversation_id", conversationID, "to", string(to), "error", err)
	}
}

// Sweep re-enqueues archived payloads whose extraction never finished, as
// selected by rec. Returns how many were requeued.
func Sweep(ctx context.Context, archive *payloads.Store, s *Scheduler, rec payloads.Recovery, logger *observability.Logger) (int, error) {
	ids, err := archive.Pending(rec)
	if err != nil {
		return 0, err
	}
	requeued := 0
	for _, id := range ids {
		state, err := archive.ReadState(id)
		if err != nil && !errors.Is(err, payloads.ErrNotFound) {
			return requeued, err
		}
		if err := s.Enqueue(Job{ConversationID: id}); err != nil {
			// Queue is full again; the payload stays deferred.
			state.Status = payloads.StateDeferred
			_ = archive.WriteState(id, state)
			continue
		}
		state.Status = payloads.StateQueued
		if err := archive.WriteState(id, state); err != nil {
			return requeued, err
		}
		requeued++
		if logger != nil {
			logger.Info(ctx, "sweep requeued conversation", "conversation_id", id)
		}
	}
	return requeued, nil
}

func (p *ExtractionProcessor) info(ctx context.Context, msg string, args ...any) {
	if p.logger != nil {
		p.logger.Info(ctx, msg, args...)
	}
}

func (p *ExtractionProcessor) warn(ctx context.Context, msg string, args ...any) {
	if p.logger != nil {
		p.logger.Warn(ctx, msg, args...)
	}
}
