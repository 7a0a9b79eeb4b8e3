package models

import (
	"fmt"
	"time"
)

// ConversationStatus is the state of a conversation in its lifecycle.
type ConversationStatus string

const (
	StatusInitiated           ConversationStatus = "initiated"
	StatusActive              ConversationStatus = "active"
	StatusCompleted           ConversationStatus = "completed"
	StatusFailed              ConversationStatus = "failed"
	StatusExtractionPending   ConversationStatus = "extraction_pending"
	StatusExtractionCompleted ConversationStatus = "extraction_completed"
	StatusExtractionFailed    ConversationStatus = "extraction_failed"
)

// conversationTransitions encodes the legal state machine:
//
//	initiated → active → completed → extraction_pending
//	                                   ├→ extraction_completed
//	                                   └→ extraction_failed
//	   └→ failed (call never established)
var conversationTransitions = map[ConversationStatus][]ConversationStatus{
	StatusInitiated:         {StatusActive, StatusFailed},
	StatusActive:            {StatusCompleted},
	StatusCompleted:         {StatusExtractionPending},
	StatusExtractionPending: {StatusExtractionCompleted, StatusExtractionFailed},
}

// CanTransition reports whether from → to is a legal status transition.
func CanTransition(from, to ConversationStatus) bool {
	for _, next := range conversationTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ErrInvalidTransition is returned when a status change violates the
// conversation state machine.
type ErrInvalidTransition struct {
	From, To ConversationStatus
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid conversation transition %s -> %s", e.From, e.To)
}

// TurnRole identifies the speaker of a transcript turn.
type TurnRole string

const (
	RoleAgent TurnRole = "agent"
	RoleUser  TurnRole = "user"
)

// TranscriptTurn is one utterance in a conversation transcript.
type TranscriptTurn struct {
	Role TurnRole `json:"role"`
	Text string   `json:"text"`
}

// Conversation is one call instance. The transcript is owned by the
// conversation for its lifetime; extracted memories reference it by id only.
type Conversation struct {
	ID              string             `json:"conversation_id"`
	AgentID         string             `json:"agent_id"`
	CallerID        string             `json:"caller_id,omitempty"` // empty = anonymous
	OrganizationID  string             `json:"organization_id"`
	StartedAt       time.Time          `json:"started_at"`
	EndedAt         time.Time          `json:"ended_at,omitempty"`
	DurationSeconds int                `json:"duration_seconds"`
	Status          ConversationStatus `json:"status"`
	Transcript      []TranscriptTurn   `json:"transcript,omitempty"`
}
