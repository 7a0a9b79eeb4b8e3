package models

// Webhook payload and response shapes for the three dispatcher endpoints.
// All inbound bodies are validated against JSON Schemas in internal/gateway
// before reaching handler code.

// PostCallType discriminates the post-call webhook body.
type PostCallType string

const (
	PostCallTranscription PostCallType = "post_call_transcription"
	PostCallAudio         PostCallType = "post_call_audio"
	CallInitiationFailure PostCallType = "call_initiation_failure"
)

// DynamicVariables carry caller identity and arbitrary platform variables.
// The caller id, when present, arrives under "system__caller_id".
type DynamicVariables map[string]any

// SystemCallerIDKey is the dynamic-variable key the voice platform uses for
// the caller's identity.
const SystemCallerIDKey = "system__caller_id"

// CallerID extracts the caller id, or "" for anonymous calls.
func (v DynamicVariables) CallerID() string {
	if v == nil {
		return ""
	}
	if id, ok := v[SystemCallerIDKey].(string); ok {
		return id
	}
	return ""
}

// PreCallRequest is the body of the pre-call webhook.
type PreCallRequest struct {
	AgentID          string           `json:"agent_id"`
	ConversationID   string           `json:"conversation_id"`
	DynamicVariables DynamicVariables `json:"dynamic_variables,omitempty"`
}

// CallContext is the structured context returned to the voice platform
// before a call starts. Arrays are partitioned by memory type.
type CallContext struct {
	Memories             []*Memory `json:"memories"`
	Preferences          []*Memory `json:"preferences"`
	RelationshipInsights []*Memory `json:"relationship_insights"`
	Conflicts            []*Memory `json:"conflicts"`
}

// EmptyCallContext returns a context with all arrays present but empty, so
// the JSON shape is stable for anonymous callers.
func EmptyCallContext() *CallContext {
	return &CallContext{
		Memories:             []*Memory{},
		Preferences:          []*Memory{},
		RelationshipInsights: []*Memory{},
		Conflicts:            []*Memory{},
	}
}

// PreCallResponse is the 200 body of the pre-call webhook.
// FirstMessage is null when the caller is unknown.
type PreCallResponse struct {
	FirstMessage *string      `json:"first_message"`
	Context      *CallContext `json:"context"`
	Degraded     bool         `json:"degraded,omitempty"`
}

// SearchRequest is the body of the in-call search webhook.
type SearchRequest struct {
	Query           string  `json:"query"`
	CallerID        string  `json:"caller_id"`
	AgentID         string  `json:"agent_id"`
	ConversationID  string  `json:"conversation_id,omitempty"`
	SearchAllAgents bool    `json:"search_all_agents,omitempty"`
	Limit           int     `json:"limit,omitempty"`
	MinScore        float64 `json:"min_score,omitempty"`
}

// SearchResult is a single ranked hit returned to the in-call agent.
type SearchResult struct {
	MemoryID       string     `json:"memory_id"`
	Content        string     `json:"content"`
	Type           MemoryType `json:"type"`
	Importance     int        `json:"importance"`
	Score          float64    `json:"score"`
	CreatedAt      string     `json:"created_at"`
	ConversationID string     `json:"conversation_id"`
	AgentID        string     `json:"agent_id,omitempty"`
}

// SearchResponse is the 200 body of the in-call search webhook.
type SearchResponse struct {
	Results  []SearchResult `json:"results"`
	Summary  string         `json:"summary"`
	Scope    string         `json:"scope"` // "agent" | "org"
	Degraded bool           `json:"degraded,omitempty"`
}

// PostCallEnvelope is the outer discriminated body of the post-call webhook.
type PostCallEnvelope struct {
	Type PostCallType `json:"type"`
	Data PostCallData `json:"data"`
}

// PostCallData is the union of the three post-call payload variants.
type PostCallData struct {
	ConversationID   string           `json:"conversation_id"`
	AgentID          string           `json:"agent_id,omitempty"`
	CallerID         string           `json:"caller_id,omitempty"`
	Transcript       []TranscriptTurn `json:"transcript,omitempty"`
	Status           string           `json:"status,omitempty"`
	Duration         int              `json:"duration,omitempty"`
	DynamicVariables DynamicVariables `json:"dynamic_variables,omitempty"`

	// post_call_audio
	FullAudio string `json:"full_audio,omitempty"` // base64

	// call_initiation_failure
	FailureReason string         `json:"failure_reason,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// PostCallResponse is the 200 body of the post-call webhook.
type PostCallResponse struct {
	RequestID string       `json:"request_id"`
	Data      PostCallAck  `json:"data"`
}

// PostCallAck confirms receipt and queueing of an extraction job.
type PostCallAck struct {
	ConversationID string `json:"conversation_id"`
	Accepted       bool   `json:"accepted"`
	Queued         string `json:"queued"` // "queued" | "deferred" | "skipped"
}
