package models

import "time"

// Caller is the identity key for a physical end-user, typically a phone
// number supplied by the voice platform. Created on first observation and
// never deleted by the core outside an explicit erasure request.
type Caller struct {
	ID                string    `json:"caller_id"`
	OrganizationID    string    `json:"organization_id"`
	FirstSeen         time.Time `json:"first_seen"`
	LastSeen          time.Time `json:"last_seen"`
	ConversationCount int       `json:"conversation_count"`
}

// AgentProfile is the opaque profile map fetched from the remote profile API,
// cached per agent id.
type AgentProfile struct {
	AgentID        string         `json:"agent_id"`
	OrganizationID string         `json:"organization_id"`
	Profile        map[string]any `json:"profile"`
	FetchedAt      time.Time      `json:"fetched_at"`
}

// Name returns the agent's display name from the profile, if present.
func (p *AgentProfile) Name() string {
	if p == nil {
		return ""
	}
	if name, ok := p.Profile["name"].(string); ok {
		return name
	}
	return ""
}
