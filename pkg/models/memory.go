// Package models defines the core data types for Recall.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// MaxMemoryContentLen is the hard cap on memory content length in characters.
const MaxMemoryContentLen = 10000

// MemoryType classifies what kind of fact a memory captures.
type MemoryType string

const (
	MemoryFactual      MemoryType = "factual"
	MemoryPreference   MemoryType = "preference"
	MemoryIssue        MemoryType = "issue"
	MemoryEmotion      MemoryType = "emotion"
	MemoryRelationship MemoryType = "relationship"
)

// ValidMemoryType reports whether t is one of the known memory types.
func ValidMemoryType(t MemoryType) bool {
	switch t {
	case MemoryFactual, MemoryPreference, MemoryIssue, MemoryEmotion, MemoryRelationship:
		return true
	}
	return false
}

// Memory is a single atomic fact mined from a conversation, stored with a
// dense embedding in the external vector store.
//
// A memory is owned by its (organization, caller) pair. AgentID is empty for
// memories shared across all agents in the organization.
type Memory struct {
	ID             string     `json:"memory_id"`
	CallerID       string     `json:"caller_id"`
	ConversationID string     `json:"conversation_id"`
	AgentID        string     `json:"agent_id,omitempty"`
	OrganizationID string     `json:"organization_id"`
	Content        string     `json:"content"`
	Type           MemoryType `json:"type"`

	// Importance is assigned by the extraction LLM, clamped into [1,10].
	// It controls cross-agent visibility via Shareable.
	Importance int `json:"importance"`

	// Shareable is derived: true iff Importance >= the organization's share
	// threshold. Recomputed whenever Importance changes.
	Shareable bool `json:"shareable"`

	CreatedAt          time.Time `json:"created_at"`
	LastReinforcedAt   time.Time `json:"last_reinforced_at"`
	ReinforcementCount int       `json:"reinforcement_count"`
	Confidence         float64   `json:"confidence"`

	// ContentHash is the stable SHA-256 of the normalized content, used for
	// exact-duplicate detection across conversations.
	ContentHash string `json:"content_hash"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// Metadata keys with defined meaning.
const (
	MetaConflictGroupID = "conflict_group_id"
	MetaSourceQuote     = "source_quote"
	MetaProvenance      = "provenance" // []string of conversation ids
)

// NormalizeContent lowercases content and collapses all whitespace runs to a
// single space. The result is the canonical form hashed by ContentHashOf.
func NormalizeContent(content string) string {
	return strings.Join(strings.Fields(strings.ToLower(content)), " ")
}

// ContentHashOf returns the hex SHA-256 of the normalized content.
// The hash is deterministic: same meaning-preserving casing/whitespace
// variants of a string produce the same hash.
func ContentHashOf(content string) string {
	sum := sha256.Sum256([]byte(NormalizeContent(content)))
	return hex.EncodeToString(sum[:])
}

// ClampImportance forces v into the valid importance range [1,10].
func ClampImportance(v int) int {
	if v < 1 {
		return 1
	}
	if v > 10 {
		return 10
	}
	return v
}

// ScoredMemory pairs a memory with a similarity score from vector search.
type ScoredMemory struct {
	Memory *Memory `json:"memory"`
	Score  float64 `json:"score"`
}
