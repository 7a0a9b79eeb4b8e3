package llm

import (
	"fmt"
	"strings"

	"github.com/haasonsaas/recall/pkg/models"
)

// extractSystemPrompt instructs the model to mine durable caller facts from
// a transcript chunk.
func extractSystemPrompt(profile *models.AgentProfile) string {
	var b strings.Builder
	b.WriteString(`You are a memory extraction system for a voice agent platform. Given a call transcript between an agent and a caller, extract durable facts ABOUT THE CALLER.

Extract facts like:
- Personal and account details (names, addresses, order numbers, account state)
- Preferences (shipping, contact channel, products, communication style)
- Open issues and complaints, including identifiers they mention
- Emotional signals that matter for future calls (frustration, satisfaction)
- People and relationships they mention

Rules:
- Only extract facts clearly stated or strongly implied by the CALLER, not the agent
- Each fact must be a single, self-contained statement under 10000 characters
- Classify each fact as one of: factual, preference, issue, emotion, relationship
- Rate importance 1-10: 1-3 trivia, 4-7 useful context, 8-10 critical for any future call
- Rate confidence 0.0-1.0 for how certain the transcript supports the fact
- Include the exact transcript quote the fact came from as source_quote
- Return an empty list when the chunk contains no durable caller facts`)

	if name := profile.Name(); name != "" {
		fmt.Fprintf(&b, "\n\nThe agent on this call is %q.", name)
	}

	b.WriteString(`

Respond with ONLY a JSON object of this exact shape, no extra text:
{"memories":[{"content":"...","type":"factual","importance":7,"confidence":0.9,"source_quote":"..."}]}`)
	return b.String()
}

// strictReprompt is appended to the system prompt after schema-invalid
// output. One re-prompt only; a second failure propagates.
const strictReprompt = `Your previous response was not valid. Respond with NOTHING but the JSON object {"memories":[...]}. No markdown fences, no commentary. Every entry must have content (string), type (one of factual, preference, issue, emotion, relationship), importance (integer 1-10), confidence (number 0-1) and source_quote (string).`

// summarizeSystemPrompt instructs the model to produce the agent's opening
// line for a returning caller.
func summarizeSystemPrompt(profile *models.AgentProfile) string {
	var b strings.Builder
	b.WriteString(`You write the opening line a voice agent speaks when a returning caller connects. Be warm and concise, one or two sentences. Reference the most important remembered detail naturally, the way a human agent who remembers the caller would. Never recite a list, never mention "records" or "memory", never invent details.`)
	if name := profile.Name(); name != "" {
		fmt.Fprintf(&b, " The agent's name is %s.", name)
	}
	if profile != nil {
		if style, ok := profile.Profile["greeting_style"].(string); ok && style != "" {
			fmt.Fprintf(&b, " Preferred greeting style: %s.", style)
		}
	}
	b.WriteString(" Respond with the greeting text only.")
	return b.String()
}

func summarizeUserPrompt(memories []*models.Memory) string {
	if len(memories) == 0 {
		return "No remembered details are available. Produce a friendly generic greeting."
	}
	var b strings.Builder
	b.WriteString("Remembered details about this caller, most important first:\n")
	for _, m := range memories {
		fmt.Fprintf(&b, "- [%s, importance %d] %s\n", m.Type, m.Importance, m.Content)
	}
	return b.String()
}

// cleanGreeting strips wrapping quotes and whitespace from model output.
func cleanGreeting(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"`)
	return strings.TrimSpace(s)
}

// GenericGreeting derives the fallback greeting used for anonymous callers
// or when the LLM is unavailable. Template-based, no model call.
func GenericGreeting(profile *models.AgentProfile) string {
	if profile != nil {
		if greeting, ok := profile.Profile["default_greeting"].(string); ok && greeting != "" {
			return greeting
		}
		if name := profile.Name(); name != "" {
			return fmt.Sprintf("Hi, you've reached %s. How can I help you today?", name)
		}
	}
	return "Hello! How can I help you today?"
}
