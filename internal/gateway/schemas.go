package gateway

import "github.com/santhosh-tekuri/jsonschema/v5"

// Inbound webhook bodies are schema-validated before any handler logic.
// Violations map to PayloadSchema and a 400.

const preCallSchemaJSON = `{
  "type": "object",
  "required": ["agent_id", "conversation_id"],
  "properties": {
    "agent_id": {"type": "string", "minLength": 1},
    "conversation_id": {"type": "string", "minLength": 1},
    "dynamic_variables": {"type": "object"}
  }
}`

const searchSchemaJSON = `{
  "type": "object",
  "required": ["query", "caller_id", "agent_id"],
  "properties": {
    "query": {"type": "string", "minLength": 1, "maxLength": 1000},
    "caller_id": {"type": "string", "minLength": 1},
    "agent_id": {"type": "string", "minLength": 1},
    "conversation_id": {"type": "string"},
    "search_all_agents": {"type": "boolean"},
    "limit": {"type": "integer", "minimum": 1, "maximum": 100},
    "min_score": {"type": "number", "minimum": 0, "maximum": 1}
  }
}`

const postCallSchemaJSON = `{
  "type": "object",
  "required": ["type", "data"],
  "properties": {
    "type": {"type": "string", "enum": ["post_call_transcription", "post_call_audio", "call_initiation_failure"]},
    "data": {
      "type": "object",
      "required": ["conversation_id"],
      "properties": {
        "conversation_id": {"type": "string", "minLength": 1},
        "agent_id": {"type": "string"},
        "caller_id": {"type": "string"},
        "transcript": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["role", "text"],
            "properties": {
              "role": {"type": "string", "enum": ["agent", "user"]},
              "text": {"type": "string"}
            }
          }
        },
        "status": {"type": "string"},
        "duration": {"type": "integer", "minimum": 0},
        "dynamic_variables": {"type": "object"},
        "full_audio": {"type": "string"},
        "failure_reason": {"type": "string"},
        "metadata": {"type": "object"}
      }
    }
  }
}`

var (
	preCallSchema  = jsonschema.MustCompileString("pre_call.json", preCallSchemaJSON)
	searchSchema   = jsonschema.MustCompileString("search.json", searchSchemaJSON)
	postCallSchema = jsonschema.MustCompileString("post_call.json", postCallSchemaJSON)
)
