package openai

import "encoding/json"

const classificationSchemaName = "collection_turn_phase_v1"

const classificationSchemaJSON = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["phase", "confidence", "is_noise", "reason"],
  "properties": {
    "phase": {
      "type": "string",
      "description": "One macro-phase label, or an empty string when is_noise is true."
    },
    "confidence": {
      "type": "number",
      "minimum": 0,
      "maximum": 1
    },
    "is_noise": { "type": "boolean" },
    "reason": { "type": "string" }
  }
}`

var classificationSchema = mustParseSchema(classificationSchemaJSON)

func mustParseSchema(rawSchema string) map[string]any {
	var schema map[string]any
	if err := json.Unmarshal([]byte(rawSchema), &schema); err != nil {
		panic(err)
	}
	return schema
}

// answer is the message content the schema describes.
type answer struct {
	Phase      *string  `json:"phase"`
	Confidence *float64 `json:"confidence"`
	IsNoise    bool     `json:"is_noise"`
	Reason     string   `json:"reason"`
}
