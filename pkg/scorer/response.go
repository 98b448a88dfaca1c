package scorer

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const correctnessSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["score"],
  "properties": {
    "score": {"type": "number", "minimum": 0, "maximum": 100},
    "rationale": {"type": "string"}
  }
}`

var correctnessResponseSchema = jsonschema.MustCompileString("correctness.schema.json", correctnessSchema)

func correctnessSystemPrompt() string {
	return "You grade student answers against an instructor's model answer. Respond with a JSON object containing score " +
		"(0-100, how completely and correctly the answer covers the model answer) and a short rationale. Ignore style and gr" +
		"ammar; judge content only."
}

func buildCorrectnessPrompt(modelAnswer, answer string) string {
	builder := strings.Builder{}
	builder.WriteString("## Model Answer\n")
	builder.WriteString(modelAnswer)
	builder.WriteString("\n\n## Student Answer\n")
	builder.WriteString(answer)
	builder.WriteString("\nReturn JSON.")
	return builder.String()
}

// parseCorrectnessResponse validates a model reply against the response schema.
// Replies wrapped in a markdown code fence are accepted.
func parseCorrectnessResponse(content string) (CorrectnessResult, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var document interface{}
	if err := json.Unmarshal([]byte(content), &document); err != nil {
		return CorrectnessResult{}, scorerError("parse correctness json: %v", err)
	}

	if err := correctnessResponseSchema.Validate(document); err != nil {
		return CorrectnessResult{}, scorerError("correctness reply rejected: %v", err)
	}

	var payload struct {
		Score     float64 `json:"score"`
		Rationale string  `json:"rationale"`
	}
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return CorrectnessResult{}, fmt.Errorf("%w: decode correctness reply: %v", ErrScorer, err)
	}

	return CorrectnessResult{
		Score:     roundScore(payload.Score),
		Rationale: strings.TrimSpace(payload.Rationale),
	}, nil
}
