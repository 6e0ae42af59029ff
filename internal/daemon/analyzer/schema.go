package analyzer

import (
	"encoding/json"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/grovetools/brain/errors"
	"github.com/grovetools/brain/pkg/models"
)

// nodeSchemaJSON is the contract for analyzer stdout. Validation failures go
// through partial salvage before becoming permanent errors.
const nodeSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["classification", "content"],
  "properties": {
    "classification": {
      "type": "object",
      "required": ["type", "project"],
      "properties": {
        "type": {"type": "string", "minLength": 1},
        "project": {"type": "string"},
        "language": {"type": "string"},
        "frameworks": {"type": "array", "items": {"type": "string"}},
        "hadClearGoal": {"type": "boolean"},
        "isNewProject": {"type": "boolean"}
      }
    },
    "content": {
      "type": "object",
      "required": ["summary", "outcome"],
      "properties": {
        "summary": {"type": "string", "minLength": 1},
        "outcome": {"enum": ["success", "partial", "failed", "abandoned"]},
        "keyDecisions": {"type": "array", "items": {"type": "string"}},
        "filesTouched": {"type": "array", "items": {"type": "string"}},
        "toolsUsed": {"type": "array", "items": {"type": "string"}},
        "errorsSeen": {"type": "array", "items": {"type": "string"}}
      }
    },
    "lessons": {
      "type": "object",
      "additionalProperties": {"type": "array", "items": {"type": "string"}}
    },
    "semantic": {
      "type": "object",
      "properties": {
        "tags": {"type": "array", "items": {"type": "string"}},
        "embedding": {"type": "array", "items": {"type": "number"}},
        "embeddingModel": {"type": "string"}
      }
    },
    "friction": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["signal", "score"],
        "properties": {
          "signal": {"type": "string"},
          "score": {"type": "number"},
          "detail": {"type": "string"}
        }
      }
    }
  }
}`

var nodeSchema = jsonschema.MustCompileString("node.schema.json", nodeSchemaJSON)

// ValidateOutput parses analyzer stdout into a Node. A schema violation
// triggers partial salvage: sections that decode cleanly are kept, the node
// is flagged for review, and the salvaged section names are recorded. Output
// with no usable summary is a permanent failure.
func ValidateOutput(stdout []byte) (*models.Node, []string, error) {
	var generic interface{}
	if err := json.Unmarshal(stdout, &generic); err != nil {
		return nil, nil, errors.NewClassified(errors.CategoryPermanent,
			errors.Wrap(err, errors.ErrCodeSchemaInvalid, "analyzer output is not JSON"))
	}

	if err := nodeSchema.Validate(generic); err == nil {
		var node models.Node
		if err := json.Unmarshal(stdout, &node); err != nil {
			return nil, nil, errors.NewClassified(errors.CategoryPermanent,
				errors.Wrap(err, errors.ErrCodeSchemaInvalid, "analyzer output does not decode"))
		}
		return &node, nil, nil
	}

	node, salvaged := salvage(stdout)
	if node == nil {
		return nil, nil, errors.NewClassified(errors.CategoryPermanent,
			errors.New(errors.ErrCodeSchemaInvalid, "analyzer output failed validation with nothing salvageable"))
	}
	return node, salvaged, nil
}

// salvage recovers the sections of an invalid payload that decode on their
// own. The summary is the floor: without one there is nothing worth keeping.
func salvage(stdout []byte) (*models.Node, []string) {
	var sections map[string]json.RawMessage
	if err := json.Unmarshal(stdout, &sections); err != nil {
		return nil, nil
	}

	node := &models.Node{}
	var salvaged []string

	if raw, ok := sections["classification"]; ok {
		if err := json.Unmarshal(raw, &node.Classification); err == nil && node.Classification.Type != "" {
			salvaged = append(salvaged, "classification")
		}
	}
	if raw, ok := sections["content"]; ok {
		if err := json.Unmarshal(raw, &node.Content); err == nil && node.Content.Summary != "" {
			salvaged = append(salvaged, "content")
		}
	}
	if raw, ok := sections["lessons"]; ok {
		if err := json.Unmarshal(raw, &node.Lessons); err == nil && len(node.Lessons) > 0 {
			salvaged = append(salvaged, "lessons")
		}
	}
	if raw, ok := sections["semantic"]; ok {
		if err := json.Unmarshal(raw, &node.Semantic); err == nil && len(node.Semantic.Tags) > 0 {
			salvaged = append(salvaged, "semantic")
		}
	}
	if raw, ok := sections["friction"]; ok {
		if err := json.Unmarshal(raw, &node.Friction); err == nil && len(node.Friction) > 0 {
			salvaged = append(salvaged, "friction")
		}
	}

	if node.Content.Summary == "" {
		return nil, nil
	}
	if !validOutcome(node.Content.Outcome) {
		node.Content.Outcome = models.OutcomePartial
	}
	return node, salvaged
}

func validOutcome(outcome string) bool {
	switch outcome {
	case models.OutcomeSuccess, models.OutcomePartial, models.OutcomeFailed, models.OutcomeAbandoned:
		return true
	}
	return false
}
