package planner

import (
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// decompositionSchemaJSON is the JSON Schema for the planner's LLM output
// (spec §4.7): subtasks plus reasoning and a suggested worker count.
const decompositionSchemaJSON = `{
  "type": "object",
  "required": ["subtasks", "reasoning", "suggestedWorkerCount"],
  "properties": {
    "subtasks": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["instruction"],
        "properties": {
          "instruction": { "type": "string", "minLength": 1 },
          "startUrl": { "type": "string" },
          "estimatedDurationMinutes": { "type": "number", "minimum": 0 },
          "dependencies": {
            "type": "array",
            "items": { "type": "string" }
          }
        }
      }
    },
    "reasoning": { "type": "string" },
    "suggestedWorkerCount": { "type": "integer", "minimum": 1, "maximum": 10 }
  }
}`

type schemaRegistry struct {
	once       sync.Once
	initErr    error
	compiled   *jsonschema.Schema
}

var decompositionSchema schemaRegistry

func initDecompositionSchema() error {
	decompositionSchema.once.Do(func() {
		compiled, err := jsonschema.CompileString("decomposition", decompositionSchemaJSON)
		if err != nil {
			decompositionSchema.initErr = err
			return
		}
		decompositionSchema.compiled = compiled
	})
	return decompositionSchema.initErr
}

func validateDecomposition(payload any) error {
	if err := initDecompositionSchema(); err != nil {
		return err
	}
	return decompositionSchema.compiled.Validate(payload)
}
