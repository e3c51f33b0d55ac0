package registry

import (
	"encoding/json"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/google/uuid"
)

// Metadata is the on-disk metadata.json shape for a task directory.
type Metadata struct {
	UUID        string `json:"uuid"`
	Version     string `json:"version"`
	Name        string `json:"name"`
	Label       string `json:"label"`
	Description string `json:"description"`
}

// SampleCase is an optional task-provided test fixture validated against the
// task's own schemas at registry-sync time (spec.md §4.1 "sample test cases
// conform to their schemas").
type SampleCase struct {
	Input  json.RawMessage `json:"input"`
	Output json.RawMessage `json:"output,omitempty"`
}

// ValidateObserved runs the three checks spec.md §4.1 requires: well-formed
// JSON Schema for both input and output, a valid UUID, and (if present)
// sample cases conforming to their schemas. Grounded on kin-openapi's
// openapi3.Schema + VisitJSON, the only JSON-Schema-shaped validator present
// anywhere in the retrieved corpus.
func ValidateObserved(o Observed, samples []SampleCase) error {
	if _, err := uuid.Parse(o.Ref.UUID); err != nil {
		return fmt.Errorf("registry: invalid task uuid %q: %w", o.Ref.UUID, err)
	}
	if o.Ref.Version == "" {
		return fmt.Errorf("registry: task %s: version must not be empty", o.Ref.UUID)
	}

	inputSchema, err := parseSchema(o.InputSchema)
	if err != nil {
		return fmt.Errorf("registry: task %s: invalid input_schema: %w", o.Ref.UUID, err)
	}
	outputSchema, err := parseSchema(o.OutputSchema)
	if err != nil {
		return fmt.Errorf("registry: task %s: invalid output_schema: %w", o.Ref.UUID, err)
	}

	for i, sample := range samples {
		var inputVal any
		if err := json.Unmarshal(sample.Input, &inputVal); err != nil {
			return fmt.Errorf("registry: task %s: sample %d: input is not valid JSON: %w", o.Ref.UUID, i, err)
		}
		if err := inputSchema.VisitJSON(inputVal); err != nil {
			return fmt.Errorf("registry: task %s: sample %d: input fails input_schema: %w", o.Ref.UUID, i, err)
		}
		if len(sample.Output) > 0 {
			var outputVal any
			if err := json.Unmarshal(sample.Output, &outputVal); err != nil {
				return fmt.Errorf("registry: task %s: sample %d: output is not valid JSON: %w", o.Ref.UUID, i, err)
			}
			if err := outputSchema.VisitJSON(outputVal); err != nil {
				return fmt.Errorf("registry: task %s: sample %d: output fails output_schema: %w", o.Ref.UUID, i, err)
			}
		}
	}

	return nil
}

func parseSchema(raw string) (*openapi3.Schema, error) {
	if raw == "" {
		// An absent schema accepts anything — equivalent to `{}` in JSON Schema.
		return &openapi3.Schema{}, nil
	}
	schema := &openapi3.Schema{}
	if err := json.Unmarshal([]byte(raw), schema); err != nil {
		return nil, err
	}
	return schema, nil
}

// ValidateInput validates a caller-supplied input value against a task's
// input_schema, used by internal/app's ExecuteTask before it submits to the
// worker pool (spec.md P11).
func ValidateInput(inputSchemaJSON string, input any) error {
	schema, err := parseSchema(inputSchemaJSON)
	if err != nil {
		return fmt.Errorf("registry: invalid input_schema: %w", err)
	}
	return schema.VisitJSON(input)
}
