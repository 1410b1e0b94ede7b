package validation

import "github.com/conveyor-hq/conveyor/pkg/schema"

// Validator checks workflow definitions for correctness before they are
// stored or executed. Uses JSON Schema Draft 2020-12 plus structural checks
// the schema language cannot express.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}
