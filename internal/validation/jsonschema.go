package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/conveyor-hq/conveyor/pkg/schema"
)

// workflowSchemaJSON is the JSON Schema for WorkflowDefinition validation.
// Embedded as a constant to avoid filesystem dependencies.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://conveyor.dev/schemas/workflow.json",
  "type": "object",
  "required": ["id", "name", "steps"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "slug": { "type": "string" },
    "name": { "type": "string", "minLength": 1 },
    "version": { "type": "integer", "minimum": 0 },
    "enabled": { "type": "boolean" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": {
          "type": "string",
          "enum": ["tool", "agent", "agent_message", "conditional", "parallel", "loop", "subworkflow", "approval"]
        },
        "outputVariable": { "type": "string" },
        "outputPath": { "type": "string" },
        "retry": { "$ref": "#/$defs/retry" },
        "tool": { "type": "string" },
        "args": {},
        "goal": { "type": "string" },
        "context": { "type": "string" },
        "message": { "type": "string" },
        "awaitResponse": { "type": "boolean" },
        "awaitTimeoutMs": { "type": "integer", "minimum": 0 },
        "condition": { "type": "string" },
        "language": { "type": "string", "enum": ["cel", "expr"] },
        "then": { "type": "array", "items": { "$ref": "#/$defs/step" } },
        "else": { "type": "array", "items": { "$ref": "#/$defs/step" } },
        "steps": { "type": "array", "items": { "$ref": "#/$defs/step" } },
        "tolerateFailures": { "type": "boolean" },
        "maxIterations": { "type": "integer", "minimum": 0 },
        "prompt": { "type": "string" }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["max"],
      "properties": {
        "max": { "type": "integer", "minimum": 0 },
        "backoff": {
          "type": "string",
          "enum": ["none", "linear", "exponential", "constant"]
        },
        "delay": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator implements the Validator interface using JSON Schema Draft 2020-12.
// It is safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema

	// mu guards the cache for dynamic input-schema compilation.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a new JSONSchemaValidator with the workflow schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource("https://conveyor.dev/schemas/workflow.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}

	wfSchema, err := c.Compile("https://conveyor.dev/schemas/workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &JSONSchemaValidator{
		workflowSchema: wfSchema,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDefinition validates a WorkflowDefinition against the workflow JSON
// Schema plus the structural rules the schema language cannot express.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow definition").WithCause(err)
	}

	if err := v.workflowSchema.Validate(doc); err != nil {
		return toConveyorError(err)
	}

	return validateStructure(def.Steps)
}

// validateStructure enforces per-variant required fields, id uniqueness
// within the document, and placement rules.
func validateStructure(steps []schema.StepNode) error {
	seen := make(map[string]struct{})
	return checkSteps(steps, seen, false)
}

func checkSteps(steps []schema.StepNode, seen map[string]struct{}, insideParallel bool) error {
	for i := range steps {
		node := &steps[i]

		if _, exists := seen[node.ID]; exists {
			return schema.NewErrorf(schema.ErrCodeValidation, "duplicate step id %q", node.ID)
		}
		seen[node.ID] = struct{}{}

		switch node.Type {
		case schema.StepTypeTool:
			if node.Tool == "" {
				return schema.NewErrorf(schema.ErrCodeValidation, "tool step %q requires a tool name", node.ID).WithStep(node.ID)
			}
		case schema.StepTypeAgent:
			if node.Goal == "" {
				return schema.NewErrorf(schema.ErrCodeValidation, "agent step %q requires a goal", node.ID).WithStep(node.ID)
			}
		case schema.StepTypeAgentMessage:
			if node.Message == "" {
				return schema.NewErrorf(schema.ErrCodeValidation, "agent_message step %q requires a message", node.ID).WithStep(node.ID)
			}
		case schema.StepTypeConditional:
			if node.Condition == "" {
				return schema.NewErrorf(schema.ErrCodeValidation, "conditional step %q requires a condition", node.ID).WithStep(node.ID)
			}
			if err := checkSteps(node.Then, seen, insideParallel); err != nil {
				return err
			}
			if err := checkSteps(node.Else, seen, insideParallel); err != nil {
				return err
			}
		case schema.StepTypeParallel:
			if len(node.Steps) == 0 {
				return schema.NewErrorf(schema.ErrCodeValidation, "parallel step %q requires child steps", node.ID).WithStep(node.ID)
			}
			if err := checkSteps(node.Steps, seen, true); err != nil {
				return err
			}
		case schema.StepTypeLoop:
			if len(node.Steps) == 0 {
				return schema.NewErrorf(schema.ErrCodeValidation, "loop step %q requires child steps", node.ID).WithStep(node.ID)
			}
			if node.Condition == "" && node.MaxIterations <= 0 {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"loop step %q requires a condition or maxIterations", node.ID).WithStep(node.ID)
			}
			if err := checkSteps(node.Steps, seen, insideParallel); err != nil {
				return err
			}
		case schema.StepTypeSubworkflow:
			if len(node.Steps) == 0 {
				return schema.NewErrorf(schema.ErrCodeValidation, "subworkflow step %q requires child steps", node.ID).WithStep(node.ID)
			}
			// Subworkflow ids live in their own namespace.
			if err := checkSteps(node.Steps, make(map[string]struct{}), insideParallel); err != nil {
				return err
			}
		case schema.StepTypeApproval:
			if node.Prompt == "" {
				return schema.NewErrorf(schema.ErrCodeValidation, "approval step %q requires a prompt", node.ID).WithStep(node.ID)
			}
			// Approval suspends the whole execution; a concurrent sibling has
			// no coherent suspend semantics.
			if insideParallel {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"approval step %q is not allowed inside a parallel node", node.ID).WithStep(node.ID)
			}
		default:
			return schema.NewErrorf(schema.ErrCodeValidation, "step %q has unknown type %q", node.ID, node.Type).WithStep(node.ID)
		}
	}
	return nil
}

// ValidateInput validates input variables against a JSON Schema provided as
// raw bytes. The schema is compiled and cached for subsequent calls.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if input == nil {
		return schema.NewError(schema.ErrCodeValidation, "input is nil")
	}
	if len(inputSchema) == 0 {
		return nil // no schema means no validation needed
	}

	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}

	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize input").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toConveyorError(err)
	}

	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid collisions in the compiler.
	url := fmt.Sprintf("conveyor://input-schema/%d", len(v.cache))

	// Use a fresh compiler per dynamic schema to avoid resource collision.
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toConveyorError converts a jsonschema.ValidationError into a ConveyorError
// with clear, actionable messages.
func toConveyorError(err error) *schema.ConveyorError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}

var _ Validator = (*JSONSchemaValidator)(nil)
