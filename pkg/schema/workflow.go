package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// WorkflowDefinition is the declarative workflow document. It is treated as
// immutable for execution purposes: executions carry a snapshot of the
// definition they were started with, and DefinitionHash detects drift between
// the snapshot and the live document at resume time.
type WorkflowDefinition struct {
	ID      string     `json:"id"`
	Slug    string     `json:"slug,omitempty"`
	Name    string     `json:"name"`
	Version int        `json:"version,omitempty"`
	Steps   []StepNode `json:"steps"`
	Enabled bool       `json:"enabled"`
}

// DefinitionHash returns a content hash of the step graph. Two definitions
// with the same steps hash identically regardless of name, slug, or version.
func (d *WorkflowDefinition) DefinitionHash() string {
	data, err := json.Marshal(d.Steps)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// StepNode is one typed unit of work in a workflow's step graph.
// It is a tagged union discriminated by Type; only the fields of the
// matching variant are meaningful.
type StepNode struct {
	ID             string   `json:"id"`
	Type           StepType `json:"type"`
	OutputVariable string   `json:"outputVariable,omitempty"`
	// OutputPath is an optional jq expression applied to the step output
	// before binding it to OutputVariable.
	OutputPath string       `json:"outputPath,omitempty"`
	Retry      *RetryPolicy `json:"retry,omitempty"`

	// tool
	Tool string          `json:"tool,omitempty"`
	Args json.RawMessage `json:"args,omitempty"`
	Goal string          `json:"goal,omitempty"` // shared with agent

	// agent
	Context string `json:"context,omitempty"`

	// agent_message
	Message        string `json:"message,omitempty"`
	AwaitResponse  bool   `json:"awaitResponse,omitempty"`
	AwaitTimeoutMs int64  `json:"awaitTimeoutMs,omitempty"`

	// conditional / loop
	Condition string     `json:"condition,omitempty"`
	Language  string     `json:"language,omitempty"` // cel (default) | expr
	Then      []StepNode `json:"then,omitempty"`
	Else      []StepNode `json:"else,omitempty"`

	// parallel / loop / subworkflow
	Steps            []StepNode `json:"steps,omitempty"`
	TolerateFailures bool       `json:"tolerateFailures,omitempty"`
	MaxIterations    int        `json:"maxIterations,omitempty"`

	// approval
	Prompt string `json:"prompt,omitempty"`
}

// StepType enumerates the kinds of step nodes.
type StepType string

const (
	StepTypeTool         StepType = "tool"
	StepTypeAgent        StepType = "agent"
	StepTypeAgentMessage StepType = "agent_message"
	StepTypeConditional  StepType = "conditional"
	StepTypeParallel     StepType = "parallel"
	StepTypeLoop         StepType = "loop"
	StepTypeSubworkflow  StepType = "subworkflow"
	StepTypeApproval     StepType = "approval"
)

// RetryPolicy configures retry behavior for a single step.
type RetryPolicy struct {
	Max     int    `json:"max"`               // max retry attempts beyond the first
	Backoff string `json:"backoff,omitempty"` // none | constant | linear | exponential
	Delay   string `json:"delay,omitempty"`   // initial delay (e.g. "1s", "500ms")
}

// TriggerType identifies how an execution was requested.
type TriggerType string

const (
	TriggerManual   TriggerType = "manual"
	TriggerWebhook  TriggerType = "webhook"
	TriggerSchedule TriggerType = "schedule"
)

// DefaultLoopCap bounds loop iterations when MaxIterations is unset.
const DefaultLoopCap = 100
