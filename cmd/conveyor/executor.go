package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/conveyor-hq/conveyor/pkg/schema"
)

// echoExecutor is the built-in step executor. It records what would have been
// invoked and returns it as the step output, which keeps the engine fully
// exercisable before a real tool or agent host is attached over MCP.
type echoExecutor struct{}

func (echoExecutor) Execute(ctx context.Context, node *schema.StepNode, vars map[string]any) (json.RawMessage, error) {
	out := map[string]any{
		"step_id":     node.ID,
		"step_type":   string(node.Type),
		"executed_at": time.Now().UTC().Format(time.RFC3339),
	}

	switch node.Type {
	case schema.StepTypeTool:
		out["tool"] = node.Tool
		if len(node.Args) > 0 {
			var args any
			if err := json.Unmarshal(node.Args, &args); err == nil {
				out["args"] = args
			}
		}
	case schema.StepTypeAgent:
		out["goal"] = node.Goal
	case schema.StepTypeAgentMessage:
		out["message"] = node.Message
	}

	return json.Marshal(out)
}
