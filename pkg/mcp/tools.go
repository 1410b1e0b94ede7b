package mcp

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/conveyor-hq/conveyor/internal/service"
	"github.com/conveyor-hq/conveyor/internal/store"
	"github.com/conveyor-hq/conveyor/pkg/schema"
)

// --- Tool handlers ---

func (s *ConveyorServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	variables := mcp.ParseStringMap(req, "variables", nil)

	receipt, err := s.service.RequestExecution(ctx, service.ExecutionRequest{
		WorkflowID:  workflowID,
		UserID:      userID,
		SessionID:   req.GetString("session_id", ""),
		TriggerType: schema.TriggerManual,
		Variables:   variables,
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return marshalResult(receipt)
}

func (s *ConveyorServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	view, err := s.service.GetExecution(ctx, executionID, userID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return marshalResult(view)
}

func (s *ConveyorServer) handleApprove(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	token, err := req.RequireString("resume_token")
	if err != nil {
		return mcp.NewToolResultError("resume_token is required"), nil
	}
	approve, err := req.RequireBool("approve")
	if err != nil {
		return mcp.NewToolResultError("approve is required"), nil
	}

	status, err := s.gateway.Resume(ctx, executionID, userID, token, approve, req.GetString("reason", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return marshalResult(map[string]any{
		"execution_id": executionID,
		"approved":     approve,
		"status":       status,
	})
}

func (s *ConveyorServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	status, err := s.gateway.Cancel(ctx, executionID, userID, req.GetString("reason", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return marshalResult(map[string]any{
		"execution_id": executionID,
		"status":       status,
	})
}

func (s *ConveyorServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw := mcp.ParseStringMap(req, "definition", nil)
	if raw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	b, err := json.Marshal(raw)
	if err != nil {
		return mcp.NewToolResultError("definition is not a valid object: " + err.Error()), nil
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(b, &def); err != nil {
		return mcp.NewToolResultError("definition does not parse as a workflow: " + err.Error()), nil
	}

	if err := s.service.CreateWorkflow(ctx, &def); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return marshalResult(map[string]any{
		"workflow_id": def.ID,
		"name":        def.Name,
		"created":     true,
	})
}

func (s *ConveyorServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", map[string]any{})

	switch resource {
	case "executions":
		f := store.ExecutionFilter{
			WorkflowID: stringField(filter, "workflow_id"),
			UserID:     stringField(filter, "user_id"),
			Limit:      intField(filter, "limit"),
		}
		if raw := stringField(filter, "status"); raw != "" {
			status := schema.ExecutionStatus(raw)
			f.Status = &status
		}
		executions, err := s.service.ListExecutions(ctx, f)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return marshalResult(map[string]any{"executions": executions, "count": len(executions)})

	case "workflows":
		workflows, err := s.service.ListWorkflows(ctx, boolField(filter, "enabled_only"))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return marshalResult(map[string]any{"workflows": workflows, "count": len(workflows)})

	case "events":
		executionID := stringField(filter, "execution_id")
		if executionID == "" {
			return mcp.NewToolResultError("filter.execution_id is required for events"), nil
		}
		events, err := s.service.Events(ctx, executionID, int64(intField(filter, "since")))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return marshalResult(map[string]any{"events": events, "count": len(events)})

	case "notifications":
		userID := stringField(filter, "user_id")
		if userID == "" {
			return mcp.NewToolResultError("filter.user_id is required for notifications"), nil
		}
		notifications, err := s.store.ListNotifications(ctx, userID)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return marshalResult(map[string]any{"notifications": notifications, "count": len(notifications)})

	default:
		return mcp.NewToolResultError("unknown resource: " + resource), nil
	}
}

// --- Helpers ---

// marshalResult serializes a value as indented JSON into a tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError("failed to serialize result: " + err.Error()), nil
	}
	return mcp.NewToolResultText(string(b)), nil
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func boolField(m map[string]any, key string) bool {
	if m == nil {
		return false
	}
	b, _ := m[key].(bool)
	return b
}

// intField tolerates the numeric shapes JSON decoding produces.
func intField(m map[string]any, key string) int {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		n, _ := strconv.Atoi(v.String())
		return n
	default:
		return 0
	}
}
