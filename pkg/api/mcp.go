package api

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/stepflow-go/stepflow/pkg/engine"
	"github.com/stepflow-go/stepflow/pkg/workflow"
)

// NextStepResult is the tool response of workflow_get_next_step.
type NextStepResult struct {
	Completed bool                      `json:"completed"`
	Steps     []engine.MaterializedStep `json:"steps,omitempty"`
}

// ListResult is the tool response of workflow_list.
type ListResult struct {
	Workflows []*workflow.InstanceInfo `json:"workflows"`
}

type statusArgs struct {
	WorkflowID   string `json:"workflow_id"`
	IncludeState bool   `json:"include_state,omitempty"`
}

type workflowIDArgs struct {
	WorkflowID string `json:"workflow_id"`
}

type readStateArgs struct {
	WorkflowID string   `json:"workflow_id"`
	Paths      []string `json:"paths,omitempty"`
}

type updateStateArgs struct {
	WorkflowID      string                 `json:"workflow_id"`
	Updates         []workflow.StateUpdate `json:"updates"`
	ExpectedVersion *int64                 `json:"expected_version,omitempty"`
}

type emptyArgs struct{}

// NewMCPServer builds the MCP server exposing the API surface as tools.
func NewMCPServer(svc *Service, version string) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "stepflow",
		Version: version,
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "workflow_start",
		Description: "Start a workflow instance from a named workflow file or an inline definition",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in StartRequest) (*mcp.CallToolResult, *engine.StartResult, error) {
		res, err := svc.Start(ctx, in)
		if err != nil {
			return errorResult(err), nil, nil
		}
		return nil, res, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "workflow_get_next_step",
		Description: "Return the next batch of client steps for a workflow, or completed: true once the queue is drained",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in workflowIDArgs) (*mcp.CallToolResult, *NextStepResult, error) {
		batch, err := svc.GetNextStep(ctx, in.WorkflowID)
		if err != nil {
			return errorResult(err), nil, nil
		}
		if batch == nil {
			return nil, &NextStepResult{Completed: true}, nil
		}
		return nil, &NextStepResult{Steps: batch.Steps}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "workflow_status",
		Description: "Return the status of a workflow instance",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in statusArgs) (*mcp.CallToolResult, *workflow.InstanceInfo, error) {
		info, err := svc.GetWorkflowStatus(in.WorkflowID, in.IncludeState)
		if err != nil {
			return errorResult(err), nil, nil
		}
		return nil, info, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "workflow_list",
		Description: "List active workflow instances",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in emptyArgs) (*mcp.CallToolResult, *ListResult, error) {
		return nil, &ListResult{Workflows: svc.ListActiveWorkflows()}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "workflow_state_read",
		Description: "Read a workflow's state, optionally filtered to specific paths",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in readStateArgs) (*mcp.CallToolResult, *workflow.StateView, error) {
		view, err := svc.ReadState(in.WorkflowID, in.Paths)
		if err != nil {
			return errorResult(err), nil, nil
		}
		return nil, view, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "workflow_state_update",
		Description: "Apply an atomic batch of state updates to a workflow",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in updateStateArgs) (*mcp.CallToolResult, *workflow.StateView, error) {
		expected := int64(-1)
		if in.ExpectedVersion != nil {
			expected = *in.ExpectedVersion
		}
		view, err := svc.UpdateState(in.WorkflowID, in.Updates, expected)
		if err != nil {
			return errorResult(err), nil, nil
		}
		return nil, view, nil
	})

	return server
}

// ServeStdio runs the MCP server over stdio until ctx is done.
func ServeStdio(ctx context.Context, svc *Service, version string) error {
	return NewMCPServer(svc, version).Run(ctx, &mcp.StdioTransport{})
}

// errorResult carries an engine failure back as tool output in the
// {error: {code, message}} wire form.
func errorResult(err error) *mcp.CallToolResult {
	body, merr := json.Marshal(WrapError(err))
	if merr != nil {
		body = []byte(`{"error":{"code":"CONSTRAINT_VIOLATION","message":"unencodable error"}}`)
	}
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: string(body)}},
	}
}
