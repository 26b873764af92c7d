package api

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-go/stepflow/pkg/engine"
	"github.com/stepflow-go/stepflow/pkg/shell"
	"github.com/stepflow-go/stepflow/pkg/workflow"
)

type stubRunner struct{}

func (stubRunner) Run(ctx context.Context, command string, timeout time.Duration) (*shell.Result, error) {
	return &shell.Result{Stdout: "ok"}, nil
}

func testService(dir string) *Service {
	e := engine.New(engine.DefaultConfig(), engine.WithShellRunner(stubRunner{}))
	return NewService(e, dir)
}

func inlineDefinition() map[string]interface{} {
	return map[string]interface{}{
		"name":    "demo:api",
		"version": "1.0.0",
		"default_state": map[string]interface{}{
			"state": map[string]interface{}{"n": 1},
		},
		"steps": []interface{}{
			map[string]interface{}{"id": "hi", "type": "user_message", "message": "n is {{ state.n }}"},
		},
	}
}

func TestStartWithInlineDefinition(t *testing.T) {
	svc := testService("")

	res, err := svc.Start(context.Background(), StartRequest{Definition: inlineDefinition()})
	require.NoError(t, err)
	assert.Contains(t, res.WorkflowID, "wf_")
	assert.Equal(t, workflow.StatusRunning, res.Status)

	batch, err := svc.GetNextStep(context.Background(), res.WorkflowID)
	require.NoError(t, err)
	require.Len(t, batch.Steps, 1)
	assert.Equal(t, "n is 1", batch.Steps[0].Definition["message"])

	batch, err = svc.GetNextStep(context.Background(), res.WorkflowID)
	require.NoError(t, err)
	assert.Nil(t, batch)
}

func TestStartResolvesNamedWorkflowFromDir(t *testing.T) {
	dir := t.TempDir()
	content := `
name: "demo:ondisk"
version: "1.0.0"
steps:
  - id: hi
    type: user_message
    message: "hello"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "demo_ondisk.yaml"), []byte(content), 0o644))
	svc := testService(dir)

	res, err := svc.Start(context.Background(), StartRequest{Workflow: "demo:ondisk"})
	require.NoError(t, err)

	info, err := svc.GetWorkflowStatus(res.WorkflowID, false)
	require.NoError(t, err)
	assert.Equal(t, "demo:ondisk", info.WorkflowName)
}

func TestStartUnknownWorkflow(t *testing.T) {
	svc := testService(t.TempDir())

	_, err := svc.Start(context.Background(), StartRequest{Workflow: "demo:ghost"})
	require.Error(t, err)
	assert.Equal(t, workflow.CodeNotFound, workflow.CodeOf(err))

	_, err = svc.Start(context.Background(), StartRequest{})
	require.Error(t, err)
	assert.Equal(t, workflow.CodeInvalidInput, workflow.CodeOf(err))
}

func TestUpdateStateNormalizesRawPrefix(t *testing.T) {
	svc := testService("")
	res, err := svc.Start(context.Background(), StartRequest{Definition: inlineDefinition()})
	require.NoError(t, err)

	view, err := svc.UpdateState(res.WorkflowID, []workflow.StateUpdate{
		{Path: "raw.n", Value: 9},
	}, -1)
	require.NoError(t, err)
	assert.EqualValues(t, 9, view.State["n"])

	read, err := svc.ReadState(res.WorkflowID, []string{"state.n"})
	require.NoError(t, err)
	assert.EqualValues(t, 9, read.State["n"])
}

func TestUpdateStateVersionConflictWireShape(t *testing.T) {
	svc := testService("")
	res, err := svc.Start(context.Background(), StartRequest{Definition: inlineDefinition()})
	require.NoError(t, err)

	_, err = svc.UpdateState(res.WorkflowID, []workflow.StateUpdate{
		{Path: "state.n", Value: 2},
	}, 7)
	require.Error(t, err)

	body := WrapError(err)
	assert.Equal(t, "VERSION_CONFLICT", body.Error.Code)
	assert.NotEmpty(t, body.Error.Message)
}

func TestListActiveWorkflows(t *testing.T) {
	svc := testService("")
	_, err := svc.Start(context.Background(), StartRequest{Definition: inlineDefinition()})
	require.NoError(t, err)

	infos := svc.ListActiveWorkflows()
	require.Len(t, infos, 1)
}

func TestNewMCPServer(t *testing.T) {
	svc := testService("")
	server := NewMCPServer(svc, "1.0.0")
	require.NotNil(t, server)
}

func TestWrapErrorDefaultsUnknownErrors(t *testing.T) {
	body := WrapError(assert.AnError)
	assert.Equal(t, "CONSTRAINT_VIOLATION", body.Error.Code)
}
