// Package api is the thin facade over the engine: request/response shapes,
// workflow resolution by name or file, state path normalization and the
// {error: {code, message}} wire form, plus the MCP server surface.
package api

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/stepflow-go/stepflow/pkg/engine"
	"github.com/stepflow-go/stepflow/pkg/loader"
	"github.com/stepflow-go/stepflow/pkg/log"
	"github.com/stepflow-go/stepflow/pkg/workflow"
)

// Service exposes the six public operations.
type Service struct {
	engine *engine.Engine
	dir    string
	logger *slog.Logger
}

// NewService creates the facade. workflowDir is where named workflows are
// resolved; pass "" to accept only file paths and inline definitions.
func NewService(e *engine.Engine, workflowDir string) *Service {
	return &Service{
		engine: e,
		dir:    workflowDir,
		logger: log.WithModule("api"),
	}
}

// StartRequest names a workflow by file or carries it inline.
type StartRequest struct {
	Workflow       string                 `json:"workflow,omitempty"`
	Definition     map[string]interface{} `json:"definition,omitempty"`
	Inputs         map[string]interface{} `json:"inputs,omitempty"`
	TimeoutSeconds int                    `json:"timeout_seconds,omitempty"`
}

// Start resolves the definition and starts an instance.
func (s *Service) Start(ctx context.Context, req StartRequest) (*engine.StartResult, error) {
	def, err := s.resolve(req)
	if err != nil {
		return nil, err
	}
	var opts []engine.StartOption
	if req.TimeoutSeconds > 0 {
		opts = append(opts, engine.WithTimeout(time.Duration(req.TimeoutSeconds)*time.Second))
	}
	return s.engine.Start(ctx, def, req.Inputs, opts...)
}

func (s *Service) resolve(req StartRequest) (*workflow.Definition, error) {
	if req.Definition != nil {
		return loader.FromMap(req.Definition)
	}
	if req.Workflow == "" {
		return nil, workflow.NewError(workflow.CodeInvalidInput,
			"either workflow or definition is required")
	}

	candidates := []string{req.Workflow}
	if s.dir != "" {
		name := strings.ReplaceAll(req.Workflow, ":", "_")
		candidates = append(candidates,
			filepath.Join(s.dir, req.Workflow),
			filepath.Join(s.dir, req.Workflow+".yaml"),
			filepath.Join(s.dir, name+".yaml"),
		)
	}
	for _, path := range candidates {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return loader.LoadFile(path)
		}
	}
	return nil, workflow.NewError(workflow.CodeNotFound, "workflow %q not found", req.Workflow)
}

// GetNextStep returns the next batch of client steps. A nil batch means the
// workflow has completed.
func (s *Service) GetNextStep(ctx context.Context, workflowID string) (*engine.StepBatch, error) {
	return s.engine.GetNextStep(ctx, workflowID)
}

// GetWorkflowStatus returns the status projection of an instance.
func (s *Service) GetWorkflowStatus(workflowID string, includeState bool) (*workflow.InstanceInfo, error) {
	return s.engine.GetWorkflowStatus(workflowID, includeState)
}

// ListActiveWorkflows returns the non-terminal top-level instances.
func (s *Service) ListActiveWorkflows() []*workflow.InstanceInfo {
	return s.engine.ListActiveWorkflows()
}

// ReadState returns a state snapshot, optionally filtered by paths.
func (s *Service) ReadState(workflowID string, paths []string) (*workflow.StateView, error) {
	return s.engine.States().Read(workflowID, paths)
}

// UpdateState applies an atomic update batch. The legacy raw.* prefix is
// normalized to state.* before it reaches the store. expectedVersion below
// zero skips the optimistic-concurrency check.
func (s *Service) UpdateState(workflowID string, updates []workflow.StateUpdate, expectedVersion int64) (*workflow.StateView, error) {
	normalized := make([]workflow.StateUpdate, len(updates))
	for i, u := range updates {
		if rest, ok := strings.CutPrefix(u.Path, "raw."); ok {
			u.Path = "state." + rest
		}
		normalized[i] = u
	}
	return s.engine.States().Update(workflowID, normalized, expectedVersion)
}

// ErrorDetail is the wire form of an engine error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	StepID  string `json:"step_id,omitempty"`
	Path    string `json:"path,omitempty"`
}

// ErrorBody wraps every failed operation as {"error": {...}}.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// WrapError converts any error into the wire form. Errors without a code
// are classified as constraint violations.
func WrapError(err error) ErrorBody {
	werr := workflow.AsError(err, workflow.CodeConstraintViolation)
	return ErrorBody{Error: ErrorDetail{
		Code:    string(werr.Code),
		Message: werr.Message,
		StepID:  werr.StepID,
		Path:    werr.Path,
	}}
}
