// Package scheduler starts workflows on cron schedules. A job binds a cron
// expression to a workflow definition and fixed inputs; fired runs are driven
// to completion in-process, with emitted client steps acknowledged and
// logged.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"

	"github.com/stepflow-go/stepflow/pkg/engine"
	"github.com/stepflow-go/stepflow/pkg/log"
	"github.com/stepflow-go/stepflow/pkg/workflow"
)

// Job is the public view of one scheduled trigger.
type Job struct {
	ID             string                 `json:"id"`
	Schedule       string                 `json:"schedule"`
	Workflow       string                 `json:"workflow"`
	Description    string                 `json:"description,omitempty"`
	Inputs         map[string]interface{} `json:"inputs,omitempty"`
	Enabled        bool                   `json:"enabled"`
	CreatedAt      time.Time              `json:"created_at"`
	LastRun        *time.Time             `json:"last_run,omitempty"`
	LastWorkflowID string                 `json:"last_workflow_id,omitempty"`
	Runs           int                    `json:"runs"`
	Failures       int                    `json:"failures"`
	LastError      string                 `json:"last_error,omitempty"`
}

type job struct {
	Job
	def   *workflow.Definition
	entry cron.EntryID
}

// Scheduler owns the cron runner and the job table.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	engine  *engine.Engine
	jobs    map[string]*job
	slots   *semaphore.Weighted
	logger  *slog.Logger
	running bool
}

// New creates a scheduler starting workflows on the given engine.
// maxConcurrent bounds simultaneously firing jobs; overlapping fires beyond
// the bound are skipped, not queued.
func New(e *engine.Engine, maxConcurrent int) *Scheduler {
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	parser := cron.NewParser(
		cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)
	return &Scheduler{
		cron:   cron.New(cron.WithParser(parser)),
		engine: e,
		jobs:   make(map[string]*job),
		slots:  semaphore.NewWeighted(int64(maxConcurrent)),
		logger: log.WithModule("scheduler"),
	}
}

// Start begins firing schedules.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.cron.Start()
	s.running = true
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
}

// Stop halts the cron runner and waits for in-flight fires to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// AddJob registers a cron trigger for a workflow definition. The returned
// job ID identifies the trigger in later calls.
func (s *Scheduler) AddJob(schedule string, def *workflow.Definition, inputs map[string]interface{}, description string) (string, error) {
	if def == nil {
		return "", fmt.Errorf("workflow definition is required")
	}

	id := uuid.NewString()
	j := &job{
		Job: Job{
			ID:          id,
			Schedule:    schedule,
			Workflow:    def.Name,
			Description: description,
			Inputs:      inputs,
			Enabled:     true,
			CreatedAt:   time.Now(),
		},
		def: def,
	}

	entry, err := s.cron.AddFunc(schedule, func() { s.fire(id) })
	if err != nil {
		return "", fmt.Errorf("invalid cron expression %q: %w", schedule, err)
	}
	j.entry = entry

	s.mu.Lock()
	s.jobs[id] = j
	s.mu.Unlock()

	s.logger.Info("job registered", "job_id", id, "workflow", def.Name, "schedule", schedule)
	return id, nil
}

// RemoveJob deletes a trigger.
func (s *Scheduler) RemoveJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("unknown job %q", id)
	}
	s.cron.Remove(j.entry)
	delete(s.jobs, id)
	return nil
}

// EnableJob toggles a trigger without removing it.
func (s *Scheduler) EnableJob(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("unknown job %q", id)
	}
	j.Enabled = enabled
	return nil
}

// Jobs lists the registered triggers, oldest first.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j.Job)
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].CreatedAt.Before(jobs[k].CreatedAt) })
	return jobs
}

// RunJob fires a trigger immediately, regardless of its schedule, and
// returns the workflow ID of the started run.
func (s *Scheduler) RunJob(ctx context.Context, id string) (string, error) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("unknown job %q", id)
	}
	return s.run(ctx, j)
}

// fire handles a scheduled trigger: disabled jobs and fires beyond the
// concurrency bound are skipped.
func (s *Scheduler) fire(id string) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	enabled := ok && j.Enabled
	s.mu.Unlock()
	if !enabled {
		return
	}
	if !s.slots.TryAcquire(1) {
		s.logger.Warn("skipping fire, scheduler at concurrency limit", "job_id", id)
		return
	}
	defer s.slots.Release(1)

	if _, err := s.run(context.Background(), j); err != nil {
		s.logger.Error("scheduled run failed", "job_id", id, "error", err)
	}
}

// run starts the job's workflow and drives it to a terminal status. Client
// steps a scheduled run emits have no interactive counterpart; they are
// logged and acknowledged.
func (s *Scheduler) run(ctx context.Context, j *job) (string, error) {
	res, err := s.engine.Start(ctx, j.def, j.Inputs)
	if err != nil {
		s.recordRun(j.ID, "", err)
		return "", err
	}

	for {
		batch, err := s.engine.GetNextStep(ctx, res.WorkflowID)
		if err != nil {
			s.recordRun(j.ID, res.WorkflowID, err)
			return res.WorkflowID, err
		}
		if batch == nil {
			break
		}
		for _, step := range batch.Steps {
			s.logger.Info("acknowledged client step from scheduled run",
				"workflow_id", res.WorkflowID, "step", step.ID, "type", step.Type)
		}
	}
	s.recordRun(j.ID, res.WorkflowID, nil)
	return res.WorkflowID, nil
}

func (s *Scheduler) recordRun(jobID, workflowID string, runErr error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return
	}
	j.LastRun = &now
	j.LastWorkflowID = workflowID
	j.Runs++
	if runErr != nil {
		j.Failures++
		j.LastError = runErr.Error()
	} else {
		j.LastError = ""
	}
}
