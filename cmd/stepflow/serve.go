package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/stepflow-go/stepflow/pkg/api"
	"github.com/stepflow-go/stepflow/pkg/engine"
	"github.com/stepflow-go/stepflow/pkg/log"
	"github.com/stepflow-go/stepflow/pkg/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the workflow API as an MCP server over stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		eng := engine.New(cfg.Engine.ToEngine())
		svc := api.NewService(eng, cfg.WorkflowDir)

		if cfg.Scheduler.Enabled {
			sched := scheduler.New(eng, cfg.Scheduler.MaxConcurrent)
			sched.Start()
			defer sched.Stop()
		}

		log.Info("serving MCP over stdio", "workflow_dir", cfg.WorkflowDir)
		return api.ServeStdio(ctx, svc, version)
	},
}
