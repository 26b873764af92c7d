package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stepflow-go/stepflow/pkg/engine"
	"github.com/stepflow-go/stepflow/pkg/loader"
)

var runInputs []string

var runCmd = &cobra.Command{
	Use:   "run <workflow-file>",
	Short: "Run a workflow file to completion, printing client steps as they are emitted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		def, err := loader.LoadFile(args[0])
		if err != nil {
			return err
		}

		inputs := make(map[string]interface{}, len(runInputs))
		for _, pair := range runInputs {
			key, raw, found := cutInput(pair)
			if !found {
				return fmt.Errorf("invalid input %q, expected key=value", pair)
			}
			var value interface{}
			if err := json.Unmarshal([]byte(raw), &value); err != nil {
				value = raw // plain strings need no quoting
			}
			inputs[key] = value
		}

		eng := engine.New(cfg.Engine.ToEngine())
		res, err := eng.Start(cmd.Context(), def, inputs)
		if err != nil {
			return err
		}
		fmt.Printf("started %s (%s)\n", res.WorkflowID, def.Name)

		for {
			batch, err := eng.GetNextStep(cmd.Context(), res.WorkflowID)
			if err != nil {
				return err
			}
			if batch == nil {
				break
			}
			for _, step := range batch.Steps {
				out, _ := json.MarshalIndent(step, "", "  ")
				fmt.Fprintln(os.Stdout, string(out))
			}
		}

		info, err := eng.GetWorkflowStatus(res.WorkflowID, true)
		if err != nil {
			return err
		}
		fmt.Printf("workflow %s: %s\n", res.WorkflowID, info.Status)
		return nil
	},
}

func cutInput(pair string) (key, value string, found bool) {
	for i := 0; i < len(pair); i++ {
		if pair[i] == '=' {
			return pair[:i], pair[i+1:], true
		}
	}
	return "", "", false
}

func init() {
	runCmd.Flags().StringArrayVarP(&runInputs, "input", "i", nil, "workflow input as key=value (value parsed as JSON when possible)")
}
