package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stepflow-go/stepflow/pkg/loader"
)

var validateCmd = &cobra.Command{
	Use:   "validate <workflow-file>...",
	Short: "Validate workflow definition files without running them",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var failed int
		for _, path := range args {
			def, err := loader.LoadFile(path)
			if err != nil {
				fmt.Printf("%s: %v\n", path, err)
				failed++
				continue
			}
			fmt.Printf("%s: ok (%s v%s, %d steps)\n", path, def.Name, def.Version, len(def.Steps))
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d files failed validation", failed, len(args))
		}
		return nil
	},
}
