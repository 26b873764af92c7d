package state

import "github.com/stepflow-go/stepflow/pkg/workflow"

// ValidateSchema checks a computed-field schema without building a store, so
// the loader can reject cyclic graphs at load time.
func ValidateSchema(schema workflow.StateSchema) error {
	_, err := buildDepGraph(schema)
	return err
}
