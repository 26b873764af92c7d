package workflow

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// UnmarshalYAML decodes the authored step form: id and type alongside the
// per-type fields, which all land in Definition.
func (s *Step) UnmarshalYAML(value *yaml.Node) error {
	var m map[string]interface{}
	if err := value.Decode(&m); err != nil {
		return err
	}
	step, err := stepFromMap(m)
	if err != nil {
		return err
	}
	*s = step
	return nil
}

// StepsFromAny converts a nested step list (as parsed from YAML/JSON, or
// already-typed steps) into []Step. Step maps carry id and type alongside
// their per-type fields; everything else lands in Definition.
func StepsFromAny(v interface{}) ([]Step, error) {
	switch list := v.(type) {
	case nil:
		return nil, nil
	case []Step:
		return list, nil
	case []interface{}:
		steps := make([]Step, 0, len(list))
		for i, item := range list {
			switch s := item.(type) {
			case Step:
				steps = append(steps, s)
			case map[string]interface{}:
				step, err := stepFromMap(s)
				if err != nil {
					return nil, fmt.Errorf("step %d: %w", i, err)
				}
				steps = append(steps, step)
			default:
				return nil, fmt.Errorf("step %d is not an object", i)
			}
		}
		return steps, nil
	default:
		return nil, fmt.Errorf("expected a step list, got %T", v)
	}
}

func stepFromMap(m map[string]interface{}) (Step, error) {
	step := Step{Definition: make(map[string]interface{}, len(m))}
	for k, v := range m {
		switch k {
		case "id":
			s, ok := v.(string)
			if !ok {
				return Step{}, fmt.Errorf("step id must be a string")
			}
			step.ID = s
		case "type":
			s, ok := v.(string)
			if !ok {
				return Step{}, fmt.Errorf("step type must be a string")
			}
			step.Type = s
		case "definition":
			// Nested definition form: {id, type, definition: {...}}.
			if def, ok := v.(map[string]interface{}); ok {
				for dk, dv := range def {
					step.Definition[dk] = dv
				}
			}
		default:
			step.Definition[k] = v
		}
	}
	if step.Type == "" {
		return Step{}, fmt.Errorf("step is missing a type")
	}
	return step, nil
}

// UpdatesFromStep extracts the inline state_update / state_updates carried
// by a step definition, in declaration order.
func UpdatesFromStep(def map[string]interface{}) ([]StateUpdate, error) {
	var updates []StateUpdate
	if raw, ok := def["state_update"]; ok {
		u, err := updateFromAny(raw)
		if err != nil {
			return nil, err
		}
		updates = append(updates, u)
	}
	if raw, ok := def["state_updates"]; ok {
		list, ok := raw.([]interface{})
		if !ok {
			return nil, fmt.Errorf("state_updates must be an array")
		}
		for _, item := range list {
			u, err := updateFromAny(item)
			if err != nil {
				return nil, err
			}
			updates = append(updates, u)
		}
	}
	return updates, nil
}

func updateFromAny(v interface{}) (StateUpdate, error) {
	switch u := v.(type) {
	case StateUpdate:
		return u, nil
	case map[string]interface{}:
		path, _ := u["path"].(string)
		if path == "" {
			return StateUpdate{}, fmt.Errorf("state update is missing a path")
		}
		op, _ := u["operation"].(string)
		return StateUpdate{Path: path, Operation: op, Value: u["value"]}, nil
	default:
		return StateUpdate{}, fmt.Errorf("state update must be an object")
	}
}

// GetString reads an optional string field from a step definition.
func GetString(def map[string]interface{}, key string) string {
	s, _ := def[key].(string)
	return s
}

// GetInt reads an optional integer field, tolerating the numeric types the
// parsers produce.
func GetInt(def map[string]interface{}, key string, fallback int) int {
	switch n := def[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return fallback
	}
}

// GetBool reads an optional boolean field.
func GetBool(def map[string]interface{}, key string, fallback bool) bool {
	if b, ok := def[key].(bool); ok {
		return b
	}
	return fallback
}

// GetDuration reads a field expressed in seconds.
func GetDuration(def map[string]interface{}, key string, fallback time.Duration) time.Duration {
	switch n := def[key].(type) {
	case int:
		return time.Duration(n) * time.Second
	case int64:
		return time.Duration(n) * time.Second
	case float64:
		return time.Duration(n * float64(time.Second))
	default:
		return fallback
	}
}
