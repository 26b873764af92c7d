// Package template materializes authored step definitions by substituting
// {{ expr }} occurrences with values evaluated against a scope. It is not a
// templating language: only expression interpolation is supported.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/stepflow-go/stepflow/pkg/expr"
)

var placeholderRe = regexp.MustCompile(`\{\{(.*?)\}\}`)

// Replacer walks JSON-shaped values replacing {{ expr }} placeholders.
type Replacer struct {
	eval *expr.Evaluator
}

// NewReplacer creates a replacer backed by the given evaluator.
func NewReplacer(eval *expr.Evaluator) *Replacer {
	return &Replacer{eval: eval}
}

// ExtractExpression returns the inner expression when s is exactly one
// "{{ expr }}" with no surrounding text, otherwise s unchanged. Conditions
// are authored in either form.
func ExtractExpression(s string) string {
	trimmed := strings.TrimSpace(s)
	m := placeholderRe.FindStringSubmatch(trimmed)
	if m != nil && m[0] == trimmed {
		return strings.TrimSpace(m[1])
	}
	return s
}

// ReplaceValue walks any JSON-shaped value, substituting placeholders in
// every string it contains. Maps and slices are copied, never mutated.
func (r *Replacer) ReplaceValue(v interface{}, scope map[string]interface{}) (interface{}, error) {
	switch val := v.(type) {
	case string:
		return r.ReplaceString(val, scope)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			replaced, err := r.ReplaceValue(item, scope)
			if err != nil {
				return nil, err
			}
			out[k] = replaced
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			replaced, err := r.ReplaceValue(item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = replaced
		}
		return out, nil
	default:
		return v, nil
	}
}

// ReplaceString substitutes every {{ expr }} occurrence in s. When s is
// exactly one placeholder the evaluated value keeps its type; with
// surrounding text every substitution is coerced to string. Unresolved
// references render as <path> placeholders so missing inputs stay visible
// to the caller instead of failing the workflow.
func (r *Replacer) ReplaceString(s string, scope map[string]interface{}) (interface{}, error) {
	matches := placeholderRe.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	// Whole-string placeholder preserves the value's type.
	if len(matches) == 1 && strings.TrimSpace(s) == s[matches[0][0]:matches[0][1]] && matches[0][0] == 0 {
		source := strings.TrimSpace(s[matches[0][2]:matches[0][3]])
		value, resolved, err := r.evaluate(source, scope)
		if err != nil {
			return nil, err
		}
		if !resolved {
			return "<" + source + ">", nil
		}
		return value, nil
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		source := strings.TrimSpace(s[m[2]:m[3]])
		value, resolved, err := r.evaluate(source, scope)
		if err != nil {
			return nil, err
		}
		if !resolved {
			b.WriteString("<" + source + ">")
		} else {
			b.WriteString(stringify(value))
		}
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

// evaluate runs one placeholder expression. The bool result reports whether
// the reference resolved; reference errors and undefined results both count
// as unresolved.
func (r *Replacer) evaluate(source string, scope map[string]interface{}) (interface{}, bool, error) {
	res, err := r.eval.Eval(source, scope)
	if err != nil {
		if ee, ok := err.(*expr.Error); ok && ee.Kind == expr.KindReference {
			return nil, false, nil
		}
		return nil, false, err
	}
	if res.Undefined {
		return nil, false, nil
	}
	return res.Value, true, nil
}

func stringify(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case map[string]interface{}, []interface{}:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	default:
		return fmt.Sprintf("%v", val)
	}
}
