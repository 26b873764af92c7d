// Package expr evaluates the restricted JavaScript-flavored expression
// dialect used by workflow conditions, computed transforms and template
// interpolation. Expressions are single JS expressions with safe navigation:
// dereferencing a missing value yields undefined instead of throwing.
//
// The dialect forbids eval, Function, require, import, process, global,
// window, assignments and statements; violations are rejected when the
// expression is compiled, not when it runs. Regular expressions are
// supported as literals or string patterns.
package expr

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
)

// Kind classifies evaluation failures.
type Kind string

const (
	KindSyntax    Kind = "SyntaxError"
	KindType      Kind = "TypeError"
	KindReference Kind = "ReferenceError"
)

// Error is the typed failure returned by the evaluator.
type Error struct {
	Kind       Kind   `json:"kind"`
	Message    string `json:"message"`
	Expression string `json:"expression"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s in %q", e.Kind, e.Message, e.Expression)
}

// Result is the outcome of a successful evaluation.
type Result struct {
	// Value is the exported Go value. Undefined results export as nil.
	Value interface{}
	// Undefined reports whether the expression evaluated to undefined.
	Undefined bool
	// Truthy is the JavaScript truthiness of the result.
	Truthy bool
}

// Evaluator compiles and runs expressions. Compiled programs are cached and
// safe for concurrent use; each evaluation gets a fresh runtime so scopes
// never leak between calls.
type Evaluator struct {
	mu       sync.RWMutex
	programs map[string]*compiled
	timeout  time.Duration
}

type compiled struct {
	prog   *goja.Program
	idents []string
}

// DefaultTimeout bounds a single expression evaluation.
const DefaultTimeout = 1 * time.Second

// New creates an evaluator with the default evaluation timeout.
func New() *Evaluator {
	return NewWithTimeout(DefaultTimeout)
}

// NewWithTimeout creates an evaluator with a custom evaluation timeout.
func NewWithTimeout(timeout time.Duration) *Evaluator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Evaluator{
		programs: make(map[string]*compiled),
		timeout:  timeout,
	}
}

// Compile validates an expression without running it. It returns the typed
// syntax error for forbidden constructs or malformed sources.
func (e *Evaluator) Compile(src string) error {
	_, err := e.compile(src)
	return err
}

func (e *Evaluator) compile(src string) (*compiled, error) {
	e.mu.RLock()
	c, ok := e.programs[src]
	e.mu.RUnlock()
	if ok {
		return c, nil
	}

	trimmed := strings.TrimSpace(src)
	if trimmed == "" {
		return nil, &Error{Kind: KindSyntax, Message: "empty expression", Expression: src}
	}

	scanned, err := scanExpression(trimmed)
	if err != nil {
		return nil, err
	}

	// Wrapping in parentheses forces expression context: statements fail to
	// parse and multi-expression sources are rejected by the scanner.
	prog, cerr := goja.Compile("<expression>", "("+scanned.rewritten+")", true)
	if cerr != nil {
		return nil, &Error{Kind: KindSyntax, Message: cerr.Error(), Expression: src}
	}

	c = &compiled{prog: prog, idents: scanned.idents}
	e.mu.Lock()
	e.programs[src] = c
	e.mu.Unlock()
	return c, nil
}

// Eval evaluates src against scope. Scope entries become globals of the
// runtime; identifiers the expression references but the scope does not
// define are bound to undefined.
func (e *Evaluator) Eval(src string, scope map[string]interface{}) (Result, error) {
	c, err := e.compile(src)
	if err != nil {
		return Result{}, err
	}

	vm := goja.New()
	for name, value := range scope {
		if err := vm.Set(name, value); err != nil {
			return Result{}, &Error{Kind: KindType, Message: fmt.Sprintf("cannot bind %s: %v", name, err), Expression: src}
		}
	}
	for _, name := range c.idents {
		if _, ok := scope[name]; !ok {
			if err := vm.Set(name, goja.Undefined()); err != nil {
				return Result{}, &Error{Kind: KindType, Message: fmt.Sprintf("cannot bind %s: %v", name, err), Expression: src}
			}
		}
	}

	timer := time.AfterFunc(e.timeout, func() {
		vm.Interrupt("expression evaluation timed out")
	})
	defer timer.Stop()

	v, rerr := vm.RunProgram(c.prog)
	if rerr != nil {
		return Result{}, classify(rerr, src)
	}

	res := Result{
		Undefined: goja.IsUndefined(v),
		Truthy:    v.ToBoolean(),
	}
	if !res.Undefined {
		res.Value = v.Export()
	}
	return res, nil
}

// EvalBool evaluates src and returns its JavaScript truthiness.
func (e *Evaluator) EvalBool(src string, scope map[string]interface{}) (bool, error) {
	res, err := e.Eval(src, scope)
	if err != nil {
		return false, err
	}
	return res.Truthy, nil
}

func classify(err error, src string) *Error {
	var exc *goja.Exception
	if ok := asException(err, &exc); ok {
		msg := exc.Value().String()
		kind := KindType
		if strings.HasPrefix(msg, "ReferenceError") {
			kind = KindReference
		} else if strings.HasPrefix(msg, "SyntaxError") {
			kind = KindSyntax
		}
		return &Error{Kind: kind, Message: msg, Expression: src}
	}
	if _, ok := err.(*goja.InterruptedError); ok {
		return &Error{Kind: KindType, Message: "expression evaluation timed out", Expression: src}
	}
	return &Error{Kind: KindType, Message: err.Error(), Expression: src}
}

func asException(err error, target **goja.Exception) bool {
	if exc, ok := err.(*goja.Exception); ok {
		*target = exc
		return true
	}
	return false
}
