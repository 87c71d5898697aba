// Package script hosts the expression evaluator runtimes. The engine itself
// never assumes an expression grammar; it consumes the Evaluator contract
// and the js sub-package provides the default goja-backed implementation.
package script

// Evaluator evaluates an expression against a variable scope.
type Evaluator interface {
	Evaluate(expression string, variableContext map[string]any) (any, error)
}
