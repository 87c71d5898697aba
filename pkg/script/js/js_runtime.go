// Package js implements the Evaluator contract on top of goja. Expressions
// are plain JavaScript evaluated with the variable scope bound as globals.
package js

import (
	"context"
	"fmt"

	"github.com/dop251/goja"
	"github.com/flowmill/flowmill/pkg/script"
)

type JsRunnerFactory struct {
}

func (JsRunnerFactory) NewRunner() script.Runner {
	return newJsRunner()
}

type JsRuntime struct {
	pool *script.RunnerPool
}

var _ script.Evaluator = &JsRuntime{}

func NewJsRuntime(ctx context.Context, maxVmPoolSize int, minVmPoolSize int) *JsRuntime {
	return &JsRuntime{
		pool: script.NewRunnerPool(ctx, JsRunnerFactory{}, maxVmPoolSize, minVmPoolSize),
	}
}

func (r *JsRuntime) Evaluate(expression string, variableContext map[string]any) (any, error) {
	runner := r.pool.GetRunnerFromPool()
	defer r.pool.ReturnRunnerToPool(runner)

	return runner.(*JsRunner).evaluate(expression, variableContext)
}

type JsRunner struct {
	vm *goja.Runtime
}

func (r *JsRunner) Runner() {}

func newJsRunner() *JsRunner {
	return &JsRunner{vm: goja.New()}
}

func (r *JsRunner) evaluate(expression string, variableContext map[string]any) (any, error) {
	for k, v := range variableContext {
		if err := r.vm.Set(k, v); err != nil {
			return nil, fmt.Errorf("error binding variable %q: %w", k, err)
		}
	}
	defer func() {
		// unbind so a pooled VM cannot leak scope between evaluations
		for k := range variableContext {
			_ = r.vm.GlobalObject().Delete(k)
		}
	}()

	resp, err := r.vm.RunString(expression)
	if err != nil {
		return nil, fmt.Errorf("error evaluating expression %q: %w", expression, err)
	}
	return resp.Export(), nil
}
