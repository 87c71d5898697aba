package bpmn

import (
	"fmt"
	"strings"
)

// evaluateExpression runs an expression against the given variable context.
// Expressions are marked by a leading "="; anything else is treated as a
// constant, following the convention of the source models.
func (engine *Engine) evaluateExpression(expression string, variableContext map[string]interface{}) (interface{}, error) {
	expression = strings.TrimSpace(expression)
	if !strings.HasPrefix(expression, "=") {
		return expression, nil
	}
	expression = strings.TrimPrefix(expression, "=")
	res, err := engine.evaluator.Evaluate(expression, variableContext)
	if err != nil {
		return nil, &ExpressionEvaluationError{
			Msg: fmt.Sprintf("failed to evaluate expression %q", expression),
			Err: err,
		}
	}
	return res, nil
}

// evaluateBooleanExpression is evaluateExpression for conditions; a non-bool
// result is a configuration error.
func (engine *Engine) evaluateBooleanExpression(expression string, variableContext map[string]interface{}) (bool, error) {
	out, err := engine.evaluateExpression(expression, variableContext)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, &ExpressionEvaluationError{
			Msg: fmt.Sprintf("expression %q did not evaluate to a boolean, got %T", expression, out),
		}
	}
	return b, nil
}
