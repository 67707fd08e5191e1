// Package attributes compiles and evaluates user-supplied expr-lang
// expressions against a retired present record, producing custom
// OpenTelemetry attributes for the span that record emits.
package attributes

import (
	"fmt"
	"reflect"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ElysiumPtolemus/presentmon/internal/record"
)

// CustomAttribute names a span attribute and the expression that produces
// its value, generalized from the teacher's config.CustomAttribute (there
// sourced from process env/args; here sourced from a present record).
type CustomAttribute struct {
	Name       string
	Expression string
}

// Evaluator holds the precompiled programs for a set of custom attributes.
type Evaluator struct {
	customAttrs   []CustomAttribute
	compiledExprs []*vm.Program
	logger        *zap.Logger
}

// presentEnv returns the expr-lang evaluation environment for p: the
// fields a custom attribute expression can reference, mirroring the
// output schema's own field set (spec.md section 6) rather than the
// internal Present struct verbatim.
func presentEnv(p *record.Present) map[string]interface{} {
	return map[string]interface{}{
		"process_id":     p.ProcessID,
		"thread_id":      p.ThreadID,
		"swap_chain":     p.SwapChainAddress,
		"runtime":        int(p.Runtime),
		"present_mode":   p.Classification.String(),
		"sync_interval":  p.SyncInterval,
		"present_flags":  p.PresentFlags,
		"dropped":        p.Dropped(),
		"allows_tearing": p.AllowsTearing(),
		"was_batched":    p.Flags.Has(record.FlagMMIO),
		"final_state":    int(p.Final),
	}
}

// NewEvaluator pre-compiles every custom attribute expression against a
// representative environment, so malformed expressions are rejected at
// startup rather than at the first retired present. A nil logger disables
// the per-expression evaluation-failure warning.
func NewEvaluator(customAttrs []CustomAttribute, logger *zap.Logger) (*Evaluator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	exprEnv := presentEnv(&record.Present{})

	compiledExprs := make([]*vm.Program, len(customAttrs))
	for i, attr := range customAttrs {
		program, err := expr.Compile(attr.Expression, expr.Env(exprEnv))
		if err != nil {
			return nil, fmt.Errorf("failed to compile expression for attribute %q: %w", attr.Name, err)
		}
		compiledExprs[i] = program
	}

	return &Evaluator{
		customAttrs:   customAttrs,
		compiledExprs: compiledExprs,
		logger:        logger,
	}, nil
}

// EvaluateCustomAttributes runs every compiled expression against p and
// returns the resulting OpenTelemetry attributes. A map-valued result is
// expanded into one attribute per key, dot-joined with the attribute name.
func (e *Evaluator) EvaluateCustomAttributes(p *record.Present) ([]attribute.KeyValue, error) {
	if len(e.customAttrs) == 0 {
		return nil, nil
	}
	if p == nil {
		return nil, nil
	}

	env := presentEnv(p)

	var attrs []attribute.KeyValue
	for i, customAttr := range e.customAttrs {
		output, err := expr.Run(e.compiledExprs[i], env)
		if err != nil {
			e.logger.Warn("failed to evaluate custom attribute expression",
				zap.String("attribute", customAttr.Name), zap.Error(err))
			continue
		}

		outputValue := reflect.ValueOf(output)
		if outputValue.Kind() == reflect.Map {
			for _, key := range outputValue.MapKeys() {
				keyStr := fmt.Sprintf("%v", key.Interface())
				sanitizedKey := sanitizeAttributeName(keyStr)
				attrName := customAttr.Name + "." + sanitizedKey

				value := outputValue.MapIndex(key).Interface()
				valueReflect := reflect.ValueOf(value)
				if valueReflect.Kind() == reflect.Map || valueReflect.Kind() == reflect.Slice || valueReflect.Kind() == reflect.Array {
					attrs = append(attrs, attribute.String(attrName, fmt.Sprintf("%v", value)))
				} else {
					attrs = append(attrs, attribute.String(attrName, fmt.Sprint(value)))
				}
			}
		} else {
			attrs = append(attrs, attribute.String(customAttr.Name, fmt.Sprint(output)))
		}
	}

	return attrs, nil
}

// sanitizeAttributeName replaces non-alphanumeric characters with
// underscores so map-expanded keys are safe OpenTelemetry attribute names.
func sanitizeAttributeName(name string) string {
	result := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' {
			result[i] = c
		} else {
			result[i] = '_'
		}
	}
	return string(result)
}
