// Package telemetry wires the ambient logging and the optional OpenTelemetry
// span sink on top of the consumer's output queues: a pure drain-and-emit
// step, not part of the core state machine (spec.md section 1 places
// output consumers out of scope; this is one such consumer).
package telemetry

import (
	"go.uber.org/zap"
)

// NewLogger builds the process-wide structured logger. Debug builds get
// development defaults (console encoding, debug level); release builds get
// the production JSON encoder, matching the split the teacher's own
// command-line entry points make between a verbose and a quiet mode.
func NewLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
