// Package attributes provides expression evaluation for custom span
// attributes, evaluated against a retired present record using the expr
// language.
//
// Evaluator compiles each configured expression once at startup and runs
// it once per retired present. A map-valued expression result is expanded
// into one attribute per key, dot-joined with the attribute's own name.
package attributes
