// Package engine executes document pipelines against the run ledger.
//
// The engine owns no state of its own: every decision about what to run is
// derived from ledger attempt rows, which is what makes runs resumable after
// a crash. Stages execute in registry order under stage-pool admission;
// fan-out stages split into chunk tasks under chunk-pool admission. Failures
// are classified and either retried with backoff or recorded as terminal,
// leaving completed work untouched.
package engine
