// Package services defines shared utilities consumed by the pipeline engine
// and the stage implementations.
//
// Key responsibilities:
//   - Context helpers that stamp document IDs, stage names, chunk IDs, and
//     correlation identifiers for logging and tracing.
//   - The failure taxonomy (transient, timeout, permanent input, contract
//     violation, ledger consistency) plus the Wrap helper that tags errors
//     for classification by the retry coordinator.
//
// Use these helpers when wiring new stage logic so operational behaviour
// (error handling, observability, retries) stays uniform across the pipeline.
package services
