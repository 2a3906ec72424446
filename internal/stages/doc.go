// Package stages contains the built-in document pipeline: ingest, text
// extraction, layout normalization, chunking, embedding, structured
// extraction, validation, persistence, and audit. Stages communicate only
// through ledger artifacts and chunk rows, never through shared memory, so
// any stage can resume on a fresh process after a crash.
package stages
