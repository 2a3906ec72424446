// Package logging wraps log/slog with the constructors, typed attribute
// helpers, and context enrichment used across docpipe. Loggers carry
// document, stage, chunk, and correlation fields pulled from context so
// every record produced inside an attempt is traceable to its ledger row.
package logging
