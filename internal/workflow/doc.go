// Package workflow owns the daemon's background processing loop. The
// manager polls the ledger for runnable documents, dispatches each through
// the engine, and reclaims work abandoned by crashed processes so no
// document stays stuck in a running state forever.
package workflow
