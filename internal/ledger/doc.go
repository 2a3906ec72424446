// Package ledger persists the run ledger and document registry in SQLite.
//
// The ledger is the single source of truth for idempotency and recovery:
// every stage or chunk execution is one append-only attempt row, running
// attempts are exclusive per (document, stage, chunk) key through a
// conditional insert, and stage-terminal writes commit together with the
// document's current-stage pointer. Abandoned running rows (heartbeat past
// its timeout) never block a fresh attempt.
package ledger
