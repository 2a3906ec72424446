package ledger

import "errors"

// ErrAttemptActive is returned by BeginAttempt when a live running row
// already exists for the same (document, stage, chunk) key. Callers must
// treat this as "already in progress, do not duplicate".
var ErrAttemptActive = errors.New("attempt already running for key")

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")
