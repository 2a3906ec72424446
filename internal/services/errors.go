package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTransient marks failures worth retrying: network faults, rate
	// limiting, provider hiccups.
	ErrTransient = errors.New("transient failure")
	// ErrTimeout marks a per-attempt timeout. Timeouts are a retryable
	// subtype of transient failures.
	ErrTimeout = errors.New("timeout")
	// ErrPermanentInput marks malformed input to a stage. Never retried.
	ErrPermanentInput = errors.New("permanent input error")
	// ErrContractViolation marks a stage invoked without a required prior
	// artifact, or returning something the engine cannot accept. Fatal for
	// the document and surfaced verbatim.
	ErrContractViolation = errors.New("contract violation")
	// ErrLedgerConsistency marks an impossible ledger transition. Fatal.
	// The engine halts the document rather than guess.
	ErrLedgerConsistency = errors.New("ledger consistency error")
)

// Kind is the classified failure category recorded in the ledger.
type Kind string

const (
	KindTransient         Kind = "transient"
	KindTimeout           Kind = "timeout"
	KindPermanentInput    Kind = "permanent_input"
	KindContractViolation Kind = "contract_violation"
	KindLedgerConsistency Kind = "ledger_consistency"
	KindUnknown           Kind = "unknown"
)

// Wrap builds an error message that includes stage context while tagging it
// with the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Classify maps an error to its failure kind. Context deadline expiry is
// folded into the timeout kind so engine-enforced attempt timeouts classify
// correctly without stages wrapping them.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrTransient):
		return KindTransient
	case errors.Is(err, ErrPermanentInput):
		return KindPermanentInput
	case errors.Is(err, ErrContractViolation):
		return KindContractViolation
	case errors.Is(err, ErrLedgerConsistency):
		return KindLedgerConsistency
	default:
		return KindUnknown
	}
}

// IsRetryable reports whether a failure should be handed to the retry
// coordinator. Only transient failures (timeouts included) qualify; unknown
// errors are treated as permanent so bugs surface instead of looping.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case KindTransient, KindTimeout:
		return true
	default:
		return false
	}
}

// IsFatal reports whether a failure must halt the document entirely rather
// than fail the single stage.
func IsFatal(err error) bool {
	switch Classify(err) {
	case KindContractViolation, KindLedgerConsistency:
		return true
	default:
		return false
	}
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
