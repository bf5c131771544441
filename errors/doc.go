// Package errors provides standardized error handling for the telemetry pipeline.
//
// # Overview
//
// The package implements a three-class error classification system:
// Transient (temporary, retryable), Invalid (bad input, non-retryable), and
// Fatal (unrecoverable, stop processing). Classification enables intelligent
// error handling throughout the pipeline without hardcoded error string
// matching, and integrates with Go's standard errors.Is/As/Unwrap chains.
//
// # Error Wrapping Pattern
//
// All error wrapping follows the standardized format:
//
//	"component.method: action failed: %w"
//
// Three wrapper functions provide classification-aware wrapping:
//
//	errors.WrapTransient(err, "Component", "Method", "action")  // For retryable errors
//	errors.WrapInvalid(err, "Component", "Method", "action")    // For validation errors
//	errors.WrapFatal(err, "Component", "Method", "action")      // For unrecoverable errors
//
// The generic Wrap() preserves the original error's classification.
//
// # Pipeline Error Taxonomy
//
// Per-message processing failures use the standard variables:
//
//   - ErrMalformedResult: preprocessing output missing params/payload
//   - ErrInvalidTags, ErrInvalidTime, ErrInvalidPayload: validation failures
//   - ErrNoRuleFound: no matching static rule for (tags, time)
//   - ErrDecodeFailed: decoder-reported failure or undefined result
//   - ErrMissingColumn: row/column-name length mismatch
//   - ErrDestinationNotFound, ErrWriteFailed: sink-level failures
//
// All per-message errors are caught at the message-handler boundary; the
// handler decides between error-subject redirection, redelivery suppression,
// and unacknowledged redelivery based on source configuration.
package errors
