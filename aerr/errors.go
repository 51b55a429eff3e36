// Package aerr defines the error kinds surfaced by the asset cache core, per
// the policy table in spec.md §7.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package aerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so that Requesters and the Asset Manager can
// decide whether to retry, surface immediately, or go INVALID.
type Kind int

const (
	KindUnknown Kind = iota
	KindConnectionFailed
	KindCheckFailed
	KindNotFound
	KindUnauthorized
	KindForbidden
	KindChecksumMismatch
	KindUnpackFailure
	KindInsufficientSpace
	KindCatastrophic
)

func (k Kind) String() string {
	switch k {
	case KindConnectionFailed:
		return "ConnectionFailed"
	case KindCheckFailed:
		return "CheckFailed"
	case KindNotFound:
		return "NotFound"
	case KindUnauthorized:
		return "Unauthorized"
	case KindForbidden:
		return "Forbidden"
	case KindChecksumMismatch:
		return "ChecksumMismatch"
	case KindUnpackFailure:
		return "UnpackFailure"
	case KindInsufficientSpace:
		return "InsufficientSpace"
	case KindCatastrophic:
		return "CatastrophicFailure"
	default:
		return "Unknown"
	}
}

// Error wraps an underlying cause with a Kind so that callers can branch on
// retry policy without string-matching.
type Error struct {
	Kind    Kind
	Summary string
	Cause   error
}

func New(kind Kind, summary string, cause error) *Error {
	return &Error{Kind: kind, Summary: summary, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Summary, e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Summary, e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether the download/check pipeline should retry with
// back-off, per spec.md §7's policy column.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindConnectionFailed, KindCheckFailed:
		return true
	default:
		return false
	}
}

// Catastrophic reports whether the failure should drive the Requester
// straight to INVALID without consuming a retry attempt.
func (e *Error) Catastrophic() bool {
	return e.Kind == KindCatastrophic
}

func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindUnknown
}

// KindForStatus classifies an HTTP response status per spec.md §7's
// table: 404 surfaces as NotFound, 401/403 as Unauthorized/Forbidden (none
// of the three retry), any other non-2xx as CheckFailed (retries up to the
// cap, then surfaces on_check_failure).
func KindForStatus(status int) Kind {
	switch status {
	case 404:
		return KindNotFound
	case 401:
		return KindUnauthorized
	case 403:
		return KindForbidden
	default:
		return KindCheckFailed
	}
}
