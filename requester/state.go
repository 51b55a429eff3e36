// Package requester implements the per-artifact Requester state machine
// (C3, C4, spec.md §3-§4.2): check -> download -> validate -> publish,
// with the service and URL variants, update proposal/commit, and
// exponential back-off.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package requester

import "github.com/pkg/errors"

// State is the Requester's lifecycle position (spec.md §3).
type State int

const (
	StateInit State = iota
	StateRequesting
	StateDownloading
	StateInvalid
	StateLoaded
)

func (s State) String() string {
	switch s {
	case StateRequesting:
		return "REQUESTING"
	case StateDownloading:
		return "DOWNLOADING"
	case StateInvalid:
		return "INVALID"
	case StateLoaded:
		return "LOADED"
	default:
		return "INIT"
	}
}

// Priority is the total order UNUSED < LIKELY_TO_BE_ACTIVE <
// PENDING_ACTIVATION < ACTIVE (spec.md §3). Only these four values are
// valid; the bus write-validator rejects anything else.
type Priority int

const (
	PriorityUnused Priority = iota
	PriorityLikelyToBeActive
	PriorityPendingActivation
	PriorityActive
)

func (p Priority) String() string {
	switch p {
	case PriorityLikelyToBeActive:
		return "LIKELY_TO_BE_ACTIVE"
	case PriorityPendingActivation:
		return "PENDING_ACTIVATION"
	case PriorityActive:
		return "ACTIVE"
	default:
		return "UNUSED"
	}
}

func IsValidPriority(p Priority) bool {
	return p >= PriorityUnused && p <= PriorityActive
}

// Protected reports whether eviction must never remove a Requester
// currently at this priority (spec.md §3, Glossary "Protected priority").
func (p Priority) Protected() bool {
	return p == PriorityActive || p == PriorityPendingActivation
}

// validatePriority backs the bus-exposed _Priority property, which
// carries the enum as a plain int (spec.md §6); it rejects anything
// outside the four defined values.
func validatePriority(v interface{}) error {
	n, ok := v.(int)
	if !ok {
		return errors.Errorf("priority: value %v is not an int", v)
	}
	if !IsValidPriority(Priority(n)) {
		return errors.Errorf("priority: %d is not one of the four defined priorities", n)
	}
	return nil
}
