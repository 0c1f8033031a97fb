package models

import (
	"errors"
	"fmt"
)

// ErrViolation matches every *Violation via errors.Is.
var ErrViolation = errors.New("invariant violation")

// Violation codes returned to callers when an operation is rejected before any write.
const (
	CodeTaskNotFound               = "TASK_NOT_FOUND"
	CodeTaskTerminal               = "TASK_TERMINAL"
	CodeIllegalTransition          = "ILLEGAL_TRANSITION"
	CodeDependenciesUnmet          = "TASK_DEPENDENCIES_UNMET"
	CodeCompletionNotByOwner       = "COMPLETION_NOT_BY_OWNER"
	CodeSelfValidation             = "SELF_VALIDATION"
	CodeReviewStateInvalid         = "REVIEW_STATE_INVALID"
	CodeReviewNotAssignedValidator = "REVIEW_NOT_ASSIGNED_VALIDATOR"
	CodeAcceptWithoutPassingReview = "ACCEPT_WITHOUT_PASSING_REVIEW"
	CodePhaseOrder                 = "PHASE_ORDER_VIOLATION"
	CodeDiscoverySourceMissing     = "DISCOVERY_SOURCE_MISSING"
	CodeDiscoveryNotFound          = "DISCOVERY_NOT_FOUND"
	CodeDiscoveryCategoryInvalid   = "DISCOVERY_CATEGORY_INVALID"
	CodeDiscoveryParentMismatch    = "DISCOVERY_PARENT_MISMATCH"
	CodeDiscoveryResolved          = "DISCOVERY_RESOLVED"
	CodeInterventionNotFound       = "INTERVENTION_NOT_FOUND"
	CodeInterventionAttempted      = "INTERVENTION_ALREADY_ATTEMPTED"
	CodeInterventionTargetMissing  = "INTERVENTION_TARGET_MISSING"
	CodeSnapshotImmutable          = "SNAPSHOT_IMMUTABLE"
	CodeInvalidArgument            = "INVALID_ARGUMENT"
)

// Violation is a structural invariant violation. It is fatal to one operation only.
type Violation struct {
	// Code is the stable identifier of the violated invariant.
	Code string
	// Entity is the kind of record involved, e.g. "task".
	Entity string
	// EntityID identifies the record, when known.
	EntityID string
	// Detail is a human-readable explanation.
	Detail string
}

func (v *Violation) Error() string {
	if v.EntityID != "" {
		return fmt.Sprintf("%s: %s %s: %s", v.Code, v.Entity, v.EntityID, v.Detail)
	}
	return fmt.Sprintf("%s: %s: %s", v.Code, v.Entity, v.Detail)
}

// Is lets errors.Is(err, ErrViolation) match any violation.
func (v *Violation) Is(target error) bool {
	return target == ErrViolation
}

// Violate builds a Violation with a formatted detail message.
func Violate(code, entity, id, format string, args ...any) *Violation {
	return &Violation{Code: code, Entity: entity, EntityID: id, Detail: fmt.Sprintf(format, args...)}
}

// ViolationCode returns the violation code carried by err, or "" if err is not a violation.
func ViolationCode(err error) string {
	var v *Violation
	if errors.As(err, &v) {
		return v.Code
	}
	return ""
}
