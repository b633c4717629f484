// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict (optimistic versioning).
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrValidation indicates the input failed validation.
var ErrValidation = errors.New("validation failed")

// ErrForbidden indicates the caller lacks the permission for an operation.
var ErrForbidden = errors.New("forbidden")

// ErrInvalidState indicates the operation is not allowed in the entity's current state.
var ErrInvalidState = errors.New("invalid state")

// ErrContractViolation indicates an external collaborator (stage or quality gate)
// returned an ill-formed result. It is always fatal for the run.
var ErrContractViolation = errors.New("contract violation")
