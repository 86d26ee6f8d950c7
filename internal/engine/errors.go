package engine

import (
	"errors"
	"fmt"
)

// The error taxonomy mirrors how failures propagate: role violations,
// invalid transitions and validation failures are local synchronous
// rejections with no side effects; collaborator failures are retryable
// and leave project status unchanged; integrity failures are fatal to
// trust in a project's history and halt automated custody actions.

// RoleError rejects an action attempted by the wrong party.
type RoleError struct {
	Required string
	Actual   string
}

func (e *RoleError) Error() string {
	return fmt.Sprintf("only the %s may perform this action (you are %s)", e.Required, orNone(e.Actual))
}

// TransitionError rejects an event with no defined transition from the
// current state. The state is surfaced for debugging.
type TransitionError struct {
	State string
	Kind  string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("event %q is not valid in state %q", e.Kind, e.State)
}

// ValidationError rejects malformed input: bad amounts, address format,
// milestone sum mismatches. Constraint names the rule violated.
type ValidationError struct {
	Constraint string
	Msg        string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Constraint, e.Msg)
}

// ActiveProjectError rejects re-initialization while a project is in
// active engagement, naming the counterparty.
type ActiveProjectError struct {
	Counterparty string
}

func (e *ActiveProjectError) Error() string {
	return fmt.Sprintf("active project in progress with @%s; finish or cancel it before switching roles", e.Counterparty)
}

// CollaboratorError reports an external call failure as retryable; the
// project and milestone statuses are left unchanged.
type CollaboratorError struct {
	Op  string
	Err error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("external %s failed (retry later): %v", e.Op, e.Err)
}

func (e *CollaboratorError) Unwrap() error { return e.Err }

// IntegrityError reports a broken ledger chain. It is never
// auto-corrected and blocks further automated fund/release actions.
type IntegrityError struct {
	ProjectID string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("ledger chain for project %s failed verification; manual review required", e.ProjectID)
}

// IsRetryable reports whether err is a collaborator failure the actor
// may simply retry.
func IsRetryable(err error) bool {
	var ce *CollaboratorError
	return errors.As(err, &ce)
}

func orNone(s string) string {
	if s == "" {
		return "unassigned"
	}
	return s
}
