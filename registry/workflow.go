package registry

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/mcpmessenger/mcp-gateway/mcperr"
)

// Workflow state grammar. The store column stays a free string for forward
// compatibility, but the service boundary only admits names from this closed
// grammar: a CamelCase phase name with a recognized suffix, or one of the
// fixed states. Terminal states release the lock.
var (
	statePattern = regexp.MustCompile(`^[A-Z][A-Za-z0-9]*(Started|InProgress|Completed|Failed)$`)

	fixedStates = map[string]bool{
		WorkflowStateIdle:  true,
		WorkflowStatePlanB: true,
	}
)

// Fixed workflow states.
const (
	WorkflowStateIdle  = "Idle"
	WorkflowStatePlanB = "PlanB"
)

// ValidWorkflowState reports whether the name belongs to the state grammar.
func ValidWorkflowState(state string) bool {
	return fixedStates[state] || statePattern.MatchString(state)
}

// TerminalWorkflowState reports whether entering the state ends the current
// orchestration: *Completed, *Failed, and PlanB all release the lock.
func TerminalWorkflowState(state string) bool {
	return state == WorkflowStatePlanB ||
		strings.HasSuffix(state, "Completed") ||
		strings.HasSuffix(state, "Failed")
}

// LockWorkflow acquires the server's workflow lock for owner, enters the
// named state, and resets the attempt counter for the new orchestration.
// Locking is idempotent for the same owner; a different owner gets
// PreconditionFailed.
func (s *Service) LockWorkflow(ctx context.Context, id, state, owner, contextID string) error {
	if owner == "" {
		return mcperr.InvalidArgument("lock owner is required")
	}
	if !ValidWorkflowState(state) {
		return mcperr.InvalidArgument("unknown workflow state %q", state)
	}
	srv, err := s.store.GetServer(ctx, id)
	if err != nil {
		return wrapStoreErr(err, id)
	}
	if srv.Workflow.LockedBy != "" && srv.Workflow.LockedBy != owner {
		return mcperr.PreconditionFailed("workflow for %s is locked by %s", id, srv.Workflow.LockedBy)
	}
	wf := srv.Workflow
	wf.State = state
	wf.LockedBy = owner
	wf.Attempts = 0
	if contextID != "" {
		wf.ContextID = contextID
	}
	wf.UpdatedAt = time.Now().UTC()
	return wrapStoreErr(s.store.UpdateWorkflow(ctx, id, wf), id)
}

// TransitionWorkflow moves the server to the named state. Unknown state
// names are rejected at this boundary; terminal states clear the lock.
func (s *Service) TransitionWorkflow(ctx context.Context, id, state string) error {
	if !ValidWorkflowState(state) {
		return mcperr.InvalidArgument("unknown workflow state %q", state)
	}
	srv, err := s.store.GetServer(ctx, id)
	if err != nil {
		return wrapStoreErr(err, id)
	}
	wf := srv.Workflow
	wf.State = state
	wf.UpdatedAt = time.Now().UTC()
	if TerminalWorkflowState(state) {
		wf.LockedBy = ""
	}
	return wrapStoreErr(s.store.UpdateWorkflow(ctx, id, wf), id)
}

// UnlockWorkflow releases the lock held by owner and clears the attempt
// counter. Releasing an unheld lock is a no-op; a foreign lock is not
// released.
func (s *Service) UnlockWorkflow(ctx context.Context, id, owner string) error {
	srv, err := s.store.GetServer(ctx, id)
	if err != nil {
		return wrapStoreErr(err, id)
	}
	switch srv.Workflow.LockedBy {
	case "":
		return nil
	case owner:
	default:
		return mcperr.PreconditionFailed("workflow for %s is locked by %s", id, srv.Workflow.LockedBy)
	}
	wf := srv.Workflow
	wf.LockedBy = ""
	wf.Attempts = 0
	wf.UpdatedAt = time.Now().UTC()
	return wrapStoreErr(s.store.UpdateWorkflow(ctx, id, wf), id)
}

// IncrementWorkflowAttempts atomically bumps the attempt counter and returns
// the new value.
func (s *Service) IncrementWorkflowAttempts(ctx context.Context, id string) (int, error) {
	n, err := s.store.IncrementWorkflowAttempts(ctx, id)
	return n, wrapStoreErr(err, id)
}

// GetWorkflowState returns the server's workflow snapshot.
func (s *Service) GetWorkflowState(ctx context.Context, id string) (Workflow, error) {
	srv, err := s.store.GetServer(ctx, id)
	if err != nil {
		return Workflow{}, wrapStoreErr(err, id)
	}
	return srv.Workflow, nil
}
