package schemas

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the engine's failure taxonomy. Components wrap
// these so callers can classify failures with errors.Is regardless of the
// detail attached by the typed errors below.
var (
	// ErrExtractionStale marks a structural snapshot captured while the page
	// was mutating underneath the walker, typically mid-navigation. Retryable.
	ErrExtractionStale = errors.New("page structure changed during extraction")

	// ErrSnapshotMalformed marks a snapshot whose node records are internally
	// inconsistent (bad parent references, out of range indices).
	ErrSnapshotMalformed = errors.New("structural snapshot is malformed")

	// ErrIndexInvalid marks an element index that is not present in the
	// current selector view.
	ErrIndexInvalid = errors.New("element index not present in current view")

	// ErrIndexStale marks an element index issued against an earlier
	// perception cycle. Distinct from ErrIndexInvalid.
	ErrIndexStale = errors.New("element index refers to an expired view")

	// ErrActionValidationFailed marks action parameters rejected before
	// dispatch. Surfaced to the model, never fatal to the episode.
	ErrActionValidationFailed = errors.New("action parameters failed validation")

	// ErrActionExecutionFailed marks a dispatched action that failed in the
	// browser after bounded retries.
	ErrActionExecutionFailed = errors.New("action execution failed")

	// ErrDecisionUnparseable marks model output from which no decision could
	// be recovered, even after the single corrective re-prompt.
	ErrDecisionUnparseable = errors.New("model decision could not be parsed")

	// ErrBudgetExceeded marks an exhausted episode budget. Episode-fatal and
	// never retried.
	ErrBudgetExceeded = errors.New("episode budget exceeded")
)

// IndexError reports an element index the selector view cannot resolve,
// either out of range for the current view or issued against an expired one.
type IndexError struct {
	Index   int
	Size    int    // number of indexable elements in the rejecting view
	Issued  uint64 // view generation the index was decided against, 0 if unknown
	Current uint64 // generation of the view that rejected it
}

// Stale reports whether the index was issued against an older view.
func (e *IndexError) Stale() bool { return e.Issued != 0 && e.Issued != e.Current }

func (e *IndexError) Error() string {
	if e.Stale() {
		return fmt.Sprintf("element index %d was decided against view %d but the page has moved to view %d", e.Index, e.Issued, e.Current)
	}
	return fmt.Sprintf("element index %d out of range for a view of %d interactive elements", e.Index, e.Size)
}

func (e *IndexError) Unwrap() error {
	if e.Stale() {
		return ErrIndexStale
	}
	return ErrIndexInvalid
}

// ValidationError describes a single rejected action parameter.
type ValidationError struct {
	Action string
	Param  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Param == "" {
		return fmt.Sprintf("action %q: %s", e.Action, e.Reason)
	}
	return fmt.Sprintf("action %q, parameter %q: %s", e.Action, e.Param, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrActionValidationFailed }

// ExecutionError wraps the browser failure that remained after the
// dispatcher exhausted its retries for one action.
type ExecutionError struct {
	Action   string
	Attempts int
	Cause    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("action %q failed after %d attempt(s): %v", e.Action, e.Attempts, e.Cause)
}

func (e *ExecutionError) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, ErrActionExecutionFailed) match while Unwrap keeps
// the underlying browser error reachable.
func (e *ExecutionError) Is(target error) bool { return target == ErrActionExecutionFailed }

// BudgetError reports which episode budget was exhausted.
type BudgetError struct {
	Kind  string // "steps", "tokens"
	Used  int
	Limit int
}

func (e *BudgetError) Error() string {
	return fmt.Sprintf("%s budget exhausted: used %d of %d", e.Kind, e.Used, e.Limit)
}

func (e *BudgetError) Unwrap() error { return ErrBudgetExceeded }
