package plan

import "fmt"

// LockedGraphError reports a structural change attempted after the graph was
// locked for compilation. The graph is left unchanged.
type LockedGraphError struct {
	Op   string
	Step StepID
}

func (e *LockedGraphError) Error() string {
	if e.Step < 0 {
		return fmt.Sprintf("plan: cannot %s: graph is locked", e.Op)
	}
	return fmt.Sprintf("plan: cannot %s on step %d: graph is locked", e.Op, e.Step)
}

// PlanInvalidError reports a step that can never be satisfied. It is raised
// at compile time, before any execution begins.
type PlanInvalidError struct {
	Step   StepID
	Reason string
}

func (e *PlanInvalidError) Error() string {
	return fmt.Sprintf("plan: step %d is invalid: %s", e.Step, e.Reason)
}

func invalid(id StepID, format string, args ...any) *PlanInvalidError {
	return &PlanInvalidError{Step: id, Reason: fmt.Sprintf(format, args...)}
}

// Invalid builds a PlanInvalidError for the given step.
func Invalid(s Step, format string, args ...any) error {
	return invalid(s.Base().id, format, args...)
}
