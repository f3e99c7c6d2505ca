package events

import "time"

// PlanCompiled is emitted once a graph compilation ends.
type PlanCompiled struct {
	Steps    int
	Merged   int
	Err      error
	Duration time.Duration
}
