package events

import "time"

// BatchStart is emitted before a batch of root values is executed.
type BatchStart struct {
	Rows int
}

// BatchFinish is emitted after every requested output of a batch settled.
type BatchFinish struct {
	Rows     int
	Errors   int
	Duration time.Duration
}

// StepExecuted is emitted after one call of a step settled.
type StepExecuted struct {
	Step     int
	Type     string
	Rows     int
	Errors   int
	Duration time.Duration
}
