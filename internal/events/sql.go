package events

import "time"

// QueryStart is emitted before a compiled statement is sent to a data source.
type QueryStart struct {
	Source string
	Text   string
}

// QueryFinish is emitted after the data source returned.
type QueryFinish struct {
	Source   string
	Text     string
	RowCount int64
	Err      error
	Duration time.Duration
}
