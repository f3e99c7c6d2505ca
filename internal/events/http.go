package events

import (
	"net/http"
	"time"
)

// HTTPStart is emitted when a batch request is received.
// Context carries the request context.
type HTTPStart struct {
	Request *http.Request
}

// HTTPFinish is emitted after the handler wrote its response.
type HTTPFinish struct {
	Request  *http.Request
	Status   int
	Duration time.Duration
}
