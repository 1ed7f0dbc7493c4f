package events

import "time"

// ActionCallStart is emitted before a remote action call.
type ActionCallStart struct {
	Action    string
	Transport string
	Target    string
}

// ActionCallFinish is emitted after a remote action call completes.
type ActionCallFinish struct {
	Action    string
	Transport string
	Target    string
	// Code is the transport specific status, empty on success.
	Code     string
	Err      error
	Duration time.Duration
}

// BatchDispatched is emitted once per loader tick with the number of
// distinct keys sent in the call.
type BatchDispatched struct {
	Action string
	Keys   int
	Err    error
}
