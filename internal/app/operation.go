package app

import (
	"fmt"
	"time"
)

// Operation identifies one CLI invocation in the log stream. Every line a
// command writes carries its operation ID, so overlapping invocations
// (a watch session plus a manual backup) stay distinguishable.
type Operation struct {
	ID      string
	Command string
	Started time.Time
}

// newOperation stamps an operation for the given command name.
func newOperation(command string, now time.Time) *Operation {
	return &Operation{
		ID:      fmt.Sprintf("%s-%s", now.UTC().Format("20060102T150405Z"), command),
		Command: command,
		Started: now,
	}
}
