package tools

import "errors"

var (
	// ErrNotFound is returned by Get when namespace has no candidate tool.
	ErrNotFound = errors.New("tools: no tool found for namespace")
	// ErrNoDescriptor is returned by record_failure/record_success when
	// tool_id names a tool not in the current snapshot.
	ErrNoDescriptor = errors.New("tools: unknown tool_id")
)
