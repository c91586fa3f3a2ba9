// Package uuid provides job identifier generation.
// Thin wrapper around github.com/google/uuid so call sites never depend on the
// vendor API directly.
package uuid

import guuid "github.com/google/uuid"

// NewString returns a random UUID v4 in canonical string form.
func NewString() string {
	return guuid.NewString()
}

// NewJobID returns a job identifier with a readable "job_" prefix.
// Job ids appear in log file names and SSE payloads, so the prefix makes them
// easy to spot when grepping.
func NewJobID() string {
	return "job_" + guuid.NewString()
}
