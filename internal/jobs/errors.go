package jobs

import "errors"

var (
	// ErrCanceled is returned by executors when the job was canceled while running.
	ErrCanceled = errors.New("job canceled")
	// ErrNotFound is returned for operations on unknown job ids.
	ErrNotFound = errors.New("job not found")
	// ErrShuttingDown is returned by Enqueue after graceful shutdown started.
	ErrShuttingDown = errors.New("queue is shutting down")
	// ErrIntermediatesPurged is returned by Resynth for jobs whose cache
	// policy removed the artifacts synthesis would reuse.
	ErrIntermediatesPurged = errors.New("intermediate artifacts were purged by the final_only cache policy")
)
