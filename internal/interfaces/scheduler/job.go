package scheduler

import "context"

// Job is a unit of work run by the worker pool.
type Job interface {
	// Execute runs the job. Implementations must respect ctx cancellation.
	Execute(ctx context.Context) error

	// UserID returns the user the job acts for, used in logs and spans.
	UserID() string

	Description() string
}
