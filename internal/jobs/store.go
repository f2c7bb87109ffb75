package jobs

import (
	"context"
	"time"
)

// Store is the durable job ledger.
//
// Get and Update return (nil, nil) for unknown ids. Update runs mutate under
// the store's write lock, so a read-modify-write inside mutate is atomic with
// respect to other Update calls.
type Store interface {
	Put(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Update(ctx context.Context, id string, mutate func(*Job)) (*Job, error)
	List(ctx context.Context, limit int, state State) ([]*Job, error)

	AppendLog(ctx context.Context, id, line string) error
	TailLog(ctx context.Context, id string, n int) ([]string, error)

	GetIdempotency(ctx context.Context, key string) (jobID string, createdAt time.Time, err error)
	PutIdempotency(ctx context.Context, key, jobID string) error
}

// Notifier is told about jobs reaching a terminal state. Failures are logged only.
type Notifier interface {
	Notify(ctx context.Context, job *Job) error
}
