package domain

import "context"

// JobStore owns the lifecycle of batch jobs
type JobStore interface {
	Create(ctx context.Context, kind JobKind, files []string, options map[string]any) string
	Get(ctx context.Context, id string) (*JobSnapshot, error)
	Job(ctx context.Context, id string) (*BatchJob, error)
	List(ctx context.Context) []*JobSnapshot
	Delete(ctx context.Context, id string) bool
	Cancel(ctx context.Context, id string) bool

	// Begin moves a pending job to processing and returns a copy of it
	Begin(ctx context.Context, id string) (*BatchJob, error)
	// Record appends one file outcome and advances progress
	Record(ctx context.Context, id string, outcome FileOutcome) error
	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, id string, reason string) error
}

// JobRepository persists job snapshots so the store survives restarts
type JobRepository interface {
	// Save upserts the job
	Save(ctx context.Context, job *BatchJob) error

	// Delete removes the job by ID
	Delete(ctx context.Context, id string) error

	// LoadAll returns every persisted job ordered by creation sequence
	LoadAll(ctx context.Context) ([]*BatchJob, error)
}

// HealthChecker defines the interface for health checks
type HealthChecker interface {
	// CheckConnection checks if the backend connection is healthy
	CheckConnection(ctx context.Context) error

	// EnsureCollections ensures that required collections/namespaces exist
	EnsureCollections(ctx context.Context) error
}
