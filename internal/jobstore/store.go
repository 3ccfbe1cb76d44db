package jobstore

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/PiKa919/paddle-ui/internal/domain"
)

const (
	jobIDPrefix = "batch_"

	// Reason recorded on jobs that were mid-run when the process stopped.
	interruptedReason = "interrupted by service restart"

	persistTimeout = 5 * time.Second
)

// Store is the authoritative registry of batch jobs.
// Every mutation goes through the state machine under a single lock; when a
// repository is configured, the mutated job is written through to it before
// the lock is released so the persisted order matches the in-memory order.
type Store struct {
	mu    sync.RWMutex
	jobs  map[string]*domain.BatchJob
	order []string
	seq   int64

	repo   domain.JobRepository
	logger *zap.Logger
	now    func() time.Time
}

// NewStore creates a store. repo may be nil for a purely in-memory store.
func NewStore(repo domain.JobRepository, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		jobs:   make(map[string]*domain.BatchJob),
		repo:   repo,
		logger: logger,
		now:    time.Now,
	}
}

// Load restores persisted jobs. Jobs found mid-run are marked failed, since
// nothing is driving them anymore.
func (s *Store) Load(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}

	jobs, err := s.repo.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load jobs: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, job := range jobs {
		if _, exists := s.jobs[job.ID]; exists {
			continue
		}
		if job.Status == domain.JobStatusProcessing {
			s.finish(job, domain.JobStatusFailed)
			job.Failure = interruptedReason
			s.persist(job)
		}
		s.jobs[job.ID] = job
		s.order = append(s.order, job.ID)
		if seq := jobSeq(job); seq > s.seq {
			s.seq = seq
		}
	}

	s.logger.Info("jobs restored",
		zap.Int("count", len(jobs)),
		zap.Int64("next_seq", s.seq+1),
	)
	return nil
}

// Create registers a new pending job and returns its ID.
// An empty file list is accepted; rejecting it is the caller's concern.
func (s *Store) Create(ctx context.Context, kind domain.JobKind, files []string, options map[string]any) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	id := jobIDPrefix + strconv.FormatInt(s.seq, 10)
	if _, exists := s.jobs[id]; exists {
		panic(fmt.Sprintf("jobstore: duplicate job id %s", id))
	}

	if options == nil {
		options = map[string]any{}
	}
	job := &domain.BatchJob{
		ID:        id,
		Seq:       s.seq,
		Kind:      kind,
		Files:     append([]string(nil), files...),
		Status:    domain.JobStatusPending,
		Total:     len(files),
		Results:   []domain.FileResult{},
		Errors:    []domain.FileError{},
		Options:   options,
		CreatedAt: s.now(),
	}

	s.jobs[id] = job
	s.order = append(s.order, id)
	s.persist(job)

	s.logger.Debug("job created",
		zap.String("job_id", id),
		zap.String("kind", string(kind)),
		zap.Int("files", len(files)),
	)
	return id
}

// Get returns the snapshot of a job or domain.ErrJobNotFound
func (s *Store) Get(ctx context.Context, id string) (*domain.JobSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	return job.Snapshot(), nil
}

// Job returns a detached copy of the full job record
func (s *Store) Job(ctx context.Context, id string) (*domain.BatchJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	return job.Clone(), nil
}

// List returns snapshots of all jobs in creation order
func (s *Store) List(ctx context.Context) []*domain.JobSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshots := make([]*domain.JobSnapshot, 0, len(s.order))
	for _, id := range s.order {
		if job, ok := s.jobs[id]; ok {
			snapshots = append(snapshots, job.Snapshot())
		}
	}
	return snapshots
}

// Delete removes a job regardless of its status and reports whether it existed
func (s *Store) Delete(ctx context.Context, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return false
	}
	delete(s.jobs, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}

	if s.repo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := s.repo.Delete(ctx, id); err != nil {
			s.logger.Warn("failed to delete persisted job",
				zap.String("job_id", id),
				zap.Error(err),
			)
		}
	}
	return true
}

// Cancel moves a pending or processing job to cancelled.
// It returns false for unknown and terminal jobs.
func (s *Store) Cancel(ctx context.Context, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || !job.Status.CanTransition(domain.JobStatusCancelled) {
		return false
	}
	s.finish(job, domain.JobStatusCancelled)
	s.persist(job)

	s.logger.Info("job cancelled",
		zap.String("job_id", id),
		zap.Int("progress", job.Progress),
		zap.Int("total", job.Total),
	)
	return true
}

// Begin moves a pending job to processing. Any other state yields
// domain.ErrInvalidTransition, so a job can be driven by one pass only.
func (s *Store) Begin(ctx context.Context, id string) (*domain.BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	if !job.Status.CanTransition(domain.JobStatusProcessing) {
		return nil, fmt.Errorf("%w: %s is %s", domain.ErrInvalidTransition, id, job.Status)
	}

	started := s.now()
	job.Status = domain.JobStatusProcessing
	job.StartedAt = &started
	s.persist(job)

	return job.Clone(), nil
}

// Record appends the outcome of one file and sets progress to index+1.
// It returns domain.ErrJobCancelled once the job has been cancelled.
func (s *Store) Record(ctx context.Context, id string, outcome domain.FileOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	switch job.Status {
	case domain.JobStatusProcessing:
	case domain.JobStatusCancelled:
		return fmt.Errorf("%w: %s", domain.ErrJobCancelled, id)
	default:
		return fmt.Errorf("%w: cannot record on %s job %s", domain.ErrInvalidTransition, job.Status, id)
	}

	file := filepath.Base(outcome.File)
	if outcome.Err != nil {
		job.Errors = append(job.Errors, domain.FileError{
			File:  file,
			Index: outcome.Index,
			Error: outcome.Err.Error(),
			Kind:  domain.ClassifyFailure(outcome.Err),
		})
	} else {
		job.Results = append(job.Results, domain.FileResult{
			File:    file,
			Index:   outcome.Index,
			Success: true,
			Data:    outcome.Data,
		})
	}
	job.Progress = outcome.Index + 1
	s.persist(job)

	return nil
}

// Complete marks a processing job as completed
func (s *Store) Complete(ctx context.Context, id string) error {
	return s.transition(id, domain.JobStatusCompleted, "")
}

// Fail marks a processing job as failed with a job-level reason
func (s *Store) Fail(ctx context.Context, id string, reason string) error {
	return s.transition(id, domain.JobStatusFailed, reason)
}

func (s *Store) transition(id string, to domain.JobStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	if job.Status == domain.JobStatusCancelled {
		return fmt.Errorf("%w: %s", domain.ErrJobCancelled, id)
	}
	if !job.Status.CanTransition(to) {
		return fmt.Errorf("%w: %s %s -> %s", domain.ErrInvalidTransition, id, job.Status, to)
	}

	s.finish(job, to)
	job.Failure = reason
	s.persist(job)
	return nil
}

func (s *Store) finish(job *domain.BatchJob, status domain.JobStatus) {
	finished := s.now()
	job.Status = status
	job.FinishedAt = &finished
}

// persist writes the job through to the repository. Caller holds s.mu.
// Failures are logged: the in-memory registry stays authoritative.
func (s *Store) persist(job *domain.BatchJob) {
	if s.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := s.repo.Save(ctx, job.Clone()); err != nil {
		s.logger.Warn("failed to persist job",
			zap.String("job_id", job.ID),
			zap.String("status", string(job.Status)),
			zap.Error(err),
		)
	}
}

func jobSeq(job *domain.BatchJob) int64 {
	if job.Seq > 0 {
		return job.Seq
	}
	n, err := strconv.ParseInt(strings.TrimPrefix(job.ID, jobIDPrefix), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

var _ domain.JobStore = (*Store)(nil)
