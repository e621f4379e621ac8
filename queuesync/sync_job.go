// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package queuesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SyncJobStatus is the state of an export job
type SyncJobStatus string

const (
	SyncJobPending    SyncJobStatus = "PENDING"
	SyncJobInProgress SyncJobStatus = "IN_PROGRESS"
	SyncJobSuccess    SyncJobStatus = "SUCCESS"
	SyncJobFailed     SyncJobStatus = "FAILED"
	SyncJobCompleted  SyncJobStatus = "COMPLETED"
)

var syncJobTransitions = map[SyncJobStatus][]SyncJobStatus{
	SyncJobPending:    {SyncJobInProgress},
	SyncJobInProgress: {SyncJobSuccess, SyncJobFailed},
	SyncJobSuccess:    {SyncJobCompleted},
}

// CanTransitionTo reports whether next is a legal successor of s
func (s SyncJobStatus) CanTransitionTo(next SyncJobStatus) bool {
	for _, allowed := range syncJobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// SyncJob is an asynchronous full-data export requested by a user
type SyncJob struct {
	ID          string
	UserID      string
	Status      SyncJobStatus
	Checkpoint  *time.Time // export start time of a successful run
	ResultAt    *time.Time
	DownloadURL *string
	CreatedAt   time.Time
}

// transition returns a copy of j in state next
func (j SyncJob) transition(next SyncJobStatus) (SyncJob, error) {
	if !j.Status.CanTransitionTo(next) {
		return SyncJob{}, NewClientError(ErrInvalidTransition, CodeInvalidTransition,
			fmt.Sprintf("job %s cannot move from %s to %s", j.ID, j.Status, next),
			map[string]any{"job_id": j.ID, "from": string(j.Status), "to": string(next)})
	}
	j.Status = next
	return j, nil
}

// exportKey is where the snapshot of a job is stored
func exportKey(userID, jobID string) string {
	return path.Join("exports", userID, jobID+".sqlite")
}

// Dispatcher hands a created job to whatever runs exports
type Dispatcher interface {
	Dispatch(ctx context.Context, job SyncJob) error
}

// ErrDispatcherClosed is returned by Dispatch once Wait has been called
var ErrDispatcherClosed = errors.New("export dispatcher is closed")

// GoroutineDispatcher runs each job in its own goroutine in this process
type GoroutineDispatcher struct {
	run    func(ctx context.Context, jobID string) error
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewGoroutineDispatcher creates a dispatcher calling run for each job
func NewGoroutineDispatcher(run func(ctx context.Context, jobID string) error, logger *slog.Logger) *GoroutineDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &GoroutineDispatcher{run: run, logger: logger}
}

// Dispatch implements Dispatcher. The job outlives the request context.
func (d *GoroutineDispatcher) Dispatch(ctx context.Context, job SyncJob) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	jobCtx := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.run(jobCtx, job.ID); err != nil {
			d.logger.Error("Export job failed", "job_id", job.ID, "user_id", job.UserID, "error", err)
		}
	}()
	return nil
}

// Wait refuses further dispatches and blocks until every dispatched job returned
func (d *GoroutineDispatcher) Wait() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}

// SyncJobService creates, reads and prunes export jobs
type SyncJobService struct {
	jobs       SyncJobRepository
	storage    FileStorage
	tx         TransactionHandler
	dispatcher Dispatcher
	logger     *slog.Logger
	now        func() time.Time
}

// NewSyncJobService creates a SyncJobService
func NewSyncJobService(jobs SyncJobRepository, storage FileStorage, tx TransactionHandler, dispatcher Dispatcher, logger *slog.Logger) *SyncJobService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncJobService{jobs: jobs, storage: storage, tx: tx, dispatcher: dispatcher, logger: logger, now: time.Now}
}

// StartGenerateSyncDataJob records a PENDING job and dispatches it
func (s *SyncJobService) StartGenerateSyncDataJob(ctx context.Context, user UserAuth) (SyncJob, error) {
	job := SyncJob{
		ID:        uuid.NewString(),
		UserID:    user.UserID,
		Status:    SyncJobPending,
		CreatedAt: s.now().UTC(),
	}
	if err := s.tx.Transaction(ctx, func(ctx context.Context) error {
		return s.jobs.Create(ctx, job)
	}); err != nil {
		return SyncJob{}, fmt.Errorf("failed to create export job: %w", err)
	}
	if err := s.dispatcher.Dispatch(ctx, job); err != nil {
		return SyncJob{}, fmt.Errorf("failed to dispatch export job %s: %w", job.ID, err)
	}
	s.logger.Info("Export job started", "job_id", job.ID, "user_id", user.UserID)
	return job, nil
}

// Get returns a job of user; jobs of other users are reported as not found
func (s *SyncJobService) Get(ctx context.Context, user UserAuth, jobID string) (SyncJob, error) {
	job, found, err := s.jobs.Find(ctx, jobID)
	if err != nil {
		return SyncJob{}, fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	if !found || job.UserID != user.UserID {
		return SyncJob{}, NewClientError(ErrEntityNotFound, CodeEntityNotFound,
			fmt.Sprintf("job %s not found", jobID), map[string]any{"job_id": jobID})
	}
	return job, nil
}

// PruneExports deletes snapshots of SUCCESS jobs finished before now-olderThan
// and marks those jobs COMPLETED. It returns the number of jobs completed.
func (s *SyncJobService) PruneExports(ctx context.Context, olderThan time.Duration) (int, error) {
	before := s.now().Add(-olderThan)
	jobs, err := s.jobs.ListByStatusBefore(ctx, SyncJobSuccess, before)
	if err != nil {
		return 0, fmt.Errorf("failed to list finished jobs: %w", err)
	}

	completed := 0
	for _, job := range jobs {
		if err := s.storage.Delete(ctx, exportKey(job.UserID, job.ID)); err != nil {
			s.logger.Warn("Failed to delete export", "job_id", job.ID, "error", err)
			continue
		}
		err := s.tx.Transaction(ctx, func(ctx context.Context) error {
			next, err := job.transition(SyncJobCompleted)
			if err != nil {
				return err
			}
			return s.jobs.Save(ctx, next, job.Status)
		})
		if err != nil {
			s.logger.Warn("Failed to complete export job", "job_id", job.ID, "error", err)
			continue
		}
		completed++
	}
	if completed > 0 {
		s.logger.Info("Exports pruned", "count", completed)
	}
	return completed, nil
}

// SyncJobRunner performs the export behind a dispatched job
type SyncJobRunner struct {
	mapper  *EntityMapper
	jobs    SyncJobRepository
	reader  *EntityReader
	users   *UserAuthProvider
	storage FileStorage
	tx      TransactionHandler
	stages  stageObserver
	logger  *slog.Logger
	now     func() time.Time
}

// NewSyncJobRunner creates a runner
func NewSyncJobRunner(mapper *EntityMapper, jobs SyncJobRepository, reader *EntityReader, users *UserAuthProvider,
	storage FileStorage, tx TransactionHandler, metrics StageMetricsRecorder, logger *slog.Logger) *SyncJobRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncJobRunner{
		mapper:  mapper,
		jobs:    jobs,
		reader:  reader,
		users:   users,
		storage: storage,
		tx:      tx,
		stages:  stageObserver{recorder: metrics, logger: logger},
		logger:  logger,
		now:     time.Now,
	}
}

// Run moves the job to IN_PROGRESS, exports every entity visible to its user
// and records SUCCESS, or FAILED on any error
func (r *SyncJobRunner) Run(ctx context.Context, jobID string) error {
	job, found, err := r.jobs.Find(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	if !found {
		return fmt.Errorf("job %s not found", jobID)
	}

	job, err = r.advance(ctx, job, SyncJobInProgress, nil)
	if err != nil {
		return err
	}

	startedAt := r.now().UTC()
	key, exportErr := r.export(ctx, job, startedAt)
	if exportErr != nil {
		r.logger.Error("Export failed", "job_id", job.ID, "user_id", job.UserID, "error", exportErr)
		if _, err := r.advance(ctx, job, SyncJobFailed, nil); err != nil {
			return errors.Join(exportErr, err)
		}
		return exportErr
	}

	_, err = r.advance(ctx, job, SyncJobSuccess, func(j *SyncJob) {
		resultAt := r.now().UTC()
		url := r.storage.URL(key)
		j.ResultAt = &resultAt
		j.DownloadURL = &url
		j.Checkpoint = &startedAt
	})
	if err != nil {
		return err
	}
	r.logger.Info("Export finished", "job_id", job.ID, "user_id", job.UserID)
	return nil
}

func (r *SyncJobRunner) advance(ctx context.Context, job SyncJob, next SyncJobStatus, mutate func(*SyncJob)) (SyncJob, error) {
	var out SyncJob
	err := r.tx.Transaction(ctx, func(ctx context.Context) error {
		moved, err := job.transition(next)
		if err != nil {
			return err
		}
		if mutate != nil {
			mutate(&moved)
		}
		if err := r.jobs.Save(ctx, moved, job.Status); err != nil {
			return err
		}
		out = moved
		return nil
	})
	if err != nil {
		return SyncJob{}, fmt.Errorf("failed to move job %s to %s: %w", job.ID, next, err)
	}
	return out, nil
}

// export writes the snapshot and returns its storage key
func (r *SyncJobRunner) export(ctx context.Context, job SyncJob, startedAt time.Time) (string, error) {
	user, err := r.users.Load(ctx, job.UserID)
	if err != nil {
		return "", err
	}

	start := r.stages.start()
	var snapshots []EntitySnapshot
	rowCount := 0
	for _, name := range r.mapper.EntityNames() {
		rows, err := r.reader.VisibleRows(ctx, user, name, SearchFilter{})
		if err != nil {
			r.stages.observe(ctx, MetricsOpExport, MetricsStageExportSnapshot, start, rowCount, true)
			return "", err
		}
		rowCount += len(rows)
		snapshots = append(snapshots, EntitySnapshot{Entity: name, Rows: rows})
	}

	tmp, err := newSnapshotFile()
	if err != nil {
		return "", fmt.Errorf("failed to create snapshot file: %w", err)
	}
	defer os.Remove(tmp)

	meta := map[string]string{
		"job_id":     job.ID,
		"user_id":    job.UserID,
		"checkpoint": startedAt.Format(time.RFC3339Nano),
	}
	err = writeSQLiteSnapshot(ctx, tmp, meta, snapshots)
	r.stages.observe(ctx, MetricsOpExport, MetricsStageExportSnapshot, start, rowCount, err != nil)
	if err != nil {
		return "", err
	}

	start = r.stages.start()
	f, err := os.Open(tmp)
	if err != nil {
		return "", err
	}
	defer f.Close()
	key := exportKey(job.UserID, job.ID)
	err = r.storage.Put(ctx, key, f)
	r.stages.observe(ctx, MetricsOpExport, MetricsStageExportStore, start, 1, err != nil)
	if err != nil {
		return "", &UploadFileError{FileID: job.ID, Err: err}
	}
	return key, nil
}
