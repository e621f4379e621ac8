// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package queuesync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mobiletoly/go-queuesync/internal/auth"
)

// ServiceConfig holds configuration for the sync service
type ServiceConfig struct {
	AppName                 string        // Application name used in logs
	DisableAccessValidation bool          // Allow every operation regardless of ownership and grants
	MaxTxAttempts           int           // Attempts per transactional unit (0 = DefaultMaxTxAttempts)
	MaxBatchSize            int           // Maximum queue actions per request (0 = unlimited)
	ParentCacheSize         int           // Entries in the parent-chain cache (0 = no cache)
	ParentCacheTTL          time.Duration // Lifetime of cached parents

	StageMetrics    StageMetricsRecorder // Optional stage timing sink
	LogStageTimings bool                 // Log stage timings at debug level
}

// Ports are the storage and runtime collaborators of SyncService
type Ports struct {
	Tx         TransactionHandler
	Entities   EntityRepository
	Actions    QueueActionRepository
	Grants     GrantRepository
	Files      FileRepository
	Jobs       SyncJobRepository
	Storage    FileStorage
	Events     EventBus
	Dispatcher Dispatcher // nil runs exports in-process
}

// NewPostgresPorts wires the Postgres repositories and transaction handler
func NewPostgresPorts(pool *pgxpool.Pool, storage FileStorage, events EventBus, config *ServiceConfig, logger *slog.Logger) Ports {
	attempts := 0
	if config != nil {
		attempts = config.MaxTxAttempts
	}
	return Ports{
		Tx:       NewPgTransactionHandler(pool, attempts, logger),
		Entities: NewPgEntityRepository(pool),
		Actions:  NewPgQueueActionRepository(pool),
		Grants:   NewPgGrantRepository(pool),
		Files:    NewPgFileRepository(pool),
		Jobs:     NewPgSyncJobRepository(pool),
		Storage:  storage,
		Events:   events,
	}
}

// SyncService is the entry point used by transports
type SyncService struct {
	logger *slog.Logger
	config *ServiceConfig
	mapper *EntityMapper

	users  *UserAuthProvider
	engine *QueueActionEngine
	reader *EntityReader
	files  *FileService
	stored *StoredFileReader
	jobs   *SyncJobService
	runner *SyncJobRunner
	grants *GrantService

	localDispatcher *GoroutineDispatcher
	now             func() time.Time

	mu     sync.RWMutex
	closed bool
}

// NewSyncService wires every component around mapper and ports
func NewSyncService(mapper *EntityMapper, ports Ports, config *ServiceConfig, logger *slog.Logger) (*SyncService, error) {
	if mapper == nil {
		return nil, errors.New("entity mapper is required")
	}
	if ports.Tx == nil || ports.Entities == nil || ports.Actions == nil || ports.Grants == nil ||
		ports.Files == nil || ports.Jobs == nil || ports.Storage == nil {
		return nil, errors.New("all storage ports are required")
	}
	if config == nil {
		config = &ServiceConfig{AppName: "go-queuesync-app"}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if ports.Events == nil {
		ports.Events = NewLocalEventBus(logger)
	}

	var parents ParentResolver = NewRepositoryParentResolver(mapper, ports.Entities)
	if config.ParentCacheSize > 0 {
		parents = NewCachedParentResolver(parents, config.ParentCacheSize, config.ParentCacheTTL)
	}
	access := NewAccessValidator(mapper, ports.Entities, parents, config.DisableAccessValidation)
	paths := NewFilePathGenerator(mapper, ports.Entities, parents)
	fileRefs := NewFileReferenceValidator(ports.Files, ports.Storage, paths, ports.Tx, logger)
	users := NewUserAuthProvider(ports.Grants)
	reader := NewEntityReader(mapper, ports.Entities, access)

	s := &SyncService{
		logger: logger,
		config: config,
		mapper: mapper,
		users:  users,
		reader: reader,
		files:  NewFileService(ports.Files, ports.Storage, ports.Tx, logger),
		stored: NewStoredFileReader(mapper, ports.Files, ports.Jobs, access, ports.Storage),
		grants: NewGrantService(mapper, ports.Entities, ports.Grants, ports.Tx, logger),
		now:    time.Now,
	}
	s.engine = NewQueueActionEngine(QueueActionEngineDeps{
		Mapper:      mapper,
		Tx:          ports.Tx,
		Entities:    ports.Entities,
		Actions:     ports.Actions,
		Access:      access,
		Restriction: NewRestrictionValidator(mapper, ports.Entities),
		Events:      ports.Events,
		Parents:     parents,
		Files:       fileRefs,
		Metrics:     config.StageMetrics,
		LogTimings:  config.LogStageTimings,
	}, logger)
	s.runner = NewSyncJobRunner(mapper, ports.Jobs, reader, users, ports.Storage, ports.Tx, config.StageMetrics, logger)

	dispatcher := ports.Dispatcher
	if dispatcher == nil {
		s.localDispatcher = NewGoroutineDispatcher(s.runner.Run, logger)
		dispatcher = s.localDispatcher
	}
	s.jobs = NewSyncJobService(ports.Jobs, ports.Storage, ports.Tx, dispatcher, logger)

	logger.Debug("Sync service initialized", "app", config.AppName, "entities", len(mapper.EntityNames()),
		"access_validation", !config.DisableAccessValidation)
	return s, nil
}

// Close stops accepting requests and waits for in-process exports.
// It does NOT close the database pool.
func (s *SyncService) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.localDispatcher != nil {
		s.localDispatcher.Wait()
	}
	s.logger.Debug("Sync service shutdown complete")
	return nil
}

func (s *SyncService) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errServiceClosed
	}
	return nil
}

var errServiceClosed = errors.New("sync service has been closed")

// Mapper returns the entity registry
func (s *SyncService) Mapper() *EntityMapper {
	return s.mapper
}

func (s *SyncService) userAuth(ctx context.Context, userID string) (UserAuth, error) {
	if err := s.checkClosed(); err != nil {
		return UserAuth{}, err
	}
	return s.users.Load(ctx, userID)
}

// SyncQueueActions applies a client batch and returns the number of actions accepted
func (s *SyncService) SyncQueueActions(ctx context.Context, userID string, reqs []QueueActionRequest) (int, error) {
	user, err := s.userAuth(ctx, userID)
	if err != nil {
		return 0, err
	}
	if s.config.MaxBatchSize > 0 && len(reqs) > s.config.MaxBatchSize {
		return 0, NewClientError(ErrValidation, CodeBatchTooLarge,
			fmt.Sprintf("batch of %d actions exceeds the limit of %d", len(reqs), s.config.MaxBatchSize),
			map[string]any{"max_batch_size": s.config.MaxBatchSize})
	}
	actions, err := BuildQueueActions(userID, reqs, s.mapper, s.now().UTC())
	if err != nil {
		return 0, err
	}
	if deviceID, ok := auth.GetDeviceID(ctx); ok {
		for i := range actions {
			actions[i].DeviceID = deviceID
		}
	}
	if err := s.engine.Sync(ctx, user, actions); err != nil {
		return 0, err
	}
	return len(actions), nil
}

// EntityHashes returns the per-row hashes of entity visible to userID
func (s *SyncService) EntityHashes(ctx context.Context, userID, entity string) ([]EntityHash, error) {
	user, err := s.userAuth(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.reader.EntityHashes(ctx, user, entity)
}

// ValidateHashes compares client hash-of-hashes per entity
func (s *SyncService) ValidateHashes(ctx context.Context, userID string, hashes []EntityHash) ([]HashValidation, error) {
	user, err := s.userAuth(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.reader.ValidateHashes(ctx, user, hashes)
}

// SearchEntities returns visible rows with relations inlined
func (s *SyncService) SearchEntities(ctx context.Context, userID, entity string, filter SearchFilter) ([]map[string]any, error) {
	user, err := s.userAuth(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.reader.SearchEntities(ctx, user, entity, filter)
}

// UploadFile stores a pending upload
func (s *SyncService) UploadFile(ctx context.Context, userID, fileID, mimeType string, body io.Reader) (FileUploaded, error) {
	user, err := s.userAuth(ctx, userID)
	if err != nil {
		return FileUploaded{}, err
	}
	return s.files.Upload(ctx, user, fileID, mimeType, body)
}

// OpenFile opens a stored blob for userID; the caller closes Body
func (s *SyncService) OpenFile(ctx context.Context, userID, key string) (StoredFile, error) {
	user, err := s.userAuth(ctx, userID)
	if err != nil {
		return StoredFile{}, err
	}
	return s.stored.Open(ctx, user, key)
}

// StartExport creates and dispatches an export job. Close waits for a running
// StartExport, so an accepted job is always dispatched before shutdown.
func (s *SyncService) StartExport(ctx context.Context, userID string) (SyncJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return SyncJob{}, errServiceClosed
	}
	user, err := s.users.Load(ctx, userID)
	if err != nil {
		return SyncJob{}, err
	}
	return s.jobs.StartGenerateSyncDataJob(ctx, user)
}

// JobStatus returns an export job owned by userID
func (s *SyncService) JobStatus(ctx context.Context, userID, jobID string) (SyncJob, error) {
	user, err := s.userAuth(ctx, userID)
	if err != nil {
		return SyncJob{}, err
	}
	return s.jobs.Get(ctx, user, jobID)
}

// RunExport executes a job; external dispatchers call this
func (s *SyncService) RunExport(ctx context.Context, jobID string) error {
	return s.runner.Run(ctx, jobID)
}

// PruneExports removes delivered exports older than olderThan
func (s *SyncService) PruneExports(ctx context.Context, olderThan time.Duration) (int, error) {
	return s.jobs.PruneExports(ctx, olderThan)
}

// Share grants access on an entity owned by userID
func (s *SyncService) Share(ctx context.Context, userID string, req GrantRequest) error {
	user, err := s.userAuth(ctx, userID)
	if err != nil {
		return err
	}
	if req.AccessLevel == nil {
		return NewClientError(ErrValidation, CodeInvalidAccess, "access_level is required", nil)
	}
	ref, err := NewEntityReference(req.Entity.Entity, req.Entity.ID)
	if err != nil {
		return err
	}
	return s.grants.Share(ctx, user, req.UserID, ref, *req.AccessLevel)
}

// Revoke removes a grant on an entity owned by userID
func (s *SyncService) Revoke(ctx context.Context, userID string, req GrantRequest) (bool, error) {
	user, err := s.userAuth(ctx, userID)
	if err != nil {
		return false, err
	}
	ref, err := NewEntityReference(req.Entity.Entity, req.Entity.ID)
	if err != nil {
		return false, err
	}
	return s.grants.Revoke(ctx, user, req.UserID, ref)
}
