package queuesync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// memStore is an in-memory implementation of every repository port.
// memTx snapshots it on begin and restores the snapshot on failure.
type memStore struct {
	mu      sync.Mutex
	rows    map[string]map[string]map[string]any // entity -> id -> row
	actions []QueueAction
	grants  map[string][]EntityGranted // grantee -> grants
	files   map[string]FileUploaded
	jobs    map[string]SyncJob
	seq     int64
}

func newMemStore() *memStore {
	return &memStore{
		rows:   make(map[string]map[string]map[string]any),
		grants: make(map[string][]EntityGranted),
		files:  make(map[string]FileUploaded),
		jobs:   make(map[string]SyncJob),
	}
}

type memSnapshot struct {
	rows    map[string]map[string]map[string]any
	actions []QueueAction
	grants  map[string][]EntityGranted
	files   map[string]FileUploaded
	jobs    map[string]SyncJob
	seq     int64
}

func (s *memStore) snapshot() memSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := memSnapshot{
		rows:    make(map[string]map[string]map[string]any, len(s.rows)),
		actions: append([]QueueAction(nil), s.actions...),
		grants:  make(map[string][]EntityGranted, len(s.grants)),
		files:   make(map[string]FileUploaded, len(s.files)),
		jobs:    make(map[string]SyncJob, len(s.jobs)),
		seq:     s.seq,
	}
	for entity, table := range s.rows {
		copied := make(map[string]map[string]any, len(table))
		for id, row := range table {
			copied[id] = cloneMap(row)
		}
		snap.rows[entity] = copied
	}
	for k, v := range s.grants {
		snap.grants[k] = append([]EntityGranted(nil), v...)
	}
	for k, v := range s.files {
		snap.files[k] = v
	}
	for k, v := range s.jobs {
		snap.jobs[k] = v
	}
	return snap
}

func (s *memStore) restore(snap memSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = snap.rows
	s.actions = snap.actions
	s.grants = snap.grants
	s.files = snap.files
	s.jobs = snap.jobs
	s.seq = snap.seq
}

// put seeds a row directly, bypassing the engine
func (s *memStore) put(entity string, row map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	table := s.rows[entity]
	if table == nil {
		table = make(map[string]map[string]any)
		s.rows[entity] = table
	}
	table[idString(row[AttrID])] = cloneMap(row)
}

func (s *memStore) row(entity, id string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[entity][id]
	if !ok {
		return nil, false
	}
	return cloneMap(r), true
}

func (s *memStore) liveCount(entity string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.rows[entity] {
		if r[AttrSyncDeletedAt] == nil {
			n++
		}
	}
	return n
}

func (s *memStore) loggedActions() []QueueAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]QueueAction(nil), s.actions...)
}

// memTx implements TransactionHandler over memStore
type memTx struct {
	store *memStore
	calls int
}

type memTxKey struct{}

func (t *memTx) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	t.calls++
	snap := t.store.snapshot()
	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		t.store.restore(snap)
		return err
	}
	return nil
}

// memEntities implements EntityRepository
type memEntities struct{ s *memStore }

func (m memEntities) Insert(_ context.Context, b EntityBinding, row map[string]any) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	id := idString(row[AttrID])
	table := m.s.rows[b.Name]
	if table == nil {
		table = make(map[string]map[string]any)
		m.s.rows[b.Name] = table
	}
	if _, exists := table[id]; exists {
		return NewClientError(ErrValidation, CodeDuplicateID, fmt.Sprintf("%s %s already exists", b.Name, id), nil)
	}
	table[id] = cloneMap(row)
	return nil
}

func (m memEntities) Update(_ context.Context, b EntityBinding, id string, attributes map[string]any) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	row, ok := m.s.rows[b.Name][id]
	if !ok || row[AttrSyncDeletedAt] != nil {
		return errEntityNotFound(EntityReference{Entity: b.Name, ID: id})
	}
	for k, v := range attributes {
		row[k] = v
	}
	return nil
}

func (m memEntities) SoftDelete(_ context.Context, b EntityBinding, id string, at time.Time) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	row, ok := m.s.rows[b.Name][id]
	if !ok || row[AttrSyncDeletedAt] != nil {
		return false, nil
	}
	row[AttrSyncDeletedAt] = at
	row[AttrSyncUpdatedAt] = at
	return true, nil
}

func (m memEntities) Find(_ context.Context, b EntityBinding, id string) (map[string]any, bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	row, ok := m.s.rows[b.Name][id]
	if !ok || row[AttrSyncDeletedAt] != nil {
		return nil, false, nil
	}
	return cloneMap(row), true, nil
}

func (m memEntities) OwnerOf(_ context.Context, b EntityBinding, id string) (string, bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	row, ok := m.s.rows[b.Name][id]
	if !ok {
		return "", false, nil
	}
	return idString(row[AttrSyncOwnerID]), true, nil
}

func (m memEntities) ParentID(_ context.Context, b EntityBinding, id string) (string, bool, error) {
	if b.DependsOn == nil {
		return "", false, nil
	}
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	row, ok := m.s.rows[b.Name][id]
	if !ok {
		return "", false, nil
	}
	parent := idString(row[b.DependsOn.Column])
	return parent, parent != "", nil
}

func (m memEntities) CountByOwner(_ context.Context, b EntityBinding, ownerID string) (int, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	n := 0
	for _, row := range m.s.rows[b.Name] {
		if row[AttrSyncDeletedAt] == nil && idString(row[AttrSyncOwnerID]) == ownerID {
			n++
		}
	}
	return n, nil
}

func (m memEntities) ListByOwners(_ context.Context, b EntityBinding, ownerIDs []string, filter SearchFilter) ([]map[string]any, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	owners := toSet(ownerIDs)
	ids := toSet(filter.IDs)
	var out []map[string]any
	for id, row := range m.s.rows[b.Name] {
		if _, ok := owners[idString(row[AttrSyncOwnerID])]; !ok {
			continue
		}
		if len(ids) > 0 {
			if _, ok := ids[id]; !ok {
				continue
			}
		}
		if filter.After != nil {
			updated, _ := row[AttrSyncUpdatedAt].(time.Time)
			if !updated.After(*filter.After) {
				continue
			}
		} else if row[AttrSyncDeletedAt] != nil {
			continue
		}
		out = append(out, cloneMap(row))
	}
	sortRows(out)
	return out, nil
}

func (m memEntities) ListByColumn(_ context.Context, b EntityBinding, column string, values []string, includeDeleted bool) ([]map[string]any, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	wanted := toSet(values)
	var out []map[string]any
	for _, row := range m.s.rows[b.Name] {
		if _, ok := wanted[idString(row[column])]; !ok {
			continue
		}
		if !includeDeleted && row[AttrSyncDeletedAt] != nil {
			continue
		}
		out = append(out, cloneMap(row))
	}
	sortRows(out)
	return out, nil
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

func sortRows(rows []map[string]any) {
	sort.Slice(rows, func(i, j int) bool {
		return idString(rows[i][AttrID]) < idString(rows[j][AttrID])
	})
}

// memActions implements QueueActionRepository
type memActions struct {
	s    *memStore
	fail error
}

func (m *memActions) Append(_ context.Context, actions []QueueAction) error {
	if m.fail != nil {
		return m.fail
	}
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for i := range actions {
		m.s.seq++
		actions[i].Sequence = m.s.seq
		m.s.actions = append(m.s.actions, actions[i])
	}
	return nil
}

// memGrants implements GrantRepository
type memGrants struct{ s *memStore }

func (m memGrants) ListForUser(_ context.Context, userID string) ([]EntityGranted, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return append([]EntityGranted(nil), m.s.grants[userID]...), nil
}

func (m memGrants) Upsert(_ context.Context, granteeID string, grant EntityGranted) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	list := m.s.grants[granteeID]
	for i, g := range list {
		if g.Entity == grant.Entity {
			list[i] = grant
			return nil
		}
	}
	m.s.grants[granteeID] = append(list, grant)
	return nil
}

func (m memGrants) Delete(_ context.Context, granteeID string, ref EntityReference) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	list := m.s.grants[granteeID]
	for i, g := range list {
		if g.Entity == ref {
			m.s.grants[granteeID] = append(list[:i:i], list[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

// memFiles implements FileRepository
type memFiles struct{ s *memStore }

func (m memFiles) Create(_ context.Context, f FileUploaded) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.files[f.ID]; ok {
		return NewClientError(ErrValidation, CodeDuplicateID, "file exists", nil)
	}
	m.s.files[f.ID] = f
	return nil
}

func (m memFiles) Find(_ context.Context, id string) (FileUploaded, bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	f, ok := m.s.files[id]
	return f, ok, nil
}

func (m memFiles) MarkLinked(_ context.Context, id, path, publicURL string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	f, ok := m.s.files[id]
	if !ok || f.Status != FileStatusPending {
		return NewClientError(ErrFileNotFound, CodeFileNotFound, "pending file not found", nil)
	}
	f.Path = path
	f.PublicURL = publicURL
	f.Status = FileStatusLinked
	m.s.files[id] = f
	return nil
}

// memJobs implements SyncJobRepository
type memJobs struct{ s *memStore }

func (m memJobs) Create(_ context.Context, job SyncJob) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.jobs[job.ID] = job
	return nil
}

func (m memJobs) Find(_ context.Context, id string) (SyncJob, bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	job, ok := m.s.jobs[id]
	return job, ok, nil
}

func (m memJobs) Save(_ context.Context, job SyncJob, expected SyncJobStatus) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	current, ok := m.s.jobs[job.ID]
	if !ok || current.Status != expected {
		return NewClientError(ErrInvalidTransition, CodeInvalidTransition, "job changed", nil)
	}
	m.s.jobs[job.ID] = job
	return nil
}

func (m memJobs) ListByStatusBefore(_ context.Context, status SyncJobStatus, before time.Time) ([]SyncJob, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []SyncJob
	for _, job := range m.s.jobs {
		if job.Status == status && job.ResultAt != nil && job.ResultAt.Before(before) {
			out = append(out, job)
		}
	}
	return out, nil
}

// memStorage implements FileStorage in memory
type memStorage struct {
	mu       sync.Mutex
	blobs    map[string][]byte
	copyErr  error
	putErr   error
	putCalls int
}

func newMemStorage() *memStorage {
	return &memStorage{blobs: make(map[string][]byte)}
}

func (m *memStorage) Put(_ context.Context, key string, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	m.putCalls++
	m.blobs[key] = data
	return nil
}

func (m *memStorage) Copy(_ context.Context, srcKey, dstKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.copyErr != nil {
		return m.copyErr
	}
	data, ok := m.blobs[srcKey]
	if !ok {
		return fs.ErrNotExist
	}
	m.blobs[dstKey] = bytes.Clone(data)
	return nil
}

func (m *memStorage) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, key)
	return nil
}

func (m *memStorage) Open(_ context.Context, key string) (io.ReadSeekCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[key]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return nopSeekCloser{bytes.NewReader(bytes.Clone(data))}, nil
}

type nopSeekCloser struct{ *bytes.Reader }

func (nopSeekCloser) Close() error { return nil }

func (m *memStorage) URL(key string) string {
	return "https://files.test/" + key
}

func (m *memStorage) blob(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[key]
	return data, ok
}

func (m *memStorage) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blobs[key]
	return ok
}

func (m *memStorage) keysWithPrefix(prefix string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.blobs {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// syncDispatcher runs jobs inline so tests observe the final state
type syncDispatcher struct {
	run  func(ctx context.Context, jobID string) error
	errs []error
}

func (d *syncDispatcher) Dispatch(ctx context.Context, job SyncJob) error {
	if d.run != nil {
		if err := d.run(ctx, job.ID); err != nil {
			d.errs = append(d.errs, err)
		}
	}
	return nil
}

var errBoom = errors.New("boom")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// farmDeclaration is the farm > animal > vaccination hierarchy used across tests
func farmDeclaration() ([]EntityBinding, []EntityNode) {
	bindings := []EntityBinding{
		{
			Name:      "farm",
			Table:     "farms",
			MaxCount:  3,
			Relations: []Relation{{Name: "animals", Entity: "animal", ForeignKey: "farm_id"}},
		},
		{
			Name:        "animal",
			Table:       "animals",
			DependsOn:   &Dependency{Entity: "farm", Column: "farm_id"},
			FileColumns: []string{"photo_id"},
			Relations:   []Relation{{Name: "vaccinations", Entity: "vaccination", ForeignKey: "animal_id"}},
		},
		{
			Name:      "vaccination",
			Table:     "vaccinations",
			DependsOn: &Dependency{Entity: "animal", Column: "animal_id"},
		},
	}
	hierarchy := []EntityNode{
		{Name: "farm", Children: []EntityNode{
			{Name: "animal", Children: []EntityNode{{Name: "vaccination"}}},
		}},
	}
	return bindings, hierarchy
}

func newFarmMapper(t *testing.T) *EntityMapper {
	t.Helper()
	bindings, hierarchy := farmDeclaration()
	mapper, err := NewEntityMapper(bindings, hierarchy)
	require.NoError(t, err)
	return mapper
}

// testEnv bundles a SyncService over in-memory ports
type testEnv struct {
	store    *memStore
	storage  *memStorage
	tx       *memTx
	actions  *memActions
	events   *LocalEventBus
	mapper   *EntityMapper
	service  *SyncService
	recorded []StageTiming
}

type testEnvOption func(*ServiceConfig)

func newTestEnv(t *testing.T, opts ...testEnvOption) *testEnv {
	t.Helper()
	store := newMemStore()
	env := &testEnv{
		store:   store,
		storage: newMemStorage(),
		tx:      &memTx{store: store},
		actions: &memActions{s: store},
		events:  NewLocalEventBus(testLogger()),
		mapper:  newFarmMapper(t),
	}
	config := &ServiceConfig{
		AppName: "queuesync-test",
		StageMetrics: StageMetricsRecorderFunc(func(_ context.Context, timing StageTiming) {
			env.recorded = append(env.recorded, timing)
		}),
	}
	for _, opt := range opts {
		opt(config)
	}

	dispatcher := &syncDispatcher{}
	ports := Ports{
		Tx:         env.tx,
		Entities:   memEntities{s: store},
		Actions:    env.actions,
		Grants:     memGrants{s: store},
		Files:      memFiles{s: store},
		Jobs:       memJobs{s: store},
		Storage:    env.storage,
		Events:     env.events,
		Dispatcher: dispatcher,
	}
	service, err := NewSyncService(env.mapper, ports, config, testLogger())
	require.NoError(t, err)
	dispatcher.run = service.RunExport
	env.service = service
	t.Cleanup(func() { _ = service.Close() })
	return env
}

func (e *testEnv) sync(t *testing.T, userID string, reqs ...QueueActionRequest) error {
	t.Helper()
	_, err := e.service.SyncQueueActions(context.Background(), userID, reqs)
	return err
}

var baseTime = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func at(offset int) time.Time {
	return baseTime.Add(time.Duration(offset) * time.Second)
}

func insertReq(entity string, offset int, data string) QueueActionRequest {
	return QueueActionRequest{Action: string(ActionInsert), Entity: entity, Data: []byte(data), ActionedAt: at(offset)}
}

func updateReq(entity, id string, offset int, attributes string) QueueActionRequest {
	return QueueActionRequest{
		Action:     string(ActionUpdate),
		Entity:     entity,
		Data:       []byte(fmt.Sprintf(`{"id":%q,"attributes":%s}`, id, attributes)),
		ActionedAt: at(offset),
	}
}

func deleteReq(entity, id string, offset int) QueueActionRequest {
	return QueueActionRequest{
		Action:     string(ActionDelete),
		Entity:     entity,
		Data:       []byte(fmt.Sprintf(`{"id":%q}`, id)),
		ActionedAt: at(offset),
	}
}
