package services

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/avolkov/filedepot/internal/common"
	"github.com/avolkov/filedepot/internal/dbx"
	"github.com/avolkov/filedepot/internal/logging"
	"github.com/avolkov/filedepot/internal/server/config"
	"github.com/avolkov/filedepot/internal/server/models"
	accessrepo "github.com/avolkov/filedepot/internal/server/repositories/access"
	filesrepo "github.com/avolkov/filedepot/internal/server/repositories/files"
	grantsrepo "github.com/avolkov/filedepot/internal/server/repositories/grants"
	"github.com/avolkov/filedepot/internal/server/repositories/repomanager"
	uploadsrepo "github.com/avolkov/filedepot/internal/server/repositories/uploads"
	"github.com/avolkov/filedepot/internal/storage"
	"github.com/avolkov/filedepot/internal/taskq"
)

// --- helpers ---

func newSQLMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return db, mock
}

func testLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func strptr(s string) *string { return &s }

func intptr(n int) *int { return &n }

func timeptr(ts time.Time) *time.Time { return &ts }

type errBoom struct{}

func (errBoom) Error() string { return "boom" }

// --- in-memory repositories ---

// memFiles keeps File rows keyed by storage id. Errors can be forced per
// method to cover infrastructure-failure paths.
type memFiles struct {
	mu    sync.Mutex
	rows  map[string]*models.File
	order []string

	getErr    error
	createErr error
}

func newMemFiles() *memFiles {
	return &memFiles{rows: map[string]*models.File{}}
}

func (m *memFiles) Create(ctx context.Context, f *models.File) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if _, ok := m.rows[f.StorageID]; ok {
		return fmt.Errorf("db error: %w", common.ErrConflict)
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	cp := *f
	m.rows[f.StorageID] = &cp
	m.order = append(m.order, f.StorageID)
	return nil
}

func (m *memFiles) GetByStorageID(ctx context.Context, storageID string) (*models.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	f, ok := m.rows[storageID]
	if !ok {
		return nil, fmt.Errorf("db error: %w", common.ErrNotFound)
	}
	cp := *f
	return &cp, nil
}

func (m *memFiles) GetByVirtualPath(ctx context.Context, virtualPath string) (*models.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.rows {
		if f.VirtualPath != nil && *f.VirtualPath == virtualPath {
			cp := *f
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("db error: %w", common.ErrNotFound)
}

func (m *memFiles) UpdateExpiration(ctx context.Context, storageID string, expiresAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.rows[storageID]
	if !ok {
		return fmt.Errorf("db error: %w", common.ErrNotFound)
	}
	f.ExpiresAt = expiresAt
	return nil
}

func (m *memFiles) Repoint(ctx context.Context, storageID, newStorageID string, backend models.Backend, virtualPath *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.rows[storageID]
	if !ok {
		return fmt.Errorf("db error: %w", common.ErrNotFound)
	}
	delete(m.rows, storageID)
	f.StorageID = newStorageID
	f.Backend = backend
	f.VirtualPath = virtualPath
	m.rows[newStorageID] = f
	for i, id := range m.order {
		if id == storageID {
			m.order[i] = newStorageID
		}
	}
	return nil
}

func (m *memFiles) UpdateVirtualPath(ctx context.Context, storageID string, virtualPath *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.rows[storageID]
	if !ok {
		return fmt.Errorf("db error: %w", common.ErrNotFound)
	}
	f.VirtualPath = virtualPath
	return nil
}

func (m *memFiles) Delete(ctx context.Context, storageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[storageID]; !ok {
		return fmt.Errorf("db error: %w", common.ErrNotFound)
	}
	delete(m.rows, storageID)
	return nil
}

func (m *memFiles) List(ctx context.Context, after *filesrepo.Cursor, limit int) ([]*models.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := make([]*models.File, 0, len(m.rows))
	for _, f := range m.rows {
		cp := *f
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].StorageID > all[j].StorageID
	})
	out := make([]*models.File, 0, limit)
	for _, f := range all {
		if after != nil {
			beforeCursor := f.CreatedAt.Before(after.CreatedAt) ||
				(f.CreatedAt.Equal(after.CreatedAt) && f.StorageID < after.StorageID)
			if !beforeCursor {
				continue
			}
		}
		out = append(out, f)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memFiles) ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*models.File{}
	for _, id := range m.order {
		f, ok := m.rows[id]
		if !ok {
			continue
		}
		if f.Expired(now) {
			cp := *f
			out = append(out, &cp)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// memAccess keeps access entries in insertion order.
type memAccess struct {
	mu      sync.Mutex
	entries []*models.AccessEntry
	nextID  int64

	hasErr error
}

func newMemAccess() *memAccess { return &memAccess{} }

func (m *memAccess) Add(ctx context.Context, storageID, accessKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.StorageID == storageID && e.AccessKey == accessKey {
			return nil
		}
	}
	m.nextID++
	m.entries = append(m.entries, &models.AccessEntry{
		ID: m.nextID, StorageID: storageID, AccessKey: accessKey, CreatedAt: time.Now(),
	})
	return nil
}

func (m *memAccess) Remove(ctx context.Context, storageID, accessKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.entries {
		if e.StorageID == storageID && e.AccessKey == accessKey {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("db error: %w", common.ErrNotFound)
}

func (m *memAccess) Has(ctx context.Context, storageID, accessKey string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hasErr != nil {
		return false, m.hasErr
	}
	for _, e := range m.entries {
		if e.StorageID == storageID && e.AccessKey == accessKey {
			return true, nil
		}
	}
	return false, nil
}

func (m *memAccess) Count(ctx context.Context, storageID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.StorageID == storageID {
			n++
		}
	}
	return n, nil
}

func (m *memAccess) ListKeys(ctx context.Context, storageID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []string{}
	for _, e := range m.entries {
		if e.StorageID == storageID {
			out = append(out, e.AccessKey)
		}
	}
	return out, nil
}

func (m *memAccess) ListByAccessKey(ctx context.Context, accessKey string, afterID int64, limit int) ([]*models.AccessEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*models.AccessEntry{}
	for _, e := range m.entries {
		if e.AccessKey == accessKey && e.ID > afterID {
			cp := *e
			out = append(out, &cp)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memAccess) Repoint(ctx context.Context, storageID, newStorageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.StorageID == storageID {
			e.StorageID = newStorageID
		}
	}
	return nil
}

func (m *memAccess) DeleteAll(ctx context.Context, storageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.entries[:0]
	for _, e := range m.entries {
		if e.StorageID != storageID {
			kept = append(kept, e)
		}
	}
	m.entries = kept
	return nil
}

// memGrants keeps grants keyed by id.
type memGrants struct {
	mu   sync.Mutex
	rows map[string]*models.DownloadGrant

	incErr error
}

func newMemGrants() *memGrants { return &memGrants{rows: map[string]*models.DownloadGrant{}} }

func (m *memGrants) Create(ctx context.Context, g *models.DownloadGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}
	cp := *g
	m.rows[g.ID] = &cp
	return nil
}

func (m *memGrants) Get(ctx context.Context, id string) (*models.DownloadGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.rows[id]
	if !ok {
		return nil, fmt.Errorf("db error: %w", common.ErrNotFound)
	}
	cp := *g
	return &cp, nil
}

func (m *memGrants) IncrementUse(ctx context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.incErr != nil {
		return 0, m.incErr
	}
	g, ok := m.rows[id]
	if !ok {
		return 0, fmt.Errorf("db error: %w", common.ErrNotFound)
	}
	g.UseCount++
	return g.UseCount, nil
}

func (m *memGrants) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, id)
	return nil
}

func (m *memGrants) Repoint(ctx context.Context, storageID, newStorageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.rows {
		if g.StorageID == storageID {
			g.StorageID = newStorageID
		}
	}
	return nil
}

func (m *memGrants) DeleteByStorageID(ctx context.Context, storageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, g := range m.rows {
		if g.StorageID == storageID {
			delete(m.rows, id)
		}
	}
	return nil
}

func (m *memGrants) ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []string{}
	for id, g := range m.rows {
		if g.Expired(now) {
			out = append(out, id)
			if len(out) == limit {
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// memUploads keeps pending upload tickets keyed by token.
type memUploads struct {
	mu   sync.Mutex
	rows map[string]*models.PendingUpload
}

func newMemUploads() *memUploads { return &memUploads{rows: map[string]*models.PendingUpload{}} }

func (m *memUploads) Create(ctx context.Context, u *models.PendingUpload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	cp := *u
	m.rows[u.Token] = &cp
	return nil
}

func (m *memUploads) GetByToken(ctx context.Context, token string) (*models.PendingUpload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.rows[token]
	if !ok {
		return nil, fmt.Errorf("db error: %w", common.ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (m *memUploads) Delete(ctx context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, token)
	return nil
}

func (m *memUploads) ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []string{}
	for token, u := range m.rows {
		if !now.Before(u.ExpiresAt) {
			out = append(out, token)
			if len(out) == limit {
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

type fakeRepoManager struct {
	f *memFiles
	a *memAccess
	g *memGrants
	u *memUploads
}

func (m *fakeRepoManager) RunMigrations(context.Context, *sql.DB) error { return nil }
func (m *fakeRepoManager) Files(db dbx.DBTX) filesrepo.Repository       { return m.f }
func (m *fakeRepoManager) Access(db dbx.DBTX) accessrepo.Repository     { return m.a }
func (m *fakeRepoManager) Grants(db dbx.DBTX) grantsrepo.Repository     { return m.g }
func (m *fakeRepoManager) Uploads(db dbx.DBTX) uploadsrepo.Repository   { return m.u }

var _ repomanager.RepositoryManager = (*fakeRepoManager)(nil)

// --- in-memory storage backend ---

type fakeObject struct {
	data        []byte
	contentType string
}

type fakeStore struct {
	mu      sync.Mutex
	backend models.Backend
	objects map[string]*fakeObject

	uploadURL string
	signErr   error
	putErr    error

	// readURLFor builds the signed read URL; tests point it at a httptest
	// server when the transfer path actually fetches bytes.
	readURLFor func(key string) string

	deleted []string
}

func newFakeStore(b models.Backend) *fakeStore {
	return &fakeStore{
		backend:   b,
		objects:   map[string]*fakeObject{},
		uploadURL: "https://upload.test/" + string(b),
		readURLFor: func(key string) string {
			return "https://read.test/" + string(b) + "/" + key
		},
	}
}

func (s *fakeStore) putObject(key string, data []byte, contentType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = &fakeObject{data: data, contentType: contentType}
}

func (s *fakeStore) Backend() models.Backend { return s.backend }

func (s *fakeStore) UploadDestination(ctx context.Context, key string, expires time.Duration) (string, error) {
	if s.signErr != nil {
		return "", s.signErr
	}
	return s.uploadURL, nil
}

func (s *fakeStore) SignedReadURL(ctx context.Context, key string, expires time.Duration) (string, error) {
	if s.signErr != nil {
		return "", s.signErr
	}
	return s.readURLFor(key), nil
}

func (s *fakeStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if s.putErr != nil {
		return "", s.putErr
	}
	if key == "" {
		key = uuid.NewString()
	}
	s.putObject(key, data, contentType)
	return key, nil
}

func (s *fakeStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	s.deleted = append(s.deleted, key)
	return nil
}

func (s *fakeStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok, nil
}

func (s *fakeStore) HeadMetadata(ctx context.Context, key string) (*models.Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, common.ErrNotFound
	}
	return &models.Metadata{
		Size:        int64(len(obj.data)),
		Hash:        "fake-hash",
		ContentType: obj.contentType,
	}, nil
}

var _ storage.Store = (*fakeStore)(nil)

// --- wired environment ---

type testEnv struct {
	db    *sql.DB
	mock  sqlmock.Sqlmock
	rm    *fakeRepoManager
	depot *fakeStore
	r2    *fakeStore
	tasks *taskq.Runner
	cfg   *config.Config

	registry *RegistryService
	uploads  *UploadService
	grants   *GrantService
	transfer *TransferService
	sweeper  *SweepService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, mock := newSQLMockDB(t)
	t.Cleanup(func() { db.Close() })

	rm := &fakeRepoManager{
		f: newMemFiles(),
		a: newMemAccess(),
		g: newMemGrants(),
		u: newMemUploads(),
	}
	depot := newFakeStore(models.BackendDepot)
	r2 := newFakeStore(models.BackendR2)
	stores := storage.NewSet(depot, r2)

	logger := testLogger()
	tasks := taskq.NewRunnerWithBackoff(logger, time.Millisecond, 5*time.Millisecond)

	cfg := &config.Config{}
	cfg.LoadDefaults()

	registry := NewRegistryService(db, rm, stores, tasks, cfg, logger)
	uploads := NewUploadService(db, rm, stores, registry, cfg, logger)
	grants := NewGrantService(db, rm, stores, registry, tasks, cfg, logger)
	transfer := NewTransferService(db, rm, stores, registry, tasks, cfg, logger)
	sweeper := NewSweepService(db, rm, registry, logger)

	return &testEnv{
		db: db, mock: mock, rm: rm, depot: depot, r2: r2, tasks: tasks, cfg: cfg,
		registry: registry, uploads: uploads, grants: grants,
		transfer: transfer, sweeper: sweeper,
	}
}

// expectTx queues one begin/commit pair for code paths that run a
// transaction against the mock database.
func (e *testEnv) expectTx() {
	e.mock.ExpectBegin()
	e.mock.ExpectCommit()
}

// registerDepotFile stores bytes in the depot and registers the file,
// returning its storage id.
func (e *testEnv) registerDepotFile(t *testing.T, storageID string, keys []string, vpath *string) string {
	t.Helper()
	e.depot.putObject(storageID, []byte("payload"), "text/plain")
	e.expectTx()
	_, err := e.registry.Register(context.Background(), RegisterParams{
		StorageID:   storageID,
		Backend:     models.BackendDepot,
		AccessKeys:  keys,
		VirtualPath: vpath,
	})
	if err != nil {
		t.Fatalf("register error: %v", err)
	}
	return storageID
}
