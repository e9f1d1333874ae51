// Package service is the operation surface over storage backends and the
// metadata index: one method per storage verb, plus storage config
// management and sync.
package service

import (
	"context"
	"strings"
	"sync"

	"filedex/internal/backend"
	"filedex/internal/core"
	"filedex/internal/index"
	"filedex/internal/listing"
	"filedex/internal/propagate"
	"filedex/internal/secrets"
	"filedex/internal/syncer"
	"filedex/internal/thumbs"
)

// Service orchestrates one verb per call: resolve the storage config,
// build its backend, call the backend, then propagate to the index.
// Mutations and syncs hold a per-storage advisory lock so concurrent
// operations on the same storage cannot interleave their index writes.
type Service struct {
	store  *index.Store
	list   *listing.Engine
	sync   *syncer.Engine
	prop   *propagate.Propagator
	thumbs *thumbs.Cache
	keeper *secrets.Keeper // nil means credentials are stored in plaintext
	log    core.Logger

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func New(store *index.Store, keeper *secrets.Keeper, log core.Logger, clock core.Clock, ids core.IDGenerator) *Service {
	syncEngine := syncer.NewEngine(store, log, clock, ids)
	return &Service{
		store:  store,
		list:   listing.NewEngine(store, log),
		sync:   syncEngine,
		prop:   propagate.New(store, syncEngine, log),
		thumbs: thumbs.NewCache(log),
		keeper: keeper,
		log:    log,
		locks:  make(map[int64]*sync.Mutex),
	}
}

func (s *Service) lockFor(storageID int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[storageID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[storageID] = l
	}
	return l
}

// Storage config management

func (s *Service) CreateStorage(ctx context.Context, cfg *index.StorageConfig) (*index.StorageConfig, error) {
	if strings.TrimSpace(cfg.Name) == "" {
		return nil, core.E(core.KindInvalidArgument, "storage name must not be empty")
	}
	if cfg.Kind != core.KindLocal && cfg.Kind != core.KindS3 {
		return nil, core.E(core.KindInvalidArgument, "unsupported storage kind %q", cfg.Kind)
	}
	existing, err := s.store.GetStorageConfigByName(ctx, cfg.Name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, core.E(core.KindConflict, "storage %q already exists", cfg.Name)
	}
	if s.keeper != nil && cfg.SecretAccessKey != "" && !secrets.IsEncrypted(cfg.SecretAccessKey) {
		sealed, err := s.keeper.Encrypt(cfg.SecretAccessKey)
		if err != nil {
			return nil, core.Wrap(core.KindInternal, err, "sealing storage credentials")
		}
		cfg.SecretAccessKey = sealed
	}
	created, err := s.store.CreateStorageConfig(ctx, cfg)
	if err != nil {
		return nil, core.Wrap(core.KindInternal, err, "creating storage %q", cfg.Name)
	}
	s.log.Info("storage created", "storage_id", created.ID, "name", created.Name, "kind", created.Kind)
	return created, nil
}

func (s *Service) GetStorage(ctx context.Context, id int64) (*index.StorageConfig, error) {
	cfg, err := s.store.GetStorageConfig(ctx, id)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, core.E(core.KindNotFound, "storage %d not found", id)
	}
	return cfg, nil
}

func (s *Service) ListStorages(ctx context.Context) ([]*index.StorageConfig, error) {
	return s.store.ListStorageConfigs(ctx)
}

func (s *Service) DeleteStorage(ctx context.Context, id int64) error {
	if _, err := s.GetStorage(ctx, id); err != nil {
		return err
	}
	return s.store.SoftDeleteStorageConfig(ctx, id)
}

// TestStorage verifies a storage is reachable by listing its root.
func (s *Service) TestStorage(ctx context.Context, id int64) error {
	b, _, err := s.backendFor(ctx, id)
	if err != nil {
		return err
	}
	if _, err := b.List(ctx, "/", core.ListOptions{}); err != nil {
		return core.Wrap(core.KindDependencyUnavailable, err, "storage %d is not reachable", id)
	}
	return nil
}

// backendFor resolves a storage config, decrypts its credentials, and
// constructs the matching backend.
func (s *Service) backendFor(ctx context.Context, id int64) (core.Backend, *index.StorageConfig, error) {
	cfg, err := s.GetStorage(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if s.keeper != nil && secrets.IsEncrypted(cfg.SecretAccessKey) {
		plain, err := s.keeper.Decrypt(cfg.SecretAccessKey)
		if err != nil {
			return nil, nil, core.Wrap(core.KindInternal, err, "unsealing storage credentials")
		}
		cfg.SecretAccessKey = plain
	}
	b, err := backend.New(ctx, cfg, s.log)
	if err != nil {
		return nil, nil, err
	}
	return b, cfg, nil
}

// Index-backed listing

func (s *Service) List(ctx context.Context, storageID int64, req listing.Request) (*listing.Page, error) {
	if _, err := s.GetStorage(ctx, storageID); err != nil {
		return nil, err
	}
	req.StorageID = storageID
	return s.list.List(ctx, req)
}

func (s *Service) Count(ctx context.Context, storageID int64, req listing.Request) (*listing.Counts, error) {
	if _, err := s.GetStorage(ctx, storageID); err != nil {
		return nil, err
	}
	req.StorageID = storageID
	return s.list.Count(ctx, req)
}

// Storage verbs. Each calls the backend first; index propagation only
// runs after the backend mutation succeeded.

func (s *Service) Upload(ctx context.Context, storageID int64, path string, files []core.UploadFile) ([]core.UploadResult, error) {
	b, _, err := s.backendFor(ctx, storageID)
	if err != nil {
		return nil, err
	}
	lock := s.lockFor(storageID)
	lock.Lock()
	defer lock.Unlock()

	results := b.Upload(ctx, path, files)
	if err := s.prop.Upload(ctx, storageID, path, files, results); err != nil {
		return results, core.Wrap(core.KindInternal, err, "indexing uploads")
	}
	return results, nil
}

func (s *Service) Download(ctx context.Context, storageID int64, path string) (*core.Content, error) {
	b, _, err := s.backendFor(ctx, storageID)
	if err != nil {
		return nil, err
	}
	return b.Download(ctx, path)
}

func (s *Service) Preview(ctx context.Context, storageID int64, path string) (*core.Content, error) {
	b, _, err := s.backendFor(ctx, storageID)
	if err != nil {
		return nil, err
	}
	return b.Preview(ctx, path)
}

func (s *Service) Mkdir(ctx context.Context, storageID int64, parent, name string) error {
	if strings.TrimSpace(name) == "" {
		return core.E(core.KindInvalidArgument, "name must not be empty")
	}
	b, _, err := s.backendFor(ctx, storageID)
	if err != nil {
		return err
	}
	lock := s.lockFor(storageID)
	lock.Lock()
	defer lock.Unlock()

	if err := b.Mkdir(ctx, parent, name); err != nil {
		return err
	}
	return s.prop.Mkdir(ctx, storageID, parent, name)
}

func (s *Service) Rename(ctx context.Context, storageID int64, oldPath, newPath string) error {
	b, _, err := s.backendFor(ctx, storageID)
	if err != nil {
		return err
	}
	lock := s.lockFor(storageID)
	lock.Lock()
	defer lock.Unlock()

	if err := b.Rename(ctx, oldPath, newPath); err != nil {
		return err
	}
	return s.prop.Rename(ctx, storageID, b, oldPath, newPath)
}

func (s *Service) Move(ctx context.Context, storageID int64, sources []string, destination string) error {
	if err := rejectSelfContainment(sources, destination); err != nil {
		return err
	}
	b, _, err := s.backendFor(ctx, storageID)
	if err != nil {
		return err
	}
	lock := s.lockFor(storageID)
	lock.Lock()
	defer lock.Unlock()

	if err := b.Move(ctx, sources, destination); err != nil {
		return err
	}
	return s.prop.Move(ctx, storageID, b, sources, destination)
}

func (s *Service) Copy(ctx context.Context, storageID int64, sources []string, destination string) error {
	if err := rejectSelfContainment(sources, destination); err != nil {
		return err
	}
	b, _, err := s.backendFor(ctx, storageID)
	if err != nil {
		return err
	}
	lock := s.lockFor(storageID)
	lock.Lock()
	defer lock.Unlock()

	if err := b.Copy(ctx, sources, destination); err != nil {
		return err
	}
	return s.prop.Copy(ctx, storageID, b, sources, destination)
}

func (s *Service) Delete(ctx context.Context, storageID int64, paths []string) error {
	b, _, err := s.backendFor(ctx, storageID)
	if err != nil {
		return err
	}
	lock := s.lockFor(storageID)
	lock.Lock()
	defer lock.Unlock()

	if err := b.Delete(ctx, paths); err != nil {
		return err
	}
	return s.prop.Delete(ctx, storageID, paths)
}

// rejectSelfContainment fails a move/copy whose destination sits inside
// one of its own sources, before any backend call happens.
func rejectSelfContainment(sources []string, destination string) error {
	for _, src := range sources {
		if core.IsWithin(src, destination) {
			return core.E(core.KindInvalidArgument,
				"cannot place %s inside itself or its own subtree", src)
		}
	}
	return nil
}

// Sync reconciles the index with live storage under rootPath.
func (s *Service) Sync(ctx context.Context, storageID int64, rootPath string) (*syncer.Report, error) {
	b, cfg, err := s.backendFor(ctx, storageID)
	if err != nil {
		return nil, err
	}
	lock := s.lockFor(storageID)
	lock.Lock()
	defer lock.Unlock()

	s.log.Info("sync starting", "storage_id", storageID, "name", cfg.Name, "root", rootPath)
	return s.sync.Sync(ctx, storageID, b, rootPath)
}

// Thumbnail returns a resized derivative of an image file.
func (s *Service) Thumbnail(ctx context.Context, storageID int64, path string, opts thumbs.Options) (*core.Content, error) {
	b, _, err := s.backendFor(ctx, storageID)
	if err != nil {
		return nil, err
	}
	return s.thumbs.GetOrCreate(ctx, b, path, opts)
}
