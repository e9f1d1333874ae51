package app

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"filedex/internal/config"
	"filedex/internal/core"
	"filedex/internal/index"
	"filedex/internal/secrets"
	"filedex/internal/service"
	"filedex/internal/thumbs"
)

// App is the application layer between the CLI and the Service.
// It constructs all dependencies from config and manages the DB and log
// file lifecycle on Close.
type App struct {
	cfg     *config.Config
	store   *index.Store
	Service *service.Service
	logFile *os.File
}

// NewApp creates a fully wired App from the given config.
// operation identifies the CLI command being run (e.g. "Sync", "Upload");
// it becomes the operation ID prefix in the log output.
// The caller must call Close when done.
func NewApp(cfg *config.Config, operation string) (*App, error) {
	store, err := index.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening index database: %w", err)
	}

	if err := store.CheckMigrations(); err != nil {
		store.Close()
		return nil, fmt.Errorf("database schema out of date: %w", err)
	}

	var keeper *secrets.Keeper
	if cfg.Secrets.Encrypt {
		passphrase := os.Getenv("FILEDEX_PASSPHRASE")
		if passphrase == "" {
			store.Close()
			return nil, fmt.Errorf("secrets.encrypt is enabled but FILEDEX_PASSPHRASE is not set")
		}
		keeper = secrets.NewKeeper(passphrase)
	}

	opID := operation + "-" + time.Now().UTC().Format("20060102T150405Z")
	logger, logFile, err := newLogger(cfg.LogDir, opID)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	svc := service.New(store, keeper, &slogAdapter{l: logger}, core.RealClock{}, core.UUIDGenerator{})

	return &App{
		cfg:     cfg,
		store:   store,
		Service: svc,
		logFile: logFile,
	}, nil
}

// ResolveStorage maps a CLI storage argument to a storage config.
// The argument may be a storage name or a numeric ID.
func (a *App) ResolveStorage(ctx context.Context, arg string) (*index.StorageConfig, error) {
	if id, err := strconv.ParseInt(arg, 10, 64); err == nil {
		sc, err := a.Service.GetStorage(ctx, id)
		if err == nil {
			return sc, nil
		}
		if !core.IsKind(err, core.KindNotFound) {
			return nil, err
		}
		// Fall through: a name could be all digits.
	}

	all, err := a.Service.ListStorages(ctx)
	if err != nil {
		return nil, err
	}
	for _, sc := range all {
		if sc.Name == arg {
			return sc, nil
		}
	}
	return nil, core.E(core.KindNotFound, "no storage named %q", arg)
}

// ThumbnailOptions fills unset fields of opts from the configured
// thumbnail defaults. Explicit values always win; fields the config
// leaves at zero fall through to the package defaults.
func (a *App) ThumbnailOptions(opts thumbs.Options) thumbs.Options {
	if opts.Width == 0 {
		opts.Width = a.cfg.Thumbnails.Width
	}
	if opts.Quality == 0 {
		opts.Quality = a.cfg.Thumbnails.Quality
	}
	return opts
}

// Close closes all resources.
func (a *App) Close() error {
	var firstErr error

	if err := a.store.Close(); err != nil {
		firstErr = fmt.Errorf("closing database: %w", err)
	}

	if a.logFile != nil {
		a.logFile.Close()
	}

	return firstErr
}
