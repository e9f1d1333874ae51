// Package syncer reconciles backend storage with the metadata index by
// walking the live tree and upserting what it finds.
package syncer

import (
	"context"
	"database/sql"

	"filedex/internal/core"
	"filedex/internal/index"
)

// Directories never indexed: thumbnail caches live beside the data they
// derive from and must not show up as content.
var skipDirs = map[string]bool{
	".thumbnails": true,
	"thumbnails":  true,
}

// Report summarizes one sync run.
type Report struct {
	RunID    string
	Scanned  int
	Inserted int
	Updated  int
	Skipped  int
	Pruned   int
}

// Engine walks a storage backend depth-first and keeps Node and FileEntry
// rows in lockstep with what the backend reports.
type Engine struct {
	store *index.Store
	log   core.Logger
	clock core.Clock
	ids   core.IDGenerator
}

func NewEngine(store *index.Store, log core.Logger, clock core.Clock, ids core.IDGenerator) *Engine {
	return &Engine{store: store, log: log, clock: clock, ids: ids}
}

type walkState struct {
	storageID   int64
	backend     core.Backend
	visitedDirs map[string]bool
	visited     map[string]bool
	report      *Report
}

// Sync walks the backend tree under rootPath and reconciles the index.
//
// Pruning only happens for local backends: S3 listings are paginated and
// single-level, so a partial walk cannot prove an object is gone, and
// pruning there would soft-delete rows for entries that still exist.
func (e *Engine) Sync(ctx context.Context, storageID int64, backend core.Backend, rootPath string) (*Report, error) {
	rootKey := core.DirectoryKey(rootPath)
	report := &Report{RunID: e.ids.New()}
	start := e.clock.Now()

	st := &walkState{
		storageID:   storageID,
		backend:     backend,
		visitedDirs: make(map[string]bool),
		visited:     make(map[string]bool),
		report:      report,
	}
	// The root itself is never an entry of any listing; mark it visited so
	// pruning can never remove its own node.
	st.visited[rootKey] = true

	if err := e.walk(ctx, st, rootKey); err != nil {
		return report, err
	}

	if backend.Kind() == core.KindLocal {
		if err := e.prune(ctx, st, rootKey); err != nil {
			return report, err
		}
	}

	e.log.Info("sync finished",
		"run_id", report.RunID,
		"storage_id", storageID,
		"root", core.DisplayPath(rootKey),
		"scanned", report.Scanned,
		"inserted", report.Inserted,
		"updated", report.Updated,
		"skipped", report.Skipped,
		"pruned", report.Pruned,
		"duration", e.clock.Now().Sub(start).String(),
	)
	return report, nil
}

func (e *Engine) walk(ctx context.Context, st *walkState, dirKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// Cyclic symlinks (local) and malformed prefixes (S3) would otherwise
	// recurse forever.
	if st.visitedDirs[dirKey] {
		return nil
	}
	st.visitedDirs[dirKey] = true

	listing, err := st.backend.List(ctx, core.DisplayPath(dirKey), core.ListOptions{})
	if err != nil {
		// One unreadable directory must not abort the whole sync.
		st.report.Skipped++
		e.log.Warn("sync: skipping unreadable directory", "path", core.DisplayPath(dirKey), "error", err)
		return nil
	}

	for _, item := range listing.Items {
		if item.Type == core.EntryDirectory && skipDirs[item.Name] {
			continue
		}
		childPath := dirKey + "/" + item.Name
		if len(item.Name) > core.MaxNameLen || len(childPath) > core.MaxPathLen {
			st.report.Skipped++
			continue
		}
		st.report.Scanned++

		if item.Type == core.EntryDirectory {
			st.visited[childPath] = true
			if err := e.upsertDir(ctx, st, childPath, item.Name); err != nil {
				st.report.Skipped++
				e.log.Warn("sync: skipping directory", "path", childPath, "error", err)
				continue
			}
			if err := e.walk(ctx, st, childPath); err != nil {
				return err
			}
			continue
		}

		st.visited[childPath] = true
		if err := e.upsertFile(ctx, st, dirKey, childPath, item); err != nil {
			st.report.Skipped++
			e.log.Warn("sync: skipping file", "path", childPath, "error", err)
		}
	}
	return nil
}

func (e *Engine) upsertDir(ctx context.Context, st *walkState, path, name string) error {
	existing, err := e.store.GetNodeByPath(ctx, st.storageID, path)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	_, err = e.store.InsertNode(ctx, &index.Node{
		StorageID: st.storageID,
		Path:      path,
		Name:      name,
		IsDir:     true,
	})
	if err != nil {
		return err
	}
	st.report.Inserted++
	return nil
}

func (e *Engine) upsertFile(ctx context.Context, st *walkState, dirKey, path string, item core.ListItem) error {
	mime := sql.NullString{String: item.MimeType, Valid: item.MimeType != ""}

	node, err := e.store.GetNodeByPath(ctx, st.storageID, path)
	if err != nil {
		return err
	}
	switch {
	case node == nil:
		if _, err := e.store.InsertNode(ctx, &index.Node{
			StorageID: st.storageID,
			Path:      path,
			Name:      item.Name,
			IsDir:     false,
			SizeBytes: item.Size,
			MimeType:  mime,
		}); err != nil {
			return err
		}
		st.report.Inserted++
	case node.SizeBytes != item.Size || node.MimeType.String != item.MimeType:
		if err := e.store.UpdateNodeMeta(ctx, node.ID, item.Size, mime); err != nil {
			return err
		}
		st.report.Updated++
	}

	// The legacy file table is kept in lockstep but does not feed the
	// counters; the Node row is authoritative.
	entry, err := e.store.GetFileEntry(ctx, st.storageID, dirKey, item.Name)
	if err != nil {
		return err
	}
	if entry == nil {
		_, err := e.store.InsertFileEntry(ctx, &index.FileEntry{
			StorageID:    st.storageID,
			Directory:    dirKey,
			OriginalName: item.Name,
			AliasName:    item.Name,
			SizeBytes:    item.Size,
			MimeType:     mime,
		})
		return err
	}
	if entry.SizeBytes != item.Size || entry.MimeType.String != item.MimeType {
		return e.store.UpdateFileEntryMeta(ctx, entry.ID, item.Size, mime)
	}
	return nil
}

func (e *Engine) prune(ctx context.Context, st *walkState, rootKey string) error {
	nodes, err := e.store.NodesUnderPrefix(ctx, st.storageID, rootKey)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		if st.visited[n.Path] {
			continue
		}
		if err := e.store.SoftDeleteNode(ctx, n.ID); err != nil {
			return err
		}
		st.report.Pruned++
	}

	entries, err := e.store.FileEntriesUnderPrefix(ctx, st.storageID, rootKey)
	if err != nil {
		return err
	}
	for _, f := range entries {
		if st.visited[f.FullPath()] {
			continue
		}
		if err := e.store.SoftDeleteFileEntry(ctx, f.ID); err != nil {
			return err
		}
	}
	return nil
}
