// Package propagate applies index updates after a backend mutation has
// already succeeded. The backend call happens-before everything here; a
// failure on the backend side means none of this runs.
package propagate

import (
	"context"
	"database/sql"
	"strings"

	"filedex/internal/core"
	"filedex/internal/index"
	"filedex/internal/syncer"
)

// Propagator rewrites Node and FileEntry rows to mirror completed backend
// mutations. Bulk rewrites run inside one transaction; they are string
// rewrites over the index, never per-file backend round trips.
type Propagator struct {
	store *index.Store
	sync  *syncer.Engine
	log   core.Logger
}

func New(store *index.Store, sync *syncer.Engine, log core.Logger) *Propagator {
	return &Propagator{store: store, sync: sync, log: log}
}

// Mkdir records one directory node, if absent.
func (p *Propagator) Mkdir(ctx context.Context, storageID int64, parent, name string) error {
	path := core.DirectoryKey(parent) + "/" + name
	existing, err := p.store.GetNodeByPath(ctx, storageID, path)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	_, err = p.store.InsertNode(ctx, &index.Node{
		StorageID: storageID,
		Path:      path,
		Name:      name,
		IsDir:     true,
	})
	return err
}

// Rename relocates the index rows for one renamed path. backend is only
// consulted when the source was never indexed and metadata has to be
// backfilled from a live listing.
func (p *Propagator) Rename(ctx context.Context, storageID int64, b core.Backend, oldPath, newPath string) error {
	return p.relocate(ctx, storageID, b, oldPath, newPath)
}

// Move relocates rows for each source into the destination directory.
func (p *Propagator) Move(ctx context.Context, storageID int64, b core.Backend, sources []string, destination string) error {
	destKey := core.DirectoryKey(destination)
	for _, src := range sources {
		if err := p.relocate(ctx, storageID, b, src, destKey+"/"+core.Basename(src)); err != nil {
			return err
		}
	}
	return nil
}

func (p *Propagator) relocate(ctx context.Context, storageID int64, b core.Backend, oldPath, newPath string) error {
	oldKey := core.DirectoryKey(oldPath)
	newKey := core.DirectoryKey(newPath)

	node, err := p.store.GetNodeByPath(ctx, storageID, oldKey)
	if err != nil {
		return err
	}

	if node == nil || node.IsDir {
		moved, err := p.relocateSubtree(ctx, storageID, oldKey, newKey)
		if err != nil {
			return err
		}
		if moved || node != nil {
			return nil
		}
		// Nothing indexed under the old path at all. The backend call has
		// already succeeded, so the destination listing says whether this
		// was a directory or a file.
		if item := p.statEntry(ctx, b, newKey); item != nil && item.Type == core.EntryDirectory {
			dir, name := core.SplitPath(newKey)
			if err := p.Mkdir(ctx, storageID, dir, name); err != nil {
				return err
			}
			_, err := p.sync.Sync(ctx, storageID, b, newKey)
			return err
		}
	}

	return p.relocateFile(ctx, storageID, b, node, oldKey, newKey)
}

// relocateSubtree prefix-replaces every row at or under oldKey in one
// transaction. Reports whether any row was rewritten.
func (p *Propagator) relocateSubtree(ctx context.Context, storageID int64, oldKey, newKey string) (bool, error) {
	tx, err := p.store.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	txStore := p.store.WithTx(tx)

	nodes, err := txStore.NodesUnderPrefix(ctx, storageID, oldKey)
	if err != nil {
		return false, err
	}
	for _, n := range nodes {
		rewritten := newKey + strings.TrimPrefix(n.Path, oldKey)
		if err := txStore.UpdateNodeLocation(ctx, n.ID, rewritten, core.Basename(rewritten)); err != nil {
			return false, err
		}
	}

	entries, err := txStore.FileEntriesUnderPrefix(ctx, storageID, oldKey)
	if err != nil {
		return false, err
	}
	for _, f := range entries {
		newDir := newKey + strings.TrimPrefix(f.Directory, oldKey)
		if err := txStore.UpdateFileEntryLocation(ctx, f.ID, newDir, f.AliasName); err != nil {
			return false, err
		}
	}

	if len(nodes) == 0 && len(entries) == 0 {
		return false, nil
	}
	return true, tx.Commit()
}

func (p *Propagator) relocateFile(ctx context.Context, storageID int64, b core.Backend, node *index.Node, oldKey, newKey string) error {
	newDir, newName := core.SplitPath(newKey)

	tx, err := p.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	txStore := p.store.WithTx(tx)

	size := int64(0)
	mime := sql.NullString{}
	if node != nil {
		size = node.SizeBytes
		mime = node.MimeType
		if err := txStore.UpdateNodeLocation(ctx, node.ID, newKey, newName); err != nil {
			return err
		}
	} else {
		// Never indexed (created out-of-band). Backfill size and mime from
		// a one-shot listing; a failed backfill means zero metadata, not a
		// failed mutation.
		size, mime = p.backfillMeta(ctx, b, newDir, newName)
		if _, err := txStore.InsertNode(ctx, &index.Node{
			StorageID: storageID,
			Path:      newKey,
			Name:      newName,
			SizeBytes: size,
			MimeType:  mime,
		}); err != nil {
			return err
		}
	}

	oldDir, oldName := core.SplitPath(oldKey)
	entry, err := txStore.GetFileEntry(ctx, storageID, oldDir, oldName)
	if err != nil {
		return err
	}
	if entry != nil {
		if err := txStore.UpdateFileEntryLocation(ctx, entry.ID, newDir, newName); err != nil {
			return err
		}
	} else {
		if _, err := txStore.InsertFileEntry(ctx, &index.FileEntry{
			StorageID:    storageID,
			Directory:    newDir,
			OriginalName: newName,
			AliasName:    newName,
			SizeBytes:    size,
			MimeType:     mime,
		}); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *Propagator) backfillMeta(ctx context.Context, b core.Backend, dirKey, name string) (int64, sql.NullString) {
	item := p.statEntry(ctx, b, dirKey+"/"+name)
	if item == nil || item.Type != core.EntryFile {
		return 0, sql.NullString{}
	}
	return item.Size, sql.NullString{String: item.MimeType, Valid: item.MimeType != ""}
}

// statEntry finds what the backend reports at key by listing its parent
// directory. Returns nil when the entry cannot be confirmed; callers
// degrade to their fallback instead of failing the mutation.
func (p *Propagator) statEntry(ctx context.Context, b core.Backend, key string) *core.ListItem {
	if b == nil {
		return nil
	}
	dir, name := core.SplitPath(key)
	listing, err := b.List(ctx, core.DisplayPath(dir), core.ListOptions{})
	if err != nil {
		p.log.Warn("propagate: destination lookup failed", "dir", core.DisplayPath(dir), "error", err)
		return nil
	}
	for i := range listing.Items {
		if listing.Items[i].Name == name {
			return &listing.Items[i]
		}
	}
	return nil
}

// Copy duplicates index rows for each copied source. A source with no
// indexed rows at all falls back to syncing the destination subtree.
func (p *Propagator) Copy(ctx context.Context, storageID int64, b core.Backend, sources []string, destination string) error {
	destKey := core.DirectoryKey(destination)
	for _, src := range sources {
		if err := p.copyOne(ctx, storageID, b, src, destKey); err != nil {
			return err
		}
	}
	return nil
}

func (p *Propagator) copyOne(ctx context.Context, storageID int64, b core.Backend, src, destKey string) error {
	srcKey := core.DirectoryKey(src)
	newKey := destKey + "/" + core.Basename(srcKey)

	nodes, err := p.store.NodesUnderPrefix(ctx, storageID, srcKey)
	if err != nil {
		return err
	}
	entries, err := p.store.FileEntriesUnderPrefix(ctx, storageID, srcKey)
	if err != nil {
		return err
	}
	if len(nodes) == 0 && len(entries) == 0 {
		// Source never indexed. The backend copy has already succeeded, so
		// the destination listing says whether this was a file or a tree.
		if item := p.statEntry(ctx, b, newKey); item != nil {
			if item.Type == core.EntryFile {
				return p.copyFileRows(ctx, storageID, newKey, item)
			}
			dir, name := core.SplitPath(newKey)
			if err := p.Mkdir(ctx, storageID, dir, name); err != nil {
				return err
			}
		}
		_, err := p.sync.Sync(ctx, storageID, b, newKey)
		return err
	}

	tx, err := p.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	txStore := p.store.WithTx(tx)

	for _, n := range nodes {
		rewritten := newKey + strings.TrimPrefix(n.Path, srcKey)
		if _, err := txStore.InsertNode(ctx, &index.Node{
			StorageID: storageID,
			Path:      rewritten,
			Name:      core.Basename(rewritten),
			IsDir:     n.IsDir,
			SizeBytes: n.SizeBytes,
			MimeType:  n.MimeType,
		}); err != nil {
			return err
		}
	}
	for _, f := range entries {
		newDir := newKey + strings.TrimPrefix(f.Directory, srcKey)
		if _, err := txStore.InsertFileEntry(ctx, &index.FileEntry{
			StorageID:    storageID,
			Directory:    newDir,
			OriginalName: f.OriginalName,
			AliasName:    f.AliasName,
			Purpose:      f.Purpose,
			SizeBytes:    f.SizeBytes,
			MimeType:     f.MimeType,
		}); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// copyFileRows inserts destination rows for a copied file that had no
// index presence at the source.
func (p *Propagator) copyFileRows(ctx context.Context, storageID int64, key string, item *core.ListItem) error {
	dir, name := core.SplitPath(key)
	mime := sql.NullString{String: item.MimeType, Valid: item.MimeType != ""}

	existing, err := p.store.GetNodeByPath(ctx, storageID, key)
	if err != nil {
		return err
	}
	if existing == nil {
		if _, err := p.store.InsertNode(ctx, &index.Node{
			StorageID: storageID,
			Path:      key,
			Name:      name,
			SizeBytes: item.Size,
			MimeType:  mime,
		}); err != nil {
			return err
		}
	}

	entry, err := p.store.GetFileEntry(ctx, storageID, dir, name)
	if err != nil {
		return err
	}
	if entry == nil {
		if _, err := p.store.InsertFileEntry(ctx, &index.FileEntry{
			StorageID:    storageID,
			Directory:    dir,
			OriginalName: name,
			AliasName:    name,
			SizeBytes:    item.Size,
			MimeType:     mime,
		}); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes index rows for each deleted path, matching the exact
// path and the whole subtree under it. Rows are hard-deleted; a failed
// hard delete degrades to a soft delete instead of failing the operation.
func (p *Propagator) Delete(ctx context.Context, storageID int64, paths []string) error {
	for _, path := range paths {
		key := core.DirectoryKey(path)
		nodes, err := p.store.NodesUnderPrefix(ctx, storageID, key)
		if err != nil {
			return err
		}
		for _, n := range nodes {
			if err := p.store.HardDeleteNode(ctx, n.ID); err != nil {
				p.log.Warn("propagate: hard delete failed, soft-deleting", "path", n.Path, "error", err)
				if err := p.store.SoftDeleteNode(ctx, n.ID); err != nil {
					return err
				}
			}
		}
		entries, err := p.store.FileEntriesUnderPrefix(ctx, storageID, key)
		if err != nil {
			return err
		}
		for _, f := range entries {
			if err := p.store.HardDeleteFileEntry(ctx, f.ID); err != nil {
				p.log.Warn("propagate: hard delete failed, soft-deleting", "path", f.FullPath(), "error", err)
				if err := p.store.SoftDeleteFileEntry(ctx, f.ID); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Upload records rows for each successfully uploaded file.
func (p *Propagator) Upload(ctx context.Context, storageID int64, dirPath string, files []core.UploadFile, results []core.UploadResult) error {
	dirKey := core.DirectoryKey(dirPath)
	for i, res := range results {
		if res.Status != core.UploadSuccess {
			continue
		}
		size := int64(0)
		if i < len(files) {
			size = files[i].Size
		}
		mimeType := core.MimeByName(res.Name)
		mime := sql.NullString{String: mimeType, Valid: true}

		existing, err := p.store.GetNodeByPath(ctx, storageID, dirKey+"/"+res.Name)
		if err != nil {
			return err
		}
		if existing == nil {
			if _, err := p.store.InsertNode(ctx, &index.Node{
				StorageID: storageID,
				Path:      dirKey + "/" + res.Name,
				Name:      res.Name,
				SizeBytes: size,
				MimeType:  mime,
			}); err != nil {
				return err
			}
		}
		entry, err := p.store.GetFileEntry(ctx, storageID, dirKey, res.Name)
		if err != nil {
			return err
		}
		if entry == nil {
			if _, err := p.store.InsertFileEntry(ctx, &index.FileEntry{
				StorageID:    storageID,
				Directory:    dirKey,
				OriginalName: res.Name,
				AliasName:    res.Name,
				SizeBytes:    size,
				MimeType:     mime,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}
