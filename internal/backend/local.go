// Package backend implements the storage verbs over concrete media:
// a rooted local filesystem and S3-compatible object stores.
package backend

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"filedex/internal/core"
)

// Local serves a directory tree rooted at a fixed path. Every incoming
// path is resolved against the root with a containment check, so callers
// cannot escape it with ".." segments.
type Local struct {
	root string
	log  core.Logger
}

// NewLocal creates a Local backend rooted at rootPath, which must exist
// and be a directory.
func NewLocal(rootPath string, log core.Logger) (*Local, error) {
	abs, err := filepath.Abs(rootPath)
	if err != nil {
		return nil, fmt.Errorf("resolving storage root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, core.Wrap(core.KindNotFound, err, "storage root %s not accessible", abs)
	}
	if !info.IsDir() {
		return nil, core.E(core.KindInvalidArgument, "storage root %s is not a directory", abs)
	}
	return &Local{root: abs, log: log}, nil
}

func (l *Local) Kind() string { return core.KindLocal }

// resolve maps an absolute-form path to a real filesystem path under the
// root. filepath.Join collapses ".." segments, so the prefix check below
// catches every escape attempt.
func (l *Local) resolve(p string) (string, error) {
	abs := core.NormalizeAbsolute(p)
	if len(abs) > core.MaxPathLen {
		return "", core.E(core.KindInvalidArgument, "path exceeds %d characters", core.MaxPathLen)
	}
	full := filepath.Join(l.root, filepath.FromSlash(abs))
	if full != l.root && !strings.HasPrefix(full, l.root+string(filepath.Separator)) {
		return "", core.E(core.KindInvalidArgument, "path %q escapes the storage root", p)
	}
	return full, nil
}

func (l *Local) List(ctx context.Context, path string, opts core.ListOptions) (*core.Listing, error) {
	full, err := l.resolve(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, core.E(core.KindNotFound, "directory %s not found", path)
		}
		return nil, core.Wrap(core.KindInternal, err, "reading directory %s", path)
	}

	var dirs, files []core.ListItem
	for _, e := range entries {
		name := e.Name()
		if opts.Search != "" && !strings.Contains(strings.ToLower(name), strings.ToLower(opts.Search)) {
			continue
		}
		if e.IsDir() {
			dirs = append(dirs, core.ListItem{Name: name, Type: core.EntryDirectory})
			continue
		}
		if !core.FileTypeAllowed(name, opts.FileType) {
			continue
		}
		item := core.ListItem{
			Name:     name,
			Type:     core.EntryFile,
			MimeType: core.MimeByName(name),
		}
		if info, err := e.Info(); err == nil {
			item.Size = info.Size()
			item.LastModified = info.ModTime()
		}
		files = append(files, item)
	}

	sortByName(dirs)
	sortByName(files)

	return &core.Listing{
		CurrentPath: core.DisplayPath(core.DirectoryKey(path)),
		Items:       append(dirs, files...),
	}, nil
}

func sortByName(items []core.ListItem) {
	sort.Slice(items, func(i, j int) bool {
		return strings.ToLower(items[i].Name) < strings.ToLower(items[j].Name)
	})
}

func (l *Local) Upload(ctx context.Context, path string, files []core.UploadFile) []core.UploadResult {
	results := make([]core.UploadResult, 0, len(files))
	dir, err := l.resolve(path)
	if err == nil {
		if info, statErr := os.Stat(dir); statErr != nil || !info.IsDir() {
			err = core.E(core.KindNotFound, "directory %s not found", path)
		}
	}
	for _, f := range files {
		if err != nil {
			results = append(results, failure(f.Name, err))
			continue
		}
		results = append(results, l.uploadOne(dir, f))
	}
	return results
}

func (l *Local) uploadOne(dir string, f core.UploadFile) core.UploadResult {
	if err := validateName(f.Name); err != nil {
		return failure(f.Name, err)
	}
	dest := filepath.Join(dir, f.Name)
	if _, err := os.Stat(dest); err == nil {
		return failure(f.Name, core.E(core.KindConflict, "file %s already exists", f.Name))
	}
	if err := writeFileAtomic(dest, f.Content); err != nil {
		return failure(f.Name, err)
	}
	return core.UploadResult{Name: f.Name, Status: core.UploadSuccess}
}

func failure(name string, err error) core.UploadResult {
	return core.UploadResult{Name: name, Status: core.UploadFailure, Message: err.Error()}
}

func validateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return core.E(core.KindInvalidArgument, "name must not be empty")
	}
	if len(name) > core.MaxNameLen {
		return core.E(core.KindInvalidArgument, "name exceeds %d characters", core.MaxNameLen)
	}
	if strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
		return core.E(core.KindInvalidArgument, "name %q contains path separators", name)
	}
	return nil
}

// writeFileAtomic writes via a temp file and rename so a failed upload
// never leaves a partial file at the destination.
func writeFileAtomic(dest string, r io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	success = true
	return nil
}

func (l *Local) Download(ctx context.Context, path string) (*core.Content, error) {
	return l.open(path)
}

// Preview is identical to Download for local storage; the caller decides
// the content disposition.
func (l *Local) Preview(ctx context.Context, path string) (*core.Content, error) {
	return l.open(path)
}

func (l *Local) open(path string) (*core.Content, error) {
	full, err := l.resolve(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, core.E(core.KindNotFound, "file %s not found", path)
		}
		return nil, core.Wrap(core.KindInternal, err, "accessing %s", path)
	}
	if info.IsDir() {
		return nil, core.E(core.KindInvalidArgument, "%s is a directory", path)
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, core.Wrap(core.KindInternal, err, "opening %s", path)
	}
	name := core.Basename(path)
	return &core.Content{
		Filename: name,
		MimeType: core.MimeByName(name),
		Size:     info.Size(),
		Body:     f,
	}, nil
}

func (l *Local) Mkdir(ctx context.Context, parent, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	dir, err := l.resolve(parent)
	if err != nil {
		return err
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return core.E(core.KindNotFound, "directory %s not found", parent)
	}
	dest := filepath.Join(dir, name)
	if _, err := os.Stat(dest); err == nil {
		return core.E(core.KindConflict, "%s already exists", name)
	}
	if err := os.Mkdir(dest, 0755); err != nil {
		return core.Wrap(core.KindInternal, err, "creating directory %s", name)
	}
	return nil
}

func (l *Local) Rename(ctx context.Context, oldPath, newPath string) error {
	src, err := l.resolve(oldPath)
	if err != nil {
		return err
	}
	dst, err := l.resolve(newPath)
	if err != nil {
		return err
	}
	if err := validateName(core.Basename(newPath)); err != nil {
		return err
	}
	if _, err := os.Stat(src); err != nil {
		return core.E(core.KindNotFound, "%s not found", oldPath)
	}
	if _, err := os.Stat(dst); err == nil {
		return core.E(core.KindConflict, "%s already exists", newPath)
	}
	if err := os.Rename(src, dst); err != nil {
		return core.Wrap(core.KindInternal, err, "renaming %s", oldPath)
	}
	return nil
}

func (l *Local) Move(ctx context.Context, sources []string, destination string) error {
	return l.transfer(sources, destination, true)
}

func (l *Local) Copy(ctx context.Context, sources []string, destination string) error {
	return l.transfer(sources, destination, false)
}

func (l *Local) transfer(sources []string, destination string, move bool) error {
	destDir, err := l.resolve(destination)
	if err != nil {
		return err
	}
	if info, err := os.Stat(destDir); err != nil || !info.IsDir() {
		return core.E(core.KindNotFound, "destination %s not found", destination)
	}

	for _, src := range sources {
		if core.IsWithin(src, destination) {
			return core.E(core.KindInvalidArgument,
				"cannot place %s inside itself or its own subtree", src)
		}
	}

	for _, src := range sources {
		srcFull, err := l.resolve(src)
		if err != nil {
			return err
		}
		srcInfo, err := os.Stat(srcFull)
		if err != nil {
			return core.E(core.KindNotFound, "%s not found", src)
		}
		dest := filepath.Join(destDir, core.Basename(src))
		if _, err := os.Stat(dest); err == nil {
			return core.E(core.KindConflict, "%s already exists in %s", core.Basename(src), destination)
		}
		if move {
			if err := os.Rename(srcFull, dest); err != nil {
				return core.Wrap(core.KindInternal, err, "moving %s", src)
			}
			continue
		}
		if srcInfo.IsDir() {
			err = copyTree(srcFull, dest)
		} else {
			err = copyFile(srcFull, dest)
		}
		if err != nil {
			return core.Wrap(core.KindInternal, err, "copying %s", src)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	return writeFileAtomic(dst, in)
}

func copyTree(src, dst string) error {
	if err := os.Mkdir(dst, 0755); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		s := filepath.Join(src, e.Name())
		d := filepath.Join(dst, e.Name())
		if e.IsDir() {
			if err := copyTree(s, d); err != nil {
				return err
			}
			continue
		}
		if err := copyFile(s, d); err != nil {
			return err
		}
	}
	return nil
}

func (l *Local) Delete(ctx context.Context, paths []string) error {
	for _, p := range paths {
		full, err := l.resolve(p)
		if err != nil {
			return err
		}
		if full == l.root {
			return core.E(core.KindInvalidArgument, "cannot delete the storage root")
		}
		if _, err := os.Stat(full); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return core.Wrap(core.KindInternal, err, "accessing %s", p)
		}
		if err := os.RemoveAll(full); err != nil {
			return core.Wrap(core.KindInternal, err, "deleting %s", p)
		}
	}
	return nil
}

// Raw byte access for the thumbnail cache.

func (l *Local) StatFile(ctx context.Context, path string) (int64, error) {
	full, err := l.resolve(path)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		return 0, core.E(core.KindNotFound, "file %s not found", path)
	}
	return info.Size(), nil
}

func (l *Local) ReadFile(ctx context.Context, path string) (io.ReadCloser, error) {
	c, err := l.open(path)
	if err != nil {
		return nil, err
	}
	return c.Body, nil
}

func (l *Local) WriteFile(ctx context.Context, path string, r io.Reader, size int64) error {
	full, err := l.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return core.Wrap(core.KindInternal, err, "creating cache directory")
	}
	// Cache writes overwrite stale entries.
	os.Remove(full)
	if err := writeFileAtomic(full, r); err != nil {
		return core.Wrap(core.KindInternal, err, "writing %s", path)
	}
	return nil
}

var (
	_ core.Backend   = (*Local)(nil)
	_ core.RawAccess = (*Local)(nil)
)
