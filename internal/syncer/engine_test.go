package syncer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"filedex/internal/backend"
	"filedex/internal/core"
	"filedex/internal/index"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type seqIDs struct{ n int }

func (g *seqIDs) New() string {
	g.n++
	return fmt.Sprintf("run-%04d", g.n)
}

func newTestEngine(t *testing.T) (*Engine, *index.Store, int64) {
	t.Helper()
	store, err := index.Open(":memory:")
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg, err := store.CreateStorageConfig(context.Background(), &index.StorageConfig{
		Name: "local", Kind: "LOCAL",
	})
	if err != nil {
		t.Fatalf("creating storage config: %v", err)
	}

	eng := NewEngine(store, core.NewNopLogger(), fixedClock{t: time.Unix(1700000000, 0)}, &seqIDs{})
	return eng, store, cfg.ID
}

func newLocalBackend(t *testing.T, root string) *backend.Local {
	t.Helper()
	b, err := backend.NewLocal(root, core.NewNopLogger())
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		full := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestSyncIdempotent(t *testing.T) {
	ctx := context.Background()
	eng, store, storageID := newTestEngine(t)
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"docs/readme.md": "hello",
		"docs/img.png":   "pngdata",
		"top.txt":        "x",
	})
	b := newLocalBackend(t, root)

	first, err := eng.Sync(ctx, storageID, b, "/")
	if err != nil {
		t.Fatal(err)
	}
	// 1 directory + 3 files.
	if first.Scanned != 4 || first.Inserted != 4 {
		t.Errorf("first run: %+v", first)
	}
	if first.RunID == "" {
		t.Error("missing run id")
	}

	second, err := eng.Sync(ctx, storageID, b, "/")
	if err != nil {
		t.Fatal(err)
	}
	if second.Inserted != 0 || second.Updated != 0 || second.Pruned != 0 {
		t.Errorf("second run should be a no-op: %+v", second)
	}

	t.Run("every real entry has exactly one node", func(t *testing.T) {
		for _, p := range []string{"/docs", "/docs/readme.md", "/docs/img.png", "/top.txt"} {
			n, err := store.GetNodeByPath(ctx, storageID, p)
			if err != nil {
				t.Fatal(err)
			}
			if n == nil {
				t.Errorf("no node for %s", p)
			}
		}
		all, err := store.NodesUnderPrefix(ctx, storageID, "")
		if err != nil {
			t.Fatal(err)
		}
		if len(all) != 4 {
			t.Errorf("index has %d nodes, want 4", len(all))
		}
	})

	t.Run("file entries mirror files", func(t *testing.T) {
		entry, err := store.GetFileEntry(ctx, storageID, "/docs", "readme.md")
		if err != nil {
			t.Fatal(err)
		}
		if entry == nil || entry.SizeBytes != 5 {
			t.Errorf("got %+v", entry)
		}
	})
}

func TestSyncDetectsChange(t *testing.T) {
	ctx := context.Background()
	eng, store, storageID := newTestEngine(t)
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.txt": "v1"})
	b := newLocalBackend(t, root)

	if _, err := eng.Sync(ctx, storageID, b, "/"); err != nil {
		t.Fatal(err)
	}
	writeTree(t, root, map[string]string{"a.txt": "version two"})

	report, err := eng.Sync(ctx, storageID, b, "/")
	if err != nil {
		t.Fatal(err)
	}
	if report.Updated != 1 || report.Inserted != 0 {
		t.Errorf("got %+v, want one update", report)
	}
	n, err := store.GetNodeByPath(ctx, storageID, "/a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if n.SizeBytes != int64(len("version two")) {
		t.Errorf("size not patched: %d", n.SizeBytes)
	}
}

func TestSyncPrunesLocal(t *testing.T) {
	ctx := context.Background()
	eng, store, storageID := newTestEngine(t)
	root := t.TempDir()
	writeTree(t, root, map[string]string{"keep.txt": "k", "gone.txt": "g"})
	b := newLocalBackend(t, root)

	if _, err := eng.Sync(ctx, storageID, b, "/"); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(filepath.Join(root, "gone.txt")); err != nil {
		t.Fatal(err)
	}

	report, err := eng.Sync(ctx, storageID, b, "/")
	if err != nil {
		t.Fatal(err)
	}
	if report.Pruned != 1 {
		t.Errorf("got %+v, want 1 pruned", report)
	}
	n, err := store.GetNodeByPath(ctx, storageID, "/gone.txt")
	if err != nil {
		t.Fatal(err)
	}
	if n != nil {
		t.Error("pruned node still visible")
	}
	f, err := store.GetFileEntry(ctx, storageID, "", "gone.txt")
	if err != nil {
		t.Fatal(err)
	}
	if f != nil {
		t.Error("pruned file entry still visible")
	}
}

func TestSyncSkipsThumbnailDirs(t *testing.T) {
	ctx := context.Background()
	eng, store, storageID := newTestEngine(t)
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"photo.jpg":              "p",
		".thumbnails/t.jpg":      "t",
		"thumbnails/cached.jpeg": "c",
	})
	b := newLocalBackend(t, root)

	if _, err := eng.Sync(ctx, storageID, b, "/"); err != nil {
		t.Fatal(err)
	}
	for _, p := range []string{"/.thumbnails", "/thumbnails", "/.thumbnails/t.jpg"} {
		n, err := store.GetNodeByPath(ctx, storageID, p)
		if err != nil {
			t.Fatal(err)
		}
		if n != nil {
			t.Errorf("cache path %s was indexed", p)
		}
	}
}

// fakeBackend returns canned listings and pretends to be any kind.
type fakeBackend struct {
	core.Backend
	kind     string
	listings map[string]*core.Listing
}

func (f *fakeBackend) Kind() string { return f.kind }

func (f *fakeBackend) List(ctx context.Context, path string, opts core.ListOptions) (*core.Listing, error) {
	l, ok := f.listings[path]
	if !ok {
		return nil, core.E(core.KindNotFound, "directory %s not found", path)
	}
	return l, nil
}

func TestSyncNeverPrunesS3(t *testing.T) {
	ctx := context.Background()
	eng, store, storageID := newTestEngine(t)

	// Row for an object the (partial) walk will not see.
	if _, err := store.InsertNode(ctx, &index.Node{
		StorageID: storageID, Path: "/unseen.bin", Name: "unseen.bin",
	}); err != nil {
		t.Fatal(err)
	}

	fake := &fakeBackend{
		kind: core.KindS3,
		listings: map[string]*core.Listing{
			"/": {CurrentPath: "/", Items: []core.ListItem{
				{Name: "seen.txt", Type: core.EntryFile, Size: 1},
			}},
		},
	}
	report, err := eng.Sync(ctx, storageID, fake, "/")
	if err != nil {
		t.Fatal(err)
	}
	if report.Pruned != 0 {
		t.Errorf("s3 sync pruned %d rows", report.Pruned)
	}
	n, err := store.GetNodeByPath(ctx, storageID, "/unseen.bin")
	if err != nil {
		t.Fatal(err)
	}
	if n == nil {
		t.Error("unvisited s3 node was pruned")
	}
}

func TestSyncDefensiveLimits(t *testing.T) {
	ctx := context.Background()
	eng, _, storageID := newTestEngine(t)

	longName := strings.Repeat("x", core.MaxNameLen+1)
	fake := &fakeBackend{
		kind: core.KindLocal,
		listings: map[string]*core.Listing{
			"/": {CurrentPath: "/", Items: []core.ListItem{
				{Name: longName, Type: core.EntryFile, Size: 1},
				{Name: "fine.txt", Type: core.EntryFile, Size: 1},
				{Name: "broken", Type: core.EntryDirectory},
			}},
			// "/broken" is missing from the canned listings, so the walk
			// hits a NotFound there and must keep going.
		},
	}
	report, err := eng.Sync(ctx, storageID, fake, "/")
	if err != nil {
		t.Fatal(err)
	}
	if report.Inserted != 2 {
		t.Errorf("got %d inserted, want 2 (fine.txt and broken dir)", report.Inserted)
	}
	// Oversized name plus the unreadable directory listing.
	if report.Skipped != 2 {
		t.Errorf("got %d skipped, want 2: %+v", report.Skipped, report)
	}
}
