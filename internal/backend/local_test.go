package backend

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"filedex/internal/core"
)

func newTestLocal(t *testing.T) (*Local, string) {
	t.Helper()
	root := t.TempDir()
	l, err := NewLocal(root, core.NewNopLogger())
	if err != nil {
		t.Fatalf("creating local backend: %v", err)
	}
	return l, root
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

func TestLocalList(t *testing.T) {
	ctx := context.Background()
	l, root := newTestLocal(t)
	writeTree(t, root, map[string]string{
		"zebra.txt":      "z",
		"Apple.txt":      "a",
		"photos/cat.jpg": "img",
	})

	t.Run("dirs before files, case-insensitive order", func(t *testing.T) {
		listing, err := l.List(ctx, "/", core.ListOptions{})
		if err != nil {
			t.Fatal(err)
		}
		got := make([]string, len(listing.Items))
		for i, item := range listing.Items {
			got[i] = item.Name
		}
		want := []string{"photos", "Apple.txt", "zebra.txt"}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("got %v, want %v", got, want)
			}
		}
		if listing.CurrentPath != "/" {
			t.Errorf("current path %q", listing.CurrentPath)
		}
	})

	t.Run("file metadata", func(t *testing.T) {
		listing, err := l.List(ctx, "/photos", core.ListOptions{})
		if err != nil {
			t.Fatal(err)
		}
		if len(listing.Items) != 1 {
			t.Fatalf("got %d items", len(listing.Items))
		}
		item := listing.Items[0]
		if item.Size != 3 || item.MimeType != "image/jpeg" {
			t.Errorf("got %+v", item)
		}
	})

	t.Run("search filter", func(t *testing.T) {
		listing, err := l.List(ctx, "/", core.ListOptions{Search: "APPLE"})
		if err != nil {
			t.Fatal(err)
		}
		if len(listing.Items) != 1 || listing.Items[0].Name != "Apple.txt" {
			t.Errorf("got %+v", listing.Items)
		}
	})

	t.Run("file type filter keeps directories", func(t *testing.T) {
		listing, err := l.List(ctx, "/", core.ListOptions{FileType: "image"})
		if err != nil {
			t.Fatal(err)
		}
		for _, item := range listing.Items {
			if item.Type == core.EntryFile && !strings.HasSuffix(item.Name, ".jpg") {
				t.Errorf("non-image file %q passed the filter", item.Name)
			}
		}
	})

	t.Run("missing directory", func(t *testing.T) {
		_, err := l.List(ctx, "/nope", core.ListOptions{})
		if !core.IsKind(err, core.KindNotFound) {
			t.Errorf("got %v, want NotFound", err)
		}
	})
}

func TestLocalPathTraversal(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLocal(t)

	for _, p := range []string{"/../outside", "/a/../../etc/passwd"} {
		if _, err := l.List(ctx, p, core.ListOptions{}); !core.IsKind(err, core.KindInvalidArgument) {
			t.Errorf("List(%q): got %v, want InvalidArgument", p, err)
		}
	}
}

func TestLocalUpload(t *testing.T) {
	ctx := context.Background()
	l, root := newTestLocal(t)
	writeTree(t, root, map[string]string{"taken.txt": "x"})

	results := l.Upload(ctx, "/", []core.UploadFile{
		{Name: "new.txt", Content: strings.NewReader("hello"), Size: 5},
		{Name: "taken.txt", Content: strings.NewReader("clobber"), Size: 7},
		{Name: "", Content: strings.NewReader(""), Size: 0},
		{Name: "../escape.txt", Content: strings.NewReader(""), Size: 0},
	})
	if len(results) != 4 {
		t.Fatalf("got %d results", len(results))
	}
	if results[0].Status != core.UploadSuccess {
		t.Errorf("new.txt: %+v", results[0])
	}
	for i := 1; i < 4; i++ {
		if results[i].Status != core.UploadFailure {
			t.Errorf("result %d should have failed: %+v", i, results[i])
		}
	}

	// The collision must not have overwritten the original.
	data, err := os.ReadFile(filepath.Join(root, "taken.txt"))
	if err != nil || string(data) != "x" {
		t.Errorf("taken.txt was overwritten: %q, %v", data, err)
	}
}

func TestLocalDownload(t *testing.T) {
	ctx := context.Background()
	l, root := newTestLocal(t)
	writeTree(t, root, map[string]string{"docs/a.txt": "hello"})

	content, err := l.Download(ctx, "/docs/a.txt")
	if err != nil {
		t.Fatal(err)
	}
	defer content.Close()
	data, err := io.ReadAll(content.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello" || content.Size != 5 || content.Filename != "a.txt" {
		t.Errorf("got %q, size %d, name %q", data, content.Size, content.Filename)
	}

	t.Run("directory is rejected", func(t *testing.T) {
		_, err := l.Download(ctx, "/docs")
		if !core.IsKind(err, core.KindInvalidArgument) {
			t.Errorf("got %v, want InvalidArgument", err)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := l.Download(ctx, "/docs/nope.txt")
		if !core.IsKind(err, core.KindNotFound) {
			t.Errorf("got %v, want NotFound", err)
		}
	})
}

func TestLocalMkdirRename(t *testing.T) {
	ctx := context.Background()
	l, root := newTestLocal(t)

	if err := l.Mkdir(ctx, "/", "docs"); err != nil {
		t.Fatal(err)
	}
	if err := l.Mkdir(ctx, "/", "docs"); !core.IsKind(err, core.KindConflict) {
		t.Errorf("duplicate mkdir: got %v, want Conflict", err)
	}
	if err := l.Mkdir(ctx, "/missing", "x"); !core.IsKind(err, core.KindNotFound) {
		t.Errorf("mkdir under missing parent: got %v, want NotFound", err)
	}

	writeTree(t, root, map[string]string{"docs/a.txt": "hi", "docs/b.txt": "other"})
	if err := l.Rename(ctx, "/docs/a.txt", "/docs/c.txt"); err != nil {
		t.Fatal(err)
	}
	if err := l.Rename(ctx, "/docs/c.txt", "/docs/b.txt"); !core.IsKind(err, core.KindConflict) {
		t.Errorf("rename onto existing: got %v, want Conflict", err)
	}
}

func TestLocalMoveCopy(t *testing.T) {
	ctx := context.Background()
	l, root := newTestLocal(t)
	writeTree(t, root, map[string]string{
		"src/a.txt":        "a",
		"src/nested/b.txt": "b",
	})
	if err := os.Mkdir(filepath.Join(root, "dest"), 0755); err != nil {
		t.Fatal(err)
	}

	t.Run("self-containment is rejected up front", func(t *testing.T) {
		if err := l.Copy(ctx, []string{"/src"}, "/src/nested"); !core.IsKind(err, core.KindInvalidArgument) {
			t.Errorf("copy into own subtree: got %v, want InvalidArgument", err)
		}
		if err := l.Move(ctx, []string{"/src"}, "/src"); !core.IsKind(err, core.KindInvalidArgument) {
			t.Errorf("move into itself: got %v, want InvalidArgument", err)
		}
	})

	t.Run("copy preserves the source tree", func(t *testing.T) {
		if err := l.Copy(ctx, []string{"/src"}, "/dest"); err != nil {
			t.Fatal(err)
		}
		for _, rel := range []string{"src/a.txt", "dest/src/a.txt", "dest/src/nested/b.txt"} {
			if _, err := os.Stat(filepath.Join(root, filepath.FromSlash(rel))); err != nil {
				t.Errorf("%s missing after copy: %v", rel, err)
			}
		}
	})

	t.Run("copy onto an existing name conflicts", func(t *testing.T) {
		if err := l.Copy(ctx, []string{"/src"}, "/dest"); !core.IsKind(err, core.KindConflict) {
			t.Errorf("got %v, want Conflict", err)
		}
	})

	t.Run("move removes the source", func(t *testing.T) {
		if err := l.Move(ctx, []string{"/src/a.txt"}, "/dest"); err != nil {
			t.Fatal(err)
		}
		if _, err := os.Stat(filepath.Join(root, "src/a.txt")); !os.IsNotExist(err) {
			t.Error("source still present after move")
		}
		if _, err := os.Stat(filepath.Join(root, "dest/a.txt")); err != nil {
			t.Errorf("moved file missing: %v", err)
		}
	})
}

func TestLocalDelete(t *testing.T) {
	ctx := context.Background()
	l, root := newTestLocal(t)
	writeTree(t, root, map[string]string{"docs/a.txt": "a"})

	if err := l.Delete(ctx, []string{"/docs", "/already-gone"}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(root, "docs")); !os.IsNotExist(err) {
		t.Error("directory survived delete")
	}
	if err := l.Delete(ctx, []string{"/"}); !core.IsKind(err, core.KindInvalidArgument) {
		t.Errorf("deleting the root: got %v, want InvalidArgument", err)
	}
}

func TestLocalRawAccess(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLocal(t)

	var raw core.RawAccess = l
	if err := raw.WriteFile(ctx, "/.thumbnails/img_64x64.jpeg", strings.NewReader("thumb"), 5); err != nil {
		t.Fatal(err)
	}
	size, err := raw.StatFile(ctx, "/.thumbnails/img_64x64.jpeg")
	if err != nil || size != 5 {
		t.Fatalf("stat: size %d, err %v", size, err)
	}
	rc, err := raw.ReadFile(ctx, "/.thumbnails/img_64x64.jpeg")
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "thumb" {
		t.Errorf("got %q", data)
	}

	// Overwrite is allowed for cache writes.
	if err := raw.WriteFile(ctx, "/.thumbnails/img_64x64.jpeg", strings.NewReader("new"), 3); err != nil {
		t.Errorf("cache overwrite failed: %v", err)
	}
}
