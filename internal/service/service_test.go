package service

import (
	"context"
	"io"
	"strings"
	"testing"

	"filedex/internal/core"
	"filedex/internal/index"
	"filedex/internal/listing"
	"filedex/internal/secrets"
)

func newTestService(t *testing.T, keeper *secrets.Keeper) *Service {
	t.Helper()
	store, err := index.Open(":memory:")
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store, keeper, core.NewNopLogger(), core.RealClock{}, core.UUIDGenerator{})
}

func newLocalStorage(t *testing.T, svc *Service) int64 {
	t.Helper()
	cfg, err := svc.CreateStorage(context.Background(), &index.StorageConfig{
		Name:     "workspace",
		Kind:     core.KindLocal,
		RootPath: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("creating storage: %v", err)
	}
	return cfg.ID
}

func TestStorageLifecycle(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil)
	id := newLocalStorage(t, svc)

	t.Run("duplicate name", func(t *testing.T) {
		_, err := svc.CreateStorage(ctx, &index.StorageConfig{
			Name: "workspace", Kind: core.KindLocal, RootPath: t.TempDir(),
		})
		if !core.IsKind(err, core.KindConflict) {
			t.Errorf("got %v, want Conflict", err)
		}
	})

	t.Run("empty name", func(t *testing.T) {
		_, err := svc.CreateStorage(ctx, &index.StorageConfig{Name: "  ", Kind: core.KindLocal})
		if !core.IsKind(err, core.KindInvalidArgument) {
			t.Errorf("got %v, want InvalidArgument", err)
		}
	})

	t.Run("unknown kind", func(t *testing.T) {
		_, err := svc.CreateStorage(ctx, &index.StorageConfig{Name: "ftp", Kind: "FTP"})
		if !core.IsKind(err, core.KindInvalidArgument) {
			t.Errorf("got %v, want InvalidArgument", err)
		}
	})

	t.Run("connection test", func(t *testing.T) {
		if err := svc.TestStorage(ctx, id); err != nil {
			t.Errorf("healthy storage failed its test: %v", err)
		}
	})

	t.Run("delete then not found", func(t *testing.T) {
		if err := svc.DeleteStorage(ctx, id); err != nil {
			t.Fatal(err)
		}
		if _, err := svc.GetStorage(ctx, id); !core.IsKind(err, core.KindNotFound) {
			t.Errorf("got %v, want NotFound", err)
		}
		if _, err := svc.List(ctx, id, listing.Request{Path: "/"}); !core.IsKind(err, core.KindNotFound) {
			t.Errorf("verb on deleted storage: got %v, want NotFound", err)
		}
	})
}

func TestCredentialsSealedAtRest(t *testing.T) {
	ctx := context.Background()
	keeper := secrets.NewKeeper("test-passphrase")
	svc := newTestService(t, keeper)

	created, err := svc.CreateStorage(ctx, &index.StorageConfig{
		Name:            "bucket",
		Kind:            core.KindS3,
		Region:          "us-east-1",
		Bucket:          "b",
		SecretAccessKey: "super-secret",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !secrets.IsEncrypted(created.SecretAccessKey) {
		t.Errorf("stored secret is plaintext: %q", created.SecretAccessKey)
	}
	plain, err := keeper.Decrypt(created.SecretAccessKey)
	if err != nil || plain != "super-secret" {
		t.Errorf("round trip: %q, %v", plain, err)
	}
}

// End-to-end over a real temp directory: every verb, with the index kept
// in lockstep by propagation alone (no explicit sync).
func TestLocalStorageScenario(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil)
	id := newLocalStorage(t, svc)

	if err := svc.Mkdir(ctx, id, "/", "docs"); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	results, err := svc.Upload(ctx, id, "/docs", []core.UploadFile{
		{Name: "a.txt", Content: strings.NewReader("hello"), Size: 5},
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if len(results) != 1 || results[0].Status != core.UploadSuccess {
		t.Fatalf("upload results: %+v", results)
	}

	page, err := svc.List(ctx, id, listing.Request{Path: "/docs"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].Name != "a.txt" || page.Items[0].Size != 5 {
		t.Fatalf("listing after upload: %+v", page.Items)
	}

	if err := svc.Rename(ctx, id, "/docs/a.txt", "/docs/b.txt"); err != nil {
		t.Fatalf("rename: %v", err)
	}

	content, err := svc.Download(ctx, id, "/docs/b.txt")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	data, err := io.ReadAll(content.Body)
	content.Close()
	if err != nil || string(data) != "hello" {
		t.Fatalf("downloaded %q, %v", data, err)
	}

	if err := svc.Delete(ctx, id, []string{"/docs"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	page, err = svc.List(ctx, id, listing.Request{Path: "/"})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 0 {
		t.Fatalf("root still lists %+v after delete", page.Items)
	}
}

func TestSelfContainmentRejectedBeforeBackend(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil)
	id := newLocalStorage(t, svc)

	if err := svc.Mkdir(ctx, id, "/", "a"); err != nil {
		t.Fatal(err)
	}

	for _, dest := range []string{"/a", "/a/b"} {
		if err := svc.Move(ctx, id, []string{"/a"}, dest); !core.IsKind(err, core.KindInvalidArgument) {
			t.Errorf("move /a -> %s: got %v, want InvalidArgument", dest, err)
		}
		if err := svc.Copy(ctx, id, []string{"/a"}, dest); !core.IsKind(err, core.KindInvalidArgument) {
			t.Errorf("copy /a -> %s: got %v, want InvalidArgument", dest, err)
		}
	}
}

func TestMoveKeepsIndexCurrent(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil)
	id := newLocalStorage(t, svc)

	if err := svc.Mkdir(ctx, id, "/", "src"); err != nil {
		t.Fatal(err)
	}
	if err := svc.Mkdir(ctx, id, "/", "dest"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Upload(ctx, id, "/src", []core.UploadFile{
		{Name: "f.bin", Content: strings.NewReader("1234"), Size: 4},
	}); err != nil {
		t.Fatal(err)
	}

	if err := svc.Move(ctx, id, []string{"/src/f.bin"}, "/dest"); err != nil {
		t.Fatalf("move: %v", err)
	}

	destPage, err := svc.List(ctx, id, listing.Request{Path: "/dest"})
	if err != nil {
		t.Fatal(err)
	}
	if len(destPage.Items) != 1 || destPage.Items[0].Name != "f.bin" || destPage.Items[0].Size != 4 {
		t.Errorf("destination listing: %+v", destPage.Items)
	}
	srcPage, err := svc.List(ctx, id, listing.Request{Path: "/src"})
	if err != nil {
		t.Fatal(err)
	}
	if len(srcPage.Items) != 0 {
		t.Errorf("source still lists %+v", srcPage.Items)
	}
}

func TestSyncAndListAgree(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil)
	id := newLocalStorage(t, svc)

	if err := svc.Mkdir(ctx, id, "/", "media"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Upload(ctx, id, "/media", []core.UploadFile{
		{Name: "x.png", Content: strings.NewReader("png"), Size: 3},
	}); err != nil {
		t.Fatal(err)
	}

	report, err := svc.Sync(ctx, id, "/")
	if err != nil {
		t.Fatal(err)
	}
	// Propagation already indexed everything; sync must agree.
	if report.Inserted != 0 || report.Updated != 0 || report.Pruned != 0 {
		t.Errorf("sync disagreed with propagation: %+v", report)
	}
}
