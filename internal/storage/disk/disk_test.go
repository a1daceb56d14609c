package disk

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/syncabletree/internal/storage"
	"pkt.systems/syncabletree/internal/storage/storagetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	root := filepath.Join(t.TempDir(), "store")
	store, err := New(Config{Root: root, Now: func() time.Time { return time.Unix(1700000000, 0) }})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestDiskStoreContract(t *testing.T) {
	t.Parallel()
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		return newTestStore(t)
	})
}

func TestDiskStoreKeepsTreeBrowsable(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	src := storagetest.WriteTemp(t, "src", []byte("hello"))
	if err := store.Upload(ctx, src, "SHA256E-s5--abc.txt", storage.UploadOptions{Name: "greetings/hello.txt"}); err != nil {
		t.Fatalf("upload: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(store.Root(), "SHA256E-s5--abc.txt"))
	if err != nil {
		t.Fatalf("read stored object: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("unexpected stored content %q", data)
	}
	entries, err := os.ReadDir(filepath.Join(store.Root(), storage.ReservedDir, "tmp"))
	if err != nil {
		t.Fatalf("read tmp dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no leftover temp files, found %d", len(entries))
	}
}

func TestDiskStoreListsHumanPlacedFiles(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	manual := filepath.Join(store.Root(), "albums", "cover.jpg")
	if err := os.MkdirAll(filepath.Dir(manual), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(manual, []byte("jpeg"), 0o644); err != nil {
		t.Fatalf("write manual file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(store.Root(), storage.AnnexMapName), []byte("{}"), 0o644); err != nil {
		t.Fatalf("write annexmap: %v", err)
	}
	var objs []storage.Object
	if err := store.List(ctx, func(obj storage.Object) error {
		objs = append(objs, obj)
		return nil
	}); err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(objs) != 1 {
		t.Fatalf("expected only the manual file, got %+v", objs)
	}
	if objs[0].Key != "albums/cover.jpg" || objs[0].Name != "albums/cover.jpg" || objs[0].Size != 4 {
		t.Fatalf("unexpected object %+v", objs[0])
	}
	dest := filepath.Join(t.TempDir(), "cover.jpg")
	if err := store.Download(ctx, "albums/cover.jpg", dest); err != nil {
		t.Fatalf("download manual file: %v", err)
	}
}

func TestDiskStoreRemovePrunesEmptyDirs(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	src := storagetest.WriteTemp(t, "src", []byte("x"))
	if err := store.Upload(ctx, src, "deep/nested/key", storage.UploadOptions{}); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if err := store.Remove(ctx, "deep/nested/key"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := os.Stat(filepath.Join(store.Root(), "deep")); !os.IsNotExist(err) {
		t.Fatalf("expected empty directories pruned, stat err %v", err)
	}
	if _, err := os.Stat(store.Root()); err != nil {
		t.Fatalf("root must survive pruning: %v", err)
	}
}

func TestDiskStoreRejectsReservedKeys(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	src := storagetest.WriteTemp(t, "src", []byte("x"))
	for _, key := range []string{".annexmap.json", ".syncabletree/info/x", "../outside"} {
		if err := store.Upload(context.Background(), src, key, storage.UploadOptions{}); err == nil {
			t.Fatalf("expected key %q to be rejected", key)
		}
	}
}

func TestNewRequiresRoot(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error for empty root")
	}
}
