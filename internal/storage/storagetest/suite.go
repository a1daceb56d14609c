// Package storagetest holds the behavioural contract every storage.Backend
// implementation is expected to satisfy.
package storagetest

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"pkt.systems/syncabletree/internal/storage"
)

// Factory returns a fresh, empty backend for a single subtest.
type Factory func(t *testing.T) storage.Backend

// Run executes the backend contract against backends produced by factory.
func Run(t *testing.T, factory Factory) {
	t.Helper()
	t.Run("MissingKey", func(t *testing.T) { testMissingKey(t, factory(t)) })
	t.Run("RoundTrip", func(t *testing.T) { testRoundTrip(t, factory(t)) })
	t.Run("ReplaceKeepsLatest", func(t *testing.T) { testReplace(t, factory(t)) })
	t.Run("RemoveIsIdempotent", func(t *testing.T) { testRemove(t, factory(t)) })
	t.Run("ListReportsNames", func(t *testing.T) { testList(t, factory(t)) })
	t.Run("ListStopsOnVisitError", func(t *testing.T) { testListVisitError(t, factory(t)) })
}

// WriteTemp writes data into a file under t.TempDir and returns its path.
func WriteTemp(t *testing.T, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, data, 0o600); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func testMissingKey(t *testing.T, backend storage.Backend) {
	ctx := context.Background()
	defer backend.Close()
	ok, err := backend.Exists(ctx, "SHA256E-s0--missing")
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if ok {
		t.Fatalf("expected missing key to be absent")
	}
	dest := filepath.Join(t.TempDir(), "out")
	err = backend.Download(ctx, "SHA256E-s0--missing", dest)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, statErr := os.Stat(dest); !os.IsNotExist(statErr) {
		t.Fatalf("download of missing key left %s behind (stat err %v)", dest, statErr)
	}
}

func testRoundTrip(t *testing.T, backend storage.Backend) {
	ctx := context.Background()
	defer backend.Close()
	src := WriteTemp(t, "src", []byte("hello"))
	if err := backend.Upload(ctx, src, "k1", storage.UploadOptions{Name: "docs/hello.txt"}); err != nil {
		t.Fatalf("upload: %v", err)
	}
	ok, err := backend.Exists(ctx, "k1")
	if err != nil || !ok {
		t.Fatalf("exists after upload: ok=%v err=%v", ok, err)
	}
	dest := filepath.Join(t.TempDir(), "nested", "out")
	if err := backend.Download(ctx, "k1", dest); err != nil {
		t.Fatalf("download: %v", err)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read download: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("round trip mismatch: %q", got)
	}
}

func testReplace(t *testing.T, backend storage.Backend) {
	ctx := context.Background()
	defer backend.Close()
	first := WriteTemp(t, "first", []byte("first version"))
	second := WriteTemp(t, "second", []byte("v2"))
	if err := backend.Upload(ctx, first, "k-replace", storage.UploadOptions{}); err != nil {
		t.Fatalf("upload first: %v", err)
	}
	if err := backend.Upload(ctx, second, "k-replace", storage.UploadOptions{}); err != nil {
		t.Fatalf("upload second: %v", err)
	}
	dest := filepath.Join(t.TempDir(), "out")
	if err := backend.Download(ctx, "k-replace", dest); err != nil {
		t.Fatalf("download: %v", err)
	}
	got, _ := os.ReadFile(dest)
	if !bytes.Equal(got, []byte("v2")) {
		t.Fatalf("expected latest content, got %q", got)
	}
	count := 0
	err := backend.List(ctx, func(obj storage.Object) error {
		if obj.Key == "k-replace" {
			count++
		}
		return nil
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one object for key, got %d", count)
	}
}

func testRemove(t *testing.T, backend storage.Backend) {
	ctx := context.Background()
	defer backend.Close()
	if err := backend.Remove(ctx, "never-stored"); err != nil {
		t.Fatalf("remove missing: %v", err)
	}
	src := WriteTemp(t, "src", []byte("bye"))
	if err := backend.Upload(ctx, src, "k-remove", storage.UploadOptions{}); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if err := backend.Remove(ctx, "k-remove"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := backend.Remove(ctx, "k-remove"); err != nil {
		t.Fatalf("second remove: %v", err)
	}
	ok, err := backend.Exists(ctx, "k-remove")
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if ok {
		t.Fatalf("expected removed key to be absent")
	}
}

func testList(t *testing.T, backend storage.Backend) {
	ctx := context.Background()
	defer backend.Close()
	a := WriteTemp(t, "a", []byte("alpha"))
	b := WriteTemp(t, "b", []byte("beta!"))
	if err := backend.Upload(ctx, a, "SHA256E-s5--aaa.txt", storage.UploadOptions{Name: "photos/2024/a b.txt"}); err != nil {
		t.Fatalf("upload a: %v", err)
	}
	if err := backend.Upload(ctx, b, "notes/b.txt", storage.UploadOptions{}); err != nil {
		t.Fatalf("upload b: %v", err)
	}
	var objs []storage.Object
	if err := backend.List(ctx, func(obj storage.Object) error {
		objs = append(objs, obj)
		return nil
	}); err != nil {
		t.Fatalf("list: %v", err)
	}
	sort.Slice(objs, func(i, j int) bool { return objs[i].Key < objs[j].Key })
	if len(objs) != 2 {
		t.Fatalf("expected 2 objects, got %+v", objs)
	}
	if objs[0].Key != "SHA256E-s5--aaa.txt" || objs[0].Name != "photos/2024/a b.txt" {
		t.Fatalf("unexpected first object %+v", objs[0])
	}
	if objs[1].Key != "notes/b.txt" || objs[1].Name != "notes/b.txt" {
		t.Fatalf("unexpected second object %+v", objs[1])
	}
	if objs[0].Size != 5 || objs[1].Size != 5 {
		t.Fatalf("unexpected sizes %+v", objs)
	}
}

func testListVisitError(t *testing.T, backend storage.Backend) {
	ctx := context.Background()
	defer backend.Close()
	for _, key := range []string{"one", "two", "three"} {
		src := WriteTemp(t, key, []byte(key))
		if err := backend.Upload(ctx, src, key, storage.UploadOptions{}); err != nil {
			t.Fatalf("upload %s: %v", key, err)
		}
	}
	stop := errors.New("stop")
	visited := 0
	err := backend.List(ctx, func(storage.Object) error {
		visited++
		return stop
	})
	if !errors.Is(err, stop) {
		t.Fatalf("expected visit error, got %v", err)
	}
	if visited != 1 {
		t.Fatalf("expected walk to stop after first visit, visited %d", visited)
	}
}

// RunDocuments executes the document contract for backends implementing
// storage.DocumentStore.
func RunDocuments(t *testing.T, factory Factory) {
	t.Helper()
	t.Run("DocumentMissing", func(t *testing.T) { testDocumentMissing(t, factory(t)) })
	t.Run("DocumentRoundTrip", func(t *testing.T) { testDocumentRoundTrip(t, factory(t)) })
	t.Run("DocumentRejectsContentNames", func(t *testing.T) { testDocumentNames(t, factory(t)) })
}

func documents(t *testing.T, backend storage.Backend) storage.DocumentStore {
	t.Helper()
	ds, ok := storage.Documents(backend)
	if !ok {
		t.Fatalf("%T does not store documents", backend)
	}
	return ds
}

func testDocumentMissing(t *testing.T, backend storage.Backend) {
	defer backend.Close()
	ds := documents(t, backend)
	if _, err := ds.GetDocument(context.Background(), storage.AnnexMapName); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testDocumentRoundTrip(t *testing.T, backend storage.Backend) {
	ctx := context.Background()
	defer backend.Close()
	ds := documents(t, backend)
	if err := ds.PutDocument(ctx, storage.AnnexMapName, []byte(`{"a":"1"}`)); err != nil {
		t.Fatalf("put document: %v", err)
	}
	if err := ds.PutDocument(ctx, storage.AnnexMapName, []byte(`{"b":"2"}`)); err != nil {
		t.Fatalf("replace document: %v", err)
	}
	got, err := ds.GetDocument(ctx, storage.AnnexMapName)
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if string(got) != `{"b":"2"}` {
		t.Fatalf("unexpected document %q", got)
	}
	src := WriteTemp(t, "payload", []byte("payload"))
	if err := backend.Upload(ctx, src, "SHA256E-s7--doc", storage.UploadOptions{Name: "doc.txt"}); err != nil {
		t.Fatalf("upload: %v", err)
	}
	var keys []string
	if err := backend.List(ctx, func(obj storage.Object) error {
		keys = append(keys, obj.Key)
		return nil
	}); err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 1 || keys[0] != "SHA256E-s7--doc" {
		t.Fatalf("documents must stay out of List, got %v", keys)
	}
}

func testDocumentNames(t *testing.T, backend storage.Backend) {
	ctx := context.Background()
	defer backend.Close()
	ds := documents(t, backend)
	for _, name := range []string{"", "notes.json", "/" + storage.AnnexMapName, "dir/../" + storage.AnnexMapName} {
		if err := ds.PutDocument(ctx, name, []byte("{}")); !errors.Is(err, storage.ErrInvalidKey) {
			t.Fatalf("PutDocument(%q) expected ErrInvalidKey, got %v", name, err)
		}
	}
}
