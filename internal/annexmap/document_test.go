package annexmap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"pkt.systems/syncabletree/internal/storage"
	"pkt.systems/syncabletree/internal/storage/memory"
)

type failingDocuments struct {
	err error
}

func (f failingDocuments) GetDocument(context.Context, string) ([]byte, error) { return nil, f.err }

func (f failingDocuments) PutDocument(context.Context, string, []byte) error { return f.err }

func TestFileDocument(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "map.json")
	doc := File(path)
	if doc.Location() != path {
		t.Fatalf("unexpected location %s", doc.Location())
	}
	if err := doc.Update(context.Background(), func(m *Map) (bool, error) {
		return m.Put("a.txt", "K1"), nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if key, _ := loaded.Get("a.txt"); key != "K1" {
		t.Fatalf("unexpected entries %v", loaded.Entries())
	}
}

func TestObjectDocumentRoundTrip(t *testing.T) {
	t.Parallel()

	store := memory.New()
	lockPath := filepath.Join(t.TempDir(), "state", "remote.lock")
	doc := NewObjectDocument(store, storage.AnnexMapName, "mem:///.annexmap.json", lockPath)
	m, err := doc.Read(context.Background())
	if err != nil {
		t.Fatalf("read missing: %v", err)
	}
	if m.Len() != 0 {
		t.Fatalf("expected empty map, got %v", m.Entries())
	}
	if _, err := os.Stat(filepath.Dir(lockPath)); !os.IsNotExist(err) {
		t.Fatalf("read created the lock directory, stat err %v", err)
	}
	if err := doc.Update(context.Background(), func(m *Map) (bool, error) {
		return m.Put("docs/a.txt", "K1"), nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	data, err := store.GetDocument(context.Background(), storage.AnnexMapName)
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if string(data) != "{\n  \"docs/a.txt\": \"K1\"\n}\n" {
		t.Fatalf("unexpected stored document %q", data)
	}
	reread, err := NewObjectDocument(store, storage.AnnexMapName, "mem:///.annexmap.json", "").Read(context.Background())
	if err != nil {
		t.Fatalf("reread: %v", err)
	}
	if key, _ := reread.Get("docs/a.txt"); key != "K1" {
		t.Fatalf("unexpected entries %v", reread.Entries())
	}
}

func TestObjectDocumentSkipsWriteWithoutChange(t *testing.T) {
	t.Parallel()

	store := memory.New()
	doc := NewObjectDocument(store, storage.AnnexMapName, "mem:///.annexmap.json", "")
	if err := doc.Update(context.Background(), func(*Map) (bool, error) { return false, nil }); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := store.GetDocument(context.Background(), storage.AnnexMapName); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected no document written, got %v", err)
	}
}

func TestObjectDocumentCorruptIsPersistenceError(t *testing.T) {
	t.Parallel()

	store := memory.New()
	if err := store.PutDocument(context.Background(), storage.AnnexMapName, []byte("{broken")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	doc := NewObjectDocument(store, storage.AnnexMapName, "mem:///.annexmap.json", "")
	var perr *PersistenceError
	if _, err := doc.Read(context.Background()); !errors.As(err, &perr) || perr.Op != "decode" {
		t.Fatalf("expected decode PersistenceError, got %v", err)
	}
	err := doc.Update(context.Background(), func(m *Map) (bool, error) {
		return m.Put("a.txt", "K1"), nil
	})
	if !errors.As(err, &perr) {
		t.Fatalf("expected update to fail with PersistenceError, got %v", err)
	}
	data, _ := store.GetDocument(context.Background(), storage.AnnexMapName)
	if string(data) != "{broken" {
		t.Fatalf("corrupt document was replaced: %q", data)
	}
}

func TestObjectDocumentClassifiesStoreErrors(t *testing.T) {
	t.Parallel()

	transient := NewObjectDocument(failingDocuments{err: storage.NewTransientError(errors.New("503"))}, storage.AnnexMapName, "s3://x/.annexmap.json", "")
	_, err := transient.Read(context.Background())
	var perr *PersistenceError
	if err == nil || errors.As(err, &perr) || !storage.IsTransient(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
	denied := NewObjectDocument(failingDocuments{err: errors.New("access denied")}, storage.AnnexMapName, "s3://x/.annexmap.json", "")
	if _, err := denied.Read(context.Background()); !errors.As(err, &perr) || perr.Path != "s3://x/.annexmap.json" {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
}

func TestObjectDocumentConcurrentUpdates(t *testing.T) {
	t.Parallel()

	store := memory.New()
	lockPath := filepath.Join(t.TempDir(), "remote.lock")
	docs := []*ObjectDocument{
		NewObjectDocument(store, storage.AnnexMapName, "mem:///.annexmap.json", lockPath),
		NewObjectDocument(store, storage.AnnexMapName, "mem:///.annexmap.json", lockPath),
	}
	const writers = 16
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- docs[i%len(docs)].Update(context.Background(), func(m *Map) (bool, error) {
				return m.Put(fmt.Sprintf("file-%02d", i), fmt.Sprintf("KEY-%02d", i)), nil
			})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("update: %v", err)
		}
	}
	m, err := docs[0].Read(context.Background())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if m.Len() != writers {
		t.Fatalf("expected %d entries, got %d", writers, m.Len())
	}
	if !strings.HasSuffix(docs[1].Location(), storage.AnnexMapName) {
		t.Fatalf("unexpected location %s", docs[1].Location())
	}
}
