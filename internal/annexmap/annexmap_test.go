package annexmap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"
)

func TestLoadMissingIsEmpty(t *testing.T) {
	t.Parallel()

	m, err := Load(filepath.Join(t.TempDir(), "none.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if m.Len() != 0 {
		t.Fatalf("expected empty map, got %v", m.Entries())
	}
}

func TestLoadCorruptIsPersistenceError(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), ".annexmap.json")
	corrupt := []byte(`{"a.txt": "KEY-1",`)
	if err := os.WriteFile(path, corrupt, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := Load(path)
	var perr *PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
	if perr.Op != "decode" || perr.Path != path {
		t.Fatalf("unexpected error fields %+v", perr)
	}
	err = Update(context.Background(), path, func(m *Map) (bool, error) {
		m.Put("b.txt", "KEY-2")
		return true, nil
	})
	if !errors.As(err, &perr) {
		t.Fatalf("expected update to fail with PersistenceError, got %v", err)
	}
	got, _ := os.ReadFile(path)
	if string(got) != string(corrupt) {
		t.Fatalf("corrupt document was modified: %q", got)
	}
}

func TestSaveIsSortedAndIndented(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "map.json")
	m := New(path)
	m.Put("z.txt", "K2")
	m.Put("a/b.txt", "K1")
	if err := m.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := "{\n  \"a/b.txt\": \"K1\",\n  \"z.txt\": \"K2\"\n}\n"
	if string(got) != want {
		t.Fatalf("unexpected document:\n%s", got)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !reflect.DeepEqual(loaded.Entries(), m.Entries()) {
		t.Fatalf("reload mismatch: %v vs %v", loaded.Entries(), m.Entries())
	}
}

func TestKeyQueries(t *testing.T) {
	t.Parallel()

	m := New("unused")
	if !m.Put("b.txt", "K") || !m.Put("a.txt", "K") || !m.Put("c.txt", "OTHER") {
		t.Fatalf("expected puts to change the map")
	}
	if m.Put("a.txt", "K") {
		t.Fatalf("identical put must report no change")
	}
	if got := m.PathsForKey("K"); !reflect.DeepEqual(got, []string{"a.txt", "b.txt"}) {
		t.Fatalf("unexpected paths for key: %v", got)
	}
	if got := m.RemoveKey("K"); len(got) != 2 {
		t.Fatalf("expected two removed paths, got %v", got)
	}
	if got := m.Paths(); !reflect.DeepEqual(got, []string{"c.txt"}) {
		t.Fatalf("unexpected remaining paths %v", got)
	}
	if m.Remove("missing") {
		t.Fatalf("remove of missing path reported a change")
	}
}

func TestUpdateSkipsSaveWithoutChange(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "map.json")
	err := Update(context.Background(), path, func(m *Map) (bool, error) {
		return false, nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected no document written, stat err %v", err)
	}
	boom := errors.New("boom")
	if err := Update(context.Background(), path, func(*Map) (bool, error) { return true, boom }); !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
}

func TestConcurrentUpdatesDoNotLoseEntries(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "map.json")
	const writers = 16
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- Update(context.Background(), path, func(m *Map) (bool, error) {
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
	m, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if m.Len() != writers {
		t.Fatalf("expected %d entries, got %d", writers, m.Len())
	}
}

func TestLockHonoursContext(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "map.json")
	unlock, err := Lock(context.Background(), path)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := Lock(ctx, path); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline while lock is held, got %v", err)
	}
}

func TestReadCreatesNothing(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "state", "annexmap", "remote.json")
	m, err := Read(context.Background(), path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if m.Len() != 0 {
		t.Fatalf("expected empty map, got %v", m.Entries())
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("read created %v", entries)
	}
}

func TestReadWaitsForWriter(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "map.json")
	if err := Update(context.Background(), path, func(m *Map) (bool, error) {
		return m.Put("a.txt", "K1"), nil
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	unlock, err := Lock(context.Background(), path)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := Read(ctx, path); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected read to wait for the writer, got %v", err)
	}
	if err := unlock(); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	m, err := Read(context.Background(), path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if key, _ := m.Get("a.txt"); key != "K1" {
		t.Fatalf("unexpected entries %v", m.Entries())
	}
}

func TestReadersShareTheLock(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "map.json")
	unlockWriter, err := Lock(context.Background(), path)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := unlockWriter(); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	first, err := readLock(context.Background(), path)
	if err != nil {
		t.Fatalf("first reader: %v", err)
	}
	defer first()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	second, err := readLock(ctx, path)
	if err != nil {
		t.Fatalf("second reader blocked: %v", err)
	}
	second()
}
