package memory

import (
	"bytes"
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"pkt.systems/syncabletree/internal/storage"
)

// Store implements storage.Backend in-memory; intended for tests and local dev.
type Store struct {
	mu   sync.RWMutex
	objs map[string]*objectEntry
	docs map[string][]byte

	sortedKeys []string
	name       string
}

type objectEntry struct {
	payload     []byte
	name        string
	contentType string
	updated     time.Time
}

// New returns a ready to use in-memory store.
func New() *Store {
	return NewNamed("")
}

// NewNamed returns an in-memory store whose description carries name, so
// distinct mem:// remotes derive distinct identities.
func NewNamed(name string) *Store {
	return &Store{
		objs: make(map[string]*objectEntry),
		docs: make(map[string][]byte),
		name: name,
	}
}

// Close satisfies storage.Backend but requires no action for the in-memory store.
func (s *Store) Close() error {
	return nil
}

// Describe reports the store identity.
func (s *Store) Describe() storage.Description {
	return storage.Description{Kind: "memory", Locator: "mem://" + s.name, Local: true}
}

// Upload copies localPath into memory under key, replacing any prior object.
func (s *Store) Upload(_ context.Context, localPath, key string, opts storage.UploadOptions) error {
	loc, err := storage.NormalizeKey(key)
	if err != nil {
		return err
	}
	payload, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	opts = storage.ResolveUploadOptions(localPath, key, opts)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.objs[loc]; !exists {
		s.insertKeyLocked(loc)
	}
	s.objs[loc] = &objectEntry{
		payload:     payload,
		name:        opts.Name,
		contentType: opts.ContentType,
		updated:     time.Now().UTC(),
	}
	return nil
}

// Download writes the object bound to key into destPath.
func (s *Store) Download(ctx context.Context, key, destPath string) error {
	loc, err := storage.NormalizeKey(key)
	if err != nil {
		return err
	}
	s.mu.RLock()
	entry, ok := s.objs[loc]
	var payload []byte
	if ok {
		payload = entry.payload
	}
	s.mu.RUnlock()
	if !ok {
		return storage.ErrNotFound
	}
	_, err = storage.WriteFileAtomic(ctx, destPath, bytes.NewReader(payload))
	return err
}

// Exists reports whether key is bound to an object.
func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	loc, err := storage.NormalizeKey(key)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objs[loc]
	return ok, nil
}

// Remove deletes the object for key; missing keys are ignored.
func (s *Store) Remove(_ context.Context, key string) error {
	loc, err := storage.NormalizeKey(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objs[loc]; !ok {
		return nil
	}
	delete(s.objs, loc)
	s.removeKeyLocked(loc)
	return nil
}

// List visits objects in key order. The snapshot is taken up front so visit
// may call back into the store.
func (s *Store) List(ctx context.Context, visit func(storage.Object) error) error {
	s.mu.RLock()
	objects := make([]storage.Object, 0, len(s.sortedKeys))
	for _, key := range s.sortedKeys {
		entry := s.objs[key]
		objects = append(objects, storage.Object{
			Key:     key,
			Name:    entry.name,
			Size:    int64(len(entry.payload)),
			ModTime: entry.updated,
		})
	}
	s.mu.RUnlock()
	for _, obj := range objects {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := visit(obj); err != nil {
			return err
		}
	}
	return nil
}

// GetDocument returns a copy of the named bookkeeping document.
func (s *Store) GetDocument(_ context.Context, name string) ([]byte, error) {
	if err := storage.CheckDocumentName(name); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.docs[name]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return bytes.Clone(data), nil
}

// PutDocument stores data under name. Documents are kept apart from objects
// and never show up in List.
func (s *Store) PutDocument(_ context.Context, name string, data []byte) error {
	if err := storage.CheckDocumentName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[name] = bytes.Clone(data)
	return nil
}

func (s *Store) insertKeyLocked(key string) {
	idx := sort.SearchStrings(s.sortedKeys, key)
	if idx < len(s.sortedKeys) && s.sortedKeys[idx] == key {
		return
	}
	s.sortedKeys = append(s.sortedKeys, "")
	copy(s.sortedKeys[idx+1:], s.sortedKeys[idx:])
	s.sortedKeys[idx] = key
}

func (s *Store) removeKeyLocked(key string) {
	idx := sort.SearchStrings(s.sortedKeys, key)
	if idx < len(s.sortedKeys) && s.sortedKeys[idx] == key {
		s.sortedKeys = append(s.sortedKeys[:idx], s.sortedKeys[idx+1:]...)
	}
}
