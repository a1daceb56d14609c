// Package annexmap persists the mapping from readable remote paths to the
// content keys git-annex already tracks.
package annexmap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/renameio"
)

// PersistenceError reports a failure to read or write the map document.
type PersistenceError struct {
	Op   string
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("annexmap: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Map is an in-memory snapshot of the document at Path.
type Map struct {
	path    string
	entries map[string]string
}

// New returns an empty map bound to path.
func New(path string) *Map {
	return &Map{path: path, entries: make(map[string]string)}
}

// Load reads the document at path. A missing or empty file yields an empty
// map; anything unparsable is a *PersistenceError.
func Load(path string) (*Map, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return New(path), nil
		}
		return nil, &PersistenceError{Op: "read", Path: path, Err: err}
	}
	return decode(path, data)
}

func decode(path string, data []byte) (*Map, error) {
	m := New(path)
	if len(bytes.TrimSpace(data)) == 0 {
		return m, nil
	}
	var entries map[string]string
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, &PersistenceError{Op: "decode", Path: path, Err: err}
	}
	for p, key := range entries {
		if p == "" || key == "" {
			return nil, &PersistenceError{Op: "decode", Path: path, Err: fmt.Errorf("empty entry %q -> %q", p, key)}
		}
		m.entries[p] = key
	}
	return m, nil
}

func (m *Map) encode() ([]byte, error) {
	data, err := json.MarshalIndent(m.entries, "", "  ")
	if err != nil {
		return nil, &PersistenceError{Op: "encode", Path: m.path, Err: err}
	}
	return append(data, '\n'), nil
}

// Save atomically replaces the local file at Path with the current snapshot.
func (m *Map) Save() error {
	data, err := m.encode()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return &PersistenceError{Op: "mkdir", Path: m.path, Err: err}
	}
	if err := renameio.WriteFile(m.path, data, 0o644); err != nil {
		return &PersistenceError{Op: "write", Path: m.path, Err: err}
	}
	return nil
}

// Path returns the document location.
func (m *Map) Path() string { return m.path }

// Len returns the number of entries.
func (m *Map) Len() int { return len(m.entries) }

// Get returns the key mapped to p.
func (m *Map) Get(p string) (string, bool) {
	key, ok := m.entries[p]
	return key, ok
}

// Put maps p to key and reports whether the snapshot changed.
func (m *Map) Put(p, key string) bool {
	if cur, ok := m.entries[p]; ok && cur == key {
		return false
	}
	m.entries[p] = key
	return true
}

// Remove deletes p and reports whether it was present.
func (m *Map) Remove(p string) bool {
	if _, ok := m.entries[p]; !ok {
		return false
	}
	delete(m.entries, p)
	return true
}

// RemoveKey deletes every path mapped to key and returns them sorted.
func (m *Map) RemoveKey(key string) []string {
	removed := m.PathsForKey(key)
	for _, p := range removed {
		delete(m.entries, p)
	}
	return removed
}

// Entries returns a copy of the mapping.
func (m *Map) Entries() map[string]string {
	out := make(map[string]string, len(m.entries))
	for p, key := range m.entries {
		out[p] = key
	}
	return out
}

// Paths returns every mapped path in sorted order.
func (m *Map) Paths() []string {
	out := make([]string, 0, len(m.entries))
	for p := range m.entries {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// PathsForKey returns the sorted paths mapped to key.
func (m *Map) PathsForKey(key string) []string {
	var out []string
	for p, k := range m.entries {
		if k == key {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// Update runs fn against a freshly loaded snapshot while holding the
// document lock. The snapshot is saved only when fn reports a change.
func Update(ctx context.Context, path string, fn func(*Map) (bool, error)) error {
	unlock, err := Lock(ctx, path)
	if err != nil {
		return err
	}
	defer unlock()
	m, err := Load(path)
	if err != nil {
		return err
	}
	changed, err := fn(m)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	return m.Save()
}

// Read loads a snapshot under a shared document lock. It never creates
// anything: without a lock file there is no writer to wait for.
func Read(ctx context.Context, path string) (*Map, error) {
	unlock, err := readLock(ctx, path)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return Load(path)
}
