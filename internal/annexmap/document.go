package annexmap

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"pkt.systems/syncabletree/internal/storage"
)

// Document is a persisted map that is read and replaced as a whole.
type Document interface {
	// Read returns a snapshot; a document that does not exist yet is empty.
	Read(ctx context.Context) (*Map, error)
	// Update applies fn to a fresh snapshot and persists it when fn reports
	// a change.
	Update(ctx context.Context, fn func(*Map) (bool, error)) error
	// Location names the document for humans.
	Location() string
}

// File returns the Document kept as a local JSON file at path.
func File(path string) Document { return fileDocument(path) }

type fileDocument string

func (d fileDocument) Read(ctx context.Context) (*Map, error) { return Read(ctx, string(d)) }

func (d fileDocument) Update(ctx context.Context, fn func(*Map) (bool, error)) error {
	return Update(ctx, string(d), fn)
}

func (d fileDocument) Location() string { return string(d) }

// ObjectDocument keeps the map as a reserved object inside a remote store.
// Writers in this process and, through lockPath, on this machine are
// serialized. Writers on other machines race last-writer-wins.
type ObjectDocument struct {
	store    storage.DocumentStore
	name     string
	locator  string
	lockPath string

	mu sync.Mutex
}

// NewObjectDocument binds the document name inside store. locator is what
// Location and error messages report. lockPath may be empty to skip the
// cross-process lock.
func NewObjectDocument(store storage.DocumentStore, name, locator, lockPath string) *ObjectDocument {
	return &ObjectDocument{store: store, name: name, locator: locator, lockPath: lockPath}
}

// Location reports the object locator.
func (d *ObjectDocument) Location() string { return d.locator }

// Read fetches the current document.
func (d *ObjectDocument) Read(ctx context.Context) (*Map, error) {
	data, err := d.store.GetDocument(ctx, d.name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return New(d.locator), nil
		}
		return nil, d.storeError("read", err)
	}
	return decode(d.locator, data)
}

// Update reads, applies fn and writes back while holding the local locks.
func (d *ObjectDocument) Update(ctx context.Context, fn func(*Map) (bool, error)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lockPath != "" {
		unlock, err := lockFile(ctx, d.lockPath)
		if err != nil {
			return err
		}
		defer unlock()
	}
	m, err := d.Read(ctx)
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
	data, err := m.encode()
	if err != nil {
		return err
	}
	if err := d.store.PutDocument(ctx, d.name, data); err != nil {
		return d.storeError("write", err)
	}
	return nil
}

// storeError keeps transient and cancellation failures retryable; anything
// else means the document cannot be used.
func (d *ObjectDocument) storeError(op string, err error) error {
	if storage.IsTransient(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("annexmap: %s %s: %w", op, d.locator, err)
	}
	return &PersistenceError{Op: op, Path: d.locator, Err: err}
}
