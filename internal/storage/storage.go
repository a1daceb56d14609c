package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

// Content type constants used when callers do not supply one.
const (
	ContentTypeOctetStream = "application/octet-stream"
	ContentTypeJSON        = "application/json"
)

// Reserved names that never surface through List.
const (
	// AnnexMapName is the default file name of the path-to-key document.
	AnnexMapName = ".annexmap.json"
	// ReservedDir is the backend-private directory used by local backends.
	ReservedDir = ".syncabletree"
)

var (
	// ErrNotFound indicates the requested key is not bound to an object.
	ErrNotFound = errors.New("storage: not found")
	// ErrInvalidKey indicates the key cannot be mapped to a storage location.
	ErrInvalidKey = errors.New("storage: invalid key")
	// ErrNotImplemented signals an optional capability is missing.
	ErrNotImplemented = errors.New("storage: not implemented")
)

// Object describes a stored object as seen through List.
type Object struct {
	// Key is the content key the object is bound to. Objects placed into the
	// store without going through Upload report their location as key.
	Key string
	// Name is the human readable relative path carried with the object.
	Name string
	// Size is the object size in bytes.
	Size int64
	// ModTime is the last modification time reported by the store.
	ModTime time.Time
}

// UploadOptions carries optional attributes persisted alongside an object.
type UploadOptions struct {
	// Name is the readable path hint; defaults to the key.
	Name string
	// ContentType overrides content sniffing when non-empty.
	ContentType string
}

// Backend is the capability interface every remote store satisfies.
//
// Upload replaces any existing object for key and never leaves a partial
// object visible. Download returns ErrNotFound when key is unbound and never
// leaves a partial destination. Exists reports false without error for
// unbound keys. Remove of an unbound key is a no-op. List visits every object
// and returns the first enumeration or visit error.
type Backend interface {
	Upload(ctx context.Context, localPath, key string, opts UploadOptions) error
	Download(ctx context.Context, key, destPath string) error
	Exists(ctx context.Context, key string) (bool, error)
	Remove(ctx context.Context, key string) error
	List(ctx context.Context, visit func(Object) error) error
	Close() error
}

// Description identifies a backend instance.
type Description struct {
	// Kind is the backend family (memory, disk, s3, aws, azure).
	Kind string
	// Locator is a stable, credential-free identifier of the store location.
	Locator string
	// Local reports whether the store lives on this machine.
	Local bool
}

// Describer is implemented by backends able to describe themselves.
type Describer interface {
	Describe() Description
}

// Unwrapper is implemented by decorators wrapping another backend.
type Unwrapper interface {
	Unwrap() Backend
}

// Describe returns the backend description when supported, looking through
// decorators.
func Describe(backend Backend) (Description, bool) {
	for backend != nil {
		if d, ok := backend.(Describer); ok {
			return d.Describe(), true
		}
		u, ok := backend.(Unwrapper)
		if !ok {
			break
		}
		backend = u.Unwrap()
	}
	return Description{}, false
}

// Verifier is implemented by backends that can check the configured store is
// reachable and usable before the first transfer.
type Verifier interface {
	Verify(ctx context.Context) error
}

// Verify runs the backend verification when supported, looking through
// decorators.
func Verify(ctx context.Context, backend Backend) error {
	for backend != nil {
		if v, ok := backend.(Verifier); ok {
			return v.Verify(ctx)
		}
		u, ok := backend.(Unwrapper)
		if !ok {
			break
		}
		backend = u.Unwrap()
	}
	return nil
}

// DocumentStore is implemented by backends that keep small bookkeeping
// documents under reserved names next to the objects. GetDocument returns
// ErrNotFound for a missing document. PutDocument replaces the document as a
// whole; readers observe either the old or the new content.
type DocumentStore interface {
	GetDocument(ctx context.Context, name string) ([]byte, error)
	PutDocument(ctx context.Context, name string, data []byte) error
}

// Documents returns the document capability of backend. Decorators forward
// the calls, so support is decided by the innermost backend.
func Documents(backend Backend) (DocumentStore, bool) {
	ds, ok := backend.(DocumentStore)
	if !ok {
		return nil, false
	}
	inner := backend
	for {
		u, ok := inner.(Unwrapper)
		if !ok {
			break
		}
		inner = u.Unwrap()
	}
	if _, ok := inner.(DocumentStore); !ok {
		return nil, false
	}
	return ds, true
}

// NormalizeKey validates key as a slash separated relative location. Keys
// are taken verbatim: anything path cleaning would rewrite (empty, "." or
// ".." segments, leading or doubled slashes, backslashes) is rejected so two
// distinct keys never share a location. Reserved names are rejected too.
func NormalizeKey(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", errors.Join(ErrInvalidKey, errors.New("empty key"))
	}
	if strings.ContainsAny(key, "\x00\r\n") {
		return "", errors.Join(ErrInvalidKey, errors.New("control characters in key"))
	}
	if strings.Contains(key, "\\") {
		return "", errors.Join(ErrInvalidKey, errors.New("backslash in key"))
	}
	if strings.HasPrefix(key, "/") {
		return "", errors.Join(ErrInvalidKey, errors.New("key is absolute"))
	}
	for _, segment := range strings.Split(key, "/") {
		if segment == ".." {
			return "", errors.Join(ErrInvalidKey, errors.New("key escapes store root"))
		}
	}
	clean := path.Clean(key)
	if clean == "." {
		return "", errors.Join(ErrInvalidKey, errors.New("key resolves to store root"))
	}
	if clean != key {
		return "", errors.Join(ErrInvalidKey, fmt.Errorf("key is not canonical (cleans to %q)", clean))
	}
	if IsReserved(clean) {
		return "", errors.Join(ErrInvalidKey, errors.New("key uses a reserved name"))
	}
	return clean, nil
}

// CheckDocumentName validates the name of a bookkeeping document. Only
// canonical reserved names qualify, which keeps documents out of List.
func CheckDocumentName(name string) error {
	if name == "" || path.Clean(name) != name || strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
		return errors.Join(ErrInvalidKey, fmt.Errorf("document name %q is not canonical", name))
	}
	if !IsReserved(name) {
		return errors.Join(ErrInvalidKey, fmt.Errorf("document name %q is not reserved", name))
	}
	return nil
}

// IsReserved reports whether the relative location belongs to syncabletree
// bookkeeping rather than stored content. Dot-prefixed annexmap names cover
// the document, its lock and the temporary files of an atomic save.
func IsReserved(rel string) bool {
	rel = strings.TrimPrefix(path.Clean("/"+rel), "/")
	first, _, _ := strings.Cut(rel, "/")
	if first == ReservedDir {
		return true
	}
	base := path.Base(rel)
	return strings.HasPrefix(base, ".") && strings.HasPrefix(strings.TrimLeft(base, "."), "annexmap")
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}
