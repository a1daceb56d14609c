package disk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/xid"
	"pkt.systems/pslog"

	"pkt.systems/syncabletree/internal/loggingutil"
	"pkt.systems/syncabletree/internal/storage"
)

// Config captures the tunables for the disk backend.
type Config struct {
	Root string
	Now  func() time.Time
}

// Store implements storage.Backend backed by a directory tree. Objects live
// at <root>/<key> so the tree stays browsable; bookkeeping lives under
// <root>/.syncabletree.
type Store struct {
	root    string
	tmpDir  string
	infoDir string
	now     func() time.Time
}

type objectInfoRecord struct {
	Name          string `json:"name,omitempty"`
	ContentType   string `json:"content_type,omitempty"`
	Size          int64  `json:"size"`
	UpdatedAtUnix int64  `json:"updated_at_unix,omitempty"`
}

// New initialises a disk-backed store rooted at cfg.Root.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, fmt.Errorf("disk: root path required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	root, err := filepath.Abs(filepath.Clean(cfg.Root))
	if err != nil {
		return nil, fmt.Errorf("disk: resolve root %q: %w", cfg.Root, err)
	}
	reserved := filepath.Join(root, storage.ReservedDir)
	tmpDir := filepath.Join(reserved, "tmp")
	infoDir := filepath.Join(reserved, "info")
	for _, dir := range []string{root, tmpDir, infoDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("disk: prepare directory %q: %w", dir, err)
		}
	}
	return &Store{
		root:    root,
		tmpDir:  tmpDir,
		infoDir: infoDir,
		now:     cfg.Now,
	}, nil
}

// Root returns the absolute root directory of the store.
func (s *Store) Root() string {
	return s.root
}

// Describe reports the store identity.
func (s *Store) Describe() storage.Description {
	return storage.Description{Kind: "disk", Locator: "disk://" + filepath.ToSlash(s.root), Local: true}
}

// Close satisfies storage.Backend; the disk store holds no open handles.
func (s *Store) Close() error {
	return nil
}

func (s *Store) loggers(ctx context.Context) (pslog.Logger, pslog.Logger) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = loggingutil.NoopLogger()
	}
	logger = logger.With("storage_backend", "disk")
	return logger, logger
}

func (s *Store) objectDataPath(key string) (string, error) {
	loc, err := storage.NormalizeKey(key)
	if err != nil {
		return "", fmt.Errorf("disk: object key %q: %w", key, err)
	}
	return filepath.Join(s.root, filepath.FromSlash(loc)), nil
}

func (s *Store) objectInfoPath(key string) (string, error) {
	loc, err := storage.NormalizeKey(key)
	if err != nil {
		return "", fmt.Errorf("disk: object key %q: %w", key, err)
	}
	return filepath.Join(s.infoDir, filepath.FromSlash(loc)+".json"), nil
}

func (s *Store) keyFromObjectPath(objectPath string) (string, error) {
	rel, err := filepath.Rel(s.root, objectPath)
	if err != nil {
		return "", fmt.Errorf("disk: compute relative path: %w", err)
	}
	if rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("disk: object path outside root: %q", objectPath)
	}
	return filepath.ToSlash(rel), nil
}

// Upload stages localPath under the reserved temp directory and renames it
// over <root>/<key>, then records the readable name in the sidecar.
func (s *Store) Upload(ctx context.Context, localPath, key string, opts storage.UploadOptions) error {
	logger, verbose := s.loggers(ctx)
	verbose.Trace("disk.upload.begin", "key", key, "name", opts.Name)
	dataPath, err := s.objectDataPath(key)
	if err != nil {
		return err
	}
	opts = storage.ResolveUploadOptions(localPath, key, opts)
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("disk: open source for %q: %w", key, err)
	}
	defer src.Close()
	if err := os.MkdirAll(filepath.Dir(dataPath), 0o755); err != nil {
		return fmt.Errorf("disk: prepare object directory for %q: %w", key, err)
	}
	tmpPath := filepath.Join(s.tmpDir, "object-"+xid.New().String())
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("disk: create temp object for %q: %w", key, err)
	}
	written, err := io.Copy(tmp, src)
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("disk: write object %q: %w", key, err)
	}
	if err := syncFile(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("disk: sync object %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("disk: close object %q: %w", key, err)
	}
	if err := os.Rename(tmpPath, dataPath); err != nil {
		os.Remove(tmpPath)
		logger.Debug("disk.upload.rename_error", "key", key, "error", err)
		return fmt.Errorf("disk: rename object %q: %w", key, err)
	}
	_ = syncDir(filepath.Dir(dataPath))
	if err := s.storeObjectInfo(key, objectInfoRecord{
		Name:          opts.Name,
		ContentType:   opts.ContentType,
		Size:          written,
		UpdatedAtUnix: s.now().Unix(),
	}); err != nil {
		return err
	}
	verbose.Debug("disk.upload.success", "key", key, "size", written)
	return nil
}

// Download copies the object bound to key into destPath atomically.
func (s *Store) Download(ctx context.Context, key, destPath string) error {
	logger, verbose := s.loggers(ctx)
	verbose.Trace("disk.download.begin", "key", key)
	dataPath, err := s.objectDataPath(key)
	if err != nil {
		return err
	}
	f, err := openRegular(dataPath)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			verbose.Debug("disk.download.not_found", "key", key)
			return storage.ErrNotFound
		}
		logger.Debug("disk.download.open_error", "key", key, "error", err)
		return fmt.Errorf("disk: open object %q: %w", key, err)
	}
	defer f.Close()
	n, err := storage.WriteFileAtomic(ctx, destPath, f)
	if err != nil {
		return fmt.Errorf("disk: download %q: %w", key, err)
	}
	verbose.Debug("disk.download.success", "key", key, "size", n)
	return nil
}

// Exists reports whether a regular file is present for key.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	dataPath, err := s.objectDataPath(key)
	if err != nil {
		return false, err
	}
	fi, err := os.Stat(dataPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
			return false, nil
		}
		return false, fmt.Errorf("disk: stat object %q: %w", key, err)
	}
	return fi.Mode().IsRegular(), nil
}

// Remove deletes the object and its sidecar, pruning emptied directories.
func (s *Store) Remove(ctx context.Context, key string) error {
	logger, verbose := s.loggers(ctx)
	verbose.Trace("disk.remove.begin", "key", key)
	dataPath, err := s.objectDataPath(key)
	if err != nil {
		return err
	}
	infoPath, err := s.objectInfoPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(dataPath); err != nil && !errors.Is(err, os.ErrNotExist) && !errors.Is(err, syscall.ENOTDIR) {
		logger.Debug("disk.remove.data_error", "key", key, "error", err)
		return fmt.Errorf("disk: remove object %q: %w", key, err)
	}
	if err := os.Remove(infoPath); err != nil && !errors.Is(err, os.ErrNotExist) && !errors.Is(err, syscall.ENOTDIR) {
		logger.Debug("disk.remove.info_error", "key", key, "error", err)
		return fmt.Errorf("disk: remove object metadata %q: %w", key, err)
	}
	pruneEmptyDirs(filepath.Dir(dataPath), s.root)
	pruneEmptyDirs(filepath.Dir(infoPath), s.infoDir)
	verbose.Debug("disk.remove.success", "key", key)
	return nil
}

// List walks the tree in lexical order, skipping bookkeeping files.
func (s *Store) List(ctx context.Context, visit func(storage.Object) error) error {
	logger, verbose := s.loggers(ctx)
	start := time.Now()
	verbose.Trace("disk.list.begin", "root", s.root)
	count := 0
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p == s.root {
			return nil
		}
		key, err := s.keyFromObjectPath(p)
		if err != nil {
			return err
		}
		if storage.IsReserved(key) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		obj, err := s.describeObject(p, key)
		if err != nil {
			return err
		}
		count++
		return visit(obj)
	})
	if err != nil {
		logger.Debug("disk.list.walk_error", "error", err)
		return err
	}
	verbose.Debug("disk.list.success", "count", count, "elapsed", time.Since(start))
	return nil
}

func (s *Store) describeObject(dataPath, key string) (storage.Object, error) {
	fi, err := os.Stat(dataPath)
	if err != nil {
		return storage.Object{}, fmt.Errorf("disk: stat object %q: %w", key, err)
	}
	obj := storage.Object{
		Key:     key,
		Name:    key,
		Size:    fi.Size(),
		ModTime: fi.ModTime(),
	}
	rec, err := s.loadObjectInfo(key)
	switch {
	case err == nil:
		if rec.Name != "" {
			obj.Name = rec.Name
		}
	case errors.Is(err, storage.ErrNotFound):
	default:
		return storage.Object{}, err
	}
	return obj, nil
}

func (s *Store) loadObjectInfo(key string) (*objectInfoRecord, error) {
	infoPath, err := s.objectInfoPath(key)
	if err != nil {
		return nil, err
	}
	payload, err := os.ReadFile(infoPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("disk: read object metadata for %q: %w", key, err)
	}
	var rec objectInfoRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("disk: decode object metadata for %q: %w", key, err)
	}
	return &rec, nil
}

func (s *Store) storeObjectInfo(key string, rec objectInfoRecord) error {
	infoPath, err := s.objectInfoPath(key)
	if err != nil {
		return err
	}
	if err := s.writeJSONAtomic(infoPath, rec); err != nil {
		return fmt.Errorf("disk: write object metadata for %q: %w", key, err)
	}
	return nil
}

func (s *Store) writeJSONAtomic(dest string, v any) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.tmpDir, "info-*")
	if err != nil {
		return err
	}
	if err := json.NewEncoder(tmp).Encode(v); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := syncFile(tmp); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	_ = syncDir(filepath.Dir(dest))
	return nil
}

func openRegular(p string) (*os.File, error) {
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if !fi.Mode().IsRegular() {
		f.Close()
		return nil, storage.ErrNotFound
	}
	return f, nil
}

func pruneEmptyDirs(dir, stop string) {
	for dir != stop && dir != "." && strings.HasPrefix(dir, stop) {
		if err := os.Remove(dir); err != nil {
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}

func syncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}
