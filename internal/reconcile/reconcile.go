// Package reconcile finds objects placed into the remote store behind
// git-annex's back and folds them into the local work tree.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"pkt.systems/pslog"

	"pkt.systems/syncabletree/internal/annex"
	"pkt.systems/syncabletree/internal/annexmap"
	"pkt.systems/syncabletree/internal/loggingutil"
	"pkt.systems/syncabletree/internal/storage"
)

// DefaultCommitMessage is formatted with the number of imported files.
const DefaultCommitMessage = "Auto-imported %d file(s) from syncabletree remote"

// Candidate is a remote object whose readable path the annexmap does not know.
type Candidate struct {
	Path string
	Key  string
	Size int64
}

// String renders "path (size)".
func (c Candidate) String() string {
	return fmt.Sprintf("%s (%s)", c.Path, humanize.IBytes(uint64(max(c.Size, 0))))
}

// Config wires a Reconciler.
type Config struct {
	Backend   storage.Backend
	Map       annexmap.Document
	Registrar annex.Registrar
	Logger    pslog.Logger
	// Commit records imported files with Registrar.Commit.
	Commit bool
	// CommitMessage may contain one %d verb for the file count.
	CommitMessage string
}

// Reconciler diffs the remote namespace against the annexmap.
type Reconciler struct {
	backend       storage.Backend
	doc           annexmap.Document
	registrar     annex.Registrar
	logger        pslog.Logger
	commit        bool
	commitMessage string
}

// New validates cfg and returns a Reconciler.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Backend == nil {
		return nil, errors.New("reconcile: backend required")
	}
	if cfg.Map == nil {
		return nil, errors.New("reconcile: annexmap required")
	}
	msg := cfg.CommitMessage
	if msg == "" {
		msg = DefaultCommitMessage
	}
	return &Reconciler{
		backend:       cfg.Backend,
		doc:           cfg.Map,
		registrar:     cfg.Registrar,
		logger:        loggingutil.EnsureLogger(cfg.Logger),
		commit:        cfg.Commit,
		commitMessage: msg,
	}, nil
}

// Scan returns, sorted by path, every remote object whose readable path is
// not mapped yet. Names that repeat are reported once, with the smallest key.
func (r *Reconciler) Scan(ctx context.Context) ([]Candidate, error) {
	logger := loggingutil.WithSubsystem(r.logger, "reconcile.scan")
	begin := time.Now()
	m, err := r.doc.Read(ctx)
	if err != nil {
		return nil, err
	}
	found := make(map[string]Candidate)
	err = r.backend.List(ctx, func(obj storage.Object) error {
		name, err := storage.NormalizeKey(obj.Name)
		if err != nil {
			logger.Debug("reconcile.scan.skip", "key", obj.Key, "name", obj.Name, "reason", err)
			return nil
		}
		if _, ok := m.Get(name); ok {
			return nil
		}
		if prev, ok := found[name]; ok && prev.Key <= obj.Key {
			return nil
		}
		found[name] = Candidate{Path: name, Key: obj.Key, Size: obj.Size}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile: list remote: %w", err)
	}
	out := make([]Candidate, 0, len(found))
	for _, c := range found {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	logger.Debug("reconcile.scan.done", "mapped", m.Len(), "candidates", len(out), "elapsed", time.Since(begin))
	return out, nil
}

// DryRun reports what Import would fetch without touching anything.
func (r *Reconciler) DryRun(ctx context.Context) ([]Candidate, error) {
	return r.Scan(ctx)
}

// Import copies each candidate into localRoot, registers it and records the
// assigned key. The first failure stops the run; files recorded before it
// stay recorded.
func (r *Reconciler) Import(ctx context.Context, candidates []Candidate, localRoot string) ([]string, error) {
	logger := loggingutil.WithSubsystem(r.logger, "reconcile.import")
	if r.registrar == nil {
		return nil, errors.New("reconcile: registrar required for import")
	}
	root, err := filepath.Abs(localRoot)
	if err != nil {
		return nil, fmt.Errorf("reconcile: resolve local root: %w", err)
	}
	var imported []string
	for _, c := range candidates {
		dest, err := localPath(root, c.Path)
		if err != nil {
			return imported, err
		}
		if err := r.backend.Download(ctx, c.Key, dest); err != nil {
			return imported, fmt.Errorf("reconcile: fetch %s: %w", c.Path, err)
		}
		key, err := r.registrar.Register(ctx, dest)
		if err != nil {
			return imported, fmt.Errorf("reconcile: register %s: %w", c.Path, err)
		}
		err = r.doc.Update(ctx, func(m *annexmap.Map) (bool, error) {
			return m.Put(c.Path, key), nil
		})
		if err != nil {
			return imported, err
		}
		logger.Info("reconcile.import.file", "path", c.Path, "remote_key", c.Key, "key", key, "size", humanize.IBytes(uint64(max(c.Size, 0))))
		imported = append(imported, c.Path)
	}
	if r.commit && len(imported) > 0 {
		msg := r.commitMessage
		if strings.Contains(msg, "%d") {
			msg = fmt.Sprintf(msg, len(imported))
		}
		if err := r.registrar.Commit(ctx, msg); err != nil {
			return imported, fmt.Errorf("reconcile: commit: %w", err)
		}
	}
	logger.Info("reconcile.import.done", "imported", len(imported), "committed", r.commit && len(imported) > 0)
	return imported, nil
}

func localPath(root, rel string) (string, error) {
	dest := filepath.Join(root, filepath.FromSlash(rel))
	within, err := filepath.Rel(root, dest)
	if err != nil || within == "." || within == ".." || strings.HasPrefix(within, ".."+string(filepath.Separator)) || filepath.IsAbs(within) {
		return "", fmt.Errorf("reconcile: path %q escapes %s", rel, root)
	}
	return dest, nil
}
