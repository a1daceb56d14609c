package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/disk"
	"pkt.systems/pslog"

	"pkt.systems/syncabletree/internal/annexmap"
	"pkt.systems/syncabletree/internal/storage"
)

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

func (s *Session) handleStore(ctx context.Context, logger pslog.Logger, cmd Command) {
	key := cmd.Key()
	src := cmd.Path()
	if cmd.Inline() {
		tmp, err := s.receiveInline(cmd.Size)
		if tmp != "" {
			defer os.Remove(tmp)
		}
		if err != nil {
			logger.Warn("protocol.store.inline_failed", "key", key, "size", cmd.Size, "error", err)
			s.replyError(err)
			return
		}
		src = tmp
	}
	info, err := os.Stat(src)
	if err != nil {
		s.replyError(fmt.Errorf("stat %s: %w", src, err))
		return
	}
	if !info.Mode().IsRegular() {
		s.replyError(fmt.Errorf("%s is not a regular file", src))
		return
	}
	if info.Size() != cmd.Size {
		s.replyError(fmt.Errorf("%w: %s has %d bytes, expected %d", ErrPartialTransfer, src, info.Size(), cmd.Size))
		return
	}
	name := s.readablePath(ctx, logger, key)
	if err := s.target.Backend.Upload(ctx, src, key, storage.UploadOptions{Name: name}); err != nil {
		logger.Warn("protocol.store.upload_failed", "key", key, "error", err)
		s.replyError(err)
		return
	}
	err = s.target.Map.Update(ctx, func(m *annexmap.Map) (bool, error) {
		changed := false
		for _, p := range m.PathsForKey(key) {
			if p != name {
				changed = m.Remove(p) || changed
			}
		}
		return m.Put(name, key) || changed, nil
	})
	if err != nil {
		logger.Warn("protocol.store.annexmap_failed", "key", key, "error", err)
		s.replyError(err)
		return
	}
	logger.Info("protocol.store.ok", "key", key, "name", name, "size", humanize.IBytes(uint64(cmd.Size)))
	s.reply("OK")
}

// readablePath asks the resolver for the work tree path of key, falling back
// to the key itself.
func (s *Session) readablePath(ctx context.Context, logger pslog.Logger, key string) string {
	name, err := s.resolver.ReadablePath(ctx, key)
	if err != nil {
		logger.Debug("protocol.store.resolve_failed", "key", key, "error", err)
		return key
	}
	if name == "" {
		return key
	}
	return name
}

// receiveInline copies exactly size bytes from the channel into a temp file.
// The returned path is set whenever a file was created, even on error.
func (s *Session) receiveInline(size int64) (string, error) {
	f, err := os.CreateTemp(s.tempDir, "syncabletree-inline-*")
	if err != nil {
		s.discardInline(size)
		return "", fmt.Errorf("create inline temp file: %w", err)
	}
	name := f.Name()
	if d, ok := s.raw.(readDeadliner); ok {
		if d.SetReadDeadline(time.Now().Add(s.settings.IdleTimeout)) == nil {
			defer d.SetReadDeadline(time.Time{})
		}
	}
	n, err := io.CopyN(f, s.in, size)
	if cerr := f.Close(); err == nil && cerr != nil {
		return name, fmt.Errorf("close inline temp file: %w", cerr)
	}
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, os.ErrDeadlineExceeded) {
			return name, fmt.Errorf("%w: received %d of %d bytes", ErrPartialTransfer, n, size)
		}
		return name, fmt.Errorf("read inline content: %w", err)
	}
	return name, nil
}

// discardInline consumes inline bytes of a rejected STORE so the channel
// stays parseable.
func (s *Session) discardInline(size int64) {
	if d, ok := s.raw.(readDeadliner); ok {
		if d.SetReadDeadline(time.Now().Add(s.settings.IdleTimeout)) == nil {
			defer d.SetReadDeadline(time.Time{})
		}
	}
	_, _ = io.CopyN(io.Discard, s.in, size)
}

func (s *Session) handleRetrieve(ctx context.Context, logger pslog.Logger, cmd Command) {
	key := cmd.Key()
	dest := cmd.Path()
	need := uint64(cmd.Size) + s.settings.RetrieveReserve
	free, err := s.freeSpace(ctx, filepath.Dir(dest))
	if err != nil {
		logger.Debug("protocol.retrieve.free_space_unknown", "dest", dest, "error", err)
	} else if free < need {
		s.replyError(fmt.Errorf("not enough free space at %s: need %s, have %s",
			filepath.Dir(dest), humanize.IBytes(need), humanize.IBytes(free)))
		return
	}
	if err := s.target.Backend.Download(ctx, key, dest); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.replyError(fmt.Errorf("not found: %s", key))
			return
		}
		logger.Warn("protocol.retrieve.download_failed", "key", key, "error", err)
		s.replyError(err)
		return
	}
	logger.Info("protocol.retrieve.ok", "key", key, "size", humanize.IBytes(uint64(cmd.Size)))
	s.reply("OK")
}

// diskFree reports the free bytes of the filesystem holding dir, probing the
// nearest existing ancestor.
func diskFree(ctx context.Context, dir string) (uint64, error) {
	probe := dir
	for {
		if _, err := os.Stat(probe); err == nil {
			break
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			break
		}
		probe = parent
	}
	usage, err := disk.UsageWithContext(ctx, probe)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}
