package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/renameio"
)

// NameMetadataKey is the metadata entry carrying the readable path on object
// stores with user-defined metadata.
const NameMetadataKey = "syncabletree-path"

// WriteFileAtomic streams r into destPath through a temporary file created in
// the destination directory, then renames it into place. destPath is left
// untouched when any step fails.
func WriteFileAtomic(ctx context.Context, destPath string, r io.Reader) (int64, error) {
	dir := filepath.Dir(destPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("storage: create destination dir: %w", err)
	}
	pending, err := renameio.TempFile(dir, destPath)
	if err != nil {
		return 0, fmt.Errorf("storage: create temp file: %w", err)
	}
	defer pending.Cleanup()
	n, err := io.Copy(pending, contextReader{ctx: ctx, r: r})
	if err != nil {
		return n, err
	}
	if err := pending.Chmod(0o644); err != nil {
		return n, fmt.Errorf("storage: chmod temp file: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return n, fmt.Errorf("storage: replace %s: %w", destPath, err)
	}
	return n, nil
}

// DetectContentType sniffs the content type of the file at localPath,
// falling back to application/octet-stream.
func DetectContentType(localPath string) string {
	mt, err := mimetype.DetectFile(localPath)
	if err != nil || mt == nil {
		return ContentTypeOctetStream
	}
	return mt.String()
}

// ResolveUploadOptions fills defaults for the readable name and content type.
func ResolveUploadOptions(localPath, key string, opts UploadOptions) UploadOptions {
	if strings.TrimSpace(opts.Name) == "" {
		opts.Name = key
	}
	if opts.ContentType == "" {
		opts.ContentType = DetectContentType(localPath)
	}
	return opts
}

// EncodeName renders a readable path into a header-safe metadata value.
func EncodeName(name string) string {
	return url.PathEscape(name)
}

// DecodeName reverses EncodeName; undecodable values are returned verbatim.
func DecodeName(value string) string {
	decoded, err := url.PathUnescape(value)
	if err != nil {
		return value
	}
	return decoded
}

// LookupMetadata finds key in a metadata map ignoring case and the
// x-amz-meta- prefix some clients keep.
func LookupMetadata(meta map[string]string, key string) (string, bool) {
	for k, v := range meta {
		name := strings.ToLower(k)
		name = strings.TrimPrefix(name, "x-amz-meta-")
		if name == key {
			return v, true
		}
	}
	return "", false
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if c.ctx != nil {
		if err := c.ctx.Err(); err != nil {
			return 0, err
		}
	}
	return c.r.Read(p)
}
