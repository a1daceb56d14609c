package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path"
	"strings"
	"syscall"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/encrypt"
	"pkt.systems/pslog"

	"pkt.systems/syncabletree/internal/loggingutil"
	"pkt.systems/syncabletree/internal/storage"
)

// Config controls the behaviour of the S3 storage backend.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	PartSize       uint64
	ServerSideEnc  string
	KMSKeyID       string
	CustomCreds    *credentials.Credentials
	Transport      http.RoundTripper
}

// Store implements storage.Backend backed by S3-compatible object storage.
// Objects are stored at <prefix>/<key>; the readable path travels as user
// metadata.
type Store struct {
	client *minio.Client
	cfg    Config
}

// New builds a MinIO client for cfg. Credentials default to the usual
// environment, shared file and instance-role chain.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
	}
	if cfg.Transport == nil {
		cfg.Transport = defaultTransport()
	}
	var creds *credentials.Credentials
	if cfg.CustomCreds != nil {
		creds = cfg.CustomCreds
	} else {
		chain := []credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		}
		creds = credentials.NewChainCredentials(chain)
	}
	options := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	cfg.Endpoint = endpoint
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &Store{client: client, cfg: cfg}, nil
}

func defaultTransport() http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	clone := base.Clone()
	if clone.MaxIdleConnsPerHost == 0 {
		clone.MaxIdleConnsPerHost = 16
	}
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	if clone.TLSHandshakeTimeout == 0 {
		clone.TLSHandshakeTimeout = 10 * time.Second
	}
	if clone.ExpectContinueTimeout == 0 {
		clone.ExpectContinueTimeout = 1 * time.Second
	}
	return clone
}

// Close satisfies storage.Backend and is a no-op for the S3 client.
func (s *Store) Close() error { return nil }

// Describe reports the store identity without credentials.
func (s *Store) Describe() storage.Description {
	locator := "s3://" + path.Join(s.cfg.Endpoint, s.cfg.Bucket, s.cfg.Prefix)
	return storage.Description{Kind: "s3", Locator: locator}
}

// Verify checks the configured bucket exists.
func (s *Store) Verify(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return s.wrapError(err, "s3: bucket exists")
	}
	if !ok {
		return fmt.Errorf("s3: bucket %q does not exist", s.cfg.Bucket)
	}
	return nil
}

// Config returns a copy of the configuration used to build the store.
func (s *Store) Config() Config {
	return s.cfg
}

func (s *Store) loggers(ctx context.Context) (pslog.Logger, pslog.Logger) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = loggingutil.NoopLogger()
	}
	return logger, logger
}

// Upload puts localPath at the key's object location, replacing any prior
// object. S3 PUTs are atomic so readers never observe partial content.
func (s *Store) Upload(ctx context.Context, localPath, key string, opts storage.UploadOptions) error {
	logger, verbose := s.loggers(ctx)
	object, err := s.objectKey(key)
	if err != nil {
		return err
	}
	verbose.Trace("s3.upload.begin", "key", key, "object", object)
	opts = storage.ResolveUploadOptions(localPath, key, opts)
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("s3: open source: %w", err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("s3: stat source: %w", err)
	}
	putOpts := minio.PutObjectOptions{
		ContentType:  opts.ContentType,
		UserMetadata: map[string]string{storage.NameMetadataKey: storage.EncodeName(opts.Name)},
		PartSize:     s.cfg.PartSize,
	}
	s.applySSE(&putOpts)
	info, err := s.client.PutObject(ctx, s.cfg.Bucket, object, f, fi.Size(), putOpts)
	if err != nil {
		logger.Debug("s3.upload.put_error", "key", key, "object", object, "error", err)
		return s.wrapError(err, "s3: put object")
	}
	verbose.Debug("s3.upload.success", "key", key, "object", object, "etag", stripETag(info.ETag), "size", info.Size)
	return nil
}

// Download fetches the object bound to key into destPath.
func (s *Store) Download(ctx context.Context, key, destPath string) error {
	logger, verbose := s.loggers(ctx)
	object, err := s.objectKey(key)
	if err != nil {
		return err
	}
	verbose.Trace("s3.download.begin", "key", key, "object", object)
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, object, minio.GetObjectOptions{})
	if err != nil {
		logger.Debug("s3.download.get_error", "key", key, "object", object, "error", err)
		return s.wrapError(err, "s3: get object")
	}
	defer obj.Close()
	if _, err := obj.Stat(); err != nil {
		if isNotFound(err) {
			verbose.Debug("s3.download.not_found", "key", key, "object", object)
			return storage.ErrNotFound
		}
		logger.Debug("s3.download.stat_error", "key", key, "object", object, "error", err)
		return s.wrapError(err, "s3: stat object")
	}
	n, err := storage.WriteFileAtomic(ctx, destPath, &notFoundAwareObject{object: obj})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.ErrNotFound
		}
		logger.Debug("s3.download.copy_error", "key", key, "object", object, "error", err)
		return s.wrapError(err, "s3: download object")
	}
	verbose.Debug("s3.download.success", "key", key, "object", object, "size", n)
	return nil
}

// Exists issues a HEAD for the key's object.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	object, err := s.objectKey(key)
	if err != nil {
		return false, err
	}
	if _, err := s.client.StatObject(ctx, s.cfg.Bucket, object, minio.StatObjectOptions{}); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, s.wrapError(err, "s3: stat object")
	}
	return true, nil
}

// Remove deletes the key's object; S3 treats missing objects as success.
func (s *Store) Remove(ctx context.Context, key string) error {
	logger, verbose := s.loggers(ctx)
	object, err := s.objectKey(key)
	if err != nil {
		return err
	}
	verbose.Trace("s3.remove.begin", "key", key, "object", object)
	if err := s.client.RemoveObject(ctx, s.cfg.Bucket, object, minio.RemoveObjectOptions{}); err != nil {
		if isNotFound(err) {
			return nil
		}
		logger.Debug("s3.remove.error", "key", key, "object", object, "error", err)
		return s.wrapError(err, "s3: remove object")
	}
	verbose.Debug("s3.remove.success", "key", key, "object", object)
	return nil
}

// List walks every object under the prefix. Names come from listing
// metadata when the server returns it and from a HEAD otherwise.
func (s *Store) List(ctx context.Context, visit func(storage.Object) error) error {
	logger, verbose := s.loggers(ctx)
	start := time.Now()
	root := s.cfg.Prefix
	if root != "" {
		root += "/"
	}
	verbose.Trace("s3.list.begin", "prefix", root)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	count := 0
	for object := range s.client.ListObjects(ctx, s.cfg.Bucket, minio.ListObjectsOptions{
		Prefix:       root,
		Recursive:    true,
		WithMetadata: true,
	}) {
		if object.Err != nil {
			logger.Debug("s3.list.error", "error", object.Err)
			return s.wrapError(object.Err, "s3: list objects")
		}
		key := strings.TrimPrefix(object.Key, root)
		if key == "" || strings.HasSuffix(key, "/") || storage.IsReserved(key) {
			continue
		}
		name, ok := storage.LookupMetadata(object.UserMetadata, storage.NameMetadataKey)
		if !ok {
			stat, err := s.client.StatObject(ctx, s.cfg.Bucket, object.Key, minio.StatObjectOptions{})
			switch {
			case err == nil:
				name, ok = storage.LookupMetadata(stat.UserMetadata, storage.NameMetadataKey)
			case isNotFound(err):
				continue
			default:
				return s.wrapError(err, "s3: stat object")
			}
		}
		obj := storage.Object{
			Key:     key,
			Name:    key,
			Size:    object.Size,
			ModTime: object.LastModified,
		}
		if ok && name != "" {
			obj.Name = storage.DecodeName(name)
		}
		count++
		if err := visit(obj); err != nil {
			return err
		}
	}
	verbose.Debug("s3.list.success", "count", count, "elapsed", time.Since(start))
	return nil
}

// GetDocument reads the bookkeeping document stored at <prefix>/<name>.
func (s *Store) GetDocument(ctx context.Context, name string) ([]byte, error) {
	_, verbose := s.loggers(ctx)
	if err := storage.CheckDocumentName(name); err != nil {
		return nil, err
	}
	object := s.withPrefix(name)
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, object, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.wrapError(err, "s3: get document")
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		if isNotFound(err) {
			verbose.Trace("s3.document.not_found", "object", object)
			return nil, storage.ErrNotFound
		}
		return nil, s.wrapError(err, "s3: read document")
	}
	verbose.Trace("s3.document.get", "object", object, "bytes", len(data))
	return data, nil
}

// PutDocument replaces the bookkeeping document at <prefix>/<name>.
func (s *Store) PutDocument(ctx context.Context, name string, data []byte) error {
	_, verbose := s.loggers(ctx)
	if err := storage.CheckDocumentName(name); err != nil {
		return err
	}
	object := s.withPrefix(name)
	putOpts := minio.PutObjectOptions{ContentType: storage.ContentTypeJSON}
	s.applySSE(&putOpts)
	if _, err := s.client.PutObject(ctx, s.cfg.Bucket, object, bytes.NewReader(data), int64(len(data)), putOpts); err != nil {
		return s.wrapError(err, "s3: put document")
	}
	verbose.Trace("s3.document.put", "object", object, "bytes", len(data))
	return nil
}

func (s *Store) objectKey(key string) (string, error) {
	loc, err := storage.NormalizeKey(key)
	if err != nil {
		return "", fmt.Errorf("s3: object key %q: %w", key, err)
	}
	return s.withPrefix(loc), nil
}

func (s *Store) withPrefix(p string) string {
	if s.cfg.Prefix == "" {
		return p
	}
	return path.Join(s.cfg.Prefix, p)
}

func (s *Store) applySSE(opts *minio.PutObjectOptions) {
	switch strings.ToUpper(s.cfg.ServerSideEnc) {
	case "AES256":
		opts.ServerSideEncryption = encrypt.NewSSE()
	case "AWS:KMS", "KMS":
		if s.cfg.KMSKeyID != "" {
			if enc, err := encrypt.NewSSEKMS(s.cfg.KMSKeyID, nil); err == nil {
				opts.ServerSideEncryption = enc
			}
		}
	}
}

func stripETag(etag string) string {
	return strings.Trim(etag, "\"")
}

type objectReader interface {
	io.Reader
	io.Closer
}

type notFoundAwareObject struct {
	object objectReader
}

func (o *notFoundAwareObject) Read(p []byte) (int, error) {
	n, err := o.object.Read(p)
	if err != nil && isNotFound(err) {
		err = storage.ErrNotFound
	}
	return n, err
}

func (o *notFoundAwareObject) Close() error {
	if o.object == nil {
		return nil
	}
	return o.object.Close()
}

func isNotFound(err error) bool {
	errResp := minio.ErrorResponse{}
	if errors.As(err, &errResp) {
		return errResp.StatusCode == http.StatusNotFound
	}
	return false
}

func (s *Store) wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	retryable := isRetryable(err)
	if msg != "" {
		err = fmt.Errorf("%s: %w", msg, err)
	}
	if retryable {
		return storage.NewTransientError(err)
	}
	return err
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if isNetworkConnectionError(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true
		}
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsTemporary {
			return true
		}
	}
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode >= http.StatusInternalServerError {
		return true
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusRequestTimeout:
		return true
	}
	return false
}

func isNetworkConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if isNetworkConnectionError(opErr.Err) {
			return true
		}
	}
	return false
}
