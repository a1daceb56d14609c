package aws

import (
	"bytes"
	"context"
	"crypto/tls"
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

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"
	"pkt.systems/pslog"

	"pkt.systems/syncabletree/internal/loggingutil"
	"pkt.systems/syncabletree/internal/storage"
)

// Config controls the behaviour of the AWS S3 storage backend.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	PartSize       int64
	ServerSideEnc  string
	KMSKeyID       string
}

// Store implements storage.Backend backed by AWS S3 through the native SDK.
type Store struct {
	client   *s3.Client
	uploader *manager.Uploader
	cfg      Config
}

const awsOpTimeout = 5 * time.Minute

// New constructs a Store using the provided configuration. Credentials come
// from the default AWS chain.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("aws: bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("aws: region is required")
	}
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")

	httpClient := &http.Client{Transport: defaultTransport(cfg.Insecure)}
	awsCfg, err := awsconfig.LoadDefaultConfig(
		context.Background(),
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(httpClient),
	)
	if err != nil {
		return nil, fmt.Errorf("aws: load config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			endpoint := cfg.Endpoint
			if !strings.Contains(endpoint, "://") {
				scheme := "https"
				if cfg.Insecure {
					scheme = "http"
				}
				endpoint = scheme + "://" + endpoint
			}
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		if cfg.PartSize >= manager.MinUploadPartSize {
			u.PartSize = cfg.PartSize
		}
	})
	return &Store{client: client, uploader: uploader, cfg: cfg}, nil
}

func defaultTransport(insecure bool) http.RoundTripper {
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
	if insecure {
		clone.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return clone
}

// Close satisfies storage.Backend and is a no-op for the AWS client.
func (s *Store) Close() error { return nil }

// Describe reports the store identity.
func (s *Store) Describe() storage.Description {
	locator := "aws://" + path.Join(s.cfg.Bucket, s.cfg.Prefix)
	if s.cfg.Endpoint != "" {
		locator += "?endpoint=" + s.cfg.Endpoint
	}
	return storage.Description{Kind: "aws", Locator: locator}
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

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok {
		if time.Until(deadline) <= awsOpTimeout {
			return ctx, func() {}
		}
	}
	return context.WithTimeout(ctx, awsOpTimeout)
}

// Verify checks the configured bucket is reachable.
func (s *Store) Verify(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.cfg.Bucket)})
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("aws: bucket %q does not exist", s.cfg.Bucket)
		}
		return s.wrapError(err, "aws: head bucket")
	}
	return nil
}

// Upload sends localPath through the multipart-capable uploader. The object
// only becomes visible once the upload completes.
func (s *Store) Upload(ctx context.Context, localPath, key string, opts storage.UploadOptions) error {
	logger, verbose := s.loggers(ctx)
	object, err := s.objectKey(key)
	if err != nil {
		return err
	}
	verbose.Trace("aws.upload.begin", "key", key, "object", object)
	opts = storage.ResolveUploadOptions(localPath, key, opts)
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("aws: open source: %w", err)
	}
	defer f.Close()
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(object),
		Body:        f,
		ContentType: aws.String(opts.ContentType),
		Metadata:    map[string]string{storage.NameMetadataKey: storage.EncodeName(opts.Name)},
	}
	applySSEToPut(input, s.cfg.ServerSideEnc, s.cfg.KMSKeyID)
	if _, err := s.uploader.Upload(ctx, input); err != nil {
		logger.Debug("aws.upload.error", "key", key, "object", object, "error", err)
		return s.wrapError(err, "aws: upload object")
	}
	verbose.Debug("aws.upload.success", "key", key, "object", object)
	return nil
}

// Download streams the key's object into destPath.
func (s *Store) Download(ctx context.Context, key, destPath string) error {
	logger, verbose := s.loggers(ctx)
	object, err := s.objectKey(key)
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	verbose.Trace("aws.download.begin", "key", key, "object", object)
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(object),
	})
	if err != nil {
		if isNotFound(err) {
			verbose.Debug("aws.download.not_found", "key", key, "object", object)
			return storage.ErrNotFound
		}
		logger.Debug("aws.download.get_error", "key", key, "object", object, "error", err)
		return s.wrapError(err, "aws: get object")
	}
	defer resp.Body.Close()
	n, err := storage.WriteFileAtomic(ctx, destPath, resp.Body)
	if err != nil {
		logger.Debug("aws.download.copy_error", "key", key, "object", object, "error", err)
		return s.wrapError(err, "aws: download object")
	}
	verbose.Debug("aws.download.success", "key", key, "object", object, "size", n)
	return nil
}

// Exists issues a HEAD for the key's object.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	object, err := s.objectKey(key)
	if err != nil {
		return false, err
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	if _, err := s.head(ctx, object); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, s.wrapError(err, "aws: head object")
	}
	return true, nil
}

// Remove deletes the key's object; S3 acknowledges deletes of missing keys.
func (s *Store) Remove(ctx context.Context, key string) error {
	logger, verbose := s.loggers(ctx)
	object, err := s.objectKey(key)
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	verbose.Trace("aws.remove.begin", "key", key, "object", object)
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(object),
	})
	if err != nil && !isNotFound(err) {
		logger.Debug("aws.remove.error", "key", key, "object", object, "error", err)
		return s.wrapError(err, "aws: delete object")
	}
	verbose.Debug("aws.remove.success", "key", key, "object", object)
	return nil
}

// List pages through ListObjectsV2 and reads each object's name from its
// metadata with a HEAD, since listings carry no user metadata.
func (s *Store) List(ctx context.Context, visit func(storage.Object) error) error {
	logger, verbose := s.loggers(ctx)
	start := time.Now()
	root := s.cfg.Prefix
	if root != "" {
		root += "/"
	}
	verbose.Trace("aws.list.begin", "prefix", root)
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(root),
	}
	count := 0
	for {
		pageCtx, cancel := withTimeout(ctx)
		resp, err := s.client.ListObjectsV2(pageCtx, input)
		if err != nil {
			cancel()
			logger.Debug("aws.list.error", "error", err)
			return s.wrapError(err, "aws: list objects")
		}
		for _, item := range resp.Contents {
			objectKey := aws.ToString(item.Key)
			key := strings.TrimPrefix(objectKey, root)
			if key == "" || strings.HasSuffix(key, "/") || storage.IsReserved(key) {
				continue
			}
			obj := storage.Object{
				Key:     key,
				Name:    key,
				Size:    aws.ToInt64(item.Size),
				ModTime: aws.ToTime(item.LastModified),
			}
			head, err := s.head(pageCtx, objectKey)
			if err != nil {
				if isNotFound(err) {
					continue
				}
				cancel()
				return s.wrapError(err, "aws: head object")
			}
			if name, ok := storage.LookupMetadata(head.Metadata, storage.NameMetadataKey); ok && name != "" {
				obj.Name = storage.DecodeName(name)
			}
			count++
			if err := visit(obj); err != nil {
				cancel()
				return err
			}
		}
		cancel()
		if !aws.ToBool(resp.IsTruncated) || aws.ToString(resp.NextContinuationToken) == "" {
			break
		}
		input.ContinuationToken = resp.NextContinuationToken
	}
	verbose.Debug("aws.list.success", "count", count, "elapsed", time.Since(start))
	return nil
}

// GetDocument reads the bookkeeping document stored at <prefix>/<name>.
func (s *Store) GetDocument(ctx context.Context, name string) ([]byte, error) {
	if err := storage.CheckDocumentName(name); err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.withPrefix(name)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, storage.ErrNotFound
		}
		return nil, s.wrapError(err, "aws: get document")
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, s.wrapError(err, "aws: read document")
	}
	return data, nil
}

// PutDocument replaces the bookkeeping document at <prefix>/<name> with a
// single PUT.
func (s *Store) PutDocument(ctx context.Context, name string, data []byte) error {
	if err := storage.CheckDocumentName(name); err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(s.withPrefix(name)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(storage.ContentTypeJSON),
	}
	applySSEToPut(input, s.cfg.ServerSideEnc, s.cfg.KMSKeyID)
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return s.wrapError(err, "aws: put document")
	}
	return nil
}

func (s *Store) head(ctx context.Context, object string) (*s3.HeadObjectOutput, error) {
	return s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(object),
	})
}

func (s *Store) objectKey(key string) (string, error) {
	loc, err := storage.NormalizeKey(key)
	if err != nil {
		return "", fmt.Errorf("aws: object key %q: %w", key, err)
	}
	return s.withPrefix(loc), nil
}

func (s *Store) withPrefix(p string) string {
	if s.cfg.Prefix == "" {
		return p
	}
	return path.Join(s.cfg.Prefix, p)
}

func applySSEToPut(input *s3.PutObjectInput, mode, keyID string) {
	switch strings.ToUpper(mode) {
	case "AES256":
		input.ServerSideEncryption = types.ServerSideEncryptionAes256
	case "AWS:KMS", "KMS":
		input.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		if keyID != "" {
			input.SSEKMSKeyId = aws.String(keyID)
		}
	}
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
	if status, ok := httpStatusCode(err); ok {
		if status >= http.StatusInternalServerError {
			return true
		}
		switch status {
		case http.StatusTooManyRequests, http.StatusRequestTimeout:
			return true
		}
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

func httpStatusCode(err error) (int, bool) {
	if err == nil {
		return 0, false
	}
	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) {
		return statusErr.HTTPStatusCode(), true
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode(), true
	}
	return 0, false
}

// isNotFound matches missing objects only; a missing bucket is a
// configuration error and must not read as MISSING.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		case "NoSuchBucket":
			return false
		}
	}
	if status, ok := httpStatusCode(err); ok {
		return status == http.StatusNotFound
	}
	return false
}
