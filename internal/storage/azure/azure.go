package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"pkt.systems/pslog"

	"pkt.systems/syncabletree/internal/loggingutil"
	"pkt.systems/syncabletree/internal/storage"
)

// nameMetadataKey must be a valid C# identifier, hence the underscore.
const nameMetadataKey = "syncabletree_path"

// Config controls connectivity to Azure Blob Storage.
type Config struct {
	Account    string
	AccountKey string
	Endpoint   string
	SASToken   string
	Container  string
	Prefix     string
	Transport  policy.Transporter
}

// Store implements storage.Backend backed by Azure Blob Storage.
type Store struct {
	client    *azblob.Client
	endpoint  string
	container string
	prefix    string
}

// New constructs a Store using the provided configuration. The container is
// not touched until Verify or the first transfer.
func New(cfg Config) (*Store, error) {
	if cfg.Account == "" {
		return nil, fmt.Errorf("azure: account is required")
	}
	if cfg.Container == "" {
		return nil, fmt.Errorf("azure: container is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Account)
	}
	var (
		client *azblob.Client
		err    error
	)
	clientOpts := defaultClientOptions(cfg.Transport)
	if cfg.SASToken != "" {
		endpointWithSAS, serr := appendSASToken(endpoint, cfg.SASToken)
		if serr != nil {
			return nil, serr
		}
		client, err = azblob.NewClientWithNoCredential(endpointWithSAS, clientOpts)
	} else {
		if cfg.AccountKey == "" {
			return nil, fmt.Errorf("azure: account key or SAS token required")
		}
		cred, credErr := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
		if credErr != nil {
			return nil, fmt.Errorf("azure: build credentials: %w", credErr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(endpoint, cred, clientOpts)
	}
	if err != nil {
		return nil, fmt.Errorf("azure: create client: %w", err)
	}
	return &Store{
		client:    client,
		endpoint:  strings.TrimRight(endpoint, "/"),
		container: cfg.Container,
		prefix:    strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func defaultClientOptions(transport policy.Transporter) *azblob.ClientOptions {
	if transport == nil {
		transport = defaultTransporter()
	}
	return &azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Transport: transport,
		},
	}
}

type transportAdapter struct {
	rt http.RoundTripper
}

func (t transportAdapter) Do(req *http.Request) (*http.Response, error) {
	if t.rt == nil {
		return http.DefaultTransport.RoundTrip(req)
	}
	return t.rt.RoundTrip(req)
}

func defaultTransporter() policy.Transporter {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return transportAdapter{rt: http.DefaultTransport}
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
	return transportAdapter{rt: clone}
}

func appendSASToken(endpoint, sas string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("azure: parse endpoint: %w", err)
	}
	sas = strings.TrimPrefix(sas, "?")
	if u.RawQuery != "" {
		u.RawQuery = u.RawQuery + "&" + sas
	} else {
		u.RawQuery = sas
	}
	return u.String(), nil
}

// Close satisfies storage.Backend (no-op for Azure).
func (s *Store) Close() error { return nil }

// Describe reports the store identity. SAS tokens never appear in the locator.
func (s *Store) Describe() storage.Description {
	locator := "azure://" + s.container
	if s.prefix != "" {
		locator += "/" + s.prefix
	}
	if u, err := url.Parse(s.endpoint); err == nil {
		u.RawQuery = ""
		locator += "?endpoint=" + u.String()
	}
	return storage.Description{Kind: "azure", Locator: locator}
}

// Verify creates the container when missing.
func (s *Store) Verify(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := s.client.CreateContainer(ctx, s.container, nil); err != nil && !isContainerExists(err) {
		return fmt.Errorf("azure: create container: %w", err)
	}
	return nil
}

func (s *Store) logger(ctx context.Context) pslog.Logger {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = loggingutil.NoopLogger()
	}
	return logger.With("storage_backend", "azure")
}

// Upload streams localPath into a block blob carrying the readable name.
func (s *Store) Upload(ctx context.Context, localPath, key string, opts storage.UploadOptions) error {
	blobName, err := s.blobName(key)
	if err != nil {
		return err
	}
	opts = storage.ResolveUploadOptions(localPath, key, opts)
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("azure: open source: %w", err)
	}
	defer f.Close()
	uploadOpts := &azblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr(opts.ContentType)},
		Metadata:    map[string]*string{nameMetadataKey: to.Ptr(storage.EncodeName(opts.Name))},
	}
	if _, err := s.client.UploadStream(ctx, s.container, blobName, f, uploadOpts); err != nil {
		s.logger(ctx).Debug("azure.upload.error", "key", key, "blob", blobName, "error", err)
		return wrapError(err, "azure: upload blob")
	}
	return nil
}

// Download streams the key's blob into destPath.
func (s *Store) Download(ctx context.Context, key, destPath string) error {
	blobName, err := s.blobName(key)
	if err != nil {
		return err
	}
	resp, err := s.client.DownloadStream(ctx, s.container, blobName, nil)
	if err != nil {
		if isNotFound(err) {
			return storage.ErrNotFound
		}
		return wrapError(err, "azure: download blob")
	}
	defer resp.Body.Close()
	if _, err := storage.WriteFileAtomic(ctx, destPath, resp.Body); err != nil {
		s.logger(ctx).Debug("azure.download.copy_error", "key", key, "blob", blobName, "error", err)
		return wrapError(err, "azure: download blob")
	}
	return nil
}

// Exists fetches the blob properties.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	blobName, err := s.blobName(key)
	if err != nil {
		return false, err
	}
	blobClient := s.client.ServiceClient().NewContainerClient(s.container).NewBlobClient(blobName)
	if _, err := blobClient.GetProperties(ctx, nil); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, wrapError(err, "azure: blob properties")
	}
	return true, nil
}

// Remove deletes the key's blob, ignoring blobs that are already gone.
func (s *Store) Remove(ctx context.Context, key string) error {
	blobName, err := s.blobName(key)
	if err != nil {
		return err
	}
	if _, err := s.client.DeleteBlob(ctx, s.container, blobName, nil); err != nil && !isNotFound(err) {
		return wrapError(err, "azure: delete blob")
	}
	return nil
}

// List pages through the container with metadata included.
func (s *Store) List(ctx context.Context, visit func(storage.Object) error) error {
	root := s.prefix
	if root != "" {
		root += "/"
	}
	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{
		Prefix:  &root,
		Include: azblob.ListBlobsInclude{Metadata: true},
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return wrapError(err, "azure: list blobs")
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			key := strings.TrimPrefix(*item.Name, root)
			if key == "" || storage.IsReserved(key) {
				continue
			}
			obj := storage.Object{Key: key, Name: key}
			if item.Properties != nil {
				if item.Properties.ContentLength != nil {
					obj.Size = *item.Properties.ContentLength
				}
				if item.Properties.LastModified != nil {
					obj.ModTime = item.Properties.LastModified.UTC()
				}
			}
			if name := lookupName(item.Metadata); name != "" {
				obj.Name = name
			}
			if err := visit(obj); err != nil {
				return err
			}
		}
	}
	return nil
}

// GetDocument reads the bookkeeping blob stored at <prefix>/<name>.
func (s *Store) GetDocument(ctx context.Context, name string) ([]byte, error) {
	if err := storage.CheckDocumentName(name); err != nil {
		return nil, err
	}
	resp, err := s.client.DownloadStream(ctx, s.container, s.documentBlob(name), nil)
	if err != nil {
		if isNotFound(err) {
			return nil, storage.ErrNotFound
		}
		return nil, wrapError(err, "azure: download document")
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrapError(err, "azure: read document")
	}
	return data, nil
}

// PutDocument replaces the bookkeeping blob at <prefix>/<name>.
func (s *Store) PutDocument(ctx context.Context, name string, data []byte) error {
	if err := storage.CheckDocumentName(name); err != nil {
		return err
	}
	opts := &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr(storage.ContentTypeJSON)},
	}
	if _, err := s.client.UploadBuffer(ctx, s.container, s.documentBlob(name), data, opts); err != nil {
		s.logger(ctx).Debug("azure.document.put_error", "name", name, "error", err)
		return wrapError(err, "azure: upload document")
	}
	return nil
}

func (s *Store) documentBlob(name string) string {
	if s.prefix == "" {
		return name
	}
	return s.prefix + "/" + name
}

func (s *Store) blobName(key string) (string, error) {
	loc, err := storage.NormalizeKey(key)
	if err != nil {
		return "", fmt.Errorf("azure: blob name %q: %w", key, err)
	}
	if s.prefix == "" {
		return loc, nil
	}
	return s.prefix + "/" + loc, nil
}

func lookupName(meta map[string]*string) string {
	for k, v := range meta {
		if v == nil || *v == "" {
			continue
		}
		if strings.EqualFold(k, nameMetadataKey) {
			return storage.DecodeName(*v)
		}
	}
	return ""
}

func wrapError(err error, msg string) error {
	wrapped := fmt.Errorf("%s: %w", msg, err)
	if isRetryable(err) {
		return storage.NewTransientError(wrapped)
	}
	return wrapped
}

func isRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode >= http.StatusInternalServerError ||
			respErr.StatusCode == http.StatusTooManyRequests ||
			respErr.StatusCode == http.StatusRequestTimeout
	}
	return false
}

func isContainerExists(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusConflict && strings.EqualFold(respErr.ErrorCode, "ContainerAlreadyExists")
	}
	return false
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusNotFound
	}
	return false
}
