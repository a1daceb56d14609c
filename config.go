package syncabletree

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"pkt.systems/syncabletree/internal/protocol"
	"pkt.systems/syncabletree/internal/reconcile"
)

const (
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
	// DefaultConfigDirName is the directory under $HOME holding config and state.
	DefaultConfigDirName = ".syncabletree"
	// DefaultAnnexMapDirName holds per-remote annexmap documents for stores
	// without a local root.
	DefaultAnnexMapDirName = "annexmap"
	// DefaultWorkTree is the git work tree the collaborators run in.
	DefaultWorkTree = "."
	// DefaultRetrieveReserve is the free space RETRIEVE keeps beyond the content.
	DefaultRetrieveReserve = "64MiB"
	// DefaultIdleTimeout bounds the wait for inline STORE bytes.
	DefaultIdleTimeout = protocol.DefaultIdleTimeout
	// DefaultWatchInterval is the polling interval of watch mode.
	DefaultWatchInterval = reconcile.DefaultWatchInterval
	// DefaultWatchDebounce coalesces bursts of filesystem events.
	DefaultWatchDebounce = reconcile.DefaultWatchDebounce
	// DefaultCommitMessage is the import commit message; %d is the file count.
	DefaultCommitMessage = reconcile.DefaultCommitMessage
	// DefaultS3MaxPartSize tunes multipart uploads to S3-compatible stores.
	DefaultS3MaxPartSize = 16 * 1024 * 1024
	// DefaultStorageRetryMaxAttempts describes how many transient storage errors are retried.
	DefaultStorageRetryMaxAttempts = 6
	// DefaultStorageRetryBaseDelay configures the base delay between storage retries.
	DefaultStorageRetryBaseDelay = 100 * time.Millisecond
	// DefaultStorageRetryMaxDelay caps the exponential backoff between storage retries.
	DefaultStorageRetryMaxDelay = 5 * time.Second
	// DefaultStorageRetryMultiplier defines the exponential backoff ratio.
	DefaultStorageRetryMultiplier = 2.0
)

// Config captures everything needed to open a remote and drive a session or
// an import.
type Config struct {
	// Store selects the backend by URL: mem://name, disk:///path,
	// s3://host[:port]/bucket[/prefix], aws://bucket[/prefix] or
	// azure://account/container[/prefix].
	Store string
	// AnnexMap overrides the location of the path-to-key document.
	AnnexMap string
	// StateDir holds annexmap locks of object stores and the annexmap of stores
	// without document support; defaults to <config dir>/annexmap.
	StateDir string
	// WorkTree is the git-annex work tree used for path resolution and imports.
	WorkTree string
	// DisableGit answers readable paths with the key itself and refuses imports.
	DisableGit bool
	// TempDir receives inline STORE content.
	TempDir string

	// UUID overrides the identity derived from the store location.
	UUID string
	// Cost overrides the locality based transfer cost when positive.
	Cost int
	// Availability overrides the locality based availability.
	Availability string
	// IdleTimeout bounds the wait for inline STORE bytes.
	IdleTimeout time.Duration
	// RetrieveReserve is a humanized byte size, e.g. "64MiB".
	RetrieveReserve string

	// CommitMessage is used after imports; %d receives the file count.
	CommitMessage string
	// NoCommit skips the commit after an import.
	NoCommit bool
	// WatchInterval is the polling interval of watch mode.
	WatchInterval time.Duration
	// WatchDebounce coalesces bursts of filesystem events in watch mode.
	WatchDebounce time.Duration

	S3AccessKeyID     string
	S3SecretAccessKey string
	S3SessionToken    string
	S3MaxPartSize     uint64
	S3SSE             string
	S3KMSKeyID        string

	AWSRegion   string
	AWSKMSKeyID string

	AzureAccount    string
	AzureAccountKey string
	AzureEndpoint   string
	AzureSASToken   string

	StorageRetryMaxAttempts int
	StorageRetryBaseDelay   time.Duration
	StorageRetryMaxDelay    time.Duration
	StorageRetryMultiplier  float64
}

// Validate fills defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	c.Store = strings.TrimSpace(c.Store)
	if c.Store == "" {
		return fmt.Errorf("config: store is required")
	}
	u, err := url.Parse(c.Store)
	if err != nil {
		return fmt.Errorf("config: parse store URL: %w", err)
	}
	switch u.Scheme {
	case "mem", "memory", "disk", "s3", "aws", "azure":
	default:
		return fmt.Errorf("config: store scheme %q not supported (options: mem, disk, s3, aws, azure)", u.Scheme)
	}
	if c.WorkTree == "" {
		c.WorkTree = DefaultWorkTree
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	} else if c.IdleTimeout < 0 {
		return fmt.Errorf("config: idle timeout must be >= 0")
	}
	if c.Cost < 0 {
		return fmt.Errorf("config: cost must be >= 0")
	}
	if c.Availability != "" {
		avail, err := protocol.ParseAvailability(c.Availability)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		c.Availability = avail
	}
	if c.RetrieveReserve == "" {
		c.RetrieveReserve = DefaultRetrieveReserve
	}
	if _, err := humanize.ParseBytes(c.RetrieveReserve); err != nil {
		return fmt.Errorf("config: retrieve reserve %q: %w", c.RetrieveReserve, err)
	}
	if c.CommitMessage == "" {
		c.CommitMessage = DefaultCommitMessage
	}
	if c.WatchInterval == 0 {
		c.WatchInterval = DefaultWatchInterval
	} else if c.WatchInterval < 0 {
		return fmt.Errorf("config: watch interval must be >= 0")
	}
	if c.WatchDebounce == 0 {
		c.WatchDebounce = DefaultWatchDebounce
	} else if c.WatchDebounce < 0 {
		return fmt.Errorf("config: watch debounce must be >= 0")
	}
	if c.S3MaxPartSize == 0 {
		c.S3MaxPartSize = DefaultS3MaxPartSize
	}
	if c.StorageRetryMaxAttempts <= 0 {
		c.StorageRetryMaxAttempts = DefaultStorageRetryMaxAttempts
	}
	if c.StorageRetryBaseDelay <= 0 {
		c.StorageRetryBaseDelay = DefaultStorageRetryBaseDelay
	}
	if c.StorageRetryMaxDelay <= 0 {
		c.StorageRetryMaxDelay = DefaultStorageRetryMaxDelay
	}
	if c.StorageRetryMaxDelay < c.StorageRetryBaseDelay {
		return fmt.Errorf("config: storage retry max delay must be >= base delay")
	}
	if c.StorageRetryMultiplier <= 0 {
		c.StorageRetryMultiplier = DefaultStorageRetryMultiplier
	}
	return nil
}

// RetrieveReserveBytes returns the parsed reserve, zero when unset or invalid.
func (c Config) RetrieveReserveBytes() uint64 {
	v, err := humanize.ParseBytes(c.RetrieveReserve)
	if err != nil {
		return 0
	}
	return v
}

// DefaultConfigDir returns the default configuration directory ($HOME/.syncabletree).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("SYNCABLETREE_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, DefaultConfigDirName), nil
}

// DefaultConfigPath returns the config file used when --config is omitted.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFileName), nil
}

// DefaultStateDir returns the directory holding per-remote annexmaps.
func DefaultStateDir() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultAnnexMapDirName), nil
}
