package syncabletree

import (
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/syncabletree/internal/protocol"
)

func TestConfigValidateDefaults(t *testing.T) {
	cfg := Config{Store: "mem://"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.WorkTree != DefaultWorkTree {
		t.Fatalf("expected work tree default, got %q", cfg.WorkTree)
	}
	if cfg.IdleTimeout != DefaultIdleTimeout {
		t.Fatalf("expected idle timeout default, got %s", cfg.IdleTimeout)
	}
	if cfg.RetrieveReserveBytes() != 64<<20 {
		t.Fatalf("expected 64MiB reserve, got %d", cfg.RetrieveReserveBytes())
	}
	if cfg.CommitMessage != DefaultCommitMessage {
		t.Fatalf("unexpected commit message %q", cfg.CommitMessage)
	}
	if cfg.WatchInterval != DefaultWatchInterval || cfg.WatchDebounce != DefaultWatchDebounce {
		t.Fatalf("expected watch defaults, got %s/%s", cfg.WatchInterval, cfg.WatchDebounce)
	}
	if cfg.S3MaxPartSize != DefaultS3MaxPartSize {
		t.Fatal("expected s3 max part size default")
	}
	if cfg.StorageRetryMaxAttempts <= 0 || cfg.StorageRetryBaseDelay <= 0 || cfg.StorageRetryMultiplier <= 0 {
		t.Fatal("expected storage retry defaults")
	}
}

func TestConfigValidateRejects(t *testing.T) {
	cases := map[string]Config{
		"missing store":     {},
		"unknown scheme":    {Store: "ftp://example.com/x"},
		"negative cost":     {Store: "mem://", Cost: -1},
		"bad availability":  {Store: "mem://", Availability: "sometimes"},
		"bad reserve":       {Store: "mem://", RetrieveReserve: "lots"},
		"negative timeout":  {Store: "mem://", IdleTimeout: -time.Second},
		"negative interval": {Store: "mem://", WatchInterval: -time.Second},
		"retry delays": {
			Store:                 "mem://",
			StorageRetryBaseDelay: time.Second,
			StorageRetryMaxDelay:  time.Millisecond,
		},
	}
	for name, cfg := range cases {
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestConfigValidateNormalizesAvailability(t *testing.T) {
	cfg := Config{Store: "mem://", Availability: "local", RetrieveReserve: "1 GB"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Availability != protocol.AvailabilityLocal {
		t.Fatalf("unexpected availability %q", cfg.Availability)
	}
	if cfg.RetrieveReserveBytes() != 1000*1000*1000 {
		t.Fatalf("unexpected reserve %d", cfg.RetrieveReserveBytes())
	}
}

func TestDefaultConfigDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SYNCABLETREE_CONFIG_DIR", dir)
	got, err := DefaultConfigDir()
	if err != nil {
		t.Fatalf("default config dir: %v", err)
	}
	if got != dir {
		t.Fatalf("expected %s, got %s", dir, got)
	}
	state, err := DefaultStateDir()
	if err != nil {
		t.Fatalf("default state dir: %v", err)
	}
	if state != filepath.Join(dir, DefaultAnnexMapDirName) {
		t.Fatalf("unexpected state dir %s", state)
	}
	path, err := DefaultConfigPath()
	if err != nil {
		t.Fatalf("default config path: %v", err)
	}
	if path != filepath.Join(dir, DefaultConfigFileName) {
		t.Fatalf("unexpected config path %s", path)
	}
}
