package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/syncabletree"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage syncabletree configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/" + syncabletree.DefaultConfigDirName + "/" + syncabletree.DefaultConfigFileName
	if path, err := syncabletree.DefaultConfigPath(); err == nil {
		defaultOutput = path
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default syncabletree configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			if outPath == "" {
				path, err := syncabletree.DefaultConfigPath()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = path
			}

			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}

			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}

			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			// Credentials may end up in this file.
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

type configDefaults struct {
	Store                   string  `yaml:"store"`
	AnnexMap                string  `yaml:"annexmap"`
	StateDir                string  `yaml:"state-dir"`
	WorkTree                string  `yaml:"work-tree"`
	DisableGit              bool    `yaml:"disable-git"`
	TempDir                 string  `yaml:"temp-dir"`
	UUID                    string  `yaml:"uuid"`
	Cost                    int     `yaml:"cost"`
	Availability            string  `yaml:"availability"`
	IdleTimeout             string  `yaml:"idle-timeout"`
	RetrieveReserve         string  `yaml:"retrieve-reserve"`
	CommitMessage           string  `yaml:"commit-message"`
	NoCommit                bool    `yaml:"no-commit"`
	WatchInterval           string  `yaml:"interval"`
	WatchDebounce           string  `yaml:"debounce"`
	S3AccessKeyID           string  `yaml:"s3-access-key-id"`
	S3SecretAccessKey       string  `yaml:"s3-secret-access-key"`
	S3SessionToken          string  `yaml:"s3-session-token"`
	S3MaxPartSize           string  `yaml:"s3-max-part-size"`
	S3SSE                   string  `yaml:"s3-sse"`
	S3KMSKeyID              string  `yaml:"s3-kms-key-id"`
	AWSRegion               string  `yaml:"aws-region"`
	AWSKMSKeyID             string  `yaml:"aws-kms-key-id"`
	AzureAccount            string  `yaml:"azure-account"`
	AzureAccountKey         string  `yaml:"azure-key"`
	AzureEndpoint           string  `yaml:"azure-endpoint"`
	AzureSASToken           string  `yaml:"azure-sas-token"`
	StorageRetryMaxAttempts int     `yaml:"storage-retry-attempts"`
	StorageRetryBaseDelay   string  `yaml:"storage-retry-base-delay"`
	StorageRetryMaxDelay    string  `yaml:"storage-retry-max-delay"`
	StorageRetryMultiplier  float64 `yaml:"storage-retry-multiplier"`
	LogLevel                string  `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	stateDir := ""
	if dir, err := syncabletree.DefaultStateDir(); err == nil {
		stateDir = dir
	}
	defaults := configDefaults{
		Store:                   "disk:///srv/annex-remote",
		StateDir:                stateDir,
		WorkTree:                syncabletree.DefaultWorkTree,
		IdleTimeout:             syncabletree.DefaultIdleTimeout.String(),
		RetrieveReserve:         syncabletree.DefaultRetrieveReserve,
		CommitMessage:           syncabletree.DefaultCommitMessage,
		WatchInterval:           syncabletree.DefaultWatchInterval.String(),
		WatchDebounce:           syncabletree.DefaultWatchDebounce.String(),
		S3MaxPartSize:           humanizeBytes(syncabletree.DefaultS3MaxPartSize),
		StorageRetryMaxAttempts: syncabletree.DefaultStorageRetryMaxAttempts,
		StorageRetryBaseDelay:   syncabletree.DefaultStorageRetryBaseDelay.String(),
		StorageRetryMaxDelay:    syncabletree.DefaultStorageRetryMaxDelay.String(),
		StorageRetryMultiplier:  syncabletree.DefaultStorageRetryMultiplier,
		LogLevel:                "info",
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}

	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
