package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/syncabletree"
	"pkt.systems/syncabletree/internal/loggingutil"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("SYNCABLETREE_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "syncabletree")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			if rootInvocation {
				loggingutil.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether args run the protocol
// speaking root command rather than a subcommand. Errors of the root command
// are logged; everything else prints plainly.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	if len(args) == 0 {
		return true
	}
	lookupLong := func(name string) *pflag.Flag {
		flag := root.Flags().Lookup(name)
		if flag == nil {
			flag = root.PersistentFlags().Lookup(name)
		}
		return flag
	}
	lookupShort := func(shorthand string) *pflag.Flag {
		flag := root.Flags().ShorthandLookup(shorthand)
		if flag == nil {
			flag = root.PersistentFlags().ShorthandLookup(shorthand)
		}
		return flag
	}
	remainingHasSubcommand := func(rest []string) bool {
		for _, tok := range rest {
			if isSubcommandToken(root, tok) {
				return true
			}
		}
		return false
	}
	for i := 0; i < len(args); {
		arg := args[i]
		if arg == "--" {
			return true
		}
		if strings.HasPrefix(arg, "--") {
			if strings.IndexByte(arg, '=') >= 0 {
				i++
				continue
			}
			flag := lookupLong(strings.TrimPrefix(arg, "--"))
			if flag == nil {
				return !remainingHasSubcommand(args[i+1:])
			}
			i++
			if flag.NoOptDefVal == "" && i < len(args) {
				i++
			}
			continue
		}
		if strings.HasPrefix(arg, "-") && arg != "-" {
			sh := strings.TrimPrefix(arg, "-")
			consumeNext := false
			for idx, ch := range sh {
				flag := lookupShort(string(ch))
				if flag == nil {
					return !remainingHasSubcommand(args[i+1:])
				}
				if flag.NoOptDefVal == "" {
					if idx == len(sh)-1 {
						consumeNext = true
					}
					break
				}
			}
			i++
			if consumeNext && i < len(args) {
				i++
			}
			continue
		}
		return !isSubcommandToken(root, arg)
	}
	return true
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() {
			return true
		}
		for _, alias := range sub.Aliases {
			if token == alias {
				return true
			}
		}
	}
	return false
}

func humanizeBytes(n uint64) string {
	return strings.ReplaceAll(humanize.IBytes(n), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if candidate, err := syncabletree.DefaultConfigPath(); err == nil {
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}

	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return abs, nil
}

// openRemote loads the config file, binds flags and env, applies the log
// level and builds the remote. Subcommands share it with the root command.
func openRemote(baseLogger pslog.Logger) (*syncabletree.Remote, pslog.Logger, error) {
	logger := baseLogger
	configFile, err := loadConfigFile()
	if err != nil {
		return nil, logger, err
	}
	if level, ok := pslog.ParseLevel(strings.TrimSpace(viper.GetString("log-level"))); ok {
		logger = logger.LogLevel(level)
	}
	if configFile != "" {
		loggingutil.WithSubsystem(logger, "cli.config").Debug("loaded config file", "path", configFile)
	}
	var cfg syncabletree.Config
	if err := bindConfig(&cfg); err != nil {
		return nil, logger, err
	}
	remote, err := syncabletree.NewRemote(cfg, syncabletree.WithLogger(logger))
	if err != nil {
		return nil, logger, err
	}
	return remote, logger, nil
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "git-annex-remote-syncabletree",
		Short:         "git-annex external special remote that keeps stored trees browsable and importable",
		SilenceErrors: true,
		Example: `
  # Set up a browsable directory remote
  git annex initremote tree type=external externaltype=syncabletree encryption=none
  SYNCABLETREE_STORE=disk:///srv/annex-remote git annex copy --to tree .

  # MinIO backend (TLS on by default; append ?insecure=1 for HTTP)
  SYNCABLETREE_STORE=s3://localhost:9000/annex?insecure=1 SYNCABLETREE_S3_ACCESS_KEY_ID=minioadmin SYNCABLETREE_S3_SECRET_ACCESS_KEY=minioadmin git annex sync

  # Import files other tools dropped into the remote
  git-annex-remote-syncabletree import --store disk:///srv/annex-remote --dry-run
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			remote, logger, err := openRemote(baseLogger)
			if err != nil {
				return err
			}
			cliLogger := loggingutil.WithSubsystem(logger, "cli.root")
			cliLogger.Debug("serving remote protocol", "store", remote.Config().Store, "pid", os.Getpid())
			return remote.Serve(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.syncabletree/"+syncabletree.DefaultConfigFileName+")")
	persistentFlags.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	persistentFlags.StringP("store", "s", "", "storage backend URL (mem://, disk:///path, s3://host[:port]/bucket, aws://bucket, azure://account/container)")
	persistentFlags.String("annexmap", "", "local file overriding the path-to-key document (defaults to .annexmap.json under the store root)")
	persistentFlags.String("state-dir", "", "directory holding per-remote annexmaps for non-disk stores")
	persistentFlags.String("work-tree", syncabletree.DefaultWorkTree, "git-annex work tree used for path lookups and imports")
	persistentFlags.Bool("disable-git", false, "do not call git-annex; readable paths fall back to keys")
	persistentFlags.String("temp-dir", "", "directory receiving inline transfers (defaults to the system temp dir)")
	persistentFlags.String("uuid", "", "remote uuid override (defaults to a uuid derived from the store location)")
	persistentFlags.Int("cost", 0, "transfer cost reported to git-annex (0 derives it from the store locality)")
	persistentFlags.String("availability", "", "globally-available or locally-available (empty derives it from the store locality)")
	persistentFlags.Duration("idle-timeout", syncabletree.DefaultIdleTimeout, "maximum wait for inline transfer bytes")
	persistentFlags.String("retrieve-reserve", syncabletree.DefaultRetrieveReserve, "free space kept beyond the content size on retrieve")
	persistentFlags.String("s3-access-key-id", "", "S3 access key (falls back to the AWS/MinIO credential chain)")
	persistentFlags.String("s3-secret-access-key", "", "S3 secret key")
	persistentFlags.String("s3-session-token", "", "S3 session token")
	persistentFlags.String("s3-max-part-size", humanizeBytes(syncabletree.DefaultS3MaxPartSize), "multipart upload part size")
	persistentFlags.String("s3-sse", "", "server-side encryption mode (AES256 or aws:kms)")
	persistentFlags.String("s3-kms-key-id", "", "KMS key for aws:kms server-side encryption")
	persistentFlags.String("aws-region", "", "AWS region for aws:// stores")
	persistentFlags.String("aws-kms-key-id", "", "KMS key for aws:// stores (defaults to --s3-kms-key-id)")
	persistentFlags.String("azure-account", "", "Azure storage account (overrides the store URL host)")
	persistentFlags.String("azure-key", "", "Azure storage account key")
	persistentFlags.String("azure-endpoint", "", "Azure blob endpoint (defaults to https://<account>.blob.core.windows.net)")
	persistentFlags.String("azure-sas-token", "", "Azure SAS token")
	persistentFlags.Int("storage-retry-attempts", syncabletree.DefaultStorageRetryMaxAttempts, "attempts per storage operation on transient errors")
	persistentFlags.Duration("storage-retry-base-delay", syncabletree.DefaultStorageRetryBaseDelay, "base delay between storage retries")
	persistentFlags.Duration("storage-retry-max-delay", syncabletree.DefaultStorageRetryMaxDelay, "maximum delay between storage retries")
	persistentFlags.Float64("storage-retry-multiplier", syncabletree.DefaultStorageRetryMultiplier, "backoff multiplier between storage retries")

	viper.SetEnvPrefix("SYNCABLETREE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config", "log-level", "store", "annexmap", "state-dir", "work-tree", "disable-git", "temp-dir",
		"uuid", "cost", "availability", "idle-timeout", "retrieve-reserve",
		"s3-access-key-id", "s3-secret-access-key", "s3-session-token", "s3-max-part-size", "s3-sse", "s3-kms-key-id",
		"aws-region", "aws-kms-key-id",
		"azure-account", "azure-key", "azure-endpoint", "azure-sas-token",
		"storage-retry-attempts", "storage-retry-base-delay", "storage-retry-max-delay", "storage-retry-multiplier",
	}
	for _, name := range names {
		bindFlag(persistentFlags, name)
	}

	cmd.AddCommand(newImportCommand(baseLogger))
	cmd.AddCommand(newWatchCommand(baseLogger))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindFlag(flags *pflag.FlagSet, name string) {
	flag := flags.Lookup(name)
	if flag == nil {
		panic(fmt.Sprintf("flag %q not found", name))
	}
	if err := viper.BindPFlag(name, flag); err != nil {
		panic(err)
	}
}

func bindConfig(cfg *syncabletree.Config) error {
	cfg.Store = viper.GetString("store")
	cfg.AnnexMap = viper.GetString("annexmap")
	cfg.StateDir = viper.GetString("state-dir")
	cfg.WorkTree = viper.GetString("work-tree")
	cfg.DisableGit = viper.GetBool("disable-git")
	cfg.TempDir = viper.GetString("temp-dir")
	cfg.UUID = viper.GetString("uuid")
	cfg.Cost = viper.GetInt("cost")
	cfg.Availability = viper.GetString("availability")
	cfg.IdleTimeout = viper.GetDuration("idle-timeout")
	cfg.RetrieveReserve = viper.GetString("retrieve-reserve")
	cfg.CommitMessage = viper.GetString("commit-message")
	cfg.NoCommit = viper.GetBool("no-commit")
	cfg.WatchInterval = viper.GetDuration("interval")
	cfg.WatchDebounce = viper.GetDuration("debounce")
	cfg.S3AccessKeyID = viper.GetString("s3-access-key-id")
	cfg.S3SecretAccessKey = viper.GetString("s3-secret-access-key")
	cfg.S3SessionToken = viper.GetString("s3-session-token")
	if partSize := viper.GetString("s3-max-part-size"); partSize != "" {
		size, err := humanize.ParseBytes(partSize)
		if err != nil {
			return fmt.Errorf("parse s3-max-part-size: %w", err)
		}
		cfg.S3MaxPartSize = size
	}
	cfg.S3SSE = viper.GetString("s3-sse")
	cfg.S3KMSKeyID = viper.GetString("s3-kms-key-id")
	cfg.AWSRegion = viper.GetString("aws-region")
	cfg.AWSKMSKeyID = viper.GetString("aws-kms-key-id")
	cfg.AzureAccount = viper.GetString("azure-account")
	cfg.AzureAccountKey = viper.GetString("azure-key")
	cfg.AzureEndpoint = viper.GetString("azure-endpoint")
	cfg.AzureSASToken = viper.GetString("azure-sas-token")
	cfg.StorageRetryMaxAttempts = viper.GetInt("storage-retry-attempts")
	cfg.StorageRetryBaseDelay = viper.GetDuration("storage-retry-base-delay")
	cfg.StorageRetryMaxDelay = viper.GetDuration("storage-retry-max-delay")
	cfg.StorageRetryMultiplier = viper.GetFloat64("storage-retry-multiplier")
	return nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
