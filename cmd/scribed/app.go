package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/scribed"
	"pkt.systems/scribed/internal/loggingutil"
	"pkt.systems/scribed/internal/pathutil"
)

func submain(ctx context.Context) int {
	baseLogger := newBaseLogger(ctx, false)
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func newBaseLogger(ctx context.Context, console bool) pslog.Logger {
	mode := pslog.ModeStructured
	if console {
		mode = pslog.ModeConsole
	}
	return pslog.LoggerFromEnv(ctx,
		pslog.WithEnvPrefix("SCRIBED_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: mode, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "scribed")
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

// loadConfigFile reads --config, or the default config file when it exists.
func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		candidate, err := scribed.DefaultConfigPath()
		if err != nil {
			return "", nil
		}
		if _, err := os.Stat(candidate); err != nil {
			return "", nil
		}
		cfgPath = candidate
	}
	expanded, err := pathutil.ExpandUserAndEnv(cfgPath)
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

var serverFlagNames = []string{
	"config",
	"listen", "metrics-listen", "enable-profiling-metrics", "otlp-endpoint", "disable-http-tracing",
	"repo", "content-dir", "editable-glob", "version-file", "users-file",
	"lock-timeout", "presence-ttl", "lock-sweep-interval", "presence-sweep-interval",
	"git-timeout", "git-remote", "strict-pull",
	"json-max", "shutdown-timeout", "http2-max-concurrent-streams",
	"log-level", "log-console",
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "scribed",
		Short:         "scribed serves a git-backed documentation tree with locked, attributed web editing",
		SilenceErrors: true,
		Example: `
  # Serve ./docs of the current working copy, trusting proxy identity headers
  scribed --repo . --content-dir docs

  # Enrich identities from a users file and expose Prometheus metrics
  scribed --repo /srv/handbook --users-file /etc/scribed/users.yaml --metrics-listen :9464

  # Same, configured through the environment
  SCRIBED_REPO=/srv/handbook SCRIBED_LOCK_TIMEOUT=45m scribed
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			ctx := cmd.Context()

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			logger := baseLogger
			if viper.GetBool("log-console") {
				logger = newBaseLogger(ctx, true)
			}
			if level, ok := pslog.ParseLevel(strings.TrimSpace(viper.GetString("log-level"))); ok {
				logger = logger.LogLevel(level)
			}
			cliLogger := loggingutil.WithSubsystem(logger, "cli.root")
			cliLogger.Info("welcome to scribed", "pid", os.Getpid())
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			var cfg scribed.Config
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			server, err := scribed.NewServer(cfg, scribed.WithLogger(logger))
			if err != nil {
				return err
			}
			shutdownTimeout := cfg.ShutdownTimeout
			if shutdownTimeout <= 0 {
				shutdownTimeout = scribed.DefaultShutdownTimeout
			}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()

			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.scribed/"+scribed.DefaultConfigFileName+")")

	flags := cmd.Flags()
	flags.String("listen", scribed.DefaultListen, "listen address")
	flags.String("metrics-listen", scribed.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.Bool("disable-http-tracing", false, "disable OpenTelemetry spans for HTTP handlers")
	flags.String("repo", scribed.DefaultRepoDir, "git working copy holding the documents")
	flags.String("content-dir", scribed.DefaultContentDir, "documents root relative to --repo")
	flags.String("editable-glob", scribed.DefaultEditableGlob, "glob selecting editable documents (relative to --content-dir)")
	flags.String("version-file", scribed.DefaultVersionFile, "version file relative to --repo (.json files use the version key; - disables)")
	flags.String("users-file", "", "YAML user directory enriching proxy identities (reloaded on change)")
	flags.Duration("lock-timeout", scribed.DefaultLockTimeout, "edit lock lifetime between extends")
	flags.Duration("presence-ttl", scribed.DefaultPresenceTTL, "presence lifetime between heartbeats")
	flags.Duration("lock-sweep-interval", scribed.DefaultLockSweepInterval, "interval between expired lock sweeps")
	flags.Duration("presence-sweep-interval", scribed.DefaultPresenceSweepInterval, "interval between stale presence sweeps")
	flags.Duration("git-timeout", scribed.DefaultGitTimeout, "timeout for each git command")
	flags.String("git-remote", "", "remote to pull from and push to (empty uses the branch upstream)")
	flags.Bool("strict-pull", false, "abort saves when pulling from the remote fails")
	flags.String("json-max", humanizeBytes(scribed.DefaultJSONMaxBytes), "maximum JSON request body size (e.g. 4MiB)")
	flags.Duration("shutdown-timeout", scribed.DefaultShutdownTimeout, "graceful shutdown timeout")
	flags.Int("http2-max-concurrent-streams", scribed.DefaultMaxConcurrentStreams, "HTTP/2 max concurrent streams per connection")
	flags.String("log-level", "info", "log level (trace|debug|info|warn|error)")
	flags.Bool("log-console", false, "human readable console logs instead of structured JSON")

	viper.SetEnvPrefix("SCRIBED")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	for _, name := range serverFlagNames {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	cmd.AddCommand(newVersionCommand())
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newClientCommand(baseLogger))
	return cmd
}

func bindConfig(cfg *scribed.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.DisableHTTPTracing = viper.GetBool("disable-http-tracing")
	cfg.RepoDir = viper.GetString("repo")
	cfg.ContentDir = viper.GetString("content-dir")
	cfg.EditableGlob = viper.GetString("editable-glob")
	cfg.VersionFile = viper.GetString("version-file")
	cfg.UsersFile = viper.GetString("users-file")
	cfg.LockTimeout = viper.GetDuration("lock-timeout")
	cfg.PresenceTTL = viper.GetDuration("presence-ttl")
	cfg.LockSweepInterval = viper.GetDuration("lock-sweep-interval")
	cfg.PresenceSweepInterval = viper.GetDuration("presence-sweep-interval")
	cfg.GitTimeout = viper.GetDuration("git-timeout")
	cfg.GitRemote = viper.GetString("git-remote")
	cfg.StrictPull = viper.GetBool("strict-pull")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	cfg.HTTP2MaxConcurrentStreams = viper.GetInt("http2-max-concurrent-streams")
	if raw := strings.TrimSpace(viper.GetString("json-max")); raw != "" {
		size, err := humanize.ParseBytes(raw)
		if err != nil {
			return fmt.Errorf("parse json-max: %w", err)
		}
		cfg.JSONMaxBytes = int64(size)
	}
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
