package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/scribed"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage scribed configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.scribed/" + scribed.DefaultConfigFileName
	if path, err := scribed.DefaultConfigPath(); err == nil {
		defaultOutput = path
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default scribed configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				path, err := scribed.DefaultConfigPath()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = path
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

// configDefaults mirrors the server flags; keys match flag names so viper
// reads the file without a mapping.
type configDefaults struct {
	Listen                    string `yaml:"listen"`
	MetricsListen             string `yaml:"metrics-listen"`
	EnableProfilingMetrics    bool   `yaml:"enable-profiling-metrics"`
	OTLPEndpoint              string `yaml:"otlp-endpoint"`
	DisableHTTPTracing        bool   `yaml:"disable-http-tracing"`
	Repo                      string `yaml:"repo"`
	ContentDir                string `yaml:"content-dir"`
	EditableGlob              string `yaml:"editable-glob"`
	VersionFile               string `yaml:"version-file"`
	UsersFile                 string `yaml:"users-file"`
	LockTimeout               string `yaml:"lock-timeout"`
	PresenceTTL               string `yaml:"presence-ttl"`
	LockSweepInterval         string `yaml:"lock-sweep-interval"`
	PresenceSweepInterval     string `yaml:"presence-sweep-interval"`
	GitTimeout                string `yaml:"git-timeout"`
	GitRemote                 string `yaml:"git-remote"`
	StrictPull                bool   `yaml:"strict-pull"`
	JSONMax                   string `yaml:"json-max"`
	ShutdownTimeout           string `yaml:"shutdown-timeout"`
	HTTP2MaxConcurrentStreams int    `yaml:"http2-max-concurrent-streams"`
	LogLevel                  string `yaml:"log-level"`
	LogConsole                bool   `yaml:"log-console"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Listen:                    scribed.DefaultListen,
		MetricsListen:             scribed.DefaultMetricsListen,
		Repo:                      scribed.DefaultRepoDir,
		ContentDir:                scribed.DefaultContentDir,
		EditableGlob:              scribed.DefaultEditableGlob,
		VersionFile:               scribed.DefaultVersionFile,
		LockTimeout:               scribed.DefaultLockTimeout.String(),
		PresenceTTL:               scribed.DefaultPresenceTTL.String(),
		LockSweepInterval:         scribed.DefaultLockSweepInterval.String(),
		PresenceSweepInterval:     scribed.DefaultPresenceSweepInterval.String(),
		GitTimeout:                scribed.DefaultGitTimeout.String(),
		JSONMax:                   humanizeBytes(scribed.DefaultJSONMaxBytes),
		ShutdownTimeout:           scribed.DefaultShutdownTimeout.String(),
		HTTP2MaxConcurrentStreams: scribed.DefaultMaxConcurrentStreams,
		LogLevel:                  "info",
	}
	for _, fn := range overrides {
		fn(&defaults)
	}
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal default config: %w", err)
	}
	return data, nil
}
