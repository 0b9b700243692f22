package cmd

import (
	"context"
	"os"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/3leaps/cycjobs/internal/config"
	"github.com/3leaps/cycjobs/internal/observability"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "none",
	BuildDate: "unknown",
}

// SetVersionInfo is called from main with linker-provided values.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var appIdentity *config.AppIdentity

// GetAppIdentity returns the identity resolved at startup, or nil before
// the root command initializes.
func GetAppIdentity() *config.AppIdentity {
	return appIdentity
}

var (
	verbose bool
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "cycjobs",
	Short: "Asynchronous job manager for cyclic peptide modeling tools",
	Long: `cycjobs runs long cyclic peptide modeling scripts as detached background
jobs and tracks them on disk.

Jobs are submitted through named tools (closure, structure prediction, loop
modeling and their batch variants), polled for status, and collected when
they finish. The same operations are available over HTTP with 'cycjobs serve'.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initRuntimeConfig,
}

// flagOverrides maps persistent flags onto config keys.
var flagOverrides = map[string]string{
	"log-level":   "logging.level",
	"jobs-dir":    "jobs.dir",
	"scripts-dir": "jobs.scripts_dir",
	"catalog":     "jobs.catalog_path",
	"interpreter": "jobs.interpreter",
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	pf.StringVar(&cfgFile, "config", "", "Config file (default: user config dir, then ./.cycjobs.yaml)")
	pf.String("log-level", "", "Log level: debug, info, warn, error")
	pf.String("jobs-dir", "", "Job store directory")
	pf.String("scripts-dir", "", "Directory holding the modeling scripts")
	pf.String("catalog", "", "Tool catalog file (YAML or JSON)")
	pf.String("interpreter", "", "Interpreter used to run scripts (empty runs them directly)")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// ExecuteContext runs the root command with ctx.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func initRuntimeConfig(cmd *cobra.Command, _ []string) error {
	identity, err := config.ResolveIdentity(commandContext(cmd))
	if err != nil {
		return exitError(foundry.ExitConfigInvalid, "Cannot resolve application identity", err)
	}
	appIdentity = identity
	observability.InitCLILogger(appIdentity.BinaryName, verbose)

	if cfgFile != "" {
		if _, err := os.Stat(cfgFile); err != nil {
			return exitError(foundry.ExitFileNotFound, "Config file not found", err)
		}
		if err := os.Setenv(appIdentity.EnvVar("CONFIG"), cfgFile); err != nil {
			return err
		}
	}

	if _, err := config.Load(commandContext(cmd), changedFlagOverrides(cmd)); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	return nil
}

// changedFlagOverrides returns runtime overrides for flags set explicitly.
func changedFlagOverrides(cmd *cobra.Command) map[string]any {
	out := map[string]any{}
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		key, ok := flagOverrides[f.Name]
		if !ok || !f.Changed {
			return
		}
		section, leaf, _ := strings.Cut(key, ".")
		m, _ := out[section].(map[string]any)
		if m == nil {
			m = map[string]any{}
			out[section] = m
		}
		m[leaf] = f.Value.String()
	})
	return out
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
