// Package commands implements the agentmail CLI surface: the pre-commit
// guard, the service lifecycle verbs, and product linking, all operating
// directly on the RS/AL/GA trio with no network hop.
//
// Grounded on cmd/linear-fuse/commands (teacher): the same cobra root +
// viper persistent-flag binding + cobra.OnInitialize config-loading shape,
// generalized from a single "mount" verb to this substrate's CLI contract.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jra3/agent-mail/internal/config"
)

var (
	cfgFile     string
	dbPath      string
	archivePath string
	jsonOutput  bool
)

var rootCmd = &cobra.Command{
	Use:   "agentmail",
	Short: "Coordinate agent mailboxes, file reservations, and build slots",
	Long: `agentmail drives the agent coordination substrate directly: the
relational store, the cross-process archive lock, and the Git-backed audit
archive, with no network hop. It is the pre-commit guard and service
lifecycle CLI for the substrate.`,
}

// exitCoder lets a command report a specific exit code (spec: 0 success,
// 1 generic failure, 2 usage error, 3 conflict) instead of cobra's default
// of 1 for any error.
type exitCoder interface {
	error
	ExitCode() int
}

type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }
func (e *cliError) ExitCode() int { return e.code }
func (e *cliError) Unwrap() error { return e.err }

func usageError(format string, args ...any) error {
	return &cliError{code: 2, err: fmt.Errorf(format, args...)}
}

func conflictError(format string, args ...any) error {
	return &cliError{code: 3, err: fmt.Errorf(format, args...)}
}

func failure(err error) error {
	return &cliError{code: 1, err: err}
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "agentmail:", err)
		if ec, ok := err.(exitCoder); ok {
			return ec.ExitCode()
		}
		return 1
	}
	return 0
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (not read by loadConfig, which uses $XDG_CONFIG_HOME/agent-mail/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db-path", "", "path to the sqlite store (overrides config/env)")
	rootCmd.PersistentFlags().StringVar(&archivePath, "archive-path", "", "path to the archive working tree (overrides config/env)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "emit JSON instead of human-readable text")

	viper.BindPFlag("db_path", rootCmd.PersistentFlags().Lookup("db-path"))
	viper.BindPFlag("archive_path", rootCmd.PersistentFlags().Lookup("archive-path"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		viper.ReadInConfig()
	}
}

// loadConfig resolves the effective Config: defaults, then the config file
// (via internal/config's own XDG resolution; the --config file is not
// consulted), then environment overrides, then persistent flags, which
// take precedence over everything since the user passed them explicitly on
// this invocation.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if archivePath != "" {
		cfg.ArchivePath = archivePath
	}
	return cfg, nil
}
