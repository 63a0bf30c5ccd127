// Package cmd implements the svmsim command tree.
package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

// globalOptions are the flags shared by every subcommand.
type globalOptions struct {
	configFile string
	logLevel   string
	logFormat  string

	file   *FileConfig
	logger *slog.Logger
}

// Execute runs the command tree against os.Args.
func Execute() error {
	return NewRootCommand().Execute()
}

// NewRootCommand builds the svmsim command tree.
func NewRootCommand() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:           "svmsim",
		Short:         "Simulate Solana transactions offline against an account snapshot",
		Version:       Version + " (" + GitCommit + ")",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.setup(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "TOML config file; flags override its values")
	flags.StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flags.StringVar(&opts.logFormat, "log-format", "text", "Log format: text, json")

	root.AddCommand(newSimulateCommand(opts))
	root.AddCommand(newFetchCommand(opts))
	root.AddCommand(newImportCommand(opts))
	root.AddCommand(newExtractCommand(opts))
	root.AddCommand(newHistoryCommand(opts))
	root.AddCommand(newServeCommand(opts))
	return root
}

// setup loads the config file and installs the logger. Subcommands read
// opts.file after it runs.
func (o *globalOptions) setup(cmd *cobra.Command) error {
	o.file = &FileConfig{}
	if o.configFile != "" {
		fc, err := LoadFileConfig(o.configFile)
		if err != nil {
			return err
		}
		o.file = fc
	}

	flags := cmd.Flags()
	overrideString(flags, "log-level", &o.logLevel, o.file.LogLevel)
	overrideString(flags, "log-format", &o.logFormat, o.file.LogFormat)

	logger, err := newLogger(cmd.ErrOrStderr(), o.logLevel, o.logFormat)
	if err != nil {
		return err
	}
	o.logger = logger
	slog.SetDefault(logger)
	return nil
}
