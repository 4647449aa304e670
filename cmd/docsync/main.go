package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/astromechza/docsync/pkg/config"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	return newRootCommand().Execute()
}

type rootOptions struct {
	configPath string
	verbose    bool
	config     config.Config
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "docsync",
		Short: "Real-time collaborative document sync",
		Long: `docsync keeps rich-text documents in sync between editing sessions.

A relay holds the authoritative copy of every open document, fans changes out to the
other sessions editing it and persists snapshots to a store.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if opts.verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))

			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			opts.config = cfg
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a yaml config file")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(newRelayCommand(opts))
	cmd.AddCommand(newEditCommand(opts))
	cmd.AddCommand(newInspectCommand(opts))
	return cmd
}
