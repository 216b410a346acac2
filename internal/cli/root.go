// Package cli implements the framesched command line.
package cli

import (
	"fmt"
	"log/slog"

	"github.com/Swind/go-frame-scheduler/config"
	"github.com/Swind/go-frame-scheduler/internal/logging"
	"github.com/spf13/cobra"
)

var (
	flagLogLevel  string
	flagLogFormat string
)

// NewRootCmd creates the root cobra command for the framesched CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "framesched",
		Short: "framesched runs frame graphs on a staged task scheduler",
		Long: `framesched loads a frame graph written in HCL, registers its stages,
systems, tasks and events on a frame scheduler engine and runs frames.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !logging.ValidFormat(flagLogFormat) {
				return fmt.Errorf("unknown log format %q (text, json)", flagLogFormat)
			}
			return nil
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newRunCmd(),
		newValidateCmd(),
	)

	return root
}

// newLogger builds the command logger. Flags given on the command line win
// over the settings file.
func newLogger(cmd *cobra.Command, s config.LogSettings) *slog.Logger {
	level, format := s.Level, s.Format
	if cmd.Flags().Changed("log-level") || level == "" {
		level = flagLogLevel
	}
	if cmd.Flags().Changed("log-format") || format == "" {
		format = flagLogFormat
	}
	return logging.NewLoggerWithWriter(logging.ParseLevel(level), format, cmd.ErrOrStderr())
}
