package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/zylisp/nrepl/internal/logging"
	"github.com/zylisp/nrepl/internal/version"
)

// NewRootCmd constructs the base CLI command tree.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "nrepl",
		Short:         "Networked REPL server and client",
		Version:       version.Full(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", "console", "Log format (console, json)")

	viper.SetEnvPrefix("NREPL")
	viper.AutomaticEnv()
	viper.BindPFlag("log-level", cmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log-format", cmd.PersistentFlags().Lookup("log-format"))

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewEvalCmd())
	cmd.AddCommand(NewVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildLogger constructs the logger from the bound settings.
func buildLogger() (*zap.Logger, error) {
	logger, err := logging.NewLogger(viper.GetString("log-level"), viper.GetString("log-format"))
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}
