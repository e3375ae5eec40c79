package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/markolofsen/unrealon-sdk/internal/server"
	"github.com/markolofsen/unrealon-sdk/pkg/config"
)

var cfgFile string

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is the slice of the application the commands need. Keeping it an
// interface lets tests swap in a stub without building real backends.
type App interface {
	RunSession(ctx context.Context) error
	Run(ctx context.Context) error
	Close(ctx context.Context) error
}

// newApp is the application factory. It is a variable so tests can
// replace it with a mock factory.
var newApp = func(ctx context.Context, cfgPath string) (App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	return server.Build(ctx, cfg)
}

// newRootCmd creates and configures the root command. Subcommands pick the
// built App out of the command context.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unrealon",
		Short: "Parser delivery service for the Unrealon SDK.",
		Long: `unrealon runs a parser session: it pulls items from a configured
source, transforms them, and streams them to the delivery sink in batches
with retry, dedup, and progress reporting. A small HTTP surface exposes
run status and cooperative pause/resume/stop control.`,

		SilenceUsage: true,

		// Build the application once config is resolved, before any
		// subcommand's RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("initialize application services: %w", err)
			}
			ctx := context.WithValue(cmd.Context(), appKey, appInstance)
			cmd.SetContext(ctx)
			return nil
		},

		// Tear the services down after the subcommand returns.
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				_ = appInstance.Close(context.Background())
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., /etc/unrealon, $HOME/.unrealon)")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newServeCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
