// Package cli implements the commander command line using Cobra: the
// broker itself (serve) plus operator commands for sessions, tasks, API
// keys, terminal attachment and diagnostics.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/falleco/open-commander/internal/config"
	"github.com/falleco/open-commander/internal/log"
)

var (
	verbose    bool
	jsonOut    bool
	configPath string

	// cfg is loaded once in the root PersistentPreRunE; every command
	// reads it from here.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "commander",
	Short: "Open Commander - a web terminal broker for coding agents",
	Long: `Open Commander runs coding agents in containers and brokers browser
terminals onto them. One broker process serves the front door, the
websocket proxy and the task API; sessions survive detach and reconnect.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded

		// attach owns the terminal while it runs; keep stderr quiet.
		if err := log.Init(log.Options{
			Verbose:       verbose || cfg.Log.Verbose,
			JSONFormat:    jsonOut || cfg.Log.JSON,
			Quiet:         cmd.Name() == "attach",
			DebugDir:      cfg.Log.DebugDir,
			RetentionDays: cfg.Log.RetentionDays,
		}); err != nil {
			cmd.PrintErrf("Warning: failed to initialize debug logging: %v\n", err)
		}
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "log in JSON format")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.commander/config.yaml, env: OC_CONFIG)")
}
