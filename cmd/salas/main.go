package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/salas/internal/common"
)

var (
	// Persistent flags
	configFiles []string // later files override earlier ones
	serverPort  int
	serverHost  string

	// Global state, set by loadConfig
	config *common.Config
	logger arbor.ILogger
)

var rootCmd = &cobra.Command{
	Use:   "salas",
	Short: "Stream the room-map generator to the browser",
	Long: `Salas runs the room-map generator on request and streams its output, line by line,
to the browser over Server-Sent Events or WebSocket. The generated document is
offered for download once the run succeeds.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == versionCmd.Name() {
			return nil
		}
		return loadConfig()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args)
	},
}

func init() {
	rootCmd.PersistentFlags().StringArrayVarP(&configFiles, "config", "c", nil, "Configuration file path (can be specified multiple times)")
	rootCmd.PersistentFlags().IntVarP(&serverPort, "port", "p", 0, "Server port (overrides config)")
	rootCmd.PersistentFlags().StringVar(&serverHost, "host", "", "Server host (overrides config)")

	rootCmd.AddCommand(serveCmd, runCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig resolves configuration in order: defaults, files, env, flags.
// It then initializes the logger and prints the banner.
func loadConfig() error {
	// Auto-discover config file if not specified
	if len(configFiles) == 0 {
		for _, candidate := range []string{"salas.toml", "deployments/local/salas.toml"} {
			if _, err := os.Stat(candidate); err == nil {
				configFiles = append(configFiles, candidate)
				break
			}
		}
	}

	var err error
	config, err = common.LoadFromFiles(configFiles...)
	if err != nil {
		return fmt.Errorf("failed to load configuration %v: %w", configFiles, err)
	}

	common.ApplyFlagOverrides(config, serverPort, serverHost)

	if err := config.Validate(); err != nil {
		return err
	}

	logger = common.InitLogger(config)
	common.PrintBanner(common.GetVersion())

	logger.Debug().
		Strs("config_files", configFiles).
		Str("worker", config.Worker.Program).
		Str("entry_point", config.Worker.EntryPoint).
		Str("encoding", config.Stream.Encoding).
		Str("log_level", config.Logging.Level).
		Strs("log_output", config.Logging.Output).
		Bool("history_enabled", config.Storage.Badger.Enabled).
		Msg("Resolved configuration")

	return nil
}
