package main

import (
	"github.com/spf13/cobra"

	"github.com/yeti47/chunkvault/config"
)

var (
	configPath string
	overrides  config.ConfigOverrides

	dbDriver    string
	dbPath      string
	logLevel    string
	mockCapture bool
)

var rootCmd = &cobra.Command{
	Use:   "chunkvault",
	Short: "Segmented audio recorder with a bounded local store",
	Long: `Chunkvault records a live audio stream as a gapless sequence of
fixed-duration segments, keeps them in a capacity-bounded local store and
queues them for delivery to a remote server.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		flags := cmd.Flags()
		if flags.Changed("db-driver") {
			overrides.DatabaseDriver = &dbDriver
		}
		if flags.Changed("db") {
			overrides.DatabasePath = &dbPath
		}
		if flags.Changed("log-level") {
			overrides.LogLevel = &logLevel
		}
		if flags.Changed("mock-capture") {
			overrides.MockCapture = &mockCapture
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "chunkvault.yaml", "config file (.json, .yaml or .yml)")
	rootCmd.PersistentFlags().StringVar(&dbDriver, "db-driver", "", "database driver: sqlite3 (cgo) or sqlite (pure Go)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "database file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn or error")
	rootCmd.PersistentFlags().BoolVar(&mockCapture, "mock-capture", false, "use a synthetic capture source")
}
