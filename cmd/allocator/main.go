/*
main.go - Application entry point

PURPOSE:
  The allocator CLI. Serves the HTTP API, runs migrations, seeds demo
  data and prints allocation tables from the terminal.

COMMANDS:
  serve       Start the HTTP server (plus scheduler and event listener)
  migrate     Apply schema migrations and print the schema version
  seed        Reset the database and load a demo scenario
  table       Print a workspace's allocation table
  workspaces  List workspaces in the database

CONFIGURATION:
  --config allocator.yaml, then ALLOC_* environment variables (a .env file
  is honored), then flags. See config/config.go.

EXAMPLES:
  allocator serve --port 3000
  allocator seed --scenario household
  allocator table --workspace demo-household --years 1
  allocator serve --db ":memory:"

SEE ALSO:
  - serve.go: Server wiring and graceful shutdown
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/allocation-engine/config"
	"github.com/warp/allocation-engine/logging"
)

var (
	configPath string
	dbPath     string
	logLevel   string
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "allocator",
	Short: "Monthly income allocation engine",
	Long: `allocator splits each month's income between working capital and
savings funds, honoring per-month overrides on open months.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("db") {
			cfg.Database.Path = dbPath
		}
		if cmd.Flags().Changed("log-level") {
			cfg.Log.Level = logLevel
		}
		if verbose {
			cfg.Log.Level = "debug"
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		logger, err = logging.New(logging.Config{Level: cfg.Log.Level, Development: cfg.Log.Development})
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "allocator.yaml", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path (\":memory:\" for in-memory)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	serveCmd.Flags().IntVar(&servePort, "port", 0, "HTTP server port")
	serveCmd.Flags().StringVar(&amqpURL, "amqp-url", "", "AMQP broker URL for cross-instance invalidation")

	seedCmd.Flags().StringVar(&seedScenario, "scenario", "household", "Scenario to load")

	tableCmd.Flags().StringVar(&tableWorkspace, "workspace", "", "Workspace ID")
	tableCmd.Flags().IntVar(&tableYears, "years", 1, "Calendar years ending with the current one (1-5)")
	tableCmd.Flags().StringVar(&tableFrom, "from", "", "First month (YYYY-MM), overrides --years")
	tableCmd.Flags().StringVar(&tableTo, "to", "", "Last month (YYYY-MM)")
	_ = tableCmd.MarkFlagRequired("workspace")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(tableCmd)
	rootCmd.AddCommand(workspacesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
