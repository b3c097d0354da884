package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/qninhdt/scene-loom/server/internal/config"
	"github.com/qninhdt/scene-loom/server/internal/logging"
)

var (
	envFile string
	verbose bool

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "scene-loom",
	Short: "Scene Loom - narrative generation and memory server",
	Long: `Scene Loom drafts multi-character scenes with a language model, keeps the
draft in memory until it is saved or discarded, and distills what each
character should remember into long-term memories.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(envFile)
		if err != nil {
			return err
		}
		level := cfg.LogLevel
		if verbose {
			level = "debug"
		}
		logger, err = logging.New(level)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and websocket server",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema and exit",
	RunE:  runMigrate,
}

var (
	serverURL     string
	switchTTL     time.Duration
	tokenLifetime time.Duration
)

var modelCmd = &cobra.Command{
	Use:   "model [economy|premium]",
	Short: "Show or switch the model tier of a running server",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runModel,
}

var tokenCmd = &cobra.Command{
	Use:   "token [subject]",
	Short: "Print an admin token signed with ADMIN_JWT_SECRET",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runToken,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional dotenv file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	modelCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "Base URL of the running server")
	modelCmd.Flags().DurationVar(&switchTTL, "token-ttl", time.Minute, "Lifetime of the admin token sent with a switch")
	tokenCmd.Flags().DurationVar(&tokenLifetime, "ttl", 24*time.Hour, "Token lifetime")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(modelCmd)
	rootCmd.AddCommand(tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
