package main

import (
	"fmt"
	"os"
	"time"

	"pokenerd/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose       bool
	configPath    string
	transportFlag string
	serverCmd     string
	baseURL       string
	timeout       time.Duration
	noCache       bool

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "pokenerd",
	Short: "pokenerd - ask a Pokémon JSON-RPC server questions in plain English",
	Long: `pokenerd is a natural-language console for a Pokémon JSON-RPC server.

It talks to the server over a child process's stdin/stdout or over HTTP,
correlates concurrent calls by id, and answers aggregate questions such as
"what is water weak against" by fanning out one call per type.

Run without arguments to start the interactive session.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: runChat,
}

// askCmd answers one question and exits
var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Answer a single question",
	Long: `Classifies the question, makes the calls it needs and prints the answer.

Examples:
  pokenerd ask tell me about pikachu
  pokenerd ask "what is water weak against?"
  pokenerd ask battle charizard vs blastoise`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

// toolsCmd lists the server's tools
var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tools the server advertises",
	RunE:  runTools,
}

// typesCmd lists the elemental types
var typesCmd = &cobra.Command{
	Use:   "types",
	Short: "List the elemental types",
	RunE:  runTypes,
}

// historyCmd shows a past session's questions
var historyCmd = &cobra.Command{
	Use:   "history [session-id]",
	Short: "Show the questions asked in a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

// configCmd manages the configuration file
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or create the configuration file",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE:  runConfigShow,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration to --config",
	RunE:  runConfigInit,
}

// versionCmd prints the version
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	RunE:  runVersion,
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "pokenerd.yaml", "Configuration file")
	rootCmd.PersistentFlags().StringVar(&transportFlag, "transport", "", "Transport to the server: stdio or http (overrides config)")
	rootCmd.PersistentFlags().StringVar(&serverCmd, "server", "", "Server command line for the stdio transport (overrides config)")
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", "", "Server base URL for the http transport (overrides config)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 0, "Per-call timeout (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&noCache, "no-cache", false, "Disable the resource cache and history")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)

	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(toolsCmd)
	rootCmd.AddCommand(typesCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
