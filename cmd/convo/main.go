package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/convo/internal/config"
	"github.com/michaelbrown/convo/internal/logging"
)

var (
	configFlag   string
	providerFlag string
	modelFlag    string
	profileFlag  string
	logLevelFlag string
)

// Loaded once per invocation by the root command.
var (
	cfg       *config.Config
	logger    *slog.Logger
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "convo",
	Short: "convo - chat with language models from the terminal",
	Long: `convo runs conversations against OpenAI, Azure OpenAI, Anthropic or Ollama
models through one session engine. Models can call tools, conversations are
saved locally and can be resumed, exported, or served to a browser.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configFlag)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if logLevelFlag != "" {
			cfg.Log.Level = logLevelFlag
		}
		logger, logCloser, err = logging.New(cfg.Log)
		if err != nil {
			return fmt.Errorf("setting up logging: %w", err)
		}
		slog.SetDefault(logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			logCloser.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default ./convo.yaml or ~/.convo/convo.yaml)")
	rootCmd.PersistentFlags().StringVar(&providerFlag, "provider", "", "Provider name from the config")
	rootCmd.PersistentFlags().StringVar(&modelFlag, "model", "", "Model alias or name (overrides config)")
	rootCmd.PersistentFlags().StringVar(&profileFlag, "profile", "", "Session profile to use (e.g. default, coder)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level: debug, info, warn, error")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
