// Package main is the entry point for the llamachat CLI.
package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	internal "github.com/ZanzyTHEbar/llamachat/llamachat"
	"github.com/ZanzyTHEbar/llamachat/llamachat/config"
)

// Global flags.
var (
	configFile string
	envFile    string
)

// Loaded in PersistentPreRunE for every command.
var (
	cfg    *config.Config
	logger zerolog.Logger
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   internal.DefaultAppName,
		Short: "Chat with a local quantized LLM",
		Long: `llamachat runs a GGUF model through llama.cpp and lets you chat with it
from the terminal or a browser. Without a model it still answers, with
placeholder replies, so the interfaces can be tried out.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(envFile); err != nil && envFile != ".env" {
				return fmt.Errorf("failed to load env file: %w", err)
			}
			loaded, err := config.LoadConfig(configFile)
			if err != nil {
				return err
			}
			cfg = loaded
			logger = newLogger(cfg.App, os.Stderr)
			log.Logger = logger
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to config file (default: ./config.yaml)")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Environment file loaded before the config")
	root.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	_ = viper.BindPFlag("app.log_level", root.PersistentFlags().Lookup("log-level"))

	root.AddCommand(newChatCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newModelsCmd())
	root.AddCommand(newVersionCmd())

	return root
}

// newLogger builds the process logger from the app section.
func newLogger(app config.AppConfig, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(app.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if app.LogFormat != "json" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
