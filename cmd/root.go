package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/samsaffron/nohup/internal/config"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

var configFile string

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default $XDG_CONFIG_HOME/nohup/config.yaml)")
}

var rootCmd = &cobra.Command{
	Use:   "nohup",
	Short: "Conversational agent server",
	Long: `nohup runs tool-using chat agents behind a WebSocket API.

Examples:
  nohup serve                           # listen on 127.0.0.1:8000
  nohup serve --port 9000 --debug
  nohup chats                           # list stored chats
  nohup chats show <id>
  nohup config                          # view configuration
  nohup config init                     # write a starter config`,
	Version:           Version,
	SilenceUsage:      true,
	CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configFile != "" {
		cfg, err = config.LoadFile(configFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger from logging.level and logging.format.
func newLogger(cfg config.LoggingConfig, debug bool, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
