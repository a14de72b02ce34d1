package main

import (
	"fmt"
	"os"

	"github.com/mcdev12/spellingbee/go/internal/quiz/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	ConfigPath string
	EnvFile    string
	Room       string
	Backend    string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "spellingbee",
		Short:         "Spelling bee room gateway",
		Long:          "Keeps the display, manage, judge and control screens of a spelling bee in sync across tabs and devices.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to YAML config file")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	cmd.PersistentFlags().StringVar(&opts.Room, "room", "", "room id (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.Backend, "backend", "", "replicated log backend: none|memory|nats|postgres")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newTailCommand(opts))
	cmd.AddCommand(newPublishCommand(opts))

	return cmd
}

// load reads the configuration, applies flag overrides and sets up logging.
func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.ConfigPath, o.EnvFile)
	if err != nil {
		return nil, err
	}
	if o.Room != "" {
		cfg.Room = o.Room
	}
	if o.Backend != "" {
		cfg.Backend = config.Backend(o.Backend)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := setupLogging(cfg.Log); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogging(cfg config.LogConfig) error {
	level, err := cfg.ZerologLevel()
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	if cfg.Format != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	zerolog.SetGlobalLevel(level)
	return nil
}
