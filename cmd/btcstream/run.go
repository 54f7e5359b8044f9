package main

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/quantpulse/btcstream/internal/config"
	"github.com/quantpulse/btcstream/internal/engine"
)

func runCmd() *cobra.Command {
	var configPath string
	var logLevel string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the full pipeline: ingest, aggregate, detect, predict",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Default()
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			applyLogLevel(cfg.LogLevel)

			eng, err := engine.New(cfg)
			if err != nil {
				return err
			}
			return eng.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config (defaults apply when omitted)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "override log level (trace|debug|info|warn|error)")
	return cmd
}

func applyLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		log.Warn().Str("level", level).Msg("Unknown log level, staying at info")
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}
