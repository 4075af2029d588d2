package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"message-macro/internal/config"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type options struct {
	configPath string
	logLevel   string
}

func main() {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:           "message-macro",
		Short:         "Iteration control for coupled MESSAGE-MACRO energy-economy runs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level, overrides log.level")

	rootCmd.AddCommand(runCmd(opts))
	rootCmd.AddCommand(calibrateCmd(opts))
	rootCmd.AddCommand(serveCmd(opts))
	rootCmd.AddCommand(watchCmd(opts))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logrus.Error(err)
		stop()
		os.Exit(1)
	}
}

// setup loads the configuration and builds the logger shared by every
// component.
func setup(opts *options) (*config.Config, *logrus.Logger, error) {
	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, nil, err
	}

	level := cfg.Log.Level
	if opts.logLevel != "" {
		level = opts.logLevel
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, nil, err
	}
	logger.SetLevel(parsed)

	return cfg, logger, nil
}
