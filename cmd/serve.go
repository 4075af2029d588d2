package main

import (
	"sync"

	"message-macro/internal/server"

	"github.com/spf13/cobra"
)

func serveCmd(opts *options) *cobra.Command {
	flags := &runFlags{}
	var port int

	cmd := &cobra.Command{
		Use:   "serve [scenario.yaml | name[@version]]...",
		Short: "Serve run progress over WebSocket and HTTP, running the given scenarios",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(opts)
			if err != nil {
				return err
			}
			if err := flags.apply(cmd, cfg); err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, logger, !flags.noStore)
			if err != nil {
				return err
			}
			defer a.close(ctx)
			a.server = server.NewServer(cfg.Server, logger)

			var wg sync.WaitGroup
			errs := make(chan error, 1)

			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := a.server.Start(ctx); err != nil {
					errs <- err
				}
			}()

			if len(args) > 0 {
				if err := a.runScenarios(ctx, args); err != nil {
					logger.Errorf("Scenario runs: %v", err)
				}
				logger.Info("All runs finished, still serving progress until interrupted")
			}

			select {
			case <-ctx.Done():
				logger.Info("Received shutdown signal")
			case err := <-errs:
				return err
			}

			a.server.Stop()
			wg.Wait()
			logger.Info("Shutdown complete")
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "HTTP server port (server.port)")
	return cmd
}
