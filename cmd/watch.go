package main

import (
	"fmt"

	"message-macro/internal/models"
	"message-macro/internal/mqtt"

	"github.com/spf13/cobra"
)

func watchCmd(opts *options) *cobra.Command {
	var cancelScenario, reason string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print the progress published on MQTT by running scenarios",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(opts)
			if err != nil {
				return err
			}

			client, err := mqtt.NewClient(cfg.MQTT, logger)
			if err != nil {
				return err
			}

			if cancelScenario == "" {
				client.SetCallbacks(printEvent, printSummary)
			}
			if err := client.Connect(); err != nil {
				return err
			}
			defer client.Disconnect()

			if cancelScenario != "" {
				if err := client.RequestCancel(cancelScenario, reason); err != nil {
					return err
				}
				fmt.Printf("Cancel requested for %s\n", cancelScenario)
				return nil
			}

			fmt.Printf("Watching %s on %s (Ctrl+C to stop)\n", mqtt.IterationTopic(cfg.MQTT.Prefix, "+"), cfg.MQTT.Broker)
			<-cmd.Context().Done()
			return nil
		},
	}

	cmd.Flags().StringVar(&cancelScenario, "cancel", "", "ask the run of this scenario to stop after its current iteration")
	cmd.Flags().StringVar(&reason, "reason", "requested from watch", "reason attached to the cancel request")
	return cmd
}

func printEvent(ev models.IterationEvent) {
	tightened := ""
	if ev.CapTightened {
		tightened = " (tightened)"
	}
	fmt.Printf("%-20s #%-3d metric=%.5f maxDelta=%.4f cap=%.4f%s clipped=%d calib=%s -> %s\n",
		ev.Scenario, ev.Iteration, ev.Metric, ev.MaxDelta, ev.Cap, tightened, ev.Clipped, ev.Calibration, ev.State)
}

func printSummary(s models.RunSummary) {
	fmt.Printf("%-20s finished: %s after %d iterations (metric %.5f, converged=%v)\n",
		s.Scenario, s.Status, s.Iterations, s.FinalMetric, s.Converged)
	for _, issue := range s.Issues {
		fmt.Printf("  ! %s\n", issue)
	}
	if s.Error != "" {
		fmt.Printf("  error: %s\n", s.Error)
	}
}
