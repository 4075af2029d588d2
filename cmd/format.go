package main

import (
	"fmt"

	"message-macro/internal/calibration"
	"message-macro/internal/controller"
	"message-macro/internal/models"
)

func printResult(br controller.BatchResult) {
	res := br.Result
	if res == nil {
		fmt.Printf("%s: no result: %v\n", br.Name, br.Err)
		return
	}

	fmt.Printf("=== %s (%s) ===\n", br.Name, res.RunID)
	fmt.Printf("  status:        %s\n", res.Status)
	fmt.Printf("  iterations:    %d\n", res.Iterations)
	fmt.Printf("  final metric:  %.6f", res.FinalMetric)
	if !res.Verified {
		fmt.Print(" (not verified)")
	}
	fmt.Println()
	fmt.Printf("  cap:           %.4f", res.FinalCap)
	if res.CapTightened {
		fmt.Print(" (tightened)")
	}
	fmt.Println()

	if len(res.History) > 0 {
		fmt.Println("  iteration   metric      maxDelta    cap       clipped  calibration")
		for _, h := range res.History {
			fmt.Printf("  %-9d   %-10.6f  %-10.6f  %-8.4f  %-7d  %s\n",
				h.Iteration, h.Metric, h.MaxDelta, h.Cap, h.Clipped, h.Calibration)
		}
	}

	if len(res.Demand) > 0 {
		fmt.Println("  demand:")
		printField(res.Demand)
	}

	for _, issue := range res.Issues {
		fmt.Printf("  WARNING: %v\n", issue)
	}
	if br.Err != nil {
		fmt.Printf("  ERROR: %v\n", br.Err)
	}
	fmt.Println()
}

func printCalibration(name string, res *calibration.Result) {
	fmt.Printf("=== calibration of %s ===\n", name)
	fmt.Printf("  sub-iterations: %d, converged=%v, diverged=%v, unmeasured=%v\n",
		res.State.SubIterations, res.State.Converged, res.State.Diverged, res.State.Unmeasured)
	if len(res.Growth) > 0 {
		fmt.Println("  growth rates:")
		printField(res.Growth)
	}
	if len(res.Efficiency) > 0 {
		fmt.Println("  AEEI coefficients:")
		printField(res.Efficiency)
	}
	fmt.Println()
}

func printField(f models.Field) {
	for _, k := range f.Keys() {
		fmt.Printf("    %-28s %12.6f\n", k, f[k])
	}
}
