package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/takuphilchan/offgrid-docai/internal/config"
	"github.com/takuphilchan/offgrid-docai/internal/output"
	"github.com/takuphilchan/offgrid-docai/internal/perf"
	"github.com/takuphilchan/offgrid-docai/internal/runtime"
)

var benchmarkCmd = &cobra.Command{
	Use:   "benchmark",
	Short: "Benchmark every installed model kind",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc *runtime.Service) error {
			if !output.JSONMode {
				printInfo(fmt.Sprintf("running %d iterations per kind", cfg.BenchmarkIterations))
			}
			results, err := svc.RunBenchmark(ctx)
			if err != nil {
				return err
			}
			if output.JSONMode {
				return output.PrintJSON(results)
			}
			printBenchmarks(results)
			return nil
		})
	},
}

func printBenchmarks(results []perf.BenchmarkResult) {
	if len(results) == 0 {
		printWarning("no benchmark results")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	defer tw.Flush()
	fmt.Fprintln(tw, "KIND\tRUNS\tAVG\tPEAK MEM\tSUCCESS\tWHEN")
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%.0f%%\t%s\n",
			r.Kind, r.Iterations, r.AverageInferenceTime.Round(time.Microsecond),
			humanize.IBytes(r.PeakMemoryBytes), r.SuccessRate*100, humanize.Time(r.Timestamp))
	}
}

var regressionOpts struct {
	maxLatency time.Duration
	maxMemory  uint64
}

var errRegression = errors.New("regression check failed")

var regressionCmd = &cobra.Command{
	Use:   "regression",
	Short: "Benchmark and check the results against regression thresholds",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if regressionOpts.maxLatency > 0 || regressionOpts.maxMemory > 0 {
			if cfg.RegressionThresholds == nil {
				cfg.RegressionThresholds = map[string]config.RegressionSetting{}
			}
			st := cfg.RegressionThresholds["default"]
			if regressionOpts.maxLatency > 0 {
				st.MaxInferenceMs = float64(regressionOpts.maxLatency) / float64(time.Millisecond)
			}
			if regressionOpts.maxMemory > 0 {
				st.MaxMemoryMB = float64(regressionOpts.maxMemory)
			}
			cfg.RegressionThresholds["default"] = st
		}

		return withService(func(ctx context.Context, svc *runtime.Service) error {
			if _, err := svc.RunBenchmark(ctx); err != nil {
				return err
			}
			passed, err := svc.RunRegressionTests(ctx)
			if err != nil {
				return err
			}
			report, _, err := svc.LastRegressionReport()
			if err != nil {
				return err
			}

			if output.JSONMode {
				if err := output.PrintJSON(report); err != nil {
					return err
				}
			} else {
				printSection("Regression check")
				printItem("Kinds checked", fmt.Sprint(report.Checked))
				for _, v := range report.Violations {
					printError(fmt.Sprintf("%s [%s] %s", v.Kind, v.Severity, v.Message))
				}
				if passed {
					printSuccess("all kinds within thresholds")
				}
			}
			if !passed {
				return fmt.Errorf("%w: %d violations", errRegression, len(report.Violations))
			}
			return nil
		})
	},
}

func init() {
	flags := regressionCmd.Flags()
	flags.DurationVar(&regressionOpts.maxLatency, "max-latency", 0, "maximum average inference time for kinds without their own threshold")
	flags.Uint64Var(&regressionOpts.maxMemory, "max-memory-mb", 0, "peak memory ceiling for kinds without their own threshold")
}

var dashboardOpts struct {
	history int
}

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Show the performance dashboard and recent history",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc *runtime.Service) error {
			dash, err := svc.Dashboard()
			if err != nil {
				return err
			}
			alerts, err := svc.RecentAlerts(ctx, dashboardOpts.history)
			if err != nil && !errors.Is(err, runtime.ErrNoHistory) {
				return err
			}
			benchmarks, err := svc.RecentBenchmarks(ctx, "", dashboardOpts.history)
			if err != nil && !errors.Is(err, runtime.ErrNoHistory) {
				return err
			}

			if output.JSONMode {
				return output.PrintJSON(map[string]any{
					"dashboard":         dash,
					"recent_alerts":     alerts,
					"recent_benchmarks": benchmarks,
				})
			}

			printSection("Performance")
			printItem("Monitoring", yesNo(dash.Enabled))
			printItem("Requests", fmt.Sprint(dash.TotalRequests))
			printItem("Average time", dash.AverageInferenceTime.Round(time.Microsecond).String())
			printItem("Memory", humanize.IBytes(dash.MemoryBytes))
			printItem("Peak memory", humanize.IBytes(dash.PeakMemoryBytes))
			printItem("Cache hit rate", fmt.Sprintf("%.0f%% of %d lookups", dash.CacheHitRate*100, dash.CacheLookups))
			if dash.Cache != nil {
				printItem("Cache", dash.Cache.String())
			}

			if len(dash.ActiveAlerts) > 0 {
				printSection("Active alerts")
				for _, a := range dash.ActiveAlerts {
					printWarning(a.String())
				}
			}
			if len(alerts) > 0 {
				printSection("Alert history")
				for _, a := range alerts {
					printItem(humanize.Time(a.Timestamp), a.String())
				}
			}
			if len(benchmarks) > 0 {
				printSection("Benchmark history")
				printBenchmarks(benchmarks)
			}
			return nil
		})
	},
}

func init() {
	dashboardCmd.Flags().IntVar(&dashboardOpts.history, "history", 10, "number of stored alerts and benchmarks to show")
}
