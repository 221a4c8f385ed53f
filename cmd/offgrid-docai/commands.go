package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/takuphilchan/offgrid-docai/internal/inference"
	"github.com/takuphilchan/offgrid-docai/internal/output"
	"github.com/takuphilchan/offgrid-docai/internal/runtime"
	"github.com/takuphilchan/offgrid-docai/pkg/api"
)

var hardwareCmd = &cobra.Command{
	Use:   "hardware",
	Short: "Show detected compute capabilities and memory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc *runtime.Service) error {
			caps, err := svc.Capabilities()
			if err != nil {
				return err
			}
			mem, err := svc.MemoryStats()
			if err != nil {
				return err
			}
			disk, err := svc.DiskSpace(ctx)
			if err != nil {
				return err
			}
			info := output.NewSystemInfo(caps)
			if output.JSONMode {
				return output.PrintJSON(map[string]any{"hardware": info, "memory": mem, "disk": disk})
			}

			printSection("Hardware")
			printItem("OS / Arch", info.OS+" / "+info.Arch)
			printItem("CPU cores", fmt.Sprint(info.CPUCores))
			printItem("Memory", info.Memory)
			printItem("Available", humanize.IBytes(mem.MemoryAvailableMB<<20))
			printItem("Models disk", fmt.Sprintf("%s free of %s", humanize.IBytes(disk.FreeBytes), humanize.IBytes(disk.TotalBytes)))
			printItem("FP16", yesNo(info.FP16))
			if info.GPU != "" {
				printItem("GPU", info.GPU)
			}
			if info.GPUMemory != "" {
				printItem("GPU memory", info.GPUMemory)
			}
			if info.Accelerator != "" {
				printItem("Accelerator", info.Accelerator)
			}
			if info.Accelerated {
				printSuccess("hardware acceleration available")
			} else {
				printWarning("no accelerator found, models run on CPU")
			}
			return nil
		})
	},
}

var modelsCmd = &cobra.Command{
	Use:     "models",
	Aliases: []string{"ls"},
	Short:   "List installed models",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc *runtime.Service) error {
			list, err := svc.Models()
			if err != nil {
				return err
			}
			infos := make([]output.ModelInfo, 0, len(list))
			for _, d := range list {
				infos = append(infos, output.NewModelInfo(d))
			}
			if output.JSONMode {
				return output.PrintModels(infos)
			}
			if len(infos) == 0 {
				printWarning("no models installed in " + cfg.ModelsDir)
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			defer tw.Flush()
			fmt.Fprintln(tw, "KIND\tVERSION\tSIZE\tCHECKSUM")
			for _, m := range infos {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", m.Kind, m.Version, m.Size, shortChecksum(m.Checksum))
			}
			return nil
		})
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Verify every installed artifact against its manifest size and checksum",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc *runtime.Service) error {
			results, err := svc.ValidateModels(ctx)
			if err != nil {
				return err
			}
			invalid := 0
			for _, r := range results {
				if !r.Valid {
					invalid++
				}
			}
			if output.JSONMode {
				if err := output.PrintJSON(map[string]any{"results": results, "invalid": invalid}); err != nil {
					return err
				}
			} else {
				printSection("Model validation")
				for _, r := range results {
					if r.Valid {
						printSuccess(fmt.Sprintf("%s (%s)", r.ModelPath, humanize.IBytes(uint64(r.FileSize))))
					} else {
						printError(fmt.Sprintf("%s: %s", r.ModelPath, strings.Join(r.Errors, "; ")))
					}
				}
			}
			if invalid > 0 {
				return fmt.Errorf("%d of %d models failed validation", invalid, len(results))
			}
			return nil
		})
	},
}

var inferOpts struct {
	hint string
}

var inferCmd = &cobra.Command{
	Use:   "infer <kind> <file>",
	Short: "Run one inference over an image, text or JSON payload",
	Long: `Run one inference. The payload is read from file:
  .png .jpg .jpeg .gif  decoded to a grayscale page image
  .json                 a payload object (text, format_hint, amounts, values)
  anything else         plain text`,
	Args: cobra.ExactArgs(2),
	ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		if len(args) > 0 {
			return nil, cobra.ShellCompDirectiveDefault
		}
		var kinds []string
		for _, k := range api.AllKinds() {
			kinds = append(kinds, string(k))
		}
		return kinds, cobra.ShellCompDirectiveNoFileComp
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, ok := api.ParseModelKind(args[0])
		if !ok {
			return fmt.Errorf("unknown model kind %q", args[0])
		}
		payload, err := loadPayload(args[1])
		if err != nil {
			return err
		}
		if inferOpts.hint != "" {
			payload.FormatHint = inferOpts.hint
		}

		return withService(func(ctx context.Context, svc *runtime.Service) error {
			res, err := svc.Infer(ctx, kind, payload)
			if err != nil {
				return err
			}
			if output.JSONMode {
				return output.PrintJSON(res)
			}
			printInference(res)
			return nil
		})
	},
}

func init() {
	inferCmd.Flags().StringVar(&inferOpts.hint, "format-hint", "", "expected payslip format, used by the classifier")
}

func printInference(res *api.Inference) {
	printSection(fmt.Sprintf("%s (%s)", res.Kind, res.Source))
	if res.ModelVersion != "" {
		printItem("Model version", res.ModelVersion)
	}
	printItem("Confidence", fmt.Sprintf("%.2f", res.Confidence))
	printItem("Duration", res.Duration.Round(time.Microsecond).String())
	printItem("Accelerated", yesNo(res.HardwareAccelerated))
	printItem("Cache hit", yesNo(res.CacheHit))
	if res.FallbackReason != "" {
		printWarning("fallback: " + res.FallbackReason)
	}

	switch {
	case res.Table != nil:
		printItem("Grid", fmt.Sprintf("%d rows x %d columns, %d cells", res.Table.Rows, res.Table.Columns, len(res.Table.Cells)))
	case res.Text != nil:
		printItem("Text", res.Text.Text)
	case res.Classification != nil:
		printItem("Format", res.Classification.Format)
		printScores(res.Classification.Scores)
	case res.Financial != nil:
		printItem("Valid", yesNo(res.Financial.Valid))
		for _, issue := range res.Financial.Issues {
			printWarning(issue)
		}
	case res.Anomalies != nil:
		printItem("Anomalies", fmt.Sprint(len(res.Anomalies.Anomalies)))
		for _, a := range res.Anomalies.Anomalies {
			printWarning(fmt.Sprintf("#%d %s = %.2f: %s", a.Index, a.Field, a.Value, a.Reason))
		}
	case res.Layout != nil:
		for _, r := range res.Layout.Regions {
			printItem(r.Type, fmt.Sprintf("y=%.2f h=%.2f (%.2f)", r.Bounds.Y, r.Bounds.Height, r.Confidence))
		}
	case res.Language != nil:
		printItem("Language", res.Language.Language)
		printScores(res.Language.Scores)
	}
}

func printScores(scores map[string]float64) {
	names := make([]string, 0, len(scores))
	for name := range scores {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return scores[names[i]] > scores[names[j]] })
	if len(names) > 3 {
		names = names[:3]
	}
	for _, name := range names {
		printItem("  "+name, fmt.Sprintf("%.3f", scores[name]))
	}
}

var cacheOpts struct {
	warm  []string
	clear bool
}

var cacheStatsCmd = &cobra.Command{
	Use:   "cache-stats",
	Short: "Show model cache usage, optionally after warming kinds",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc *runtime.Service) error {
			for _, name := range cacheOpts.warm {
				kind, ok := api.ParseModelKind(name)
				if !ok {
					return fmt.Errorf("unknown model kind %q", name)
				}
				if _, err := svc.Infer(ctx, kind, inference.SyntheticPayload(kind)); err != nil {
					return err
				}
			}
			if cacheOpts.clear {
				n, err := svc.ClearCache()
				if err != nil {
					return err
				}
				printInfo(fmt.Sprintf("released %d models", n))
			}

			stats, err := svc.CacheStats()
			if err != nil {
				return err
			}
			if output.JSONMode {
				return output.PrintJSON(stats)
			}
			printSection("Model cache")
			printItem("Usage", fmt.Sprintf("%s / %s", humanize.IBytes(uint64(stats.UsedBytes)), humanize.IBytes(uint64(stats.BudgetBytes))))
			printItem("Hit rate", fmt.Sprintf("%.0f%% (%d hits, %d misses)", stats.HitRate()*100, stats.Hits, stats.Misses))
			printItem("Evictions", fmt.Sprint(stats.Evictions))
			printItem("Rejections", fmt.Sprint(stats.Rejections))
			for _, m := range stats.Models {
				printItem(string(m.Kind), fmt.Sprintf("v%s %s in-flight=%d", m.Version, humanize.IBytes(uint64(m.SizeBytes)), m.InFlight))
			}
			return nil
		})
	},
}

func init() {
	flags := cacheStatsCmd.Flags()
	flags.StringSliceVar(&cacheOpts.warm, "warm", nil, "kinds to load before reporting")
	flags.BoolVar(&cacheOpts.clear, "clear", false, "clear the cache before reporting")
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove stale partial downloads and surplus model backups",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc *runtime.Service) error {
			report, err := svc.CleanupDisk(ctx)
			if err != nil {
				return err
			}
			if output.JSONMode {
				return output.PrintJSON(report)
			}
			if report.FilesDeleted == 0 {
				printSuccess("nothing to clean")
			} else {
				printSuccess(fmt.Sprintf("deleted %d files, freed %s", report.FilesDeleted, humanize.IBytes(uint64(report.BytesFreed))))
			}
			for _, e := range report.Errors {
				printWarning(e)
			}
			return nil
		})
	},
}

var metricsOpts struct {
	benchmark bool
	listen    string
}

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Print or serve Prometheus metrics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc *runtime.Service) error {
			if metricsOpts.benchmark {
				if _, err := svc.RunBenchmark(ctx); err != nil {
					return err
				}
			}
			handler := svc.MetricsHandler()
			if metricsOpts.listen != "" {
				return serveMetrics(ctx, metricsOpts.listen, handler)
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, "/metrics", nil)
			if err != nil {
				return err
			}
			w := &stdoutResponse{header: http.Header{}}
			handler.ServeHTTP(w, req)
			if w.status >= http.StatusBadRequest {
				return fmt.Errorf("metrics handler returned %d", w.status)
			}
			return nil
		})
	},
}

func init() {
	flags := metricsCmd.Flags()
	flags.BoolVar(&metricsOpts.benchmark, "benchmark", false, "run a benchmark first so inference metrics are populated")
	flags.StringVar(&metricsOpts.listen, "listen", "", "serve /metrics on this address until interrupted")
}

func serveMetrics(ctx context.Context, addr string, handler http.Handler) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	printInfo("serving metrics on http://" + addr + "/metrics")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// stdoutResponse streams a handler's body to stdout.
type stdoutResponse struct {
	header http.Header
	status int
}

func (w *stdoutResponse) Header() http.Header { return w.header }

func (w *stdoutResponse) Write(p []byte) (int, error) { return os.Stdout.Write(p) }

func (w *stdoutResponse) WriteHeader(status int) { w.status = status }

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func shortChecksum(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	if sum == "" {
		return "-"
	}
	return sum
}
