package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/takuphilchan/offgrid-docai/internal/models"
	"github.com/takuphilchan/offgrid-docai/internal/output"
	"github.com/takuphilchan/offgrid-docai/internal/runtime"
	"github.com/takuphilchan/offgrid-docai/pkg/api"
)

var updatesCmd = &cobra.Command{
	Use:   "updates",
	Short: "Check for and install model updates",
}

var updatesCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "List available model updates",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc *runtime.Service) error {
			updates, err := svc.CheckForUpdates(ctx)
			if err != nil {
				return err
			}
			if output.JSONMode {
				return output.PrintJSON(updates)
			}
			if len(updates) == 0 {
				printSuccess("all models are up to date")
				return nil
			}
			printUpdates(updates)
			return nil
		})
	},
}

func printUpdates(updates []models.UpdateInfo) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	defer tw.Flush()
	fmt.Fprintln(tw, "KIND\tVERSION\tSIZE\tPRIORITY\tNOTES")
	for _, u := range updates {
		priority := u.Priority
		if priority == "" {
			priority = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", u.Kind, u.Version, humanize.IBytes(uint64(u.Size)), priority, u.ReleaseNotes)
	}
}

var updatesInstallCmd = &cobra.Command{
	Use:   "install [kind...]",
	Short: "Download and install available updates",
	Long:  "Install the available update for each named kind, or every available update when no kind is given.",
	RunE: func(cmd *cobra.Command, args []string) error {
		want := map[api.ModelKind]bool{}
		for _, a := range args {
			kind, ok := api.ParseModelKind(a)
			if !ok {
				return fmt.Errorf("unknown model kind %q", a)
			}
			want[kind] = true
		}

		return withService(func(ctx context.Context, svc *runtime.Service) error {
			updates, err := svc.CheckForUpdates(ctx)
			if err != nil {
				return err
			}
			var selected []models.UpdateInfo
			for _, u := range updates {
				if len(want) == 0 || want[u.Kind] {
					selected = append(selected, u)
				}
			}
			if len(selected) == 0 {
				if output.JSONMode {
					return output.Success("no updates to install", nil)
				}
				printSuccess("nothing to install")
				return nil
			}

			var bars *downloadBars
			if output.JSONMode {
				err = svc.SetUpdateProgress(func(p models.DownloadProgress) {
					if p.Status != "downloading" {
						_ = output.PrintJSON(output.NewDownloadProgress(p))
					}
				})
			} else {
				bars = newDownloadBars(os.Stderr)
				err = svc.SetUpdateProgress(bars.Update)
			}
			if err != nil {
				return err
			}

			var failed []error
			var installed []models.Descriptor
			for _, u := range selected {
				d, err := svc.InstallUpdate(ctx, u)
				if err != nil {
					failed = append(failed, fmt.Errorf("%s %s: %w", u.Kind, u.Version, err))
					if ctx.Err() != nil {
						break
					}
					continue
				}
				installed = append(installed, d)
			}
			if bars != nil {
				bars.Wait()
			}

			if output.JSONMode {
				infos := make([]output.ModelInfo, 0, len(installed))
				for _, d := range installed {
					infos = append(infos, output.NewModelInfo(d))
				}
				if len(failed) == 0 {
					if err := output.Success(fmt.Sprintf("installed %d updates", len(infos)), infos); err != nil {
						return err
					}
				}
			} else {
				for _, d := range installed {
					printSuccess(fmt.Sprintf("%s updated to %s", d.Kind, d.Version))
				}
				for _, err := range failed {
					printError(err.Error())
				}
			}
			return errors.Join(failed...)
		})
	},
}

func init() {
	updatesCmd.AddCommand(updatesCheckCmd, updatesInstallCmd)
}
