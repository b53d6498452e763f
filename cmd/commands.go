package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newServeCmd creates the 'serve' subcommand: operator API, live feed,
// scheduler, and the coordinator behind them.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the operator API and the job coordinator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := appInstance.Serve(cmd.Context()); err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			appInstance.Logger().Info("shutdown complete")
			return nil
		},
	}
}

// newRunCmd creates the 'run' subcommand, which starts one job and blocks
// until it completes or the process is signalled.
func newRunCmd() *cobra.Command {
	var workers int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Starts a scrape job and waits for it to finish",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			job, err := appInstance.RunJob(cmd.Context(), workers)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					appInstance.Logger().Info("job interrupted by signal", zap.Int64("job_id", job.ID))
					return nil
				}
				return fmt.Errorf("run job: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "job %d %s (%d cities completed)\n",
				job.ID, job.Status, job.CompletedCities)
			return nil
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 0, "worker count (default workers.default)")
	return cmd
}

// newImportCmd creates the 'import' subcommand.
func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import [file]",
		Short: "Imports city portal URLs, one per line",
		Long: `Imports city portal URLs from file, or from cities.file when no file is
given. URLs already present are skipped.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			var path string
			if len(args) == 1 {
				path = args[0]
			}
			res, err := appInstance.Import(cmd.Context(), path)
			if err != nil {
				return fmt.Errorf("import: %w", err)
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "read %d, imported %d, skipped %d\n", res.Read, res.Imported, res.Skipped)
			for _, line := range res.Errors {
				_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "  %s\n", line)
			}
			return nil
		},
	}
}

// newExportCmd creates the 'export' subcommand, which writes a GeoJSON
// FeatureCollection to a file or stdout.
func newExportCmd() *cobra.Command {
	var (
		cityID int64
		out    string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Exports scraped properties as GeoJSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			var w io.Writer = cmd.OutOrStdout()
			if out != "" && out != "-" {
				f, err := os.Create(out)
				if err != nil {
					return fmt.Errorf("create %s: %w", out, err)
				}
				defer func() { _ = f.Close() }()
				w = f
			}
			sum, err := appInstance.ExportTo(cmd.Context(), w, cityID)
			if err != nil {
				return fmt.Errorf("export: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "exported %d features (%d without geometry)\n",
				sum.Features, sum.NoGeometry)
			return nil
		},
	}
	cmd.Flags().Int64Var(&cityID, "city", 0, "city id to export (default all cities)")
	cmd.Flags().StringVar(&out, "out", "-", "output path, - for stdout")
	return cmd
}
