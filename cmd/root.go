// Package cmd defines and implements the CLI commands for the geoscraper executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/PytechNo/GeoCentralis-Scraper/internal/app"
	"github.com/PytechNo/GeoCentralis-Scraper/internal/config"
	"github.com/PytechNo/GeoCentralis-Scraper/internal/crawl"
	"github.com/PytechNo/GeoCentralis-Scraper/internal/export"
	"github.com/PytechNo/GeoCentralis-Scraper/internal/logging"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands will use.
// This allows us to inject a fake app during tests.
type App interface {
	Serve(ctx context.Context) error
	RunJob(ctx context.Context, workers int) (crawl.Job, error)
	Import(ctx context.Context, path string) (crawl.ImportResult, error)
	ExportTo(ctx context.Context, w io.Writer, cityID int64) (export.Summary, error)
	Logger() *zap.Logger
	Close(ctx context.Context) error
}

// newApp is the application factory. It's a variable so we can
// replace it with a fake factory in our tests.
var newApp = func(ctx context.Context, cfgPath string) (App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	a, err := app.Build(ctx, cfg, logger, app.Overrides{})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// appHolder keeps the built App so it is closed even when a command fails.
type appHolder struct {
	app App
}

func (h *appHolder) close() error {
	if h.app == nil {
		return nil
	}
	err := h.app.Close(context.Background())
	h.app = nil
	return err
}

// newRootCmd creates and configures the root command.
func newRootCmd(holder *appHolder) *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "geoscraper",
		Short: "Resumable bulk scraper for GeoCentralis property records.",
		Long: `geoscraper lists every property of the imported GeoCentralis cities
through the WFS endpoint, then fetches each property's record from the
portal with a pool of workers. All progress lives in the work store, so an
interrupted job resumes where it stopped.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Builds the application after flags are parsed and injects it
		// for the subcommand's RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			holder.app = appInstance
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); GEOSCRAPER_* env vars override it")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newImportCmd())
	cmd.AddCommand(newExportCmd())
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// execute runs the CLI with args and closes the application afterwards.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	holder := &appHolder{}
	root := newRootCmd(holder)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	if closeErr := holder.close(); closeErr != nil {
		err = errors.Join(err, fmt.Errorf("close application: %w", closeErr))
	}
	return err
}

// Execute is the main entry point. SIGINT and SIGTERM cancel the command
// context, which stops a running job cleanly.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := execute(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
