// Package cmd defines the product-stream CLI: the worker and dispatcher
// servers plus reply stream tools.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-product-stream/internal/app"
	"github.com/JakeFAU/realtime-product-stream/internal/config"
	"github.com/JakeFAU/realtime-product-stream/internal/logging"
	"github.com/JakeFAU/realtime-product-stream/internal/telemetry"
)

type appKeyType string

const appKey appKeyType = "app"

// newApp is the application factory. Tests replace it to inject fakes.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
	return app.New(ctx, cfg, logger)
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "product-stream",
		Short: "Streams live product details for a search keyword.",
		Long: `product-stream searches retailer sites for a keyword, fans each hit out
to browser workers and streams the extracted product details into a shared
document store as they arrive.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(logging.Options{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
				Service:     cfg.Server.ServiceName,
			})
			if err != nil {
				return err
			}
			zap.ReplaceGlobals(logger)

			tp, err := telemetry.InitTracerProvider(cmd.Context(), cfg.Server.ServiceName, cmd.Name())
			if err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				_ = tp.Shutdown(cmd.Context())
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			ctx := context.WithValue(cmd.Context(), appKey, &runtime{app: appInstance, shutdownTracing: tp.Shutdown})
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if rt, ok := cmd.Context().Value(appKey).(*runtime); ok && rt != nil {
				rt.close(context.WithoutCancel(cmd.Context()))
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")

	cmd.AddCommand(newWorkerCmd())
	cmd.AddCommand(newDispatcherCmd())
	cmd.AddCommand(newTailCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newCloseCmd())
	return cmd
}

type runtime struct {
	app             *app.App
	shutdownTracing func(context.Context) error
}

func (r *runtime) close(ctx context.Context) {
	r.app.Close(ctx)
	if err := r.shutdownTracing(ctx); err != nil {
		r.app.Logger().Warn("tracer shutdown failed", zap.Error(err))
	}
}

func resolveApp(ctx context.Context) (*app.App, error) {
	rt, ok := ctx.Value(appKey).(*runtime)
	if !ok || rt == nil {
		return nil, errors.New("application services not initialized")
	}
	return rt.app, nil
}

// Execute runs the CLI until it finishes or the process is signalled.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
