package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/realtime-product-stream/internal/api"
	"github.com/JakeFAU/realtime-product-stream/internal/worker"
)

func newDispatcherCmd() *cobra.Command {
	var (
		port       int
		withWorker bool
	)
	cmd := &cobra.Command{
		Use:   "dispatcher",
		Short: "Serves search requests",
		Long: `Runs the dispatcher HTTP server. Each POST / carries a search keyword;
the dispatcher finds the matching products, enqueues one task per product
and records the expected total in the reply stream. With --with-worker an
in-process worker drains the queue, which makes the memory backends usable
on a single host.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			cfg := a.Config()
			d, err := a.Dispatcher(cmd.Context())
			if err != nil {
				return fmt.Errorf("build dispatcher: %w", err)
			}
			if withWorker {
				proc, err := a.Worker(cmd.Context())
				if err != nil {
					return fmt.Errorf("build worker: %w", err)
				}
				consumer, err := a.Consumer(cmd.Context())
				if err != nil {
					return err
				}
				consume(cmd.Context(), consumer, worker.Handler(proc), a.Logger().Named("consumer"))
			}
			if port == 0 {
				port = cfg.Server.Port
			}
			var progress *api.ProgressHandler
			for _, sink := range cfg.Progress.Sinks {
				if cfg.Progress.Enabled && sink == "store" {
					progress = api.NewProgressHandler(a.Store(), cfg.Progress.Collection, a.Logger().Named("api"))
				}
			}
			srv := api.NewDispatcherServer(d, a.Reader(), progress, api.Options{
				Store:   a.Store(),
				Timeout: cfg.Server.RequestTimeout,
				APIKey:  cfg.Server.APIKey,
				Logger:  a.Logger().Named("api"),
			})
			return serve(cmd.Context(), cfg.Server, port, srv.Handler(), a.Logger())
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (default server.port)")
	cmd.Flags().BoolVar(&withWorker, "with-worker", false, "run a worker in this process that consumes the queue")
	return cmd
}
