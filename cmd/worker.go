package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/realtime-product-stream/internal/api"
	"github.com/JakeFAU/realtime-product-stream/internal/worker"
)

func newWorkerCmd() *cobra.Command {
	var (
		port        int
		pullFromBus bool
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Serves product detail tasks",
		Long: `Runs the worker HTTP server. Each POST / carries one product detail task;
the worker renders the page, writes the product into the request's reply
stream and answers 204. With --consume it also pulls tasks from the
configured queue.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			cfg := a.Config()
			proc, err := a.Worker(cmd.Context())
			if err != nil {
				return fmt.Errorf("build worker: %w", err)
			}
			if pullFromBus {
				consumer, err := a.Consumer(cmd.Context())
				if err != nil {
					return err
				}
				consume(cmd.Context(), consumer, worker.Handler(proc), a.Logger().Named("consumer"))
			}
			if port == 0 {
				port = cfg.Server.Port
			}
			srv := api.NewWorkerServer(proc, api.Options{
				Store:   a.Store(),
				Timeout: cfg.Server.RequestTimeout,
				APIKey:  cfg.Server.APIKey,
				Logger:  a.Logger().Named("api"),
			})
			return serve(cmd.Context(), cfg.Server, port, srv.Handler(), a.Logger())
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (default server.port)")
	cmd.Flags().BoolVar(&pullFromBus, "consume", false, "also pull tasks from the configured queue")
	return cmd
}
