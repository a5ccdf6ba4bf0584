package cli

import (
	"context"
	"net"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"docrag/internal/api"
)

var serveFlags struct {
	ListenAddr string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP control surface",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		listener, err := net.Listen("tcp", serveFlags.ListenAddr)
		if err != nil {
			return err
		}

		handler := api.NewRouter(api.NewHandler(a.svc, a.logger.Named("api")), a.logger.Named("http"))
		return api.Serve(ctx, listener, handler, a.logger)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveFlags.ListenAddr, "listen", "127.0.0.1:8642", "listen address")
}
