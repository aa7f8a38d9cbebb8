package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hostbridge/mcphub/pkg/gateway"
)

const gatewayCloseTimeout = 10 * time.Second

func newServeCmd(a *app) *cobra.Command {
	var addr, path string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect enabled endpoints and serve the aggregated catalog over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			s, err := a.buildStack()
			if err != nil {
				return err
			}
			if err := s.registry.Load(ctx); err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), gatewayCloseTimeout)
				defer cancel()
				s.registry.CloseAll(closeCtx)
			}()

			gw, err := gateway.New(s.registry, s.catalog, s.bus, &gateway.Options{
				Addr:   addr,
				Path:   path,
				Logger: a.logger,
			})
			if err != nil {
				return err
			}
			defer gw.Close()

			if err := gw.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8700", "listen address")
	cmd.Flags().StringVar(&path, "path", "/mcp", "HTTP path for the MCP endpoint")
	return cmd
}
