package main

import (
	"context"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/jrsteele09/authflow/maintenance"
	"github.com/jrsteele09/authflow/server"
)

func newServeCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the authorization server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, defaults to PORT")
	return cmd
}

func serve(ctx context.Context, addr string) (returnError error) {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("recovered from panic")
			returnError = errors.New("panic recovered")
		}
	}()

	displayAppname(a.config.GetAppName())

	srv, err := server.New(a.config, a.auth, a.catalog.Tenants,
		server.WithLogger(a.logger),
		server.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}

	if interval := a.config.GetPurgeInterval(); interval > 0 {
		purger, err := maintenance.NewPurger(a.storage, a.catalog.Tenants,
			maintenance.WithLogger(a.logger),
			maintenance.WithMetrics(a.metrics),
		)
		if err != nil {
			return err
		}
		go purger.Every(ctx, interval)
	}

	if addr == "" {
		addr = a.config.GetPort()
	}
	a.logger.Info().Str("addr", addr).Str("base_url", a.config.GetBaseURL()).Msg("server listening")
	if err := srv.ListenAndServe(ctx, addr); err != nil {
		return err
	}
	a.logger.Info().Msg("server stopped")
	return nil
}
