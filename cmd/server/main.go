package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guseggert/testcluster/internal/app"
	"github.com/guseggert/testcluster/internal/config"
	"github.com/guseggert/testcluster/server"
	"github.com/urfave/cli/v2"
)

func main() {
	cliApp := &cli.App{
		Name:  "testcluster-server",
		Usage: "hands out test sessions on a shared ephemeral Redshift cluster",
		Flags: config.ServerFlags(),
		Action: func(cliCtx *cli.Context) error {
			cfg, err := config.FromCLI(cliCtx)
			if err != nil {
				return err
			}
			logger, err := cfg.NewLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cliCtx.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, err := app.New(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("building service: %w", err)
			}

			srv := server.New(svc,
				server.WithListenAddr(cfg.ListenAddr()),
				server.WithLogger(logger),
			)
			errCh := make(chan error, 1)
			go func() { errCh <- srv.Run() }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				logger.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := srv.Stop(shutdownCtx); err != nil {
					return fmt.Errorf("stopping server: %w", err)
				}
				return <-errCh
			}
		},
	}
	if err := cliApp.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
