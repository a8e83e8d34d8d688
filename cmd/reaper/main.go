package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/guseggert/testcluster/internal/app"
	"github.com/guseggert/testcluster/internal/config"
	"github.com/urfave/cli/v2"
)

func main() {
	cliApp := &cli.App{
		Name:  "testcluster-reaper",
		Usage: "destroys the shared Redshift cluster once no test session holds it",
		Flags: config.Flags(),
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

			res, err := svc.Reap(ctx)
			if err != nil {
				return fmt.Errorf("reaping cluster %q: %w", cfg.ClusterID, err)
			}
			logger.Infow("reaped", "cluster", cfg.ClusterID, "result", res.String(), "policy", cfg.ReapPolicy.String())
			return nil
		},
	}
	if err := cliApp.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
