package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fusionn-mood/internal/version"
	"github.com/fusionn-mood/pkg/logger"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run claim loops without the HTTP API",
	Long: `Run claim loops against the shared job store. Any number of worker
processes may run at once; each job is held by exactly one of them.

Exits non-zero if the store keeps failing.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		version.PrintBanner(nil)

		a, err := openApp(configPollInterval)
		if err != nil {
			return err
		}
		defer a.Close()

		workerCfg := a.cfg.Worker
		if n, _ := cmd.Flags().GetInt("workers"); n > 0 {
			workerCfg.Workers = n
		}

		w, err := a.newWorker(workerCfg)
		if err != nil {
			return err
		}
		a.logPipeline()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := w.Run(ctx); err != nil {
			return err
		}
		logger.Info("👋 Goodbye!")
		return nil
	},
}

func init() {
	workerCmd.Flags().Int("workers", 0, "Claim loops to run (overrides worker.workers)")
}
