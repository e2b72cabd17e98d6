package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var workerOnce bool

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the verification worker pool without the HTTP API",
	Long:  "Claims queued verification jobs and processes them until interrupted. With --once, processes a single batch and exits.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "worker", true)
		if err != nil {
			return err
		}
		defer env.Close()

		if workerOnce {
			n, err := env.Pool.RunOnce(ctx)
			if err != nil {
				return err
			}
			zap.L().Info("worker batch finished", zap.Int("jobs", n))
			return nil
		}
		return env.Pool.Run(ctx)
	},
}

func init() {
	workerCmd.Flags().BoolVar(&workerOnce, "once", false, "process one batch and exit")
	rootCmd.AddCommand(workerCmd)
}
