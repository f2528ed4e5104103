package main

import (
	"context"

	"github.com/fyrsmithlabs/ragchat/internal/chat"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a generation worker",
	Long: `Run a generation worker. It pulls chat generation jobs from the queue,
retrieves context from the local index and calls the completion gateway.
Several workers may run against the same queue.`,
	Args: cobra.NoArgs,
	RunE: runWorker,
}

func runWorker(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		a.Close(sctx)
	}()

	if err := a.ensureDirs(); err != nil {
		return err
	}
	if err := a.initRetrieval(); err != nil {
		return err
	}
	queue, err := a.openQueue(ctx, "ragchat-worker")
	if err != nil {
		return err
	}

	worker, err := queue.NewWorker(ctx, chat.GenerationHandler(a.pipeline), a.logger.Named("worker"))
	if err != nil {
		return err
	}
	a.logger.Info("starting generation worker", zap.String("version", version))
	return worker.Run(ctx)
}
