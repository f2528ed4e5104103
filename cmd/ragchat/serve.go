package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/fyrsmithlabs/ragchat/internal/chat"
	"github.com/fyrsmithlabs/ragchat/internal/conversation"
	httpserver "github.com/fyrsmithlabs/ragchat/internal/http"
	"github.com/fyrsmithlabs/ragchat/internal/ingest"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	serveWithWorker bool
	serveWatch      bool
	serveIngest     bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Run the HTTP API. Chat requests are answered by generation workers
through the job queue; use --with-worker to run one in the same process.

Examples:
  # API and worker with an embedded NATS server
  RAGCHAT_QUEUE_EMBEDDED=true ragchat serve --with-worker

  # API only, against an existing NATS server
  ragchat serve --config ragchat.yaml`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveWithWorker, "with-worker", false, "run a generation worker in this process")
	serveCmd.Flags().BoolVar(&serveWatch, "watch", false, "ingest files added to the documents directory (overrides documents.watch)")
	serveCmd.Flags().BoolVar(&serveIngest, "ingest-on-start", false, "ingest the documents directory before serving (overrides documents.ingest_on_start)")
}

func runServe(cmd *cobra.Command, _ []string) error {
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

	if cmd.Flags().Changed("watch") {
		a.cfg.Documents.Watch = serveWatch
	}
	if cmd.Flags().Changed("ingest-on-start") {
		a.cfg.Documents.IngestOnStart = serveIngest
	}

	a.log.Info(ctx, "starting ragchat",
		zap.String("version", version),
		zap.Int("port", a.cfg.Server.Port),
		zap.Bool("with_worker", serveWithWorker),
		zap.Bool("embedded_nats", a.cfg.Queue.Embedded),
	)

	if err := a.ensureDirs(); err != nil {
		return err
	}

	store, err := conversation.Open(ctx, a.cfg.Database.Path, a.logger.Named("conversation"))
	if err != nil {
		return err
	}
	a.onClose(func(context.Context) error { return store.Close() })

	docs, err := a.ingestService()
	if err != nil {
		return err
	}
	if a.cfg.Documents.IngestOnStart {
		if _, err := docs.IngestExisting(ctx); err != nil {
			return fmt.Errorf("initial ingestion: %w", err)
		}
	}

	queue, err := a.openQueue(ctx, "ragchat-api")
	if err != nil {
		return err
	}

	chatSvc := chat.NewService(store, queue, a.logger.Named("chat"))

	srv, err := httpserver.NewServer(httpserver.Services{
		Chat:      chatSvc,
		Documents: docs,
		Database:  store,
		Index:     a.index,
	}, a.logger.Named("http"), httpserver.ConfigFrom(a.cfg, version))
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	if serveWithWorker {
		worker, err := queue.NewWorker(ctx, chat.GenerationHandler(a.pipeline), a.logger.Named("worker"))
		if err != nil {
			return err
		}
		g.Go(func() error { return worker.Run(gctx) })
	}

	if a.cfg.Documents.Watch {
		w, err := ingest.NewWatcher(docs, ingest.DefaultDebounce, a.logger.Named("watcher"))
		if err != nil {
			return fmt.Errorf("starting documents watcher: %w", err)
		}
		g.Go(func() error { return w.Run(gctx) })
	}

	err = g.Wait()
	a.logger.Info("ragchat stopped")
	return err
}
