package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// Handler executes one job and returns its JSON result. Errors for which
// IsRetryable holds are retried while deliveries remain.
type Handler func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// defaultFetchWait is how long one pull waits for a message.
const defaultFetchWait = time.Second

// Worker pulls jobs from the durable consumer and runs them one at a time.
// Several workers may share the consumer.
type Worker struct {
	q         *Queue
	consumer  jetstream.Consumer
	handler   Handler
	logger    *zap.Logger
	fetchWait time.Duration
}

// NewWorker creates or binds the durable pull consumer.
func (q *Queue) NewWorker(ctx context.Context, handler Handler, logger *zap.Logger) (*Worker, error) {
	if handler == nil {
		return nil, errors.New("jobqueue: handler is required")
	}
	if logger == nil {
		logger = q.logger
	}

	consumer, err := q.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       q.cfg.Durable,
		Description:   "ragchat generation workers",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.cfg.AckWait,
		MaxDeliver:    q.cfg.MaxAttempts,
		FilterSubject: q.cfg.Subject,
	})
	if err != nil {
		return nil, fmt.Errorf("creating consumer %s: %w", q.cfg.Durable, err)
	}

	return &Worker{
		q:         q,
		consumer:  consumer,
		handler:   handler,
		logger:    logger,
		fetchWait: defaultFetchWait,
	}, nil
}

// Run processes jobs until ctx is cancelled. It returns nil on cancellation.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("job worker started",
		zap.String("stream", w.q.cfg.Stream),
		zap.String("durable", w.q.cfg.Durable),
	)
	defer w.logger.Info("job worker stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		msg, err := w.consumer.Next(jetstream.FetchMaxWait(w.fetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) {
				continue
			}
			if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, jetstream.ErrConsumerDeleted) {
				return fmt.Errorf("fetching jobs: %w", err)
			}
			w.logger.Warn("fetching jobs failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.fetchWait):
			}
			continue
		}

		w.Process(ctx, msg)
	}
}

// Process handles one work message. It always settles the message with an
// ack, nak or term.
func (w *Worker) Process(ctx context.Context, msg jetstream.Msg) {
	jobID := string(msg.Data())
	log := w.logger.With(zap.String("job_id", jobID))

	var delivered int
	if meta, err := msg.Metadata(); err == nil {
		delivered = int(meta.NumDelivered)
	}

	job, err := w.q.transition(ctx, jobID, func(j *Job) error {
		j.Status = StatusRunning
		j.Attempts = max(delivered, j.Attempts+1)
		return nil
	})
	switch {
	case errors.Is(err, ErrJobNotFound):
		log.Warn("dropping work for unknown job")
		w.settle(log, msg.Term)
		return
	case errors.Is(err, errNoTransition):
		log.Debug("ignoring redelivered terminal job", zap.String("status", string(job.Status)))
		w.settle(log, msg.Ack)
		return
	case err != nil:
		log.Error("failed to mark job running", zap.Error(err))
		w.settle(log, msg.Nak)
		return
	}

	result, herr := w.handler(ctx, job.Input)
	if herr == nil && !json.Valid(result) {
		herr = fmt.Errorf("handler returned invalid JSON")
	}

	if herr != nil && ctx.Err() != nil {
		// Shutting down: leave the job for the next worker.
		log.Info("job interrupted by shutdown", zap.Error(herr))
		w.settle(log, msg.Nak)
		return
	}

	if herr == nil {
		w.finish(ctx, log, msg, jobID, result)
		return
	}

	if IsRetryable(herr) && job.Attempts < w.q.cfg.MaxAttempts {
		w.retry(ctx, log, msg, jobID, job.Attempts, herr)
		return
	}
	w.fail(ctx, log, msg, jobID, job.Attempts, herr)
}

func (w *Worker) finish(ctx context.Context, log *zap.Logger, msg jetstream.Msg, jobID string, result json.RawMessage) {
	_, err := w.q.transition(ctx, jobID, func(j *Job) error {
		j.Status = StatusFinished
		j.Result = result
		j.LastError = ""
		return nil
	})
	if err != nil && !errors.Is(err, errNoTransition) {
		log.Error("failed to record job result", zap.Error(err))
		w.settle(log, msg.Nak)
		return
	}
	JobsCompleted.WithLabelValues(string(StatusFinished)).Inc()
	log.Debug("job finished")
	w.settle(log, msg.Ack)
}

func (w *Worker) retry(ctx context.Context, log *zap.Logger, msg jetstream.Msg, jobID string, attempt int, cause error) {
	_, err := w.q.transition(ctx, jobID, func(j *Job) error {
		j.LastError = cause.Error()
		return nil
	})
	if err != nil && !errors.Is(err, errNoTransition) {
		log.Error("failed to record retry", zap.Error(err))
	}

	delay := w.q.cfg.RetryBackoff * time.Duration(attempt)
	JobRetries.Inc()
	log.Warn("job failed, retrying",
		zap.Int("attempt", attempt),
		zap.Int("max_attempts", w.q.cfg.MaxAttempts),
		zap.Duration("backoff", delay),
		zap.Error(cause),
	)
	w.settle(log, func() error { return msg.NakWithDelay(delay) })
}

func (w *Worker) fail(ctx context.Context, log *zap.Logger, msg jetstream.Msg, jobID string, attempt int, cause error) {
	_, err := w.q.transition(ctx, jobID, func(j *Job) error {
		j.Status = StatusFailed
		j.Failure = cause.Error()
		j.LastError = cause.Error()
		return nil
	})
	if err != nil && !errors.Is(err, errNoTransition) {
		log.Error("failed to record job failure", zap.Error(err))
		w.settle(log, msg.Nak)
		return
	}
	JobsCompleted.WithLabelValues(string(StatusFailed)).Inc()
	log.Error("job failed", zap.Int("attempt", attempt), zap.Error(cause))
	w.settle(log, msg.Ack)
}

func (w *Worker) settle(log *zap.Logger, fn func() error) {
	if err := fn(); err != nil {
		log.Warn("failed to settle work message", zap.Error(err))
	}
}
