// Package jobqueue runs generation jobs through NATS JetStream.
//
// Work messages carrying a job id go to a work-queue stream; the job record
// (input, status, result) lives in a JetStream key-value bucket. The
// submitter enqueues and then polls the bucket with WaitForResult; a Worker
// pulls work messages and moves records through
// queued -> running -> finished|failed using compare-and-set updates.
package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/ragchat/internal/config"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// casAttempts bounds compare-and-set retries per transition.
const casAttempts = 5

// Config names the JetStream resources and sets the timing policy.
type Config struct {
	Stream  string
	Subject string
	Bucket  string
	Durable string

	// TTL bounds how long a record is kept when nobody consumes it.
	TTL time.Duration
	// MaxAttempts is the number of deliveries a job gets before a
	// retryable failure becomes terminal.
	MaxAttempts  int
	AckWait      time.Duration
	RetryBackoff time.Duration

	// WaitTimeout and PollInterval are the WaitForResult defaults.
	WaitTimeout  time.Duration
	PollInterval time.Duration
}

// NewDefaultConfig returns the default queue configuration.
func NewDefaultConfig() Config {
	return Config{
		Stream:       "RAGCHAT_JOBS",
		Subject:      "ragchat.jobs.generate",
		Bucket:       "ragchat_jobs",
		Durable:      "ragchat-worker",
		TTL:          time.Hour,
		MaxAttempts:  3,
		AckWait:      2 * time.Minute,
		RetryBackoff: 2 * time.Second,
		WaitTimeout:  30 * time.Second,
		PollInterval: 500 * time.Millisecond,
	}
}

// ConfigFrom maps loaded settings to a Config.
func ConfigFrom(c config.QueueConfig) Config {
	return Config{
		Stream:       c.Stream,
		Subject:      c.Subject,
		Bucket:       c.Bucket,
		Durable:      c.Durable,
		TTL:          c.TTL,
		MaxAttempts:  c.MaxAttempts,
		AckWait:      c.AckWait,
		RetryBackoff: c.RetryBackoff,
		WaitTimeout:  c.WaitTimeout,
		PollInterval: c.PollInterval,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch {
	case c.Stream == "":
		return &config.ConfigurationError{Key: "queue.stream", Reason: "required"}
	case c.Subject == "":
		return &config.ConfigurationError{Key: "queue.subject", Reason: "required"}
	case c.Bucket == "":
		return &config.ConfigurationError{Key: "queue.bucket", Reason: "required"}
	case c.Durable == "":
		return &config.ConfigurationError{Key: "queue.durable", Reason: "required"}
	case c.MaxAttempts < 1:
		return &config.ConfigurationError{Key: "queue.max_attempts", Reason: "must be at least 1"}
	case c.WaitTimeout <= 0 || c.PollInterval <= 0:
		return &config.ConfigurationError{Key: "queue.wait_timeout", Reason: "wait timeout and poll interval must be positive"}
	}
	return nil
}

// Queue is the submitting side of the job queue.
type Queue struct {
	cfg    Config
	js     jetstream.JetStream
	stream jetstream.Stream
	kv     jetstream.KeyValue
	logger *zap.Logger
	now    func() time.Time
}

// New ensures the work stream and status bucket exist and returns a Queue.
func New(ctx context.Context, js jetstream.JetStream, cfg Config, logger *zap.Logger) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        cfg.Stream,
		Description: "ragchat generation work",
		Subjects:    []string{cfg.Subject},
		Retention:   jetstream.WorkQueuePolicy,
		Storage:     jetstream.FileStorage,
		MaxAge:      cfg.TTL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating stream %s: %w", cfg.Stream, err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "ragchat job records",
		History:     1,
		TTL:         cfg.TTL,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("creating bucket %s: %w", cfg.Bucket, err)
	}

	return &Queue{
		cfg:    cfg,
		js:     js,
		stream: stream,
		kv:     kv,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Config returns the queue configuration.
func (q *Queue) Config() Config {
	return q.cfg
}

// Enqueue records a queued job for input and publishes its work message.
// It returns without waiting for execution. When the publish fails the
// record is removed again.
func (q *Queue) Enqueue(ctx context.Context, input json.RawMessage) (Handle, error) {
	if !json.Valid(input) {
		return Handle{}, ErrInvalidInput
	}

	now := q.now().UTC()
	job := &Job{
		ID:        uuid.NewString(),
		Status:    StatusQueued,
		Input:     input,
		CreatedAt: now,
		UpdatedAt: now,
	}
	data, err := json.Marshal(job)
	if err != nil {
		return Handle{}, fmt.Errorf("encoding job: %w", err)
	}

	if _, err := q.kv.Create(ctx, job.ID, data); err != nil {
		return Handle{}, fmt.Errorf("storing job %s: %w", job.ID, err)
	}

	if _, err := q.js.Publish(ctx, q.cfg.Subject, []byte(job.ID), jetstream.WithMsgID(job.ID)); err != nil {
		if derr := q.kv.Delete(context.WithoutCancel(ctx), job.ID); derr != nil {
			q.logger.Warn("failed to remove unpublished job", zap.String("job_id", job.ID), zap.Error(derr))
		}
		return Handle{}, fmt.Errorf("publishing job %s: %w", job.ID, err)
	}

	JobsEnqueued.Inc()
	q.logger.Debug("job enqueued", zap.String("job_id", job.ID))
	return Handle{JobID: job.ID, Status: StatusQueued}, nil
}

// Fetch returns the current record of a job.
func (q *Queue) Fetch(ctx context.Context, jobID string) (*Job, error) {
	entry, err := q.kv.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrInvalidKey) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return nil, fmt.Errorf("reading job %s: %w", jobID, err)
	}

	var job Job
	if err := json.Unmarshal(entry.Value(), &job); err != nil {
		return nil, fmt.Errorf("decoding job %s: %w", jobID, err)
	}
	job.revision = entry.Revision()
	return &job, nil
}

// WaitForResult polls the job every pollInterval until it is finished,
// failed, gone, or timeout elapses. Zero durations select the configured
// defaults. A finished job's result is returned once; the record is
// deleted so later calls report ErrJobNotFound. A failed job yields a
// *FailedError and is deleted as well.
func (q *Queue) WaitForResult(ctx context.Context, jobID string, timeout, pollInterval time.Duration) (result json.RawMessage, err error) {
	if timeout <= 0 {
		timeout = q.cfg.WaitTimeout
	}
	if pollInterval <= 0 {
		pollInterval = q.cfg.PollInterval
	}

	start := time.Now()
	defer func() {
		WaitDuration.WithLabelValues(waitOutcome(err)).Observe(time.Since(start).Seconds())
	}()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		job, err := q.Fetch(ctx, jobID)
		if err != nil {
			return nil, err
		}

		switch job.Status {
		case StatusFinished:
			if err := q.consume(ctx, job); err != nil {
				return nil, err
			}
			return job.Result, nil
		case StatusFailed:
			if err := q.consume(ctx, job); err != nil {
				return nil, err
			}
			return nil, &FailedError{JobID: jobID, Detail: job.Failure}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("%w: %s after %s", ErrJobTimeout, jobID, timeout)
		case <-ticker.C:
		}
	}
}

// consume deletes a terminal record at the revision it was read. Losing the
// race to another waiter means the result was already handed out.
func (q *Queue) consume(ctx context.Context, job *Job) error {
	err := q.kv.Delete(ctx, job.ID, jetstream.LastRevision(job.revision))
	switch {
	case err == nil:
		return nil
	case isRevisionConflict(err):
		return fmt.Errorf("%w: %s", ErrJobNotFound, job.ID)
	default:
		return fmt.Errorf("consuming job %s: %w", job.ID, err)
	}
}

// errNoTransition stops a transition without writing.
var errNoTransition = errors.New("no transition")

// transition applies mutate to the current record and writes it back with a
// compare-and-set update, retrying when another writer got there first.
// Terminal records are never rewritten; mutate is not called for them.
func (q *Queue) transition(ctx context.Context, jobID string, mutate func(*Job) error) (*Job, error) {
	for range casAttempts {
		job, err := q.Fetch(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job.Status.Terminal() {
			return job, errNoTransition
		}
		if err := mutate(job); err != nil {
			return job, err
		}
		job.UpdatedAt = q.now().UTC()

		data, err := json.Marshal(job)
		if err != nil {
			return nil, fmt.Errorf("encoding job %s: %w", jobID, err)
		}
		rev, err := q.kv.Update(ctx, jobID, data, job.revision)
		if err == nil {
			job.revision = rev
			return job, nil
		}
		if !isRevisionConflict(err) {
			return nil, fmt.Errorf("updating job %s: %w", jobID, err)
		}
	}
	return nil, fmt.Errorf("updating job %s: too many concurrent writers", jobID)
}

func isRevisionConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

func waitOutcome(err error) string {
	switch {
	case err == nil:
		return "finished"
	case errors.Is(err, ErrJobFailed):
		return "failed"
	case errors.Is(err, ErrJobTimeout):
		return "timeout"
	case errors.Is(err, ErrJobNotFound):
		return "not_found"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
