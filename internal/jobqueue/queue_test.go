package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fyrsmithlabs/ragchat/internal/pipeline"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, mutate func(*Config)) *Queue {
	t.Helper()
	srv, err := StartEmbedded(EmbeddedConfig{Port: -1, StoreDir: t.TempDir()}, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		srv.Shutdown()
		srv.WaitForShutdown()
	})

	nc, js, err := Connect(srv.ClientURL(), "ragchat-test", nil)
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	cfg := NewDefaultConfig()
	cfg.RetryBackoff = 10 * time.Millisecond
	cfg.PollInterval = 10 * time.Millisecond
	cfg.WaitTimeout = 5 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	q, err := New(context.Background(), js, cfg, nil)
	require.NoError(t, err)
	return q
}

func startWorker(t *testing.T, q *Queue, h Handler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	w, err := q.NewWorker(ctx, h, nil)
	require.NoError(t, err)
	w.fetchWait = 50 * time.Millisecond

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, w.Run(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

type retryErr struct{ retry bool }

func (e retryErr) Error() string   { return "gateway unavailable" }
func (e retryErr) Retryable() bool { return e.retry }

const helloPayload = `{"response":{"choices":[{"message":{"content":"hello"}}]},"context":[]}`

func TestEnqueue_Fetch(t *testing.T) {
	q := newTestQueue(t, nil)
	ctx := context.Background()

	h, err := q.Enqueue(ctx, json.RawMessage(`{"message":"hi","conversation_id":"c1"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, h.JobID)
	assert.Equal(t, StatusQueued, h.Status)

	job, err := q.Fetch(ctx, h.JobID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, job.Status)
	assert.JSONEq(t, `{"message":"hi","conversation_id":"c1"}`, string(job.Input))
	assert.Zero(t, job.Attempts)
	assert.NotZero(t, job.Revision())
}

func TestEnqueue_InvalidInput(t *testing.T) {
	q := newTestQueue(t, nil)
	_, err := q.Enqueue(context.Background(), json.RawMessage(`{"message":`))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestWaitForResult_Finished(t *testing.T) {
	q := newTestQueue(t, nil)
	ctx := context.Background()

	var seen json.RawMessage
	startWorker(t, q, func(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
		seen = input
		return json.RawMessage(helloPayload), nil
	})

	h, err := q.Enqueue(ctx, json.RawMessage(`{"message":"hi","conversation_id":"c1"}`))
	require.NoError(t, err)

	result, err := q.WaitForResult(ctx, h.JobID, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, err)
	assert.JSONEq(t, helloPayload, string(result))
	assert.JSONEq(t, `{"message":"hi","conversation_id":"c1"}`, string(seen))

	var ans pipeline.Answer
	require.NoError(t, json.Unmarshal(result, &ans))
	assert.Equal(t, "hello", ans.Response.Text())
	assert.Empty(t, ans.Context)

	// Consumed exactly once.
	_, err = q.WaitForResult(ctx, h.JobID, time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestWaitForResult_Failed(t *testing.T) {
	q := newTestQueue(t, nil)
	ctx := context.Background()

	var calls atomic.Int32
	startWorker(t, q, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		calls.Add(1)
		return nil, errors.New("prompt rejected")
	})

	h, err := q.Enqueue(ctx, json.RawMessage(`{"message":"hi"}`))
	require.NoError(t, err)

	_, err = q.WaitForResult(ctx, h.JobID, 0, 0)
	require.ErrorIs(t, err, ErrJobFailed)
	assert.NotErrorIs(t, err, ErrJobTimeout)

	var ferr *FailedError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, h.JobID, ferr.JobID)
	assert.Contains(t, ferr.Detail, "prompt rejected")
	assert.Equal(t, int32(1), calls.Load(), "non-retryable errors are not retried")
}

func TestWaitForResult_Timeout(t *testing.T) {
	q := newTestQueue(t, nil)
	ctx := context.Background()

	h, err := q.Enqueue(ctx, json.RawMessage(`{"message":"hi"}`))
	require.NoError(t, err)

	start := time.Now()
	_, err = q.WaitForResult(ctx, h.JobID, 100*time.Millisecond, 20*time.Millisecond)
	require.ErrorIs(t, err, ErrJobTimeout)
	assert.NotErrorIs(t, err, ErrJobFailed)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	job, err := q.Fetch(ctx, h.JobID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, job.Status)
}

func TestWaitForResult_NotFound(t *testing.T) {
	q := newTestQueue(t, nil)

	_, err := q.WaitForResult(context.Background(), "9b0c2a52-0000-4000-8000-000000000000", time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.NotErrorIs(t, err, ErrJobTimeout)
}

func TestWaitForResult_ContextCancelled(t *testing.T) {
	q := newTestQueue(t, nil)

	h, err := q.Enqueue(context.Background(), json.RawMessage(`{}`))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = q.WaitForResult(ctx, h.JobID, 10*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWorker_RetriesRetryableErrors(t *testing.T) {
	q := newTestQueue(t, nil)
	ctx := context.Background()

	var calls atomic.Int32
	startWorker(t, q, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		if calls.Add(1) == 1 {
			return nil, retryErr{retry: true}
		}
		return json.RawMessage(`{"ok":true}`), nil
	})

	h, err := q.Enqueue(ctx, json.RawMessage(`{}`))
	require.NoError(t, err)

	result, err := q.WaitForResult(ctx, h.JobID, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result))
	assert.Equal(t, int32(2), calls.Load())
}

func TestWorker_RetriesAreBounded(t *testing.T) {
	q := newTestQueue(t, func(c *Config) { c.MaxAttempts = 2 })
	ctx := context.Background()

	var calls atomic.Int32
	startWorker(t, q, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		calls.Add(1)
		return nil, retryErr{retry: true}
	})

	h, err := q.Enqueue(ctx, json.RawMessage(`{}`))
	require.NoError(t, err)

	_, err = q.WaitForResult(ctx, h.JobID, 5*time.Second, 10*time.Millisecond)
	var ferr *FailedError
	require.ErrorAs(t, err, &ferr)
	assert.Contains(t, ferr.Detail, "gateway unavailable")
	assert.Equal(t, int32(2), calls.Load())
}

func TestWorker_InvalidResultFailsJob(t *testing.T) {
	q := newTestQueue(t, nil)
	startWorker(t, q, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{not json`), nil
	})

	h, err := q.Enqueue(context.Background(), json.RawMessage(`{}`))
	require.NoError(t, err)

	_, err = q.WaitForResult(context.Background(), h.JobID, 5*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrJobFailed)
}

// fakeMsg implements the parts of jetstream.Msg the worker uses.
type fakeMsg struct {
	jetstream.Msg
	data      []byte
	delivered uint64

	acked, naked, termed bool
}

func (m *fakeMsg) Data() []byte { return m.data }
func (m *fakeMsg) Metadata() (*jetstream.MsgMetadata, error) {
	return &jetstream.MsgMetadata{NumDelivered: m.delivered}, nil
}
func (m *fakeMsg) Ack() error                       { m.acked = true; return nil }
func (m *fakeMsg) Nak() error                       { m.naked = true; return nil }
func (m *fakeMsg) NakWithDelay(time.Duration) error { m.naked = true; return nil }
func (m *fakeMsg) Term() error                      { m.termed = true; return nil }

func TestWorker_TerminalJobIsNotRerun(t *testing.T) {
	q := newTestQueue(t, nil)
	ctx := context.Background()

	var calls atomic.Int32
	w, err := q.NewWorker(ctx, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		calls.Add(1)
		return json.RawMessage(`{}`), nil
	}, nil)
	require.NoError(t, err)

	h, err := q.Enqueue(ctx, json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = q.transition(ctx, h.JobID, func(j *Job) error {
		j.Status = StatusFinished
		j.Result = json.RawMessage(`{"first":true}`)
		return nil
	})
	require.NoError(t, err)

	msg := &fakeMsg{data: []byte(h.JobID), delivered: 2}
	w.Process(ctx, msg)
	assert.True(t, msg.acked)
	assert.Zero(t, calls.Load())

	// Terminal records never change.
	_, err = q.transition(ctx, h.JobID, func(j *Job) error {
		j.Status = StatusRunning
		return nil
	})
	assert.ErrorIs(t, err, errNoTransition)

	job, err := q.Fetch(ctx, h.JobID)
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, job.Status)
	assert.JSONEq(t, `{"first":true}`, string(job.Result))
}

func TestWorker_UnknownJobIsTerminated(t *testing.T) {
	q := newTestQueue(t, nil)
	w, err := q.NewWorker(context.Background(), func(context.Context, json.RawMessage) (json.RawMessage, error) {
		t.Fatal("handler must not run")
		return nil, nil
	}, nil)
	require.NoError(t, err)

	msg := &fakeMsg{data: []byte("missing-job"), delivered: 1}
	w.Process(context.Background(), msg)
	assert.True(t, msg.termed)
}

func TestWorker_ShutdownLeavesJobForRedelivery(t *testing.T) {
	q := newTestQueue(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	w, err := q.NewWorker(ctx, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		cancel()
		return nil, ctx.Err()
	}, nil)
	require.NoError(t, err)

	h, err := q.Enqueue(context.Background(), json.RawMessage(`{}`))
	require.NoError(t, err)

	msg := &fakeMsg{data: []byte(h.JobID), delivered: 1}
	w.Process(ctx, msg)
	assert.True(t, msg.naked)

	job, err := q.Fetch(context.Background(), h.JobID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, job.Status)
	assert.Equal(t, 1, job.Attempts)
}

func TestWaitForResult_ConcurrentWaitersConsumeOnce(t *testing.T) {
	q := newTestQueue(t, nil)
	ctx := context.Background()

	h, err := q.Enqueue(ctx, json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = q.transition(ctx, h.JobID, func(j *Job) error {
		j.Status = StatusFinished
		j.Result = json.RawMessage(`{"n":1}`)
		return nil
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var ok, notFound atomic.Int32
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.WaitForResult(ctx, h.JobID, time.Second, 10*time.Millisecond)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrJobNotFound):
				notFound.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(3), notFound.Load())
}

func TestConfig_Validate(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.MaxAttempts = 0
	assert.Error(t, cfg.Validate())
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(retryErr{retry: true}))
	assert.True(t, IsRetryable(errors.Join(errors.New("x"), retryErr{retry: true})))
	assert.False(t, IsRetryable(retryErr{retry: false}))
	assert.False(t, IsRetryable(errors.New("plain")))
}
