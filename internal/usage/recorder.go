package usage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/davidahmann/steward/internal/logger"
)

var ErrRecorderClosed = errors.New("usage recorder closed")

// Recorder applies usage writes off the decision path. Writes run in order
// on one goroutine, each bounded by a timeout. When the queue is full the
// write is dropped with a warning; evaluators fail open on stale counts.
type Recorder struct {
	timeout time.Duration
	jobs    chan recorderJob
	done    chan struct{}

	mu     sync.RWMutex // guards closed against sends
	closed bool
}

type recorderJob struct {
	kind    string
	write   func(context.Context) error
	flushed chan struct{}
}

func NewRecorder(queueSize int, timeout time.Duration) *Recorder {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	r := &Recorder{
		timeout: timeout,
		jobs:    make(chan recorderJob, queueSize),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Enqueue schedules write and returns immediately.
func (r *Recorder) Enqueue(kind string, write func(context.Context) error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		logger.Logger.Warn().Str("kind", kind).Msg("usage write after close dropped")
		return
	}
	select {
	case r.jobs <- recorderJob{kind: kind, write: write}:
	default:
		logger.Logger.Warn().Str("kind", kind).Msg("usage write queue full; write dropped")
	}
}

// Flush waits until every write enqueued before the call has run.
func (r *Recorder) Flush(ctx context.Context) error {
	marker := recorderJob{flushed: make(chan struct{})}
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return ErrRecorderClosed
	}
	select {
	case r.jobs <- marker:
		r.mu.RUnlock()
	case <-ctx.Done():
		r.mu.RUnlock()
		return ctx.Err()
	}
	select {
	case <-marker.flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains queued writes and stops the worker.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.closed = true
	close(r.jobs)
	r.mu.Unlock()
	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)
	for j := range r.jobs {
		if j.flushed != nil {
			close(j.flushed)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		if err := j.write(ctx); err != nil {
			logger.Logger.Warn().Err(err).Str("kind", j.kind).Msg("usage write failed")
		}
		cancel()
	}
}
