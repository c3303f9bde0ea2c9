package scheduler

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// ErrQueueFull is returned when the submission queue is at capacity. The
// caller sees backpressure immediately instead of blocking behind an
// unbounded backlog.
var ErrQueueFull = errors.New("request queue full")

// ErrClosed is returned for submissions after Close, and to waiters whose
// queued requests were abandoned by shutdown.
var ErrClosed = errors.New("scheduler closed")

// Doer executes a single HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

type job struct {
	req    *http.Request
	result chan result
}

type result struct {
	resp *http.Response
	err  error
}

// Scheduler is the single choke point for upstream traffic. All outbound
// calls, signed or unsigned, are dispatched FIFO by one worker goroutine
// with a mandatory minimum delay between dispatches, so at most one upstream
// call is ever in flight. A failed request reports to its waiter and never
// blocks the chain. No retries happen here.
type Scheduler struct {
	client   Doer
	limiter  *rate.Limiter
	jobs     chan job
	done     chan struct{}
	closeMu  sync.Mutex
	closed   bool
	minDelay time.Duration
}

// New creates a scheduler dispatching through client, spacing dispatches by
// at least minDelay, holding at most queueSize pending requests.
func New(client Doer, minDelay time.Duration, queueSize int) *Scheduler {
	limit := rate.Inf
	if minDelay > 0 {
		limit = rate.Every(minDelay)
	}

	s := &Scheduler{
		client:   client,
		limiter:  rate.NewLimiter(limit, 1),
		jobs:     make(chan job, queueSize),
		done:     make(chan struct{}),
		minDelay: minDelay,
	}

	go s.run()

	return s
}

// Enqueue submits a request for ordered dispatch and blocks until its
// response (or failure) is available. The caller's context governs only the
// wait: once dispatched, the request runs to completion on the transport's
// own timeout, keeping the global ordering intact.
func (s *Scheduler) Enqueue(ctx context.Context, req *http.Request) (*http.Response, error) {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil, ErrClosed
	}

	j := job{req: req, result: make(chan result, 1)}

	select {
	case s.jobs <- j:
		s.closeMu.Unlock()
	default:
		s.closeMu.Unlock()
		return nil, ErrQueueFull
	}

	select {
	case r := <-j.result:
		return r.resp, r.err
	case <-ctx.Done():
		// the request stays queued and will still execute; the caller has
		// just stopped waiting for it
		go func() {
			r := <-j.result
			if r.resp != nil {
				r.resp.Body.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// Close stops intake and fails any still-queued requests with ErrClosed.
// The in-flight request, if any, completes first. Idempotent.
func (s *Scheduler) Close() {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return
	}
	s.closed = true
	close(s.jobs)
	s.closeMu.Unlock()

	<-s.done
}

func (s *Scheduler) isClosed() bool {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.closed
}

func (s *Scheduler) run() {
	defer close(s.done)

	for j := range s.jobs {
		if s.isClosed() {
			j.result <- result{err: ErrClosed}
			continue
		}

		// the limiter enforces the inter-request spacing; the background
		// context is deliberate, as cancellation mid-queue would reorder
		// the chain
		if err := s.limiter.Wait(context.Background()); err != nil {
			j.result <- result{err: err}
			continue
		}

		started := time.Now()
		resp, err := s.client.Do(j.req)
		if err != nil {
			log.Debug().Err(err).Str("url", j.req.URL.String()).Msg("upstream request failed")
		} else {
			log.Debug().
				Int("status", resp.StatusCode).
				Dur("elapsed", time.Since(started)).
				Str("url", j.req.URL.String()).
				Msg("upstream request complete")
		}

		j.result <- result{resp: resp, err: err}
	}
}
