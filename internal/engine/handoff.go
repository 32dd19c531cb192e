package engine

import (
	"errors"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrHandoffTimeout reports that a readiness check did not answer within the
// configured bound. The serialized queue treats it as "not ready" instead of
// stalling indefinitely.
var ErrHandoffTimeout = errors.New("engine: readiness hand-off timed out")

// errHandoffBusy reports a second in-flight hand-off request, which the
// single-in-flight invariant forbids.
var errHandoffBusy = errors.New("engine: readiness hand-off already in flight")

// handoff is the synchronous bridge between the serialized queue and the
// goroutine that runs driver readiness checks and live condition reads.
//
// The queue blocks on exactly one request at a time; the semaphore enforces
// the single-in-flight invariant. The wait is bounded: if the hand-off
// goroutine is stuck (for example inside a misbehaving driver), perform
// returns ErrHandoffTimeout and the queue moves on. The stuck call still
// occupies the goroutine until it returns; its late result is discarded.
type handoff struct {
	requests chan handoffRequest
	sem      *semaphore.Weighted
	timeout  time.Duration
	stop     chan struct{}
}

type handoffRequest struct {
	fn    func() readinessOutcome
	reply chan readinessOutcome
}

// readinessOutcome is the combined answer of condition evaluation plus the
// driver readiness check.
type readinessOutcome struct {
	// conditionsMet is false when a delay condition (app state, screen,
	// region) failed; the driver was not consulted.
	conditionsMet bool
	// ready is the driver's answer, valid only when conditionsMet.
	ready string
	// panicked is set when the driver panicked, a definitional error.
	panicked bool
}

func newHandoff(timeout time.Duration) *handoff {
	h := &handoff{
		// Buffer one request so a timed-out caller never blocks the
		// queue on the channel send while the goroutine is stuck.
		requests: make(chan handoffRequest, 1),
		sem:      semaphore.NewWeighted(1),
		timeout:  timeout,
		stop:     make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *handoff) run() {
	for {
		select {
		case <-h.stop:
			return
		case req := <-h.requests:
			outcome := req.fn()
			// Non-blocking: the caller may have timed out and gone.
			select {
			case req.reply <- outcome:
			default:
			}
		}
	}
}

// perform runs fn on the hand-off goroutine and waits for the result, up to
// the configured timeout.
func (h *handoff) perform(fn func() readinessOutcome) (readinessOutcome, error) {
	if !h.sem.TryAcquire(1) {
		return readinessOutcome{}, errHandoffBusy
	}
	defer h.sem.Release(1)

	req := handoffRequest{fn: fn, reply: make(chan readinessOutcome, 1)}
	timer := time.NewTimer(h.timeout)
	defer timer.Stop()

	select {
	case h.requests <- req:
	case <-timer.C:
		return readinessOutcome{}, ErrHandoffTimeout
	}

	select {
	case outcome := <-req.reply:
		return outcome, nil
	case <-timer.C:
		return readinessOutcome{}, ErrHandoffTimeout
	}
}

func (h *handoff) close() {
	close(h.stop)
}
