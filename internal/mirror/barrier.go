package mirror

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// drainPollInterval bounds how long the drain loop can go without
// rechecking its predicate, in case a completion callback's signal is
// ever lost. See Barrier.drain.
const drainPollInterval = 100 * time.Millisecond

// Flusher is satisfied by the producer adapter: block until every
// previously-sent record has left local buffers for the network layer.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Committer is satisfied by the consumer adapter: persist the highest
// consumed offset per assigned partition.
type Committer interface {
	Commit(ctx context.Context) error
}

// Barrier is the in-flight tracker and flush-commit barrier: the
// consistency core of the mirroring pump. It owns in-flight-count,
// exiting-on-send-failure, and last-commit-time, all guarded by mu, and
// exposes a single operation, MaybeFlushAndCommit.
type Barrier struct {
	mu   sync.Mutex
	cond *sync.Cond

	inFlight    int64
	exiting     bool
	lastCommit  time.Time
	commitEvery time.Duration

	metrics *Metrics
}

// NewBarrier constructs a Barrier that commits no more often than every
// commitEvery, unless a caller forces a commit.
func NewBarrier(commitEvery time.Duration, metrics *Metrics) *Barrier {
	b := &Barrier{
		commitEvery: commitEvery,
		lastCommit:  time.Now(),
		metrics:     metrics,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// IncrementInFlight records a record handed to the producer. Must be
// called before the record is handed to the underlying transport, so a
// synchronous completion callback can never observe a decrement before
// this increment.
func (b *Barrier) IncrementInFlight() {
	b.mu.Lock()
	b.inFlight++
	n := b.inFlight
	b.mu.Unlock()
	if b.metrics != nil {
		b.metrics.InFlightMessages.Set(float64(n))
	}
}

// SetExitingOnSendFailure marks the worker as exiting due to a send
// failure under abort policy. Idempotent; safe to call concurrently.
func (b *Barrier) SetExitingOnSendFailure() {
	b.mu.Lock()
	b.exiting = true
	b.mu.Unlock()
	b.cond.Broadcast()
}

// ExitingOnSendFailure reports whether the worker is exiting due to a
// send failure under abort policy.
func (b *Barrier) ExitingOnSendFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exiting
}

// DecrementInFlight records a terminal send outcome (success or
// skipped). Must be called after any abort action the same completion
// takes, so that a thread waiting on the barrier observes
// exiting-on-send-failure before it observes the zero count.
func (b *Barrier) DecrementInFlight() {
	b.mu.Lock()
	b.inFlight--
	n := b.inFlight
	exiting := b.exiting
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.InFlightMessages.Set(float64(n))
	}
	if n == 0 || exiting {
		b.cond.Broadcast()
	}
}

// InFlight returns the current in-flight count.
func (b *Barrier) InFlight() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inFlight
}

// MaybeFlushAndCommit implements spec.md §4.C: flush the producer, drain
// in-flight sends, and commit consumer offsets, unless the worker is
// exiting due to a send failure, in which case offsets for in-flight
// records are not known to be durable and committing would risk data
// loss on restart.
func (b *Barrier) MaybeFlushAndCommit(ctx context.Context, force bool, flusher Flusher, committer Committer) error {
	b.mu.Lock()
	due := force || time.Since(b.lastCommit) >= b.commitEvery
	b.mu.Unlock()
	if !due {
		return nil
	}

	if err := flusher.Flush(ctx); err != nil {
		return errors.Wrap(err, "flush producer")
	}

	b.drain(ctx)

	if b.ExitingOnSendFailure() {
		logrus.Debug("barrier: not committing, exiting on send failure")
		return nil
	}

	if err := committer.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit consumer offsets")
	}

	b.mu.Lock()
	b.lastCommit = time.Now()
	b.mu.Unlock()
	if b.metrics != nil {
		b.metrics.LastCommitSeconds.SetToCurrentTime()
	}
	return nil
}

// drain blocks until in-flight-count reaches zero or the worker begins
// exiting due to a send failure. The predicate is re-checked on every
// wake, including the periodic safety-net wake below, so a lost signal
// never wedges the drain forever.
func (b *Barrier) drain(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.mu.Lock()
		defer b.mu.Unlock()
		for !b.exiting && b.inFlight > 0 {
			b.cond.Wait()
		}
	}()

	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			// Safety net: a buggy transport could in principle lose a
			// completion signal. Re-broadcast so the drain goroutine
			// always re-checks its predicate at least this often.
			b.cond.Broadcast()
		case <-ctx.Done():
			return
		}
	}
}
