package mirror

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// State is a node in the lifecycle controller's state machine
// (spec.md §4.D): Init -> Joining -> Running -> Draining -> Stopped.
type State int

const (
	StateInit State = iota
	StateJoining
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateJoining:
		return "joining"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// MembershipParticipant is the minimal slice of the membership service
// contract the lifecycle controller needs: the ability to disconnect
// cleanly. See internal/membership for a concrete etcd-backed
// implementation.
type MembershipParticipant interface {
	Disconnect(ctx context.Context) error
}

// lifecycleProducer is everything the lifecycle controller needs from
// the producer adapter. Producer satisfies it; tests use a fake.
type lifecycleProducer interface {
	Flusher
	Close(graceMs int)
}

// lifecycleConsumer is everything the lifecycle controller needs from
// the consumer adapter. Consumer satisfies it; tests use a fake.
type lifecycleConsumer interface {
	Committer
	Shutdown()
}

// Lifecycle is the lifecycle controller of spec.md §4.D: it owns the
// shutting-down flag, drives the Init/Joining/Running/Draining/Stopped
// state machine, and performs the exactly-once clean-shutdown sequence.
type Lifecycle struct {
	pump       *Pump
	producer   lifecycleProducer
	consumer   lifecycleConsumer
	barrier    *Barrier
	membership MembershipParticipant

	closeGraceMs int

	shuttingDown atomic.Bool
	stopped      chan struct{}

	mu    sync.Mutex
	state State
}

// NewLifecycle wires the lifecycle controller's collaborators.
// closeGraceMs bounds the producer's normal-shutdown close grace.
func NewLifecycle(pump *Pump, producer lifecycleProducer, consumer lifecycleConsumer, barrier *Barrier, membership MembershipParticipant, closeGraceMs int) *Lifecycle {
	return &Lifecycle{
		pump:         pump,
		producer:     producer,
		consumer:     consumer,
		barrier:      barrier,
		membership:   membership,
		closeGraceMs: closeGraceMs,
		state:        StateInit,
		stopped:      make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Lifecycle) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// MarkJoining transitions Init -> Joining: the caller is about to
// register with the membership service.
func (l *Lifecycle) MarkJoining() {
	l.setState(StateJoining)
}

// MarkRunning transitions Joining -> Running and starts the pump. Call
// once the first partition assignment has been received.
func (l *Lifecycle) MarkRunning(ctx context.Context) {
	l.setState(StateRunning)
	go l.pump.Run(ctx)
}

// ShuttingDown reports whether a clean shutdown has begun. Never
// transitions true -> false.
func (l *Lifecycle) ShuttingDown() bool {
	return l.shuttingDown.Load()
}

// Shutdown performs the Draining state's clean-shutdown sequence exactly
// once, guarded by a CAS on shutting-down: signal the pump and wait for
// its latch, run a final forced flush-and-commit, shut down the
// consumer, close the producer with normal grace, and disconnect from
// the membership service.
func (l *Lifecycle) Shutdown(ctx context.Context) error {
	if !l.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	l.setState(StateDraining)
	logrus.Info("lifecycle: draining")

	l.pump.Stop()
	<-l.pump.Done()

	if err := l.barrier.MaybeFlushAndCommit(ctx, true, l.producer, l.consumer); err != nil {
		logrus.WithError(err).Error("lifecycle: final flush/commit failed")
	}

	l.consumer.Shutdown()
	l.producer.Close(l.closeGraceMs)

	if l.membership != nil {
		if err := l.membership.Disconnect(ctx); err != nil {
			logrus.WithError(err).Warn("lifecycle: membership disconnect failed")
		}
	}

	l.setState(StateStopped)
	logrus.Info("lifecycle: stopped")
	close(l.stopped)
	return nil
}

// Stopped signals once a call to Shutdown has run the clean-shutdown
// sequence to completion. The caller uses this to know when it's safe to
// exit the process with code 0, including when shutdown was triggered by
// OnMembershipDisconnect rather than directly.
func (l *Lifecycle) Stopped() <-chan struct{} {
	return l.stopped
}

// OnMembershipDisconnect is installed as the membership client's
// disconnect hook. If shutting-down is already true, the clean-shutdown
// path already owns disconnecting and there is nothing further to do
// here; otherwise the membership service is evicting us, so we run the
// full clean-shutdown path ourselves. This makes eviction
// indistinguishable from operator-initiated shutdown from the
// data-plane's perspective.
func (l *Lifecycle) OnMembershipDisconnect(ctx context.Context) {
	if l.ShuttingDown() {
		return
	}
	logrus.Warn("lifecycle: membership disconnected, treating as eviction")
	go func() {
		if err := l.Shutdown(ctx); err != nil {
			logrus.WithError(err).Error("lifecycle: shutdown after eviction failed")
		}
	}()
}

// UnexpectedPumpDeath returns a channel that closes if the pump's loop
// exits on its own, i.e. while shutting-down is still false. A worker
// that dies partially mirroring is worse than no worker, since peers
// will eventually rebalance; the caller should exit the process
// non-zero when this fires.
func (l *Lifecycle) UnexpectedPumpDeath() <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		<-l.pump.Done()
		if !l.ShuttingDown() {
			close(ch)
		}
	}()
	return ch
}
