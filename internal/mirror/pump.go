package mirror

import (
	"context"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// streamer is the slice of the consumer adapter the pump drives
// directly. Consumer satisfies it; tests use a fake.
type streamer interface {
	Next(ctx context.Context) (Outcome, error)
}

// sender is the slice of the producer adapter the pump drives directly.
// Producer satisfies it; tests use a fake.
type sender interface {
	Send(ctx context.Context, r Record)
}

// pumpConsumer is everything the pump needs from the consumer adapter.
type pumpConsumer interface {
	streamer
	Committer
}

// pumpProducer is everything the pump needs from the producer adapter.
type pumpProducer interface {
	sender
	Flusher
}

// Pump drives the consume -> transform -> produce loop of spec.md §4.D.
// It is a single long-lived logical task; Run blocks until the loop
// exits, because shutdown was requested, because an unhandled error set
// exiting-on-send-failure, or because the consumer reported end of stream.
type Pump struct {
	consumer    pumpConsumer
	producer    pumpProducer
	barrier     *Barrier
	transformer Transformer
	topicMap    TopicMapping

	shuttingDown atomic.Bool
	done         chan struct{}
}

// NewPump wires the pump's collaborators.
func NewPump(consumer pumpConsumer, producer pumpProducer, barrier *Barrier, transformer Transformer, topicMap TopicMapping) *Pump {
	if transformer == nil {
		transformer = PassthroughTransformer{}
	}
	return &Pump{
		consumer:    consumer,
		producer:    producer,
		barrier:     barrier,
		transformer: transformer,
		topicMap:    topicMap,
		done:        make(chan struct{}),
	}
}

// Stop requests that the pump exit its loop at the next opportunity.
// Idempotent.
func (p *Pump) Stop() {
	p.shuttingDown.Store(true)
}

// Done signals once the pump's loop has exited.
func (p *Pump) Done() <-chan struct{} {
	return p.done
}

// Run executes the pump loop until shutdown is requested, an error sets
// exiting-on-send-failure, or the consumer reports end of stream, then
// signals Done.
func (p *Pump) Run(ctx context.Context) {
	defer close(p.done)

	for !p.barrier.ExitingOnSendFailure() && !p.shuttingDown.Load() {
		outcome, err := p.consumer.Next(ctx)
		if err != nil {
			logrus.WithError(err).Error("pump: unhandled consumer error, aborting")
			p.barrier.SetExitingOnSendFailure()
			break
		}

		switch outcome.Kind {
		case OutcomeTimeout:
			// Non-fatal: a heartbeat that drives periodic commit for
			// low-volume partitions.
			p.maybeFlushAndCommit(ctx, false)
			continue
		case OutcomeEndOfStream:
			return
		}

		out, err := p.transformer.Handle(outcome.Record)
		if err != nil {
			logrus.WithError(err).WithField("coords", outcome.Record.Source.String()).
				Error("transformer failed, aborting pump")
			p.barrier.SetExitingOnSendFailure()
			break
		}

		destTopic := p.topicMap.Lookup(outcome.Record.Source.Topic)
		for _, r := range out {
			r.Source = outcome.Record.Source
			r.DestTopic = destTopic
			p.producer.Send(ctx, r)
		}

		p.maybeFlushAndCommit(ctx, false)
	}
}

func (p *Pump) maybeFlushAndCommit(ctx context.Context, force bool) {
	if err := p.barrier.MaybeFlushAndCommit(ctx, force, p.producer, p.consumer); err != nil {
		logrus.WithError(err).Error("flush/commit failed")
	}
}
