package mirror

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"
)

// ProducerConfig configures the producer adapter's destination client.
type ProducerConfig struct {
	Brokers            []string
	AbortOnSendFailure bool

	// AcksOverride, RetriesOverride, and MaxInFlightOverride carry the
	// operator's overrides of the three required durability properties
	// that the destination client can actually honor. The values "", -1
	// and 0 respectively mean "not overridden, keep the safe default";
	// note that a RetriesOverride of 0 is applied as zero retries.
	// Each override that's set is logged as a warning at construction.
	AcksOverride        string
	RetriesOverride     int
	MaxInFlightOverride int

	// RejectedOverrides names properties the operator overrode that have
	// no equivalent on this transport (e.g. block-on-buffer-full); each is
	// logged as rejected rather than silently dropped.
	RejectedOverrides []string

	ExtraOpts []kgo.Opt
}

// Producer is the producer adapter of spec.md §4.A: a buffered, retrying
// send to the destination cluster that invokes a per-record completion
// callback and is paired with the in-flight tracker & flush-commit
// barrier.
type Producer struct {
	cl      *kgo.Client
	barrier *Barrier
	metrics *Metrics

	abortOnSendFailure bool
	dropped            atomic.Int64
	closed             atomic.Bool

	// topics tracks every destination topic Send has produced to, so the
	// abort path can purge exactly those topics' buffered/in-flight
	// records instead of guessing at the full destination topic set.
	topicsMu sync.Mutex
	topics   map[string]struct{}
}

// NewProducer constructs the destination-cluster producer, enforcing the
// all-acks / unbounded-retries / max-inflight=1 posture required by
// spec.md §4.A unless the operator's configuration overrides one of them,
// in which case the override is applied and a warning is logged naming
// the property. block-on-buffer-full has no equivalent on this transport,
// so an override of it is logged as rejected rather than applied.
func NewProducer(cfg ProducerConfig, barrier *Barrier, metrics *Metrics) (*Producer, error) {
	acks := kgo.AllISRAcks()
	if cfg.AcksOverride != "" {
		logrus.WithField("property", "producer.acks").
			Warn("producer configuration overrides a required durability property; data loss or reordering is possible")
		switch cfg.AcksOverride {
		case "all":
			acks = kgo.AllISRAcks()
		case "leader":
			acks = kgo.LeaderAck()
		case "none":
			acks = kgo.NoAck()
		default:
			logrus.WithField("value", cfg.AcksOverride).
				Warn("unrecognized producer.acks override, keeping default all-ISR acks")
		}
	}

	retries := math.MaxInt
	if cfg.RetriesOverride >= 0 {
		logrus.WithField("property", "producer.retries").
			Warn("producer configuration overrides a required durability property; data loss or reordering is possible")
		retries = cfg.RetriesOverride
	}

	maxInFlight := 1
	if cfg.MaxInFlightOverride > 0 {
		logrus.WithField("property", "producer.max.in.flight.requests.per.connection").
			Warn("producer configuration overrides a required durability property; data loss or reordering is possible")
		maxInFlight = cfg.MaxInFlightOverride
	}

	for _, prop := range cfg.RejectedOverrides {
		logrus.WithField("property", prop).
			Warn("override has no equivalent on the destination transport and is ignored")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.RequiredAcks(acks),
		kgo.RecordRetries(retries),
		kgo.MaxProduceRequestsInflightPerBroker(maxInFlight),
	}
	opts = append(opts, cfg.ExtraOpts...)

	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "construct destination producer client")
	}

	return &Producer{
		cl:                 cl,
		barrier:            barrier,
		metrics:            metrics,
		abortOnSendFailure: cfg.AbortOnSendFailure,
		topics:             make(map[string]struct{}),
	}, nil
}

// Send accepts a record for asynchronous delivery. It increments
// in-flight-count before handing the record to the underlying transport,
// so a callback that runs synchronously cannot observe a decrement
// before the increment (spec.md §4.A).
func (p *Producer) Send(ctx context.Context, r Record) {
	p.barrier.IncrementInFlight()

	p.topicsMu.Lock()
	p.topics[r.DestTopic] = struct{}{}
	p.topicsMu.Unlock()

	kr := &kgo.Record{
		Topic: r.DestTopic,
		Key:   r.Key,
		Value: r.Value,
	}
	coords := r.Source

	p.cl.Produce(ctx, kr, func(_ *kgo.Record, err error) {
		p.onComplete(coords, kr.Key, err)
	})
}

// onComplete implements the five-step completion-callback algorithm of
// spec.md §4.A. The decrement happens last so that a thread waiting on
// the barrier observes exiting-on-send-failure before it observes the
// zero in-flight count.
func (p *Producer) onComplete(coords Coords, key []byte, err error) {
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"topic":         coords.Topic,
			"src_partition": coords.Partition,
			"src_offset":    coords.Offset,
			"key":           string(key),
		}).Error("send to destination cluster failed")

		if p.abortOnSendFailure {
			p.barrier.SetExitingOnSendFailure()
			go p.Close(0)
		}

		n := p.dropped.Add(1)
		if p.metrics != nil {
			p.metrics.DroppedMessages.Set(float64(n))
		}
	}
	p.barrier.DecrementInFlight()
}

// DroppedCount returns the number of completion callbacks that observed
// a non-nil error.
func (p *Producer) DroppedCount() int64 {
	return p.dropped.Load()
}

// Flush blocks until every record previously passed to Send has been
// dispatched out of local buffers into the network layer.
func (p *Producer) Flush(ctx context.Context) error {
	return p.cl.Flush(ctx)
}

// Close terminates the producer. graceMs == 0 means "drop buffered
// records immediately": every topic Send has touched is purged so
// in-flight and buffered produce attempts fail their callbacks at once,
// rather than waiting out the unbounded retry count Close would otherwise
// drain against. Used only on abort paths; safe to call concurrently with
// a normal-grace Close, and safe to call more than once.
func (p *Producer) Close(graceMs int) {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	if graceMs == 0 {
		p.topicsMu.Lock()
		topics := make([]string, 0, len(p.topics))
		for t := range p.topics {
			topics = append(topics, t)
		}
		p.topicsMu.Unlock()
		if len(topics) > 0 {
			p.cl.PurgeTopicsFromProducing(topics...)
		}
		p.cl.Close()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(graceMs)*time.Millisecond)
	defer cancel()
	if err := p.cl.Flush(ctx); err != nil {
		logrus.WithError(err).Warn("producer flush before close did not complete within grace period")
	}
	p.cl.Close()
}

var _ Flusher = (*Producer)(nil)
