package mirror

import (
	"context"
	"errors"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// OutcomeKind distinguishes the three things Consumer.Next can yield.
type OutcomeKind int

const (
	// OutcomeRecord carries a consumed record.
	OutcomeRecord OutcomeKind = iota
	// OutcomeTimeout is a recoverable, non-fatal signal: no record was
	// available within the poll timeout.
	OutcomeTimeout
	// OutcomeEndOfStream means the underlying client has been shut down.
	OutcomeEndOfStream
)

// Outcome is the result of advancing the consumer's stream.
type Outcome struct {
	Kind   OutcomeKind
	Record Record
}

// ConsumerConfig configures the consumer adapter's source client.
type ConsumerConfig struct {
	Brokers     []string
	ClientID    string
	GroupID     string
	PollTimeout time.Duration // default 10s, per spec.md §6
	ExtraOpts   []kgo.Opt
}

// Consumer is the consumer adapter of spec.md §4.B. It streams records
// from the source cluster for whatever partitions are currently assigned
// via Assign/Revoke, and drives explicit offset commits — auto-commit is
// always disabled, since the barrier drives every commit.
type Consumer struct {
	cl          *kgo.Client
	pollTimeout time.Duration
	clientID    string
	groupID     string

	mu      sync.Mutex
	buf     []*kgo.Record
	offsets map[string]map[int32]int64
	closed  bool
}

// NewConsumer constructs the source-cluster consumer with auto-commit
// disabled and no initial partition assignment; partitions are added
// only in response to membership ONLINE transitions.
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{}),
		kgo.DisableAutoCommit(),
		kgo.FetchMaxWait(timeout),
	}
	opts = append(opts, cfg.ExtraOpts...)

	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "construct source consumer client")
	}

	return &Consumer{
		cl:          cl,
		pollTimeout: timeout,
		clientID:    cfg.ClientID,
		groupID:     cfg.GroupID,
		offsets:     make(map[string]map[int32]int64),
	}, nil
}

// ClientID identifies this consumer for metrics tagging.
func (c *Consumer) ClientID() string { return c.clientID }

// GroupID is a logical label only: direct partition assignment does not
// join a real Kafka consumer group, since partition ownership is decided
// by the external membership service instead.
func (c *Consumer) GroupID() string { return c.groupID }

// Assign adds a partition to this consumer's assignment, beginning at
// startOffset, or at the partition's earliest available offset if
// startOffset is negative (used when the membership service's
// assignment event carries no resume point, e.g. a brand new shard).
// Idempotent.
func (c *Consumer) Assign(topic string, partition int32, startOffset int64) {
	offset := kgo.NewOffset().AtStart()
	if startOffset >= 0 {
		offset = kgo.NewOffset().At(startOffset)
	}
	c.cl.AddConsumePartitions(map[string]map[int32]kgo.Offset{
		topic: {partition: offset},
	})
}

// Revoke removes a partition from this consumer's assignment. The
// consumer stops yielding records for that partition; the pump
// otherwise continues running. Idempotent.
func (c *Consumer) Revoke(topic string, partition int32) {
	c.cl.RemoveConsumePartitions(map[string][]int32{
		topic: {partition},
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.offsets[topic], partition)
	if len(c.offsets[topic]) == 0 {
		delete(c.offsets, topic)
	}
	kept := c.buf[:0]
	for _, r := range c.buf {
		if r.Topic != topic || r.Partition != partition {
			kept = append(kept, r)
		}
	}
	c.buf = kept
}

// Next advances the stream. If no record is available within the poll
// timeout, it returns OutcomeTimeout — a recoverable, non-fatal signal.
func (c *Consumer) Next(ctx context.Context) (Outcome, error) {
	c.mu.Lock()
	if len(c.buf) > 0 {
		r := c.buf[0]
		c.buf = c.buf[1:]
		c.mu.Unlock()
		return c.record(r), nil
	}
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return Outcome{Kind: OutcomeEndOfStream}, nil
	}

	pollCtx, cancel := context.WithTimeout(ctx, c.pollTimeout)
	defer cancel()

	fetches := c.cl.PollFetches(pollCtx)

	var recs []*kgo.Record
	fetches.EachRecord(func(r *kgo.Record) { recs = append(recs, r) })

	if len(recs) == 0 {
		for _, fe := range fetches.Errors() {
			if errors.Is(fe.Err, context.DeadlineExceeded) {
				continue
			}
			// Silent at trace level per spec.md's open question: a
			// non-fatal idle-consumer signal shouldn't be noisy.
			logrus.WithError(fe.Err).WithFields(logrus.Fields{
				"topic":     fe.Topic,
				"partition": fe.Partition,
			}).Trace("fetch returned no records")
		}
		return Outcome{Kind: OutcomeTimeout}, nil
	}

	c.mu.Lock()
	c.buf = recs[1:]
	c.mu.Unlock()
	return c.record(recs[0]), nil
}

func (c *Consumer) record(r *kgo.Record) Outcome {
	c.mu.Lock()
	if c.offsets[r.Topic] == nil {
		c.offsets[r.Topic] = make(map[int32]int64)
	}
	c.offsets[r.Topic][r.Partition] = r.Offset
	c.mu.Unlock()

	return Outcome{
		Kind: OutcomeRecord,
		Record: Record{
			Source: Coords{Topic: r.Topic, Partition: r.Partition, Offset: r.Offset},
			Key:    r.Key,
			Value:  r.Value,
		},
	}
}

// Commit atomically persists, for each currently assigned partition, the
// highest offset consumed from that partition such that the consumer
// will, on restart, resume from that offset + 1.
func (c *Consumer) Commit(ctx context.Context) error {
	c.mu.Lock()
	if len(c.offsets) == 0 {
		c.mu.Unlock()
		return nil
	}
	toCommit := make(map[string]map[int32]kgo.EpochOffset, len(c.offsets))
	for topic, parts := range c.offsets {
		toCommit[topic] = make(map[int32]kgo.EpochOffset, len(parts))
		for partition, offset := range parts {
			toCommit[topic][partition] = kgo.EpochOffset{Epoch: -1, Offset: offset + 1}
		}
	}
	c.mu.Unlock()

	var wg sync.WaitGroup
	var commitErr error
	wg.Add(1)
	c.cl.CommitOffsets(ctx, toCommit, func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, _ *kmsg.OffsetCommitResponse, err error) {
		commitErr = err
		wg.Done()
	})
	wg.Wait()

	if commitErr != nil {
		return pkgerrors.Wrap(commitErr, "commit offsets")
	}
	return nil
}

// Shutdown releases resources; subsequent stream operations return
// OutcomeEndOfStream.
func (c *Consumer) Shutdown() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cl.Close()
}

var _ Committer = (*Consumer)(nil)
