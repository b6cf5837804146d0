package mirror

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStreamer struct {
	mu        sync.Mutex
	outcomes  []Outcome
	err       error
	commits   int
	nextCalls int
}

func (f *fakeStreamer) Next(ctx context.Context) (Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextCalls++
	if f.err != nil && len(f.outcomes) == 0 {
		return Outcome{}, f.err
	}
	if len(f.outcomes) == 0 {
		return Outcome{Kind: OutcomeTimeout}, nil
	}
	o := f.outcomes[0]
	f.outcomes = f.outcomes[1:]
	return o, nil
}

func (f *fakeStreamer) Commit(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits++
	return nil
}

type fakeSender struct {
	mu      sync.Mutex
	sent    []Record
	flushes int
}

func (f *fakeSender) Send(ctx context.Context, r Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, r)
}

func (f *fakeSender) Flush(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	return nil
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

func TestPumpRun_ForwardsRecordsThroughTopicMapAndTransformer(t *testing.T) {
	rec := Record{Source: Coords{Topic: "src", Partition: 0, Offset: 1}, Key: []byte("k"), Value: []byte("v")}
	consumer := &fakeStreamer{outcomes: []Outcome{{Kind: OutcomeRecord, Record: rec}, {Kind: OutcomeEndOfStream}}}
	producer := &fakeSender{}
	barrier := NewBarrier(time.Hour, nil)
	topicMap := TopicMapping{"src": "dst"}

	pump := NewPump(consumer, producer, barrier, PassthroughTransformer{}, topicMap)
	pump.Run(context.Background())

	<-pump.Done()
	require.Len(t, producer.sent, 1)
	assert.Equal(t, "dst", producer.sent[0].DestTopic)
	assert.Equal(t, rec.Source, producer.sent[0].Source)
}

func TestPumpRun_TransformerErrorAbortsPump(t *testing.T) {
	rec := Record{Source: Coords{Topic: "src", Partition: 0, Offset: 1}}
	consumer := &fakeStreamer{outcomes: []Outcome{{Kind: OutcomeRecord, Record: rec}}}
	producer := &fakeSender{}
	barrier := NewBarrier(time.Hour, nil)

	pump := NewPump(consumer, producer, barrier, failingTransformer{}, nil)
	pump.Run(context.Background())

	assert.True(t, barrier.ExitingOnSendFailure())
	assert.Empty(t, producer.sent)
}

func TestPumpRun_ConsumerErrorAbortsPump(t *testing.T) {
	consumer := &fakeStreamer{err: errors.New("broker gone")}
	producer := &fakeSender{}
	barrier := NewBarrier(time.Hour, nil)

	pump := NewPump(consumer, producer, barrier, nil, nil)
	pump.Run(context.Background())

	assert.True(t, barrier.ExitingOnSendFailure())
}

func TestPumpStop_EndsRunLoop(t *testing.T) {
	consumer := &fakeStreamer{}
	producer := &fakeSender{}
	barrier := NewBarrier(time.Hour, nil)

	pump := NewPump(consumer, producer, barrier, nil, nil)
	go pump.Run(context.Background())

	waitForCondition(t, time.Second, func() bool {
		consumer.mu.Lock()
		defer consumer.mu.Unlock()
		return consumer.nextCalls > 0
	})

	pump.Stop()
	select {
	case <-pump.Done():
	case <-time.After(time.Second):
		t.Fatal("pump did not stop after Stop()")
	}
}

type failingTransformer struct{}

func (failingTransformer) Handle(Record) ([]Record, error) {
	return nil, errors.New("transform failed")
}
